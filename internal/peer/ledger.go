package peer

import (
	"sort"

	"github.com/roach88/ulp/internal/event"
	"github.com/roach88/ulp/internal/harmonic"
	"github.com/roach88/ulp/internal/sexpr"
	"github.com/roach88/ulp/internal/store"
)

type ledgerEntry struct {
	Name   string `sexpr:"name"`
	Supply int64  `sexpr:"supply"`
	Owner  string `sexpr:"owner"`
}

// ledger is the minted-token table. Its canonical encoding is the
// "before" state every transition is gated against.
type ledger struct {
	entries map[string]ledgerEntry
	cached  *harmonic.Unit
}

func newLedger() *ledger {
	return &ledger{entries: make(map[string]ledgerEntry)}
}

// mint records a token owned by owner. The first mint of a token id wins.
func (l *ledger) mint(m event.MintToken, owner string) bool {
	if _, exists := l.entries[m.TokenID]; exists {
		return false
	}
	l.entries[m.TokenID] = ledgerEntry{Name: m.Name, Supply: m.Supply, Owner: owner}
	l.cached = nil
	return true
}

// unit returns the harmonic unit of the encoded ledger. An empty ledger
// has the zero unit so the gate skips its similarity check.
func (l *ledger) unit() harmonic.Unit {
	if len(l.entries) == 0 {
		return harmonic.Unit{}
	}
	if l.cached == nil {
		body, err := sexpr.Marshal(l.entries)
		if err != nil {
			// Entries hold only strings and integers.
			panic(err)
		}
		u := harmonic.NewUnit("ledger", body)
		l.cached = &u
	}
	return *l.cached
}

func (l *ledger) tokens() []store.Token {
	out := make([]store.Token, 0, len(l.entries))
	for id, e := range l.entries {
		out = append(out, store.Token{ID: id, Name: e.Name, Supply: e.Supply, Owner: e.Owner})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (l *ledger) restore(tokens []store.Token) {
	for _, t := range tokens {
		l.entries[t.ID] = ledgerEntry{Name: t.Name, Supply: t.Supply, Owner: t.Owner}
	}
	l.cached = nil
}
