package crt

import (
	"errors"
	"fmt"
	"sort"
)

// ErrInvalidBase is returned for MDU bases below 1.
var ErrInvalidBase = errors.New("crt: base must be positive")

// Domain is an entity's position in one cycle. 0 <= A < B.
type Domain struct {
	A int64
	B int64
}

// MultiDomainState maps a domain name to its position.
type MultiDomainState map[string]Domain

// Clone returns an independent copy.
func (s MultiDomainState) Clone() MultiDomainState {
	out := make(MultiDomainState, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// CheckResonance reports whether every named domain sits at target.
// No names is vacuously true; an unknown name is false.
func CheckResonance(states MultiDomainState, names []string, target int64) bool {
	for _, name := range names {
		d, ok := states[name]
		if !ok || d.A != target {
			return false
		}
	}
	return true
}

// Coordinate is the (L, A) position of a counter against base B,
// with a free weight W carried alongside.
type Coordinate struct {
	L int64
	A int64
	B int64
	W float64
}

// Unfold decomposes n against base b into L = floor(n/b), A = n mod b.
// L*B + A == n and 0 <= A < B for every n.
func Unfold(n, b int64) (Coordinate, error) {
	if b < 1 {
		return Coordinate{}, fmt.Errorf("%w (got %d)", ErrInvalidBase, b)
	}
	l, a := n/b, n%b
	if a < 0 {
		a += b
		l--
	}
	return Coordinate{L: l, A: a, B: b}, nil
}

// DefaultDomains are used when an entity is initialized without bases.
func DefaultDomains() map[string]int64 {
	return map[string]int64{"default": 7, "daily": 24, "weekly": 7}
}

// EntityState tracks one entity across several cycles. CurrentLayer only
// grows: it is bumped once per Advance in which any domain wraps.
type EntityState struct {
	EntityID     string
	Domains      MultiDomainState
	CurrentLayer int64
	LayerHistory []int64
}

// NewEntityState starts an entity at residue 0 in every domain.
func NewEntityState(entityID string, bases map[string]int64) (*EntityState, error) {
	if len(bases) == 0 {
		bases = DefaultDomains()
	}
	domains := make(MultiDomainState, len(bases))
	for name, b := range bases {
		if b < 1 {
			return nil, fmt.Errorf("domain %q: %w (got %d)", name, ErrInvalidBase, b)
		}
		domains[name] = Domain{A: 0, B: b}
	}
	return &EntityState{EntityID: entityID, Domains: domains}, nil
}

// Advance moves every domain one step. The first domain (by name) that
// wraps from B-1 to 0 records its base in LayerHistory. Returns whether
// the layer changed.
func (e *EntityState) Advance() bool {
	names := make([]string, 0, len(e.Domains))
	for name := range e.Domains {
		names = append(names, name)
	}
	sort.Strings(names)

	wrapped := false
	for _, name := range names {
		d := e.Domains[name]
		d.A = (d.A + 1) % d.B
		e.Domains[name] = d
		if d.A == 0 && !wrapped {
			wrapped = true
			e.CurrentLayer++
			e.LayerHistory = append(e.LayerHistory, d.B)
		}
	}
	return wrapped
}

// Coordinate returns the entity's position in domain as an agent
// coordinate: the entity's layer and the domain's residue and base.
func (e *EntityState) Coordinate(domain string) (Coordinate, bool) {
	d, ok := e.Domains[domain]
	if !ok {
		return Coordinate{}, false
	}
	return Coordinate{L: e.CurrentLayer, A: d.A, B: d.B}, true
}
