package peer

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/roach88/ulp/internal/agent"
	"github.com/roach88/ulp/internal/crt"
	"github.com/roach88/ulp/internal/store"
)

// Persister saves a peer's state blob. *store.Store implements it.
type Persister interface {
	Save(ctx context.Context, st store.State) error
}

// Snapshot captures the state that survives a restart. The private key
// appears in its persisted form, so a USE_ENV: reference stays a
// reference.
func (p *Peer) Snapshot() store.State {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := store.State{
		PrivateKey:  p.kp.PersistedKey(),
		Revocations: p.revoked.IDs(),
		Tokens:      p.ledger.tokens(),
	}

	for _, id := range sortedKeys(p.agents) {
		ag := p.agents[id]
		rec := store.Agent{ID: id, Bases: ag.MetaCognition().Bases()}
		q := ag.ImplicitKnowledge()
		for _, key := range sortedKeys(q) {
			for _, action := range sortedKeys(q[key]) {
				rec.QTable = append(rec.QTable, store.QValue{StateKey: key, Action: action, Value: q[key][action]})
			}
		}
		for _, r := range ag.ExplicitRules() {
			rec.Rules = append(rec.Rules, store.Rule{L: r.L, A: r.A, Action: r.Action, Confidence: r.Confidence})
		}
		st.Agents = append(st.Agents, rec)
	}

	for _, id := range sortedKeys(p.entities) {
		ent := p.entities[id]
		rec := store.Entity{
			ID:           id,
			Layer:        ent.CurrentLayer,
			LayerHistory: append([]int64{}, ent.LayerHistory...),
		}
		for _, name := range sortedKeys(ent.Domains) {
			d := ent.Domains[name]
			rec.Domains = append(rec.Domains, store.Domain{Name: name, A: d.A, B: d.B})
		}
		st.Entities = append(st.Entities, rec)
	}
	return st
}

// Checkpoint saves a snapshot through s.
func (p *Peer) Checkpoint(ctx context.Context, s Persister) error {
	if err := s.Save(ctx, p.Snapshot()); err != nil {
		return fmt.Errorf("peer: checkpoint: %w", err)
	}
	p.logger.Debug("checkpoint saved")
	return nil
}

// Restore loads a previously saved state. Call it before Run. The
// private key in st is ignored; the peer keeps the key it was built with.
func (p *Peer) Restore(st store.State) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, id := range st.Revocations {
		p.revoked.Add(id)
	}
	p.metrics.Revocations.Set(float64(p.revoked.Len()))
	p.ledger.restore(st.Tokens)

	for _, rec := range st.Entities {
		bases := make(map[string]int64, len(rec.Domains))
		for _, d := range rec.Domains {
			bases[d.Name] = d.B
		}
		ent, err := crt.NewEntityState(rec.ID, bases)
		if err != nil {
			return fmt.Errorf("peer: restore entity %s: %w", rec.ID, err)
		}
		for _, d := range rec.Domains {
			if d.A < 0 || d.A >= d.B {
				return fmt.Errorf("peer: restore entity %s: residue %d outside base %d", rec.ID, d.A, d.B)
			}
			ent.Domains[d.Name] = crt.Domain{A: d.A, B: d.B}
		}
		ent.CurrentLayer = rec.Layer
		ent.LayerHistory = append([]int64{}, rec.LayerHistory...)
		p.entities[rec.ID] = ent
	}

	for _, rec := range st.Agents {
		ag := p.newAgent(rec.ID)
		q := make(map[string]map[string]float64)
		for _, v := range rec.QTable {
			if q[v.StateKey] == nil {
				q[v.StateKey] = make(map[string]float64)
			}
			q[v.StateKey][v.Action] = v.Value
		}
		rules := make([]agent.Rule, 0, len(rec.Rules))
		for _, r := range rec.Rules {
			rules = append(rules, agent.Rule{L: r.L, A: r.A, Action: r.Action, Confidence: r.Confidence})
		}
		ag.Restore(q, rules)
		for name, base := range rec.Bases {
			if err := ag.MetaCognition().ReconfigureBases(name, base); err != nil {
				return fmt.Errorf("peer: restore agent %s: %w", rec.ID, err)
			}
		}
		p.agents[rec.ID] = ag
		if _, ok := p.entities[rec.ID]; !ok {
			ent, _ := crt.NewEntityState(rec.ID, nil)
			p.entities[rec.ID] = ent
		}
	}

	p.logger.Info("state restored",
		zap.Int("revocations", len(st.Revocations)),
		zap.Int("tokens", len(st.Tokens)),
		zap.Int("agents", len(st.Agents)),
		zap.Int("entities", len(st.Entities)),
	)
	return nil
}
