package peer

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/roach88/ulp/internal/agent"
	"github.com/roach88/ulp/internal/cep"
	"github.com/roach88/ulp/internal/crt"
	"github.com/roach88/ulp/internal/event"
	"github.com/roach88/ulp/internal/sexpr"
)

// agentDomain is the entity domain an agent reasons over.
const agentDomain = "default"

// agentActions are the candidate actions of a hosted agent.
var agentActions = []string{"explore", "exploit", "reconfigure"}

// resonanceDomains must all sit at residue zero for a resonance trigger.
var resonanceDomains = []string{"daily", "weekly"}

// InitializeEntity starts hosting an entity at residue 0 in every domain.
// Nil bases mean crt.DefaultDomains. Re-initializing is a no-op.
func (p *Peer) InitializeEntity(ctx context.Context, id string, bases map[string]int64) error {
	return p.do(ctx, func(context.Context) error {
		return p.initializeEntity(id, bases)
	})
}

func (p *Peer) initializeEntity(id string, bases map[string]int64) error {
	if _, ok := p.entities[id]; ok {
		return nil
	}
	st, err := crt.NewEntityState(id, bases)
	if err != nil {
		return fmt.Errorf("peer: initialize %s: %w", id, err)
	}
	// Domain names become record keys in every STATE_CHANGED.
	names := make(map[string]sexpr.Value, len(st.Domains))
	for name := range st.Domains {
		names[name] = sexpr.Null{}
	}
	if _, err := sexpr.Record(names); err != nil {
		return fmt.Errorf("peer: initialize %s: %w", id, err)
	}
	p.entities[id] = st
	p.logger.Info("entity initialized", zap.String("entity_id", id))
	return nil
}

// UpdateEntity advances a hosted entity one step in every domain and
// publishes STATE_CHANGED.
func (p *Peer) UpdateEntity(ctx context.Context, id string) (event.StateChanged, error) {
	var sc event.StateChanged
	err := p.do(ctx, func(loopCtx context.Context) error {
		var err error
		sc, err = p.updateEntity(loopCtx, id)
		return err
	})
	return sc, err
}

func (p *Peer) updateEntity(ctx context.Context, id string) (event.StateChanged, error) {
	st, ok := p.entities[id]
	if !ok {
		return event.StateChanged{}, fmt.Errorf("%w: %s", ErrUnknownEntity, id)
	}
	if st.Advance() {
		p.logger.Debug("layer transition",
			zap.String("entity_id", id),
			zap.Int64("layer", st.CurrentLayer),
		)
	}

	sc := event.StateChanged{
		EntityID:     id,
		CurrentLayer: st.CurrentLayer,
		Domains:      make(map[string]event.DomainPosition, len(st.Domains)),
	}
	for name, d := range st.Domains {
		sc.Domains[name] = event.DomainPosition{A: d.A, B: d.B}
	}
	if _, err := p.Publish(ctx, sc, event.LevelLocal); err != nil {
		return sc, err
	}
	return sc, nil
}

// resonanceRule fires on STATE_CHANGED for a locally hosted entity whose
// daily and weekly cycles both sit at zero.
func (p *Peer) resonanceRule() cep.Rule[event.SignedEvent] {
	return cep.Rule[event.SignedEvent]{
		ID: "harmonic-resonance",
		Pattern: func(se event.SignedEvent, _ []event.SignedEvent) bool {
			sc, ok := se.Event.Payload.(event.StateChanged)
			if !ok {
				return false
			}
			if _, hosted := p.entities[sc.EntityID]; !hosted {
				return false
			}
			states := make(crt.MultiDomainState, len(sc.Domains))
			for name, d := range sc.Domains {
				states[name] = crt.Domain{A: d.A, B: d.B}
			}
			return crt.CheckResonance(states, resonanceDomains, 0)
		},
		Action: func(matched []event.SignedEvent) {
			sc := matched[len(matched)-1].Event.Payload.(event.StateChanged)
			trigger := event.HarmonicResonanceTrigger{
				EntityID:        sc.EntityID,
				ResonantDomains: append([]string(nil), resonanceDomains...),
			}
			if _, err := p.Publish(p.loopCtx, trigger, event.LevelGroup); err != nil {
				p.logger.Warn("resonance trigger not published", zap.Error(err))
			}
		},
	}
}

// HostAgent creates an agent and its entity. Hosting an existing agent
// is a no-op.
func (p *Peer) HostAgent(ctx context.Context, id string) error {
	return p.do(ctx, func(context.Context) error {
		if _, ok := p.agents[id]; ok {
			return nil
		}
		if err := p.initializeEntity(id, nil); err != nil {
			return err
		}
		p.agents[id] = p.newAgent(id)
		p.logger.Info("hosting agent", zap.String("agent_id", id))
		return nil
	})
}

// newAgent builds an agent whose minted rules are shared with the peer set.
func (p *Peer) newAgent(id string) *agent.Agent {
	return agent.New(id,
		agent.WithConfig(p.agentCfg),
		agent.WithRand(p.rng),
		agent.WithLogger(p.logger),
		agent.WithRuleHook(func(r agent.Rule) {
			learned := event.AgentLearnedRule{AgentID: id, L: r.L, A: r.A, Action: r.Action, Confidence: r.Confidence}
			if _, err := p.Publish(p.loopCtx, learned, event.LevelPeerToPeer); err != nil {
				p.logger.Warn("learned rule not published", zap.String("agent_id", id), zap.Error(err))
			}
		}),
	)
}

// RunAgentStep lets a hosted agent act once: decide, advance its entity,
// collect a simulated reward, learn, and publish AGENT_ACTION.
func (p *Peer) RunAgentStep(ctx context.Context, id string) (event.AgentAction, error) {
	var act event.AgentAction
	err := p.do(ctx, func(loopCtx context.Context) error {
		var err error
		act, err = p.runAgentStep(loopCtx, id)
		return err
	})
	return act, err
}

func (p *Peer) runAgentStep(ctx context.Context, id string) (event.AgentAction, error) {
	ag, ok := p.agents[id]
	if !ok {
		return event.AgentAction{}, fmt.Errorf("%w: agent %s", ErrUnknownEntity, id)
	}
	st := p.entities[id]
	raw, ok := st.Coordinate(agentDomain)
	if !ok {
		return event.AgentAction{}, fmt.Errorf("%w: %s has no %q domain", ErrUnknownEntity, id, agentDomain)
	}
	prev, err := reinterpret(ag, raw)
	if err != nil {
		return event.AgentAction{}, err
	}

	action := ag.DecideNextAction(prev, agentActions)
	reward := -1.0
	if p.rng.Float64() > 0.5 {
		reward = 5
	}

	if _, err := p.updateEntity(ctx, id); err != nil {
		return event.AgentAction{}, err
	}
	raw, _ = st.Coordinate(agentDomain)
	next, err := reinterpret(ag, raw)
	if err != nil {
		return event.AgentAction{}, err
	}
	ag.LearnFromExperience(prev, action, reward, next)

	act := event.AgentAction{AgentID: id, Action: action, L: prev.L, A: prev.A, B: prev.B, Reward: reward}
	if _, err := p.Publish(ctx, act, event.LevelLocal); err != nil {
		return act, err
	}
	return act, nil
}

// ReconfigureAgentBase changes the base a hosted agent uses to read
// coordinates in domain. Existing knowledge is kept as is.
func (p *Peer) ReconfigureAgentBase(ctx context.Context, id, domain string, base int64) error {
	return p.do(ctx, func(context.Context) error {
		ag, ok := p.agents[id]
		if !ok {
			return fmt.Errorf("%w: agent %s", ErrUnknownEntity, id)
		}
		return ag.MetaCognition().ReconfigureBases(domain, base)
	})
}

// reinterpret unfolds an entity coordinate against the base the agent's
// meta-cognition holds for the agent domain.
func reinterpret(ag *agent.Agent, c crt.Coordinate) (crt.Coordinate, error) {
	base, ok := ag.MetaCognition().Base(agentDomain)
	if !ok || base == c.B {
		return c, nil
	}
	return crt.Unfold(c.L*c.B+c.A, base)
}

// RunConsensusRound announces the quorum for seed. An empty seed draws a
// fresh one from the seed generator.
func (p *Peer) RunConsensusRound(ctx context.Context, seed string) (event.QuorumActivated, error) {
	if p.selector == nil {
		return event.QuorumActivated{}, ErrNoValidators
	}
	if seed == "" {
		seed = p.seeds.Generate()
	}
	qa := event.QuorumActivated{RoundSeed: seed, Quorum: p.selector.Quorum(seed)}
	p.logger.Info("consensus round",
		zap.String("round_seed", seed),
		zap.Strings("quorum", shortAll(qa.Quorum)),
	)
	if _, err := p.Publish(ctx, qa, event.LevelPeerToPeer); err != nil {
		return qa, err
	}
	return qa, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
