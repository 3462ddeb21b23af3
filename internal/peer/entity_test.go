package peer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ulp/internal/agent"
	"github.com/roach88/ulp/internal/crt"
	"github.com/roach88/ulp/internal/event"
	"github.com/roach88/ulp/internal/fano"
	"github.com/roach88/ulp/internal/sexpr"
	tu "github.com/roach88/ulp/internal/testutil"
)

func TestUpdateEntity_AdvancesAndPublishes(t *testing.T) {
	ctx := context.Background()
	p, log := startPeer(t, tu.KeyPair(t, 1), nil)

	require.NoError(t, p.InitializeEntity(ctx, "thermostat", map[string]int64{"a": 2, "b": 3}))
	// Re-initializing keeps the existing state.
	require.NoError(t, p.InitializeEntity(ctx, "thermostat", nil))

	var last event.StateChanged
	for i := 0; i < 2; i++ {
		var err error
		last, err = p.UpdateEntity(ctx, "thermostat")
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), last.CurrentLayer)
	assert.Equal(t, event.DomainPosition{A: 0, B: 2}, last.Domains["a"])
	assert.Equal(t, event.DomainPosition{A: 2, B: 3}, last.Domains["b"])

	require.Eventually(t, func() bool {
		return log.count(acceptedType(event.TypeStateChanged)) == 2
	}, waitFor, tick)

	snap := p.Snapshot()
	require.Len(t, snap.Entities, 1)
	assert.Equal(t, []int64{2}, snap.Entities[0].LayerHistory)
}

func TestUpdateEntity_Unknown(t *testing.T) {
	p, _ := startPeer(t, tu.KeyPair(t, 1), nil)

	_, err := p.UpdateEntity(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrUnknownEntity)

	err = p.InitializeEntity(context.Background(), "bad", map[string]int64{"x": 0})
	assert.ErrorIs(t, err, crt.ErrInvalidBase)
}

func TestInitializeEntity_RejectsNormalizedDomainClash(t *testing.T) {
	ctx := context.Background()
	p, _ := startPeer(t, tu.KeyPair(t, 1), nil)

	// Precomposed and combining forms of the same name.
	err := p.InitializeEntity(ctx, "cafe", map[string]int64{"\u00e9": 2, "e\u0301": 3})
	assert.ErrorIs(t, err, sexpr.ErrDuplicateKey)

	_, err = p.UpdateEntity(ctx, "cafe")
	assert.ErrorIs(t, err, ErrUnknownEntity)
}

func TestResonanceRule_FiresWhenDailyAndWeeklyAlign(t *testing.T) {
	ctx := context.Background()
	p, log := startPeer(t, tu.KeyPair(t, 1), nil)

	require.NoError(t, p.InitializeEntity(ctx, "house", map[string]int64{"daily": 2, "weekly": 2, "default": 5}))

	_, err := p.UpdateEntity(ctx, "house")
	require.NoError(t, err)
	_, err = p.UpdateEntity(ctx, "house")
	require.NoError(t, err)

	out := log.wait(t, acceptedType(event.TypeHarmonicResonanceTrigger))
	trigger := out.Signed.Event.Payload.(event.HarmonicResonanceTrigger)
	assert.Equal(t, "house", trigger.EntityID)
	assert.Equal(t, []string{"daily", "weekly"}, trigger.ResonantDomains)
	assert.Equal(t, event.LevelGroup, out.Signed.Event.Level)
	assert.Equal(t, 1, log.count(acceptedType(event.TypeHarmonicResonanceTrigger)))
}

func TestAgentStep_LearnsAndSharesRules(t *testing.T) {
	ctx := context.Background()
	cfg := agent.Config{LearningRate: 1, Discount: 0, Epsilon: 0, RuleThreshold: 1, RuleStreak: 1}
	p, log := startPeer(t, tu.KeyPair(t, 1), nil, WithAgentConfig(cfg))

	_, err := p.RunAgentStep(ctx, "agent-1")
	require.ErrorIs(t, err, ErrUnknownEntity)

	require.NoError(t, p.HostAgent(ctx, "agent-1"))
	require.NoError(t, p.HostAgent(ctx, "agent-1"))

	for i := 0; i < 30; i++ {
		act, err := p.RunAgentStep(ctx, "agent-1")
		require.NoError(t, err)
		assert.Contains(t, agentActions, act.Action)
		assert.Contains(t, []float64{5, -1}, act.Reward)
	}

	require.Eventually(t, func() bool {
		return log.count(acceptedType(event.TypeAgentAction)) == 30
	}, waitFor, tick)
	learned := log.wait(t, acceptedType(event.TypeAgentLearnedRule))
	rule := learned.Signed.Event.Payload.(event.AgentLearnedRule)
	assert.Equal(t, "agent-1", rule.AgentID)
	assert.Equal(t, event.LevelPeerToPeer, learned.Signed.Event.Level)

	snap := p.Snapshot()
	require.Len(t, snap.Agents, 1)
	assert.NotEmpty(t, snap.Agents[0].QTable)
	assert.NotEmpty(t, snap.Agents[0].Rules)
}

func TestReconfigureAgentBase(t *testing.T) {
	ctx := context.Background()
	p, _ := startPeer(t, tu.KeyPair(t, 1), nil)
	require.NoError(t, p.HostAgent(ctx, "agent-1"))

	require.NoError(t, p.ReconfigureAgentBase(ctx, "agent-1", agentDomain, 3))
	assert.ErrorIs(t, p.ReconfigureAgentBase(ctx, "agent-1", agentDomain, 0), agent.ErrInvalidBase)
	assert.ErrorIs(t, p.ReconfigureAgentBase(ctx, "nobody", agentDomain, 3), ErrUnknownEntity)

	// Entity default domain has base 7; the agent now reads it in base 3.
	for i := 0; i < 4; i++ {
		_, err := p.UpdateEntity(ctx, "agent-1")
		require.NoError(t, err)
	}
	act, err := p.RunAgentStep(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, crt.Coordinate{L: 1, A: 1, B: 3}, crt.Coordinate{L: act.L, A: act.A, B: act.B})

	assert.Equal(t, map[string]int64{agentDomain: 3}, p.Snapshot().Agents[0].Bases)
}

func TestRunConsensusRound(t *testing.T) {
	ctx := context.Background()
	kps := tu.KeyPairs(t, 7)
	ids := make([]string, 7)
	for i, kp := range kps {
		ids[i] = kp.ID()
	}
	p, log := startPeer(t, kps[0], nil,
		WithValidators(ids),
		WithSeedGenerator(NewFixedSeedGenerator("round-1")),
	)

	qa, err := p.RunConsensusRound(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "round-1", qa.RoundSeed)

	sel, err := fano.NewSelector(ids)
	require.NoError(t, err)
	assert.Equal(t, sel.Quorum("round-1"), qa.Quorum)

	explicit, err := p.RunConsensusRound(ctx, "seed-X")
	require.NoError(t, err)
	assert.Equal(t, sel.Quorum("seed-X"), explicit.Quorum)

	require.Eventually(t, func() bool {
		return log.count(acceptedType(event.TypeQuorumActivated)) == 2
	}, waitFor, tick)

	solo, _ := startPeer(t, tu.KeyPair(t, 9), nil)
	_, err = solo.RunConsensusRound(ctx, "seed")
	assert.ErrorIs(t, err, ErrNoValidators)
}
