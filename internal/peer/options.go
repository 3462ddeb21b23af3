package peer

import (
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/ulp/internal/agent"
	"github.com/roach88/ulp/internal/axiom"
	"github.com/roach88/ulp/internal/car"
	"github.com/roach88/ulp/internal/harmonic"
	"github.com/roach88/ulp/internal/telemetry"
)

// Option configures a Peer.
type Option func(*config)

type config struct {
	logger     *zap.Logger
	metrics    *telemetry.Metrics
	now        func() time.Time
	rng        *rand.Rand
	transport  Transport
	validators []string
	gate       axiom.Validator
	seeds      SeedGenerator
	trigger    func(harmonicID, identityID string) bool
	proofTTL   time.Duration
	windowCap  int
	cepCap     int
	agentCfg   agent.Config
	onOutcome  func(Outcome)
}

func defaultConfig() config {
	return config{
		logger:    zap.NewNop(),
		now:       time.Now,
		rng:       rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		gate:      axiom.NewGate(nil),
		seeds:     UUIDv7SeedGenerator{},
		trigger:   car.ShouldRectify,
		proofTTL:  car.DefaultTTL,
		windowCap: harmonic.DefaultCapacity,
		agentCfg:  agent.DefaultConfig(),
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics sets the metrics sink. Without it the peer registers its
// own private collectors.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *config) { c.metrics = m }
}

// WithClock sets the wall clock used for timestamps and proof expiry.
func WithClock(now func() time.Time) Option {
	return func(c *config) {
		if now != nil {
			c.now = now
		}
	}
}

// WithRand sets the random source for window sampling, exploration and
// simulated rewards.
func WithRand(rng *rand.Rand) Option {
	return func(c *config) {
		if rng != nil {
			c.rng = rng
		}
	}
}

// WithTransport sets where published events are broadcast.
func WithTransport(t Transport) Option {
	return func(c *config) { c.transport = t }
}

// WithValidators enables quorum consensus over exactly seven identities.
func WithValidators(ids []string) Option {
	return func(c *config) { c.validators = ids }
}

// WithGate replaces the axiomatic validator.
func WithGate(v axiom.Validator) Option {
	return func(c *config) {
		if v != nil {
			c.gate = v
		}
	}
}

// WithSeedGenerator sets the source of consensus round seeds.
func WithSeedGenerator(g SeedGenerator) Option {
	return func(c *config) {
		if g != nil {
			c.seeds = g
		}
	}
}

// WithRectificationTrigger replaces car.ShouldRectify as the decision to
// attempt a proof after an accepted event.
func WithRectificationTrigger(fn func(harmonicID, identityID string) bool) Option {
	return func(c *config) {
		if fn != nil {
			c.trigger = fn
		}
	}
}

// WithProofTTL sets the lifetime of generated proofs.
func WithProofTTL(ttl time.Duration) Option {
	return func(c *config) { c.proofTTL = ttl }
}

// WithWindowCapacity sets how many harmonic units are retained.
func WithWindowCapacity(n int) Option {
	return func(c *config) { c.windowCap = n }
}

// WithCEPCapacity sets the CEP history size.
func WithCEPCapacity(n int) Option {
	return func(c *config) { c.cepCap = n }
}

// WithAgentConfig sets the learning constants for hosted agents.
func WithAgentConfig(cfg agent.Config) Option {
	return func(c *config) { c.agentCfg = cfg }
}

// WithOutcomeHook is called on the loop goroutine after every handled
// message. The hook must not call back into the peer.
func WithOutcomeHook(fn func(Outcome)) Option {
	return func(c *config) { c.onOutcome = fn }
}
