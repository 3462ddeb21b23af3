// Package agent implements the CLARION-MDU learner: an implicit Q-table
// over (L, A) coordinates, explicit rules minted from sustained success,
// and a meta-cognitive map of per-context bases.
package agent

import (
	"fmt"
	"math"
	"math/rand/v2"

	"go.uber.org/zap"

	"github.com/roach88/ulp/internal/crt"
)

// NoAction is returned when there is nothing to choose from.
const NoAction = "noop"

// Config holds the learning constants.
type Config struct {
	LearningRate  float64
	Discount      float64
	Epsilon       float64
	RuleThreshold float64
	RuleStreak    int
}

// DefaultConfig returns alpha 0.1, gamma 0.9, epsilon 0.1, and mints a rule
// after 3 consecutive rewarded updates with Q above 10.
func DefaultConfig() Config {
	return Config{
		LearningRate:  0.1,
		Discount:      0.9,
		Epsilon:       0.1,
		RuleThreshold: 10,
		RuleStreak:    3,
	}
}

// Rule is an explicit IF (L, A) THEN action.
type Rule struct {
	L          int64
	A          int64
	Action     string
	Confidence float64
}

// Option configures an Agent.
type Option func(*Agent)

// WithConfig replaces the learning constants.
func WithConfig(cfg Config) Option {
	return func(a *Agent) { a.cfg = cfg }
}

// WithRand sets the exploration source.
func WithRand(rng *rand.Rand) Option {
	return func(a *Agent) {
		if rng != nil {
			a.rng = rng
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Agent) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithRuleHook is called once for every newly minted rule.
func WithRuleHook(fn func(Rule)) Option {
	return func(a *Agent) { a.onRule = fn }
}

// Agent is not safe for concurrent use; its host serializes access.
type Agent struct {
	id     string
	cfg    Config
	rng    *rand.Rand
	logger *zap.Logger
	onRule func(Rule)

	q       map[string]map[string]float64
	rules   []Rule
	streaks map[string]int
	mcs     *MetaCognition
}

// New creates an agent with empty knowledge.
func New(id string, opts ...Option) *Agent {
	a := &Agent{
		id:      id,
		cfg:     DefaultConfig(),
		rng:     rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		logger:  zap.NewNop(),
		q:       make(map[string]map[string]float64),
		streaks: make(map[string]int),
		mcs:     NewMetaCognition(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ID returns the agent identifier.
func (a *Agent) ID() string { return a.id }

// StateKey is the Q-table key for a coordinate. B is context, not state.
func StateKey(s crt.Coordinate) string {
	return fmt.Sprintf("%d-%d", s.L, s.A)
}

// LearnFromExperience applies the Q-learning update for taking action in
// prev and landing in next. It returns the rule minted by this update, if any.
func (a *Agent) LearnFromExperience(prev crt.Coordinate, action string, reward float64, next crt.Coordinate) *Rule {
	key := StateKey(prev)
	row := a.q[key]
	if row == nil {
		row = make(map[string]float64)
		a.q[key] = row
	}

	maxNext := 0.0
	for _, v := range a.q[StateKey(next)] {
		maxNext = math.Max(maxNext, v)
	}
	oldQ := row[action]
	newQ := oldQ + a.cfg.LearningRate*(reward+a.cfg.Discount*maxNext-oldQ)
	row[action] = newQ

	streakKey := key + "|" + action
	if reward > 0 && newQ > a.cfg.RuleThreshold {
		a.streaks[streakKey]++
	} else {
		a.streaks[streakKey] = 0
	}
	if a.streaks[streakKey] < a.cfg.RuleStreak {
		return nil
	}
	if _, exists := a.ruleFor(prev); exists {
		return nil
	}

	rule := Rule{
		L:          prev.L,
		A:          prev.A,
		Action:     action,
		Confidence: math.Min(1, newQ/(2*a.cfg.RuleThreshold)),
	}
	a.rules = append(a.rules, rule)
	a.logger.Info("explicit rule minted",
		zap.String("agent_id", a.id),
		zap.Int64("L", rule.L),
		zap.Int64("A", rule.A),
		zap.String("action", rule.Action),
		zap.Float64("q", newQ),
	)
	if a.onRule != nil {
		a.onRule(rule)
	}
	return &rule
}

// DecideNextAction prefers an explicit rule for state; otherwise it explores
// with probability epsilon and exploits the best known Q-value among actions.
func (a *Agent) DecideNextAction(state crt.Coordinate, actions []string) string {
	if rule, ok := a.ruleFor(state); ok {
		return rule.Action
	}
	if len(actions) == 0 {
		return NoAction
	}
	if a.rng.Float64() < a.cfg.Epsilon {
		return actions[a.rng.IntN(len(actions))]
	}

	row := a.q[StateKey(state)]
	best := actions[0]
	bestQ := row[best]
	for _, action := range actions[1:] {
		if q := row[action]; q > bestQ {
			best, bestQ = action, q
		}
	}
	return best
}

func (a *Agent) ruleFor(state crt.Coordinate) (Rule, bool) {
	for _, r := range a.rules {
		if r.L == state.L && r.A == state.A {
			return r, true
		}
	}
	return Rule{}, false
}

// ImplicitKnowledge returns a copy of the Q-table.
func (a *Agent) ImplicitKnowledge() map[string]map[string]float64 {
	out := make(map[string]map[string]float64, len(a.q))
	for k, row := range a.q {
		cp := make(map[string]float64, len(row))
		for action, v := range row {
			cp[action] = v
		}
		out[k] = cp
	}
	return out
}

// ExplicitRules returns the minted rules in minting order.
func (a *Agent) ExplicitRules() []Rule {
	out := make([]Rule, len(a.rules))
	copy(out, a.rules)
	return out
}

// Restore loads previously persisted knowledge. Existing entries for the
// same keys are overwritten; rules are appended unless their condition is
// already covered.
func (a *Agent) Restore(q map[string]map[string]float64, rules []Rule) {
	for k, row := range q {
		cp := make(map[string]float64, len(row))
		for action, v := range row {
			cp[action] = v
		}
		a.q[k] = cp
	}
	for _, r := range rules {
		if _, exists := a.ruleFor(crt.Coordinate{L: r.L, A: r.A}); !exists {
			a.rules = append(a.rules, r)
		}
	}
}

// MetaCognition returns the agent's base map.
func (a *Agent) MetaCognition() *MetaCognition { return a.mcs }
