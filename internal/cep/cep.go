// Package cep is a bounded-history complex event processing engine.
//
// The engine keeps the most recent events in arrival order and evaluates
// every registered rule against each new event. A rule's action receives a
// snapshot of the history whose last element is the triggering event, so
// actions may feed new events back into the engine without disturbing the
// slice they were handed.
package cep

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// DefaultCapacity is the number of events retained.
const DefaultCapacity = 100

var (
	// ErrDuplicateRule is returned when a rule ID is registered twice.
	ErrDuplicateRule = errors.New("cep: duplicate rule id")
	// ErrInvalidRule is returned for rules missing an ID, pattern or action.
	ErrInvalidRule = errors.New("cep: rule requires id, pattern and action")
)

// Rule matches events and reacts to them.
type Rule[E any] struct {
	ID      string
	Pattern func(event E, history []E) bool
	Action  func(matched []E)
}

// Option configures an Engine.
type Option func(*options)

type options struct {
	capacity int
	logger   *zap.Logger
}

// WithCapacity sets the history size.
func WithCapacity(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.capacity = n
		}
	}
}

// WithLogger sets the logger used for rule failures.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// Engine is not safe for concurrent use. A peer drives its engine from
// its message loop.
type Engine[E any] struct {
	capacity int
	logger   *zap.Logger
	history  []E
	rules    []Rule[E]
}

// New creates an engine with an empty history.
func New[E any](opts ...Option) *Engine[E] {
	o := options{capacity: DefaultCapacity, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Engine[E]{capacity: o.capacity, logger: o.logger}
}

// RegisterRule adds r. Rules run in registration order.
func (e *Engine[E]) RegisterRule(r Rule[E]) error {
	if r.ID == "" || r.Pattern == nil || r.Action == nil {
		return ErrInvalidRule
	}
	for _, existing := range e.rules {
		if existing.ID == r.ID {
			return fmt.Errorf("%w: %s", ErrDuplicateRule, r.ID)
		}
	}
	e.rules = append(e.rules, r)
	return nil
}

// ProcessEvent records event, evicting the oldest beyond capacity, then
// runs every matching rule. It returns the IDs of the rules that fired.
// A panicking rule is logged and skipped; the remaining rules still run.
func (e *Engine[E]) ProcessEvent(event E) []string {
	e.history = append(e.history, event)
	if over := len(e.history) - e.capacity; over > 0 {
		var zero E
		for i := 0; i < over; i++ {
			e.history[i] = zero
		}
		e.history = e.history[over:]
	}

	snapshot := e.History()
	var fired []string
	for _, r := range e.rules {
		if e.runRule(r, event, snapshot) {
			fired = append(fired, r.ID)
		}
	}
	return fired
}

func (e *Engine[E]) runRule(r Rule[E], event E, snapshot []E) (matched bool) {
	defer func() {
		if p := recover(); p != nil {
			e.logger.Error("cep rule panicked",
				zap.String("rule_id", r.ID),
				zap.Any("panic", p),
			)
			matched = false
		}
	}()
	if !r.Pattern(event, snapshot) {
		return false
	}
	r.Action(snapshot)
	return true
}

// History returns a copy of the retained events, oldest first.
func (e *Engine[E]) History() []E {
	out := make([]E, len(e.history))
	copy(out, e.history)
	return out
}

// Len returns the number of retained events.
func (e *Engine[E]) Len() int { return len(e.history) }
