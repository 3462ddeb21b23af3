// Package axiom decides whether a proposed state transition is admissible,
// judged by the harmonic signatures of the state before and after it.
package axiom

import (
	"fmt"
	"math"

	"github.com/roach88/ulp/internal/event"
	"github.com/roach88/ulp/internal/harmonic"
)

// Validator accepts or rejects a transition. A nil error accepts.
type Validator interface {
	Validate(before, after harmonic.Unit, level event.ConsensusLevel) error
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(before, after harmonic.Unit, level event.ConsensusLevel) error

// Validate calls f.
func (f ValidatorFunc) Validate(before, after harmonic.Unit, level event.ConsensusLevel) error {
	return f(before, after, level)
}

// Band bounds an accepted transition. MaxH caps the after-state magnitude;
// MinSimilarity is the lowest cosine similarity allowed between states.
type Band struct {
	MaxH          float64
	MinSimilarity float64
}

// DefaultBands tighten with the consensus level.
func DefaultBands() map[event.ConsensusLevel]Band {
	return map[event.ConsensusLevel]Band{
		event.LevelLocal:      {MaxH: math.Exp2(20), MinSimilarity: 0},
		event.LevelPeerToPeer: {MaxH: math.Exp2(18), MinSimilarity: 0.05},
		event.LevelGroup:      {MaxH: math.Exp2(16), MinSimilarity: 0.10},
		event.LevelGlobal:     {MaxH: math.Exp2(14), MinSimilarity: 0.20},
	}
}

// RejectionError explains why the gate refused a transition.
type RejectionError struct {
	Level  event.ConsensusLevel
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("axiom: %s transition rejected: %s", e.Level, e.Reason)
}

// Gate is the reference validator.
type Gate struct {
	bands map[event.ConsensusLevel]Band
}

// NewGate builds a gate. Levels missing from bands use the defaults.
func NewGate(bands map[event.ConsensusLevel]Band) *Gate {
	merged := DefaultBands()
	for level, b := range bands {
		merged[level] = b
	}
	return &Gate{bands: merged}
}

// Bands returns a copy of the configured bands.
func (g *Gate) Bands() map[event.ConsensusLevel]Band {
	out := make(map[event.ConsensusLevel]Band, len(g.bands))
	for k, v := range g.bands {
		out[k] = v
	}
	return out
}

// Validate rejects when the after state is too large for the level, or
// when it has drifted too far from a non-empty before state.
func (g *Gate) Validate(before, after harmonic.Unit, level event.ConsensusLevel) error {
	band, ok := g.bands[level]
	if !ok {
		return &RejectionError{Level: level, Reason: "unknown consensus level"}
	}
	if h := after.Signature.H; h > band.MaxH {
		return &RejectionError{Level: level, Reason: fmt.Sprintf("h=%.2f exceeds %.0f", h, band.MaxH)}
	}
	if before.Signature.H == 0 {
		return nil
	}
	if sim := harmonic.CosineSimilarity(before.Vector, after.Vector); sim < band.MinSimilarity {
		return &RejectionError{Level: level, Reason: fmt.Sprintf("similarity %.4f below %.2f", sim, band.MinSimilarity)}
	}
	return nil
}
