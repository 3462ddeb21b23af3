package agent

import (
	"errors"
	"fmt"
)

// ErrInvalidBase is returned when a context is given a base below 1.
var ErrInvalidBase = errors.New("agent: base must be positive")

// MetaCognition maps context names to the base used to read MDU
// coordinates in that context. Changing a base never touches learned
// knowledge.
type MetaCognition struct {
	bases map[string]int64
}

// NewMetaCognition starts with the default context at base 7.
func NewMetaCognition() *MetaCognition {
	return &MetaCognition{bases: map[string]int64{"default": 7}}
}

// ReconfigureBases sets the base for context.
func (m *MetaCognition) ReconfigureBases(context string, base int64) error {
	if base < 1 {
		return fmt.Errorf("%w: context %q base %d", ErrInvalidBase, context, base)
	}
	m.bases[context] = base
	return nil
}

// Base returns the base for context.
func (m *MetaCognition) Base(context string) (int64, bool) {
	b, ok := m.bases[context]
	return b, ok
}

// Bases returns a copy of every context's base.
func (m *MetaCognition) Bases() map[string]int64 {
	out := make(map[string]int64, len(m.bases))
	for k, v := range m.bases {
		out[k] = v
	}
	return out
}
