package peer

import (
	"sync"

	"github.com/google/uuid"
)

// SeedGenerator produces consensus round seeds.
// Implemented by UUIDv7SeedGenerator (production) and FixedSeedGenerator (tests).
type SeedGenerator interface {
	Generate() string
}

// UUIDv7SeedGenerator generates time-sortable UUIDv7 seeds.
//
// Thread-safety: UUIDv7SeedGenerator is stateless and safe for concurrent use.
type UUIDv7SeedGenerator struct{}

// Generate returns a new hyphenated UUIDv7.
// Panics if UUID generation fails (should never happen in practice).
func (UUIDv7SeedGenerator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// FixedSeedGenerator returns predetermined seeds in order.
//
// Thread-safety: FixedSeedGenerator is safe for concurrent use via internal mutex.
type FixedSeedGenerator struct {
	mu    sync.Mutex
	seeds []string
	idx   int
}

// NewFixedSeedGenerator creates a generator that returns seeds in order.
func NewFixedSeedGenerator(seeds ...string) *FixedSeedGenerator {
	return &FixedSeedGenerator{seeds: seeds}
}

// Generate returns the next predetermined seed.
//
// Panics if all seeds have been consumed, to catch test misconfiguration.
func (g *FixedSeedGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.idx >= len(g.seeds) {
		panic("FixedSeedGenerator: all seeds exhausted")
	}
	s := g.seeds[g.idx]
	g.idx++
	return s
}
