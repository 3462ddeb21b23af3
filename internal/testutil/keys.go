package testutil

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/ulp/internal/identity"
)

// KeyPair returns the key pair whose seed is 32 copies of b.
//
// The same b always yields the same identity, so tests can name peers
// and validators by a single byte and compare IDs across runs.
func KeyPair(t testing.TB, b byte) *identity.KeyPair {
	t.Helper()
	kp, err := identity.FromSeed(bytes.Repeat([]byte{b}, 32))
	require.NoError(t, err)
	return kp
}

// KeyPairs returns n deterministic key pairs seeded 1..n.
func KeyPairs(t testing.TB, n int) []*identity.KeyPair {
	t.Helper()
	out := make([]*identity.KeyPair, n)
	for i := range out {
		out[i] = KeyPair(t, byte(i+1))
	}
	return out
}
