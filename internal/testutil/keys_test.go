package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyPair_Deterministic(t *testing.T) {
	assert.Equal(t, KeyPair(t, 1).ID(), KeyPair(t, 1).ID())
	assert.NotEqual(t, KeyPair(t, 1).ID(), KeyPair(t, 2).ID())
}

func TestKeyPairs_Distinct(t *testing.T) {
	keys := KeyPairs(t, 7)
	seen := map[string]bool{}
	for _, k := range keys {
		seen[k.ID()] = true
	}
	assert.Len(t, seen, 7)
	assert.Equal(t, KeyPair(t, 1).ID(), keys[0].ID())
}
