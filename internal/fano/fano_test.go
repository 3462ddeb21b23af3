package fano

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validators() []string {
	return []string{"v0", "v1", "v2", "v3", "v4", "v5", "v6"}
}

func TestLinesFormAFanoPlane(t *testing.T) {
	pairs := map[[2]int]int{}
	for _, line := range Lines {
		for i := 0; i < 3; i++ {
			for j := i + 1; j < 3; j++ {
				a, b := min(line[i], line[j]), max(line[i], line[j])
				pairs[[2]int{a, b}]++
			}
		}
	}
	assert.Len(t, pairs, 21)
	for pair, n := range pairs {
		assert.Equal(t, 1, n, "pair %v", pair)
	}
}

func TestNewSelectorRequiresSeven(t *testing.T) {
	for _, n := range []int{0, 6, 8} {
		ids := make([]string, n)
		for i := range ids {
			ids[i] = fmt.Sprintf("v%d", i)
		}
		_, err := NewSelector(ids)
		assert.ErrorIs(t, err, ErrValidatorCount, "n=%d", n)
	}

	_, err := NewSelector([]string{"a", "b", "c", "d", "e", "f", "a"})
	assert.ErrorIs(t, err, ErrDuplicateValidator)
}

func TestQuorumDeterministic(t *testing.T) {
	s, err := NewSelector(validators())
	require.NoError(t, err)
	other, err := NewSelector(validators())
	require.NoError(t, err)

	first := s.Quorum("seed-X")
	require.Len(t, first, 3)
	for i := 0; i < 1000; i++ {
		assert.Equal(t, first, s.Quorum("seed-X"))
	}
	assert.Equal(t, first, other.Quorum("seed-X"))
}

func TestQuorumCoversAllLines(t *testing.T) {
	s, err := NewSelector(validators())
	require.NoError(t, err)

	tally := map[int]int{}
	for i := 0; i < 1000; i++ {
		seed := fmt.Sprintf("seed-%d", i)
		idx := LineIndex(seed)
		tally[idx]++
		assert.Equal(t, s.Line(idx), s.Quorum(seed))
	}
	assert.Len(t, tally, Size)
}

func TestInQuorum(t *testing.T) {
	s, err := NewSelector(validators())
	require.NoError(t, err)

	q := s.Quorum("round-1")
	for _, id := range validators() {
		assert.Equal(t, contains(q, id), s.InQuorum("round-1", id), id)
	}
	assert.False(t, s.InQuorum("round-1", "stranger"))

	p, ok := s.Point("v3")
	require.True(t, ok)
	assert.Equal(t, 3, p)
	assert.Equal(t, validators(), s.Validators())
}

func TestThirdPoint(t *testing.T) {
	for _, line := range Lines {
		got, err := ThirdPoint(line[0], line[1])
		require.NoError(t, err)
		assert.Equal(t, line[2], got)

		got, err = ThirdPoint(line[2], line[0])
		require.NoError(t, err)
		assert.Equal(t, line[1], got)
	}

	_, err := ThirdPoint(1, 1)
	assert.ErrorIs(t, err, ErrInvalidPoint)
	_, err = ThirdPoint(-1, 3)
	assert.ErrorIs(t, err, ErrInvalidPoint)
	_, err = ThirdPoint(0, 7)
	assert.ErrorIs(t, err, ErrInvalidPoint)
}

func contains(ids []string, id string) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
