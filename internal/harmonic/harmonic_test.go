package harmonic

import (
	"fmt"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHarmonizeDeterministic(t *testing.T) {
	buf := []byte("the same payload")

	a := Harmonize(buf, nil)
	b := Harmonize(buf, nil)
	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, a, b)
	assert.Equal(t, len(buf), a.Length)
}

func TestHarmonizeZeroBuffer(t *testing.T) {
	sig := Harmonize(make([]byte, 16), nil)
	assert.Equal(t, 0.0, sig.H)
	assert.Equal(t, 0.0, sig.Sin)
	assert.Equal(t, 1.0, sig.Cos)
	assert.False(t, math.IsNaN(sig.Tan))
	assert.Equal(t, "UBHP_0.00000000_0.00000000_1.00000000_16", sig.ID)
}

func TestHarmonizeKnownValues(t *testing.T) {
	sig := Harmonize([]byte{3, 4}, nil)
	assert.InDelta(t, 5.0, sig.H, 1e-12)
	assert.InDelta(t, math.Sin(5/math.Pi), sig.Sin, 1e-12)
	assert.InDelta(t, math.Cos(5/Phi), sig.Cos, 1e-12)
	assert.InDelta(t, math.Tan(math.Pi/5), sig.Tan, 1e-12)
	assert.Equal(t, fmt.Sprintf("UBHP_5.00000000_%.8f_%.8f_2", sig.Sin, sig.Cos), sig.ID)
}

func TestHarmonizeOrigin(t *testing.T) {
	buf := []byte{1, 2, 3, 4}

	// XOR with itself cancels out.
	sig := Harmonize(buf, buf)
	assert.Equal(t, 0.0, sig.H)

	// Origin repeats cyclically.
	sig = Harmonize([]byte{0xFF, 0xFF, 0xFF}, []byte{0xFF})
	assert.Equal(t, 0.0, sig.H)

	// Input is not mutated.
	assert.Equal(t, []byte{1, 2, 3, 4}, buf)
}

func TestUnitVector(t *testing.T) {
	v := UnitVector([]byte{3, 4})
	assert.InDeltaSlice(t, []float64{0.6, 0.8}, v, 1e-12)

	zero := UnitVector([]byte{0, 0, 0})
	assert.Equal(t, []float64{0, 0, 0}, zero)
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float64
		want float64
	}{
		{"identical", []float64{1, 2, 3}, []float64{1, 2, 3}, 1},
		{"orthogonal", []float64{1, 0}, []float64{0, 1}, 0},
		{"opposite", []float64{1, 1}, []float64{-1, -1}, -1},
		{"zero magnitude", []float64{0, 0}, []float64{1, 1}, 0},
		{"shorter length wins", []float64{1, 0}, []float64{1, 0, 5}, 1},
		{"empty", nil, []float64{1}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, CosineSimilarity(tt.a, tt.b), 1e-12)
		})
	}
}

func TestCentroid(t *testing.T) {
	c, err := Centroid([][]float64{{1, 2}, {3, 4}})
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 3}, c)

	_, err = Centroid([][]float64{{1, 2}, {3}})
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	c, err = Centroid(nil)
	require.NoError(t, err)
	assert.Empty(t, c)
}

func TestPadTo(t *testing.T) {
	assert.Equal(t, []float64{1, 0, 0}, PadTo([]float64{1}, 3))
	assert.Equal(t, []float64{1, 2}, PadTo([]float64{1, 2}, 1))
}

func TestWindowEvictsOldestFirst(t *testing.T) {
	w := NewWindow(3)
	for i := 0; i < 5; i++ {
		w.Push(NewUnit(fmt.Sprintf("e%d", i), []byte{byte(i)}))
	}

	require.Equal(t, 3, w.Len())
	var ids []string
	for _, u := range w.Units() {
		ids = append(ids, u.EventID)
	}
	assert.Equal(t, []string{"e2", "e3", "e4"}, ids)

	_, ok := w.Find("e0")
	assert.False(t, ok)
	u, ok := w.Find("e3")
	require.True(t, ok)
	assert.Equal(t, "e3", u.EventID)

	newest, ok := w.Newest()
	require.True(t, ok)
	assert.Equal(t, "e4", newest.EventID)
}

func TestWindowDefaultCapacity(t *testing.T) {
	w := NewWindow(0)
	for i := 0; i < 250; i++ {
		w.Push(NewUnit(fmt.Sprint(i), []byte{1}))
	}
	assert.Equal(t, DefaultCapacity, w.Len())
	assert.Equal(t, DefaultCapacity, w.Capacity())
}

func TestWindowRandomExcludesNewest(t *testing.T) {
	w := NewWindow(10)
	rng := rand.New(rand.NewPCG(1, 2))

	_, ok := w.Random(rng)
	assert.False(t, ok)

	w.Push(NewUnit("only", []byte{1}))
	_, ok = w.Random(rng)
	assert.False(t, ok, "a single unit has no older peer")

	w.Push(NewUnit("a", []byte{2}))
	w.Push(NewUnit("b", []byte{3}))
	for i := 0; i < 200; i++ {
		u, ok := w.Random(rng)
		require.True(t, ok)
		assert.NotEqual(t, "b", u.EventID)
	}
}
