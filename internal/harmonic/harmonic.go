// Package harmonic derives deterministic numeric fingerprints from byte
// buffers and compares them as normalized vectors.
package harmonic

import (
	"errors"
	"fmt"
	"math"
)

const (
	// Phi is the golden ratio used by the cosine transform.
	Phi = 1.61803398875
	// Epsilon replaces h in the tangent transform when h is zero.
	Epsilon = 1e-10
)

// ErrDimensionMismatch is returned by Centroid for vectors of unequal length.
var ErrDimensionMismatch = errors.New("harmonic: vectors have different dimensions")

// Signature is the harmonic fingerprint of one buffer.
type Signature struct {
	ID     string
	Length int
	Sin    float64
	Cos    float64
	Tan    float64
	H      float64
	Source []byte
}

// Harmonize computes the signature of buf. When origin is non-empty every
// byte is XORed with origin[i % len(origin)] first. The ID depends only on
// h, sin, cos and the buffer length.
func Harmonize(buf, origin []byte) Signature {
	src := make([]byte, len(buf))
	copy(src, buf)
	if len(origin) > 0 {
		for i := range src {
			src[i] ^= origin[i%len(origin)]
		}
	}

	var sum float64
	for _, b := range src {
		sum += float64(b) * float64(b)
	}
	h := math.Sqrt(sum)

	div := h
	if div == 0 {
		div = Epsilon
	}
	sig := Signature{
		Length: len(src),
		H:      h,
		Sin:    math.Sin(h / math.Pi),
		Cos:    math.Cos(h / Phi),
		Tan:    math.Tan(math.Pi / div),
		Source: src,
	}
	sig.ID = fmt.Sprintf("UBHP_%.8f_%.8f_%.8f_%d", sig.H, sig.Sin, sig.Cos, sig.Length)
	return sig
}

// UnitVector returns the bytes of buf divided by their Euclidean norm.
// A zero buffer yields a zero vector of the same length.
func UnitVector(buf []byte) []float64 {
	out := make([]float64, len(buf))
	var sum float64
	for _, b := range buf {
		sum += float64(b) * float64(b)
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return out
	}
	for i, b := range buf {
		out[i] = float64(b) / norm
	}
	return out
}

// CosineSimilarity compares a and b over the shorter of the two lengths.
// It returns 0 when either compared prefix has zero magnitude.
func CosineSimilarity(a, b []float64) float64 {
	n := min(len(a), len(b))
	var dot, magA, magB float64
	for i := 0; i < n; i++ {
		dot += a[i] * b[i]
		magA += a[i] * a[i]
		magB += b[i] * b[i]
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}

// Centroid returns the element-wise mean of vectors.
func Centroid(vectors [][]float64) ([]float64, error) {
	if len(vectors) == 0 {
		return nil, nil
	}
	dim := len(vectors[0])
	out := make([]float64, dim)
	for i, v := range vectors {
		if len(v) != dim {
			return nil, fmt.Errorf("%w: vector %d has %d, want %d", ErrDimensionMismatch, i, len(v), dim)
		}
		for j, x := range v {
			out[j] += x
		}
	}
	for j := range out {
		out[j] /= float64(len(vectors))
	}
	return out, nil
}

// PadTo returns v zero-extended to length n. Vectors already at least n
// long are returned unchanged.
func PadTo(v []float64, n int) []float64 {
	if len(v) >= n {
		return v
	}
	out := make([]float64, n)
	copy(out, v)
	return out
}
