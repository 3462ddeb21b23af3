// Package crt solves systems of congruences and tracks entities across
// independent modular cycles.
package crt

import (
	"errors"
	"fmt"
	"math/big"
)

var (
	// ErrNotCoprime is returned when two moduli share a factor. Solve does
	// not fall back to a solution modulo the lcm.
	ErrNotCoprime = errors.New("crt: moduli are not pairwise coprime")
	// ErrInvalidModulus is returned for moduli below 1.
	ErrInvalidModulus = errors.New("crt: modulus must be positive")
	// ErrOverflow is returned when the solution does not fit in an int64.
	ErrOverflow = errors.New("crt: solution overflows int64")
)

// Congruence is x ≡ Remainder (mod Modulus).
type Congruence struct {
	Remainder int64
	Modulus   int64
}

// Solve returns the smallest non-negative x satisfying every congruence.
// An empty system is satisfied by 0.
func Solve(system []Congruence) (int64, error) {
	x := big.NewInt(0)
	m := big.NewInt(1)

	for i, c := range system {
		if c.Modulus < 1 {
			return 0, fmt.Errorf("congruence %d: %w (got %d)", i, ErrInvalidModulus, c.Modulus)
		}
		mi := big.NewInt(c.Modulus)
		ri := new(big.Int).Mod(big.NewInt(c.Remainder), mi)

		// x' = x + m * ((ri - x) * inv(m, mi) mod mi)
		inv := new(big.Int).ModInverse(new(big.Int).Mod(m, mi), mi)
		if inv == nil {
			return 0, fmt.Errorf("congruence %d (mod %d): %w", i, c.Modulus, ErrNotCoprime)
		}
		k := new(big.Int).Sub(ri, x)
		k.Mul(k, inv)
		k.Mod(k, mi)
		x.Add(x, k.Mul(k, m))
		m.Mul(m, mi)
	}

	if !x.IsInt64() {
		return 0, ErrOverflow
	}
	return x.Int64(), nil
}
