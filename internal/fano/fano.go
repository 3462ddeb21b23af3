// Package fano selects deterministic 3-member quorums from a set of seven
// validators using the lines of the Fano plane.
package fano

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
)

// Size is the number of points (validators) in the plane.
const Size = 7

// Lines are the seven lines of the Fano plane. Every pair of points lies
// on exactly one of them.
var Lines = [Size][3]int{
	{0, 1, 2},
	{0, 3, 4},
	{0, 5, 6},
	{1, 3, 5},
	{1, 4, 6},
	{2, 3, 6},
	{2, 4, 5},
}

var (
	// ErrValidatorCount is returned when a selector is built from anything
	// other than seven identities.
	ErrValidatorCount = errors.New("fano: exactly 7 validators required")
	// ErrDuplicateValidator is returned when an identity appears twice.
	ErrDuplicateValidator = errors.New("fano: duplicate validator")
	// ErrInvalidPoint is returned for point indices outside 0..6 or equal pairs.
	ErrInvalidPoint = errors.New("fano: invalid point")
)

// Selector maps seeds to quorums. The validator set is fixed at construction.
type Selector struct {
	validators [Size]string
	index      map[string]int
}

// NewSelector assigns validators[i] to point i.
func NewSelector(validators []string) (*Selector, error) {
	if len(validators) != Size {
		return nil, fmt.Errorf("%w (got %d)", ErrValidatorCount, len(validators))
	}
	s := &Selector{index: make(map[string]int, Size)}
	for i, v := range validators {
		if _, dup := s.index[v]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateValidator, v)
		}
		s.validators[i] = v
		s.index[v] = i
	}
	return s, nil
}

// LineIndex maps seed onto one of the seven lines via SHA-256.
func LineIndex(seed string) int {
	sum := sha256.Sum256([]byte(seed))
	return int(binary.BigEndian.Uint64(sum[:8]) % Size)
}

// Quorum returns the three validators on the line selected by seed.
func (s *Selector) Quorum(seed string) []string {
	return s.Line(LineIndex(seed))
}

// Line returns the validators on line i, in point order.
func (s *Selector) Line(i int) []string {
	line := Lines[i]
	return []string{s.validators[line[0]], s.validators[line[1]], s.validators[line[2]]}
}

// Validators returns the validator set in point order.
func (s *Selector) Validators() []string {
	out := make([]string, Size)
	copy(out, s.validators[:])
	return out
}

// Point returns the point index assigned to id.
func (s *Selector) Point(id string) (int, bool) {
	i, ok := s.index[id]
	return i, ok
}

// InQuorum reports whether id belongs to the quorum for seed.
func (s *Selector) InQuorum(seed, id string) bool {
	p, ok := s.index[id]
	if !ok {
		return false
	}
	for _, q := range Lines[LineIndex(seed)] {
		if q == p {
			return true
		}
	}
	return false
}

// ThirdPoint returns the point completing the line through p and q.
func ThirdPoint(p, q int) (int, error) {
	if p < 0 || p >= Size || q < 0 || q >= Size || p == q {
		return 0, fmt.Errorf("%w: (%d, %d)", ErrInvalidPoint, p, q)
	}
	for _, line := range Lines {
		if has(line, p) && has(line, q) {
			for _, r := range line {
				if r != p && r != q {
					return r, nil
				}
			}
		}
	}
	// Unreachable for a valid plane.
	return 0, fmt.Errorf("%w: no line through (%d, %d)", ErrInvalidPoint, p, q)
}

func has(line [3]int, p int) bool {
	return line[0] == p || line[1] == p || line[2] == p
}
