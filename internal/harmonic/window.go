package harmonic

import "math/rand/v2"

// DefaultCapacity is the number of units a peer keeps.
const DefaultCapacity = 100

// Unit is an accepted event's payload together with its signature.
type Unit struct {
	EventID   string
	Signature Signature
	Vector    []float64
}

// NewUnit harmonizes payload and computes its unit vector.
func NewUnit(eventID string, payload []byte) Unit {
	return Unit{
		EventID:   eventID,
		Signature: Harmonize(payload, nil),
		Vector:    UnitVector(payload),
	}
}

// Window is a bounded FIFO of units. Not safe for concurrent use; a peer
// owns its window from a single goroutine.
type Window struct {
	capacity int
	units    []Unit
}

// NewWindow creates a window. A non-positive capacity means DefaultCapacity.
func NewWindow(capacity int) *Window {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Window{capacity: capacity}
}

// Push appends u, evicting the oldest unit once full.
func (w *Window) Push(u Unit) {
	w.units = append(w.units, u)
	if over := len(w.units) - w.capacity; over > 0 {
		w.units = append(w.units[:0:0], w.units[over:]...)
	}
}

// Len returns the number of retained units.
func (w *Window) Len() int { return len(w.units) }

// Capacity returns the maximum number of retained units.
func (w *Window) Capacity() int { return w.capacity }

// Units returns a copy of the retained units, oldest first.
func (w *Window) Units() []Unit {
	out := make([]Unit, len(w.units))
	copy(out, w.units)
	return out
}

// Newest returns the most recently pushed unit.
func (w *Window) Newest() (Unit, bool) {
	if len(w.units) == 0 {
		return Unit{}, false
	}
	return w.units[len(w.units)-1], true
}

// Random picks a uniformly random unit other than the newest one.
// It reports false when fewer than two units are retained.
func (w *Window) Random(rng *rand.Rand) (Unit, bool) {
	if len(w.units) < 2 {
		return Unit{}, false
	}
	return w.units[rng.IntN(len(w.units)-1)], true
}

// Find returns the unit recorded for eventID.
func (w *Window) Find(eventID string) (Unit, bool) {
	for i := len(w.units) - 1; i >= 0; i-- {
		if w.units[i].EventID == eventID {
			return w.units[i], true
		}
	}
	return Unit{}, false
}
