package car

import "sort"

// RevocationSet is append-only: an id, once added, stays revoked for the
// lifetime of the process.
//
// Any peer may revoke any event's rectification; there is no check that
// the revoker signed the proof being revoked.
type RevocationSet struct {
	ids map[string]struct{}
}

// NewRevocationSet returns an empty set.
func NewRevocationSet() *RevocationSet {
	return &RevocationSet{ids: make(map[string]struct{})}
}

// Add revokes id and reports whether it was newly added.
func (s *RevocationSet) Add(id string) bool {
	if _, ok := s.ids[id]; ok {
		return false
	}
	s.ids[id] = struct{}{}
	return true
}

// Contains reports whether id has been revoked.
func (s *RevocationSet) Contains(id string) bool {
	_, ok := s.ids[id]
	return ok
}

// Len returns the number of revoked ids.
func (s *RevocationSet) Len() int { return len(s.ids) }

// IDs returns the revoked ids in sorted order.
func (s *RevocationSet) IDs() []string {
	out := make([]string, 0, len(s.ids))
	for id := range s.ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
