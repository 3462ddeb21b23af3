package harness

import (
	"cmp"
	"slices"
)

// TraceEntry is one outcome observed on one peer during one step.
type TraceEntry struct {
	Step    int            `json:"step"`
	Peer    int            `json:"peer"`
	Status  string         `json:"status"`
	Type    string         `json:"type,omitempty"`
	Level   string         `json:"level,omitempty"`
	Reason  string         `json:"reason,omitempty"`
	EventID string         `json:"event_id,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every expectation and assertion held.
	Pass bool `json:"pass"`

	// Trace holds each step's outcomes in step order, sorted within a step.
	Trace []TraceEntry `json:"trace"`

	// Errors contains validation error messages.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEntry{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// addStep appends one step's entries in canonical order.
func (r *Result) addStep(entries []TraceEntry) {
	slices.SortStableFunc(entries, func(a, b TraceEntry) int {
		return cmp.Or(
			cmp.Compare(a.Peer, b.Peer),
			cmp.Compare(a.Status, b.Status),
			cmp.Compare(a.Type, b.Type),
			cmp.Compare(a.Reason, b.Reason),
			cmp.Compare(a.EventID, b.EventID),
		)
	})
	r.Trace = append(r.Trace, entries...)
}
