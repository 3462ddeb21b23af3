package peer

import (
	"errors"
	"fmt"
)

// RejectReason categorizes why an inbound message was dropped.
type RejectReason string

const (
	// ReasonDecode indicates the bytes were not a well-formed signed event.
	ReasonDecode RejectReason = "DECODE"

	// ReasonSignature indicates the event signature did not verify.
	ReasonSignature RejectReason = "SIGNATURE"

	// ReasonAxiom indicates the axiomatic gate refused the transition.
	ReasonAxiom RejectReason = "AXIOM"

	// ReasonRevoked indicates a proof for a revoked event.
	ReasonRevoked RejectReason = "REVOKED"

	// ReasonExpired indicates a proof past its expiration timestamp.
	ReasonExpired RejectReason = "EXPIRED"

	// ReasonProofSignature indicates the proof's own signature did not verify.
	ReasonProofSignature RejectReason = "PROOF_SIGNATURE"

	// ReasonProofWork indicates the proof hash did not match the referenced units.
	ReasonProofWork RejectReason = "PROOF_WORK"

	// ReasonDuplicate indicates an event already in local history.
	ReasonDuplicate RejectReason = "DUPLICATE"

	// ReasonInternal indicates a handler failure, including recovered panics.
	ReasonInternal RejectReason = "INTERNAL"
)

// RejectError is returned for every dropped message. Rejections are
// terminal: the message is logged and never retried.
type RejectError struct {
	Reason  RejectReason
	EventID string
	Source  string
	Err     error
}

func (e *RejectError) Error() string {
	if e.EventID != "" {
		return fmt.Sprintf("%s: event %s from %s: %v", e.Reason, short(e.EventID), short(e.Source), e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *RejectError) Unwrap() error { return e.Err }

// IsRejected reports whether err is a RejectError with the given reason.
// Uses errors.As to handle wrapped errors.
func IsRejected(err error, reason RejectReason) bool {
	var re *RejectError
	if errors.As(err, &re) {
		return re.Reason == reason
	}
	return false
}

func reject(reason RejectReason, eventID, source string, err error) *RejectError {
	return &RejectError{Reason: reason, EventID: eventID, Source: source, Err: err}
}

// ErrStopped is returned by calls made after the peer loop has stopped.
var ErrStopped = errors.New("peer: stopped")

// ErrUnknownEntity is returned for operations on entities this peer does not host.
var ErrUnknownEntity = errors.New("peer: unknown entity")

// ErrNoValidators is returned by consensus operations on a peer without a validator set.
var ErrNoValidators = errors.New("peer: no validator set configured")

func short(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
