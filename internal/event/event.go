package event

import (
	"errors"
	"fmt"
	"time"

	"github.com/roach88/ulp/internal/sexpr"
)

var (
	// ErrInvalidLevel is returned for unknown consensus levels.
	ErrInvalidLevel = errors.New("event: invalid consensus level")
	// ErrContentHash is returned when a decoded event's payload does not
	// hash to its ContentHash.
	ErrContentHash = errors.New("event: content hash mismatch")
	// ErrTypeMismatch is returned when the declared type disagrees with the payload.
	ErrTypeMismatch = errors.New("event: type does not match payload")
)

// Event is immutable once created. ContentHash is the domain-separated
// hash of the payload's canonical encoding.
type Event struct {
	Type        Type
	Level       ConsensusLevel
	Payload     Payload
	Timestamp   int64 // unix milliseconds
	ContentHash string
}

// New builds an event for payload at level, stamped with at.
func New(payload Payload, level ConsensusLevel, at time.Time) (Event, error) {
	if !level.Valid() {
		return Event{}, fmt.Errorf("%w: %q", ErrInvalidLevel, level)
	}
	body, err := EncodePayload(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s payload: %w", payload.EventType(), err)
	}
	return Event{
		Type:        payload.EventType(),
		Level:       level,
		Payload:     payload,
		Timestamp:   at.UnixMilli(),
		ContentHash: sexpr.Hash(sexpr.DomainPayload, body),
	}, nil
}

// Time returns the event timestamp.
func (e Event) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

type wireEvent struct {
	Type        string      `sexpr:"type"`
	Level       string      `sexpr:"level"`
	Payload     sexpr.Value `sexpr:"payload"`
	Timestamp   int64       `sexpr:"timestamp"`
	ContentHash string      `sexpr:"contentHash"`
}

// Value returns the event as a canonical record.
func (e Event) Value() (sexpr.Value, error) {
	if e.Payload == nil {
		return nil, fmt.Errorf("event: nil payload")
	}
	payload, err := sexpr.ToValue(e.Payload)
	if err != nil {
		return nil, err
	}
	return sexpr.ToValue(wireEvent{
		Type:        string(e.Type),
		Level:       string(e.Level),
		Payload:     payload,
		Timestamp:   e.Timestamp,
		ContentHash: e.ContentHash,
	})
}

// Bytes is the canonical encoding of e; signatures cover these bytes.
func (e Event) Bytes() ([]byte, error) {
	v, err := e.Value()
	if err != nil {
		return nil, err
	}
	return sexpr.Encode(v)
}

// ID is the content address of the event. Events that cannot be encoded
// have no ID and return "".
func (e Event) ID() string {
	b, err := e.Bytes()
	if err != nil {
		return ""
	}
	return sexpr.Hash(sexpr.DomainEvent, b)
}

// FromValue rebuilds an event from its canonical record and checks that
// the payload matches its declared type and content hash.
func FromValue(v sexpr.Value) (Event, error) {
	var w wireEvent
	if err := sexpr.FromValue(v, &w); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	level := ConsensusLevel(w.Level)
	if !level.Valid() {
		return Event{}, fmt.Errorf("%w: %q", ErrInvalidLevel, w.Level)
	}
	if w.Payload == nil {
		return Event{}, fmt.Errorf("decode event: missing payload")
	}
	payload, err := DecodePayload(Type(w.Type), w.Payload)
	if err != nil {
		return Event{}, err
	}
	body, err := sexpr.Encode(w.Payload)
	if err != nil {
		return Event{}, err
	}
	if got := sexpr.Hash(sexpr.DomainPayload, body); got != w.ContentHash {
		return Event{}, fmt.Errorf("%w: have %s, payload hashes to %s", ErrContentHash, w.ContentHash, got)
	}
	return Event{
		Type:        Type(w.Type),
		Level:       level,
		Payload:     payload,
		Timestamp:   w.Timestamp,
		ContentHash: w.ContentHash,
	}, nil
}
