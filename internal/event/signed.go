package event

import (
	"errors"
	"fmt"

	"github.com/roach88/ulp/internal/identity"
	"github.com/roach88/ulp/internal/sexpr"
)

// ErrBadSignature is returned when a signature does not verify.
var ErrBadSignature = errors.New("event: invalid signature")

// Signer produces signatures attributable to an identity.
type Signer interface {
	ID() string
	Sign(msg []byte) []byte
}

// SignedEvent is the unit exchanged between peers. Signature covers
// Event.Bytes().
type SignedEvent struct {
	Event     Event
	Source    string
	Signature []byte
}

// Sign signs e as s.
func Sign(e Event, s Signer) (SignedEvent, error) {
	msg, err := e.Bytes()
	if err != nil {
		return SignedEvent{}, err
	}
	return SignedEvent{Event: e, Source: s.ID(), Signature: s.Sign(msg)}, nil
}

// VerifySigned checks se's signature against its source identity.
func VerifySigned(se SignedEvent) error {
	msg, err := se.Event.Bytes()
	if err != nil {
		return err
	}
	if !identity.Verify(se.Source, msg, se.Signature) {
		return fmt.Errorf("%w from %s", ErrBadSignature, short(se.Source))
	}
	return nil
}

type wireSigned struct {
	Event     sexpr.Value `sexpr:"event"`
	Source    string      `sexpr:"source"`
	Signature []byte      `sexpr:"signature"`
}

// EncodeSigned returns the wire bytes of se: its canonical encoding.
func EncodeSigned(se SignedEvent) ([]byte, error) {
	ev, err := se.Event.Value()
	if err != nil {
		return nil, err
	}
	return sexpr.Marshal(wireSigned{Event: ev, Source: se.Source, Signature: se.Signature})
}

// DecodeSigned parses wire bytes. It does not verify the signature.
func DecodeSigned(data []byte) (SignedEvent, error) {
	var w wireSigned
	if err := sexpr.Unmarshal(data, &w); err != nil {
		return SignedEvent{}, fmt.Errorf("decode signed event: %w", err)
	}
	if w.Event == nil {
		return SignedEvent{}, fmt.Errorf("decode signed event: missing event")
	}
	ev, err := FromValue(w.Event)
	if err != nil {
		return SignedEvent{}, err
	}
	return SignedEvent{Event: ev, Source: w.Source, Signature: w.Signature}, nil
}

func short(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[len(id)-8:]
}
