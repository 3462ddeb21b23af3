package sexpr

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

var (
	// ErrNonFinite is returned for NaN and infinite floats.
	ErrNonFinite = errors.New("sexpr: NaN and infinite floats are not encodable")
	// ErrInvalidUTF8 is returned for strings and symbols that are not valid UTF-8.
	ErrInvalidUTF8 = errors.New("sexpr: invalid UTF-8")
	// ErrNilValue is returned when a nil interface is passed where a Value is required.
	ErrNilValue = errors.New("sexpr: nil value")
)

// Encode returns the canonical encoding of v.
// This is the ONLY serialization used as input to hashing and signing.
func Encode(v Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeTo(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MustEncode is like Encode but panics on error.
// Use only in tests or when the value is known to be encodable.
func MustEncode(v Value) []byte {
	b, err := Encode(v)
	if err != nil {
		panic(err)
	}
	return b
}

func encodeTo(buf *bytes.Buffer, v Value) error {
	switch val := v.(type) {
	case nil:
		return ErrNilValue
	case Null:
		buf.WriteByte(byte(TagNull))
	case Bool:
		buf.WriteByte(byte(TagBool))
		if val {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case Int32:
		buf.WriteByte(byte(TagInt32))
		buf.Write(binary.LittleEndian.AppendUint32(nil, uint32(val)))
	case Int64:
		buf.WriteByte(byte(TagInt64))
		buf.Write(binary.LittleEndian.AppendUint64(nil, uint64(val)))
	case Float32:
		f := float64(val)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: %v", ErrNonFinite, f)
		}
		buf.WriteByte(byte(TagFloat32))
		buf.Write(binary.LittleEndian.AppendUint32(nil, math.Float32bits(float32(val))))
	case Float64:
		f := float64(val)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: %v", ErrNonFinite, f)
		}
		buf.WriteByte(byte(TagFloat64))
		buf.Write(binary.LittleEndian.AppendUint64(nil, math.Float64bits(f)))
	case String:
		return encodeText(buf, TagString, string(val))
	case Symbol:
		return encodeText(buf, TagSymbol, string(val))
	case List:
		var body bytes.Buffer
		for i, elem := range val {
			if err := encodeTo(&body, elem); err != nil {
				return fmt.Errorf("list[%d]: %w", i, err)
			}
		}
		writeSized(buf, TagList, body.Bytes())
	case Lambda:
		body, err := Encode(val.Body)
		if err != nil {
			return fmt.Errorf("lambda body: %w", err)
		}
		writeSized(buf, TagLambda, body)
	case Reference:
		writeSized(buf, TagReference, val)
	default:
		return fmt.Errorf("sexpr: unsupported value type %T", v)
	}
	return nil
}

// encodeText NFC-normalizes s at the serialization boundary.
func encodeText(buf *bytes.Buffer, tag Tag, s string) error {
	if !utf8.ValidString(s) {
		return fmt.Errorf("%w in %s", ErrInvalidUTF8, tag)
	}
	writeSized(buf, tag, []byte(norm.NFC.String(s)))
	return nil
}

func writeSized(buf *bytes.Buffer, tag Tag, payload []byte) {
	buf.WriteByte(byte(tag))
	buf.Write(AppendVarint(nil, uint64(len(payload))))
	buf.Write(payload)
}

// AppendVarint appends n as an unsigned LEB128 integer: 7-bit groups,
// least significant first, high bit set on every byte except the last.
func AppendVarint(dst []byte, n uint64) []byte {
	for n >= 0x80 {
		dst = append(dst, byte(n&0x7F)|0x80)
		n >>= 7
	}
	return append(dst, byte(n))
}
