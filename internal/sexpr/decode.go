package sexpr

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"unicode/utf8"
)

var (
	// ErrTruncated is returned when the input ends inside a value.
	ErrTruncated = errors.New("sexpr: truncated input")
	// ErrTrailingBytes is returned when bytes remain after the top-level value.
	ErrTrailingBytes = errors.New("sexpr: trailing bytes after value")
	// ErrUnknownTag is returned for a tag byte outside the known set.
	ErrUnknownTag = errors.New("sexpr: unknown tag")
	// ErrVarintOverflow is returned for a length prefix that does not fit the input.
	ErrVarintOverflow = errors.New("sexpr: length prefix overflow")
)

// maxDepth bounds list/lambda nesting so hostile input cannot exhaust the stack.
const maxDepth = 64

// Decode parses exactly one encoded value from data.
func Decode(data []byte) (Value, error) {
	v, n, err := decodeAt(data, 0)
	if err != nil {
		return nil, err
	}
	if n != len(data) {
		return nil, fmt.Errorf("%w: %d of %d bytes consumed", ErrTrailingBytes, n, len(data))
	}
	return v, nil
}

// ReadVarint decodes an unsigned LEB128 integer and returns it with the
// number of bytes consumed.
func ReadVarint(data []byte) (uint64, int, error) {
	var value uint64
	var shift uint
	for i, b := range data {
		if i == 10 {
			return 0, 0, ErrVarintOverflow
		}
		value |= uint64(b&0x7F) << shift
		if b&0x80 == 0 {
			return value, i + 1, nil
		}
		shift += 7
	}
	return 0, 0, ErrTruncated
}

func decodeAt(data []byte, depth int) (Value, int, error) {
	if depth > maxDepth {
		return nil, 0, fmt.Errorf("sexpr: nesting deeper than %d", maxDepth)
	}
	if len(data) == 0 {
		return nil, 0, ErrTruncated
	}
	tag := Tag(data[0])
	rest := data[1:]

	switch tag {
	case TagNull:
		return Null{}, 1, nil
	case TagBool:
		if len(rest) < 1 {
			return nil, 0, ErrTruncated
		}
		switch rest[0] {
		case 0:
			return Bool(false), 2, nil
		case 1:
			return Bool(true), 2, nil
		default:
			return nil, 0, fmt.Errorf("sexpr: invalid BOOL byte 0x%02x", rest[0])
		}
	case TagInt32:
		if len(rest) < 4 {
			return nil, 0, ErrTruncated
		}
		return Int32(int32(binary.LittleEndian.Uint32(rest))), 5, nil
	case TagInt64:
		if len(rest) < 8 {
			return nil, 0, ErrTruncated
		}
		return Int64(int64(binary.LittleEndian.Uint64(rest))), 9, nil
	case TagFloat32:
		if len(rest) < 4 {
			return nil, 0, ErrTruncated
		}
		f := math.Float32frombits(binary.LittleEndian.Uint32(rest))
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			return nil, 0, ErrNonFinite
		}
		return Float32(f), 5, nil
	case TagFloat64:
		if len(rest) < 8 {
			return nil, 0, ErrTruncated
		}
		f := math.Float64frombits(binary.LittleEndian.Uint64(rest))
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, 0, ErrNonFinite
		}
		return Float64(f), 9, nil
	case TagString, TagSymbol, TagList, TagLambda, TagReference:
		size, n, err := ReadVarint(rest)
		if err != nil {
			return nil, 0, err
		}
		if size > uint64(len(rest)-n) {
			return nil, 0, ErrTruncated
		}
		body := rest[n : n+int(size)]
		consumed := 1 + n + int(size)
		v, err := decodeSized(tag, body, depth)
		if err != nil {
			return nil, 0, err
		}
		return v, consumed, nil
	default:
		return nil, 0, fmt.Errorf("%w 0x%02x", ErrUnknownTag, byte(tag))
	}
}

func decodeSized(tag Tag, body []byte, depth int) (Value, error) {
	switch tag {
	case TagString, TagSymbol:
		if !utf8.Valid(body) {
			return nil, fmt.Errorf("%w in %s", ErrInvalidUTF8, tag)
		}
		if tag == TagString {
			return String(body), nil
		}
		return Symbol(body), nil
	case TagList:
		list := List{}
		for off := 0; off < len(body); {
			elem, n, err := decodeAt(body[off:], depth+1)
			if err != nil {
				return nil, fmt.Errorf("list[%d]: %w", len(list), err)
			}
			list = append(list, elem)
			off += n
		}
		return list, nil
	case TagLambda:
		inner, n, err := decodeAt(body, depth+1)
		if err != nil {
			return nil, fmt.Errorf("lambda body: %w", err)
		}
		if n != len(body) {
			return nil, fmt.Errorf("lambda body: %w", ErrTrailingBytes)
		}
		return Lambda{Body: inner}, nil
	default:
		ref := make(Reference, len(body))
		copy(ref, body)
		return ref, nil
	}
}
