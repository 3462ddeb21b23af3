package sexpr

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"
)

// ErrUnsupportedType is returned for Go kinds with no canonical form
// (channels, funcs, complex numbers, maps with non-string keys).
var ErrUnsupportedType = errors.New("sexpr: unsupported Go type")

var (
	valueType = reflect.TypeOf((*Value)(nil)).Elem()
	bytesType = reflect.TypeOf([]byte(nil))
)

// Marshal converts x with ToValue and encodes the result.
func Marshal(x any) ([]byte, error) {
	v, err := ToValue(x)
	if err != nil {
		return nil, err
	}
	return Encode(v)
}

// Unmarshal decodes data and stores the result in the value pointed to by out.
func Unmarshal(data []byte, out any) error {
	v, err := Decode(data)
	if err != nil {
		return err
	}
	return FromValue(v, out)
}

// ToValue maps a Go value onto the tagged value model.
//
// Structs and string-keyed maps become records; exported struct fields use
// the `sexpr:"name"` tag, or the field name when untagged, and `sexpr:"-"`
// skips a field. []byte becomes a REFERENCE, other slices and arrays a LIST.
// Sized integers keep their width: int32 maps to INT32, every other integer
// kind to INT64. Nil pointers, maps and interfaces become NULL.
func ToValue(x any) (Value, error) {
	if x == nil {
		return Null{}, nil
	}
	if v, ok := x.(Value); ok {
		return v, nil
	}
	return toValue(reflect.ValueOf(x))
}

func toValue(rv reflect.Value) (Value, error) {
	if rv.Kind() != reflect.Interface && rv.Kind() != reflect.Pointer && rv.Type().Implements(valueType) {
		return rv.Interface().(Value), nil
	}

	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return Null{}, nil
		}
		return toValue(rv.Elem())
	case reflect.Bool:
		return Bool(rv.Bool()), nil
	case reflect.Int32:
		return Int32(rv.Int()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int64:
		return Int64(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u := rv.Uint()
		if u > math.MaxInt64 {
			return nil, fmt.Errorf("sexpr: unsigned value %d overflows INT64", u)
		}
		return Int64(u), nil
	case reflect.Float32:
		return Float32(rv.Float()), nil
	case reflect.Float64:
		return Float64(rv.Float()), nil
	case reflect.String:
		return String(rv.String()), nil
	case reflect.Slice:
		if rv.Type() == bytesType {
			if rv.IsNil() {
				return Null{}, nil
			}
			return Reference(append([]byte(nil), rv.Bytes()...)), nil
		}
		fallthrough
	case reflect.Array:
		out := make(List, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			elem, err := toValue(rv.Index(i))
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out = append(out, elem)
		}
		return out, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("%w: map key %s", ErrUnsupportedType, rv.Type().Key())
		}
		if rv.IsNil() {
			return Null{}, nil
		}
		fields := make(map[string]Value, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			elem, err := toValue(iter.Value())
			if err != nil {
				return nil, fmt.Errorf("%s: %w", iter.Key().String(), err)
			}
			fields[iter.Key().String()] = elem
		}
		return Record(fields)
	case reflect.Struct:
		fields := make(map[string]Value)
		for _, f := range structFields(rv.Type()) {
			elem, err := toValue(rv.Field(f.index))
			if err != nil {
				return nil, fmt.Errorf("%s: %w", f.name, err)
			}
			fields[f.name] = elem
		}
		return Record(fields)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, rv.Type())
	}
}

type fieldInfo struct {
	name  string
	index int
}

func structFields(t reflect.Type) []fieldInfo {
	var out []fieldInfo
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		name := sf.Name
		if tag, ok := sf.Tag.Lookup("sexpr"); ok {
			tag, _, _ = strings.Cut(tag, ",")
			if tag == "-" {
				continue
			}
			if tag != "" {
				name = tag
			}
		}
		out = append(out, fieldInfo{name: name, index: i})
	}
	return out
}

// FromValue stores v into the value pointed to by out, reversing ToValue.
// Record fields with no matching struct field are ignored; struct fields
// missing from the record keep their zero value.
func FromValue(v Value, out any) error {
	rv := reflect.ValueOf(out)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("sexpr: FromValue requires a non-nil pointer, got %T", out)
	}
	return fromValue(v, rv.Elem())
}

func fromValue(v Value, dst reflect.Value) error {
	if dst.Type() == valueType {
		dst.Set(reflect.ValueOf(v))
		return nil
	}
	if _, isNull := v.(Null); isNull {
		dst.Set(reflect.Zero(dst.Type()))
		return nil
	}

	switch dst.Kind() {
	case reflect.Pointer:
		elem := reflect.New(dst.Type().Elem())
		if err := fromValue(v, elem.Elem()); err != nil {
			return err
		}
		dst.Set(elem)
		return nil
	case reflect.Interface:
		if dst.NumMethod() != 0 {
			return fmt.Errorf("%w: %s", ErrUnsupportedType, dst.Type())
		}
		dst.Set(reflect.ValueOf(Native(v)))
		return nil
	case reflect.Bool:
		b, ok := v.(Bool)
		if !ok {
			return mismatch(v, dst)
		}
		dst.SetBool(bool(b))
		return nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, ok := asInt(v)
		if !ok {
			return mismatch(v, dst)
		}
		if dst.OverflowInt(n) {
			return fmt.Errorf("sexpr: %d overflows %s", n, dst.Type())
		}
		dst.SetInt(n)
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, ok := asInt(v)
		if !ok {
			return mismatch(v, dst)
		}
		if n < 0 || dst.OverflowUint(uint64(n)) {
			return fmt.Errorf("sexpr: %d overflows %s", n, dst.Type())
		}
		dst.SetUint(uint64(n))
		return nil
	case reflect.Float32, reflect.Float64:
		switch f := v.(type) {
		case Float64:
			dst.SetFloat(float64(f))
		case Float32:
			dst.SetFloat(float64(f))
		default:
			return mismatch(v, dst)
		}
		return nil
	case reflect.String:
		switch s := v.(type) {
		case String:
			dst.SetString(string(s))
		case Symbol:
			dst.SetString(string(s))
		default:
			return mismatch(v, dst)
		}
		return nil
	case reflect.Slice:
		if dst.Type() == bytesType {
			ref, ok := v.(Reference)
			if !ok {
				return mismatch(v, dst)
			}
			dst.SetBytes(append([]byte{}, ref...))
			return nil
		}
		l, ok := v.(List)
		if !ok {
			return mismatch(v, dst)
		}
		s := reflect.MakeSlice(dst.Type(), len(l), len(l))
		for i, elem := range l {
			if err := fromValue(elem, s.Index(i)); err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
		}
		dst.Set(s)
		return nil
	case reflect.Array:
		l, ok := v.(List)
		if !ok || len(l) != dst.Len() {
			return mismatch(v, dst)
		}
		for i, elem := range l {
			if err := fromValue(elem, dst.Index(i)); err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
		}
		return nil
	case reflect.Map:
		if dst.Type().Key().Kind() != reflect.String {
			return fmt.Errorf("%w: map key %s", ErrUnsupportedType, dst.Type().Key())
		}
		fields, err := recordFields(v)
		if err != nil {
			return err
		}
		m := reflect.MakeMapWithSize(dst.Type(), len(fields))
		for k, fv := range fields {
			elem := reflect.New(dst.Type().Elem()).Elem()
			if err := fromValue(fv, elem); err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
			m.SetMapIndex(reflect.ValueOf(k).Convert(dst.Type().Key()), elem)
		}
		dst.Set(m)
		return nil
	case reflect.Struct:
		fields, err := recordFields(v)
		if err != nil {
			return err
		}
		for _, f := range structFields(dst.Type()) {
			fv, ok := fields[f.name]
			if !ok {
				continue
			}
			if err := fromValue(fv, dst.Field(f.index)); err != nil {
				return fmt.Errorf("%s: %w", f.name, err)
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedType, dst.Type())
	}
}

func recordFields(v Value) (map[string]Value, error) {
	l, ok := v.(List)
	if !ok {
		return nil, fmt.Errorf("%w: got %s", ErrNotRecord, tagOf(v))
	}
	return Fields(l)
}

func asInt(v Value) (int64, bool) {
	switch n := v.(type) {
	case Int64:
		return int64(n), true
	case Int32:
		return int64(n), true
	}
	return 0, false
}

func mismatch(v Value, dst reflect.Value) error {
	return fmt.Errorf("sexpr: cannot store %s in %s", tagOf(v), dst.Type())
}

// Native converts v to plain Go values: records stay lists of pairs,
// so the result is lossless but not map-shaped.
func Native(v Value) any {
	switch val := v.(type) {
	case Null:
		return nil
	case Bool:
		return bool(val)
	case Int32:
		return int32(val)
	case Int64:
		return int64(val)
	case Float32:
		return float32(val)
	case Float64:
		return float64(val)
	case String:
		return string(val)
	case Symbol:
		return string(val)
	case Reference:
		return []byte(val)
	case List:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = Native(elem)
		}
		return out
	case Lambda:
		return val
	}
	return nil
}
