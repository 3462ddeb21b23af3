package sexpr

// Tag is the leading type byte of an encoded value.
type Tag byte

const (
	TagNull      Tag = 0x00
	TagBool      Tag = 0x01
	TagInt32     Tag = 0x02
	TagInt64     Tag = 0x03
	TagFloat32   Tag = 0x04
	TagFloat64   Tag = 0x05
	TagString    Tag = 0x06
	TagSymbol    Tag = 0x07
	TagList      Tag = 0x08
	TagLambda    Tag = 0x09
	TagReference Tag = 0x0A
)

func (t Tag) String() string {
	switch t {
	case TagNull:
		return "NULL"
	case TagBool:
		return "BOOL"
	case TagInt32:
		return "INT32"
	case TagInt64:
		return "INT64"
	case TagFloat32:
		return "FLOAT32"
	case TagFloat64:
		return "FLOAT64"
	case TagString:
		return "STRING"
	case TagSymbol:
		return "SYMBOL"
	case TagList:
		return "LIST"
	case TagLambda:
		return "LAMBDA"
	case TagReference:
		return "REFERENCE"
	default:
		return "UNKNOWN"
	}
}

// Value is a sealed interface over the encodable types.
// Only the types in this file implement it.
type Value interface {
	Tag() Tag
	sealed()
}

// Null is the absent value.
type Null struct{}

// Bool is a boolean.
type Bool bool

// Int32 is a 32-bit signed integer.
type Int32 int32

// Int64 is a 64-bit signed integer.
type Int64 int64

// Float32 is a single-precision float. NaN and ±Inf do not encode.
type Float32 float32

// Float64 is a double-precision float. NaN and ±Inf do not encode.
type Float64 float64

// String is UTF-8 text.
type String string

// Symbol is a Lisp-style identifier, also used for record keys.
type Symbol string

// List is an ordered sequence of values.
type List []Value

// Lambda wraps a nested function body.
type Lambda struct {
	Body Value
}

// Reference is a content address (for example a SHA-256 digest).
type Reference []byte

func (Null) Tag() Tag      { return TagNull }
func (Bool) Tag() Tag      { return TagBool }
func (Int32) Tag() Tag     { return TagInt32 }
func (Int64) Tag() Tag     { return TagInt64 }
func (Float32) Tag() Tag   { return TagFloat32 }
func (Float64) Tag() Tag   { return TagFloat64 }
func (String) Tag() Tag    { return TagString }
func (Symbol) Tag() Tag    { return TagSymbol }
func (List) Tag() Tag      { return TagList }
func (Lambda) Tag() Tag    { return TagLambda }
func (Reference) Tag() Tag { return TagReference }

func (Null) sealed()      {}
func (Bool) sealed()      {}
func (Int32) sealed()     {}
func (Int64) sealed()     {}
func (Float32) sealed()   {}
func (Float64) sealed()   {}
func (String) sealed()    {}
func (Symbol) sealed()    {}
func (List) sealed()      {}
func (Lambda) sealed()    {}
func (Reference) sealed() {}
