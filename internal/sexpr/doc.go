// Package sexpr implements the canonical binary S-expression encoding used
// as the input to every hash and signature in the runtime.
//
// Every value is written as one type tag byte, then (for variable-size
// values) an unsigned LEB128 length prefix, then the raw bytes:
//
//	NULL      0x00
//	BOOL      0x01 <0|1>
//	INT32     0x02 <4 bytes little-endian>
//	INT64     0x03 <8 bytes little-endian>
//	FLOAT32   0x04 <4 bytes little-endian IEEE-754>
//	FLOAT64   0x05 <8 bytes little-endian IEEE-754>
//	STRING    0x06 <len> <UTF-8, NFC>
//	SYMBOL    0x07 <len> <UTF-8, NFC>
//	LIST      0x08 <len of concatenated children> <children...>
//	LAMBDA    0x09 <len of body> <body>
//	REFERENCE 0x0A <len> <content address bytes>
//
// Structured data (Go structs and string-keyed maps) is encoded as a record:
// a LIST of two-element LISTs (SYMBOL key, value) sorted by key in UTF-16
// code unit order. Two implementations that agree on this layout produce
// bit-identical bytes for the same logical object.
//
// NaN and infinite floats are rejected rather than coerced.
package sexpr
