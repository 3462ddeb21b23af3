package sexpr

import (
	"errors"
	"fmt"
	"sort"
	"unicode/utf16"

	"golang.org/x/text/unicode/norm"
)

var (
	// ErrNotRecord is returned by Fields when a list is not a well-formed record.
	ErrNotRecord = errors.New("sexpr: not a record")
	// ErrDuplicateKey is returned by Record when two keys are equal after
	// NFC normalization.
	ErrDuplicateKey = errors.New("sexpr: duplicate record key")
)

// Record builds the canonical form of a keyed structure: a LIST of
// (SYMBOL key, value) pairs, keys NFC-normalized and sorted by UTF-16
// code units.
func Record(fields map[string]Value) (List, error) {
	keys := make([]string, 0, len(fields))
	byKey := make(map[string]Value, len(fields))
	for k, v := range fields {
		nk := norm.NFC.String(k)
		if _, dup := byKey[nk]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateKey, nk)
		}
		keys = append(keys, nk)
		byKey[nk] = v
	}
	sort.Slice(keys, func(i, j int) bool {
		return compareKeys(keys[i], keys[j]) < 0
	})

	out := make(List, 0, len(keys))
	for _, k := range keys {
		out = append(out, List{Symbol(k), byKey[k]})
	}
	return out, nil
}

// MustRecord is like Record but panics on error.
func MustRecord(fields map[string]Value) List {
	l, err := Record(fields)
	if err != nil {
		panic(err)
	}
	return l
}

// Fields reverses Record. Keys must be strictly ascending; a repeated or
// out-of-order key means the bytes did not come from a canonical encoder.
func Fields(l List) (map[string]Value, error) {
	out := make(map[string]Value, len(l))
	prev := ""
	for i, entry := range l {
		pair, ok := entry.(List)
		if !ok || len(pair) != 2 {
			return nil, fmt.Errorf("%w: entry %d is not a pair", ErrNotRecord, i)
		}
		key, ok := pair[0].(Symbol)
		if !ok {
			return nil, fmt.Errorf("%w: entry %d key is %s", ErrNotRecord, i, tagOf(pair[0]))
		}
		k := string(key)
		if i > 0 && compareKeys(prev, k) >= 0 {
			return nil, fmt.Errorf("%w: key %q out of order", ErrNotRecord, k)
		}
		out[k] = pair[1]
		prev = k
	}
	return out, nil
}

func tagOf(v Value) string {
	if v == nil {
		return "nil"
	}
	return v.Tag().String()
}

// compareKeys orders strings by UTF-16 code units so that records sort
// the same way in every implementation, including ones with UTF-16 strings.
func compareKeys(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))

	n := min(len(a16), len(b16))
	for i := 0; i < n; i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a16) < len(b16):
		return -1
	case len(a16) > len(b16):
		return 1
	}
	return 0
}
