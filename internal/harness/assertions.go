package harness

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"

	"github.com/roach88/ulp/internal/store"
)

// validIdentifier matches valid SQL identifiers (table/column names).
// Only allows alphanumeric and underscore, must start with letter or underscore.
// This prevents SQL injection via identifier interpolation.
var validIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEntry // Trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nTrace:\n")
		for _, entry := range e.Trace {
			fmt.Fprintf(&buf, "  [step %d] peer %d %s %s", entry.Step, entry.Peer, entry.Status, entry.Type)
			if entry.Reason != "" {
				fmt.Fprintf(&buf, " (%s)", entry.Reason)
			}
			buf.WriteString("\n")
		}
	}
	return buf.String()
}

// AssertionContext provides what assertions need beyond the trace.
type AssertionContext struct {
	Ctx     context.Context
	Network *Network

	// Resolve expands @peerN and @stepN references in expected values.
	Resolve func(string) (string, error)
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertOutcomeContains:
			err = assertOutcomeContains(result.Trace, assertion, actx)
		case AssertOutcomeCount:
			err = assertOutcomeCount(result.Trace, assertion, actx)
		case AssertOutcomeOrder:
			err = assertOutcomeOrder(result.Trace, assertion, actx)
		case AssertFinalState:
			if actx == nil || actx.Network == nil {
				err = fmt.Errorf("assertion[%d]: final_state requires a network", i)
			} else {
				err = assertFinalState(actx, assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	return errs
}

// peers returns the peer indices an assertion applies to: its own peer,
// or every network member.
func peers(trace []TraceEntry, a Assertion, actx *AssertionContext) []int {
	if a.Peer != nil {
		return []int{*a.Peer}
	}
	if actx != nil && actx.Network != nil {
		out := make([]int, len(actx.Network.Peers))
		for i := range out {
			out[i] = i
		}
		return out
	}
	seen := map[int]bool{}
	var out []int
	for _, e := range trace {
		if !seen[e.Peer] {
			seen[e.Peer] = true
			out = append(out, e.Peer)
		}
	}
	sort.Ints(out)
	return out
}

// matches reports whether e passes the assertion's status, type and
// reason filters.
func matches(e TraceEntry, peerIdx int, a Assertion) bool {
	return e.Peer == peerIdx &&
		(a.Status == "" || e.Status == a.Status) &&
		(a.EventType == "" || e.Type == a.EventType) &&
		(a.Reason == "" || e.Reason == a.Reason)
}

func describe(a Assertion) string {
	var parts []string
	for _, kv := range [][2]string{{"status", a.Status}, {"type", a.EventType}, {"reason", a.Reason}} {
		if kv[1] != "" {
			parts = append(parts, kv[0]+"="+kv[1])
		}
	}
	if len(parts) == 0 {
		return "any outcome"
	}
	return strings.Join(parts, " ")
}

// assertOutcomeContains checks that some outcome matches the filters and
// carries the expected payload fields (subset match).
func assertOutcomeContains(trace []TraceEntry, a Assertion, actx *AssertionContext) error {
	expected, err := expectedPayload(a.Payload, actx)
	if err != nil {
		return err
	}

	targets := peers(trace, a, actx)
	if len(targets) == 0 {
		return &AssertionError{
			Type:     AssertOutcomeContains,
			Expected: describe(a),
			Actual:   "empty trace",
		}
	}
	for _, idx := range targets {
		found := false
		for _, e := range trace {
			if matches(e, idx, a) && matchPayload(e.Payload, expected) {
				found = true
				break
			}
		}
		if !found {
			return &AssertionError{
				Type:     AssertOutcomeContains,
				Expected: fmt.Sprintf("peer %d: %s with payload %v", idx, describe(a), a.Payload),
				Actual:   "not found in trace",
				Trace:    trace,
			}
		}
	}
	return nil
}

// assertOutcomeCount checks that exactly Count outcomes match per peer.
func assertOutcomeCount(trace []TraceEntry, a Assertion, actx *AssertionContext) error {
	for _, idx := range peers(trace, a, actx) {
		count := 0
		for _, e := range trace {
			if matches(e, idx, a) {
				count++
			}
		}
		if count != a.Count {
			return &AssertionError{
				Type:     AssertOutcomeCount,
				Expected: fmt.Sprintf("peer %d: %d outcomes with %s", idx, a.Count, describe(a)),
				Actual:   fmt.Sprintf("%d outcomes", count),
				Trace:    trace,
			}
		}
	}
	return nil
}

// assertOutcomeOrder checks that the listed types were accepted in order.
// Other outcomes may come in between.
func assertOutcomeOrder(trace []TraceEntry, a Assertion, actx *AssertionContext) error {
	for _, idx := range peers(trace, a, actx) {
		next := 0
		for _, e := range trace {
			if next == len(a.EventTypes) {
				break
			}
			if e.Peer == idx && e.Status == "ACCEPTED" && e.Type == a.EventTypes[next] {
				next++
			}
		}
		if next < len(a.EventTypes) {
			return &AssertionError{
				Type:     AssertOutcomeOrder,
				Expected: fmt.Sprintf("peer %d: accepted in order %v", idx, a.EventTypes),
				Actual:   fmt.Sprintf("%s not accepted after %v", a.EventTypes[next], a.EventTypes[:next]),
				Trace:    trace,
			}
		}
	}
	return nil
}

// expectedPayload normalizes YAML values the way trace payloads are
// normalized so the two compare with DeepEqual.
func expectedPayload(p map[string]any, actx *AssertionContext) (map[string]any, error) {
	if len(p) == 0 {
		return nil, nil
	}
	resolve := func(s string) (string, error) { return s, nil }
	if actx != nil && actx.Resolve != nil {
		resolve = actx.Resolve
	}
	v, err := toValue(p, resolve)
	if err != nil {
		return nil, fmt.Errorf("outcome_contains payload: %w", err)
	}
	m, _ := plain(v).(map[string]any)
	return m, nil
}

// matchPayload checks if actual contains all expected fields (subset
// match). Nested maps match as subsets too.
func matchPayload(actual, expected map[string]any) bool {
	for key, want := range expected {
		got, ok := actual[key]
		if !ok {
			return false
		}
		wantMap, wantIsMap := want.(map[string]any)
		gotMap, gotIsMap := got.(map[string]any)
		if wantIsMap && gotIsMap {
			if !matchPayload(gotMap, wantMap) {
				return false
			}
			continue
		}
		if !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

// assertFinalState checkpoints the peer into a scratch store and checks
// one row of its state tables. Queries use parameterized SQL; table and
// column names are validated against a whitelist pattern since
// identifiers cannot be parameterized.
func assertFinalState(actx *AssertionContext, a Assertion) error {
	idx := 0
	if a.Peer != nil {
		idx = *a.Peer
	}
	if idx < 0 || idx >= len(actx.Network.Peers) {
		return fmt.Errorf("final_state: peer %d out of range", idx)
	}
	if !validIdentifier.MatchString(a.Table) {
		return fmt.Errorf("invalid table name %q: must match pattern %s", a.Table, validIdentifier.String())
	}

	where, err := resolveValues(a.Where, actx.Resolve)
	if err != nil {
		return fmt.Errorf("final_state where: %w", err)
	}
	expect, err := resolveValues(a.Expect, actx.Resolve)
	if err != nil {
		return fmt.Errorf("final_state expect: %w", err)
	}

	st, err := store.Open(":memory:")
	if err != nil {
		return fmt.Errorf("final_state: scratch store: %w", err)
	}
	defer st.Close()
	if err := actx.Network.Peers[idx].Checkpoint(actx.Ctx, st); err != nil {
		return fmt.Errorf("final_state: %w", err)
	}

	whereSQL, whereArgs, err := buildWhereClause(where)
	if err != nil {
		return err
	}
	query := fmt.Sprintf("SELECT * FROM %s", a.Table)
	if whereSQL != "" {
		query += " WHERE " + whereSQL
	}

	rows, err := st.Query(actx.Ctx, query, whereArgs...)
	if err != nil {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("query table %s", a.Table),
			Actual:   fmt.Sprintf("query error: %v", err),
		}
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("get columns: %w", err)
	}

	if !rows.Next() {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("peer %d: row in %s where %s", idx, a.Table, formatWhereClause(where)),
			Actual:   "row not found",
		}
	}

	values := make([]any, len(columns))
	valuePtrs := make([]any, len(columns))
	for i := range values {
		valuePtrs[i] = &values[i]
	}
	if err := rows.Scan(valuePtrs...); err != nil {
		return fmt.Errorf("scan row: %w", err)
	}

	// A second match means the assertion is ambiguous.
	if rows.Next() {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("exactly one row in %s where %s", a.Table, formatWhereClause(where)),
			Actual:   "multiple rows matched (assertion is ambiguous)",
		}
	}

	actualRow := make(map[string]any, len(columns))
	for i, col := range columns {
		actualRow[col] = values[i]
	}

	for _, key := range sortedKeys(expect) {
		actualValue, exists := actualRow[key]
		if !exists {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q to exist", key),
				Actual:   fmt.Sprintf("field %q not present in result columns: %v", key, columns),
			}
		}
		if !stateValuesEqual(expect[key], actualValue) {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q = %v (type %T)", key, expect[key], expect[key]),
				Actual:   fmt.Sprintf("field %q = %v (type %T)", key, actualValue, actualValue),
			}
		}
	}
	return nil
}

// resolveValues expands references in the string values of m.
func resolveValues(m map[string]any, resolve func(string) (string, error)) (map[string]any, error) {
	if resolve == nil || len(m) == 0 {
		return m, nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if s, ok := v.(string); ok {
			r, err := resolve(s)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			v = r
		}
		out[k] = v
	}
	return out, nil
}

// buildWhereClause constructs parameterized WHERE clause from where.
// Returns SQL fragment, arguments slice, and error. Keys are sorted for determinism.
func buildWhereClause(where map[string]any) (string, []any, error) {
	if len(where) == 0 {
		return "", nil, nil
	}

	keys := sortedKeys(where)
	clauses := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys))

	for _, key := range keys {
		if !validIdentifier.MatchString(key) {
			return "", nil, fmt.Errorf("invalid column name %q in where clause: must match pattern %s", key, validIdentifier.String())
		}
		clauses = append(clauses, fmt.Sprintf("%s = ?", key))
		args = append(args, toSQLValue(where[key]))
	}

	return strings.Join(clauses, " AND "), args, nil
}

// toSQLValue converts a YAML value to a SQL-compatible value.
func toSQLValue(v any) any {
	switch val := v.(type) {
	case string, int, int64, float64, bool:
		return val
	default:
		return fmt.Sprintf("%v", val)
	}
}

// formatWhereClause creates a human-readable description of WHERE conditions.
func formatWhereClause(where map[string]any) string {
	if len(where) == 0 {
		return "(no conditions)"
	}
	keys := sortedKeys(where)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, where[k]))
	}
	return strings.Join(parts, " AND ")
}

// stateValuesEqual compares expected and actual values from state tables.
// Handles type coercion for SQLite values which may be returned as different types.
func stateValuesEqual(expected, actual any) bool {
	if expected == nil && actual == nil {
		return true
	}
	if expected == nil || actual == nil {
		return false
	}

	switch exp := expected.(type) {
	case string:
		switch act := actual.(type) {
		case string:
			return exp == act
		case []byte:
			return exp == string(act)
		}
		return false
	case int:
		if actualInt, ok := actual.(int64); ok {
			return int64(exp) == actualInt
		}
		return false
	case int64:
		if actualInt, ok := actual.(int64); ok {
			return exp == actualInt
		}
		return false
	case float64:
		switch act := actual.(type) {
		case float64:
			return exp == act
		case int64:
			return exp == float64(act)
		}
		return false
	case bool:
		// SQLite stores booleans as integers.
		if actualInt, ok := actual.(int64); ok {
			return exp == (actualInt != 0)
		}
		return false
	}

	return reflect.DeepEqual(expected, actual)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
