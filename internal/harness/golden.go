package harness

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// TraceSnapshot is the golden form of a run: the trace without event ids
// or payloads, which depend on key material and timestamps.
type TraceSnapshot struct {
	ScenarioName string         `json:"scenario_name"`
	Pass         bool           `json:"pass"`
	Trace        []snapshotLine `json:"trace"`
}

type snapshotLine struct {
	Step   int    `json:"step"`
	Peer   int    `json:"peer"`
	Status string `json:"status"`
	Type   string `json:"type,omitempty"`
	Level  string `json:"level,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Snapshot builds the golden form of result.
func Snapshot(name string, result *Result) TraceSnapshot {
	s := TraceSnapshot{ScenarioName: name, Pass: result.Pass, Trace: []snapshotLine{}}
	for _, e := range result.Trace {
		s.Trace = append(s.Trace, snapshotLine{
			Step:   e.Step,
			Peer:   e.Peer,
			Status: e.Status,
			Type:   e.Type,
			Level:  e.Level,
			Reason: e.Reason,
		})
	}
	return s
}

// MarshalSnapshot renders the golden bytes of result.
func MarshalSnapshot(name string, result *Result) ([]byte, error) {
	data, err := json.MarshalIndent(Snapshot(name, result), "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// RunWithGolden executes a scenario and compares the trace against a golden file.
// The golden file is stored in testdata/golden/{scenario.Name}.golden
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(context.Background(), scenario)
	if err != nil {
		return nil, err
	}
	return result, AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares the given result's trace against a golden file
// without re-running the scenario.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	data, err := MarshalSnapshot(scenarioName, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)
	return nil
}
