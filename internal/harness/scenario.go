package harness

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/ulp/internal/event"
	"github.com/roach88/ulp/internal/fano"
)

// Scenario defines a scripted run of a peer network.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Peers is the network size.
	Peers int `yaml:"peers"`

	// Validators makes the first seven peers the validator set.
	Validators bool `yaml:"validators,omitempty"`

	// Rectify selects the rectification trigger: never (default), always,
	// or hash for the production trigger.
	Rectify string `yaml:"rectify,omitempty"`

	// Seeds are handed out to consensus rounds in order.
	Seeds []string `yaml:"seeds,omitempty"`

	// Start is the manual clock's initial reading (RFC 3339).
	Start string `yaml:"start,omitempty"`

	// Settle is the quiet period that ends a step. Defaults to 50ms.
	Settle string `yaml:"settle,omitempty"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one action taken on one peer.
type Step struct {
	Peer int `yaml:"peer"`

	Publish          *PublishStep `yaml:"publish,omitempty"`
	Deliver          string       `yaml:"deliver,omitempty"`
	Redeliver        *int         `yaml:"redeliver,omitempty"`
	InitializeEntity *EntityStep  `yaml:"initialize_entity,omitempty"`
	UpdateEntity     string       `yaml:"update_entity,omitempty"`
	HostAgent        string       `yaml:"host_agent,omitempty"`
	AgentStep        string       `yaml:"agent_step,omitempty"`
	ConsensusRound   bool         `yaml:"consensus_round,omitempty"`
	AdvanceClock     string       `yaml:"advance_clock,omitempty"`

	// Repeat runs the action this many times. Zero means once.
	Repeat int `yaml:"repeat,omitempty"`

	// ExpectError requires the action to fail with a message containing
	// this text. Without it any failure fails the scenario.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// PublishStep publishes a payload built from a field map.
type PublishStep struct {
	Type    string         `yaml:"type"`
	Level   string         `yaml:"level"`
	Payload map[string]any `yaml:"payload"`
}

// EntityStep initializes an entity with explicit bases.
type EntityStep struct {
	ID    string           `yaml:"id"`
	Bases map[string]int64 `yaml:"bases,omitempty"`
}

// Assertion validates the trace or a peer's final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Peer restricts the assertion to one peer. Absent means every peer.
	Peer *int `yaml:"peer,omitempty"`

	// Status, EventType and Reason filter outcomes. Empty matches anything.
	Status    string `yaml:"status,omitempty"`
	EventType string `yaml:"event_type,omitempty"`
	Reason    string `yaml:"reason,omitempty"`

	// Payload is a subset match on the outcome payload (outcome_contains).
	Payload map[string]any `yaml:"payload,omitempty"`

	// Count is the expected number of matching outcomes (outcome_count).
	Count int `yaml:"count,omitempty"`

	// EventTypes is the expected order of accepted types (outcome_order).
	EventTypes []string `yaml:"event_types,omitempty"`

	// Table, Where and Expect select and check a state row (final_state).
	Table  string         `yaml:"table,omitempty"`
	Where  map[string]any `yaml:"where,omitempty"`
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertOutcomeContains = "outcome_contains"
	AssertOutcomeCount    = "outcome_count"
	AssertOutcomeOrder    = "outcome_order"
	AssertFinalState      = "final_state"
)

// Rectification trigger modes.
const (
	RectifyNever  = "never"
	RectifyAlways = "always"
	RectifyHash   = "hash"
)

// defaultStart is the clock reading when a scenario sets none.
var defaultStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

const defaultSettle = 50 * time.Millisecond

// LoadScenario reads and parses a scenario YAML file. Unknown fields are
// rejected so typos fail loudly.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// start returns the parsed clock start.
func (s *Scenario) start() time.Time {
	if s.Start == "" {
		return defaultStart
	}
	t, _ := time.Parse(time.RFC3339, s.Start)
	return t
}

func (s *Scenario) settle() time.Duration {
	if s.Settle == "" {
		return defaultSettle
	}
	d, _ := time.ParseDuration(s.Settle)
	return d
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Peers < 1 {
		return fmt.Errorf("peers must be at least 1")
	}
	if s.Validators && s.Peers < fano.Size {
		return fmt.Errorf("validators need at least %d peers, have %d", fano.Size, s.Peers)
	}
	switch s.Rectify {
	case "", RectifyNever, RectifyAlways, RectifyHash:
	default:
		return fmt.Errorf("unknown rectify mode %q", s.Rectify)
	}
	if s.Start != "" {
		if _, err := time.Parse(time.RFC3339, s.Start); err != nil {
			return fmt.Errorf("start: %w", err)
		}
	}
	if s.Settle != "" {
		if d, err := time.ParseDuration(s.Settle); err != nil || d <= 0 {
			return fmt.Errorf("settle must be a positive duration, got %q", s.Settle)
		}
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	rounds := 0
	for i, step := range s.Steps {
		if err := validateStep(s, i, &step); err != nil {
			return err
		}
		if step.ConsensusRound {
			rounds += max(step.Repeat, 1)
		}
	}
	if rounds > 0 && !s.Validators {
		return fmt.Errorf("consensus_round steps need validators: true")
	}
	if rounds > len(s.Seeds) {
		return fmt.Errorf("%d consensus rounds but only %d seeds", rounds, len(s.Seeds))
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(s, i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(s *Scenario, i int, step *Step) error {
	if step.Peer < 0 || step.Peer >= s.Peers {
		return fmt.Errorf("steps[%d]: peer %d out of range", i, step.Peer)
	}
	if step.Repeat < 0 {
		return fmt.Errorf("steps[%d]: repeat must be non-negative", i)
	}

	actions := 0
	count := func(set bool) {
		if set {
			actions++
		}
	}
	count(step.Publish != nil)
	count(step.Deliver != "")
	count(step.Redeliver != nil)
	count(step.InitializeEntity != nil)
	count(step.UpdateEntity != "")
	count(step.HostAgent != "")
	count(step.AgentStep != "")
	count(step.ConsensusRound)
	count(step.AdvanceClock != "")
	if actions != 1 {
		return fmt.Errorf("steps[%d]: exactly one action required, found %d", i, actions)
	}

	switch {
	case step.Publish != nil:
		if !event.ConsensusLevel(step.Publish.Level).Valid() {
			return fmt.Errorf("steps[%d].publish: invalid level %q", i, step.Publish.Level)
		}
		if step.Publish.Type == "" {
			return fmt.Errorf("steps[%d].publish: type is required", i)
		}
	case step.Deliver != "":
		if _, err := hex.DecodeString(step.Deliver); err != nil {
			return fmt.Errorf("steps[%d].deliver: %w", i, err)
		}
	case step.Redeliver != nil:
		n := *step.Redeliver
		if n < 0 || n >= i || s.Steps[n].Publish == nil {
			return fmt.Errorf("steps[%d].redeliver: step %d is not an earlier publish step", i, n)
		}
	case step.InitializeEntity != nil:
		if step.InitializeEntity.ID == "" {
			return fmt.Errorf("steps[%d].initialize_entity: id is required", i)
		}
	case step.AdvanceClock != "":
		if d, err := time.ParseDuration(step.AdvanceClock); err != nil || d < 0 {
			return fmt.Errorf("steps[%d].advance_clock: invalid duration %q", i, step.AdvanceClock)
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(s *Scenario, index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}
	if a.Peer != nil && (*a.Peer < 0 || *a.Peer >= s.Peers) {
		return fmt.Errorf("assertions[%d]: peer %d out of range", index, *a.Peer)
	}

	switch a.Type {
	case AssertOutcomeContains:
		if a.Status == "" && a.EventType == "" {
			return fmt.Errorf("assertions[%d]: status or event_type is required for outcome_contains", index)
		}
	case AssertOutcomeCount:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for outcome_count", index)
		}
	case AssertOutcomeOrder:
		if len(a.EventTypes) == 0 {
			return fmt.Errorf("assertions[%d]: event_types list is required for outcome_order", index)
		}
	case AssertFinalState:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for final_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
