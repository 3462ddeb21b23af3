// Package config loads node configuration from YAML.
//
// Files are checked against an embedded CUE schema before they are
// decoded, so a bad value is reported with its path rather than as a
// decode failure or a silently ignored key.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	cueyaml "cuelang.org/go/encoding/yaml"
	"gopkg.in/yaml.v3"

	"github.com/roach88/ulp/internal/agent"
	"github.com/roach88/ulp/internal/car"
	"github.com/roach88/ulp/internal/cep"
	"github.com/roach88/ulp/internal/harmonic"
)

//go:embed schema.cue
var schemaCUE string

// ErrInvalid is returned when a file does not satisfy the schema.
var ErrInvalid = errors.New("config: invalid")

// Config is one node's configuration.
type Config struct {
	Key                string        `yaml:"key"`
	StatePath          string        `yaml:"state_path"`
	Listen             string        `yaml:"listen"`
	Peers              []string      `yaml:"peers"`
	MetricsAddr        string        `yaml:"metrics_addr"`
	LogLevel           string        `yaml:"log_level"`
	Validators         []string      `yaml:"validators"`
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
	Rectification      Rectification `yaml:"rectification"`
	Agent              Agent         `yaml:"agent"`
}

// Rectification tunes proof generation and the event windows it draws from.
type Rectification struct {
	TTL       time.Duration `yaml:"ttl"`
	Window    int           `yaml:"window"`
	CEPWindow int           `yaml:"cep_window"`
}

// Agent holds the learning constants for hosted agents.
type Agent struct {
	LearningRate  float64 `yaml:"learning_rate"`
	Discount      float64 `yaml:"discount"`
	Epsilon       float64 `yaml:"epsilon"`
	RuleThreshold float64 `yaml:"rule_threshold"`
	RuleStreak    int     `yaml:"rule_streak"`
}

// AgentConfig converts to the agent package's form.
func (a Agent) AgentConfig() agent.Config {
	return agent.Config{
		LearningRate:  a.LearningRate,
		Discount:      a.Discount,
		Epsilon:       a.Epsilon,
		RuleThreshold: a.RuleThreshold,
		RuleStreak:    a.RuleStreak,
	}
}

// Default returns a working single-node configuration.
func Default() Config {
	ac := agent.DefaultConfig()
	return Config{
		StatePath:          "ulp.db",
		Listen:             "127.0.0.1:7400",
		LogLevel:           "info",
		CheckpointInterval: 30 * time.Second,
		Rectification: Rectification{
			TTL:       car.DefaultTTL,
			Window:    harmonic.DefaultCapacity,
			CEPWindow: cep.DefaultCapacity,
		},
		Agent: Agent{
			LearningRate:  ac.LearningRate,
			Discount:      ac.Discount,
			Epsilon:       ac.Epsilon,
			RuleThreshold: ac.RuleThreshold,
			RuleStreak:    ac.RuleStreak,
		},
	}
}

// Load reads path, validates it and overlays it on Default.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(path, data)
}

// Parse validates and decodes YAML. filename is used in error positions.
func Parse(filename string, data []byte) (Config, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Default(), nil
	}
	if err := Validate(filename, data); err != nil {
		return Config{}, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode %s: %w", filename, err)
	}
	return cfg, nil
}

// Validate checks YAML against the embedded schema.
func Validate(filename string, data []byte) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("config: schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	file, err := cueyaml.Extract(filename, data)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalid, cueerrors.Details(err, nil))
	}
	doc := ctx.BuildFile(file)
	if err := doc.Err(); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalid, cueerrors.Details(err, nil))
	}

	if err := def.Unify(doc).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalid, cueerrors.Details(err, nil))
	}
	return nil
}
