package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/ulp/internal/fano"
	"github.com/roach88/ulp/internal/harness"
	"github.com/roach88/ulp/internal/peer"
)

// QuorumOptions holds flags for the quorum command.
type QuorumOptions struct {
	*RootOptions
	Validators []string
}

// NewQuorumCommand creates the quorum command.
func NewQuorumCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QuorumOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "quorum [seed]",
		Short: "Show the Fano-plane quorum selected by a seed",
		Long: `Show the Fano-plane line and the three validators a seed selects.

Validators come from --validator, then from the config file. Without
either, seven demo identities derived from fixed seeds are used. Without
a seed argument a fresh UUIDv7 seed is generated.

Example:
  ulp quorum round-42
  ulp quorum --config node.yaml`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			seed := ""
			if len(args) == 1 {
				seed = args[0]
			}
			return runQuorum(opts, seed, cmd)
		},
	}

	cmd.Flags().StringSliceVar(&opts.Validators, "validator", nil, "validator id (exactly 7, repeatable)")

	return cmd
}

// QuorumResult is the quorum command's result.
type QuorumResult struct {
	Seed   string   `json:"seed"`
	Line   int      `json:"line"`
	Points [3]int   `json:"points"`
	Quorum []string `json:"quorum"`
}

func (r QuorumResult) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "seed:   %s\n", r.Seed)
	fmt.Fprintf(&b, "line:   %d %v\n", r.Line, r.Points)
	for i, id := range r.Quorum {
		fmt.Fprintf(&b, "member: %d %s\n", r.Points[i], id)
	}
	return b.String()
}

// demoValidators returns the validator set of a scenario network, so
// quorums shown here match those the test harness produces.
func demoValidators() ([]string, error) {
	ids := make([]string, fano.Size)
	for i := range ids {
		kp, err := harness.SeededKey(i)
		if err != nil {
			return nil, err
		}
		ids[i] = kp.ID()
	}
	return ids, nil
}

func runQuorum(opts *QuorumOptions, seed string, cmd *cobra.Command) error {
	out := opts.formatter(cmd)

	validators := opts.Validators
	if len(validators) == 0 && opts.Config != "" {
		cfg, err := loadConfig(opts.Config)
		if err != nil {
			return out.Fail(ExitCommandError, CodeConfig, "failed to load config", err)
		}
		validators = cfg.Validators
	}
	if len(validators) == 0 {
		demo, err := demoValidators()
		if err != nil {
			return out.Fail(ExitFailure, CodeIdentity, "failed to derive demo validators", err)
		}
		validators = demo
	}

	sel, err := fano.NewSelector(validators)
	if err != nil {
		return out.Fail(ExitCommandError, CodeValidators, "invalid validator set", err)
	}
	if seed == "" {
		seed = peer.UUIDv7SeedGenerator{}.Generate()
	}

	line := fano.LineIndex(seed)
	return out.Success(QuorumResult{
		Seed:   seed,
		Line:   line,
		Points: fano.Lines[line],
		Quorum: sel.Quorum(seed),
	})
}
