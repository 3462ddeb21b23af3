package cli

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/ulp/internal/crt"
)

// NewCRTCommand creates the crt command group.
func NewCRTCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crt",
		Short: "Chinese Remainder Theorem utilities",
		Long: `Solve congruence systems and unfold counters into (L, A) coordinates.

Example:
  ulp crt solve 2:3 3:5 2:7
  ulp crt unfold 100 7`,
	}
	cmd.AddCommand(newCRTSolveCommand(rootOpts))
	cmd.AddCommand(newCRTUnfoldCommand(rootOpts))
	return cmd
}

func newCRTSolveCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "solve <remainder:modulus>...",
		Short:         "Solve x ≡ r (mod m) for pairwise coprime moduli",
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := opts.formatter(cmd)
			system, err := parseCongruences(args)
			if err != nil {
				return out.Fail(ExitCommandError, CodeInput, "invalid congruence", err)
			}
			x, err := crt.Solve(system)
			if err != nil {
				return out.Fail(ExitFailure, CodeInput, "no solution", err)
			}
			mod := big.NewInt(1)
			for _, c := range system {
				mod.Mul(mod, big.NewInt(c.Modulus))
			}
			return out.Success(SolveResult{X: x, Modulus: mod.String()})
		},
	}
}

func newCRTUnfoldCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "unfold <n> <base>",
		Short:         "Decompose n into L*base + A",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := opts.formatter(cmd)
			n, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return out.Fail(ExitCommandError, CodeInput, "invalid n", err)
			}
			b, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return out.Fail(ExitCommandError, CodeInput, "invalid base", err)
			}
			c, err := crt.Unfold(n, b)
			if err != nil {
				return out.Fail(ExitCommandError, CodeInput, "invalid base", err)
			}
			return out.Success(UnfoldResult{N: n, L: c.L, A: c.A, B: c.B})
		},
	}
}

// parseCongruences reads "r:m" pairs.
func parseCongruences(args []string) ([]crt.Congruence, error) {
	system := make([]crt.Congruence, 0, len(args))
	for _, arg := range args {
		rs, ms, ok := strings.Cut(arg, ":")
		if !ok {
			return nil, fmt.Errorf("%q: want remainder:modulus", arg)
		}
		r, err := strconv.ParseInt(rs, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%q: remainder: %w", arg, err)
		}
		m, err := strconv.ParseInt(ms, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%q: modulus: %w", arg, err)
		}
		system = append(system, crt.Congruence{Remainder: r, Modulus: m})
	}
	return system, nil
}

// SolveResult is the smallest non-negative solution and the combined modulus.
type SolveResult struct {
	X       int64  `json:"x"`
	Modulus string `json:"modulus"`
}

func (r SolveResult) Text() string {
	return fmt.Sprintf("x = %d (mod %s)\n", r.X, r.Modulus)
}

// UnfoldResult is n = L*B + A.
type UnfoldResult struct {
	N int64 `json:"n"`
	L int64 `json:"L"`
	A int64 `json:"A"`
	B int64 `json:"B"`
}

func (r UnfoldResult) Text() string {
	return fmt.Sprintf("%d = %d*%d + %d\n", r.N, r.L, r.B, r.A)
}
