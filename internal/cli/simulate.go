package cli

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/roach88/ulp/internal/event"
	"github.com/roach88/ulp/internal/fano"
	"github.com/roach88/ulp/internal/harness"
	"github.com/roach88/ulp/internal/identity"
	"github.com/roach88/ulp/internal/peer"
)

// simAgent is the agent hosted by the first simulated peer.
const simAgent = "agent-0"

// SimulateOptions holds flags for the simulate command.
type SimulateOptions struct {
	*RootOptions
	Peers      int
	Readings   int
	AgentSteps int
	Rounds     int
	Seed       uint64
	Settle     time.Duration
	Timeout    time.Duration
}

// NewSimulateCommand creates the simulate command.
func NewSimulateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SimulateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run an in-process network of peers",
		Long: `Run several peers over an in-memory hub and report what each committed.

The first peer mints a token, hosts an agent and runs consensus rounds;
every peer publishes sensor readings. With seven or more peers the first
seven form the validator set and GROUP events settle through quorum
endorsement.

Example:
  ulp simulate --peers 7 --readings 5 --rounds 3
  ulp simulate --peers 3 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulation(opts, cmd)
		},
	}

	cmd.Flags().IntVar(&opts.Peers, "peers", fano.Size, "number of peers")
	cmd.Flags().IntVar(&opts.Readings, "readings", 3, "sensor readings published per peer")
	cmd.Flags().IntVar(&opts.AgentSteps, "agent-steps", 10, "agent steps on the first peer")
	cmd.Flags().IntVar(&opts.Rounds, "rounds", 2, "consensus rounds (needs at least 7 peers)")
	cmd.Flags().Uint64Var(&opts.Seed, "seed", 1, "random seed for agents")
	cmd.Flags().DurationVar(&opts.Settle, "settle", 250*time.Millisecond, "quiet period that ends the simulation")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 30*time.Second, "upper bound on the whole simulation")

	return cmd
}

// PeerSummary reports one simulated peer.
type PeerSummary struct {
	ID       string         `json:"id"`
	History  int            `json:"history"`
	Accepted map[string]int `json:"accepted"`
	Pending  int            `json:"pending"`
	Rejected map[string]int `json:"rejected,omitempty"`
}

// SimulationSummary is the simulate command's result.
type SimulationSummary struct {
	Validators int           `json:"validators"`
	Rounds     []RoundResult `json:"rounds,omitempty"`
	Peers      []PeerSummary `json:"peers"`
}

// RoundResult is one consensus round.
type RoundResult struct {
	Seed   string   `json:"seed"`
	Quorum []string `json:"quorum"`
}

func (s SimulationSummary) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Simulated %d peers (%d validators)\n", len(s.Peers), s.Validators)
	for _, r := range s.Rounds {
		fmt.Fprintf(&b, "round %s quorum %s\n", r.Seed, strings.Join(shortIDs(r.Quorum), ","))
	}
	for _, p := range s.Peers {
		fmt.Fprintf(&b, "%s history=%d pending=%d accepted=%s", shortID(p.ID), p.History, p.Pending, formatCounts(p.Accepted))
		if len(p.Rejected) > 0 {
			fmt.Fprintf(&b, " rejected=%s", formatCounts(p.Rejected))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func runSimulation(opts *SimulateOptions, cmd *cobra.Command) error {
	out := opts.formatter(cmd)
	if opts.Peers < 1 {
		return out.Fail(ExitCommandError, CodeInput, "--peers must be at least 1", nil)
	}
	logger := opts.withLevel("")

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, opts.Timeout)
	defer cancel()

	summary, err := simulate(ctx, opts, logger)
	if err != nil {
		return WrapExitError(ExitFailure, "simulation failed", err)
	}
	if err := out.Success(summary); err != nil {
		return WrapExitError(ExitFailure, "failed to write summary", err)
	}
	for _, p := range summary.Peers {
		if p.Rejected[string(peer.ReasonInternal)] > 0 {
			return NewExitError(ExitFailure, fmt.Sprintf("peer %s hit internal errors", shortID(p.ID)))
		}
	}
	return nil
}

func simulate(ctx context.Context, opts *SimulateOptions, logger *zap.Logger) (SimulationSummary, error) {
	rec := harness.NewRecorder()
	net, err := harness.StartNetwork(ctx, harness.NetworkOptions{
		Peers:      opts.Peers,
		Validators: opts.Peers >= fano.Size,
		Keys:       func(int) (*identity.KeyPair, error) { return identity.Generate() },
		Seed:       opts.Seed,
		Logger:     logger,
		Recorder:   rec,
	})
	if err != nil {
		return SimulationSummary{}, err
	}

	summary, err := drive(ctx, net.Peers, opts)
	if err == nil {
		err = rec.Settle(ctx, opts.Settle)
	}
	if werr := net.Stop(); werr != nil && err == nil {
		err = werr
	}
	if err != nil {
		return SimulationSummary{}, err
	}

	summary.Validators = len(net.Validators)
	summary.Peers = summarize(net.Peers, rec.Records())
	return summary, nil
}

// summarize counts each peer's outcomes by type or reject reason.
func summarize(peers []*peer.Peer, records []harness.Record) []PeerSummary {
	out := make([]PeerSummary, len(peers))
	for i, p := range peers {
		out[i] = PeerSummary{ID: p.ID(), History: len(p.History()), Accepted: make(map[string]int)}
	}
	for _, r := range records {
		ps := &out[r.Peer]
		switch r.Outcome.Status {
		case peer.StatusAccepted:
			ps.Accepted[string(r.Outcome.Signed.Event.Type)]++
		case peer.StatusPending:
			ps.Pending++
		case peer.StatusRejected:
			reason := peer.ReasonInternal
			var re *peer.RejectError
			if errors.As(r.Outcome.Err, &re) {
				reason = re.Reason
			}
			if ps.Rejected == nil {
				ps.Rejected = make(map[string]int)
			}
			ps.Rejected[string(reason)]++
		}
	}
	return out
}

// drive publishes the scripted workload.
func drive(ctx context.Context, peers []*peer.Peer, opts *SimulateOptions) (SimulationSummary, error) {
	var summary SimulationSummary
	first := peers[0]

	mint := event.MintToken{TokenID: "TOKEN-1", Name: "Harmonic", Supply: 1000}
	if _, err := first.Publish(ctx, mint, event.LevelPeerToPeer); err != nil {
		return summary, fmt.Errorf("mint: %w", err)
	}

	for r := 0; r < opts.Readings; r++ {
		for i, p := range peers {
			reading := event.SensorReading{
				SensorID:  fmt.Sprintf("sensor-%d", i),
				Metric:    "temperature",
				Value:     20 + float64(r) + float64(i)/10,
				Unit:      "C",
				Timestamp: time.Now().UnixMilli(),
			}
			if _, err := p.Publish(ctx, reading, event.LevelPeerToPeer); err != nil {
				return summary, fmt.Errorf("reading: %w", err)
			}
		}
	}

	if opts.AgentSteps > 0 {
		if err := first.HostAgent(ctx, simAgent); err != nil {
			return summary, fmt.Errorf("host agent: %w", err)
		}
		for i := 0; i < opts.AgentSteps; i++ {
			if _, err := first.RunAgentStep(ctx, simAgent); err != nil {
				return summary, fmt.Errorf("agent step %d: %w", i, err)
			}
		}
	}

	if len(peers) < fano.Size {
		return summary, nil
	}
	for i := 0; i < opts.Rounds; i++ {
		qa, err := first.RunConsensusRound(ctx, "")
		if err != nil {
			return summary, fmt.Errorf("consensus round: %w", err)
		}
		summary.Rounds = append(summary.Rounds, RoundResult{Seed: qa.RoundSeed, Quorum: qa.Quorum})
	}
	hvac := event.HVACCommand{DeviceID: "hvac-1", Mode: "cool", TargetCelsius: 21, Timestamp: time.Now().UnixMilli()}
	if _, err := first.Publish(ctx, hvac, event.LevelGroup); err != nil {
		return summary, fmt.Errorf("group command: %w", err)
	}
	return summary, nil
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func shortIDs(ids []string) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = shortID(id)
	}
	return out
}

func formatCounts(m map[string]int) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s:%d", k, m[k])
	}
	return "{" + strings.Join(parts, " ") + "}"
}
