package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/ulp/internal/config"
	"github.com/roach88/ulp/internal/identity"
	"github.com/roach88/ulp/internal/peer"
	"github.com/roach88/ulp/internal/store"
	"github.com/roach88/ulp/internal/telemetry"
	"github.com/roach88/ulp/internal/transport"
)

// shutdownTimeout bounds HTTP server shutdown.
const shutdownTimeout = 5 * time.Second

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	StatePath string
	Listen    string
	Peers     []string

	// onListen is called with the bound address once the node accepts
	// connections. Tests use it to learn an ephemeral port.
	onListen func(addr string)
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return newRunCommand(&RunOptions{RootOptions: rootOpts})
}

func newRunCommand(opts *RunOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a peer node",
		Long: `Run a peer node until interrupted.

The node restores its identity and state from the SQLite state file
(generating a fresh identity on first start), accepts websocket peers on
/ws, dials the configured peers and serves Prometheus metrics on
/metrics. State is checkpointed periodically and on shutdown.

Example:
  ulp run --config node.yaml
  ulp run --state ./a.db --listen 127.0.0.1:7401 --peer ws://127.0.0.1:7400/ws`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.StatePath, "state", "", "path to SQLite state file (overrides config)")
	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (overrides config)")
	cmd.Flags().StringSliceVar(&opts.Peers, "peer", nil, "websocket URL of a peer to dial (repeatable, adds to config)")

	return cmd
}

// loadConfig reads the --config file, or returns defaults without one.
func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// relay hands websocket frames to a peer created after the transport.
type relay struct {
	p atomic.Pointer[peer.Peer]
}

func (r *relay) Deliver(data []byte) bool {
	p := r.p.Load()
	if p == nil {
		return false
	}
	return p.Deliver(data)
}

// resolveKey picks the node identity: the configured key, then the key
// saved with the state, then a fresh one.
func resolveKey(configured string, saved store.State, found bool) (*identity.KeyPair, error) {
	switch {
	case configured != "":
		return identity.Resolve(configured)
	case found && saved.PrivateKey != "":
		return identity.Resolve(saved.PrivateKey)
	default:
		return identity.Generate()
	}
}

func runNode(opts *RunOptions, cmd *cobra.Command) error {
	out := opts.formatter(cmd)

	cfg, err := loadConfig(opts.Config)
	if err != nil {
		return out.Fail(ExitCommandError, CodeConfig, "failed to load config", err)
	}
	if opts.StatePath != "" {
		cfg.StatePath = opts.StatePath
	}
	if opts.Listen != "" {
		cfg.Listen = opts.Listen
	}
	cfg.Peers = append(cfg.Peers, opts.Peers...)

	logger := opts.withLevel(cfg.LogLevel)

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.StatePath)
	if err != nil {
		return out.Fail(ExitCommandError, CodeState, "failed to open state", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("error closing state", zap.Error(closeErr))
		}
	}()

	saved, found, err := st.Load(ctx)
	if err != nil {
		return out.Fail(ExitCommandError, CodeState, "failed to load state", err)
	}
	kp, err := resolveKey(cfg.Key, saved, found)
	if err != nil {
		return out.Fail(ExitCommandError, CodeIdentity, "failed to resolve identity", err)
	}

	metrics := telemetry.New(kp.ID())
	rl := &relay{}
	ws := transport.NewWebSocket(rl, transport.WithLogger(logger))
	p, err := peer.New(kp,
		peer.WithLogger(logger),
		peer.WithMetrics(metrics),
		peer.WithTransport(ws),
		peer.WithValidators(cfg.Validators),
		peer.WithProofTTL(cfg.Rectification.TTL),
		peer.WithWindowCapacity(cfg.Rectification.Window),
		peer.WithCEPCapacity(cfg.Rectification.CEPWindow),
		peer.WithAgentConfig(cfg.Agent.AgentConfig()),
	)
	if err != nil {
		return out.Fail(ExitCommandError, CodeValidators, "failed to create peer", err)
	}
	rl.p.Store(p)
	if found {
		if err := p.Restore(saved); err != nil {
			return out.Fail(ExitCommandError, CodeState, "failed to restore state", err)
		}
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return out.Fail(ExitCommandError, CodeConfig, "failed to listen", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", metrics.Instrument("ws", ws.Handler()))
	servers := []*http.Server{{Handler: mux}}
	listeners := []net.Listener{ln}
	if cfg.MetricsAddr == "" {
		mux.Handle("/metrics", metrics.Handler())
	} else {
		mln, err := net.Listen("tcp", cfg.MetricsAddr)
		if err != nil {
			ln.Close()
			return out.Fail(ExitCommandError, CodeConfig, "failed to listen for metrics", err)
		}
		mmux := http.NewServeMux()
		mmux.Handle("/metrics", metrics.Handler())
		servers = append(servers, &http.Server{Handler: mmux})
		listeners = append(listeners, mln)
	}

	logger.Info("node starting",
		zap.String("id", kp.ID()),
		zap.String("listen", ln.Addr().String()),
		zap.Bool("restored", found),
		zap.Int("validators", len(cfg.Validators)))
	_ = out.Success(nodeInfo{ID: kp.ID(), Listen: ln.Addr().String(), Restored: found})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.Run(gctx)
	})
	for i, srv := range servers {
		g.Go(func() error {
			if err := srv.Serve(listeners[i]); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve %s: %w", listeners[i].Addr(), err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var errs []error
		for _, srv := range servers {
			errs = append(errs, srv.Shutdown(sctx))
		}
		errs = append(errs, ws.Close())
		return errors.Join(errs...)
	})
	if cfg.CheckpointInterval > 0 {
		g.Go(func() error {
			checkpointLoop(gctx, p, st, cfg.CheckpointInterval, logger)
			return nil
		})
	}
	for _, url := range cfg.Peers {
		if err := ws.Dial(gctx, url); err != nil {
			logger.Warn("peer dial failed", zap.String("url", url), zap.Error(err))
			continue
		}
		logger.Info("peer dialed", zap.String("url", url))
	}
	if opts.onListen != nil {
		opts.onListen(ln.Addr().String())
	}

	runErr := g.Wait()

	if err := p.Checkpoint(context.Background(), st); err != nil {
		logger.Error("final checkpoint failed", zap.Error(err))
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return WrapExitError(ExitFailure, "node error", runErr)
	}
	logger.Info("node stopped")
	return nil
}

func checkpointLoop(ctx context.Context, p *peer.Peer, st *store.Store, every time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Checkpoint(ctx, st); err != nil {
				logger.Error("checkpoint failed", zap.Error(err))
			}
		}
	}
}

type nodeInfo struct {
	ID       string `json:"id"`
	Listen   string `json:"listen"`
	Restored bool   `json:"restored"`
}

func (n nodeInfo) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Node %s listening on %s\n", n.ID, n.Listen)
	if n.Restored {
		b.WriteString("State restored.\n")
	}
	b.WriteString("Press Ctrl-C to stop.\n")
	return b.String()
}
