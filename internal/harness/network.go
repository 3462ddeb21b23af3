package harness

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/ulp/internal/fano"
	"github.com/roach88/ulp/internal/identity"
	"github.com/roach88/ulp/internal/peer"
	"github.com/roach88/ulp/internal/transport"
)

// SeededKey returns the key pair for network member i. The seed is 32
// copies of byte i+1, so member identities are stable across runs.
func SeededKey(i int) (*identity.KeyPair, error) {
	return identity.FromSeed(bytes.Repeat([]byte{byte(i + 1)}, ed25519.SeedSize))
}

// Record is one outcome emitted by one peer.
type Record struct {
	Peer    int
	Outcome peer.Outcome
}

// Recorder collects outcomes from every peer of a network.
//
// Thread-safety: hooks run on each peer's loop goroutine; all methods
// are safe for concurrent use.
type Recorder struct {
	mu      sync.Mutex
	records []Record
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Hook returns the outcome hook for peer i.
func (r *Recorder) Hook(i int) func(peer.Outcome) {
	return func(out peer.Outcome) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.records = append(r.records, Record{Peer: i, Outcome: out})
	}
}

// Len returns the number of outcomes recorded so far.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// Since returns the outcomes recorded after the first n.
func (r *Recorder) Since(n int) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n >= len(r.records) {
		return nil
	}
	return append([]Record(nil), r.records[n:]...)
}

// Records returns every outcome in arrival order.
func (r *Recorder) Records() []Record {
	return r.Since(0)
}

// Settle waits until no outcome has been recorded for quiet.
func (r *Recorder) Settle(ctx context.Context, quiet time.Duration) error {
	tick := quiet / 5
	if tick <= 0 {
		tick = time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	last, since := r.Len(), time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n := r.Len(); n != last {
				last, since = n, time.Now()
				continue
			}
			if time.Since(since) >= quiet {
				return nil
			}
		}
	}
}

// NetworkOptions configures an in-process network.
type NetworkOptions struct {
	// Peers is the network size.
	Peers int

	// Validators makes the first seven members the validator set.
	Validators bool

	// Keys produces member i's key pair. Defaults to SeededKey.
	Keys func(i int) (*identity.KeyPair, error)

	// Now is the clock shared by every peer. Defaults to time.Now.
	Now func() time.Time

	// Seed feeds each peer's random source together with its index.
	Seed uint64

	// Seeds supplies consensus round seeds. Nil uses UUIDv7 seeds.
	Seeds peer.SeedGenerator

	// Trigger replaces the rectification trigger when set.
	Trigger func(harmonicID, identityID string) bool

	Logger   *zap.Logger
	Recorder *Recorder
}

// Network is a set of peers joined over an in-memory hub.
type Network struct {
	Hub        *transport.Hub
	Peers      []*peer.Peer
	Keys       []*identity.KeyPair
	Validators []string

	cancel context.CancelFunc
	group  *errgroup.Group
}

// StartNetwork builds the peers and starts their loops. Call Stop to end
// them.
func StartNetwork(ctx context.Context, opts NetworkOptions) (*Network, error) {
	if opts.Peers < 1 {
		return nil, fmt.Errorf("network needs at least one peer, got %d", opts.Peers)
	}
	if opts.Validators && opts.Peers < fano.Size {
		return nil, fmt.Errorf("validators need at least %d peers, have %d", fano.Size, opts.Peers)
	}
	keys := opts.Keys
	if keys == nil {
		keys = SeededKey
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	n := &Network{Hub: transport.NewHub(transport.WithLogger(logger))}
	for i := 0; i < opts.Peers; i++ {
		kp, err := keys(i)
		if err != nil {
			return nil, fmt.Errorf("key for peer %d: %w", i, err)
		}
		n.Keys = append(n.Keys, kp)
	}
	if opts.Validators {
		for _, kp := range n.Keys[:fano.Size] {
			n.Validators = append(n.Validators, kp.ID())
		}
	}

	for i, kp := range n.Keys {
		peerOpts := []peer.Option{
			peer.WithLogger(logger),
			peer.WithTransport(n.Hub.Link(kp.ID())),
			peer.WithValidators(n.Validators),
			peer.WithClock(opts.Now),
			peer.WithRand(rand.New(rand.NewPCG(opts.Seed, uint64(i)))),
		}
		if opts.Seeds != nil {
			peerOpts = append(peerOpts, peer.WithSeedGenerator(opts.Seeds))
		}
		if opts.Trigger != nil {
			peerOpts = append(peerOpts, peer.WithRectificationTrigger(opts.Trigger))
		}
		if opts.Recorder != nil {
			peerOpts = append(peerOpts, peer.WithOutcomeHook(opts.Recorder.Hook(i)))
		}
		p, err := peer.New(kp, peerOpts...)
		if err != nil {
			return nil, fmt.Errorf("peer %d: %w", i, err)
		}
		n.Hub.Join(kp.ID(), p)
		n.Peers = append(n.Peers, p)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(loopCtx)
	for _, p := range n.Peers {
		g.Go(func() error {
			if err := p.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	n.cancel, n.group = cancel, g
	return n, nil
}

// Stop cancels every peer loop and waits for them to return.
func (n *Network) Stop() error {
	n.cancel()
	return n.group.Wait()
}
