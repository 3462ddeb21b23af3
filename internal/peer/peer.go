package peer

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/ulp/internal/agent"
	"github.com/roach88/ulp/internal/axiom"
	"github.com/roach88/ulp/internal/car"
	"github.com/roach88/ulp/internal/cep"
	"github.com/roach88/ulp/internal/crt"
	"github.com/roach88/ulp/internal/event"
	"github.com/roach88/ulp/internal/fano"
	"github.com/roach88/ulp/internal/harmonic"
	"github.com/roach88/ulp/internal/identity"
	"github.com/roach88/ulp/internal/telemetry"
)

// Transport delivers opaque signed messages to the rest of the peer set.
// Delivery order across peers is not guaranteed.
type Transport interface {
	Broadcast(ctx context.Context, data []byte) error
}

// Status is the result of handling one message.
type Status string

const (
	StatusAccepted Status = "ACCEPTED"
	StatusPending  Status = "PENDING"
	StatusRejected Status = "REJECTED"
)

// Outcome reports what the loop did with one event. Err is a *RejectError
// when Status is StatusRejected.
type Outcome struct {
	Status  Status
	Signed  event.SignedEvent
	EventID string
	Err     error
}

// pendingEvent is a consensus event waiting for quorum endorsement.
type pendingEvent struct {
	signed event.SignedEvent
	unit   harmonic.Unit
}

// Peer is one node of the runtime.
//
// Thread-safety model:
//   - Deliver(), Publish(), RunConsensusRound(): safe from any goroutine
//   - Command methods (InitializeEntity, UpdateEntity, HostAgent,
//     RunAgentStep): safe from any goroutine; they block until Run
//     executes them
//   - Snapshot(), History(), Checkpoint(): safe from any goroutine
//   - Run(): must be called from exactly one goroutine
type Peer struct {
	kp        *identity.KeyPair
	logger    *zap.Logger
	metrics   *telemetry.Metrics
	now       func() time.Time
	rng       *rand.Rand
	transport Transport
	gate      axiom.Validator
	selector  *fano.Selector
	seeds     SeedGenerator
	rectifier *car.Rectifier
	trigger   func(harmonicID, identityID string) bool
	onOutcome func(Outcome)
	agentCfg  agent.Config
	inbox     *inbox

	// mu is held by the loop for the duration of each message.
	mu           sync.Mutex
	loopCtx      context.Context
	window       *harmonic.Window
	cep          *cep.Engine[event.SignedEvent]
	revoked      *car.RevocationSet
	ledger       *ledger
	pending      map[string]pendingEvent
	endorsements map[string]map[string]struct{}
	orphans      []string
	entities     map[string]*crt.EntityState
	agents       map[string]*agent.Agent
}

// New creates a peer signing as kp. A validator set, when given, must
// hold exactly seven distinct identities.
func New(kp *identity.KeyPair, opts ...Option) (*Peer, error) {
	if kp == nil {
		return nil, errors.New("peer: key pair is required")
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.metrics == nil {
		cfg.metrics = telemetry.New(kp.ID())
	}

	var selector *fano.Selector
	if len(cfg.validators) > 0 {
		s, err := fano.NewSelector(cfg.validators)
		if err != nil {
			return nil, fmt.Errorf("peer: validator set: %w", err)
		}
		selector = s
	}

	logger := cfg.logger.With(zap.String("peer", short(kp.ID())))
	p := &Peer{
		kp:        kp,
		logger:    logger,
		metrics:   cfg.metrics,
		now:       cfg.now,
		rng:       cfg.rng,
		transport: cfg.transport,
		gate:      cfg.gate,
		selector:  selector,
		seeds:     cfg.seeds,
		rectifier: car.NewRectifier(kp, car.WithClock(cfg.now), car.WithTTL(cfg.proofTTL)),
		trigger:   cfg.trigger,
		onOutcome: cfg.onOutcome,
		agentCfg:  cfg.agentCfg,
		inbox:     newInbox(),

		loopCtx:      context.Background(),
		window:       harmonic.NewWindow(cfg.windowCap),
		cep:          cep.New[event.SignedEvent](cep.WithCapacity(cfg.cepCap), cep.WithLogger(logger)),
		revoked:      car.NewRevocationSet(),
		ledger:       newLedger(),
		pending:      make(map[string]pendingEvent),
		endorsements: make(map[string]map[string]struct{}),
		entities:     make(map[string]*crt.EntityState),
		agents:       make(map[string]*agent.Agent),
	}
	if err := p.cep.RegisterRule(p.resonanceRule()); err != nil {
		return nil, fmt.Errorf("peer: register resonance rule: %w", err)
	}
	return p, nil
}

// ID returns the peer's public identity.
func (p *Peer) ID() string { return p.kp.ID() }

// Metrics returns the peer's collectors.
func (p *Peer) Metrics() *telemetry.Metrics { return p.metrics }

// Run processes the inbox until ctx is cancelled or Stop is called.
// Returns ctx.Err() on cancellation and nil after Stop once the inbox
// has drained.
func (p *Peer) Run(ctx context.Context) error {
	p.mu.Lock()
	p.loopCtx = ctx
	p.mu.Unlock()

	p.logger.Info("peer starting")

	for {
		if ctx.Err() != nil {
			return p.cancelled(ctx)
		}

		m, ok := p.inbox.TryDequeue()
		if ok {
			p.metrics.InboxDepth.Set(float64(p.inbox.Len()))
			p.dispatch(m)
			continue
		}

		select {
		case <-ctx.Done():
			return p.cancelled(ctx)

		case <-p.inbox.Wait():
			// The signal channel closes with the inbox; keep draining
			// until nothing is left.
			if p.inbox.Closed() && p.inbox.Len() == 0 {
				p.logger.Info("peer stopping: inbox closed")
				return nil
			}
		}
	}
}

// Stop closes the inbox. Run returns once queued messages are handled.
func (p *Peer) Stop() {
	p.inbox.Close()
}

// cancelled closes the inbox and fails the commands left in it so their
// callers return. Queued wire messages are dropped.
func (p *Peer) cancelled(ctx context.Context) error {
	p.logger.Info("peer stopping: context cancelled", zap.Int("dropped", p.inbox.Len()))
	p.inbox.Close()
	p.abandon()
	return ctx.Err()
}

func (p *Peer) abandon() {
	for {
		m, ok := p.inbox.TryDequeue()
		if !ok {
			return
		}
		if m.done != nil {
			m.done <- ErrStopped
		}
	}
}

// Deliver queues wire bytes received from the transport. Returns false
// once the peer has stopped.
func (p *Peer) Deliver(data []byte) bool {
	cp := make([]byte, len(data))
	copy(cp, data)
	if !p.inbox.Enqueue(message{data: cp}) {
		return false
	}
	p.metrics.InboxDepth.Set(float64(p.inbox.Len()))
	return true
}

// Publish signs payload at level, queues it for local handling and
// broadcasts it. The local copy goes through the same checks as inbound
// events. A broadcast failure is returned alongside the event.
func (p *Peer) Publish(ctx context.Context, payload event.Payload, level event.ConsensusLevel) (event.Event, error) {
	ev, err := event.New(payload, level, p.now())
	if err != nil {
		return event.Event{}, fmt.Errorf("peer: new event: %w", err)
	}
	se, err := event.Sign(ev, p.kp)
	if err != nil {
		return event.Event{}, fmt.Errorf("peer: sign event: %w", err)
	}
	data, err := event.EncodeSigned(se)
	if err != nil {
		return event.Event{}, fmt.Errorf("peer: encode event: %w", err)
	}

	if !p.inbox.Enqueue(message{data: data}) {
		return event.Event{}, ErrStopped
	}
	if p.transport != nil {
		if err := p.transport.Broadcast(ctx, data); err != nil {
			p.logger.Warn("broadcast failed",
				zap.String("event_type", string(ev.Type)),
				zap.Error(err),
			)
			return ev, fmt.Errorf("peer: broadcast: %w", err)
		}
	}
	return ev, nil
}

// do runs fn on the loop goroutine and waits for it.
func (p *Peer) do(ctx context.Context, fn func(loopCtx context.Context) error) error {
	done := make(chan error, 1)
	if !p.inbox.Enqueue(message{command: fn, done: done}) {
		return ErrStopped
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dispatch handles one message under mu.
// CRITICAL: Called only from Run() goroutine - single-writer guarantee.
func (p *Peer) dispatch(m message) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if m.command != nil {
		m.done <- p.runCommand(m.command)
		return
	}

	out := p.safeHandle(m.data)
	p.emit(out)
}

func (p *Peer) runCommand(fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("command panicked", zap.Any("panic", r))
			err = fmt.Errorf("peer: command panicked: %v", r)
		}
	}()
	return fn(p.loopCtx)
}

// safeHandle converts a panic in handling into an INTERNAL rejection so
// the loop keeps serving.
func (p *Peer) safeHandle(data []byte) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = p.rejected(out, ReasonInternal, fmt.Errorf("panic: %v", r))
		}
	}()
	return p.handle(p.loopCtx, data)
}

func (p *Peer) emit(out Outcome) {
	if p.onOutcome != nil {
		p.onOutcome(out)
	}
}

// History returns the CEP history, oldest first.
func (p *Peer) History() []event.SignedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cep.History()
}
