package harness

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/ulp/internal/event"
	"github.com/roach88/ulp/internal/peer"
	"github.com/roach88/ulp/internal/sexpr"
	"github.com/roach88/ulp/internal/testutil"
)

// Harness executes one scenario against a fresh network.
type Harness struct {
	scenario *Scenario
	net      *Network
	rec      *Recorder
	clock    *testutil.ManualClock
	logger   *zap.Logger

	// published holds, per publish step, the event and its wire bytes.
	published map[int]published
}

type published struct {
	event event.Event
	wire  []byte
}

// Option configures Run.
type Option func(*Harness)

// WithLogger sets the logger handed to every peer. Peers are silent by
// default.
func WithLogger(l *zap.Logger) Option {
	return func(h *Harness) {
		if l != nil {
			h.logger = l
		}
	}
}

// Run executes a scenario and returns the result.
//
// Each run starts a new network on a manual clock, so a scenario's trace
// only depends on its own steps. Step failures and failed assertions are
// reported through Result; the error return is reserved for a harness
// that could not run at all.
func Run(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	h := &Harness{
		scenario:  scenario,
		rec:       NewRecorder(),
		clock:     testutil.NewManualClock(scenario.start()),
		logger:    zap.NewNop(),
		published: make(map[int]published),
	}
	for _, opt := range opts {
		opt(h)
	}

	netOpts := NetworkOptions{
		Peers:      scenario.Peers,
		Validators: scenario.Validators,
		Now:        h.clock.Now,
		Seed:       1,
		Seeds:      peer.NewFixedSeedGenerator(scenario.Seeds...),
		Logger:     h.logger,
		Recorder:   h.rec,
	}
	switch scenario.Rectify {
	case "", RectifyNever:
		netOpts.Trigger = func(string, string) bool { return false }
	case RectifyAlways:
		netOpts.Trigger = func(string, string) bool { return true }
	}

	net, err := StartNetwork(ctx, netOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to start network: %w", err)
	}
	h.net = net
	defer net.Stop()

	result := NewResult()
	for i, step := range scenario.Steps {
		if err := h.executeStep(ctx, i, step, result); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
	}

	actx := &AssertionContext{Ctx: ctx, Network: net, Resolve: h.resolve}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

// executeStep runs one step, waits for the network to go quiet and
// records the outcomes it caused. Only a cancelled context is returned
// as an error.
func (h *Harness) executeStep(ctx context.Context, i int, step Step, result *Result) error {
	before := h.rec.Len()

	var actionErr error
	for n := 0; n < max(step.Repeat, 1) && actionErr == nil; n++ {
		actionErr = h.act(ctx, i, step)
	}

	switch {
	case errors.Is(actionErr, context.Canceled) || errors.Is(actionErr, context.DeadlineExceeded):
		return actionErr
	case step.ExpectError != "" && actionErr == nil:
		result.AddError(fmt.Sprintf("steps[%d]: expected error containing %q, got none", i, step.ExpectError))
	case step.ExpectError != "" && !strings.Contains(actionErr.Error(), step.ExpectError):
		result.AddError(fmt.Sprintf("steps[%d]: expected error containing %q, got %q", i, step.ExpectError, actionErr))
	case step.ExpectError == "" && actionErr != nil:
		result.AddError(fmt.Sprintf("steps[%d]: %v", i, actionErr))
	}

	if err := h.rec.Settle(ctx, h.scenario.settle()); err != nil {
		return err
	}

	records := h.rec.Since(before)
	entries := make([]TraceEntry, 0, len(records))
	for _, rec := range records {
		entries = append(entries, traceEntry(i, rec))
	}
	result.addStep(entries)
	return nil
}

// act performs the step's action once.
func (h *Harness) act(ctx context.Context, i int, step Step) error {
	p := h.net.Peers[step.Peer]

	switch {
	case step.Publish != nil:
		return h.publish(ctx, i, step.Peer, step.Publish)

	case step.Deliver != "":
		data, err := hex.DecodeString(step.Deliver)
		if err != nil {
			return err
		}
		if !p.Deliver(data) {
			return peer.ErrStopped
		}
		return nil

	case step.Redeliver != nil:
		pub, ok := h.published[*step.Redeliver]
		if !ok {
			return fmt.Errorf("step %d published nothing", *step.Redeliver)
		}
		if !p.Deliver(pub.wire) {
			return peer.ErrStopped
		}
		return nil

	case step.InitializeEntity != nil:
		return p.InitializeEntity(ctx, step.InitializeEntity.ID, step.InitializeEntity.Bases)

	case step.UpdateEntity != "":
		_, err := p.UpdateEntity(ctx, step.UpdateEntity)
		return err

	case step.HostAgent != "":
		return p.HostAgent(ctx, step.HostAgent)

	case step.AgentStep != "":
		_, err := p.RunAgentStep(ctx, step.AgentStep)
		return err

	case step.ConsensusRound:
		_, err := p.RunConsensusRound(ctx, "")
		return err

	case step.AdvanceClock != "":
		d, err := time.ParseDuration(step.AdvanceClock)
		if err != nil {
			return err
		}
		h.clock.Advance(d)
		return nil
	}
	return fmt.Errorf("step has no action")
}

func (h *Harness) publish(ctx context.Context, i, member int, ps *PublishStep) error {
	fields, err := h.toValue(ps.Payload)
	if err != nil {
		return fmt.Errorf("payload: %w", err)
	}
	payload, err := event.DecodePayload(event.Type(ps.Type), fields)
	if err != nil {
		return err
	}

	ev, err := h.net.Peers[member].Publish(ctx, payload, event.ConsensusLevel(ps.Level))
	if err != nil {
		return err
	}

	// Ed25519 signatures are deterministic, so re-signing reproduces the
	// exact bytes the peer broadcast.
	se, err := event.Sign(ev, h.net.Keys[member])
	if err != nil {
		return err
	}
	wire, err := event.EncodeSigned(se)
	if err != nil {
		return err
	}
	h.published[i] = published{event: ev, wire: wire}
	return nil
}

// resolve expands @peerN and @stepN references. Other strings are
// returned unchanged.
func (h *Harness) resolve(s string) (string, error) {
	switch {
	case strings.HasPrefix(s, "@peer"):
		n, err := strconv.Atoi(strings.TrimPrefix(s, "@peer"))
		if err != nil || n < 0 || n >= len(h.net.Keys) {
			return "", fmt.Errorf("unknown peer reference %q", s)
		}
		return h.net.Keys[n].ID(), nil
	case strings.HasPrefix(s, "@step"):
		n, err := strconv.Atoi(strings.TrimPrefix(s, "@step"))
		if err != nil {
			return "", fmt.Errorf("bad step reference %q", s)
		}
		pub, ok := h.published[n]
		if !ok {
			return "", fmt.Errorf("step reference %q: step published nothing", s)
		}
		return pub.event.ID(), nil
	}
	return s, nil
}

// toValue converts a decoded YAML value into its canonical form,
// resolving references in strings.
func (h *Harness) toValue(v any) (sexpr.Value, error) {
	return toValue(v, h.resolve)
}

func toValue(v any, resolve func(string) (string, error)) (sexpr.Value, error) {
	switch val := v.(type) {
	case nil:
		return sexpr.Null{}, nil
	case bool:
		return sexpr.Bool(val), nil
	case int:
		return sexpr.Int64(val), nil
	case int64:
		return sexpr.Int64(val), nil
	case uint64:
		return sexpr.Int64(int64(val)), nil
	case float64:
		return sexpr.Float64(val), nil
	case string:
		s, err := resolve(val)
		if err != nil {
			return nil, err
		}
		return sexpr.String(s), nil
	case []any:
		out := make(sexpr.List, len(val))
		for i, elem := range val {
			ev, err := toValue(elem, resolve)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = ev
		}
		return out, nil
	case map[string]any:
		fields := make(map[string]sexpr.Value, len(val))
		for k, elem := range val {
			ev, err := toValue(elem, resolve)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			fields[k] = ev
		}
		return sexpr.Record(fields)
	}
	return nil, fmt.Errorf("unsupported value %v (%T)", v, v)
}

// plain turns a canonical value into JSON-friendly Go values. Records
// become maps.
func plain(v sexpr.Value) any {
	l, ok := v.(sexpr.List)
	if !ok {
		return sexpr.Native(v)
	}
	if len(l) > 0 && isRecord(l) {
		if fields, err := sexpr.Fields(l); err == nil {
			out := make(map[string]any, len(fields))
			for k, fv := range fields {
				out[k] = plain(fv)
			}
			return out
		}
	}
	out := make([]any, len(l))
	for i, elem := range l {
		out[i] = plain(elem)
	}
	return out
}

func isRecord(l sexpr.List) bool {
	for _, entry := range l {
		pair, ok := entry.(sexpr.List)
		if !ok || len(pair) != 2 {
			return false
		}
		if _, ok := pair[0].(sexpr.Symbol); !ok {
			return false
		}
	}
	return true
}

// traceEntry flattens one recorded outcome.
func traceEntry(step int, rec Record) TraceEntry {
	out := rec.Outcome
	e := TraceEntry{
		Step:    step,
		Peer:    rec.Peer,
		Status:  string(out.Status),
		EventID: out.EventID,
	}
	if ev := out.Signed.Event; ev.Type != "" {
		e.Type = string(ev.Type)
		e.Level = string(ev.Level)
		if v, err := sexpr.ToValue(ev.Payload); err == nil {
			if m, ok := plain(v).(map[string]any); ok {
				e.Payload = m
			}
		}
	}
	if out.Status == peer.StatusRejected {
		e.Reason = string(peer.ReasonInternal)
		var re *peer.RejectError
		if errors.As(out.Err, &re) {
			e.Reason = string(re.Reason)
		}
	}
	return e
}
