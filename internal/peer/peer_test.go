package peer

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/roach88/ulp/internal/axiom"
	"github.com/roach88/ulp/internal/event"
	"github.com/roach88/ulp/internal/fano"
	"github.com/roach88/ulp/internal/harmonic"
	"github.com/roach88/ulp/internal/identity"
	tu "github.com/roach88/ulp/internal/testutil"
	"github.com/roach88/ulp/internal/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const waitFor = 5 * time.Second
const tick = 5 * time.Millisecond

// outcomeLog records every outcome a peer reports.
type outcomeLog struct {
	mu   sync.Mutex
	list []Outcome
}

func (l *outcomeLog) record(o Outcome) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.list = append(l.list, o)
}

func (l *outcomeLog) find(pred func(Outcome) bool) (Outcome, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, o := range l.list {
		if pred(o) {
			return o, true
		}
	}
	return Outcome{}, false
}

func (l *outcomeLog) count(pred func(Outcome) bool) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, o := range l.list {
		if pred(o) {
			n++
		}
	}
	return n
}

// wait blocks until an outcome matches pred.
func (l *outcomeLog) wait(t *testing.T, pred func(Outcome) bool) Outcome {
	t.Helper()
	var got Outcome
	require.Eventually(t, func() bool {
		var ok bool
		got, ok = l.find(pred)
		return ok
	}, waitFor, tick)
	return got
}

func accepted(id string) func(Outcome) bool {
	return func(o Outcome) bool { return o.Status == StatusAccepted && o.EventID == id }
}

func rejectedWith(reason RejectReason) func(Outcome) bool {
	return func(o Outcome) bool { return o.Status == StatusRejected && IsRejected(o.Err, reason) }
}

func acceptedType(typ event.Type) func(Outcome) bool {
	return func(o Outcome) bool { return o.Status == StatusAccepted && o.Signed.Event.Type == typ }
}

func seeded(n uint64) *rand.Rand {
	return rand.New(rand.NewPCG(n, n+1))
}

func never(string, string) bool  { return false }
func always(string, string) bool { return true }

// startPeer builds a peer, joins it to hub when one is given, and runs it
// until the test ends.
func startPeer(t *testing.T, kp *identity.KeyPair, hub *transport.Hub, opts ...Option) (*Peer, *outcomeLog) {
	t.Helper()
	log := &outcomeLog{}
	opts = append([]Option{
		WithRand(seeded(uint64(kp.PublicKey()[0]))),
		WithRectificationTrigger(never),
		WithOutcomeHook(log.record),
	}, opts...)
	if hub != nil {
		opts = append(opts, WithTransport(hub.Link(kp.ID())))
	}

	p, err := New(kp, opts...)
	require.NoError(t, err)
	if hub != nil {
		hub.Join(kp.ID(), p)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return p, log
}

func signedBytes(t *testing.T, kp *identity.KeyPair, payload event.Payload, level event.ConsensusLevel, at time.Time) (event.SignedEvent, []byte) {
	t.Helper()
	ev, err := event.New(payload, level, at)
	require.NoError(t, err)
	se, err := event.Sign(ev, kp)
	require.NoError(t, err)
	data, err := event.EncodeSigned(se)
	require.NoError(t, err)
	return se, data
}

func TestNew_ValidatorSetMustHaveSeven(t *testing.T) {
	kp := tu.KeyPair(t, 1)

	_, err := New(kp, WithValidators([]string{"a", "b", "c"}))
	require.ErrorIs(t, err, fano.ErrValidatorCount)

	_, err = New(nil)
	require.Error(t, err)

	p, err := New(kp)
	require.NoError(t, err)
	assert.Equal(t, kp.ID(), p.ID())
}

func TestPublish_AcceptsLocally(t *testing.T) {
	kp := tu.KeyPair(t, 1)
	p, log := startPeer(t, kp, nil)

	ev, err := p.Publish(context.Background(), event.MintToken{TokenID: "tok", Name: "Token", Supply: 10}, event.LevelLocal)
	require.NoError(t, err)

	log.wait(t, accepted(ev.ID()))
	assert.Len(t, p.History(), 1)

	snap := p.Snapshot()
	require.Len(t, snap.Tokens, 1)
	assert.Equal(t, kp.ID(), snap.Tokens[0].Owner)
	assert.Equal(t, float64(1), testutil.ToFloat64(p.Metrics().EventsAccepted.WithLabelValues(string(event.TypeMintToken))))
}

func TestHandle_RejectsGarbage(t *testing.T) {
	p, log := startPeer(t, tu.KeyPair(t, 1), nil)

	require.True(t, p.Deliver([]byte{0xFF, 0x01}))

	log.wait(t, rejectedWith(ReasonDecode))
	assert.Empty(t, p.History())
	assert.Equal(t, float64(1), testutil.ToFloat64(p.Metrics().EventsRejected.WithLabelValues(string(ReasonDecode))))
}

func TestHandle_RejectsBadSignature(t *testing.T) {
	p, log := startPeer(t, tu.KeyPair(t, 1), nil)
	sender := tu.KeyPair(t, 2)

	se, _ := signedBytes(t, sender, event.SensorReading{SensorID: "s1", Metric: "temp", Value: 21.5, Unit: "C"}, event.LevelLocal, time.Now())
	se.Signature[0] ^= 0xFF
	data, err := event.EncodeSigned(se)
	require.NoError(t, err)

	require.True(t, p.Deliver(data))

	out := log.wait(t, rejectedWith(ReasonSignature))
	assert.Equal(t, se.Event.ID(), out.EventID)
	assert.ErrorIs(t, out.Err, event.ErrBadSignature)
}

func TestHandle_RejectsDuplicate(t *testing.T) {
	p, log := startPeer(t, tu.KeyPair(t, 1), nil)
	se, data := signedBytes(t, tu.KeyPair(t, 2), event.HVACCommand{DeviceID: "hvac", Mode: "cool", TargetCelsius: 20}, event.LevelLocal, time.Now())

	require.True(t, p.Deliver(data))
	require.True(t, p.Deliver(data))

	log.wait(t, accepted(se.Event.ID()))
	log.wait(t, rejectedWith(ReasonDuplicate))
	assert.Len(t, p.History(), 1)
}

func TestHandle_AxiomRejectionIsTerminal(t *testing.T) {
	refuse := axiom.ValidatorFunc(func(_, _ harmonic.Unit, level event.ConsensusLevel) error {
		return &axiom.RejectionError{Level: level, Reason: "test"}
	})
	p, log := startPeer(t, tu.KeyPair(t, 1), nil, WithGate(refuse))

	_, err := p.Publish(context.Background(), event.ComputeRequest{JobID: "job", Entry: "main"}, event.LevelLocal)
	require.NoError(t, err)

	out := log.wait(t, rejectedWith(ReasonAxiom))
	var rej *axiom.RejectionError
	assert.True(t, errors.As(out.Err, &rej))
	assert.Empty(t, p.History())
}

func TestHandle_PanicDoesNotStopLoop(t *testing.T) {
	var calls int
	flaky := axiom.ValidatorFunc(func(_, _ harmonic.Unit, _ event.ConsensusLevel) error {
		calls++
		if calls == 1 {
			panic("boom")
		}
		return nil
	})
	p, log := startPeer(t, tu.KeyPair(t, 1), nil, WithGate(flaky))

	_, err := p.Publish(context.Background(), event.SensorReading{SensorID: "a"}, event.LevelLocal)
	require.NoError(t, err)
	second, err := p.Publish(context.Background(), event.SensorReading{SensorID: "b"}, event.LevelLocal)
	require.NoError(t, err)

	log.wait(t, rejectedWith(ReasonInternal))
	log.wait(t, accepted(second.ID()))
}

func TestStop_DrainsThenRefuses(t *testing.T) {
	kp := tu.KeyPair(t, 1)
	log := &outcomeLog{}
	p, err := New(kp, WithOutcomeHook(log.record), WithRectificationTrigger(never))
	require.NoError(t, err)

	ev, err := p.Publish(context.Background(), event.SensorReading{SensorID: "a"}, event.LevelLocal)
	require.NoError(t, err)
	p.Stop()

	require.NoError(t, p.Run(context.Background()))
	_, ok := log.find(accepted(ev.ID()))
	assert.True(t, ok, "queued message handled before Run returned")

	_, err = p.Publish(context.Background(), event.SensorReading{SensorID: "b"}, event.LevelLocal)
	assert.ErrorIs(t, err, ErrStopped)
	assert.False(t, p.Deliver([]byte{0x00}))
	assert.ErrorIs(t, p.InitializeEntity(context.Background(), "e", nil), ErrStopped)
}

func TestRun_CancelFailsQueuedCommands(t *testing.T) {
	p, err := New(tu.KeyPair(t, 1))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- p.InitializeEntity(context.Background(), "e", nil) }()

	require.Eventually(t, func() bool { return p.inbox.Len() == 1 }, waitFor, tick)
	cancel()
	assert.ErrorIs(t, p.Run(ctx), context.Canceled)
	assert.ErrorIs(t, <-errc, ErrStopped)
}
