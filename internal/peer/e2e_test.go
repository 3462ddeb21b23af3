package peer

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ulp/internal/car"
	"github.com/roach88/ulp/internal/event"
	"github.com/roach88/ulp/internal/harmonic"
	"github.com/roach88/ulp/internal/identity"
	tu "github.com/roach88/ulp/internal/testutil"
	"github.com/roach88/ulp/internal/transport"
)

func proofOf(o Outcome) (event.RectificationProof, bool) {
	p, ok := o.Signed.Event.Payload.(event.RectificationProof)
	return p, ok
}

// A mints E1, B accepts it; A's next event rectifies E1 and B verifies
// the proof; after A revokes E1 the same proof is refused by B.
func TestE2E_RectificationThenRevocation(t *testing.T) {
	ctx := context.Background()
	hub := transport.NewHub()
	kpA, kpB := tu.KeyPair(t, 1), tu.KeyPair(t, 2)

	a, logA := startPeer(t, kpA, hub, WithRectificationTrigger(always))
	b, logB := startPeer(t, kpB, hub)

	e1, err := a.Publish(ctx, event.MintToken{TokenID: "ulp", Name: "Universal", Supply: 1000}, event.LevelLocal)
	require.NoError(t, err)
	logB.wait(t, accepted(e1.ID()))
	assert.Len(t, b.History(), 1)

	e2, err := a.Publish(ctx, event.SensorReading{SensorID: "s-1", Metric: "temp", Value: 20.5, Unit: "C"}, event.LevelLocal)
	require.NoError(t, err)
	logB.wait(t, accepted(e2.ID()))

	proofOut := logB.wait(t, func(o Outcome) bool {
		p, ok := proofOf(o)
		return ok && o.Status == StatusAccepted && p.RectifiedEventID == e1.ID()
	})
	proof, _ := proofOf(proofOut)
	assert.Equal(t, e2.ID(), proof.RectifyingEventID)
	assert.Equal(t, kpA.ID(), proof.SignerIdentity)
	assert.Equal(t, float64(1), testutil.ToFloat64(a.Metrics().ProofsGenerated))
	assert.Equal(t, float64(1), testutil.ToFloat64(b.Metrics().ProofsVerified))

	revoke, err := a.Publish(ctx, event.RevokeProof{ProofIDToRevoke: e1.ID()}, event.LevelLocal)
	require.NoError(t, err)
	logB.wait(t, accepted(revoke.ID()))
	logA.wait(t, accepted(revoke.ID()))
	assert.Contains(t, b.Snapshot().Revocations, e1.ID())

	replay, err := event.EncodeSigned(proofOut.Signed)
	require.NoError(t, err)
	require.True(t, b.Deliver(replay))

	out := logB.wait(t, rejectedWith(ReasonRevoked))
	assert.Equal(t, proofOut.EventID, out.EventID)
	assert.ErrorIs(t, out.Err, car.ErrRevoked)
}

func TestProof_ExpiredIsRejected(t *testing.T) {
	clock := tu.NewManualClock(time.UnixMilli(1_700_000_000_000))
	signer := tu.KeyPair(t, 2)
	p, log := startPeer(t, tu.KeyPair(t, 1), nil, WithClock(clock.Now))

	proof := generateProof(t, signer, clock)
	_, data := signedBytes(t, signer, *proof, event.LevelPeerToPeer, clock.Now())

	clock.Advance(car.DefaultTTL + time.Second)
	require.True(t, p.Deliver(data))

	out := log.wait(t, rejectedWith(ReasonExpired))
	assert.ErrorIs(t, out.Err, car.ErrExpired)
}

func TestProof_ForgedSignatureIsRejected(t *testing.T) {
	clock := tu.NewManualClock(time.UnixMilli(1_700_000_000_000))
	signer := tu.KeyPair(t, 2)
	p, log := startPeer(t, tu.KeyPair(t, 1), nil, WithClock(clock.Now))

	proof := generateProof(t, signer, clock)
	proof.SignerIdentity = tu.KeyPair(t, 3).ID()
	_, data := signedBytes(t, signer, *proof, event.LevelPeerToPeer, clock.Now())

	require.True(t, p.Deliver(data))
	log.wait(t, rejectedWith(ReasonProofSignature))
}

func TestProof_WrongWorkIsRejectedWhenUnitsKnown(t *testing.T) {
	clock := tu.NewManualClock(time.UnixMilli(1_700_000_000_000))
	signer := tu.KeyPair(t, 2)
	p, log := startPeer(t, tu.KeyPair(t, 1), nil, WithClock(clock.Now))

	older, olderData := signedBytes(t, signer, event.SensorReading{SensorID: "old"}, event.LevelLocal, clock.Now())
	newer, newerData := signedBytes(t, signer, event.SensorReading{SensorID: "new"}, event.LevelLocal, clock.Now())
	require.True(t, p.Deliver(olderData))
	require.True(t, p.Deliver(newerData))
	log.wait(t, accepted(newer.Event.ID()))

	// A proof whose hash does not come from the referenced units.
	proof := event.RectificationProof{
		RectifiedEventID:    older.Event.ID(),
		RectifyingEventID:   newer.Event.ID(),
		ProofHash:           "00000000",
		Nonce:               0,
		Timestamp:           clock.Now().UnixMilli(),
		ExpirationTimestamp: clock.Now().Add(time.Minute).UnixMilli(),
		SignerIdentity:      signer.ID(),
	}
	msg, err := proof.SigningBytes()
	require.NoError(t, err)
	proof.Signature = signer.Sign(msg)

	_, data := signedBytes(t, signer, proof, event.LevelPeerToPeer, clock.Now())
	require.True(t, p.Deliver(data))
	log.wait(t, rejectedWith(ReasonProofWork))
}

// generateProof links two units the receiving peer has never seen, so
// only the signature, expiry and revocation checks apply.
func generateProof(t *testing.T, signer *identity.KeyPair, clock *tu.ManualClock) *event.RectificationProof {
	t.Helper()
	r := car.NewRectifier(signer, car.WithClock(clock.Now))
	older := harmonic.NewUnit("older", []byte("older payload"))
	newer := harmonic.NewUnit("newer", []byte("newer payload"))

	proof, err := r.Generate(context.Background(), newer, older, event.LevelGlobal)
	require.NoError(t, err)
	require.NotNil(t, proof)
	return proof
}

// Seven validators: a GROUP event commits on every peer only after two
// members of its Fano quorum endorse it.
func TestQuorum_GroupEventCommitsAfterEndorsements(t *testing.T) {
	ctx := context.Background()
	hub := transport.NewHub()
	kps := tu.KeyPairs(t, 7)
	ids := make([]string, len(kps))
	for i, kp := range kps {
		ids[i] = kp.ID()
	}

	peers := make([]*Peer, len(kps))
	logs := make([]*outcomeLog, len(kps))
	for i, kp := range kps {
		peers[i], logs[i] = startPeer(t, kp, hub, WithValidators(ids))
	}

	ev, err := peers[0].Publish(ctx, event.SensorReading{SensorID: "grid", Metric: "load", Value: 0.7}, event.LevelGroup)
	require.NoError(t, err)

	for i := range peers {
		logs[i].wait(t, accepted(ev.ID()))
	}

	quorum := peers[0].selector.Quorum(ev.ID())
	endorsers := map[string]bool{}
	for _, l := range logs {
		l.mu.Lock()
		for _, o := range l.list {
			if e, ok := o.Signed.Event.Payload.(event.QuorumEndorsement); ok && e.EventID == ev.ID() && o.Status == StatusAccepted {
				endorsers[o.Signed.Source] = true
			}
		}
		l.mu.Unlock()
	}
	for src := range endorsers {
		assert.Contains(t, quorum, src, "only quorum members endorse")
	}
	assert.GreaterOrEqual(t, len(endorsers), endorsementThreshold)
}

func (p *Peer) endorsementEntries() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.endorsements)
}

// Late third votes must not leave bookkeeping behind once every event
// committed everywhere.
func TestQuorum_CommittedEventsLeaveNoEndorsements(t *testing.T) {
	ctx := context.Background()
	hub := transport.NewHub()
	kps := tu.KeyPairs(t, 7)
	ids := make([]string, len(kps))
	for i, kp := range kps {
		ids[i] = kp.ID()
	}

	peers := make([]*Peer, len(kps))
	logs := make([]*outcomeLog, len(kps))
	for i, kp := range kps {
		peers[i], logs[i] = startPeer(t, kp, hub, WithValidators(ids))
	}

	const events = 5
	for n := range events {
		_, err := peers[n%len(peers)].Publish(ctx, event.SensorReading{SensorID: "grid", Metric: "load", Value: float64(n)}, event.LevelGroup)
		require.NoError(t, err)
	}

	// Every quorum member endorses, so each peer sees three votes per event.
	for i, l := range logs {
		require.Eventually(t, func() bool {
			return l.count(acceptedType(event.TypeQuorumEndorsement)) == 3*events
		}, waitFor, tick, "peer %d", i)
	}
	for i, p := range peers {
		assert.Zero(t, p.endorsementEntries(), "peer %d", i)
		assert.Equal(t, float64(0), testutil.ToFloat64(p.Metrics().EventsPending), "peer %d", i)
	}
}

func TestQuorum_OrphanEndorsementsAreBounded(t *testing.T) {
	kps := tu.KeyPairs(t, 7)
	ids := make([]string, len(kps))
	for i, kp := range kps {
		ids[i] = kp.ID()
	}
	p, err := New(kps[0], WithValidators(ids))
	require.NoError(t, err)

	ctx := context.Background()
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range orphanEndorsementLimit + 10 {
		target := fmt.Sprintf("never-seen-%d", i)
		p.endorse(ctx, target, p.selector.Quorum(target)[0])
	}
	assert.Len(t, p.endorsements, orphanEndorsementLimit)
	assert.NotContains(t, p.endorsements, "never-seen-0")
	assert.Contains(t, p.endorsements, fmt.Sprintf("never-seen-%d", orphanEndorsementLimit+9))

	// A second vote for a tracked event does not grow the table.
	last := fmt.Sprintf("never-seen-%d", orphanEndorsementLimit+9)
	p.endorse(ctx, last, p.selector.Quorum(last)[1])
	assert.Len(t, p.endorsements, orphanEndorsementLimit)
	assert.Len(t, p.endorsements[last], 2)
}

func TestQuorum_WithoutValidatorsCommitsDirectly(t *testing.T) {
	p, log := startPeer(t, tu.KeyPair(t, 1), nil)

	ev, err := p.Publish(context.Background(), event.SensorReading{SensorID: "x"}, event.LevelGlobal)
	require.NoError(t, err)

	log.wait(t, accepted(ev.ID()))
	assert.Zero(t, log.count(func(o Outcome) bool { return o.Status == StatusPending }))
}

func TestQuorum_NonMemberEndorsementIgnored(t *testing.T) {
	kps := tu.KeyPairs(t, 8)
	ids := make([]string, 7)
	for i := range ids {
		ids[i] = kps[i].ID()
	}
	outsider := kps[7]
	p, log := startPeer(t, kps[0], nil, WithValidators(ids))

	// Pick a seed whose quorum excludes the receiving peer so it never
	// endorses on its own.
	var target event.SignedEvent
	var data []byte
	for i := 0; ; i++ {
		target, data = signedBytes(t, outsider, event.SensorReading{SensorID: "s", Value: float64(i)}, event.LevelGroup, time.UnixMilli(1_700_000_000_000))
		if !p.selector.InQuorum(target.Event.ID(), kps[0].ID()) {
			break
		}
	}
	require.True(t, p.Deliver(data))
	log.wait(t, func(o Outcome) bool { return o.Status == StatusPending && o.EventID == target.Event.ID() })

	for _, b := range []byte{8, 9} {
		kp := tu.KeyPair(t, b)
		_, e := signedBytes(t, kp, event.QuorumEndorsement{EventID: target.Event.ID(), Endorser: kp.ID()}, event.LevelPeerToPeer, time.Now())
		require.True(t, p.Deliver(e))
	}
	require.Eventually(t, func() bool {
		return log.count(acceptedType(event.TypeQuorumEndorsement)) == 2
	}, waitFor, tick)

	_, ok := log.find(accepted(target.Event.ID()))
	assert.False(t, ok)
	assert.Equal(t, float64(1), testutil.ToFloat64(p.Metrics().EventsPending))

	// Two real quorum members complete it.
	byID := make(map[string]*identity.KeyPair, 7)
	for _, kp := range kps[:7] {
		byID[kp.ID()] = kp
	}
	for _, id := range p.selector.Quorum(target.Event.ID())[:2] {
		_, e := signedBytes(t, byID[id], event.QuorumEndorsement{EventID: target.Event.ID(), Endorser: id}, event.LevelPeerToPeer, time.Now())
		require.True(t, p.Deliver(e))
	}
	log.wait(t, accepted(target.Event.ID()))
	assert.Equal(t, float64(0), testutil.ToFloat64(p.Metrics().EventsPending))
}
