package event

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ulp/internal/identity"
	"github.com/roach88/ulp/internal/sexpr"
)

var fixedTime = time.UnixMilli(1_700_000_000_000)

func testKey(t *testing.T, b byte) *identity.KeyPair {
	t.Helper()
	kp, err := identity.FromSeed(bytes.Repeat([]byte{b}, 32))
	require.NoError(t, err)
	return kp
}

func allPayloads() []Payload {
	return []Payload{
		MintToken{TokenID: "tok-1", Name: "Widget", Supply: 100},
		SensorReading{SensorID: "s-1", Metric: "temperature", Value: 21.5, Unit: "C", Timestamp: 1},
		HVACCommand{DeviceID: "hvac-1", Mode: "cool", TargetCelsius: 19, Timestamp: 2},
		ComputeRequest{JobID: "job-1", Module: []byte{0, 'a', 's', 'm'}, Entry: "main", Args: []int64{1, 2}, Timestamp: 3},
		StateChanged{EntityID: "e", CurrentLayer: 2, Domains: map[string]DomainPosition{"daily": {A: 3, B: 24}}},
		HarmonicResonanceTrigger{EntityID: "e", ResonantDomains: []string{"daily", "weekly"}},
		QuorumActivated{RoundSeed: "seed", Quorum: []string{"a", "b", "c"}},
		QuorumEndorsement{EventID: "abc"},
		AgentAction{AgentID: "ag", Action: "explore", L: 1, A: 2, B: 7, Reward: 5},
		AgentLearnedRule{AgentID: "ag", L: 1, A: 2, Action: "exploit", Confidence: 0.9},
		RectificationProof{RectifiedEventID: "old", RectifyingEventID: "new", ProofHash: "ff", Nonce: 4, Timestamp: 5, ExpirationTimestamp: 6, SignerIdentity: "me", Signature: []byte{9}},
		RevokeProof{ProofIDToRevoke: "old"},
	}
}

func TestNewComputesContentHash(t *testing.T) {
	p := MintToken{TokenID: "tok-1", Name: "Widget", Supply: 100}
	e, err := New(p, LevelLocal, fixedTime)
	require.NoError(t, err)

	body, err := sexpr.Marshal(p)
	require.NoError(t, err)
	assert.Equal(t, sexpr.Hash(sexpr.DomainPayload, body), e.ContentHash)
	assert.Equal(t, TypeMintToken, e.Type)
	assert.Equal(t, fixedTime.UnixMilli(), e.Timestamp)
	assert.True(t, e.Time().Equal(fixedTime))
}

func TestNewRejectsInvalidLevel(t *testing.T) {
	_, err := New(RevokeProof{}, ConsensusLevel("EVERYONE"), fixedTime)
	assert.ErrorIs(t, err, ErrInvalidLevel)
}

func TestIDIsDeterministic(t *testing.T) {
	a, err := New(QuorumEndorsement{EventID: "x"}, LevelGroup, fixedTime)
	require.NoError(t, err)
	b, err := New(QuorumEndorsement{EventID: "x"}, LevelGroup, fixedTime)
	require.NoError(t, err)
	assert.Equal(t, a.ID(), b.ID())
	assert.Len(t, a.ID(), 64)

	c, err := New(QuorumEndorsement{EventID: "x"}, LevelGlobal, fixedTime)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID(), c.ID())

	assert.Empty(t, Event{}.ID())
}

func TestSignedRoundTripEveryPayload(t *testing.T) {
	kp := testKey(t, 1)

	for _, p := range allPayloads() {
		t.Run(string(p.EventType()), func(t *testing.T) {
			e, err := New(p, LevelPeerToPeer, fixedTime)
			require.NoError(t, err)
			se, err := Sign(e, kp)
			require.NoError(t, err)
			require.NoError(t, VerifySigned(se))

			wire, err := EncodeSigned(se)
			require.NoError(t, err)
			back, err := DecodeSigned(wire)
			require.NoError(t, err)

			assert.Equal(t, se.Source, back.Source)
			assert.Equal(t, se.Signature, back.Signature)
			assert.Equal(t, e.ID(), back.Event.ID())
			assert.Equal(t, p.EventType(), back.Event.Payload.EventType())
			require.NoError(t, VerifySigned(back))
		})
	}
}

func TestVerifySignedRejectsTampering(t *testing.T) {
	kp := testKey(t, 1)
	e, err := New(MintToken{TokenID: "t", Name: "n", Supply: 1}, LevelLocal, fixedTime)
	require.NoError(t, err)
	se, err := Sign(e, kp)
	require.NoError(t, err)

	forged := se
	forged.Source = testKey(t, 2).ID()
	assert.ErrorIs(t, VerifySigned(forged), ErrBadSignature)

	altered := se
	altered.Event.Timestamp++
	assert.ErrorIs(t, VerifySigned(altered), ErrBadSignature)
}

func TestDecodeSignedRejectsHashMismatch(t *testing.T) {
	kp := testKey(t, 1)
	e, err := New(MintToken{TokenID: "t", Name: "n", Supply: 1}, LevelLocal, fixedTime)
	require.NoError(t, err)
	e.ContentHash = "00"
	se, err := Sign(e, kp)
	require.NoError(t, err)

	wire, err := EncodeSigned(se)
	require.NoError(t, err)
	_, err = DecodeSigned(wire)
	assert.ErrorIs(t, err, ErrContentHash)
}

func TestDecodeSignedRejectsUnknownType(t *testing.T) {
	payload := sexpr.MustRecord(map[string]sexpr.Value{"x": sexpr.Int32(1)})
	body := sexpr.MustEncode(payload)
	ev := sexpr.MustRecord(map[string]sexpr.Value{
		"type":        sexpr.String("NOT_A_TYPE"),
		"level":       sexpr.String("LOCAL"),
		"payload":     payload,
		"timestamp":   sexpr.Int64(1),
		"contentHash": sexpr.String(sexpr.Hash(sexpr.DomainPayload, body)),
	})
	wire := sexpr.MustEncode(sexpr.MustRecord(map[string]sexpr.Value{
		"event":     ev,
		"source":    sexpr.String("x"),
		"signature": sexpr.Reference{1},
	}))

	_, err := DecodeSigned(wire)
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestDecodeSignedRejectsGarbage(t *testing.T) {
	_, err := DecodeSigned([]byte{0xFF})
	assert.Error(t, err)
}

func TestProofSigningBytesIgnoreSignature(t *testing.T) {
	p := RectificationProof{RectifiedEventID: "a", Nonce: 1}
	a, err := p.SigningBytes()
	require.NoError(t, err)

	p.Signature = []byte{1, 2, 3}
	b, err := p.SigningBytes()
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestLevels(t *testing.T) {
	for _, l := range Levels {
		assert.True(t, l.Valid())
	}
	assert.False(t, ConsensusLevel("").Valid())
	assert.True(t, LevelGroup.RequiresQuorum())
	assert.True(t, LevelGlobal.RequiresQuorum())
	assert.False(t, LevelPeerToPeer.RequiresQuorum())

	assert.True(t, TypeMintToken.Rectifiable())
	assert.False(t, TypeRectificationProof.Rectifiable())
	assert.False(t, TypeRevokeProof.Rectifiable())
}
