package harness

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ulp/internal/event"
	"github.com/roach88/ulp/internal/fano"
	"github.com/roach88/ulp/internal/peer"
)

func TestSeededKeyIsStable(t *testing.T) {
	a, err := SeededKey(0)
	require.NoError(t, err)
	b, err := SeededKey(0)
	require.NoError(t, err)
	c, err := SeededKey(1)
	require.NoError(t, err)

	assert.Equal(t, a.ID(), b.ID())
	assert.NotEqual(t, a.ID(), c.ID())
}

func TestStartNetwork_Validation(t *testing.T) {
	_, err := StartNetwork(context.Background(), NetworkOptions{Peers: 0})
	assert.Error(t, err)

	_, err = StartNetwork(context.Background(), NetworkOptions{Peers: 3, Validators: true})
	assert.Error(t, err)
}

func TestNetwork_BroadcastReachesEveryPeer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rec := NewRecorder()
	net, err := StartNetwork(ctx, NetworkOptions{Peers: fano.Size, Validators: true, Recorder: rec})
	require.NoError(t, err)
	defer func() { require.NoError(t, net.Stop()) }()

	assert.Len(t, net.Validators, fano.Size)
	assert.Len(t, net.Hub.Members(), fano.Size)

	_, err = net.Peers[0].Publish(ctx, event.MintToken{TokenID: "T", Name: "n", Supply: 1}, event.LevelPeerToPeer)
	require.NoError(t, err)
	require.NoError(t, rec.Settle(ctx, 50*time.Millisecond))

	seen := map[int]bool{}
	for _, r := range rec.Records() {
		assert.Equal(t, peer.StatusAccepted, r.Outcome.Status)
		seen[r.Peer] = true
	}
	assert.Len(t, seen, fano.Size)
	assert.Empty(t, rec.Since(rec.Len()))
}

func TestRecorder_SettleHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewRecorder().Settle(ctx, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
}
