package broadcast

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omkar-sarwat/Qumail-sub003/interfaces"
	"github.com/omkar-sarwat/Qumail-sub003/keypool"
	"github.com/omkar-sarwat/Qumail-sub003/keysource"
)

// flakyPeer fails the first failures calls to Replicate, then succeeds.
type flakyPeer struct {
	failures int
	calls    int
}

func (p *flakyPeer) MirrorPrincipal(ctx context.Context, principal interfaces.Principal) error {
	return nil
}

func (p *flakyPeer) Replicate(ctx context.Context, owner string, records []interfaces.KeyRecord) error {
	p.calls++
	if p.calls <= p.failures {
		return errors.New("connection refused")
	}
	return nil
}

func (p *flakyPeer) Pull(ctx context.Context, owner string, count, size int) ([]interfaces.KeyRecord, error) {
	return nil, errors.New("not used")
}

func testSetup(t *testing.T, peer interfaces.PeerClient) (*Broadcaster, *keypool.MemoryStore, []interfaces.KeyRecord) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := keypool.NewMemoryStore(keypool.DefaultLimits, keysource.NewCSPRNG(), logger)

	ctx := context.Background()
	_, err := store.CreatePrincipal(ctx, interfaces.Principal{
		ID:   "alice",
		Home: true,
		Pool: interfaces.PoolConfig{
			TargetSize:         10,
			MaxKeys:            20,
			KeySize:            32,
			LowWatermark:       0.2,
			EmergencyWatermark: 0.05,
		},
	})
	require.NoError(t, err)
	records, err := store.GenerateKeys(ctx, "alice", 3, 32)
	require.NoError(t, err)

	cfg := Config{MaxRetries: 2, BaseDelay: time.Millisecond, Timeout: time.Second}
	return New(peer, store, cfg, logger), store, records
}

func TestBroadcastSuccess(t *testing.T) {
	b, store, records := testSetup(t, &flakyPeer{})
	ctx := context.Background()

	ticket := b.Broadcast(ctx, "alice", records)
	assert.Equal(t, interfaces.SyncSuccess, ticket.Outcome)
	assert.Equal(t, 3, ticket.KeysPulled)
	assert.NotNil(t, ticket.FinishedAt)

	summary, err := store.PoolSummary(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Available, "replicated keys become available")

	tickets, err := store.SyncTickets(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, tickets, 1)
	assert.Equal(t, interfaces.TriggerBroadcast, tickets[0].Trigger)
}

func TestBroadcastRetriesTransientFailure(t *testing.T) {
	peer := &flakyPeer{failures: 2}
	b, store, records := testSetup(t, peer)
	ctx := context.Background()

	ticket := b.Broadcast(ctx, "alice", records)
	assert.Equal(t, interfaces.SyncSuccess, ticket.Outcome)
	assert.Equal(t, 3, peer.calls)

	summary, err := store.PoolSummary(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Available)
}

func TestBroadcastExhaustedMarksFailed(t *testing.T) {
	peer := &flakyPeer{failures: 100}
	b, store, records := testSetup(t, peer)
	ctx := context.Background()

	ticket := b.Broadcast(ctx, "alice", records)
	assert.Equal(t, interfaces.SyncFailure, ticket.Outcome)
	assert.NotEmpty(t, ticket.Error)

	// Failed keys stay out of cross-principal reservation.
	summary, err := store.PoolSummary(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Available)
	_, err = store.ReserveForCounterpart(ctx, "alice", "bob", 1)
	assert.ErrorIs(t, err, interfaces.ErrPoolExhausted)
}

func TestRetryPending(t *testing.T) {
	peer := &flakyPeer{failures: 100}
	b, store, records := testSetup(t, peer)
	ctx := context.Background()

	// First broadcast fails; keys are marked failed.
	b.Broadcast(ctx, "alice", records)

	// Peer recovers; the retry picks the failed keys back up.
	peer.failures = 0
	peer.calls = 0
	ticket, attempted := b.RetryPending(ctx, "alice")
	require.True(t, attempted)
	assert.Equal(t, interfaces.SyncSuccess, ticket.Outcome)
	assert.Equal(t, 3, ticket.KeysPulled)

	summary, err := store.PoolSummary(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Available)

	// Nothing left to retry.
	_, attempted = b.RetryPending(ctx, "alice")
	assert.False(t, attempted)
}

func TestBroadcastEmptyIsSuccess(t *testing.T) {
	b, _, _ := testSetup(t, &flakyPeer{})
	ticket := b.Broadcast(context.Background(), "alice", nil)
	assert.Equal(t, interfaces.SyncSuccess, ticket.Outcome)
	assert.Zero(t, ticket.KeysPulled)
}
