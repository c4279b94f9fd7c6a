package lifecycle

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omkar-sarwat/Qumail-sub003/interfaces"
	"github.com/omkar-sarwat/Qumail-sub003/keypool"
	"github.com/omkar-sarwat/Qumail-sub003/keysource"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := keypool.NewMemoryStore(keypool.DefaultLimits, keysource.NewCSPRNG(), logger)
	return New(store, logger)
}

func registerWithKeys(t *testing.T, e *Engine, id string, keys int) {
	t.Helper()
	ctx := context.Background()
	_, err := e.RegisterPrincipal(ctx, interfaces.Principal{
		ID:   id,
		Home: true,
		Pool: interfaces.PoolConfig{
			TargetSize:         10,
			MaxKeys:            40,
			KeySize:            32,
			LowWatermark:       0.5,
			EmergencyWatermark: 0.1,
		},
	})
	require.NoError(t, err)
	if keys == 0 {
		return
	}

	records, err := e.Generate(ctx, id, keys, 32)
	require.NoError(t, err)
	ids := make([]interfaces.KeyID, len(records))
	for i, rec := range records {
		ids[i] = rec.ID
	}
	require.NoError(t, e.Store().MarkReplication(ctx, id, ids, interfaces.ReplicationReplicated))
}

func TestReserveAndConsume(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	registerWithKeys(t, e, "alice", 10)

	delivered, err := e.ReserveAndConsume(ctx, "alice", "bob", 3)
	require.NoError(t, err)
	require.Len(t, delivered, 3)
	for _, rec := range delivered {
		assert.Len(t, rec.Material, 32)
	}

	summary, err := e.Summary(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 7, summary.Available)
	assert.Equal(t, 3, summary.Used)

	// The delivered keys are spent on this side for good.
	results, err := e.ConsumeForDecryption(ctx, "alice", []interfaces.KeyID{delivered[0].ID})
	require.NoError(t, err)
	assert.ErrorIs(t, results[0].Err, interfaces.ErrAlreadyConsumed)
}

func TestReserveAndConsumeInsufficient(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	registerWithKeys(t, e, "alice", 2)

	_, err := e.ReserveAndConsume(ctx, "alice", "bob", 5)
	assert.ErrorIs(t, err, interfaces.ErrInsufficientKeys)

	var insufficient *interfaces.InsufficientKeysError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, 5, insufficient.Requested)
	assert.Equal(t, 2, insufficient.Available)
}

func TestConsumeForDecryptionDoubleUse(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	registerWithKeys(t, e, "alice", 2)

	summary, err := e.Summary(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Available)

	id := interfaces.NewKeyID("alice", 1)
	results, err := e.ConsumeForDecryption(ctx, "alice", []interfaces.KeyID{id})
	require.NoError(t, err)
	require.NoError(t, results[0].Err)
	assert.NotEmpty(t, results[0].Record.Material)

	// Second retrieval of the same key must fail: the material is gone.
	results, err = e.ConsumeForDecryption(ctx, "alice", []interfaces.KeyID{id})
	require.NoError(t, err)
	assert.ErrorIs(t, results[0].Err, interfaces.ErrAlreadyConsumed)
	assert.Nil(t, results[0].Record)
}

func TestConsumeForDecryptionInactive(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	registerWithKeys(t, e, "alice", 1)
	require.NoError(t, e.Deactivate(ctx, "alice"))

	_, err := e.ConsumeForDecryption(ctx, "alice", []interfaces.KeyID{interfaces.NewKeyID("alice", 1)})
	assert.ErrorIs(t, err, interfaces.ErrPrincipalInactive)
}

func TestWatermarkHook(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	registerWithKeys(t, e, "alice", 10) // low watermark 0.5

	var fired []interfaces.PoolSummary
	e.SetWatermarkHook(func(owner string, summary interfaces.PoolSummary) {
		fired = append(fired, summary)
	})

	// 10 -> 5 available is exactly at the watermark: no trigger.
	_, err := e.ReserveAndConsume(ctx, "alice", "bob", 5)
	require.NoError(t, err)
	assert.Empty(t, fired, "sitting exactly at the watermark must not trigger")

	// One more consumption drops strictly below.
	_, err = e.ReserveAndConsume(ctx, "alice", "bob", 1)
	require.NoError(t, err)
	require.Len(t, fired, 1)
	assert.Equal(t, 4, fired[0].Available)
}
