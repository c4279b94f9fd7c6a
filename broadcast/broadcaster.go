// Package broadcast replicates freshly generated key records to the paired
// KME node, emulating the synchronized quantum link: after a successful
// broadcast both pools hold byte-identical records under the same
// identifiers. Attempts are retried with exponential backoff up to a bounded
// count; exhaustion marks the records replication-failed and leaves them for
// the sync worker to retry later.
package broadcast

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/omkar-sarwat/Qumail-sub003/interfaces"
)

// Config bounds a broadcast attempt.
type Config struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries uint64

	// BaseDelay seeds the exponential backoff.
	BaseDelay time.Duration

	// Timeout caps the whole attempt, retries included.
	Timeout time.Duration
}

// DefaultConfig matches the deployment defaults.
var DefaultConfig = Config{
	MaxRetries: 4,
	BaseDelay:  250 * time.Millisecond,
	Timeout:    30 * time.Second,
}

// Broadcaster pushes key records to the paired node. It never mutates
// record status directly; replication outcomes go through the pool store's
// MarkReplication.
type Broadcaster struct {
	peer  interfaces.PeerClient
	store interfaces.PoolStore
	cfg   Config
	log   *slog.Logger
}

// New creates a broadcaster over the given peer client and store.
func New(peer interfaces.PeerClient, store interfaces.PoolStore, cfg Config, log *slog.Logger) *Broadcaster {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultConfig.BaseDelay
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig.Timeout
	}
	return &Broadcaster{peer: peer, store: store, cfg: cfg, log: log}
}

// Broadcast replicates records owned by owner to the paired node and
// returns the ticket describing the attempt. On success the records are
// marked replicated; on exhaustion they are marked failed and stay
// invisible to cross-principal reservation.
func (b *Broadcaster) Broadcast(ctx context.Context, owner string, records []interfaces.KeyRecord) interfaces.SyncTicket {
	ticket := interfaces.SyncTicket{
		ID:        uuid.NewString(),
		Principal: owner,
		Trigger:   interfaces.TriggerBroadcast,
		StartedAt: time.Now().UTC(),
	}
	if len(records) == 0 {
		ticket.Outcome = interfaces.SyncSuccess
		b.finish(ctx, &ticket)
		return ticket
	}

	ids := make([]interfaces.KeyID, len(records))
	for i, rec := range records {
		ids[i] = rec.ID
	}

	attemptCtx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	backoff := retry.WithMaxRetries(b.cfg.MaxRetries, retry.NewExponential(b.cfg.BaseDelay))
	err := retry.Do(attemptCtx, backoff, func(ctx context.Context) error {
		if err := b.peer.Replicate(ctx, owner, records); err != nil {
			b.log.Debug("Replication attempt failed", "err", err, slog.String("pool", owner))
			return retry.RetryableError(err)
		}
		return nil
	})

	if err != nil {
		outcome := interfaces.SyncFailure
		if errors.Is(err, context.DeadlineExceeded) {
			outcome = interfaces.SyncTimeout
		}
		ticket.Outcome = outcome
		ticket.Error = err.Error()
		if markErr := b.store.MarkReplication(ctx, owner, ids, interfaces.ReplicationFailed); markErr != nil {
			b.log.Error("Failed to mark replication failure", "err", markErr, slog.String("pool", owner))
		}
		b.log.Warn("Broadcast failed, keys withheld from cross-principal reservation",
			"err", err,
			slog.String("pool", owner),
			slog.Int("count", len(records)))
		b.finish(ctx, &ticket)
		return ticket
	}

	if err := b.store.MarkReplication(ctx, owner, ids, interfaces.ReplicationReplicated); err != nil {
		ticket.Outcome = interfaces.SyncPartial
		ticket.Error = err.Error()
		b.log.Error("Replicated but failed to mark records", "err", err, slog.String("pool", owner))
		b.finish(ctx, &ticket)
		return ticket
	}

	ticket.Outcome = interfaces.SyncSuccess
	ticket.KeysPulled = len(records)
	b.log.Info("Broadcast complete",
		slog.String("pool", owner),
		slog.Int("count", len(records)))
	b.finish(ctx, &ticket)
	return ticket
}

// RetryPending re-broadcasts records whose replication is still pending or
// failed. Returns false when there was nothing to retry.
func (b *Broadcaster) RetryPending(ctx context.Context, owner string) (interfaces.SyncTicket, bool) {
	records, err := b.store.UnreplicatedKeys(ctx, owner, 0)
	if err != nil {
		b.log.Error("Failed to list unreplicated keys", "err", err, slog.String("pool", owner))
		return interfaces.SyncTicket{}, false
	}
	if len(records) == 0 {
		return interfaces.SyncTicket{}, false
	}
	return b.Broadcast(ctx, owner, records), true
}

func (b *Broadcaster) finish(ctx context.Context, ticket *interfaces.SyncTicket) {
	now := time.Now().UTC()
	ticket.FinishedAt = &now
	if err := b.store.RecordSyncTicket(ctx, *ticket); err != nil {
		b.log.Error("Failed to record sync ticket", "err", err, slog.String("ticket", ticket.ID))
	}
}
