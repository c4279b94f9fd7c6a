// Package lifecycle enforces the key state machine on top of a pool store:
// UNUSED -> RESERVED -> CONSUMED, UNUSED -> EXPIRED, RESERVED -> EXPIRED.
// The engine is the only path other components use to request transitions;
// it layers the replication-pending gate and the watermark notification hook
// over the store's atomic primitives.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/omkar-sarwat/Qumail-sub003/interfaces"
)

// Engine wraps a PoolStore with lifecycle policy.
type Engine struct {
	store interfaces.PoolStore
	log   *slog.Logger

	onWatermark interfaces.WatermarkFunc
}

// New creates an engine over the given store.
func New(store interfaces.PoolStore, log *slog.Logger) *Engine {
	return &Engine{store: store, log: log}
}

// SetWatermarkHook registers the callback invoked after a pool's available
// fraction drops below its low watermark. The callback only enqueues a sync
// trigger; it must not block.
func (e *Engine) SetWatermarkHook(fn interfaces.WatermarkFunc) {
	e.onWatermark = fn
}

// Store exposes the underlying pool store for read-only queries (summaries,
// tickets). Transitions still go through the engine.
func (e *Engine) Store() interfaces.PoolStore { return e.store }

// RegisterPrincipal validates and creates a principal.
func (e *Engine) RegisterPrincipal(ctx context.Context, p interfaces.Principal) (interfaces.Principal, error) {
	created, err := e.store.CreatePrincipal(ctx, p)
	if err != nil {
		return interfaces.Principal{}, err
	}
	e.log.Info("Principal registered",
		slog.String("principal", created.ID),
		slog.Bool("home", created.Home),
		slog.Int("targetSize", created.Pool.TargetSize))
	return created, nil
}

// Deactivate soft-deactivates a principal, keeping its pool for audit.
func (e *Engine) Deactivate(ctx context.Context, id string) error {
	if err := e.store.DeactivatePrincipal(ctx, id); err != nil {
		return err
	}
	e.log.Info("Principal deactivated", slog.String("principal", id))
	return nil
}

// Principal returns a registered principal.
func (e *Engine) Principal(ctx context.Context, id string) (interfaces.Principal, error) {
	return e.store.Principal(ctx, id)
}

// Summary returns the pool aggregate for a principal.
func (e *Engine) Summary(ctx context.Context, owner string) (interfaces.PoolSummary, error) {
	return e.store.PoolSummary(ctx, owner)
}

// Generate creates fresh UNUSED records in the owner's pool. The records
// start replication-pending and are invisible to cross-principal
// reservation until the broadcaster confirms them.
func (e *Engine) Generate(ctx context.Context, owner string, count, size int) ([]interfaces.KeyRecord, error) {
	records, err := e.store.GenerateKeys(ctx, owner, count, size)
	if err != nil {
		return nil, err
	}
	e.log.Info("Generated key material",
		slog.String("principal", owner),
		slog.Int("count", len(records)),
		slog.Int("size", size))
	return records, nil
}

// ReserveAndConsume is the encryption delivery path: it reserves count keys
// from owner's pool for requester, then immediately marks them consumed by
// the requester on this side. The returned records carry material; the
// stored copies are blanked.
//
// Only UNUSED records with confirmed replication qualify — a key the
// counterpart does not hold yet cannot be used for encryption.
func (e *Engine) ReserveAndConsume(ctx context.Context, owner, requester string, count int) ([]interfaces.KeyRecord, error) {
	reserved, err := e.store.ReserveForCounterpart(ctx, owner, requester, count)
	if err != nil {
		return nil, err
	}

	ids := make([]interfaces.KeyID, len(reserved))
	for i, rec := range reserved {
		ids[i] = rec.ID
	}
	results, err := e.store.Consume(ctx, owner, ids, requester)
	if err != nil {
		return nil, err
	}
	for _, res := range results {
		// A reservation we hold cannot be consumed by anyone else; a failure
		// here is a store defect, not a race.
		if res.Err != nil {
			return nil, fmt.Errorf("consuming reserved key %s: %w", res.ID, res.Err)
		}
	}

	e.log.Info("Keys delivered for encryption",
		slog.String("pool", owner),
		slog.String("requester", requester),
		slog.Int("count", len(reserved)))
	e.notifyWatermark(ctx, owner)
	return reserved, nil
}

// ConsumeForDecryption is the same-owner retrieval path: each identifier is
// consumed directly (UNUSED or RESERVED) by the owner. Outcome is per-key;
// a reuse attempt surfaces as ErrAlreadyConsumed and is logged distinctly
// from ordinary exhaustion since it may indicate a bug or an attack.
func (e *Engine) ConsumeForDecryption(ctx context.Context, owner string, ids []interfaces.KeyID) ([]interfaces.ConsumeResult, error) {
	p, err := e.store.Principal(ctx, owner)
	if err != nil {
		return nil, err
	}
	if !p.Active {
		return nil, interfaces.ErrPrincipalInactive
	}

	results, err := e.store.Consume(ctx, owner, ids, owner)
	if err != nil {
		return nil, err
	}
	for _, res := range results {
		if res.Err == nil {
			continue
		}
		var notUsable *interfaces.KeyNotUsableError
		if errors.As(res.Err, &notUsable) && notUsable.State == interfaces.KeyStatusConsumed {
			e.log.Warn("One-time pad violation attempt: key already used",
				slog.String("pool", owner),
				slog.String("keyID", res.ID.String()))
		}
	}
	e.notifyWatermark(ctx, owner)
	return results, nil
}

// ImportReplica stores records pushed or pulled from the paired node.
func (e *Engine) ImportReplica(ctx context.Context, records []interfaces.KeyRecord) (int, error) {
	n, err := e.store.ImportReplica(ctx, records)
	if err != nil {
		return n, err
	}
	if n > 0 {
		e.log.Info("Imported replica keys", slog.Int("count", n))
	}
	return n, nil
}

// ExpireStale sweeps overdue reservations to EXPIRED. One-time-pad
// discipline forbids returning them to the pool.
func (e *Engine) ExpireStale(ctx context.Context, ttl time.Duration) (int, error) {
	n, err := e.store.ExpireStale(ctx, ttl)
	if err != nil {
		return n, err
	}
	if n > 0 {
		e.log.Info("Expired stale reservations", slog.Int("count", n))
	}
	return n, nil
}

func (e *Engine) notifyWatermark(ctx context.Context, owner string) {
	if e.onWatermark == nil {
		return
	}
	summary, err := e.store.PoolSummary(ctx, owner)
	if err != nil {
		e.log.Warn("Watermark check failed", "err", err, slog.String("pool", owner))
		return
	}
	p, err := e.store.Principal(ctx, owner)
	if err != nil {
		return
	}
	// Strictly below the watermark; sitting exactly at it does not trigger.
	if summary.AvailableFraction() < p.Pool.LowWatermark {
		e.onWatermark(owner, summary)
	}
}
