package interfaces

import (
	"context"
	"time"
)

// PoolStore is the durable, per-principal inventory of key records and the
// sole place where concurrency-safe status transitions happen. All mutating
// operations on a single principal's pool are serialized by the store;
// different principals' pools do not contend.
type PoolStore interface {
	// CreatePrincipal registers a new principal with its pool configuration.
	// Fails with ErrDuplicatePrincipal if the id exists.
	CreatePrincipal(ctx context.Context, p Principal) (Principal, error)

	// Principal returns a registered principal by id.
	Principal(ctx context.Context, id string) (Principal, error)

	// Principals lists every registered principal, active or not.
	Principals(ctx context.Context) ([]Principal, error)

	// DeactivatePrincipal soft-deactivates a principal. The record and its
	// pool are retained for audit.
	DeactivatePrincipal(ctx context.Context, id string) error

	// GenerateKeys creates count records of exactly size bytes of fresh
	// material, status UNUSED, replication pending. Fails with
	// ErrInvalidSize or ErrPoolCapacityExceeded.
	GenerateKeys(ctx context.Context, owner string, count, size int) ([]KeyRecord, error)

	// ImportReplica inserts records received from the paired node,
	// preserving identifiers and material, marked replicated. Records that
	// already exist are skipped; the count of newly imported records is
	// returned.
	ImportReplica(ctx context.Context, records []KeyRecord) (int, error)

	// ReserveForCounterpart atomically selects count UNUSED, replicated
	// records owned by owner, oldest first, and transitions them to
	// RESERVED. All-or-nothing: fails with *InsufficientKeysError without
	// reserving anything when fewer than count qualify.
	ReserveForCounterpart(ctx context.Context, owner, requester string, count int) ([]KeyRecord, error)

	// Consume transitions each id to CONSUMED, blanking material and
	// recording the consumer. Per-key outcome; at most one caller ever
	// observes a successful transition for a given id.
	Consume(ctx context.Context, owner string, ids []KeyID, consumer string) ([]ConsumeResult, error)

	// MarkReplication updates the replication status of owner's records.
	MarkReplication(ctx context.Context, owner string, ids []KeyID, status ReplicationStatus) error

	// UnreplicatedKeys returns up to limit UNUSED records whose replication
	// is pending or failed, with material, for re-broadcast.
	UnreplicatedKeys(ctx context.Context, owner string, limit int) ([]KeyRecord, error)

	// PoolSummary returns the derived aggregate for owner's pool.
	PoolSummary(ctx context.Context, owner string) (PoolSummary, error)

	// ExpireStale sweeps RESERVED records older than ttl to EXPIRED,
	// blanking their material. Expired keys are never returned to the pool.
	ExpireStale(ctx context.Context, ttl time.Duration) (int, error)

	// RecordSyncTicket persists a synchronization attempt.
	RecordSyncTicket(ctx context.Context, t SyncTicket) error

	// SyncTickets returns the most recent tickets for owner, newest first.
	SyncTickets(ctx context.Context, owner string, limit int) ([]SyncTicket, error)

	// PruneSyncTickets deletes tickets older than the retention window and
	// returns how many were removed.
	PruneSyncTickets(ctx context.Context, retention time.Duration) (int, error)

	// SetLastSync records the time of the last successful sync for owner.
	SetLastSync(ctx context.Context, owner string, at time.Time) error

	// Close releases store resources.
	Close() error
}

// PeerClient talks to the paired KME node. Implementations carry their own
// timeouts; they are never invoked while a pool's exclusive section is held.
type PeerClient interface {
	// MirrorPrincipal registers a principal on the paired node so the
	// replica pool exists before keys arrive.
	MirrorPrincipal(ctx context.Context, p Principal) error

	// Replicate pushes freshly generated records into the paired node's
	// replica pool.
	Replicate(ctx context.Context, owner string, records []KeyRecord) error

	// Pull asks the paired node to generate count new keys in its
	// authoritative pool for owner and return them for local import.
	Pull(ctx context.Context, owner string, count, size int) ([]KeyRecord, error)
}

// WatermarkFunc is invoked by the lifecycle engine after a pool's available
// fraction drops. The callback must not block; it only enqueues a trigger.
type WatermarkFunc func(owner string, summary PoolSummary)
