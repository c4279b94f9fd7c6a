package interfaces

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// KeyID uniquely identifies a key record across both paired pools.
// Format: qk_{ownerPrincipalID}_{sequence:06d}. Both replicas of the same
// key material carry the same KeyID.
type KeyID string

// NewKeyID builds a key identifier for a principal-owned sequence number.
func NewKeyID(owner string, sequence uint64) KeyID {
	return KeyID(fmt.Sprintf("qk_%s_%06d", owner, sequence))
}

// ParseKeyID splits a key identifier into owner and sequence.
// The owner may itself contain underscores, so the sequence is taken from
// the final segment.
func ParseKeyID(id KeyID) (owner string, sequence uint64, err error) {
	s := string(id)
	if !strings.HasPrefix(s, "qk_") {
		return "", 0, fmt.Errorf("malformed key id %q: missing qk_ prefix", id)
	}
	rest := strings.TrimPrefix(s, "qk_")
	idx := strings.LastIndex(rest, "_")
	if idx <= 0 || idx == len(rest)-1 {
		return "", 0, fmt.Errorf("malformed key id %q", id)
	}
	sequence, err = strconv.ParseUint(rest[idx+1:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("malformed key id %q: %w", id, err)
	}
	return rest[:idx], sequence, nil
}

// Owner returns the owning principal encoded in the identifier, or "" if the
// identifier is malformed.
func (id KeyID) Owner() string {
	owner, _, err := ParseKeyID(id)
	if err != nil {
		return ""
	}
	return owner
}

func (id KeyID) String() string { return string(id) }

// KeyStatus is the lifecycle state of a key record. Transitions are
// monotonic: UNUSED -> RESERVED -> CONSUMED, UNUSED -> EXPIRED, and
// RESERVED -> EXPIRED. CONSUMED and EXPIRED are terminal.
type KeyStatus string

const (
	KeyStatusUnused   KeyStatus = "UNUSED"
	KeyStatusReserved KeyStatus = "RESERVED"
	KeyStatusConsumed KeyStatus = "CONSUMED"
	KeyStatusExpired  KeyStatus = "EXPIRED"
)

// Terminal reports whether no further transition is permitted from s.
func (s KeyStatus) Terminal() bool {
	return s == KeyStatusConsumed || s == KeyStatusExpired
}

// ReplicationStatus tracks whether a generated key record has reached the
// paired pool. Only replicated keys may be served for cross-principal
// reservation, since an unreplicated key cannot be decrypted by the
// counterpart.
type ReplicationStatus string

const (
	ReplicationPending    ReplicationStatus = "pending"
	ReplicationReplicated ReplicationStatus = "replicated"
	ReplicationFailed     ReplicationStatus = "failed"
)

// PoolConfig is the per-principal pool sizing and watermark configuration.
type PoolConfig struct {
	// TargetSize is the number of keys a sync aims to keep available.
	TargetSize int `json:"target_size"`

	// MaxKeys caps the total number of records in the pool. Generation that
	// would exceed it fails with ErrPoolCapacityExceeded.
	MaxKeys int `json:"max_keys"`

	// KeySize is the fixed material length in bytes for this pool.
	KeySize int `json:"key_size"`

	// LowWatermark is the available/total fraction below which a threshold
	// sync is triggered.
	LowWatermark float64 `json:"low_watermark"`

	// EmergencyWatermark is the available/total fraction below which an
	// immediate, higher-priority sync is triggered.
	EmergencyWatermark float64 `json:"emergency_watermark"`
}

// Validate checks internal consistency of the pool configuration.
func (c PoolConfig) Validate() error {
	if c.TargetSize <= 0 {
		return errors.New("pool target size must be positive")
	}
	if c.MaxKeys < c.TargetSize {
		return errors.New("pool max keys must be at least the target size")
	}
	if c.KeySize <= 0 {
		return errors.New("pool key size must be positive")
	}
	if c.LowWatermark <= 0 || c.LowWatermark >= 1 {
		return errors.New("low watermark must be in (0, 1)")
	}
	if c.EmergencyWatermark <= 0 || c.EmergencyWatermark > c.LowWatermark {
		return errors.New("emergency watermark must be in (0, low watermark]")
	}
	return nil
}

// Principal is a registered communication endpoint owning exactly one key
// pool. Principals are never hard-deleted; deactivation preserves the audit
// trail.
type Principal struct {
	ID      string `json:"id"`
	Label   string `json:"label"`
	Contact string `json:"contact"`
	Active  bool   `json:"active"`

	// Home is true on the node where the principal registered (the
	// authoritative pool) and false on the paired node holding the replica.
	Home          bool       `json:"home"`
	Pool          PoolConfig `json:"pool"`
	CreatedAt     time.Time  `json:"created_at"`
	DeactivatedAt *time.Time `json:"deactivated_at,omitempty"`
}

// KeyRecord is the atomic unit of key material. Material is blanked the
// moment the record reaches a terminal state; metadata is retained for audit.
type KeyRecord struct {
	ID          KeyID             `json:"key_id"`
	Owner       string            `json:"owner"`
	Material    []byte            `json:"material,omitempty"`
	Size        int               `json:"size"`
	Status      KeyStatus         `json:"status"`
	Replication ReplicationStatus `json:"replication"`
	CreatedAt   time.Time         `json:"created_at"`
	ReservedAt  *time.Time        `json:"reserved_at,omitempty"`
	ReservedFor string            `json:"reserved_for,omitempty"`
	ConsumedAt  *time.Time        `json:"consumed_at,omitempty"`
	ConsumedBy  string            `json:"consumed_by,omitempty"`
}

// PoolSummary is the derived per-principal aggregate. Available counts
// UNUSED records whose replication is confirmed (the only ones a
// reservation may select); Used is everything else, so
// Available = Total - Used always holds.
type PoolSummary struct {
	Owner     string     `json:"owner"`
	Total     int        `json:"total"`
	Used      int        `json:"used"`
	Available int        `json:"available"`
	LastSync  *time.Time `json:"last_sync,omitempty"`
}

// AvailableFraction returns available/total, or 0 for an empty pool.
func (s PoolSummary) AvailableFraction() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Available) / float64(s.Total)
}

// SyncTrigger names what caused a synchronization attempt.
type SyncTrigger string

const (
	TriggerScheduled SyncTrigger = "scheduled"
	TriggerThreshold SyncTrigger = "threshold"
	TriggerEmergency SyncTrigger = "emergency"
	TriggerManual    SyncTrigger = "manual"
	TriggerBroadcast SyncTrigger = "broadcast"
)

// SyncOutcome is the result of a synchronization attempt.
type SyncOutcome string

const (
	SyncSuccess SyncOutcome = "success"
	SyncPartial SyncOutcome = "partial"
	SyncFailure SyncOutcome = "failed"
	SyncTimeout SyncOutcome = "timeout"
)

// SyncTicket records one synchronization attempt between a local pool and
// its remote counterpart. Tickets are retained for a bounded window and then
// pruned.
type SyncTicket struct {
	ID         string      `json:"id"`
	Principal  string      `json:"principal"`
	Trigger    SyncTrigger `json:"trigger"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	KeysPulled int         `json:"keys_pulled"`
	Outcome    SyncOutcome `json:"outcome"`
	Error      string      `json:"error,omitempty"`
}

// ConsumeResult is the per-key outcome of a Consume call. Consumption is
// per-key, not all-or-nothing: callers must know exactly which identifiers
// succeeded.
type ConsumeResult struct {
	ID     KeyID
	Record *KeyRecord
	Err    error
}
