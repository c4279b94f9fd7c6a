package interfaces

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicatePrincipal is returned when registering an id that exists.
	ErrDuplicatePrincipal = errors.New("principal already registered")

	// ErrUnknownPrincipal is returned for operations on an unregistered id.
	ErrUnknownPrincipal = errors.New("unknown principal")

	// ErrPrincipalInactive is returned for mutating operations against a
	// deactivated principal's pool.
	ErrPrincipalInactive = errors.New("principal deactivated")

	// ErrInvalidSize is returned when a requested key size is outside the
	// configured bounds or does not match the pool's fixed size.
	ErrInvalidSize = errors.New("invalid key size")

	// ErrPoolCapacityExceeded is returned when generation would push the
	// pool past its configured limit.
	ErrPoolCapacityExceeded = errors.New("pool capacity exceeded")

	// ErrInsufficientKeys is returned when a reservation cannot be satisfied
	// in full. Reservations are all-or-nothing.
	ErrInsufficientKeys = errors.New("insufficient unused keys")

	// ErrPoolExhausted is returned when a pool has zero available keys and
	// synchronization has not replenished it.
	ErrPoolExhausted = errors.New("key pool exhausted")

	// ErrUnknownKey is returned when a key identifier does not exist.
	ErrUnknownKey = errors.New("unknown key")

	// ErrAlreadyConsumed signals a one-time-pad violation attempt: the key
	// was consumed before. Never retried, never treated as success.
	ErrAlreadyConsumed = errors.New("key already consumed")

	// ErrKeyExpired is returned for operations on an expired key.
	ErrKeyExpired = errors.New("key expired")

	// ErrNotOwned is returned when a key is requested under the wrong
	// principal.
	ErrNotOwned = errors.New("key not owned by principal")

	// ErrSyncFailed is returned when the remote node is unreachable or
	// replication failed entirely.
	ErrSyncFailed = errors.New("synchronization failed")

	// ErrSyncPartial is returned when replication completed for only part
	// of a batch.
	ErrSyncPartial = errors.New("synchronization incomplete")
)

// KeyNotUsableError reports an operation against a key in a terminal state.
// It unwraps to ErrAlreadyConsumed or ErrKeyExpired so callers can
// distinguish a one-time-pad violation from an ordinary timeout.
type KeyNotUsableError struct {
	ID    KeyID
	State KeyStatus
}

func (e *KeyNotUsableError) Error() string {
	return fmt.Sprintf("key %s not usable: terminal state %s", e.ID, e.State)
}

func (e *KeyNotUsableError) Unwrap() error {
	switch e.State {
	case KeyStatusConsumed:
		return ErrAlreadyConsumed
	case KeyStatusExpired:
		return ErrKeyExpired
	default:
		return nil
	}
}

// InsufficientKeysError wraps ErrInsufficientKeys with current pool numbers
// so callers can decide whether to wait or fail the higher-level operation.
type InsufficientKeysError struct {
	Owner     string
	Requested int
	Available int
}

func (e *InsufficientKeysError) Error() string {
	return fmt.Sprintf("pool %s: requested %d keys, %d available", e.Owner, e.Requested, e.Available)
}

func (e *InsufficientKeysError) Unwrap() error {
	if e.Available == 0 {
		return ErrPoolExhausted
	}
	return ErrInsufficientKeys
}
