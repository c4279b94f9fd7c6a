// Package api defines the Key Delivery API wire contract: request and
// response shapes, field-alias normalization at the boundary, and the
// mapping from the domain error taxonomy to HTTP status codes. The core
// packages never see alternative field spellings; everything is normalized
// into the canonical structs here.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/omkar-sarwat/Qumail-sub003/interfaces"
)

// MaxBodySize is the maximum allowed request body size (1MB).
const MaxBodySize = 1024 * 1024

// RegisterPrincipalRequest registers a new principal and its pool.
type RegisterPrincipalRequest struct {
	ID      string `json:"id"`
	Label   string `json:"label"`
	Contact string `json:"contact"`

	// InitialPoolSize is the pool target size. Optional fields below
	// default from the node configuration when zero.
	InitialPoolSize    int     `json:"initial_pool_size"`
	MaxKeys            int     `json:"max_keys,omitempty"`
	LowWatermark       float64 `json:"low_watermark,omitempty"`
	EmergencyWatermark float64 `json:"emergency_watermark,omitempty"`
}

// EncryptionKeysRequest asks for count keys from the target principal's
// pool, to be used by Requester for encryption.
//
// Clients from different iterations of the protocol spell the fields
// differently; UnmarshalJSON accepts the known aliases and normalizes them
// here, so the core only ever sees the canonical form.
type EncryptionKeysRequest struct {
	Requester string `json:"requester"`
	Target    string `json:"target"`
	Count     int    `json:"count"`
	SizeBits  int    `json:"size,omitempty"`
}

func (r *EncryptionKeysRequest) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	pickString := func(dst *string, names ...string) error {
		for _, name := range names {
			if v, ok := raw[name]; ok {
				return json.Unmarshal(v, dst)
			}
		}
		return nil
	}
	pickInt := func(dst *int, names ...string) error {
		for _, name := range names {
			if v, ok := raw[name]; ok {
				return json.Unmarshal(v, dst)
			}
		}
		return nil
	}

	if err := pickString(&r.Requester, "requester", "sender", "from"); err != nil {
		return err
	}
	if err := pickString(&r.Target, "target", "to", "recipient"); err != nil {
		return err
	}
	if err := pickInt(&r.Count, "count", "number"); err != nil {
		return err
	}
	if err := pickInt(&r.SizeBits, "size", "size_bits", "securityLevel", "security_level"); err != nil {
		return err
	}
	return nil
}

// Validate checks the normalized request.
func (r *EncryptionKeysRequest) Validate() error {
	if r.Requester == "" {
		return errors.New("missing requester")
	}
	if r.Target == "" {
		return errors.New("missing target principal")
	}
	if r.Count <= 0 {
		return errors.New("count must be positive")
	}
	if r.SizeBits%8 != 0 {
		return fmt.Errorf("size must be a multiple of 8 bits, got %d", r.SizeBits)
	}
	return nil
}

// SizeBytes converts the requested bit size to bytes; zero means the pool's
// configured size.
func (r *EncryptionKeysRequest) SizeBytes() int { return r.SizeBits / 8 }

// DecryptionKeysRequest retrieves keys by identifier from the owner's own
// pool. The owner is taken from the URL path.
type DecryptionKeysRequest struct {
	KeyIDs []string `json:"key_ids"`
}

// KeyEnvelope carries one delivered key. Material is base64 in JSON.
type KeyEnvelope struct {
	KeyID    string `json:"key_id"`
	Material []byte `json:"material"`
}

// KeyFailure reports a per-key error from a decryption retrieval.
type KeyFailure struct {
	KeyID   string `json:"key_id"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// KeysResponse is the result of either delivery operation. For decryption
// retrieval the outcome is per-key: Keys holds the successes, Failures the
// rest, and callers must check both.
type KeysResponse struct {
	Keys     []KeyEnvelope `json:"keys"`
	Failures []KeyFailure  `json:"failures,omitempty"`
}

// ReplicateRequest pushes replica records to the paired node.
type ReplicateRequest struct {
	Owner   string                 `json:"owner"`
	Records []interfaces.KeyRecord `json:"records"`
}

// ReplicateResponse acknowledges an import.
type ReplicateResponse struct {
	Imported int `json:"imported"`
}

// PullRequest asks the paired node to generate and hand over fresh keys
// from its authoritative pool.
type PullRequest struct {
	Owner string `json:"owner"`
	Count int    `json:"count"`
	Size  int    `json:"size,omitempty"`
}

// PullResponse returns the generated records, already marked replicated on
// the serving side.
type PullResponse struct {
	Records []interfaces.KeyRecord `json:"records"`
}

// ErrorResponse is the JSON error body. Pool is attached to capacity and
// exhaustion errors so callers can decide whether to wait or fail.
type ErrorResponse struct {
	Error string                  `json:"error"`
	Code  string                  `json:"code"`
	Pool  *interfaces.PoolSummary `json:"pool,omitempty"`
}

// Error codes carried in ErrorResponse.Code and KeyFailure.Code.
const (
	CodeDuplicatePrincipal   = "duplicate_principal"
	CodeUnknownPrincipal     = "unknown_principal"
	CodePrincipalInactive    = "principal_inactive"
	CodeInvalidSize          = "invalid_size"
	CodePoolCapacityExceeded = "pool_capacity_exceeded"
	CodeInsufficientKeys     = "insufficient_keys"
	CodePoolExhausted        = "pool_exhausted"
	CodeUnknownKey           = "unknown_key"
	CodeAlreadyConsumed      = "already_consumed"
	CodeKeyExpired           = "key_expired"
	CodeNotOwned             = "not_owned"
	CodeSyncFailed           = "sync_failed"
	CodeBadRequest           = "bad_request"
	CodeInternal             = "internal"
)

// ClassifyError maps a domain error to an HTTP status and wire code.
func ClassifyError(err error) (status int, code string) {
	switch {
	case errors.Is(err, interfaces.ErrDuplicatePrincipal):
		return http.StatusConflict, CodeDuplicatePrincipal
	case errors.Is(err, interfaces.ErrUnknownPrincipal):
		return http.StatusNotFound, CodeUnknownPrincipal
	case errors.Is(err, interfaces.ErrPrincipalInactive):
		return http.StatusConflict, CodePrincipalInactive
	case errors.Is(err, interfaces.ErrInvalidSize):
		return http.StatusBadRequest, CodeInvalidSize
	case errors.Is(err, interfaces.ErrPoolCapacityExceeded):
		return http.StatusConflict, CodePoolCapacityExceeded
	case errors.Is(err, interfaces.ErrPoolExhausted):
		return http.StatusConflict, CodePoolExhausted
	case errors.Is(err, interfaces.ErrInsufficientKeys):
		return http.StatusConflict, CodeInsufficientKeys
	case errors.Is(err, interfaces.ErrAlreadyConsumed):
		return http.StatusConflict, CodeAlreadyConsumed
	case errors.Is(err, interfaces.ErrKeyExpired):
		return http.StatusGone, CodeKeyExpired
	case errors.Is(err, interfaces.ErrNotOwned):
		return http.StatusForbidden, CodeNotOwned
	case errors.Is(err, interfaces.ErrUnknownKey):
		return http.StatusNotFound, CodeUnknownKey
	case errors.Is(err, interfaces.ErrSyncFailed), errors.Is(err, interfaces.ErrSyncPartial):
		return http.StatusBadGateway, CodeSyncFailed
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}
