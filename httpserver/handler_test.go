package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omkar-sarwat/Qumail-sub003/api"
	"github.com/omkar-sarwat/Qumail-sub003/broadcast"
	"github.com/omkar-sarwat/Qumail-sub003/interfaces"
	"github.com/omkar-sarwat/Qumail-sub003/keypool"
	"github.com/omkar-sarwat/Qumail-sub003/keysource"
	"github.com/omkar-sarwat/Qumail-sub003/lifecycle"
	"github.com/omkar-sarwat/Qumail-sub003/lkm"
)

// noopPeer accepts every node-to-node call without doing anything, so
// handler tests run a single node whose broadcasts always "succeed".
type noopPeer struct{}

func (noopPeer) MirrorPrincipal(ctx context.Context, p interfaces.Principal) error {
	return nil
}

func (noopPeer) Replicate(ctx context.Context, owner string, records []interfaces.KeyRecord) error {
	return nil
}

func (noopPeer) Pull(ctx context.Context, owner string, count, size int) ([]interfaces.KeyRecord, error) {
	return nil, nil
}

func testRouter(t *testing.T) http.Handler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store := keypool.NewMemoryStore(keypool.DefaultLimits, keysource.NewCSPRNG(), logger)
	engine := lifecycle.New(store, logger)
	peer := noopPeer{}
	bcast := broadcast.New(peer, store, broadcast.Config{MaxRetries: 1, BaseDelay: time.Millisecond, Timeout: time.Second}, logger)
	manager := lkm.New(engine, peer, bcast, lkm.Config{
		DefaultPool: interfaces.PoolConfig{
			TargetSize:         5,
			MaxKeys:            20,
			KeySize:            32,
			LowWatermark:       0.2,
			EmergencyWatermark: 0.05,
		},
	}, logger)

	srv, err := New(&HTTPServerConfig{ListenAddr: "127.0.0.1:0", Log: logger}, NewHandler(manager, logger))
	require.NoError(t, err)
	return srv.getRouter()
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func registerPrincipal(t *testing.T, router http.Handler, id string) {
	t.Helper()
	w := doJSON(t, router, http.MethodPost, "/api/v1/principals", api.RegisterPrincipalRequest{ID: id})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func TestHandleRegisterPrincipal(t *testing.T) {
	router := testRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/v1/principals", api.RegisterPrincipalRequest{ID: "alice", Label: "Alice"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created interfaces.Principal
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, "alice", created.ID)
	assert.True(t, created.Home)
	assert.Equal(t, 5, created.Pool.TargetSize)

	// Same id again conflicts.
	w = doJSON(t, router, http.MethodPost, "/api/v1/principals", api.RegisterPrincipalRequest{ID: "alice"})
	assert.Equal(t, http.StatusConflict, w.Code)
	var errResp api.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &errResp))
	assert.Equal(t, api.CodeDuplicatePrincipal, errResp.Code)

	// Missing id is a plain bad request.
	w = doJSON(t, router, http.MethodPost, "/api/v1/principals", api.RegisterPrincipalRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleStatus(t *testing.T) {
	router := testRouter(t)
	registerPrincipal(t, router, "alice")

	w := doJSON(t, router, http.MethodGet, "/api/v1/principals/alice/status", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var summary interfaces.PoolSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &summary))
	assert.Equal(t, 5, summary.Total)
	assert.Equal(t, 5, summary.Available)

	w = doJSON(t, router, http.MethodGet, "/api/v1/principals/ghost/status", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleEncryptionKeys(t *testing.T) {
	router := testRouter(t)
	registerPrincipal(t, router, "alice")
	registerPrincipal(t, router, "bob")

	// Legacy alias spelling in the body; target comes from the URL.
	body := map[string]any{"from": "alice", "number": 2, "security_level": 256}
	w := doJSON(t, router, http.MethodPost, "/api/v1/keys/bob/enc_keys", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp api.KeysResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Keys, 2)
	for _, k := range resp.Keys {
		assert.NotEmpty(t, k.KeyID)
		assert.Len(t, k.Material, 32)
	}

	// Delivery consumed bob's pool.
	w = doJSON(t, router, http.MethodGet, "/api/v1/principals/bob/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var summary interfaces.PoolSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &summary))
	assert.Equal(t, 2, summary.Used)
	assert.Equal(t, 3, summary.Available)
}

func TestHandleEncryptionKeysExhausted(t *testing.T) {
	router := testRouter(t)
	registerPrincipal(t, router, "alice")
	registerPrincipal(t, router, "bob")

	body := map[string]any{"requester": "alice", "count": 9}
	w := doJSON(t, router, http.MethodPost, "/api/v1/keys/bob/enc_keys", body)
	require.Equal(t, http.StatusConflict, w.Code)

	var errResp api.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &errResp))
	assert.Equal(t, api.CodeInsufficientKeys, errResp.Code)
	// The pool summary rides along so the caller can decide to wait.
	require.NotNil(t, errResp.Pool)
	assert.Equal(t, 5, errResp.Pool.Available)
}

func TestHandleEncryptionKeysWrongSize(t *testing.T) {
	router := testRouter(t)
	registerPrincipal(t, router, "alice")
	registerPrincipal(t, router, "bob")

	body := map[string]any{"requester": "alice", "count": 1, "size": 512}
	w := doJSON(t, router, http.MethodPost, "/api/v1/keys/bob/enc_keys", body)
	require.Equal(t, http.StatusBadRequest, w.Code)

	var errResp api.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &errResp))
	assert.Equal(t, api.CodeInvalidSize, errResp.Code)
}

func TestHandleDecryptionKeys(t *testing.T) {
	router := testRouter(t)
	registerPrincipal(t, router, "alice")
	registerPrincipal(t, router, "bob")

	// alice draws one of bob's keys for encryption.
	w := doJSON(t, router, http.MethodPost, "/api/v1/keys/bob/enc_keys", map[string]any{"requester": "alice", "count": 1})
	require.Equal(t, http.StatusOK, w.Code)
	var encResp api.KeysResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &encResp))
	usedID := encResp.Keys[0].KeyID

	// Single node: bob's replica copy was spent by the delivery above, so
	// retrieval reports the reuse per key instead of failing the call.
	w = doJSON(t, router, http.MethodPost, "/api/v1/keys/bob/dec_keys", api.DecryptionKeysRequest{
		KeyIDs: []string{usedID, string(interfaces.NewKeyID("bob", 2))},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var decResp api.KeysResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &decResp))
	require.Len(t, decResp.Keys, 1)
	require.Len(t, decResp.Failures, 1)
	assert.Equal(t, usedID, decResp.Failures[0].KeyID)
	assert.Equal(t, api.CodeAlreadyConsumed, decResp.Failures[0].Code)
	assert.NotEmpty(t, decResp.Keys[0].Material)
}

func TestHandleDeactivatePrincipal(t *testing.T) {
	router := testRouter(t)
	registerPrincipal(t, router, "alice")

	w := doJSON(t, router, http.MethodDelete, "/api/v1/principals/alice", nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	// Delivery for the deactivated principal is refused.
	w = doJSON(t, router, http.MethodPost, "/api/v1/keys/alice/dec_keys", api.DecryptionKeysRequest{
		KeyIDs: []string{string(interfaces.NewKeyID("alice", 1))},
	})
	assert.Equal(t, http.StatusConflict, w.Code)
	var errResp api.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &errResp))
	assert.Equal(t, api.CodePrincipalInactive, errResp.Code)
}

func TestHandleSyncAndTickets(t *testing.T) {
	router := testRouter(t)
	registerPrincipal(t, router, "alice")

	w := doJSON(t, router, http.MethodPost, "/api/v1/principals/alice/sync", struct{}{})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var ticket interfaces.SyncTicket
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ticket))
	assert.Equal(t, interfaces.TriggerManual, ticket.Trigger)
	assert.Equal(t, interfaces.SyncSuccess, ticket.Outcome)

	w = doJSON(t, router, http.MethodGet, "/api/v1/principals/alice/tickets", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var tickets []interfaces.SyncTicket
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tickets))
	assert.NotEmpty(t, tickets)
}

func TestHandleReplicateAndPull(t *testing.T) {
	router := testRouter(t)
	registerPrincipal(t, router, "alice")

	// A mirrored principal arrives from the peer, then its keys.
	mirror := interfaces.Principal{
		ID:     "carol",
		Active: true,
		Pool: interfaces.PoolConfig{
			TargetSize:         5,
			MaxKeys:            20,
			KeySize:            32,
			LowWatermark:       0.2,
			EmergencyWatermark: 0.05,
		},
	}
	w := doJSON(t, router, http.MethodPost, "/api/kme/principals", mirror)
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	records := []interfaces.KeyRecord{{
		ID:       interfaces.NewKeyID("carol", 1),
		Owner:    "carol",
		Material: bytes.Repeat([]byte{0xAB}, 32),
		Size:     32,
		Status:   interfaces.KeyStatusUnused,
	}}
	w = doJSON(t, router, http.MethodPost, "/api/kme/replicate", api.ReplicateRequest{Owner: "carol", Records: records})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var repResp api.ReplicateResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &repResp))
	assert.Equal(t, 1, repResp.Imported)

	// Pull serves only principals homed here.
	w = doJSON(t, router, http.MethodPost, "/api/kme/pull", api.PullRequest{Owner: "alice", Count: 2})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var pullResp api.PullResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pullResp))
	require.Len(t, pullResp.Records, 2)
	for _, rec := range pullResp.Records {
		assert.NotEmpty(t, rec.Material)
		assert.Equal(t, interfaces.ReplicationReplicated, rec.Replication)
	}

	w = doJSON(t, router, http.MethodPost, "/api/kme/pull", api.PullRequest{Owner: "carol", Count: 1})
	assert.Equal(t, http.StatusNotFound, w.Code, "replica principals cannot serve pulls")
}

func TestHealthEndpoints(t *testing.T) {
	router := testRouter(t)

	w := doJSON(t, router, http.MethodGet, "/livez", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodGet, "/drain", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = doJSON(t, router, http.MethodGet, "/undrain", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
