package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/omkar-sarwat/Qumail-sub003/api"
	"github.com/omkar-sarwat/Qumail-sub003/interfaces"
	"github.com/omkar-sarwat/Qumail-sub003/lkm"
)

// Handler processes Key Delivery API requests and the node-to-node
// replication endpoints. All domain decisions live in the LKM; the handler
// only decodes requests, normalizes field aliases, and maps errors onto
// the wire contract.
type Handler struct {
	manager *lkm.Manager
	log     *slog.Logger
}

func NewHandler(manager *lkm.Manager, log *slog.Logger) *Handler {
	return &Handler{manager: manager, log: log}
}

// HandleRegisterPrincipal registers a new principal and seeds its pool.
//
// URL format: POST /api/v1/principals
func (h *Handler) HandleRegisterPrincipal(w http.ResponseWriter, r *http.Request) {
	var req api.RegisterPrincipalRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.ID == "" {
		h.badRequest(w, "missing principal id")
		return
	}

	p := interfaces.Principal{
		ID:      req.ID,
		Label:   req.Label,
		Contact: req.Contact,
		Pool: interfaces.PoolConfig{
			TargetSize:         req.InitialPoolSize,
			MaxKeys:            req.MaxKeys,
			LowWatermark:       req.LowWatermark,
			EmergencyWatermark: req.EmergencyWatermark,
		},
	}
	created, err := h.manager.RegisterPrincipal(r.Context(), p)
	if err != nil {
		h.writeError(r.Context(), w, err, "Principal registration failed", "principal", req.ID)
		return
	}
	h.writeJSON(w, http.StatusCreated, created)
}

// HandleListPrincipals lists every registered principal.
//
// URL format: GET /api/v1/principals
func (h *Handler) HandleListPrincipals(w http.ResponseWriter, r *http.Request) {
	principals, err := h.manager.Principals(r.Context())
	if err != nil {
		h.writeError(r.Context(), w, err, "Principal listing failed")
		return
	}
	h.writeJSON(w, http.StatusOK, principals)
}

// HandleDeactivatePrincipal soft-deactivates a principal.
//
// URL format: DELETE /api/v1/principals/{principal_id}
func (h *Handler) HandleDeactivatePrincipal(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("principal_id")
	if err := h.manager.Deactivate(r.Context(), id); err != nil {
		h.writeError(r.Context(), w, err, "Principal deactivation failed", "principal", id)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleStatus returns the pool summary for a principal.
//
// URL format: GET /api/v1/principals/{principal_id}/status
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("principal_id")
	summary, err := h.manager.Status(r.Context(), id)
	if err != nil {
		h.writeError(r.Context(), w, err, "Status lookup failed", "principal", id)
		return
	}
	h.writeJSON(w, http.StatusOK, summary)
}

// HandleEncryptionKeys serves an encryption delivery from the target
// principal's pool. The body's requester field names the caller; the target
// in the URL wins over any target alias in the body.
//
// URL format: POST /api/v1/keys/{target_id}/enc_keys
func (h *Handler) HandleEncryptionKeys(w http.ResponseWriter, r *http.Request) {
	var req api.EncryptionKeysRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.Target = r.PathValue("target_id")
	if req.Count == 0 {
		req.Count = 1
	}
	if err := req.Validate(); err != nil {
		h.badRequest(w, err.Error())
		return
	}

	records, err := h.manager.RequestEncryptionKeys(r.Context(), req.Requester, req.Target, req.Count, req.SizeBytes())
	if err != nil {
		h.writeError(r.Context(), w, err, "Encryption key delivery failed",
			"requester", req.Requester, "target", req.Target, "count", req.Count)
		return
	}

	resp := api.KeysResponse{Keys: make([]api.KeyEnvelope, len(records))}
	for i, rec := range records {
		resp.Keys[i] = api.KeyEnvelope{KeyID: string(rec.ID), Material: rec.Material}
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// HandleDecryptionKeys serves a decryption retrieval from the owner's own
// pool. The outcome is per-key: keys that were already consumed or expired
// come back as failures without affecting the rest.
//
// URL format: POST /api/v1/keys/{owner_id}/dec_keys
func (h *Handler) HandleDecryptionKeys(w http.ResponseWriter, r *http.Request) {
	owner := r.PathValue("owner_id")
	var req api.DecryptionKeysRequest
	if !h.decode(w, r, &req) {
		return
	}
	if len(req.KeyIDs) == 0 {
		h.badRequest(w, "missing key_ids")
		return
	}

	results, err := h.manager.RequestDecryptionKeys(r.Context(), owner, req.KeyIDs)
	if err != nil {
		h.writeError(r.Context(), w, err, "Decryption key retrieval failed", "owner", owner)
		return
	}

	var resp api.KeysResponse
	for _, res := range results {
		if res.Err != nil {
			_, code := api.ClassifyError(res.Err)
			resp.Failures = append(resp.Failures, api.KeyFailure{
				KeyID:   string(res.ID),
				Code:    code,
				Message: res.Err.Error(),
			})
			continue
		}
		resp.Keys = append(resp.Keys, api.KeyEnvelope{KeyID: string(res.ID), Material: res.Record.Material})
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// HandleSync runs a manual synchronization for a principal's pool and
// returns the resulting ticket.
//
// URL format: POST /api/v1/principals/{principal_id}/sync
func (h *Handler) HandleSync(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("principal_id")
	ticket, err := h.manager.RequestSync(r.Context(), id)
	if err != nil {
		h.writeError(r.Context(), w, err, "Manual sync failed", "principal", id)
		return
	}
	status := http.StatusOK
	if ticket.Outcome != interfaces.SyncSuccess {
		status = http.StatusBadGateway
	}
	h.writeJSON(w, status, ticket)
}

// HandleTickets returns the recent sync tickets for a principal.
//
// URL format: GET /api/v1/principals/{principal_id}/tickets
func (h *Handler) HandleTickets(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("principal_id")
	tickets, err := h.manager.Tickets(r.Context(), id, 50)
	if err != nil {
		h.writeError(r.Context(), w, err, "Ticket listing failed", "principal", id)
		return
	}
	h.writeJSON(w, http.StatusOK, tickets)
}

// HandleMirrorPrincipal applies a principal mirrored from the paired node.
//
// URL format: POST /api/kme/principals
func (h *Handler) HandleMirrorPrincipal(w http.ResponseWriter, r *http.Request) {
	var p interfaces.Principal
	if !h.decode(w, r, &p) {
		return
	}
	if err := h.manager.HandleMirror(r.Context(), p); err != nil {
		h.writeError(r.Context(), w, err, "Principal mirror failed", "principal", p.ID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleReplicate imports key records pushed by the paired node.
//
// URL format: POST /api/kme/replicate
func (h *Handler) HandleReplicate(w http.ResponseWriter, r *http.Request) {
	var req api.ReplicateRequest
	if !h.decode(w, r, &req) {
		return
	}
	imported, err := h.manager.HandleReplicate(r.Context(), req.Records)
	if err != nil {
		h.writeError(r.Context(), w, err, "Replica import failed", "owner", req.Owner)
		return
	}
	h.writeJSON(w, http.StatusOK, api.ReplicateResponse{Imported: imported})
}

// HandlePull generates fresh keys in the local authoritative pool on the
// paired node's behalf and returns them with material.
//
// URL format: POST /api/kme/pull
func (h *Handler) HandlePull(w http.ResponseWriter, r *http.Request) {
	var req api.PullRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Owner == "" || req.Count <= 0 {
		h.badRequest(w, "missing owner or count")
		return
	}
	records, err := h.manager.HandlePull(r.Context(), req.Owner, req.Count, req.Size)
	if err != nil {
		h.writeError(r.Context(), w, err, "Pull generation failed", "owner", req.Owner, "count", req.Count)
		return
	}
	h.writeJSON(w, http.StatusOK, api.PullResponse{Records: records})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	body := http.MaxBytesReader(w, r.Body, api.MaxBodySize)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		h.badRequest(w, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func (h *Handler) badRequest(w http.ResponseWriter, msg string) {
	h.writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: msg, Code: api.CodeBadRequest})
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, err error, msg string, args ...any) {
	status, code := api.ClassifyError(err)
	if status >= http.StatusInternalServerError {
		h.log.Error(msg, append(args, "err", err)...)
	} else {
		h.log.Info(msg, append(args, "err", err, "code", code)...)
	}

	resp := api.ErrorResponse{Error: err.Error(), Code: code}
	// Capacity-style failures carry the pool summary so the caller can tell
	// whether waiting for a sync will help.
	var insufficient *interfaces.InsufficientKeysError
	if errors.As(err, &insufficient) {
		if summary, serr := h.manager.Status(ctx, insufficient.Owner); serr == nil {
			resp.Pool = &summary
		}
	}
	h.writeJSON(w, status, resp)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("Failed to encode response", "err", err)
	}
}
