package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"apigate/internal/models"
	"apigate/internal/storage"

	"github.com/gorilla/mux"
)

// AdminAuthMiddleware guards the credential management API with a static
// bearer token. The comparison is constant time.
func AdminAuthMiddleware(token string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(authHeader, prefix) {
				writeAdminError(w, http.StatusUnauthorized, "Authorization required")
				return
			}
			presented := authHeader[len(prefix):]
			if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				writeAdminError(w, http.StatusUnauthorized, "Invalid admin token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CreateCredentialRequest is the admin payload for minting a new API key.
type CreateCredentialRequest struct {
	OwnerID   string     `json:"owner_id"`
	PlanID    string     `json:"plan_id"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// AdminCreateCredential mints a credential and returns the raw key. This is
// the only moment the key is visible; only its hash is stored.
// POST /admin/v1/credentials
func (h *Handlers) AdminCreateCredential(w http.ResponseWriter, r *http.Request) {
	var req CreateCredentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.OwnerID == "" {
		writeAdminError(w, http.StatusBadRequest, "owner_id is required")
		return
	}
	if req.PlanID == "" {
		req.PlanID = "free"
	}
	if _, err := h.store.GetPlan(r.Context(), req.PlanID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeAdminError(w, http.StatusBadRequest, "Unknown plan: "+req.PlanID)
			return
		}
		writeAdminError(w, http.StatusServiceUnavailable, "Plan lookup failed")
		return
	}
	if req.ExpiresAt != nil && req.ExpiresAt.Before(time.Now()) {
		writeAdminError(w, http.StatusBadRequest, "expires_at must be in the future")
		return
	}

	rawKey, err := models.GenerateCredential()
	if err != nil {
		slog.Error("failed to generate credential", "error", err)
		writeAdminError(w, http.StatusInternalServerError, "Failed to generate credential")
		return
	}
	rec := models.NewCredential(req.OwnerID, req.PlanID, rawKey)
	rec.ExpiresAt = req.ExpiresAt
	if err := h.store.SaveCredential(r.Context(), rec); err != nil {
		slog.Error("failed to save credential", "error", err, "owner_id", req.OwnerID)
		writeAdminError(w, http.StatusServiceUnavailable, "Failed to persist credential")
		return
	}

	h.writeJSONResponse(w, http.StatusCreated, &models.CreateCredentialResponse{
		ID:        rec.ID,
		OwnerID:   rec.OwnerID,
		PlanID:    rec.PlanID,
		Key:       rawKey,
		Prefix:    rec.Prefix,
		Status:    string(rec.Status),
		ExpiresAt: rec.ExpiresAt,
		CreatedAt: rec.CreatedAt,
	})
}

// AdminListCredentials lists all credentials without hashes.
// GET /admin/v1/credentials
func (h *Handlers) AdminListCredentials(w http.ResponseWriter, r *http.Request) {
	recs, err := h.store.ListCredentials(r.Context())
	if err != nil {
		slog.Error("failed to list credentials", "error", err)
		writeAdminError(w, http.StatusServiceUnavailable, "Failed to list credentials")
		return
	}

	summaries := make([]models.CredentialSummary, 0, len(recs))
	for _, rec := range recs {
		summaries = append(summaries, models.CredentialSummary{
			ID:        rec.ID,
			OwnerID:   rec.OwnerID,
			PlanID:    rec.PlanID,
			Prefix:    rec.Prefix,
			Status:    string(rec.Status),
			ExpiresAt: rec.ExpiresAt,
			CreatedAt: rec.CreatedAt,
			UpdatedAt: rec.UpdatedAt,
		})
	}

	h.writeJSONResponse(w, http.StatusOK, &models.ListCredentialsResponse{
		Credentials: summaries,
		TotalCount:  len(summaries),
	})
}

// SetStatusRequest is the admin payload for a credential status change.
type SetStatusRequest struct {
	Status models.CredentialStatus `json:"status"`
}

// AdminSetCredentialStatus suspends, reactivates or retires a credential and
// drops its cached snapshot so the change takes effect on the next request.
// PUT /admin/v1/credentials/{id}/status
func (h *Handlers) AdminSetCredentialStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req SetStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	switch req.Status {
	case models.StatusActive, models.StatusSuspended, models.StatusInactive, models.StatusExpired:
	default:
		writeAdminError(w, http.StatusBadRequest, "Unknown status: "+string(req.Status))
		return
	}

	rec, err := h.store.GetCredential(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeAdminError(w, http.StatusNotFound, "Credential not found")
			return
		}
		writeAdminError(w, http.StatusServiceUnavailable, "Credential lookup failed")
		return
	}

	if err := h.store.SetCredentialStatus(r.Context(), id, req.Status); err != nil {
		slog.Error("failed to set credential status", "error", err, "credential_id", id)
		writeAdminError(w, http.StatusServiceUnavailable, "Failed to update credential")
		return
	}
	if h.cache != nil {
		h.cache.InvalidateHash(rec.KeyHash)
	}

	rec.Status = req.Status
	rec.UpdatedAt = time.Now().UTC()
	h.writeJSONResponse(w, http.StatusOK, &models.CredentialSummary{
		ID:        rec.ID,
		OwnerID:   rec.OwnerID,
		PlanID:    rec.PlanID,
		Prefix:    rec.Prefix,
		Status:    string(rec.Status),
		ExpiresAt: rec.ExpiresAt,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	})
}

// AdminListPlans lists the configured billing tiers.
// GET /admin/v1/plans
func (h *Handlers) AdminListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.store.Plans(r.Context())
	if err != nil {
		slog.Error("failed to list plans", "error", err)
		writeAdminError(w, http.StatusServiceUnavailable, "Failed to list plans")
		return
	}
	h.writeJSONResponse(w, http.StatusOK, &models.ListPlansResponse{Plans: plans})
}

func writeAdminError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(models.NewErrorResponse(message, ""))
}
