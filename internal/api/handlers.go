package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"apigate/internal/credential"
	"apigate/internal/gate"
	"apigate/internal/models"
	"apigate/internal/storage"
	"apigate/internal/usage"
)

// Handlers contains HTTP handlers for the gateway API
type Handlers struct {
	gate     gate.Admitter
	store    storage.Storage
	cache    *credential.Cache
	recorder *usage.Recorder
	proxy    *UpstreamProxy
	version  string
}

// NewHandlers creates a new handlers instance
func NewHandlers(g gate.Admitter, store storage.Storage, cache *credential.Cache, recorder *usage.Recorder, proxy *UpstreamProxy, version string) *Handlers {
	return &Handlers{
		gate:     g,
		store:    store,
		cache:    cache,
		recorder: recorder,
		proxy:    proxy,
		version:  version,
	}
}

// HealthCheck reports service liveness and per-component state.
// GET /health
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	components := make(map[string]models.ComponentHealth)
	status := "healthy"

	if _, err := h.store.Plans(r.Context()); err != nil {
		components["storage"] = models.ComponentHealth{Status: "unhealthy", Message: err.Error()}
		status = "degraded"
	} else {
		components["storage"] = models.ComponentHealth{Status: "healthy"}
	}

	if h.recorder != nil {
		_, _, dropped := h.recorder.Stats()
		rc := models.ComponentHealth{Status: "healthy"}
		if dropped > 0 {
			rc.Status = "degraded"
			rc.Message = "usage records have been dropped"
			status = "degraded"
		}
		components["usage_recorder"] = rc
	}

	if h.proxy != nil {
		if err := h.proxy.Probe(r.Context()); err != nil {
			components["upstream"] = models.ComponentHealth{Status: "unhealthy", Message: err.Error()}
			status = "degraded"
		} else {
			components["upstream"] = models.ComponentHealth{Status: "healthy"}
		}
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	h.writeJSONResponse(w, code, &models.HealthCheckResponse{
		Status:     status,
		Timestamp:  time.Now().UTC(),
		Version:    h.version,
		Components: components,
	})
}

// UsageStats reports usage for the authenticated caller's credential.
// GET /v1/stats?since=<RFC3339>, behind the gate.
func (h *Handlers) UsageStats(w http.ResponseWriter, r *http.Request) {
	adm := AdmissionFromContext(r.Context())
	if adm == nil {
		h.writeErrorResponse(w, http.StatusUnauthorized, models.ReasonMissingCredential, "API key is required.")
		return
	}

	since := time.Now().UTC().Add(-24 * time.Hour)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.writeErrorResponse(w, http.StatusBadRequest, "INVALID_REQUEST", "since must be an RFC3339 timestamp")
			return
		}
		since = parsed
	}

	summary, err := h.store.UsageSummary(r.Context(), adm.Credential.ID, since)
	if err != nil {
		slog.Error("usage summary failed", "error", err, "credential_id", adm.Credential.ID)
		h.writeErrorResponse(w, http.StatusServiceUnavailable, models.ReasonUnavailable, "Usage data is temporarily unavailable.")
		return
	}

	h.writeJSONResponse(w, http.StatusOK, &models.UsageStatsResponse{
		CredentialID:  adm.Credential.ID,
		PlanID:        adm.PlanID,
		Since:         summary.Since,
		TotalRequests: summary.TotalRequests,
		ErrorRequests: summary.ErrorRequests,
		AvgLatencyMS:  summary.AvgLatencyMS,
	})
}

// Proxy forwards an admitted request to the upstream service.
func (h *Handlers) Proxy(w http.ResponseWriter, r *http.Request) {
	h.proxy.ServeHTTP(w, r)
}

// writeJSONResponse writes a JSON response
func (h *Handlers) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeErrorResponse writes an error response
func (h *Handlers) writeErrorResponse(w http.ResponseWriter, statusCode int, code, message string) {
	errorResp := models.NewErrorResponse(message, code)
	h.writeJSONResponse(w, statusCode, errorResp)
}
