package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"apigate/internal/gate"
	"apigate/internal/models"
	"apigate/internal/ratelimit"
	"apigate/internal/usage"

	"github.com/gorilla/mux"
)

type contextKey string

const admissionKey contextKey = "admission"

// AdmissionFromContext returns the gate admission attached to an
// authenticated request, or nil outside the gated path.
func AdmissionFromContext(ctx context.Context) *gate.Admission {
	adm, _ := ctx.Value(admissionKey).(*gate.Admission)
	return adm
}

// ExtractKey pulls the raw API key from the request. The header wins over
// the query parameter when both are set.
func ExtractKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}

// GateMiddleware runs every request through the admission gate and records a
// usage row for each admitted request once the handler completes. Rejected
// requests are answered with the gate's reason code and never reach the
// handler.
func GateMiddleware(g gate.Admitter, recorder *usage.Recorder) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			now := time.Now().UTC()
			scopes := []models.Scope{models.ScopeOwner, models.EndpointScope(r.URL.Path)}

			adm, rej := g.Admit(r.Context(), ExtractKey(r), scopes, now)
			if rej != nil {
				writeRejection(w, rej)
				return
			}

			// Limit 0 means no policy applied to this request; headers
			// would only mislead.
			if adm.Limit > 0 {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(adm.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(adm.Remaining))
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(adm.ResetAt.Unix(), 10))
			}

			rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			ctx := context.WithValue(r.Context(), admissionKey, adm)

			defer func() {
				if recorder == nil {
					return
				}
				status := rw.status
				if !rw.wrote && errors.Is(ctx.Err(), context.Canceled) {
					status = models.StatusClientDisconnect
				}
				rec := models.NewUsageRecord(adm.Credential.ID, adm.Credential.OwnerID, string(models.ScopeOwner))
				rec.Endpoint = r.URL.Path
				rec.Method = r.Method
				rec.StatusCode = status
				rec.LatencyMS = time.Since(now).Milliseconds()
				rec.ClientIP = ratelimit.ClientIP(r)
				recorder.Record(rec)
			}()

			next.ServeHTTP(rw, r.WithContext(ctx))
		})
	}
}

func writeRejection(w http.ResponseWriter, rej *gate.Rejection) {
	if rej.Code == models.ReasonRateLimited {
		retryAfter := int64(rej.RetryAfter / time.Second)
		if rej.RetryAfter%time.Second != 0 {
			retryAfter++
		}
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rej.Limit))
		w.Header().Set("X-RateLimit-Remaining", "0")

		resp := models.NewErrorResponse(rej.Message, rej.Code)
		resp.RetryAfter = retryAfter
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(rej.Status)
		json.NewEncoder(w).Encode(resp)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(rej.Status)
	json.NewEncoder(w).Encode(models.NewErrorResponse(rej.Message, rej.Code))
}

// statusRecorder captures the status code written by the handler so the
// usage row can carry the real outcome.
type statusRecorder struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (sr *statusRecorder) WriteHeader(status int) {
	sr.status = status
	sr.wrote = true
	sr.ResponseWriter.WriteHeader(status)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	sr.wrote = true
	return sr.ResponseWriter.Write(b)
}

// Flush passes through for streaming upstreams.
func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack passes through so websocket upgrades survive the wrapper.
func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hj, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return hj.Hijack()
	}
	return nil, nil, fmt.Errorf("response writer does not support hijacking")
}
