package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"apigate/internal/credential"
	"apigate/internal/gate"
	"apigate/internal/models"
	"apigate/internal/ratelimit"
	"apigate/internal/storage"
	"apigate/internal/usage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testStack is everything the router needs, built on memory storage.
type testStack struct {
	store    *storage.MemoryStorage
	cache    *credential.Cache
	limiter  *ratelimit.SlidingLimiter
	recorder *usage.Recorder
	handlers *Handlers
	router   http.Handler
	upstream *httptest.Server
}

func newTestStack(t *testing.T, cfg *models.Config) *testStack {
	t.Helper()

	store := storage.NewMemoryStorage()
	ctx := context.Background()
	for _, plan := range cfg.PlansOrDefault() {
		require.NoError(t, store.SavePlan(ctx, plan))
	}

	cache := credential.NewCache(store, cfg.Gate.CacheTTL, cfg.Gate.StoreTimeout)
	limiter := ratelimit.NewSlidingLimiter(cfg.Gate.CleanupInterval)
	policies := gate.NewPolicyResolver(cfg.PlansOrDefault(), cfg.EndpointPolicies())
	g := gate.New(cache, limiter, policies, nil)
	recorder := usage.NewRecorder(store, cfg.Gate.UsageQueueSize, cfg.Gate.StoreTimeout, time.Second, nil)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream-Got-Key", r.Header.Get("X-API-Key"))
		w.Header().Set("X-Upstream-Got-Path", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))

	cfg.Upstream.BaseURL = upstream.URL
	proxy, err := NewUpstreamProxy(cfg.Upstream, nil)
	require.NoError(t, err)

	handlers := NewHandlers(g, store, cache, recorder, proxy, "test")
	router := SetupRoutes(handlers, cfg)

	t.Cleanup(func() {
		upstream.Close()
		recorder.Close(time.Second)
		limiter.Close()
		cache.Close()
	})

	return &testStack{
		store:    store,
		cache:    cache,
		limiter:  limiter,
		recorder: recorder,
		handlers: handlers,
		router:   router,
		upstream: upstream,
	}
}

// newTestCredential creates a credential in the store and returns the raw key.
func newTestCredential(t *testing.T, store storage.Storage, ownerID, planID string, status models.CredentialStatus) string {
	t.Helper()
	rawKey, err := models.GenerateCredential()
	require.NoError(t, err)
	rec := models.NewCredential(ownerID, planID, rawKey)
	rec.Status = status
	require.NoError(t, store.SaveCredential(context.Background(), rec))
	return rawKey
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) *models.ErrorResponse {
	t.Helper()
	var resp models.ErrorResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	return &resp
}

func TestGateMiddlewareRejections(t *testing.T) {
	stack := newTestStack(t, models.NewDefaultConfig())

	validKey := newTestCredential(t, stack.store, "owner-1", "free", models.StatusActive)
	suspendedKey := newTestCredential(t, stack.store, "owner-2", "free", models.StatusSuspended)
	inactiveKey := newTestCredential(t, stack.store, "owner-3", "free", models.StatusInactive)

	tests := []struct {
		name           string
		key            string
		expectedStatus int
		expectedCode   string
	}{
		{"valid key admitted", validKey, http.StatusOK, ""},
		{"missing key rejected", "", http.StatusUnauthorized, models.ReasonMissingCredential},
		{"unknown key rejected", "agw_does-not-exist", http.StatusUnauthorized, models.ReasonInvalidCredential},
		{"suspended key rejected", suspendedKey, http.StatusForbidden, models.ReasonSuspended},
		{"inactive key looks invalid", inactiveKey, http.StatusUnauthorized, models.ReasonInvalidCredential},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/data", nil)
			if tt.key != "" {
				req.Header.Set("X-API-Key", tt.key)
			}
			rr := httptest.NewRecorder()
			stack.router.ServeHTTP(rr, req)

			assert.Equal(t, tt.expectedStatus, rr.Code)
			if tt.expectedCode != "" {
				assert.Equal(t, tt.expectedCode, decodeError(t, rr).Code)
			}
		})
	}
}

func TestGateMiddlewareQueryParamKey(t *testing.T) {
	stack := newTestStack(t, models.NewDefaultConfig())
	rawKey := newTestCredential(t, stack.store, "owner-1", "free", models.StatusActive)

	req := httptest.NewRequest(http.MethodGet, "/v1/data?api_key="+url.QueryEscape(rawKey), nil)
	rr := httptest.NewRecorder()
	stack.router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestGateMiddlewareRateLimitHeaders(t *testing.T) {
	cfg := models.NewDefaultConfig()
	cfg.Plans = []*models.Plan{{
		ID:   "tiny",
		Name: "Tiny",
		Policies: []models.RateLimitPolicy{
			{Limit: 2, WindowSeconds: 60},
		},
	}}
	stack := newTestStack(t, cfg)
	rawKey := newTestCredential(t, stack.store, "owner-1", "tiny", models.StatusActive)

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/v1/data", nil)
		req.Header.Set("X-API-Key", rawKey)
		rr := httptest.NewRecorder()
		stack.router.ServeHTTP(rr, req)
		return rr
	}

	rr := send()
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "2", rr.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", rr.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rr.Header().Get("X-RateLimit-Reset"))

	rr = send()
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "0", rr.Header().Get("X-RateLimit-Remaining"))

	rr = send()
	require.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("Retry-After"))
	assert.Equal(t, "0", rr.Header().Get("X-RateLimit-Remaining"))

	resp := decodeError(t, rr)
	assert.Equal(t, models.ReasonRateLimited, resp.Code)
	assert.Greater(t, resp.RetryAfter, int64(0))
}

func TestGateMiddlewareRecordsUsage(t *testing.T) {
	stack := newTestStack(t, models.NewDefaultConfig())
	rawKey := newTestCredential(t, stack.store, "owner-1", "free", models.StatusActive)

	req := httptest.NewRequest(http.MethodGet, "/v1/data", nil)
	req.Header.Set("X-API-Key", rawKey)
	rr := httptest.NewRecorder()
	stack.router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	require.Eventually(t, func() bool {
		return stack.store.UsageCount() == 1
	}, time.Second, 10*time.Millisecond, "usage row should be written asynchronously")
}

// failingUsageSink always fails appends while still satisfying the gate's
// view of storage for everything else.
type failingUsageSink struct {
	*storage.MemoryStorage
}

func (f *failingUsageSink) AppendUsage(ctx context.Context, rec *models.UsageRecord) error {
	return assert.AnError
}

func TestRecorderFailureDoesNotAffectAdmission(t *testing.T) {
	cfg := models.NewDefaultConfig()
	stack := newTestStack(t, cfg)
	rawKey := newTestCredential(t, stack.store, "owner-1", "free", models.StatusActive)

	// Swap the recorder for one whose sink always fails.
	failing := usage.NewRecorder(&failingUsageSink{stack.store}, 8, time.Second, 50*time.Millisecond, nil)
	defer failing.Close(time.Second)

	handler := GateMiddleware(stack.handlers.gate, failing)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/data", nil)
	req.Header.Set("X-API-Key", rawKey)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code, "recording failure must never fail an admitted request")
}

func TestGateMiddlewareRecordsClientDisconnect(t *testing.T) {
	stack := newTestStack(t, models.NewDefaultConfig())
	rawKey := newTestCredential(t, stack.store, "owner-1", "free", models.StatusActive)

	// Handler never writes, as a gone caller's handler would not.
	handler := GateMiddleware(stack.handlers.gate, stack.recorder)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/v1/data", nil).WithContext(ctx)
	req.Header.Set("X-API-Key", rawKey)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	// Admission was charged, so the partial outcome still becomes a row.
	require.Eventually(t, func() bool {
		return stack.store.UsageCount() == 1
	}, time.Second, 10*time.Millisecond)

	rows := stack.store.UsageRecords()
	require.Len(t, rows, 1)
	assert.Equal(t, models.StatusClientDisconnect, rows[0].StatusCode)
	assert.Equal(t, "/v1/data", rows[0].Endpoint)
}

func TestExtractKeyPrecedence(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/data?api_key=from-query", nil)
	req.Header.Set("X-API-Key", "from-header")
	assert.Equal(t, "from-header", ExtractKey(req))

	req = httptest.NewRequest(http.MethodGet, "/v1/data?api_key=from-query", nil)
	assert.Equal(t, "from-query", ExtractKey(req))

	req = httptest.NewRequest(http.MethodGet, "/v1/data", nil)
	assert.Equal(t, "", ExtractKey(req))
}
