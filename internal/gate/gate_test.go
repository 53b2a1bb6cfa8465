package gate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apigate/internal/credential"
	"apigate/internal/models"
	"apigate/internal/ratelimit"
)

// fakeResolver returns a canned credential or error and records status writes.
type fakeResolver struct {
	rec          *models.Credential
	err          error
	setStatusErr error
	statusWrites []models.CredentialStatus
}

func (f *fakeResolver) Resolve(ctx context.Context, rawKey string) (*models.Credential, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.rec, nil
}

func (f *fakeResolver) SetStatus(ctx context.Context, rec *models.Credential, status models.CredentialStatus) error {
	f.statusWrites = append(f.statusWrites, status)
	return f.setStatusErr
}

func testPlan(limit int, windowSeconds int64) *models.Plan {
	return &models.Plan{
		ID:       "free",
		Name:     "Free",
		Policies: []models.RateLimitPolicy{{Limit: limit, WindowSeconds: windowSeconds}},
	}
}

func newTestGate(t *testing.T, resolver Resolver, plans []*models.Plan, endpoints map[models.Scope]models.RateLimitPolicy) *Gate {
	t.Helper()
	limiter := ratelimit.NewSlidingLimiter(5 * time.Minute)
	t.Cleanup(limiter.Close)
	return New(resolver, limiter, NewPolicyResolver(plans, endpoints), nil)
}

func activeCred() *models.Credential {
	return &models.Credential{
		ID:      "cred-1",
		OwnerID: "owner-1",
		PlanID:  "free",
		KeyHash: models.HashCredential("k1"),
		Status:  models.StatusActive,
	}
}

func TestGate_MissingCredential(t *testing.T) {
	g := newTestGate(t, &fakeResolver{rec: activeCred()}, []*models.Plan{testPlan(10, 60)}, nil)

	adm, rej := g.Admit(context.Background(), "", []models.Scope{models.ScopeOwner}, time.Now())
	assert.Nil(t, adm)
	require.NotNil(t, rej)
	assert.Equal(t, models.ReasonMissingCredential, rej.Code)
	assert.Equal(t, 401, rej.Status)
}

func TestGate_UnknownCredential(t *testing.T) {
	g := newTestGate(t, &fakeResolver{err: credential.ErrNotFound}, []*models.Plan{testPlan(10, 60)}, nil)

	_, rej := g.Admit(context.Background(), "nope", []models.Scope{models.ScopeOwner}, time.Now())
	require.NotNil(t, rej)
	assert.Equal(t, models.ReasonInvalidCredential, rej.Code)
	assert.Equal(t, 401, rej.Status)
}

func TestGate_ResolverUnavailableFailsClosed(t *testing.T) {
	g := newTestGate(t, &fakeResolver{err: credential.ErrUnavailable}, []*models.Plan{testPlan(10, 60)}, nil)

	adm, rej := g.Admit(context.Background(), "k1", []models.Scope{models.ScopeOwner}, time.Now())
	assert.Nil(t, adm, "an unreachable store must never default to admit")
	require.NotNil(t, rej)
	assert.Equal(t, models.ReasonUnavailable, rej.Code)
	assert.Equal(t, 503, rej.Status)
}

func TestGate_StatusRejections(t *testing.T) {
	tests := []struct {
		status     models.CredentialStatus
		wantCode   string
		wantStatus int
	}{
		{models.StatusSuspended, models.ReasonSuspended, 403},
		{models.StatusInactive, models.ReasonInvalidCredential, 401},
		{models.StatusExpired, models.ReasonExpired, 403},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			rec := activeCred()
			rec.Status = tt.status
			g := newTestGate(t, &fakeResolver{rec: rec}, []*models.Plan{testPlan(10, 60)}, nil)

			adm, rej := g.Admit(context.Background(), "k1", []models.Scope{models.ScopeOwner}, time.Now())
			assert.Nil(t, adm)
			require.NotNil(t, rej)
			assert.Equal(t, tt.wantCode, rej.Code)
			assert.Equal(t, tt.wantStatus, rej.Status)
		})
	}
}

func TestGate_NonActiveRejectedRegardlessOfQuota(t *testing.T) {
	rec := activeCred()
	rec.Status = models.StatusSuspended
	g := newTestGate(t, &fakeResolver{rec: rec}, []*models.Plan{testPlan(1000, 60)}, nil)

	// Quota is wide open; the reject must come from status alone, every time.
	for i := 0; i < 5; i++ {
		_, rej := g.Admit(context.Background(), "k1", []models.Scope{models.ScopeOwner}, time.Now())
		require.NotNil(t, rej)
		assert.Equal(t, models.ReasonSuspended, rej.Code)
	}
}

func TestGate_LazyExpiry(t *testing.T) {
	rec := activeCred()
	past := time.Now().Add(-time.Hour)
	rec.ExpiresAt = &past
	resolver := &fakeResolver{rec: rec}
	g := newTestGate(t, resolver, []*models.Plan{testPlan(10, 60)}, nil)

	_, rej := g.Admit(context.Background(), "k1", []models.Scope{models.ScopeOwner}, time.Now())
	require.NotNil(t, rej)
	assert.Equal(t, models.ReasonExpired, rej.Code)
	require.Len(t, resolver.statusWrites, 1, "expiry transition must be persisted")
	assert.Equal(t, models.StatusExpired, resolver.statusWrites[0])
}

func TestGate_LazyExpiryPersistFailureStillRejects(t *testing.T) {
	rec := activeCred()
	past := time.Now().Add(-time.Hour)
	rec.ExpiresAt = &past
	resolver := &fakeResolver{rec: rec, setStatusErr: errors.New("store down")}
	g := newTestGate(t, resolver, []*models.Plan{testPlan(10, 60)}, nil)

	_, rej := g.Admit(context.Background(), "k1", []models.Scope{models.ScopeOwner}, time.Now())
	require.NotNil(t, rej)
	assert.Equal(t, models.ReasonExpired, rej.Code)
}

func TestGate_FutureExpiryAdmits(t *testing.T) {
	rec := activeCred()
	future := time.Now().Add(time.Hour)
	rec.ExpiresAt = &future
	g := newTestGate(t, &fakeResolver{rec: rec}, []*models.Plan{testPlan(10, 60)}, nil)

	adm, rej := g.Admit(context.Background(), "k1", []models.Scope{models.ScopeOwner}, time.Now())
	assert.Nil(t, rej)
	require.NotNil(t, adm)
	assert.Equal(t, "owner-1", adm.Credential.OwnerID)
	assert.Equal(t, "free", adm.PlanID)
}

func TestGate_RateLimitScenario(t *testing.T) {
	// Plan limit 2/60s; calls at t=0,1,2 go admit, admit, deny(retry~58);
	// a call at t=61 admits again.
	g := newTestGate(t, &fakeResolver{rec: activeCred()}, []*models.Plan{testPlan(2, 60)},
		map[models.Scope]models.RateLimitPolicy{})
	scopes := []models.Scope{models.ScopeOwner, models.EndpointScope("/verify")}
	base := time.Now()

	adm, rej := g.Admit(context.Background(), "k1", scopes, base)
	require.Nil(t, rej)
	assert.Equal(t, 1, adm.Remaining)

	adm, rej = g.Admit(context.Background(), "k1", scopes, base.Add(time.Second))
	require.Nil(t, rej)
	assert.Equal(t, 0, adm.Remaining)

	_, rej = g.Admit(context.Background(), "k1", scopes, base.Add(2*time.Second))
	require.NotNil(t, rej)
	assert.Equal(t, models.ReasonRateLimited, rej.Code)
	assert.Equal(t, 429, rej.Status)
	assert.Equal(t, 2, rej.Limit)
	assert.Equal(t, int64(60), rej.WindowSeconds)
	assert.Equal(t, 58*time.Second, rej.RetryAfter)

	adm, rej = g.Admit(context.Background(), "k1", scopes, base.Add(61*time.Second))
	assert.Nil(t, rej)
	require.NotNil(t, adm)
}

func TestGate_MultiScopeMostRestrictiveWins(t *testing.T) {
	endpoints := map[models.Scope]models.RateLimitPolicy{
		models.EndpointScope("/verify"): {Limit: 100, WindowSeconds: 60},
	}
	g := newTestGate(t, &fakeResolver{rec: activeCred()}, []*models.Plan{testPlan(5, 60)}, endpoints)
	scopes := []models.Scope{models.ScopeOwner, models.EndpointScope("/verify")}
	base := time.Now()

	// Exhaust the owner scope; the roomy resource scope must not save it.
	for i := 0; i < 5; i++ {
		_, rej := g.Admit(context.Background(), "k1", scopes, base.Add(time.Duration(i)*time.Second))
		require.Nil(t, rej)
	}
	_, rej := g.Admit(context.Background(), "k1", scopes, base.Add(6*time.Second))
	require.NotNil(t, rej)
	assert.Equal(t, models.ReasonRateLimited, rej.Code)
}

func TestGate_MultiScopeResourceDenies(t *testing.T) {
	endpoints := map[models.Scope]models.RateLimitPolicy{
		models.EndpointScope("/batch"): {Limit: 1, WindowSeconds: 60},
	}
	g := newTestGate(t, &fakeResolver{rec: activeCred()}, []*models.Plan{testPlan(5, 60)}, endpoints)
	scopes := []models.Scope{models.ScopeOwner, models.EndpointScope("/batch")}
	base := time.Now()

	_, rej := g.Admit(context.Background(), "k1", scopes, base)
	require.Nil(t, rej)

	// Owner scope has room (used 2 of 5) but the resource scope is full.
	_, rej = g.Admit(context.Background(), "k1", scopes, base.Add(time.Second))
	require.NotNil(t, rej)
	assert.Equal(t, models.ReasonRateLimited, rej.Code)
	assert.Equal(t, 1, rej.Limit)
}

func TestGate_UnscopedEndpointIsUnlimited(t *testing.T) {
	g := newTestGate(t, &fakeResolver{rec: activeCred()}, []*models.Plan{testPlan(1000, 60)}, nil)
	scopes := []models.Scope{models.ScopeOwner, models.EndpointScope("/domains")}

	for i := 0; i < 20; i++ {
		_, rej := g.Admit(context.Background(), "k1", scopes, time.Now())
		require.Nil(t, rej, "endpoint without an override only counts against the plan")
	}
}

func TestGate_UnknownPlanFailsClosed(t *testing.T) {
	rec := activeCred()
	rec.PlanID = "no-such-plan"
	g := newTestGate(t, &fakeResolver{rec: rec}, []*models.Plan{testPlan(10, 60)}, nil)

	adm, rej := g.Admit(context.Background(), "k1", []models.Scope{models.ScopeOwner}, time.Now())
	assert.Nil(t, adm)
	require.NotNil(t, rej)
	assert.Equal(t, models.ReasonUnavailable, rej.Code)
}

func TestGate_PlanLadderSharedAcrossCredentialsOfOwner(t *testing.T) {
	// Two credentials of the same owner share the owner-scope window.
	limiter := ratelimit.NewSlidingLimiter(5 * time.Minute)
	defer limiter.Close()
	policies := NewPolicyResolver([]*models.Plan{testPlan(2, 60)}, nil)

	recA := activeCred()
	recB := activeCred()
	recB.ID = "cred-2"
	recB.KeyHash = models.HashCredential("k2")

	gA := New(&fakeResolver{rec: recA}, limiter, policies, nil)
	gB := New(&fakeResolver{rec: recB}, limiter, policies, nil)

	now := time.Now()
	_, rej := gA.Admit(context.Background(), "k1", []models.Scope{models.ScopeOwner}, now)
	require.Nil(t, rej)
	_, rej = gB.Admit(context.Background(), "k2", []models.Scope{models.ScopeOwner}, now)
	require.Nil(t, rej)

	_, rej = gA.Admit(context.Background(), "k1", []models.Scope{models.ScopeOwner}, now)
	require.NotNil(t, rej)
	assert.Equal(t, models.ReasonRateLimited, rej.Code)
}
