package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"apigate/internal/models"
)

// MemoryStorage is a thread-safe in-memory implementation for tests and
// development. Records are deep-copied on the way in and out so callers
// never share mutable state with the store.
type MemoryStorage struct {
	mu          sync.RWMutex
	credentials map[string]*models.Credential // by ID
	byHash      map[string]string             // key hash → ID
	plans       map[string]*models.Plan
	usage       []*models.UsageRecord
}

// NewMemoryStorage creates an empty in-memory store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		credentials: make(map[string]*models.Credential),
		byHash:      make(map[string]string),
		plans:       make(map[string]*models.Plan),
	}
}

func (ms *MemoryStorage) GetCredentialByHash(ctx context.Context, keyHash string) (*models.Credential, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	id, ok := ms.byHash[keyHash]
	if !ok {
		return nil, ErrNotFound
	}
	return copyCredential(ms.credentials[id]), nil
}

func (ms *MemoryStorage) GetCredential(ctx context.Context, id string) (*models.Credential, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	rec, ok := ms.credentials[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyCredential(rec), nil
}

func (ms *MemoryStorage) SaveCredential(ctx context.Context, rec *models.Credential) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.credentials[rec.ID] = copyCredential(rec)
	ms.byHash[rec.KeyHash] = rec.ID
	return nil
}

func (ms *MemoryStorage) SetCredentialStatus(ctx context.Context, id string, status models.CredentialStatus) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	rec, ok := ms.credentials[id]
	if !ok {
		return ErrNotFound
	}
	rec.Status = status
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (ms *MemoryStorage) ListCredentials(ctx context.Context) ([]*models.Credential, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	out := make([]*models.Credential, 0, len(ms.credentials))
	for _, rec := range ms.credentials {
		out = append(out, copyCredential(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (ms *MemoryStorage) GetPlan(ctx context.Context, id string) (*models.Plan, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	plan, ok := ms.plans[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyPlan(plan), nil
}

func (ms *MemoryStorage) SavePlan(ctx context.Context, plan *models.Plan) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.plans[plan.ID] = copyPlan(plan)
	return nil
}

func (ms *MemoryStorage) Plans(ctx context.Context) ([]*models.Plan, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	out := make([]*models.Plan, 0, len(ms.plans))
	for _, plan := range ms.plans {
		out = append(out, copyPlan(plan))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (ms *MemoryStorage) AppendUsage(ctx context.Context, rec *models.UsageRecord) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	cp := *rec
	ms.usage = append(ms.usage, &cp)
	return nil
}

func (ms *MemoryStorage) UsageSummary(ctx context.Context, credentialID string, since time.Time) (*models.UsageSummary, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	summary := &models.UsageSummary{CredentialID: credentialID, Since: since}
	var latencySum int64
	for _, rec := range ms.usage {
		if rec.CredentialID != credentialID || rec.Timestamp.Before(since) {
			continue
		}
		summary.TotalRequests++
		latencySum += rec.LatencyMS
		if rec.StatusCode >= 400 {
			summary.ErrorRequests++
		}
	}
	if summary.TotalRequests > 0 {
		summary.AvgLatencyMS = float64(latencySum) / float64(summary.TotalRequests)
	}
	return summary, nil
}

// UsageCount reports the number of stored usage rows. Test helper.
func (ms *MemoryStorage) UsageCount() int {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return len(ms.usage)
}

// UsageRecords returns copies of all stored usage rows. Test helper.
func (ms *MemoryStorage) UsageRecords() []*models.UsageRecord {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	out := make([]*models.UsageRecord, 0, len(ms.usage))
	for _, rec := range ms.usage {
		cp := *rec
		out = append(out, &cp)
	}
	return out
}

func (ms *MemoryStorage) Close() error { return nil }

func copyCredential(rec *models.Credential) *models.Credential {
	cp := *rec
	if rec.ExpiresAt != nil {
		t := *rec.ExpiresAt
		cp.ExpiresAt = &t
	}
	return &cp
}

func copyPlan(plan *models.Plan) *models.Plan {
	cp := *plan
	cp.Policies = append([]models.RateLimitPolicy(nil), plan.Policies...)
	return &cp
}
