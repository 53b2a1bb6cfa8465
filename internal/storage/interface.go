// Package storage persists credentials, plans and usage records. It provides
// a clean abstraction implemented by in-memory, SQLite and PostgreSQL
// backends; the gate only ever sees the interface.
package storage

import (
	"context"
	"time"

	"apigate/internal/models"
)

// Storage is the durable source of truth behind the gate. It doubles as the
// credential store consulted on cache miss and the append-only usage sink.
type Storage interface {
	// GetCredentialByHash retrieves a credential by the SHA-256 hex hash of
	// its raw key. Returns ErrNotFound when no such credential exists.
	GetCredentialByHash(ctx context.Context, keyHash string) (*models.Credential, error)

	// GetCredential retrieves a credential by its ID.
	GetCredential(ctx context.Context, id string) (*models.Credential, error)

	// SaveCredential stores or updates a credential.
	SaveCredential(ctx context.Context, rec *models.Credential) error

	// SetCredentialStatus persists a status transition, e.g. the lazy
	// active → expired flip or an operator suspension.
	SetCredentialStatus(ctx context.Context, id string, status models.CredentialStatus) error

	// ListCredentials returns all credentials, most recently created first.
	ListCredentials(ctx context.Context) ([]*models.Credential, error)

	// GetPlan retrieves a plan by ID. Returns ErrNotFound when absent.
	GetPlan(ctx context.Context, id string) (*models.Plan, error)

	// SavePlan stores or updates a plan with its policies.
	SavePlan(ctx context.Context, plan *models.Plan) error

	// Plans returns all plans.
	Plans(ctx context.Context) ([]*models.Plan, error)

	// AppendUsage appends one immutable usage record.
	AppendUsage(ctx context.Context, rec *models.UsageRecord) error

	// UsageSummary aggregates usage for one credential since the given time.
	UsageSummary(ctx context.Context, credentialID string, since time.Time) (*models.UsageSummary, error)

	// Close closes the storage connection and cleans up resources.
	Close() error
}
