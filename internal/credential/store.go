// Package credential resolves raw API keys to credential records through a
// time-bounded cache in front of the durable credential store. The cache
// absorbs store load and outages for known keys while bounding how long a
// revoked credential keeps working.
package credential

import (
	"context"
	"errors"

	"apigate/internal/models"
)

// Store is the durable source of truth for credentials. Implementations must
// honor context deadlines; the cache wraps every call in a bounded timeout.
type Store interface {
	// GetCredentialByHash looks up a credential by the SHA-256 hex hash of
	// its raw key. Returns storage.ErrNotFound when no such credential exists.
	GetCredentialByHash(ctx context.Context, keyHash string) (*models.Credential, error)

	// SetCredentialStatus persists a status transition, e.g. the lazy
	// active → expired flip.
	SetCredentialStatus(ctx context.Context, id string, status models.CredentialStatus) error
}

// ErrNotFound reports that no credential matches the presented key.
var ErrNotFound = errors.New("credential not found")

// ErrUnavailable reports that the credential store could not answer within
// its timeout. Callers must fail closed, never admit.
var ErrUnavailable = errors.New("credential store unavailable")
