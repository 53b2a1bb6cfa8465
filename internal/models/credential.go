package models

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CredentialStatus is the lifecycle state of an access credential.
type CredentialStatus string

const (
	StatusActive    CredentialStatus = "active"
	StatusSuspended CredentialStatus = "suspended"
	StatusInactive  CredentialStatus = "inactive"
	StatusExpired   CredentialStatus = "expired"
)

// Credential represents a caller's access grant. The raw key value is never
// persisted; only its SHA-256 hex hash and an 8-character display prefix are
// stored.
type Credential struct {
	ID        string           `json:"id"`
	OwnerID   string           `json:"owner_id"`
	PlanID    string           `json:"plan_id"`
	KeyHash   string           `json:"key_hash"`
	Prefix    string           `json:"prefix"`
	Status    CredentialStatus `json:"status"`
	ExpiresAt *time.Time       `json:"expires_at,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// NewCredential creates an active Credential for an owner from a raw key string.
func NewCredential(ownerID, planID, rawKey string) *Credential {
	now := time.Now().UTC()
	prefix := rawKey
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return &Credential{
		ID:        uuid.New().String(),
		OwnerID:   ownerID,
		PlanID:    planID,
		KeyHash:   HashCredential(rawKey),
		Prefix:    prefix,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// GenerateCredential produces a new random API key in the format agw_<44 url-safe base64 chars>.
func GenerateCredential() (string, error) {
	b := make([]byte, 33) // 33 bytes → 44 base64url chars
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate credential: %w", err)
	}
	return "agw_" + base64.RawURLEncoding.EncodeToString(b), nil
}

// HashCredential computes the SHA-256 hex digest of a raw API key.
func HashCredential(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}

// ExpiredAt reports whether the credential's expiry timestamp has passed at
// the given instant. A credential with no expiry never lazily expires.
func (c *Credential) ExpiredAt(now time.Time) bool {
	return c.ExpiresAt != nil && c.ExpiresAt.Before(now)
}

// Usable reports whether the credential is active and not past its expiry.
func (c *Credential) Usable(now time.Time) bool {
	return c.Status == StatusActive && !c.ExpiredAt(now)
}
