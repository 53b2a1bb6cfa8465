// Package models - API response types and error handling.
// This file defines all outgoing API response structures with consistent formatting.
//
// Response Design Principles:
// - Consistent JSON structure across all endpoints
// - Optional fields use omitempty to reduce response size
// - Machine-readable reason codes with stable HTTP status mapping
// - RFC3339 timestamps for international compatibility
package models

import (
	"net/http"
	"time"
)

// Rejection reason codes surfaced to callers. Each maps to exactly one
// HTTP status; callers can branch on the code without parsing messages.
const (
	ReasonMissingCredential = "MISSING_CREDENTIAL" // 401: no credential presented
	ReasonInvalidCredential = "INVALID_CREDENTIAL" // 401: unknown or inactive credential
	ReasonSuspended         = "SUSPENDED"          // 403: credential suspended by operator
	ReasonExpired           = "EXPIRED"            // 403: credential past its expiry
	ReasonRateLimited       = "RATE_LIMITED"       // 429: a quota window is exhausted
	ReasonUnavailable       = "UNAVAILABLE"        // 503: source of truth unreachable (fail closed)
)

// ReasonStatus maps a rejection reason code to its HTTP status. Unmapped
// codes default to 503 rather than silent admission.
func ReasonStatus(code string) int {
	switch code {
	case ReasonMissingCredential, ReasonInvalidCredential:
		return http.StatusUnauthorized
	case ReasonSuspended, ReasonExpired:
		return http.StatusForbidden
	case ReasonRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusServiceUnavailable
	}
}

// ErrorResponse provides structured error information for rejected requests.
type ErrorResponse struct {
	Error      string    `json:"error"`                 // Error type (always "error")
	Message    string    `json:"message"`               // Human-readable error description
	Code       string    `json:"code,omitempty"`        // Machine-readable reason code
	RetryAfter int64     `json:"retry_after,omitempty"` // Seconds until the quota window frees a slot
	Timestamp  time.Time `json:"timestamp"`             // Error occurrence time
	RequestID  string    `json:"request_id,omitempty"`  // Unique request identifier
}

// NewErrorResponse creates an ErrorResponse with the current timestamp.
func NewErrorResponse(message, code string) *ErrorResponse {
	return &ErrorResponse{
		Error:     "error",
		Message:   message,
		Code:      code,
		Timestamp: time.Now().UTC(),
	}
}

type HealthCheckResponse struct {
	Status     string                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Version    string                     `json:"version,omitempty"`
	Components map[string]ComponentHealth `json:"components,omitempty"`
}

type ComponentHealth struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// UsageStatsResponse answers the caller-facing /v1/stats endpoint.
type UsageStatsResponse struct {
	CredentialID  string    `json:"credential_id"`
	PlanID        string    `json:"plan_id"`
	Since         time.Time `json:"since"`
	TotalRequests int64     `json:"total_requests"`
	ErrorRequests int64     `json:"error_requests"`
	AvgLatencyMS  float64   `json:"avg_latency_ms"`
}

// CreateCredentialResponse returns the raw key exactly once, at creation.
type CreateCredentialResponse struct {
	ID        string     `json:"id"`
	OwnerID   string     `json:"owner_id"`
	PlanID    string     `json:"plan_id"`
	Key       string     `json:"key"` // shown once; only the hash is stored
	Prefix    string     `json:"prefix"`
	Status    string     `json:"status"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

type ListCredentialsResponse struct {
	Credentials []CredentialSummary `json:"credentials"`
	TotalCount  int                 `json:"total_count"`
}

// CredentialSummary omits the key hash; the prefix is enough to identify a
// key to a human.
type CredentialSummary struct {
	ID        string     `json:"id"`
	OwnerID   string     `json:"owner_id"`
	PlanID    string     `json:"plan_id"`
	Prefix    string     `json:"prefix"`
	Status    string     `json:"status"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

type ListPlansResponse struct {
	Plans []*Plan `json:"plans"`
}
