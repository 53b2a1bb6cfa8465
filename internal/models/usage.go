package models

import (
	"time"

	"github.com/google/uuid"
)

// Status code recorded when the caller disconnected before the handler
// finished. Admission was already charged, so the partial outcome is still
// worth a row.
const StatusClientDisconnect = 499

// UsageRecord is one immutable fact about a completed request. Rows are
// append-only; retention and aggregation are external concerns.
type UsageRecord struct {
	ID           string    `json:"id"`
	CredentialID string    `json:"credential_id"`
	OwnerID      string    `json:"owner_id"`
	Scope        string    `json:"scope"`
	Endpoint     string    `json:"endpoint"`
	Method       string    `json:"method"`
	StatusCode   int       `json:"status_code"`
	LatencyMS    int64     `json:"latency_ms"`
	ClientIP     string    `json:"client_ip"`
	Timestamp    time.Time `json:"timestamp"`
}

// NewUsageRecord assigns an ID and timestamp to a usage fact.
func NewUsageRecord(credentialID, ownerID, scope string) *UsageRecord {
	return &UsageRecord{
		ID:           uuid.New().String(),
		CredentialID: credentialID,
		OwnerID:      ownerID,
		Scope:        scope,
		Timestamp:    time.Now().UTC(),
	}
}

// UsageSummary aggregates usage rows for one credential over a period.
type UsageSummary struct {
	CredentialID  string    `json:"credential_id"`
	Since         time.Time `json:"since"`
	TotalRequests int64     `json:"total_requests"`
	ErrorRequests int64     `json:"error_requests"`
	AvgLatencyMS  float64   `json:"avg_latency_ms"`
}
