package gate

import (
	"time"

	"apigate/internal/models"
)

// Admission is the successful outcome of the gate: the request is charged
// and may proceed to the handler. Remaining and ResetAt describe the most
// restrictive window that passed, for response headers.
type Admission struct {
	Credential *models.Credential
	PlanID     string
	Limit      int
	Remaining  int
	ResetAt    time.Time
}

// Rejection is a typed refusal with a stable reason code and its HTTP
// status. RetryAfter, Limit and WindowSeconds are populated only for
// RATE_LIMITED.
type Rejection struct {
	Code          string
	Message       string
	Status        int
	RetryAfter    time.Duration
	Limit         int
	WindowSeconds int64
}

func reject(code, message string) *Rejection {
	return &Rejection{
		Code:    code,
		Message: message,
		Status:  models.ReasonStatus(code),
	}
}

func rejectMissing() *Rejection {
	return reject(models.ReasonMissingCredential, "API key is required. Include the X-API-Key header in your request.")
}

func rejectInvalid() *Rejection {
	return reject(models.ReasonInvalidCredential, "The provided API key is invalid.")
}

func rejectSuspended() *Rejection {
	return reject(models.ReasonSuspended, "Your API key has been suspended.")
}

func rejectExpired() *Rejection {
	return reject(models.ReasonExpired, "Your API key has expired.")
}

func rejectUnavailable() *Rejection {
	return reject(models.ReasonUnavailable, "Service temporarily unavailable. Please retry.")
}
