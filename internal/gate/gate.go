// Package gate composes credential resolution, status checks and rate
// limiting into a single admission decision per request. The gate never
// panics through and never fails open: any internal error it cannot map
// to a caller-facing reason surfaces as UNAVAILABLE.
package gate

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"apigate/internal/credential"
	"apigate/internal/models"
	"apigate/internal/ratelimit"
)

// Resolver resolves raw API keys to credential records and persists status
// transitions. Satisfied by *credential.Cache.
type Resolver interface {
	Resolve(ctx context.Context, rawKey string) (*models.Credential, error)
	SetStatus(ctx context.Context, rec *models.Credential, status models.CredentialStatus) error
}

// Admitter is the gate's caller-facing contract. Exactly one of the two
// results is non-nil.
type Admitter interface {
	Admit(ctx context.Context, rawKey string, scopes []models.Scope, now time.Time) (*Admission, *Rejection)
}

// Gate is the admission orchestrator.
type Gate struct {
	resolver Resolver
	limiter  ratelimit.Limiter
	policies *PolicyResolver
	log      *slog.Logger
}

// New creates a Gate. The limiter and resolver are injected so their
// lifecycles (sweep goroutines, shutdown) stay with the caller.
func New(resolver Resolver, limiter ratelimit.Limiter, policies *PolicyResolver, log *slog.Logger) *Gate {
	if log == nil {
		log = slog.Default()
	}
	return &Gate{
		resolver: resolver,
		limiter:  limiter,
		policies: policies,
		log:      log,
	}
}

// Admit decides whether the request presenting rawKey is admitted, charged
// under every applicable policy of every scope in order. Charging happens on
// admission, not on handler success: a downstream failure does not refund
// the quota. When scopes are checked in sequence, a deny on a later scope
// does not undo charges already made for earlier ones; callers should order
// scopes cheapest-to-deny first or accept that minor over-count.
func (g *Gate) Admit(ctx context.Context, rawKey string, scopes []models.Scope, now time.Time) (*Admission, *Rejection) {
	if rawKey == "" {
		return nil, rejectMissing()
	}

	rec, err := g.resolver.Resolve(ctx, rawKey)
	if err != nil {
		switch {
		case errors.Is(err, credential.ErrNotFound):
			return nil, rejectInvalid()
		default:
			g.log.Error("credential resolve failed", "error", err)
			return nil, rejectUnavailable()
		}
	}

	switch rec.Status {
	case models.StatusSuspended:
		return nil, rejectSuspended()
	case models.StatusInactive:
		// Deliberately indistinguishable from an unknown key.
		return nil, rejectInvalid()
	case models.StatusExpired:
		return nil, rejectExpired()
	case models.StatusActive:
		// fall through to the expiry check
	default:
		g.log.Error("credential has unknown status", "credential_id", rec.ID, "status", rec.Status)
		return nil, rejectUnavailable()
	}

	if rec.ExpiredAt(now) {
		// Lazy expiry: persist the transition best-effort. The reject stands
		// even when the store write fails.
		if err := g.resolver.SetStatus(ctx, rec, models.StatusExpired); err != nil {
			g.log.Warn("failed to persist lazy expiry", "credential_id", rec.ID, "error", err)
		}
		return nil, rejectExpired()
	}

	adm := &Admission{Credential: rec, PlanID: rec.PlanID}
	first := true
	for _, scope := range scopes {
		policies, err := g.policies.PoliciesFor(rec.PlanID, scope)
		if err != nil {
			g.log.Error("policy resolution failed", "credential_id", rec.ID, "scope", scope, "error", err)
			return nil, rejectUnavailable()
		}
		for _, policy := range policies {
			allowed, info := g.limiter.Allow(windowKey(scope, rec.OwnerID, policy), policy, now)
			if !allowed {
				rej := reject(models.ReasonRateLimited, "Rate limit exceeded for your plan.")
				rej.RetryAfter = info.RetryAfter
				rej.Limit = policy.Limit
				rej.WindowSeconds = policy.WindowSeconds
				g.log.Info("request rate limited",
					"credential_id", rec.ID,
					"scope", scope,
					"limit", policy.Limit,
					"window_seconds", policy.WindowSeconds,
				)
				return nil, rej
			}
			// Surface the most restrictive window in headers.
			if first || info.Remaining < adm.Remaining {
				adm.Limit = info.Limit
				adm.Remaining = info.Remaining
				adm.ResetAt = info.ResetAt
				first = false
			}
		}
	}

	return adm, nil
}
