package models

import (
	"fmt"
	"time"
)

// RateLimitPolicy is one sliding-window constraint: at most Limit admitted
// requests in any trailing window of WindowSeconds.
type RateLimitPolicy struct {
	Limit         int   `yaml:"limit" json:"limit"`
	WindowSeconds int64 `yaml:"window_seconds" json:"window_seconds"`
}

// Window returns the policy window as a duration.
func (p RateLimitPolicy) Window() time.Duration {
	return time.Duration(p.WindowSeconds) * time.Second
}

// Validate checks that the policy is enforceable.
func (p RateLimitPolicy) Validate() error {
	if p.Limit <= 0 {
		return fmt.Errorf("limit must be positive, got %d", p.Limit)
	}
	if p.WindowSeconds <= 0 {
		return fmt.Errorf("window_seconds must be positive, got %d", p.WindowSeconds)
	}
	return nil
}

// Plan is a billing tier. Every policy applies simultaneously to a caller on
// the plan; admission requires all of them to pass.
type Plan struct {
	ID       string            `yaml:"id" json:"id"`
	Name     string            `yaml:"name" json:"name"`
	Policies []RateLimitPolicy `yaml:"policies" json:"policies"`
}

// Validate checks the plan and all of its policies.
func (p *Plan) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("plan id is required")
	}
	if len(p.Policies) == 0 {
		return fmt.Errorf("plan %s has no policies", p.ID)
	}
	for i, pol := range p.Policies {
		if err := pol.Validate(); err != nil {
			return fmt.Errorf("plan %s policy %d: %w", p.ID, i, err)
		}
	}
	return nil
}

// DefaultPlans returns the built-in tiers used when no plans are configured.
// Limits follow the minute/hour/day/month ladder of the hosted tiers.
func DefaultPlans() []*Plan {
	ladder := func(minute, hour, day, month int) []RateLimitPolicy {
		return []RateLimitPolicy{
			{Limit: minute, WindowSeconds: 60},
			{Limit: hour, WindowSeconds: 3600},
			{Limit: day, WindowSeconds: 86400},
			{Limit: month, WindowSeconds: 30 * 86400},
		}
	}
	return []*Plan{
		{ID: "free", Name: "Free", Policies: ladder(10, 100, 1000, 10000)},
		{ID: "starter", Name: "Starter", Policies: ladder(30, 300, 3000, 30000)},
		{ID: "pro", Name: "Pro", Policies: ladder(100, 1000, 10000, 100000)},
		{ID: "enterprise", Name: "Enterprise", Policies: ladder(500, 5000, 50000, 500000)},
	}
}
