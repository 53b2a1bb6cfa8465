package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultConfig(t *testing.T) {
	config := NewDefaultConfig()

	// Server defaults
	assert.Equal(t, 8080, config.Server.Port)
	assert.Equal(t, "0.0.0.0", config.Server.Host)
	assert.Equal(t, 30*time.Second, config.Server.ReadTimeout)
	assert.Equal(t, 30*time.Second, config.Server.WriteTimeout)
	assert.Equal(t, 60*time.Second, config.Server.IdleTimeout)
	assert.False(t, config.Server.TLSEnabled)

	// Storage defaults
	assert.Equal(t, StorageTypeMemory, config.Storage.Type)
	assert.Equal(t, 25, config.Storage.Database.MaxOpenConns)

	// Gate defaults
	assert.Equal(t, 300*time.Second, config.Gate.CacheTTL)
	assert.Equal(t, 2*time.Second, config.Gate.StoreTimeout)
	assert.Equal(t, 1024, config.Gate.UsageQueueSize)
	assert.True(t, config.Gate.IPRateLimit.Enabled)
	assert.Equal(t, 100, config.Gate.IPRateLimit.RequestsPerMinute)
	assert.Equal(t, 25, config.Gate.IPRateLimit.Burst)

	// Upstream defaults
	assert.Equal(t, "http://localhost:3000", config.Upstream.BaseURL)
	assert.Equal(t, 15*time.Second, config.Upstream.Timeout)

	// Admin is off until a token is configured
	assert.False(t, config.Admin.Enabled)

	// Observability defaults
	assert.Equal(t, "apigate", config.Observability.ServiceName)
	assert.True(t, config.Metrics.Enabled)
	assert.Equal(t, 9090, config.Metrics.Port)
	assert.False(t, config.Observability.Tracing.Enabled)

	assert.NoError(t, config.Validate())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"bad port", func(c *Config) { c.Server.Port = -1 }, "invalid server config"},
		{"empty host", func(c *Config) { c.Server.Host = "" }, "invalid server config"},
		{"tls without cert", func(c *Config) { c.Server.TLSEnabled = true }, "TLS cert file"},
		{"unknown storage", func(c *Config) { c.Storage.Type = "etcd" }, "invalid storage type"},
		{"sqlite without dsn", func(c *Config) { c.Storage.Type = StorageTypeSQLite }, "DSN is required"},
		{"zero cache ttl", func(c *Config) { c.Gate.CacheTTL = 0 }, "cache_ttl"},
		{"zero queue", func(c *Config) { c.Gate.UsageQueueSize = 0 }, "usage_queue_size"},
		{"bad plan", func(c *Config) { c.Plans = []*Plan{{ID: "p"}} }, "invalid plan"},
		{"empty endpoint scope", func(c *Config) {
			c.Endpoints = []EndpointLimit{{Policy: RateLimitPolicy{Limit: 1, WindowSeconds: 1}}}
		}, "scope cannot be empty"},
		{"bad endpoint policy", func(c *Config) {
			c.Endpoints = []EndpointLimit{{Scope: EndpointScope("/x"), Policy: RateLimitPolicy{}}}
		}, "invalid endpoint limit"},
		{"empty upstream", func(c *Config) { c.Upstream.BaseURL = "" }, "base_url"},
		{"admin without token", func(c *Config) { c.Admin.Enabled = true }, "admin token"},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "invalid log level"},
		{"bad metrics port", func(c *Config) { c.Metrics.Port = 0 }, "metrics port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := NewDefaultConfig()
			tt.mutate(config)
			err := config.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestConfig_PlansOrDefault(t *testing.T) {
	config := NewDefaultConfig()
	assert.Len(t, config.PlansOrDefault(), 4)

	custom := &Plan{ID: "custom", Policies: []RateLimitPolicy{{Limit: 1, WindowSeconds: 1}}}
	config.Plans = []*Plan{custom}
	plans := config.PlansOrDefault()
	require.Len(t, plans, 1)
	assert.Equal(t, "custom", plans[0].ID)
}

func TestConfig_EndpointPolicies(t *testing.T) {
	config := NewDefaultConfig()
	assert.Empty(t, config.EndpointPolicies())

	config.Endpoints = []EndpointLimit{
		{Scope: EndpointScope("/search"), Policy: RateLimitPolicy{Limit: 20, WindowSeconds: 60}},
		{Scope: EndpointScope("/export"), Policy: RateLimitPolicy{Limit: 5, WindowSeconds: 3600}},
	}
	policies := config.EndpointPolicies()
	require.Len(t, policies, 2)
	assert.Equal(t, 20, policies[EndpointScope("/search")].Limit)
	assert.Equal(t, int64(3600), policies[EndpointScope("/export")].WindowSeconds)
}

func TestEndpointScope(t *testing.T) {
	assert.Equal(t, Scope("ep:/verify"), EndpointScope("/verify"))
	assert.Equal(t, Scope("owner"), ScopeOwner)
}
