// Package models - Service configuration and operational settings.
// This file defines the configuration structures for all gateway components.
//
// Configuration Philosophy:
// - Hierarchical configuration with logical grouping (server, storage, gate, etc.)
// - Environment-friendly defaults that work out of the box
// - Comprehensive validation to catch misconfigurations early
// - Security-first approach with safe defaults
package models

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Storage type constants
const (
	StorageTypeMemory   = "memory"
	StorageTypeSQLite   = "sqlite"
	StorageTypePostgres = "postgres"
)

// Config is the root configuration structure containing all service settings.
type Config struct {
	Server        ServerConfig        `yaml:"server" json:"server"`               // HTTP server configuration
	Storage       StorageConfig       `yaml:"storage" json:"storage"`             // Credential and usage persistence
	Gate          GateConfig          `yaml:"gate" json:"gate"`                   // Admission gate tuning
	Plans         []*Plan             `yaml:"plans" json:"plans"`                 // Billing tiers (defaults applied when empty)
	Endpoints     []EndpointLimit     `yaml:"endpoints" json:"endpoints"`         // Per-resource rate limit overrides
	Upstream      UpstreamConfig      `yaml:"upstream" json:"upstream"`           // Proxied backend service
	Admin         AdminConfig         `yaml:"admin" json:"admin"`                 // Credential management API
	Logging       LoggingConfig       `yaml:"logging" json:"logging"`             // Structured logging
	Metrics       MetricsConfig       `yaml:"metrics" json:"metrics"`             // Prometheus metrics endpoint
	Observability ObservabilityConfig `yaml:"observability" json:"observability"` // Tracing
}

type ServerConfig struct {
	Port         int           `yaml:"port" json:"port"`
	Host         string        `yaml:"host" json:"host"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	TLSEnabled   bool          `yaml:"tls_enabled" json:"tls_enabled"`
	TLSCertFile  string        `yaml:"tls_cert_file" json:"tls_cert_file"`
	TLSKeyFile   string        `yaml:"tls_key_file" json:"tls_key_file"`
	CORS         CORSConfig    `yaml:"cors" json:"cors"`
}

type CORSConfig struct {
	Enabled        bool     `yaml:"enabled" json:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods" json:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers" json:"allowed_headers"`
	MaxAge         int      `yaml:"max_age" json:"max_age"`
}

type StorageConfig struct {
	Type     string         `yaml:"type" json:"type"`
	Database DatabaseConfig `yaml:"database" json:"database"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn" json:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
}

// GateConfig tunes the admission path: credential caching, store timeouts,
// the usage recorder queue, and the anonymous per-IP limiter in front of
// the gate.
type GateConfig struct {
	CacheTTL        time.Duration `yaml:"cache_ttl" json:"cache_ttl"`
	StoreTimeout    time.Duration `yaml:"store_timeout" json:"store_timeout"`
	UsageQueueSize  int           `yaml:"usage_queue_size" json:"usage_queue_size"`
	UsageMaxRetry   time.Duration `yaml:"usage_max_retry" json:"usage_max_retry"`
	IPRateLimit     IPRateLimit   `yaml:"ip_rate_limit" json:"ip_rate_limit"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" json:"cleanup_interval"`
}

// IPRateLimit protects the gate itself from unauthenticated floods. It is a
// token bucket per client IP, independent of credential quotas.
type IPRateLimit struct {
	Enabled           bool `yaml:"enabled" json:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute" json:"requests_per_minute"`
	Burst             int  `yaml:"burst" json:"burst"`
}

// EndpointLimit overrides the rate limit for one resource scope, e.g.
// scope "ep:/verify" with 100 requests per 60 seconds.
type EndpointLimit struct {
	Scope  Scope           `yaml:"scope" json:"scope"`
	Policy RateLimitPolicy `yaml:"policy" json:"policy"`
}

// UpstreamConfig names the proxied backend. Gated requests arrive under the
// gateway's /v1 prefix; the proxy strips it, so BaseURL should be the root
// the backend serves its own paths from.
type UpstreamConfig struct {
	BaseURL string        `yaml:"base_url" json:"base_url"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

type AdminConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Token   string `yaml:"token" json:"token"`
}

type LoggingConfig struct {
	Level    string `yaml:"level" json:"level"`
	Format   string `yaml:"format" json:"format"`
	Output   string `yaml:"output" json:"output"`
	FilePath string `yaml:"file_path" json:"file_path"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
	Port    int    `yaml:"port" json:"port"`
}

type ObservabilityConfig struct {
	ServiceName string        `yaml:"service_name" json:"service_name"`
	Tracing     TracingConfig `yaml:"tracing" json:"tracing"`
}

type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	Exporter     string  `yaml:"exporter" json:"exporter"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" json:"otlp_endpoint"`
	SampleRate   float64 `yaml:"sample_rate" json:"sample_rate"`
}

// NewDefaultConfig creates a configuration with production-ready defaults.
//
// Default Values Rationale:
// - Port 8080: standard non-privileged HTTP port
// - Cache TTL 300s: bounds the delay before a revoked credential stops working
// - Store timeout 2s: admission must never block indefinitely on persistence
// - Memory storage: simple setup without external dependencies
// - IP rate limit 100/min: matches the anonymous protection of the hosted gateway
func NewDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			Host:         "0.0.0.0",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
			CORS: CORSConfig{
				Enabled:        true,
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Content-Type", "Authorization", "X-API-Key"},
				MaxAge:         86400,
			},
		},
		Storage: StorageConfig{
			Type: StorageTypeMemory,
			Database: DatabaseConfig{
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: 5 * time.Minute,
			},
		},
		Gate: GateConfig{
			CacheTTL:        300 * time.Second,
			StoreTimeout:    2 * time.Second,
			UsageQueueSize:  1024,
			UsageMaxRetry:   10 * time.Second,
			CleanupInterval: 5 * time.Minute,
			IPRateLimit: IPRateLimit{
				Enabled:           true,
				RequestsPerMinute: 100,
				Burst:             25,
			},
		},
		Upstream: UpstreamConfig{
			BaseURL: "http://localhost:3000",
			Timeout: 15 * time.Second,
		},
		Admin: AdminConfig{
			Enabled: false,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
			Port:    9090,
		},
		Observability: ObservabilityConfig{
			ServiceName: "apigate",
			Tracing: TracingConfig{
				Enabled:    false,
				Exporter:   "stdout",
				SampleRate: 1.0,
			},
		},
	}
}

func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("invalid server config: %w", err)
	}
	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("invalid storage config: %w", err)
	}
	if err := c.Gate.Validate(); err != nil {
		return fmt.Errorf("invalid gate config: %w", err)
	}
	for _, plan := range c.Plans {
		if err := plan.Validate(); err != nil {
			return fmt.Errorf("invalid plan: %w", err)
		}
	}
	for _, ep := range c.Endpoints {
		if ep.Scope == "" {
			return errors.New("endpoint limit scope cannot be empty")
		}
		if err := ep.Policy.Validate(); err != nil {
			return fmt.Errorf("invalid endpoint limit for %s: %w", ep.Scope, err)
		}
	}
	if err := c.Upstream.Validate(); err != nil {
		return fmt.Errorf("invalid upstream config: %w", err)
	}
	if c.Admin.Enabled && c.Admin.Token == "" {
		return errors.New("admin token is required when admin API is enabled")
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("invalid logging config: %w", err)
	}
	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("invalid metrics config: %w", err)
	}
	return nil
}

func (sc *ServerConfig) Validate() error {
	if sc.Port <= 0 || sc.Port > 65535 {
		return errors.New("port must be between 1 and 65535")
	}
	if sc.Host == "" {
		return errors.New("host cannot be empty")
	}
	if sc.ReadTimeout < 0 || sc.WriteTimeout < 0 || sc.IdleTimeout < 0 {
		return errors.New("timeouts cannot be negative")
	}
	if sc.TLSEnabled {
		if sc.TLSCertFile == "" {
			return errors.New("TLS cert file is required when TLS is enabled")
		}
		if sc.TLSKeyFile == "" {
			return errors.New("TLS key file is required when TLS is enabled")
		}
	}
	return nil
}

func (stc *StorageConfig) Validate() error {
	switch stc.Type {
	case StorageTypeMemory:
		return nil
	case StorageTypeSQLite, StorageTypePostgres:
		if stc.Database.DSN == "" {
			return errors.New("database DSN is required for database storage")
		}
		return nil
	default:
		return fmt.Errorf("invalid storage type: %s", stc.Type)
	}
}

func (gc *GateConfig) Validate() error {
	if gc.CacheTTL <= 0 {
		return errors.New("cache_ttl must be positive")
	}
	if gc.StoreTimeout <= 0 {
		return errors.New("store_timeout must be positive")
	}
	if gc.UsageQueueSize <= 0 {
		return errors.New("usage_queue_size must be positive")
	}
	if gc.IPRateLimit.Enabled {
		if gc.IPRateLimit.RequestsPerMinute <= 0 {
			return errors.New("ip_rate_limit.requests_per_minute must be positive")
		}
		if gc.IPRateLimit.Burst <= 0 {
			return errors.New("ip_rate_limit.burst must be positive")
		}
	}
	return nil
}

func (uc *UpstreamConfig) Validate() error {
	if uc.BaseURL == "" {
		return errors.New("upstream base_url is required")
	}
	if _, err := url.Parse(uc.BaseURL); err != nil {
		return fmt.Errorf("invalid upstream base_url: %w", err)
	}
	if uc.Timeout <= 0 {
		return errors.New("upstream timeout must be positive")
	}
	return nil
}

func (lc *LoggingConfig) Validate() error {
	switch lc.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", lc.Level)
	}
	switch lc.Format {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log format: %s", lc.Format)
	}
	if lc.Output == "file" && lc.FilePath == "" {
		return errors.New("file_path is required when output is file")
	}
	return nil
}

func (mc *MetricsConfig) Validate() error {
	if !mc.Enabled {
		return nil
	}
	if mc.Port <= 0 || mc.Port > 65535 {
		return errors.New("metrics port must be between 1 and 65535")
	}
	if mc.Path == "" {
		return errors.New("metrics path cannot be empty")
	}
	return nil
}

// PlansOrDefault returns the configured plans, falling back to the built-in
// tiers when none are set.
func (c *Config) PlansOrDefault() []*Plan {
	if len(c.Plans) > 0 {
		return c.Plans
	}
	return DefaultPlans()
}

// EndpointPolicies maps configured endpoint overrides by scope.
func (c *Config) EndpointPolicies() map[Scope]RateLimitPolicy {
	out := make(map[Scope]RateLimitPolicy, len(c.Endpoints))
	for _, ep := range c.Endpoints {
		out[ep.Scope] = ep.Policy
	}
	return out
}
