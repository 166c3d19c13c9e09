package core

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultGraphBaseURL   = "https://graph.facebook.com"
	DefaultGraphVersion   = "v18.0"
	DefaultMaxBatchSize   = 50
	DefaultExpiryWindow   = 5 * time.Minute
	DefaultWebhookMaxBody = 1 << 20
)

type GraphConfig struct {
	BaseURL string        `koanf:"base_url" mapstructure:"base_url"`
	Version string        `koanf:"version" mapstructure:"version"`
	Timeout time.Duration `koanf:"timeout" mapstructure:"timeout"`
}

// VersionedBaseURL returns the base URL joined with the API version.
func (c GraphConfig) VersionedBaseURL() string {
	return strings.TrimRight(strings.TrimSpace(c.BaseURL), "/") + "/" + strings.Trim(strings.TrimSpace(c.Version), "/")
}

type RetryConfig struct {
	MaxAttempts     int           `koanf:"max_attempts" mapstructure:"max_attempts"`
	InitialInterval time.Duration `koanf:"initial_interval" mapstructure:"initial_interval"`
	MaxInterval     time.Duration `koanf:"max_interval" mapstructure:"max_interval"`
	Multiplier      float64       `koanf:"multiplier" mapstructure:"multiplier"`
	Jitter          float64       `koanf:"jitter" mapstructure:"jitter"`
}

type RateLimitConfig struct {
	GlobalPerMinute     int           `koanf:"global_per_minute" mapstructure:"global_per_minute"`
	CredentialPerMinute int           `koanf:"credential_per_minute" mapstructure:"credential_per_minute"`
	NearLimitPercent    float64       `koanf:"near_limit_percent" mapstructure:"near_limit_percent"`
	UsageWindow         time.Duration `koanf:"usage_window" mapstructure:"usage_window"`
	CooldownDefault     time.Duration `koanf:"cooldown_default" mapstructure:"cooldown_default"`
}

type CredentialsConfig struct {
	ExpirySkew   time.Duration `koanf:"expiry_skew" mapstructure:"expiry_skew"`
	ExpiryWindow time.Duration `koanf:"expiry_window" mapstructure:"expiry_window"`
}

type BatchConfig struct {
	MaxSize int `koanf:"max_size" mapstructure:"max_size"`
}

type CacheConfig struct {
	Enabled bool          `koanf:"enabled" mapstructure:"enabled"`
	TTL     time.Duration `koanf:"ttl" mapstructure:"ttl"`
}

type WebhookConfig struct {
	AppSecret    string   `koanf:"app_secret" mapstructure:"app_secret"`
	VerifyToken  string   `koanf:"verify_token" mapstructure:"verify_token"`
	RejectStatus int      `koanf:"reject_status" mapstructure:"reject_status"`
	AllowSHA1    bool     `koanf:"allow_sha1" mapstructure:"allow_sha1"`
	MaxBodyBytes int64    `koanf:"max_body_bytes" mapstructure:"max_body_bytes"`
	Objects      []string `koanf:"objects" mapstructure:"objects"`
}

type DeliveryConfig struct {
	AckTimeout      time.Duration `koanf:"ack_timeout" mapstructure:"ack_timeout"`
	MaxRedeliveries int           `koanf:"max_redeliveries" mapstructure:"max_redeliveries"`
	ReapInterval    time.Duration `koanf:"reap_interval" mapstructure:"reap_interval"`
	RecoverLimit    int           `koanf:"recover_limit" mapstructure:"recover_limit"`
}

type DatabaseConfig struct {
	Driver      string        `koanf:"driver" mapstructure:"driver"`
	DSN         string        `koanf:"dsn" mapstructure:"dsn"`
	Debug       bool          `koanf:"debug" mapstructure:"debug"`
	PingTimeout time.Duration `koanf:"ping_timeout" mapstructure:"ping_timeout"`
	AutoMigrate bool          `koanf:"auto_migrate" mapstructure:"auto_migrate"`
}

type Config struct {
	ServiceName string            `koanf:"service_name" mapstructure:"service_name"`
	Graph       GraphConfig       `koanf:"graph" mapstructure:"graph"`
	Retry       RetryConfig       `koanf:"retry" mapstructure:"retry"`
	RateLimit   RateLimitConfig   `koanf:"rate_limit" mapstructure:"rate_limit"`
	Credentials CredentialsConfig `koanf:"credentials" mapstructure:"credentials"`
	Batch       BatchConfig       `koanf:"batch" mapstructure:"batch"`
	Cache       CacheConfig       `koanf:"cache" mapstructure:"cache"`
	Webhook     WebhookConfig     `koanf:"webhook" mapstructure:"webhook"`
	Delivery    DeliveryConfig    `koanf:"delivery" mapstructure:"delivery"`
	Database    DatabaseConfig    `koanf:"database" mapstructure:"database"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "graph-gateway",
		Graph: GraphConfig{
			BaseURL: DefaultGraphBaseURL,
			Version: DefaultGraphVersion,
			Timeout: 30 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts:     6,
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     30 * time.Second,
			Multiplier:      2,
			Jitter:          0.1,
		},
		RateLimit: RateLimitConfig{
			GlobalPerMinute:     90,
			CredentialPerMinute: 30,
			NearLimitPercent:    80,
			UsageWindow:         time.Hour,
			CooldownDefault:     time.Minute,
		},
		Credentials: CredentialsConfig{
			ExpiryWindow: DefaultExpiryWindow,
		},
		Batch: BatchConfig{MaxSize: DefaultMaxBatchSize},
		Cache: CacheConfig{Enabled: true, TTL: time.Minute},
		Webhook: WebhookConfig{
			RejectStatus: http.StatusOK,
			MaxBodyBytes: DefaultWebhookMaxBody,
		},
		Delivery: DeliveryConfig{
			AckTimeout:      30 * time.Second,
			MaxRedeliveries: 5,
			ReapInterval:    time.Second,
			RecoverLimit:    1000,
		},
		Database: DatabaseConfig{
			Driver:      "sqlite3",
			DSN:         "file:graph-gateway.db?cache=shared&_foreign_keys=on",
			PingTimeout: 5 * time.Second,
			AutoMigrate: true,
		},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	if parsed, err := url.Parse(strings.TrimSpace(c.Graph.BaseURL)); err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("core: graph.base_url is invalid: %q", c.Graph.BaseURL)
	}
	if strings.TrimSpace(c.Graph.Version) == "" {
		return fmt.Errorf("core: graph.version is required")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("core: retry.max_attempts must be at least 1")
	}
	if c.Retry.InitialInterval < 0 || c.Retry.MaxInterval < 0 {
		return fmt.Errorf("core: retry intervals must not be negative")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter >= 1 {
		return fmt.Errorf("core: retry.jitter must be in [0, 1)")
	}
	if c.RateLimit.GlobalPerMinute < 0 || c.RateLimit.CredentialPerMinute < 0 {
		return fmt.Errorf("core: rate_limit budgets must not be negative")
	}
	if c.RateLimit.NearLimitPercent <= 0 || c.RateLimit.NearLimitPercent > 100 {
		return fmt.Errorf("core: rate_limit.near_limit_percent must be in (0, 100]")
	}
	if c.Batch.MaxSize < 1 || c.Batch.MaxSize > DefaultMaxBatchSize {
		return fmt.Errorf("core: batch.max_size must be between 1 and %d", DefaultMaxBatchSize)
	}
	if c.Webhook.RejectStatus < 100 || c.Webhook.RejectStatus > 599 {
		return fmt.Errorf("core: webhook.reject_status is invalid: %d", c.Webhook.RejectStatus)
	}
	if c.Delivery.AckTimeout <= 0 {
		return fmt.Errorf("core: delivery.ack_timeout must be positive")
	}
	if c.Delivery.MaxRedeliveries < 0 {
		return fmt.Errorf("core: delivery.max_redeliveries must not be negative")
	}
	switch strings.ToLower(strings.TrimSpace(c.Database.Driver)) {
	case "", "sqlite3", "sqlite", "postgres", "pg":
	default:
		return fmt.Errorf("core: database.driver is not supported: %q", c.Database.Driver)
	}
	return nil
}
