package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-config/cfgx"
	opts "github.com/goliatone/go-options"
)

type ConfigProvider interface {
	Load(ctx context.Context, defaults Config) (Config, error)
}

type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

type OptionsResolver interface {
	Resolve(defaults Config, loaded Config, runtime Config) (Config, error)
}

// StaticRawConfigLoader serves a fixed raw config map.
type StaticRawConfigLoader struct {
	Values map[string]any
}

func (l StaticRawConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	if len(l.Values) == 0 {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(l.Values))
	for key, value := range l.Values {
		out[key] = value
	}
	return out, nil
}

type CfgxConfigProvider struct {
	Loader RawConfigLoader
}

func NewCfgxConfigProvider(loader RawConfigLoader) *CfgxConfigProvider {
	return &CfgxConfigProvider{Loader: loader}
}

func (p *CfgxConfigProvider) Load(ctx context.Context, defaults Config) (Config, error) {
	if p == nil {
		return defaults, nil
	}
	loader := p.Loader
	if loader == nil {
		loader = StaticRawConfigLoader{}
	}
	raw, err := loader.LoadRaw(ctx)
	if err != nil {
		return Config{}, err
	}
	cfg, err := cfgx.Build[Config](raw,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// GoOptionsResolver layers defaults < loaded config < runtime overrides.
type GoOptionsResolver struct{}

func (GoOptionsResolver) Resolve(defaults Config, loaded Config, runtime Config) (Config, error) {
	stack, err := opts.NewStack(
		opts.NewLayer(
			opts.NewScope("defaults", 0),
			configToLayerMap(defaults, true),
			opts.WithSnapshotID[map[string]any]("defaults"),
		),
		opts.NewLayer(
			opts.NewScope("config", 10),
			configToLayerMap(loaded, false),
			opts.WithSnapshotID[map[string]any]("config"),
		),
		opts.NewLayer(
			opts.NewScope("runtime", 20),
			configToLayerMap(runtime, false),
			opts.WithSnapshotID[map[string]any]("runtime"),
		),
	)
	if err != nil {
		return Config{}, fmt.Errorf("core: options stack build failed: %w", err)
	}
	merged, err := stack.Merge()
	if err != nil {
		return Config{}, fmt.Errorf("core: options merge failed: %w", err)
	}
	resolved, err := cfgx.Build[Config](merged.Value,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	if err := resolved.Validate(); err != nil {
		return Config{}, err
	}
	return resolved, nil
}

// layer collects the non-zero fields of one config section.
type layer struct {
	values      map[string]any
	includeZero bool
}

func newLayer(includeZero bool) *layer {
	return &layer{values: map[string]any{}, includeZero: includeZero}
}

func (l *layer) set(key string, value any, isZero bool) {
	if isZero && !l.includeZero {
		return
	}
	l.values[key] = value
}

func (l *layer) attach(parent map[string]any, key string) {
	if len(l.values) == 0 && !l.includeZero {
		return
	}
	parent[key] = l.values
}

func configToLayerMap(cfg Config, includeZero bool) map[string]any {
	root := map[string]any{}
	if includeZero || strings.TrimSpace(cfg.ServiceName) != "" {
		root["service_name"] = cfg.ServiceName
	}

	graph := newLayer(includeZero)
	graph.set("base_url", cfg.Graph.BaseURL, strings.TrimSpace(cfg.Graph.BaseURL) == "")
	graph.set("version", cfg.Graph.Version, strings.TrimSpace(cfg.Graph.Version) == "")
	graph.set("timeout", cfg.Graph.Timeout, cfg.Graph.Timeout == 0)
	graph.attach(root, "graph")

	retry := newLayer(includeZero)
	retry.set("max_attempts", cfg.Retry.MaxAttempts, cfg.Retry.MaxAttempts == 0)
	retry.set("initial_interval", cfg.Retry.InitialInterval, cfg.Retry.InitialInterval == 0)
	retry.set("max_interval", cfg.Retry.MaxInterval, cfg.Retry.MaxInterval == 0)
	retry.set("multiplier", cfg.Retry.Multiplier, cfg.Retry.Multiplier == 0)
	retry.set("jitter", cfg.Retry.Jitter, cfg.Retry.Jitter == 0)
	retry.attach(root, "retry")

	rateLimit := newLayer(includeZero)
	rateLimit.set("global_per_minute", cfg.RateLimit.GlobalPerMinute, cfg.RateLimit.GlobalPerMinute == 0)
	rateLimit.set("credential_per_minute", cfg.RateLimit.CredentialPerMinute, cfg.RateLimit.CredentialPerMinute == 0)
	rateLimit.set("near_limit_percent", cfg.RateLimit.NearLimitPercent, cfg.RateLimit.NearLimitPercent == 0)
	rateLimit.set("usage_window", cfg.RateLimit.UsageWindow, cfg.RateLimit.UsageWindow == 0)
	rateLimit.set("cooldown_default", cfg.RateLimit.CooldownDefault, cfg.RateLimit.CooldownDefault == 0)
	rateLimit.attach(root, "rate_limit")

	credentials := newLayer(includeZero)
	credentials.set("expiry_skew", cfg.Credentials.ExpirySkew, cfg.Credentials.ExpirySkew == 0)
	credentials.set("expiry_window", cfg.Credentials.ExpiryWindow, cfg.Credentials.ExpiryWindow == 0)
	credentials.attach(root, "credentials")

	batch := newLayer(includeZero)
	batch.set("max_size", cfg.Batch.MaxSize, cfg.Batch.MaxSize == 0)
	batch.attach(root, "batch")

	cache := newLayer(includeZero)
	cache.set("enabled", cfg.Cache.Enabled, !cfg.Cache.Enabled)
	cache.set("ttl", cfg.Cache.TTL, cfg.Cache.TTL == 0)
	cache.attach(root, "cache")

	webhook := newLayer(includeZero)
	webhook.set("app_secret", cfg.Webhook.AppSecret, strings.TrimSpace(cfg.Webhook.AppSecret) == "")
	webhook.set("verify_token", cfg.Webhook.VerifyToken, strings.TrimSpace(cfg.Webhook.VerifyToken) == "")
	webhook.set("reject_status", cfg.Webhook.RejectStatus, cfg.Webhook.RejectStatus == 0)
	webhook.set("allow_sha1", cfg.Webhook.AllowSHA1, !cfg.Webhook.AllowSHA1)
	webhook.set("max_body_bytes", cfg.Webhook.MaxBodyBytes, cfg.Webhook.MaxBodyBytes == 0)
	webhook.set("objects", append([]string(nil), cfg.Webhook.Objects...), len(cfg.Webhook.Objects) == 0)
	webhook.attach(root, "webhook")

	delivery := newLayer(includeZero)
	delivery.set("ack_timeout", cfg.Delivery.AckTimeout, cfg.Delivery.AckTimeout == 0)
	delivery.set("max_redeliveries", cfg.Delivery.MaxRedeliveries, cfg.Delivery.MaxRedeliveries == 0)
	delivery.set("reap_interval", cfg.Delivery.ReapInterval, cfg.Delivery.ReapInterval == 0)
	delivery.set("recover_limit", cfg.Delivery.RecoverLimit, cfg.Delivery.RecoverLimit == 0)
	delivery.attach(root, "delivery")

	database := newLayer(includeZero)
	database.set("driver", cfg.Database.Driver, strings.TrimSpace(cfg.Database.Driver) == "")
	database.set("dsn", cfg.Database.DSN, strings.TrimSpace(cfg.Database.DSN) == "")
	database.set("debug", cfg.Database.Debug, !cfg.Database.Debug)
	database.set("ping_timeout", cfg.Database.PingTimeout, cfg.Database.PingTimeout == 0)
	database.set("auto_migrate", cfg.Database.AutoMigrate, !cfg.Database.AutoMigrate)
	database.attach(root, "database")

	return root
}
