package client

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/goliatone/go-graph-gateway/core"
	"github.com/goliatone/go-graph-gateway/ratelimit"
	"github.com/goliatone/go-graph-gateway/transport"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
)

// RateLimiter is the slice of ratelimit.Limiter the client depends on.
type RateLimiter interface {
	Reserve(ctx context.Context, scopes ...ratelimit.Scope) (ratelimit.Decision, error)
	Release(reservation *ratelimit.Reservation)
	Observe(ctx context.Context, scopes []ratelimit.Scope, header http.Header) (ratelimit.Usage, error)
	Throttle(ctx context.Context, scopes []ratelimit.Scope, retryAfter time.Duration) error
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

type Option func(*Client)

func WithRateLimiter(limiter RateLimiter) Option {
	return func(c *Client) {
		c.limiter = limiter
	}
}

func WithTransport(doer transport.Doer) Option {
	return func(c *Client) {
		c.transport = doer
	}
}

func WithCacheService(cache repositorycache.CacheService) Option {
	return func(c *Client) {
		c.cache = cache
	}
}

func WithRetryPolicy(policy RetryPolicy) Option {
	return func(c *Client) {
		c.policy = policy
	}
}

func WithAppID(appID string) Option {
	return func(c *Client) {
		c.appID = appID
	}
}

func WithLogger(logger core.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

func WithLoggerProvider(provider core.LoggerProvider) Option {
	return func(c *Client) {
		c.loggerProvider = provider
	}
}

func WithMetricsRecorder(recorder core.MetricsRecorder) Option {
	return func(c *Client) {
		c.metrics = recorder
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

func WithSleeper(sleep SleepFunc) Option {
	return func(c *Client) {
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

// Client executes Graph API calls with credential resolution, dual-scope rate
// limiting and retry with backoff.
type Client struct {
	cfg            core.Config
	tokens         core.TokenStore
	limiter        RateLimiter
	ownedLimiter   *ratelimit.Limiter
	transport      transport.Doer
	cache          repositorycache.CacheService
	policy         RetryPolicy
	appID          string
	logger         core.Logger
	loggerProvider core.LoggerProvider
	metrics        core.MetricsRecorder
	observer       core.Observer
	now            func() time.Time
	sleep          SleepFunc
}

func New(cfg core.Config, tokens core.TokenStore, opts ...Option) (*Client, error) {
	if tokens == nil {
		return nil, fmt.Errorf("client: token store is required")
	}
	c := &Client{
		cfg:    cfg,
		tokens: tokens,
		policy: PolicyFromConfig(cfg.Retry),
		now:    func() time.Time { return time.Now().UTC() },
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(c)
	}
	c.logger = core.ResolveLogger("graph.client", c.loggerProvider, c.logger)
	c.observer = core.NewObserver("graph", c.logger, c.metrics)
	if c.transport == nil {
		adapter := transport.NewRESTAdapter(&http.Client{Timeout: cfg.Graph.Timeout})
		adapter.DefaultHeaders.Set("Accept", "application/json")
		c.transport = adapter
	}
	if c.limiter == nil {
		c.ownedLimiter = ratelimit.New(cfg.RateLimit,
			ratelimit.WithLogger(c.logger),
			ratelimit.WithMetricsRecorder(c.metrics),
			ratelimit.WithClock(c.now),
		)
		c.limiter = c.ownedLimiter
	}
	if c.cache == nil && cfg.Cache.Enabled && cfg.Cache.TTL > 0 {
		cacheConfig := repositorycache.DefaultConfig()
		cacheConfig.TTL = cfg.Cache.TTL
		service, err := repositorycache.NewCacheService(cacheConfig)
		if err != nil {
			return nil, fmt.Errorf("client: build response cache: %w", err)
		}
		c.cache = service
	}
	return c, nil
}

// Close stops the rate limiter when the client created it.
func (c *Client) Close() error {
	if c == nil || c.ownedLimiter == nil {
		return nil
	}
	return c.ownedLimiter.Close()
}

// Limiter returns the rate limiter used by the client.
func (c *Client) Limiter() RateLimiter {
	if c == nil {
		return nil
	}
	return c.limiter
}

func (c *Client) Config() core.Config {
	return c.cfg
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
