package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/goliatone/go-graph-gateway/adapters/gocommand"
	"github.com/goliatone/go-graph-gateway/client"
	"github.com/goliatone/go-graph-gateway/core"
	"github.com/goliatone/go-graph-gateway/delivery"
	"github.com/goliatone/go-graph-gateway/graph"
	"github.com/goliatone/go-graph-gateway/ratelimit"
	"github.com/goliatone/go-graph-gateway/transport"
	"github.com/goliatone/go-graph-gateway/webhooks"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
)

type Option func(*options)

type options struct {
	tokens         core.TokenStore
	events         core.EventStore
	state          ratelimit.StateStore
	transport      transport.Doer
	cache          repositorycache.CacheService
	appID          string
	logger         core.Logger
	loggerProvider core.LoggerProvider
	metrics        core.MetricsRecorder
	configProvider core.ConfigProvider
	resolver       core.OptionsResolver
}

// WithTokenStore replaces the in-memory token store. Stores that also list
// expiring credentials are used for refresh-soon queries.
func WithTokenStore(store core.TokenStore) Option {
	return func(o *options) {
		o.tokens = store
	}
}

func WithEventStore(store core.EventStore) Option {
	return func(o *options) {
		o.events = store
	}
}

// WithStateStore persists rate-limit budgets across restarts.
func WithStateStore(store ratelimit.StateStore) Option {
	return func(o *options) {
		o.state = store
	}
}

func WithTransport(doer transport.Doer) Option {
	return func(o *options) {
		o.transport = doer
	}
}

func WithCacheService(cache repositorycache.CacheService) Option {
	return func(o *options) {
		o.cache = cache
	}
}

func WithAppID(appID string) Option {
	return func(o *options) {
		o.appID = appID
	}
}

func WithLogger(logger core.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func WithLoggerProvider(provider core.LoggerProvider) Option {
	return func(o *options) {
		o.loggerProvider = provider
	}
}

func WithMetricsRecorder(recorder core.MetricsRecorder) Option {
	return func(o *options) {
		o.metrics = recorder
	}
}

// WithConfigProvider loads configuration on top of the config passed to New.
func WithConfigProvider(provider core.ConfigProvider) Option {
	return func(o *options) {
		o.configProvider = provider
	}
}

func WithOptionsResolver(resolver core.OptionsResolver) Option {
	return func(o *options) {
		o.resolver = resolver
	}
}

// Gateway composes the Graph client, rate limiter, batch executor, webhook
// ingress and delivery queue over one set of stores.
type Gateway struct {
	cfg      core.Config
	tokens   core.TokenStore
	expiring core.ExpiringLister
	events   core.EventStore
	limiter  *ratelimit.Limiter
	client   *client.Client
	batcher  *graph.Batcher
	queue    *delivery.Queue
	ingress  *webhooks.Ingress
	observer core.Observer
}

func New(ctx context.Context, cfg Config, opts ...Option) (*Gateway, error) {
	resolved := options{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&resolved)
	}

	cfg, err := resolveConfig(ctx, cfg, resolved)
	if err != nil {
		return nil, err
	}

	logger := core.ResolveLogger("graph.gateway", resolved.loggerProvider, resolved.logger)
	g := &Gateway{
		cfg:      cfg,
		tokens:   resolved.tokens,
		events:   resolved.events,
		observer: core.NewObserver("graph", logger, resolved.metrics),
	}
	if g.tokens == nil {
		g.tokens = core.NewMemoryTokenStore()
	}
	if lister, ok := g.tokens.(core.ExpiringLister); ok {
		g.expiring = lister
	}
	if g.events == nil {
		g.events = core.NewMemoryEventStore()
	}

	limiterOpts := []ratelimit.Option{
		ratelimit.WithLoggerProvider(resolved.loggerProvider),
		ratelimit.WithMetricsRecorder(resolved.metrics),
	}
	if resolved.state != nil {
		limiterOpts = append(limiterOpts, ratelimit.WithStateStore(resolved.state))
	}
	g.limiter = ratelimit.New(cfg.RateLimit, limiterOpts...)

	g.client, err = client.New(cfg, g.tokens,
		client.WithRateLimiter(g.limiter),
		client.WithTransport(resolved.transport),
		client.WithCacheService(resolved.cache),
		client.WithAppID(resolved.appID),
		client.WithLoggerProvider(resolved.loggerProvider),
		client.WithMetricsRecorder(resolved.metrics),
	)
	if err != nil {
		_ = g.limiter.Close()
		return nil, err
	}
	g.batcher = graph.NewBatcher(g.client,
		graph.WithMaxBatchSize(cfg.Batch.MaxSize),
		graph.WithBatchLogger(logger),
		graph.WithBatchMetricsRecorder(resolved.metrics),
	)

	g.queue = delivery.New(cfg.Delivery, g.events,
		delivery.WithLoggerProvider(resolved.loggerProvider),
		delivery.WithMetricsRecorder(resolved.metrics),
	)
	g.ingress, err = webhooks.NewIngress(cfg.Webhook, g.events, g.queue,
		webhooks.WithLoggerProvider(resolved.loggerProvider),
		webhooks.WithMetricsRecorder(resolved.metrics),
	)
	if err != nil {
		_ = g.Close()
		return nil, err
	}
	return g, nil
}

func resolveConfig(ctx context.Context, cfg Config, resolved options) (Config, error) {
	if resolved.configProvider != nil {
		loaded, err := resolved.configProvider.Load(ctx, cfg)
		if err != nil {
			return Config{}, fmt.Errorf("gateway: load config: %w", err)
		}
		if resolved.resolver != nil {
			return resolved.resolver.Resolve(cfg, loaded, Config{})
		}
		cfg = loaded
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Do executes req with the configured retry policy.
func (g *Gateway) Do(ctx context.Context, req Request) (Response, error) {
	return g.client.Do(ctx, req)
}

// Execute executes req with an explicit retry policy.
func (g *Gateway) Execute(ctx context.Context, req Request, policy RetryPolicy) (Response, error) {
	return g.client.Execute(ctx, req, policy)
}

// Batch runs ops for identity, chunked to the configured batch size. Results
// keep the order of ops.
func (g *Gateway) Batch(ctx context.Context, identity string, ops []BatchOperation) ([]BatchResult, error) {
	return g.batcher.Execute(ctx, identity, ops)
}

// Pager returns a cursor pager over the list endpoint described by req.
func (g *Gateway) Pager(req Request, opts ...graph.PagerOption) *graph.Pager {
	return graph.NewPager(g.client, req, opts...)
}

// PutCredential stores a credential, replacing any previous one.
func (g *Gateway) PutCredential(ctx context.Context, credential Credential) error {
	return g.tokens.Put(ctx, credential.Identity, credential)
}

// Budget reports the current rate-limit state of scope.
func (g *Gateway) Budget(ctx context.Context, scope ratelimit.Scope) (ratelimit.Budget, error) {
	return g.limiter.Budget(ctx, scope)
}

// WebhookHandler serves the verification handshake and event deliveries.
func (g *Gateway) WebhookHandler() http.Handler {
	return webhooks.NewHandler(g.ingress)
}

func (g *Gateway) Queue() *delivery.Queue {
	return g.queue
}

func (g *Gateway) Ingress() *webhooks.Ingress {
	return g.ingress
}

func (g *Gateway) Client() *client.Client {
	return g.client
}

func (g *Gateway) Config() Config {
	return g.cfg
}

// CommandHandlers exposes the gateway components for go-command wiring.
func (g *Gateway) CommandHandlers() gocommand.Handlers {
	return gocommand.Handlers{
		Credentials:  g.tokens,
		Expiring:     g.expiring,
		Ingress:      g.ingress,
		Events:       g.queue,
		Budgets:      g.limiter,
		ExpiryWindow: g.cfg.Credentials.ExpiryWindow,
	}
}

// Start reloads events a previous process left behind and reclaims expired
// leases until ctx is done.
func (g *Gateway) Start(ctx context.Context) error {
	recovered, err := g.ingress.Recover(ctx, g.cfg.Delivery.RecoverLimit)
	if err != nil {
		return err
	}
	g.observer.Log(ctx, core.LogLevelInfo, "gateway started", map[string]any{"recovered": recovered})
	if err := g.queue.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Close wakes queue consumers and stops the rate limiter.
func (g *Gateway) Close() error {
	if g == nil {
		return nil
	}
	if g.queue != nil {
		g.queue.Close()
	}
	var err error
	if g.client != nil {
		err = errors.Join(err, g.client.Close())
	}
	if g.limiter != nil {
		err = errors.Join(err, g.limiter.Close())
	}
	return err
}
