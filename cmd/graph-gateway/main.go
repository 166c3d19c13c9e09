package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	gateway "github.com/goliatone/go-graph-gateway"
	"github.com/goliatone/go-graph-gateway/adapters/gocommand"
	"github.com/goliatone/go-graph-gateway/core"
	"github.com/goliatone/go-graph-gateway/security"
	sqlstore "github.com/goliatone/go-graph-gateway/store/sql"
	glog "github.com/goliatone/go-logger/glog"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
)

func main() {
	configPath := flag.String("config", "graph-gateway.json", "Path to JSON configuration file")
	addr := flag.String("addr", ":8080", "HTTP listen address")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := core.ResolveLogger("graph.gateway.cmd", nil, nil)
	if err := run(ctx, logger, *configPath, *addr); err != nil {
		core.LogWithFields(ctx, logger, core.LogLevelError, "graph gateway stopped", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
}

func run(ctx context.Context, logger glog.Logger, configPath, addr string) error {
	provider := core.NewCfgxConfigProvider(newLayeredLoader(configPath))
	defaults := gateway.DefaultConfig()
	loaded, err := provider.Load(ctx, defaults)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg, err := core.GoOptionsResolver{}.Resolve(defaults, loaded, gateway.Config{})
	if err != nil {
		return fmt.Errorf("resolve config: %w", err)
	}

	persistenceClient, err := sqlstore.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer func() { _ = persistenceClient.Close() }()

	factoryOpts := []sqlstore.FactoryOption{}
	if key := strings.TrimSpace(os.Getenv("GRAPH_GATEWAY_TOKEN_KEY")); key != "" {
		secrets, err := security.NewKeyringSecretProviderFromString(key)
		if err != nil {
			return fmt.Errorf("token key: %w", err)
		}
		factoryOpts = append(factoryOpts, sqlstore.WithSecretProvider(secrets))
	}
	if cfg.Cache.Enabled && cfg.Cache.TTL > 0 {
		cacheConfig := repositorycache.DefaultConfig()
		cacheConfig.TTL = cfg.Cache.TTL
		cache, err := repositorycache.NewCacheService(cacheConfig)
		if err != nil {
			return fmt.Errorf("build state cache: %w", err)
		}
		factoryOpts = append(factoryOpts, sqlstore.WithStateCache(cache))
	}
	factory, err := sqlstore.NewRepositoryFactoryFromPersistence(persistenceClient, factoryOpts...)
	if err != nil {
		return err
	}

	metrics := core.NewMemoryMetrics()
	gatewayOpts := []gateway.Option{
		gateway.WithLogger(logger),
		gateway.WithMetricsRecorder(metrics),
		gateway.WithEventStore(factory.EventStore()),
		gateway.WithStateStore(factory.RateLimitStateStore()),
	}
	if tokens := factory.TokenStore(); tokens != nil {
		gatewayOpts = append(gatewayOpts, gateway.WithTokenStore(tokens))
	} else {
		core.LogWithFields(ctx, logger, core.LogLevelWarn, "GRAPH_GATEWAY_TOKEN_KEY not set, credentials are kept in memory", nil)
	}
	gw, err := gateway.New(ctx, cfg, gatewayOpts...)
	if err != nil {
		return err
	}
	defer func() { _ = gw.Close() }()

	wiring, err := gocommand.Wire(gocommand.NewRegistryAdapter(nil), gw.CommandHandlers())
	if err != nil {
		return err
	}
	defer wiring.Unsubscribe()

	mux := newAdminMux(metrics)
	mux.Handle("/webhooks", gw.WebhookHandler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 2)
	go func() {
		errs <- gw.Start(ctx)
	}()
	go func() {
		core.LogWithFields(ctx, logger, core.LogLevelInfo, "graph gateway listening", map[string]any{"addr": addr})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errs:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, err)
	}
	return runErr
}
