package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Elisa-Alvarez/Starlight/pkg/api"
	"github.com/Elisa-Alvarez/Starlight/pkg/billing"
	billingmetrics "github.com/Elisa-Alvarez/Starlight/pkg/billing/metrics/prometheus"
	"github.com/Elisa-Alvarez/Starlight/pkg/billing/revenuecat"
	"github.com/Elisa-Alvarez/Starlight/pkg/entitlement"
	zerologadapter "github.com/Elisa-Alvarez/Starlight/pkg/entitlement/logger/zerolog"
	entitlementmetrics "github.com/Elisa-Alvarez/Starlight/pkg/entitlement/metrics/prometheus"
	firestorestore "github.com/Elisa-Alvarez/Starlight/storage/firestore"
	"github.com/Elisa-Alvarez/Starlight/storage/memory"
	"github.com/Elisa-Alvarez/Starlight/storage/postgres"
	rediscache "github.com/Elisa-Alvarez/Starlight/storage/redis"
	"github.com/Elisa-Alvarez/Starlight/storage/tiered"
)

const metricsNamespace = "starlight"

// app owns every long-lived component and closes them in reverse order
type app struct {
	handler http.Handler
	closers []func()
}

// Close releases the store, caches and clients
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func newApp(ctx context.Context, cfg Config, zlog zerolog.Logger) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	logger := zerologadapter.NewLogger(zlog)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	entMetrics := entitlementmetrics.NewMetrics(reg, metricsNamespace)
	billMetrics := billingmetrics.NewMetrics(reg, metricsNamespace)

	checks := map[string]api.HealthCheck{}

	raw, err := a.openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	checks["store"] = raw.Ping

	breaker := entitlement.NewDefaultCircuitBreaker(5, 30*time.Second, func(state entitlement.CircuitBreakerState) {
		entMetrics.RecordCircuitBreakerStateChange(string(state))
		logger.Warn("store circuit breaker changed state", entitlement.Field{Key: "state", Value: string(state)})
	})
	store := entitlement.NewCircuitBreakerStore(raw, breaker)

	cache, err := a.openCache(cfg, logger, checks)
	if err != nil {
		return nil, err
	}

	clock := entitlement.SystemClock{}

	failure := entitlement.FailClosed
	if cfg.Quota.FailOpen {
		failure = entitlement.FailOpen
	}
	gate, err := entitlement.NewGate(store, entitlement.GateConfig{
		FreeDailyLimit: cfg.Quota.FreeDailyLimit,
		PaidDailyLimit: cfg.Quota.PaidDailyLimit,
		TrialDays:      cfg.Quota.TrialDays,
		FailurePolicy:  failure,
		Clock:          clock,
		Logger:         logger,
		Metrics:        entMetrics,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create quota gate: %w", err)
	}

	service, err := entitlement.NewService(store, entitlement.Config{
		TrialDays: cfg.Quota.TrialDays,
		Cache:     cache,
		CacheTTL:  cfg.Cache.TTL,
		Clock:     clock,
		Logger:    logger,
		Metrics:   entMetrics,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create entitlement service: %w", err)
	}

	webhook, err := newWebhook(cfg, store, cache, clock, logger, billMetrics)
	if err != nil {
		return nil, err
	}

	handler, err := api.NewHandler(api.Config{
		Service:        service,
		Gate:           gate,
		Webhook:        webhook,
		Metrics:        promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		HealthChecks:   checks,
		RequestTimeout: cfg.HTTP.RequestTimeout,
		FreeDailyLimit: cfg.Quota.FreeDailyLimit,
		Middlewares:    []func(http.Handler) http.Handler{accessLog(zlog)},
		Logger:         logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create api handler: %w", err)
	}
	a.handler = handler.Router()
	return a, nil
}

func (a *app) openStore(ctx context.Context, cfg Config, logger entitlement.Logger) (entitlement.Store, error) {
	switch cfg.Storage.Backend {
	case backendPostgres:
		pgCfg := postgres.DefaultConfig()
		pgCfg.ConnectionString = cfg.Storage.DatabaseURL
		pgCfg.MaxConns = cfg.Storage.PGMaxConns
		pgCfg.MinConns = cfg.Storage.PGMinConns
		pgCfg.Migrate = cfg.Storage.PGMigrate
		pgCfg.Logger = logger

		store, err := postgres.New(ctx, pgCfg)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store.Close)
		return store, nil

	case backendFirestore:
		client, err := firestore.NewClient(ctx, cfg.Storage.FirestoreProjectID)
		if err != nil {
			return nil, fmt.Errorf("failed to create firestore client: %w", err)
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		store, err := firestorestore.New(client, firestorestore.Config{})
		if err != nil {
			return nil, err
		}
		return store, nil

	case backendMemory:
		logger.Warn("using in-memory storage; data is lost on restart")
		return memory.New(), nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
}

// openCache returns the process LRU, layered over Redis when REDIS_URL is set
func (a *app) openCache(cfg Config, logger entitlement.Logger, checks map[string]api.HealthCheck) (entitlement.Cache, error) {
	lru := entitlement.NewLRUCache(cfg.Cache.LRUSize)
	if cfg.Cache.RedisURL == "" {
		return lru, nil
	}

	opts, err := goredis.ParseURL(cfg.Cache.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse REDIS_URL: %w", err)
	}
	client := goredis.NewClient(opts)
	a.closers = append(a.closers, func() { _ = client.Close() })

	redisCfg := rediscache.DefaultConfig()
	redisCfg.DefaultTTL = cfg.Cache.TTL
	redisCfg.Logger = logger
	cold, err := rediscache.New(client, redisCfg)
	if err != nil {
		return nil, err
	}
	checks["redis"] = cold.Ping

	cache, err := tiered.New(tiered.Config{
		Hot:             lru,
		Cold:            cold,
		AsyncColdWrites: true,
		AsyncErrorHandler: func(err error) {
			logger.Warn("redis cache write failed", entitlement.Field{Key: "error", Value: err.Error()})
		},
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { _ = cache.Close() })
	return cache, nil
}

func newWebhook(
	cfg Config,
	store entitlement.Ledger,
	cache entitlement.Cache,
	clock entitlement.Clock,
	logger entitlement.Logger,
	metrics billing.Metrics,
) (http.Handler, error) {
	verifier, err := billing.NewVerifier(cfg.Billing.WebhookSecret, cfg.Billing.TestMode)
	if err != nil {
		return nil, err
	}
	if !verifier.Configured() {
		logger.Warn("webhook signature verification disabled by BILLING_TEST_MODE")
	}

	ingestor, err := billing.NewIngestor(billing.Config{
		Store:      store,
		Parser:     revenuecat.NewParser(),
		Verifier:   verifier,
		Cache:      cache,
		Classifier: entitlement.Classifier{LifetimeMarker: cfg.Quota.LifetimeMarker},
		Timeout:    cfg.Billing.Timeout,
		Clock:      clock,
		Logger:     logger,
		Metrics:    metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create webhook ingestor: %w", err)
	}

	provider, err := revenuecat.NewProvider(revenuecat.Config{
		Ingestor:        ingestor,
		SignatureHeader: cfg.Billing.SignatureHeader,
		RateLimit:       cfg.Billing.RateLimit,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}
	return provider.WebhookHandler(), nil
}
