package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dca57/MesSnippets-sub002/internal/config"
	"github.com/dca57/MesSnippets-sub002/internal/credentials"
	"github.com/dca57/MesSnippets-sub002/internal/gateway"
	"github.com/dca57/MesSnippets-sub002/internal/identity"
	"github.com/dca57/MesSnippets-sub002/internal/notifications"
	"github.com/dca57/MesSnippets-sub002/internal/plan"
	"github.com/dca57/MesSnippets-sub002/internal/policy"
	"github.com/dca57/MesSnippets-sub002/internal/provider"
	"github.com/dca57/MesSnippets-sub002/internal/quota"
	"github.com/dca57/MesSnippets-sub002/internal/usage"
	"github.com/dca57/MesSnippets-sub002/pkg/cache"
	"github.com/dca57/MesSnippets-sub002/pkg/database"
	"github.com/dca57/MesSnippets-sub002/pkg/events"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := newLogger(cfg.Monitoring.LogLevel)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("starting MesSnippets LLM gateway")

	// Initialize database
	db, err := database.NewDatabase(cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("connected to database")

	encryption, err := credentials.NewEncryptionService(cfg.Security.CredentialsKey, cfg.Security.CredentialsKeyID)
	if err != nil {
		logger.Fatal("failed to initialize credential encryption", zap.Error(err))
	}
	store := database.NewStore(db, encryption)

	// Initialize Redis cache
	redisCache, err := cache.NewCache(cfg.Redis)
	if err != nil {
		logger.Fatal("failed to connect to Redis", zap.Error(err))
	}
	defer redisCache.Close()
	logger.Info("connected to Redis")

	// Initialize event bus
	eventBus := events.NewBus(logger)
	subscribeAudit(eventBus, logger)
	logger.Info("initialized event bus")

	verifier, err := newVerifier(cfg.Identity, logger)
	if err != nil {
		logger.Fatal("failed to initialize identity verifier", zap.Error(err))
	}

	limits := quota.NewLimits(store, cfg.Quota.DefaultFreeBudget, cfg.Quota.DefaultProBudget)
	var ledger quota.Ledger
	switch cfg.Quota.Strategy {
	case "lock":
		ledger = quota.NewLockLedger(store, limits)
	default:
		ledger = quota.NewReservationLedger(redisCache, store, limits, cfg.Quota.ReservationTTL, logger)
	}
	logger.Info("initialized quota ledger", zap.String("strategy", cfg.Quota.Strategy))

	upstream := provider.NewBaseClient(&http.Client{}, cfg.Upstream.Timeout, cfg.Upstream.UserAgent, logger)
	registry := provider.NewRegistry(store, upstream)
	registry.RegisterDefaults(cfg.Upstream)

	var limiter *gateway.RateLimiter
	if cfg.RateLimit.RequestsPerMinute > 0 {
		limiter = gateway.NewRateLimiter(redisCache, cfg.RateLimit.RequestsPerMinute, logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Outbound event webhook
	var notifier *notifications.Service
	if cfg.Notifications.Enabled() {
		webhook := notifications.NewWebhook(cfg.Notifications.WebhookURL, cfg.Notifications.WebhookSecret, logger)
		notifier = notifications.NewService(cfg.Notifications, webhook, redisCache, eventBus, logger)
		notifier.Start(ctx)
	}

	// Initialize API gateway
	gw := gateway.NewGateway(gateway.Deps{
		Verifier:  verifier,
		Plans:     plan.NewResolver(store, eventBus, logger),
		Policies:  policy.NewService(store, logger),
		Ledger:    ledger,
		Providers: registry,
		Recorder:  usage.NewRecorder(store, eventBus, logger),
		Limiter:   limiter,
		Bus:       eventBus,
		Health: map[string]gateway.HealthChecker{
			"postgres": db,
			"redis":    redisCache,
		},
		Logger: logger,
	}, gateway.Options{
		CORSAllowedOrigins: cfg.Security.CorsAllowedOrigins,
		MetricsEnabled:     cfg.Monitoring.MetricsEnabled,
		MetricsPath:        cfg.Monitoring.MetricsPath,
		RequestTimeout:     cfg.Server.WriteTimeout,
	})
	gw.StartHealthMetrics(ctx)
	logger.Info("initialized API gateway")

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      gw,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting HTTP server",
			zap.String("address", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")
	cancel()

	// Graceful shutdown; in-flight requests settle their reservations.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	if notifier != nil {
		notifier.Stop()
	}

	logger.Info("server exited")
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}

func newVerifier(cfg config.IdentityConfig, logger *zap.Logger) (identity.Verifier, error) {
	if cfg.Mode == "remote" {
		return identity.NewRemoteVerifier(cfg.URL, cfg.APIKey, cfg.Timeout, logger), nil
	}
	return identity.NewJWTVerifier(cfg.JWTSecret, cfg.Issuer, cfg.Audience)
}

// subscribeAudit logs every gateway event at info level.
func subscribeAudit(bus *events.Bus, logger *zap.Logger) {
	audit := func(ctx context.Context, event events.Event) error {
		logger.Info("gateway event",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
			zap.String("user_id", event.UserID),
			zap.Any("payload", event.Payload),
		)
		return nil
	}
	for _, t := range []events.EventType{
		events.EventUsageRecorded,
		events.EventQuotaExceeded,
		events.EventFeatureRestricted,
		events.EventPlanDegraded,
	} {
		bus.Subscribe(t, audit)
	}
}
