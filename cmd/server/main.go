package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	appbilling "github.com/lexmeter/backend/internal/application/billing"
	"github.com/lexmeter/backend/internal/domain/billing"
	"github.com/lexmeter/backend/internal/domain/shared"
	"github.com/lexmeter/backend/internal/infrastructure/auth"
	infrabilling "github.com/lexmeter/backend/internal/infrastructure/billing"
	"github.com/lexmeter/backend/internal/infrastructure/cache"
	"github.com/lexmeter/backend/internal/infrastructure/config"
	"github.com/lexmeter/backend/internal/infrastructure/event"
	"github.com/lexmeter/backend/internal/infrastructure/logger"
	"github.com/lexmeter/backend/internal/infrastructure/migration"
	"github.com/lexmeter/backend/internal/infrastructure/persistence"
	"github.com/lexmeter/backend/internal/infrastructure/scheduler"
	"github.com/lexmeter/backend/internal/infrastructure/storage"
	"github.com/lexmeter/backend/internal/infrastructure/telemetry"
	"github.com/lexmeter/backend/internal/interfaces/http/handler"
	"github.com/lexmeter/backend/internal/interfaces/http/middleware"
	"github.com/lexmeter/backend/internal/interfaces/http/router"
	"go.uber.org/zap"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

//	@title			Lexmeter Metering API
//	@version		1.0
//	@description	Usage metering, tier enforcement and overage billing

//	@host		localhost:8080
//	@BasePath	/api/v1

//	@securityDefinitions.apikey	BearerAuth
//	@in							header
//	@name						Authorization
//	@description				Bearer token authentication. Format: "Bearer {token}"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	// Initialize logger
	log, err := logger.New(&logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
	})
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer func() {
		_ = log.Sync()
	}()

	log.Info("Starting metering backend",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.String("port", cfg.App.Port),
		zap.String("version", version),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Telemetry
	meterProvider, err := telemetry.NewMeterProvider(ctx, telemetry.MetricsConfig{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		ExportInterval:    cfg.Telemetry.ExportInterval,
		ServiceName:       cfg.Telemetry.ServiceName,
		ServiceVersion:    version,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize metrics", zap.Error(err))
	}

	var meteringMetrics appbilling.Metrics = appbilling.NoopMetrics{}
	if meterProvider.IsEnabled() {
		m, err := telemetry.NewMeteringMetrics(meterProvider.Meter("metering"))
		if err != nil {
			log.Warn("Metering metrics disabled", zap.Error(err))
		} else {
			meteringMetrics = m
		}
	}

	// Database
	if cfg.Database.AutoMigrate {
		if err := runMigrations(&cfg.Database, log); err != nil {
			log.Fatal("Failed to run migrations", zap.Error(err))
		}
	}

	gormLog := logger.NewGormLogger(log, logger.MapGormLogLevel(cfg.Log.Level),
		logger.WithSlowThreshold(cfg.Database.SlowQueryThreshold))
	db, err := persistence.NewDatabase(&cfg.Database, persistence.WithLogger(gormLog))
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("Error closing database", zap.Error(err))
		}
	}()
	log.Info("Database connected successfully")

	if meterProvider.IsEnabled() {
		dbMetricsCfg := telemetry.DefaultDBMetricsConfig()
		dbMetricsCfg.SlowQueryThreshold = cfg.Database.SlowQueryThreshold
		dbMetrics, err := telemetry.RegisterDBMetrics(db.DB, meterProvider, dbMetricsCfg, log)
		if err != nil {
			log.Warn("Database metrics disabled", zap.Error(err))
		} else {
			defer dbMetrics.Stop()
		}
	}

	// Redis-backed stores, in memory when redis is disabled
	stores, err := cache.NewFactory(cfg.Redis,
		cache.WithLogger(log),
		cache.WithInMemoryFallback(!cfg.App.IsProduction()),
	).Build()
	if err != nil {
		log.Fatal("Failed to initialize cache", zap.Error(err))
	}
	defer func() {
		if err := stores.Close(); err != nil {
			log.Error("Error closing cache", zap.Error(err))
		}
	}()

	// Events
	bus := event.NewInMemoryEventBus(log)
	alerts := appbilling.NewQuotaAlertHandler(log).
		WithNotifier(appbilling.NewLoggingQuotaAlertNotifier(log))
	// An alert key must outlive the longest billing period it can repeat in
	alertDedup := shared.IdempotencyConfig{TTL: 32 * 24 * time.Hour, Enabled: true}
	bus.Subscribe(event.NewIdempotentHandler(alerts, stores.Idempotency, log,
		event.WithKeyFunc(appbilling.AlertCrossingKey),
		event.WithIdempotencyConfig(alertDedup),
	), alerts.EventTypes()...)
	invalidation := appbilling.NewSummaryInvalidationHandler(stores.Summaries, log)
	bus.Subscribe(invalidation, invalidation.EventTypes()...)
	if err := bus.Start(ctx); err != nil {
		log.Fatal("Failed to start event bus", zap.Error(err))
	}

	// Repositories
	periodRepo := persistence.NewGormBillingPeriodRepository(db.DB)
	counterRepo := persistence.NewGormQuotaCounterRepository(db.DB)
	invoiceRepo := persistence.NewGormInvoiceRepository(db.DB)
	ledger := persistence.NewGormUsageLedger(db.DB, cfg.Metering.LedgerBatchSize)
	txManager := persistence.NewGormTransactor(db.DB)

	// Payment processor
	stripeCfg := toStripeConfig(cfg.Stripe)
	var processor appbilling.PaymentProcessor = infrabilling.NewNoopInvoicer(log)
	if cfg.Stripe.Enabled() {
		adapter, err := infrabilling.NewStripeAdapter(stripeCfg, log)
		if err != nil {
			log.Fatal("Failed to initialize Stripe", zap.Error(err))
		}
		processor = adapter
	} else {
		log.Warn("Stripe not configured, overage invoices will not be submitted")
	}

	// Services
	catalog := billing.DefaultTierCatalog()
	tracker := appbilling.NewQuotaTracker(counterRepo, periodRepo, catalog, bus, meteringMetrics, log)
	gate := appbilling.NewEnforcementGate(periodRepo, tracker, catalog, meteringMetrics, log)
	calculator := appbilling.NewOverageCalculator(appbilling.OverageCalculatorConfig{
		Periods:   periodRepo,
		Invoices:  invoiceRepo,
		Ledger:    ledger,
		Tracker:   tracker,
		Catalog:   catalog,
		Processor: processor,
		TxManager: txManager,
		Publisher: bus,
		Metrics:   meteringMetrics,
		Logger:    log,
	})
	periodService := appbilling.NewPeriodService(appbilling.PeriodServiceConfig{
		Periods:    periodRepo,
		Tracker:    tracker,
		Calculator: calculator,
		Catalog:    catalog,
		TxManager:  txManager,
		Publisher:  bus,
		Logger:     log,
	})
	meteringService := appbilling.NewMeteringService(appbilling.MeteringServiceConfig{
		Gate:           gate,
		Tracker:        tracker,
		Periods:        periodRepo,
		Ledger:         ledger,
		Invoices:       invoiceRepo,
		Catalog:        catalog,
		Idempotency:    stores.Idempotency,
		Cache:          stores.Summaries,
		TxManager:      txManager,
		Logger:         log,
		IdempotencyTTL: cfg.Metering.IdempotencyTTL,
		SummaryTTL:     cfg.Metering.SummaryCacheTTL,
	})
	webhookService := appbilling.NewStripeWebhookService(appbilling.StripeWebhookServiceConfig{
		Config:   stripeCfg,
		Recorder: meteringService,
		Logger:   log,
	})

	// Rollover job
	var rollover handler.RolloverTrigger
	var rolloverScheduler *scheduler.RolloverScheduler
	if cfg.Scheduler.Enabled {
		rolloverService := appbilling.NewRolloverService(appbilling.RolloverServiceConfig{
			Periods:    periodRepo,
			Calculator: calculator,
			PeriodSvc:  periodService,
			Metrics:    meteringMetrics,
			Logger:     log,
			BatchSize:  cfg.Scheduler.RolloverBatchSize,
		})
		rolloverScheduler = scheduler.NewRolloverScheduler(scheduler.RolloverSchedulerConfig{
			Enabled:      true,
			Schedule:     cfg.Scheduler.RolloverCron,
			JobTimeout:   cfg.Scheduler.JobTimeout,
			RunOnStartup: cfg.Scheduler.RunOnStartup,
		}, rolloverService, log)
		if err := rolloverScheduler.Start(ctx); err != nil {
			log.Fatal("Failed to start rollover scheduler", zap.Error(err))
		}
		rollover = rolloverScheduler
	}

	// Object storage
	var usageSource storage.UsageSource
	if cfg.Storage.Enabled {
		s3Source, err := storage.NewS3UsageSource(&cfg.Storage,
			storage.WithLogger(log),
			storage.WithPresignExpiration(cfg.Storage.PresignExpiration))
		if err != nil {
			log.Fatal("Failed to initialize object storage", zap.Error(err))
		}
		if err := s3Source.EnsureBucket(ctx); err != nil {
			log.Fatal("Object storage bucket unavailable", zap.Error(err))
		}
		usageSource = s3Source
	} else {
		log.Warn("Object storage disabled, uploads are tracked in memory")
		usageSource = storage.NewStubUsageSource()
	}

	// HTTP
	if cfg.App.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	middleware.SetupValidator()

	engine := gin.New()
	if err := engine.SetTrustedProxies(cfg.HTTP.TrustedProxies); err != nil {
		log.Fatal("Invalid trusted proxies", zap.Error(err))
	}

	corsCfg := middleware.DefaultCORSConfig()
	corsCfg.AllowOrigins = cfg.HTTP.CORSAllowOrigins
	corsCfg.AllowMethods = cfg.HTTP.CORSAllowMethods
	corsCfg.AllowHeaders = cfg.HTTP.CORSAllowHeaders

	securityCfg := middleware.DefaultSecurityConfig()
	securityCfg.HSTSEnabled = cfg.App.IsProduction()

	engine.Use(
		middleware.RequestID(),
		logger.GinMiddleware(log),
		logger.Recovery(log),
		middleware.SecurityHeaders(securityCfg),
		middleware.CORS(corsCfg),
		middleware.BodyLimit(cfg.HTTP.MaxBodySize),
		middleware.HTTPMetrics(middleware.HTTPMetricsConfig{
			MeterProvider: meterProvider,
			Enabled:       cfg.Telemetry.Enabled,
			Logger:        log,
		}),
	)

	jwtCfg := middleware.DefaultJWTConfig(auth.NewJWTService(cfg.JWT))
	jwtCfg.AllowDevUserHeader = cfg.Metering.DevUserHeader && !cfg.App.IsProduction()
	jwtCfg.Logger = log
	if stores.Client != nil {
		jwtCfg.Revocations = auth.NewRedisRevocationList(stores.Client, "")
	}

	guards := router.Guards{
		Auth:  middleware.JWTAuthMiddlewareWithConfig(jwtCfg),
		Admin: middleware.RequireAdmin(),
		Quota: meteringService,
	}
	if cfg.HTTP.RateLimit > 0 {
		limiter := middleware.NewRateLimiter(cfg.HTTP.RateLimit, cfg.HTTP.RateLimitWindow)
		defer limiter.Stop()
		guards.RateLimit = middleware.RateLimit(limiter)
	}

	handlers := router.Handlers{
		Tier:         handler.NewTierHandler(catalog),
		Subscription: handler.NewSubscriptionHandler(periodService),
		Usage:        handler.NewUsageHandler(meteringService),
		Upload:       handler.NewUploadHandler(meteringService, usageSource, cfg.Storage.PresignExpiration),
		Billing:      handler.NewBillingHandler(calculator, meteringService, rollover),
		Webhook:      handler.NewStripeWebhookHandler(webhookService),
		System:       handler.NewSystemHandler(systemConfig(cfg, catalog)),
	}
	router.NewRouter(engine).Register(router.MeteringRoutes(handlers, guards)...).Setup()

	health := handler.NewHealthHandler(healthChecks(db, stores)...)
	engine.GET("/health", health.Health)
	engine.GET("/api/v1/health", health.Health)

	srv := &http.Server{
		Addr:           ":" + cfg.App.Port,
		Handler:        engine,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		IdleTimeout:    cfg.HTTP.IdleTimeout,
		MaxHeaderBytes: cfg.HTTP.MaxHeaderBytes,
	}

	go func() {
		log.Info("Server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}
	if rolloverScheduler != nil {
		if err := rolloverScheduler.Stop(shutdownCtx); err != nil {
			log.Error("Rollover scheduler did not stop cleanly", zap.Error(err))
		}
	}
	if err := bus.Stop(shutdownCtx); err != nil {
		log.Error("Error stopping event bus", zap.Error(err))
	}
	if err := meterProvider.Shutdown(shutdownCtx); err != nil {
		log.Error("Error shutting down metrics", zap.Error(err))
	}

	log.Info("Server exited gracefully")
}

// runMigrations applies the embedded migrations over a dedicated connection,
// which the migrator closes when done.
func runMigrations(cfg *config.DatabaseConfig, log *zap.Logger) error {
	db, err := persistence.NewDatabase(cfg)
	if err != nil {
		return err
	}
	m, err := migration.NewEmbedded(db.SQL(), log)
	if err != nil {
		_ = db.Close()
		return err
	}
	defer func() {
		if err := m.Close(); err != nil {
			log.Warn("Error closing migrator", zap.Error(err))
		}
	}()
	return m.Up()
}

func systemConfig(cfg *config.Config, catalog *billing.TierCatalog) handler.SystemConfig {
	sc := handler.SystemConfig{Name: cfg.App.Name, Version: version, Catalog: catalog}
	if cfg.Scheduler.Enabled {
		sc.RolloverCron = cfg.Scheduler.RolloverCron
	}
	return sc
}

func healthChecks(db *persistence.Database, stores *cache.Stores) []handler.HealthCheck {
	checks := []handler.HealthCheck{{Name: "database", Check: db.Ping}}
	if stores.Client != nil {
		checks = append(checks, handler.HealthCheck{
			Name: "redis",
			Check: func(ctx context.Context) error {
				return stores.Client.Ping(ctx).Err()
			},
		})
	}
	return checks
}

func toStripeConfig(cfg config.StripeConfig) *infrabilling.StripeConfig {
	out := infrabilling.DefaultStripeConfig()
	out.SecretKey = cfg.SecretKey
	out.WebhookSecret = cfg.WebhookSecret
	out.IsTestMode = cfg.IsTestMode
	if cfg.DefaultCurrency != "" {
		out.DefaultCurrency = cfg.DefaultCurrency
	}
	if cfg.CustomerIDs != nil {
		out.CustomerIDs = cfg.CustomerIDs
	}
	return out
}
