package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/dig"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/crosslogic/metering/internal/billing"
	"github.com/crosslogic/metering/internal/config"
	"github.com/crosslogic/metering/internal/gateway"
	"github.com/crosslogic/metering/internal/ledger"
	"github.com/crosslogic/metering/internal/pricing"
	"github.com/crosslogic/metering/internal/topup"
	"github.com/crosslogic/metering/internal/usage"
	"github.com/crosslogic/metering/pkg/cache"
	"github.com/crosslogic/metering/pkg/database"
	"github.com/crosslogic/metering/pkg/events"
	"github.com/crosslogic/metering/pkg/telemetry"
)

func main() {
	container := buildContainer()

	if err := container.Invoke(run); err != nil {
		log.Fatalf("metering service failed: %v", err)
	}
}

func buildContainer() *dig.Container {
	container := dig.New()

	providers := []interface{}{
		config.LoadConfig,
		provideLogger,
		provideDatabase,
		provideCache,
		events.NewBus,
		provideLedgerStore,
		provideLedger,
		provideUsageRecorder,
		providePricing,
		pricing.NewCalculator,
		provideTopUp,
		provideEngine,
		provideWebhookHandler,
		provideGateway,
		provideServer,
	}
	for _, p := range providers {
		if err := container.Provide(p); err != nil {
			log.Fatalf("failed to register provider: %v", err)
		}
	}

	return container
}

func provideLogger(cfg *config.Config) (*zap.Logger, error) {
	return telemetry.NewLogger(cfg.Monitoring.LogLevel, cfg.Monitoring.Development)
}

// provideDatabase returns nil when the in-memory ledger is selected.
func provideDatabase(cfg *config.Config, logger *zap.Logger) (*database.Database, error) {
	if cfg.Metering.LedgerBackend != config.LedgerBackendPostgres {
		return nil, nil
	}

	db, err := database.NewDatabase(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if cfg.Database.AutoMigrate {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := db.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}

	logger.Info("connected to database",
		zap.String("host", cfg.Database.Host),
		zap.String("database", cfg.Database.Database),
	)
	return db, nil
}

// provideCache returns nil when Redis is disabled; dedup and in-flight guards fall back to process memory.
func provideCache(cfg *config.Config, logger *zap.Logger) (*cache.Cache, error) {
	if !cfg.Redis.Enabled {
		logger.Warn("redis disabled, using single-instance dedup and top-up guards")
		return nil, nil
	}

	c, err := cache.NewCache(cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	logger.Info("connected to Redis", zap.String("host", cfg.Redis.Host))
	return c, nil
}

func provideLedgerStore(cfg *config.Config, db *database.Database, logger *zap.Logger) ledger.Store {
	if db == nil {
		logger.Warn("using in-memory ledger, balances are lost on restart")
		return ledger.NewMemoryStore()
	}
	return ledger.NewPostgresStore(db, cfg.Metering.DebitTimeout)
}

func provideLedger(cfg *config.Config, store ledger.Store, logger *zap.Logger) *ledger.Ledger {
	return ledger.New(store, ledger.OptionsFromConfig(cfg.Metering), logger)
}

func provideUsageRecorder(cfg *config.Config, db *database.Database, c *cache.Cache, logger *zap.Logger) *usage.Recorder {
	var store usage.Store = usage.NewMemoryStore()
	if db != nil {
		store = usage.NewPostgresStore(db)
	}

	var dedup usage.Deduper = usage.NewMemoryDeduper(cfg.Metering.DedupWindow)
	if c != nil {
		dedup = usage.NewRedisDeduper(c, cfg.Metering.DedupWindow)
	}

	return usage.NewRecorder(store, dedup, cfg.Metering.UsageWriteTimeout, logger)
}

func providePricing(cfg *config.Config, logger *zap.Logger) (*pricing.Table, error) {
	table := pricing.NewTable(pricing.BuiltinSnapshot(cfg.Metering.MinimumCharge))
	if cfg.Metering.PricingFile == "" {
		logger.Info("using built-in pricing table")
		return table, nil
	}

	source, err := pricing.NewFileSource(cfg.Metering.PricingFile, table, cfg.Metering.MinimumCharge, logger)
	if err != nil {
		return nil, err
	}
	source.Watch()
	return table, nil
}

// provideTopUp returns nil when auto top-up is disabled.
func provideTopUp(cfg *config.Config, l *ledger.Ledger, c *cache.Cache, bus *events.Bus, logger *zap.Logger) *topup.Policy {
	if !cfg.TopUp.Enabled {
		return nil
	}

	payments := topup.NewStripeCollaborator(cfg.Billing.StripeSecretKey, cfg.Billing.Currency, cfg.Billing.CreditsPerUSD, nil, logger)

	var guard topup.Guard = topup.NewMemoryGuard()
	if c != nil {
		guard = topup.NewRedisGuard(c, cfg.TopUp.InFlightTTL)
	}

	return topup.NewPolicy(l, payments, guard, bus, topup.OptionsFromConfig(cfg.TopUp), logger)
}

func provideEngine(calc *pricing.Calculator, l *ledger.Ledger, recorder *usage.Recorder, policy *topup.Policy, bus *events.Bus, logger *zap.Logger) *billing.Engine {
	var trigger billing.TopUpTrigger
	if policy != nil {
		trigger = policy
	}
	return billing.NewEngine(calc, l, recorder, trigger, bus, logger)
}

// provideWebhookHandler returns nil when no webhook secret is configured.
func provideWebhookHandler(cfg *config.Config, engine *billing.Engine, c *cache.Cache, bus *events.Bus, logger *zap.Logger) *billing.WebhookHandler {
	if cfg.Billing.StripeWebhookSecret == "" {
		logger.Warn("STRIPE_WEBHOOK_SECRET not set, credit purchase webhooks disabled")
		return nil
	}
	return billing.NewWebhookHandler(cfg.Billing.StripeWebhookSecret, engine, c, bus, logger)
}

func provideGateway(cfg *config.Config, engine *billing.Engine, l *ledger.Ledger, webhooks *billing.WebhookHandler, db *database.Database, c *cache.Cache, logger *zap.Logger) *gateway.Gateway {
	checks := []gateway.HealthCheck{{Name: "ledger", Check: l.Health}}
	if db != nil {
		checks = append(checks, gateway.HealthCheck{Name: "database", Check: db.Health})
	}
	if c != nil {
		checks = append(checks, gateway.HealthCheck{Name: "redis", Check: c.Health})
	}

	if cfg.Server.ServiceToken == "" {
		logger.Warn("SERVICE_TOKEN not set, all /v1 and /admin requests will be rejected")
	}

	return gateway.NewGateway(engine, l, webhooks, checks, gateway.Options{
		ServiceToken:   cfg.Server.ServiceToken,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
		MetricsPath:    cfg.Monitoring.MetricsPath,
		RequestTimeout: cfg.Server.WriteTimeout,
	}, logger)
}

func provideServer(cfg *config.Config, gw *gateway.Gateway) *http.Server {
	return &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      gw,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
}

type runParams struct {
	dig.In

	Config  *config.Config
	Logger  *zap.Logger
	DB      *database.Database
	Cache   *cache.Cache
	Bus     *events.Bus
	Policy  *topup.Policy
	Gateway *gateway.Gateway
	Server  *http.Server
}

func run(p runParams) error {
	logger := p.Logger
	defer logger.Sync()

	if p.DB != nil {
		defer p.DB.Close()
	}
	if p.Cache != nil {
		defer p.Cache.Close()
	}

	logger.Info("starting metering service",
		zap.String("ledger_backend", string(p.Config.Metering.LedgerBackend)),
		zap.Bool("auto_top_up", p.Policy != nil),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// workers outlive the signal so Drain can finish queued recharges
	if p.Policy != nil {
		p.Policy.Start(context.Background())
	}
	if p.Config.Monitoring.Enabled {
		p.Gateway.StartHealthMetrics(ctx)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting HTTP server", zap.String("address", p.Server.Addr))
		if err := p.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := p.Server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server forced to shutdown", zap.Error(err))
		}

		// debits have stopped; let queued recharges finish
		if p.Policy != nil {
			drainCtx, cancel := context.WithTimeout(context.Background(), p.Config.TopUp.ShutdownTimeout)
			defer cancel()
			if err := p.Policy.Drain(drainCtx); err != nil {
				logger.Error("auto top-up drain incomplete", zap.Error(err))
			}
		}

		busCtx, busCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer busCancel()
		if err := p.Bus.Wait(busCtx); err != nil {
			logger.Warn("event handlers still running at exit", zap.Error(err))
		}
		return nil
	})

	err := g.Wait()
	logger.Info("server exited")
	return err
}
