package tipgateway

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"ecotip/observability"
	"ecotip/observability/logging"
	telemetry "ecotip/observability/otel"
	"ecotip/services/tipgateway/audit"
	"ecotip/services/tipgateway/config"
	"ecotip/services/tipgateway/feed"
	"ecotip/services/tipgateway/impact"
	"ecotip/services/tipgateway/ledger"
	tipmw "ecotip/services/tipgateway/middleware"
	"ecotip/services/tipgateway/processor"
	"ecotip/services/tipgateway/registry"
	"ecotip/services/tipgateway/server"
	"ecotip/services/tipgateway/storage"
	"ecotip/services/tipgateway/webhook"
)

const serviceName = "ecotipd"

// Main initialises and runs the tipping daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to ecotipd configuration (yaml or toml)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.Setup(serviceName, cfg.Environment, logging.Options{
		Level: cfg.Logging.Level,
		File: logging.FileOptions{
			Path:       cfg.Logging.File,
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAgeDays: cfg.Logging.MaxAgeDays,
		},
	})

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: serviceName,
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	db, err := storage.Open(cfg.Database.URL, storage.Options{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime.Duration,
	})
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}()

	stripe, err := processor.NewStripe(processor.StripeConfig{
		SecretKey:     cfg.Stripe.SecretKey,
		WebhookSecret: cfg.Stripe.WebhookSecret,
		Country:       cfg.Stripe.Country,
		Timeout:       cfg.Stripe.Timeout.Duration,
	})
	if err != nil {
		return fmt.Errorf("init processor: %w", err)
	}

	metrics := observability.Tips()
	client := processor.NewInstrumented(stripe, metrics)
	aggregator := impact.NewAggregator(cfg.Impact.CO2TonnesPerUnit)

	creators := registry.New(registry.Config{
		DB:        db,
		Processor: client,
		Totals:    aggregator,
		PublicURL: cfg.PublicURL,
		Logger:    logger,
	})
	tips := ledger.New(ledger.Config{
		DB:         db,
		Processor:  client,
		Creators:   creators,
		Impact:     aggregator,
		FeePercent: cfg.Fees.PlatformPercent,
		Currency:   cfg.Fees.Currency,
		Metrics:    metrics,
		Logger:     logger,
	})
	hub := feed.NewHub(cfg.Feed.Buffer, metrics, logger)
	defer hub.Close()
	tips.OnComplete(hub.OnTipCompleted)

	reconciler := webhook.New(webhook.Config{
		DB:       db,
		Verifier: stripe,
		Tips:     tips,
		Accounts: creators,
		Metrics:  metrics,
		Logger:   logger,
	})

	api := server.New(server.Config{
		DB:       db,
		Creators: creators,
		Tips:     tips,
		Impact:   aggregator,
		Webhooks: reconciler,
		Feed:     hub,
		Auth: tipmw.NewAuthenticator(tipmw.AuthConfig{
			HMACSecret: cfg.Auth.JWTSecret,
			Issuer:     cfg.Auth.Issuer,
			TokenTTL:   cfg.Auth.TokenTTL.Duration,
			ClockSkew:  cfg.Auth.ClockSkew.Duration,
		}, logger),
		RateLimit: tipmw.RateLimit{
			RequestsPerMinute: cfg.RateLimit.TipsPerMinute,
			Burst:             cfg.RateLimit.Burst,
		},
		Observability: tipmw.NewObservability(tipmw.ObservabilityConfig{
			ServiceName: serviceName,
			LogRequests: true,
			Registerer:  prometheus.DefaultRegisterer,
		}, logger),
		FeedOrigins: cfg.Feed.AllowedOrigins,
		ServiceName: serviceName,
		Logger:      logger,
	})

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Audit.Enabled {
		auditor, err := audit.NewAuditor(audit.Config{
			DB:         db,
			CO2PerUnit: cfg.Impact.CO2TonnesPerUnit,
			OutputDir:  cfg.Audit.OutputDir,
			TZ:         cfg.Location(),
			Metrics:    metrics,
			Logger:     logger,
		})
		if err != nil {
			return fmt.Errorf("init auditor: %w", err)
		}
		scheduler := audit.NewScheduler(audit.SchedulerConfig{
			Auditor:   auditor,
			RunHour:   cfg.Audit.RunHour,
			RunMinute: cfg.Audit.RunMinute,
			Location:  cfg.Location(),
			Logger:    logger,
		})
		go scheduler.Start(stopCtx)
	}

	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      api.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("ecotipd listening", slog.String("addr", cfg.ListenAddress))
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
