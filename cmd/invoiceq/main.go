package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"invoiceq/internal/config"
	"invoiceq/internal/constants"
	"invoiceq/internal/database"
	"invoiceq/internal/models"
	"invoiceq/internal/retry"
	"invoiceq/internal/service"
	"invoiceq/internal/tracing"
	"invoiceq/pkg/circuitbreaker"
	"invoiceq/pkg/invoiceapi"

	"github.com/sirupsen/logrus"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	// CLI flags
	verbose    = flag.Bool("verbose", false, "Enable verbose logging (includes payload details)")
	configPath = flag.String("config", "config.json", "Path to configuration file")
	version    = flag.Bool("version", false, "Show version information")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("invoiceq %s\nBuild Time: %s\nGit Commit: %s\n", Version, BuildTime, GitCommit)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logrus.Fatalf("Application error: %v", err)
	}
}

func run(ctx context.Context) error {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	logger.WithFields(logrus.Fields{
		"version": Version,
		"build":   BuildTime,
		"commit":  GitCommit,
	}).Info("Starting invoiceq")

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
		logger.Info("Verbose logging enabled - invoice payloads will be logged")
	} else if cfg.LogLevel != "" {
		level, err := logrus.ParseLevel(cfg.LogLevel)
		if err != nil {
			logger.Warnf("Invalid log level %q, defaulting to info", cfg.LogLevel)
			logger.SetLevel(logrus.InfoLevel)
		} else {
			logger.SetLevel(level)
		}
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}

	// Initialize OpenTelemetry tracing
	tracingManager := tracing.NewManager(cfg.Tracing, logger)
	if err := tracingManager.Initialize(ctx); err != nil {
		logger.Warnf("Failed to initialize tracing: %v", err)
	}
	defer func() {
		if err := tracingManager.Shutdown(context.Background()); err != nil {
			logger.Warnf("Failed to shutdown tracing: %v", err)
		}
	}()

	// Initialize the queue database with exponential backoff retry
	var db *database.Database
	backoff := retry.NewBackoff(retry.BackoffConfig{
		InitialDelay: time.Duration(cfg.Retry.InitialBackoffMs) * time.Millisecond,
		MaxDelay:     time.Duration(cfg.Retry.MaxBackoffMs) * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  constants.DefaultDatabaseRetryAttempts,
		Jitter:       true,
	})

	err = backoff.Retry(ctx, func() error {
		var initErr error
		db, initErr = database.New(cfg.Database.Path, cfg.Queue)
		if initErr != nil {
			logger.Warnf("Failed to initialize queue database: %v", initErr)
		}
		return initErr
	})
	if err != nil {
		return fmt.Errorf("failed to initialize queue database after retries: %w", err)
	}
	defer db.Close()

	apiKey := os.Getenv("INVOICEQ_API_KEY")
	if apiKey == "" {
		return fmt.Errorf("INVOICEQ_API_KEY environment variable is required")
	}

	apiClient := invoiceapi.NewClientWithLogger(invoiceapi.ClientConfig{
		BaseURL: cfg.API.BaseURL,
		APIKey:  apiKey,
		Tenant:  cfg.API.Tenant,
		Timeout: time.Duration(cfg.API.TimeoutSec) * time.Second,
	}, nil, logger)

	monitor := service.NewNetworkMonitor(
		apiClient,
		time.Duration(cfg.Network.ProbeIntervalSec)*time.Second,
		time.Duration(cfg.Network.ProbeTimeoutSec)*time.Second,
		logger,
	)
	if err := monitor.Start(ctx); err != nil {
		return fmt.Errorf("failed to start network monitor: %w", err)
	}
	defer monitor.Stop()

	hub := service.NewStatusHub(logger)

	breaker := circuitbreaker.NewWithLogger(
		"invoice-api",
		constants.DefaultBreakerMaxFailures,
		time.Duration(constants.DefaultBreakerCooldownSec)*time.Second,
		logger,
	)

	drainer := service.NewDrainer(db, apiClient, breaker, monitor, hub, service.DrainerConfig{
		RetryConfig: models.RetryConfig{
			InitialBackoffMs: cfg.Retry.InitialBackoffMs,
			MaxBackoffMs:     cfg.Retry.MaxBackoffMs,
			MaxAttempts:      cfg.Retry.MaxAttempts,
		},
		DrainTimeout: time.Duration(constants.DefaultDrainTimeoutSec) * time.Second,
	}, logger)

	if err := drainer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start drainer: %w", err)
	}
	defer drainer.Stop()

	queueService := service.NewQueueService(db, apiClient, monitor, hub, logger)

	server := NewServer(cfg, queueService, hub, logger)
	serverErrCh := make(chan error, constants.ServerErrorChannelSize)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case err := <-serverErrCh:
		logger.Error(err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(constants.DefaultGracefulShutdownSec)*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server gracefully: %w", err)
	}

	logger.Info("Server shutdown completed")
	return nil
}
