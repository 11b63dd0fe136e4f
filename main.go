package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dev-assistant/application/relay"
	"dev-assistant/infrastructure/ollama"
	infrapersistence "dev-assistant/infrastructure/persistence"
	"dev-assistant/infrastructure/prompt"
	httpiface "dev-assistant/interfaces/http"
	"dev-assistant/internal/config"

	"github.com/sirupsen/logrus"
)

func main() {
	ctx := context.Background()

	cfg, err := config.LoadYAML(os.Getenv("CONFIG_FILE"))
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	// Configure logging level
	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	// Configure logging formatter per environment
	switch cfg.Logging.Format {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	default:
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	// Optionally include caller info
	logrus.SetReportCaller(cfg.Logging.ReportCaller)

	logrus.WithFields(logrus.Fields{
		"port":               cfg.Server.Port,
		"host":               cfg.Server.Host,
		"upstream":           cfg.Upstream.BaseURL,
		"default_model":      cfg.Upstream.DefaultModel,
		"allowed_models":     cfg.Upstream.AllowedModels,
		"enable_persistence": cfg.Database.EnablePersistence,
	}).Infof("Starting %s relay", cfg.Server.AppName)

	catalog, err := prompt.LoadCatalog(cfg.Prompts.TemplatesFile, cfg.Prompts.DefaultTemplate)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load prompt templates")
	}

	// The session gate always probes; the side-channel endpoints share a short-lived cache
	probe := ollama.NewHealthProbe(cfg.Upstream.BaseURL, cfg.Upstream.HealthTimeout)
	cachedProbe := ollama.NewCachedProbe(probe, cfg.Upstream.HealthCacheTTL)

	baseProducer := ollama.NewProducer(ollama.ProducerConfig{
		BaseURL:        cfg.Upstream.BaseURL,
		RequestTimeout: cfg.Upstream.RequestTimeout,
		QueueSize:      cfg.Upstream.QueueSize,
		Options: ollama.GenerationOptions{
			Temperature: cfg.Upstream.Temperature,
			TopP:        cfg.Upstream.TopP,
			TopK:        cfg.Upstream.TopK,
		},
	})

	// Wrap with circuit breaker for resilience
	circuitBreakerConfig := ollama.CircuitBreakerConfig{
		Enabled:          cfg.CircuitBreaker.Enabled,
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		Timeout:          cfg.CircuitBreaker.Timeout,
		MaxRequests:      cfg.CircuitBreaker.MaxRequests,
	}
	producer := ollama.NewCircuitBreakerProducer(baseProducer, circuitBreakerConfig)

	logrus.WithFields(logrus.Fields{
		"enabled":           circuitBreakerConfig.Enabled,
		"failure_threshold": circuitBreakerConfig.FailureThreshold,
		"timeout":           circuitBreakerConfig.Timeout,
	}).Info("Circuit breaker configured")

	relayConfig := relay.Config{
		DefaultModel:    cfg.Upstream.DefaultModel,
		DefaultTemplate: cfg.Prompts.DefaultTemplate,
		AllowedModels:   cfg.Upstream.AllowedModels,
	}

	var router *httpiface.Router
	var dbManager *infrapersistence.DatabaseManager
	var eventProcessor *infrapersistence.EventProcessor

	if cfg.Database.EnablePersistence {
		// Initialize database components
		dbManager = infrapersistence.NewDatabaseManager()

		// Connect to database
		if err := dbManager.Connect(ctx, cfg.Database.Driver, cfg.GetDatabaseDSN()); err != nil {
			logrus.WithError(err).Fatal("Failed to connect to database")
		}

		// Run migrations
		if err := dbManager.Migrate(); err != nil {
			logrus.WithError(err).Fatal("Failed to run database migrations")
		}

		// Get repositories
		conversationRepo, messageRepo, feedbackRepo := dbManager.GetRepositories()

		// Initialize event processor
		eventProcessor = infrapersistence.NewEventProcessor(
			conversationRepo,
			messageRepo,
			feedbackRepo,
			dbManager,
			cfg.Database.Workers,
			cfg.Database.BufferSize,
		)

		// Start event processor
		if err := eventProcessor.Start(ctx); err != nil {
			logrus.WithError(err).Fatal("Failed to start event processor")
		}

		// Create audit tracker
		tracker := infrapersistence.NewAuditTracker(eventProcessor)

		service := relay.NewService(probe, producer, catalog, tracker, relayConfig)

		// Create router with persistence and health sources
		router = httpiface.NewRouterWithPersistence(service, catalog, cachedProbe, cfg.Server.CorsOrigins, tracker, conversationRepo, dbManager, eventProcessor)

		logrus.Info("Persistence layer initialized successfully")
	} else {
		// Create service without audit tracking
		service := relay.NewService(probe, producer, catalog, nil, relayConfig)

		// Create router without persistence
		router = httpiface.NewRouter(service, catalog, cachedProbe, cfg.Server.CorsOrigins)

		logrus.Info("Running without persistence layer")
	}

	ginRouter := router.WithCircuitStates(producer).SetupRoutes()

	address := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:              address,
		Handler:           ginRouter,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      0, // streams last as long as the generation
		IdleTimeout:       60 * time.Second,
	}

	// Channel to listen for interrupt signal to trigger shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	// Start server in a goroutine
	go func() {
		logrus.WithField("address", address).Info("Server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("Failed to start server")
		}
	}()

	// Block until signal is received
	<-c
	logrus.Info("Shutting down server...")

	// Create a deadline for shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Attempt graceful shutdown; open streams end as cancelled once the deadline passes
	if err := server.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Error("Server forced to shutdown")
		_ = server.Close()
	} else {
		logrus.Info("Server shutdown complete")
	}

	// Clean up persistence layer if initialized
	if cfg.Database.EnablePersistence {
		logrus.Info("Shutting down persistence layer...")

		if eventProcessor != nil {
			if err := eventProcessor.Stop(); err != nil {
				logrus.WithError(err).Error("Failed to stop event processor")
			}
		}

		if dbManager != nil {
			if err := dbManager.Close(); err != nil {
				logrus.WithError(err).Error("Failed to close database connection")
			}
		}

		logrus.Info("Persistence layer shutdown complete")
	}
}
