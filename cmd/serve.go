// services/fleet/cmd/serve.go
package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"example.com/bpr/services/fleet/internal/api"
	"example.com/bpr/services/fleet/internal/backend"
	"example.com/bpr/services/fleet/internal/core"
	"example.com/bpr/services/fleet/internal/geo"
	"example.com/bpr/services/fleet/internal/infrastructure"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Starts the fleet tracking API server",
	Long:  `Launches the HTTP server serving device status, session history, ride reconstruction and batch ingestion.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServer() error {
	logger.Info("Initializing Fleet Tracking Service...")

	// --- Infrastructure Setup ---
	logger.Info("Connecting to database...")
	db, err := infrastructure.NewDatabase(cfg.Database)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	logger.Info("Connecting to cache...")
	cache, err := infrastructure.NewCache(cfg.Redis, cfg.Geolocation.CacheTTL)
	if err != nil {
		return fmt.Errorf("cache connection failed: %w", err)
	}
	defer cache.Close()

	var notifiers core.MultiNotifier
	if cfg.ServiceBus.ConnectionString != "" {
		logger.Info("Connecting to messaging service...")
		messaging, err := infrastructure.NewServiceBusNotifier(cfg.ServiceBus)
		if err != nil {
			logger.WithError(err).Warn("Messaging service unavailable, continuing without it")
		} else {
			defer messaging.Close()
			notifiers = append(notifiers, messaging)
		}
	}
	if cfg.MQTT != nil && cfg.MQTT.BrokerURL != "" {
		logger.Info("Connecting to MQTT broker...")
		mqttNotifier, err := infrastructure.NewMQTTNotifier(*cfg.MQTT, logger)
		if err != nil {
			logger.WithError(err).Warn("MQTT broker unavailable, continuing without it")
		} else {
			defer mqttNotifier.Close()
			notifiers = append(notifiers, mqttNotifier)
		}
	}

	var notifier core.Notifier
	if len(notifiers) > 0 {
		notifier = notifiers
	} else {
		notifier = &core.LogNotifier{Logger: logger}
	}

	// --- Service Layer Setup ---
	var resolver core.Resolver
	if cfg.Geolocation.APIKey != "" {
		httpResolver, err := geo.NewHTTPResolver(cfg.Geolocation, cache, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize geolocation resolver: %w", err)
		}
		resolver = httpResolver
	} else {
		logger.Warn("Geolocation API key not configured, rides fall back to signal-drift estimates")
	}
	recon := core.NewReconstructor(cfg.Ride, resolver, logger)

	store := backend.NewPostgresStore(db.DB)
	adapter := backend.NewAdapter(store, notifier, recon, logger)

	// --- API Layer Setup ---
	router := gin.New()
	handlers := api.NewAPIHandlers(adapter, recon, cache, logger)
	api.SetupRoutes(router, handlers, logger)

	// --- HTTP Server ---
	serverAddr := fmt.Sprintf(":%d", cfg.Server.Port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// --- Graceful Shutdown ---
	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Infof("Fleet Tracking API listening on %s", serverAddr)
		logger.Info("Service started successfully")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Server failed to start: %v", err)
		}
	}()

	<-shutdownChan

	logger.Warn("Shutdown signal received, initiating graceful shutdown...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Errorf("Server shutdown failed: %v", err)
	} else {
		logger.Info("Server stopped gracefully")
	}

	logger.Info("Fleet Tracking Service shutdown complete")
	return nil
}
