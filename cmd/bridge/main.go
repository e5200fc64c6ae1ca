// Package main is the entry point for the Modbus Bridge service.
// It initializes all components and manages the application lifecycle.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nexus-edge/modbus-bridge/internal/adapter/config"
	"github.com/nexus-edge/modbus-bridge/internal/adapter/modbus"
	"github.com/nexus-edge/modbus-bridge/internal/adapter/mqtt"
	"github.com/nexus-edge/modbus-bridge/internal/api"
	"github.com/nexus-edge/modbus-bridge/internal/cache"
	"github.com/nexus-edge/modbus-bridge/internal/db"
	"github.com/nexus-edge/modbus-bridge/internal/domain"
	"github.com/nexus-edge/modbus-bridge/internal/health"
	"github.com/nexus-edge/modbus-bridge/internal/metrics"
	"github.com/nexus-edge/modbus-bridge/internal/service"
	"github.com/nexus-edge/modbus-bridge/pkg/logging"
)

const (
	serviceName    = "modbus-bridge"
	serviceVersion = "1.2.0"
)

func main() {
	// Load configuration first so the logger honors LOG_LEVEL/LOG_JSON.
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(serviceName, serviceVersion, logging.Config{
		Level: cfg.Logging.Level,
		JSON:  cfg.Logging.JSON,
	})
	logger.Info().Msg("Starting Modbus Bridge")

	// Metrics.
	registry := metrics.NewRegistry()
	collector := metrics.NewCollector(registry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database.
	store, err := db.Open(cfg.Database.URL, cfg.Database.Echo, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open database")
	}
	defer store.Close()

	// Register cache.
	registerCache := cache.New(cfg.Cache.TTL(), logger)
	registerCache.OnEvict(collector.RecordCacheEvictions)
	registerCache.StartSweeper(cfg.Cache.SweepPeriod())
	defer registerCache.StopSweeper()

	// Modbus manager, seeded with the active device set.
	devices, err := store.ListActiveDevices(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load devices")
	}
	configs := make([]domain.DeviceConfig, 0, len(devices))
	for _, device := range devices {
		configs = append(configs, device.Config())
	}

	manager := modbus.NewManager(configs, modbus.BreakerConfig{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		RecoveryTimeout:  cfg.CircuitBreaker.RecoveryTimeout(),
	}, logger, collector)
	defer manager.Close()
	logger.Info().Int("devices", len(configs)).Msg("Modbus manager initialized")

	// MQTT publisher.
	publisher := mqtt.NewPublisher(mqtt.Config{
		Enabled:        cfg.MQTT.Enabled(),
		BrokerURL:      cfg.MQTT.BrokerURL(),
		Username:       cfg.MQTT.Username,
		Password:       cfg.MQTT.Password,
		TopicPrefix:    cfg.MQTT.TopicPrefix,
		QoS:            cfg.MQTT.QoS,
		ConnectTimeout: cfg.MQTT.ConnectTimeout(),
		ReconnectDelay: cfg.MQTT.ReconnectDelay(),
		PublishTimeout: cfg.MQTT.PublishTimeout(),
	}, logger, collector)
	if err := publisher.Connect(ctx); err != nil {
		logger.Warn().Err(err).Msg("MQTT connect failed")
	}
	defer publisher.Disconnect()

	// Poller.
	var samplePublisher service.SamplePublisher
	if publisher.Enabled() {
		samplePublisher = publisher
	}
	poller := service.NewPoller(cfg.Polling.Interval(), store, manager,
		registerCache, samplePublisher, collector, logger)
	poller.Start(ctx)

	// Request pipeline.
	pipeline := service.NewPipeline(manager, registerCache, collector,
		cfg.HTTP.RequestTimeout(), logger)

	// Health checks.
	healthChecker := health.NewChecker(health.Config{
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
	})
	healthChecker.AddCheck("database", store)
	healthChecker.AddCheck("modbus", manager)
	if publisher.Enabled() {
		healthChecker.AddCheck("mqtt", publisher)
	}

	// HTTP server.
	server := api.NewServer(pipeline, manager, store, registerCache,
		collector, registry, healthChecker, logger)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      server.Router(),
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.HTTP.IdleTimeout) * time.Second,
	}

	go func() {
		logger.Info().Int("port", cfg.HTTP.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	logger.Info().
		Int("devices", len(configs)).
		Int("http_port", cfg.HTTP.Port).
		Bool("mqtt_enabled", publisher.Enabled()).
		Dur("poll_interval", cfg.Polling.Interval()).
		Msg("Modbus Bridge started")

	// Wait for shutdown signal.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	poller.Stop(shutdownCtx)

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error shutting down HTTP server")
	}

	// Manager, MQTT, cache sweeper and DB close via defer, in reverse
	// initialization order.
	logger.Info().Msg("Modbus Bridge shutdown complete")
}
