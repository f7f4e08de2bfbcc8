// Package main provides the entrypoint for the MedBridge integration daemon.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"github.com/rs/zerolog"

	"github.com/medbridge/medbridge/internal/config"
	"github.com/medbridge/medbridge/internal/faults"
	"github.com/medbridge/medbridge/internal/ops"
	"github.com/medbridge/medbridge/internal/resilience"
	"github.com/medbridge/medbridge/internal/resource"
	"github.com/medbridge/medbridge/internal/telemetry"
	"github.com/medbridge/medbridge/internal/transform"
)

// Version and BuildTime are set at compile time via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	const serviceName = "medbridge-integrationd"

	log := zerolog.New(os.Stdout).
		With().
		Timestamp().
		Str("service", serviceName).
		Str("version", Version).
		Logger()

	log.Info().
		Str("build_time", BuildTime).
		Msg("starting integration daemon")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	ctx := context.Background()

	tp, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    serviceName,
		ServiceVersion: Version,
		Environment:    cfg.Env,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Enabled:        cfg.TelemetryEnabled,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := tp.Shutdown(shutdownCtx); shutdownErr != nil {
			log.Error().Err(shutdownErr).Msg("failed to shutdown telemetry")
		}
	}()

	signingKey := []byte(cfg.SigningKey)
	if len(signingKey) == 0 {
		signingKey = []byte("local-dev-signing-key-change-in-production")
		log.Warn().Msg("using default envelope signing key - not secure for production")
	}

	encryptionKeys := map[string][]byte{}
	if key, keyErr := cfg.EncryptionKey(); keyErr != nil {
		log.Fatal().Err(keyErr).Msg("invalid PHI encryption key")
	} else if key != nil {
		encryptionKeys["default"] = key
	} else {
		devKey, genErr := resource.GenerateDataKey()
		if genErr != nil {
			log.Fatal().Err(genErr).Msg("failed to generate development key")
		}
		encryptionKeys["default"] = devKey
		log.Warn().Msg("using ephemeral PHI encryption key - not secure for production")
	}

	manager, err := resource.NewManager(resource.ManagerConfig{
		SigningKey:          signingKey,
		EncryptionKeys:      encryptionKeys,
		HealthCheckInterval: cfg.HealthCheckInterval,
		DefaultCacheTTL:     cfg.DefaultCacheTTL,
		Logger:              log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize resource manager")
	}

	engine := transform.NewEngine(transform.EngineConfig{Logger: log})

	var alertSinks []faults.AlertSink
	if cfg.AlertProjectID != "" && cfg.AlertTopicID != "" {
		pubsubClient, psErr := pubsub.NewClient(ctx, cfg.AlertProjectID)
		if psErr != nil {
			log.Fatal().Err(psErr).Msg("failed to create alert pubsub client")
		}
		defer pubsubClient.Close()
		alertSinks = append(alertSinks, faults.NewPubSubSink(pubsubClient, cfg.AlertTopicID))
		log.Info().
			Str("project", cfg.AlertProjectID).
			Str("topic", cfg.AlertTopicID).
			Msg("pubsub alert sink enabled")
	}

	errService, err := faults.NewService(faults.ServiceConfig{
		Retry: faults.RetryConfig{
			Enabled:      faults.Bool(true),
			MaxRetries:   cfg.RetryMaxAttempts,
			InitialDelay: cfg.RetryInitialDelay,
			MaxDelay:     cfg.RetryMaxDelay,
			Multiplier:   2,
			Strategy:     faults.BackoffExponential,
			Jitter:       faults.Bool(true),
			RetryableErrors: []faults.ErrorType{
				faults.TypeNetwork,
				faults.TypeTimeout,
				faults.TypeExternalService,
			},
		},
		Sinks:  alertSinks,
		Logger: log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize error service")
	}

	registry := resilience.NewRegistry()

	server := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: ops.NewRouter(ops.RouterConfig{
			Version:  Version,
			Logger:   log,
			Manager:  manager,
			Engine:   engine,
			Errors:   errService,
			Registry: registry,
		}),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.Port).Msg("ops server listening")
		if serveErr := server.ListenAndServe(); serveErr != nil && serveErr != http.ErrServerClosed {
			log.Error().Err(serveErr).Msg("ops server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("ops server shutdown error")
	}
	errService.Shutdown()
	engine.Shutdown()
	manager.Shutdown(shutdownCtx)

	log.Info().Msg("integration daemon stopped")
}
