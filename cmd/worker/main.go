package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sportsdata/pipeline/internal/app"
	"sportsdata/pipeline/internal/config"
	"sportsdata/pipeline/internal/metrics"
	"sportsdata/pipeline/internal/scheduler"
	"sportsdata/pipeline/internal/trigger"
	"sportsdata/pipeline/internal/warehouse/postgres"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// Setup logger
	setupLogger()

	log.Info().Msg("Starting sports pipeline worker")

	// Load configuration
	cfg := config.MustLoad()
	log.Info().
		Str("env", cfg.AppEnv).
		Str("warehouse", cfg.WarehouseDriver).
		Msg("Configuration loaded")

	exitCode := 0

	// Create context that listens for cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info().Msg("Received shutdown signal, gracefully shutting down...")
		cancel()
	}()

	a, err := app.Open(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize pipeline")
	}
	log.Info().Strs("processors", a.Service.Processors()).Msg("Pipeline initialized")

	// Start metrics HTTP server
	metricsSrv := startMetricsServer(cfg.MetricsPort, a)

	// Start trigger endpoint
	mux := http.NewServeMux()
	trigger.NewHandler(a.Service, cfg.RunTimeout).Register(mux)
	triggerSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.TriggerPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Int("port", cfg.TriggerPort).Str("path", trigger.Path).Msg("Starting trigger server")
		if err := triggerSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Trigger server failed")
			exitCode = 1
			cancel()
		}
	}()

	// Update system uptime and pool metrics
	startTime := time.Now()
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				metrics.SystemUptime.Set(time.Since(startTime).Seconds())
				if pg, ok := a.Warehouse.(*postgres.Warehouse); ok {
					pg.PoolStats()
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	// Create and start scheduler
	sched := a.Scheduler()
	if cfg.EnableScheduler {
		log.Info().Msg("Starting scheduler...")
		if err := startScheduler(ctx, sched, cancel); err != nil {
			exitCode = 1
		}
	}

	// Keep running until context is cancelled
	<-ctx.Done()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout+5*time.Second)
	defer shutdownCancel()

	if err := triggerSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Trigger server shutdown failed")
	}

	log.Info().Msg("Shutting down scheduler...")
	sched.Stop()

	log.Info().Msg("Flushing batch buffers...")
	if err := a.Close(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Shutdown completed with errors")
	}

	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Metrics server shutdown failed")
	}

	log.Info().Msg("Worker shutdown complete")
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

// setupLogger configures the zerolog logger
func setupLogger() {
	// Pretty console logging in development
	if os.Getenv("APP_ENV") == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	}

	// Set log level
	level := zerolog.InfoLevel
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		parsedLevel, err := zerolog.ParseLevel(lvl)
		if err == nil {
			level = parsedLevel
		}
	}
	zerolog.SetGlobalLevel(level)

	log.Info().
		Str("level", level.String()).
		Msg("Logger initialized")
}

// startScheduler starts s or cancels ctx so the worker takes its normal
// shutdown path and flushes its buffers.
func startScheduler(ctx context.Context, s *scheduler.Scheduler, cancel context.CancelFunc) error {
	if err := s.Start(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to start scheduler, shutting down")
		cancel()
		return err
	}
	return nil
}

func startMetricsServer(port int, a *app.App) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		w.Header().Set("Content-Type", "application/json")
		if err := a.Health(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, `{"status":"unhealthy","error":%q}`, err.Error())
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Int("port", port).Msg("Starting metrics server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Metrics server failed")
		}
	}()
	return srv
}
