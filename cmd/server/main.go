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

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fractal-lba/mmm/internal/api"
	"github.com/fractal-lba/mmm/internal/config"
	"github.com/fractal-lba/mmm/internal/dataset"
	"github.com/fractal-lba/mmm/internal/logging"
	"github.com/fractal-lba/mmm/internal/metrics"
	"github.com/fractal-lba/mmm/internal/registry"
	"github.com/fractal-lba/mmm/pkg/otel"
)

const (
	sweepInterval   = time.Minute
	shutdownTimeout = 10 * time.Second
)

func main() {
	if err := run(); err != nil {
		logging.Error().Err(err).Msg("server exited")
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Getenv(config.PathEnvVar))
	if err != nil {
		return err
	}
	logging.Init(cfg.Logging)
	log := logging.Component("server")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Tracing
	if cfg.Telemetry.Enabled {
		tc := otel.DefaultConfig(cfg.Telemetry.ServiceName)
		tc.ServiceVersion = api.Version
		tc.Environment = cfg.Telemetry.Environment
		tc.CollectorEndpoint = cfg.Telemetry.Endpoint
		tc.SamplingRate = cfg.Telemetry.SamplingRate
		tp, err := otel.InitTracer(ctx, tc)
		if err != nil {
			return fmt.Errorf("init tracer: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := otel.Shutdown(sctx, tp); err != nil {
				log.Warn().Err(err).Msg("tracer shutdown failed")
			}
		}()
	}

	datasets, err := dataset.NewStore(cfg.Data.Dir)
	if err != nil {
		return err
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	store, err := registry.OpenStore(ctx, cfg.Registry)
	if err != nil {
		return fmt.Errorf("open registry store: %w", err)
	}
	reg, err := registry.New(registry.Options{
		Size:  cfg.Registry.Size,
		TTL:   cfg.Registry.TTL,
		Gauge: m.RegistryModels,
	}, store)
	if err != nil {
		store.Close()
		return err
	}
	defer func() {
		if err := reg.Close(); err != nil {
			log.Warn().Err(err).Msg("error closing registry")
		}
	}()
	go reg.Run(ctx, sweepInterval)

	srv, err := api.NewServer(api.Options{
		Server:   cfg.Server,
		Sampler:  cfg.Sampler,
		MaxRows:  cfg.Data.MaxRows,
		Datasets: datasets,
		Registry: reg,
		Metrics:  m,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Int("port", cfg.Server.Port).
			Str("registry_backend", cfg.Registry.Backend).
			Str("data_dir", datasets.Dir()).
			Msg("starting server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}
	log.Info().Msg("shutting down server")

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(sctx); err != nil {
		log.Warn().Err(err).Msg("server shutdown error")
	}
	log.Info().Msg("server stopped")
	return nil
}
