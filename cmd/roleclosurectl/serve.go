package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"golang.org/x/sync/errgroup"

	"github.com/innovabiz/roleclosure/internal/closure"
	"github.com/innovabiz/roleclosure/internal/config"
	"github.com/innovabiz/roleclosure/internal/httpapi"
	"github.com/innovabiz/roleclosure/internal/logging"
	"github.com/innovabiz/roleclosure/internal/metrics"
	"github.com/innovabiz/roleclosure/internal/query"
	"github.com/innovabiz/roleclosure/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the read-only query surface over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		logging.Init(cfg.LogLevel)
		log.Info().Msg("starting roleclosurectl serve")

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		tp, err := newTracerProvider()
		if err != nil {
			return fmt.Errorf("initializing tracer: %w", err)
		}
		defer func() {
			if err := tp.Shutdown(context.Background()); err != nil {
				log.Error().Err(err).Msg("error shutting down tracer provider")
			}
		}()

		db, err := store.Connect(ctx, storeConfig(cfg))
		if err != nil {
			return fmt.Errorf("connecting to postgres: %w", err)
		}
		defer db.Close()

		reg := prometheus.NewRegistry()
		collectors := metrics.New(reg)

		engine := closure.New(db).WithSafetyLimit(cfg.Engine.SafetyLimit).WithMetrics(collectors)
		surface := query.New(db, engine).WithMetrics(collectors)

		mux := http.NewServeMux()
		mux.Handle("/", httpapi.NewRouter(surface, otel.Tracer("roleclosure.httpapi")))
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

		httpServer := &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.HTTP.Port),
			Handler: mux,
		}

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			log.Info().Int("port", cfg.HTTP.Port).Msg("listening")
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("http server stopped: %w", err)
			}
			return nil
		})

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-sigCh:
			log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		case <-ctx.Done():
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("error during http shutdown")
		}

		return g.Wait()
	},
}

// newTracerProvider builds an SDK tracer provider with no exporter attached;
// a deploying application wires its own exporter (OTLP, stdout, or other)
// by calling otel.SetTracerProvider again after this one, or by replacing
// this function. Spans are still created and sampled, just not shipped
// anywhere from inside this process by default.
func newTracerProvider() (*sdktrace.TracerProvider, error) {
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String("roleclosurectl"),
	))
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	otel.SetTracerProvider(tp)
	return tp, nil
}

func storeConfig(cfg *config.Config) store.Config {
	return store.Config{
		Host:              cfg.Postgres.Host,
		Port:              cfg.Postgres.Port,
		User:              cfg.Postgres.Username,
		Password:          cfg.Postgres.Password,
		Database:          cfg.Postgres.Database,
		SSLMode:           cfg.Postgres.SSLMode,
		MaxConns:          cfg.Postgres.MaxConns,
		MinConns:          cfg.Postgres.MinConns,
		MaxConnLifetime:   cfg.Postgres.MaxConnLifetime,
		MaxConnIdleTime:   cfg.Postgres.MaxConnIdleTime,
		HealthCheckPeriod: cfg.Postgres.HealthCheckPeriod,
	}
}
