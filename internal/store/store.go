// Package store is the thin transactional adapter the closure engine issues
// its set-oriented DELETE/INSERT/SELECT statements through. It guarantees
// that all statements issued inside a transaction see and publish changes
// atomically, per spec's store-adapter contract.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("roleclosure.store")

// Config holds the connection and pool-sizing parameters for Postgres.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	MaxConns          int
	MinConns          int
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

// DefaultConfig returns sane defaults for a local development Postgres.
func DefaultConfig() Config {
	return Config{
		Host:              "localhost",
		Port:              5432,
		User:              "postgres",
		Password:          "postgres",
		Database:          "roleclosure",
		SSLMode:           "disable",
		MaxConns:          20,
		MinConns:          5,
		MaxConnLifetime:   time.Hour,
		MaxConnIdleTime:   30 * time.Minute,
		HealthCheckPeriod: 5 * time.Minute,
	}
}

// ConnString builds the libpq connection string for this config.
func (c Config) ConnString() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode,
	)
}

func (c Config) poolConfig() (*pgxpool.Config, error) {
	poolConfig, err := pgxpool.ParseConfig(c.ConnString())
	if err != nil {
		return nil, fmt.Errorf("parsing pool config: %w", err)
	}
	if c.MaxConns > 0 {
		poolConfig.MaxConns = int32(c.MaxConns)
	}
	if c.MinConns > 0 {
		poolConfig.MinConns = int32(c.MinConns)
	}
	if c.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = c.MaxConnLifetime
	}
	if c.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = c.MaxConnIdleTime
	}
	if c.HealthCheckPeriod > 0 {
		poolConfig.HealthCheckPeriod = c.HealthCheckPeriod
	}
	poolConfig.ConnConfig.Tracer = &pgxTracer{}
	return poolConfig, nil
}

// pgxTracer instruments every statement with an OpenTelemetry span.
type pgxTracer struct{}

func (t *pgxTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	ctx, span := tracer.Start(ctx, "store.query")
	span.SetAttributes(attribute.String("db.system", "postgresql"), attribute.String("db.statement", data.SQL))
	return ctx
}

func (t *pgxTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	span := trace.SpanFromContext(ctx)
	if data.Err != nil {
		span.SetStatus(codes.Error, data.Err.Error())
		span.RecordError(data.Err)
		log.Ctx(ctx).Debug().Err(data.Err).Msg("store query failed")
	}
	span.End()
}

// DB wraps a pgx connection pool and the transaction helper the closure
// engine and query surface run their statements through.
type DB struct {
	pool *pgxpool.Pool
}

// Connect opens a new connection pool against Postgres and verifies it with
// a ping before returning.
func Connect(ctx context.Context, cfg Config) (*DB, error) {
	ctx, span := tracer.Start(ctx, "store.Connect")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.host", cfg.Host),
		attribute.Int("db.port", cfg.Port),
		attribute.String("db.name", cfg.Database),
	)

	poolConfig, err := cfg.poolConfig()
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		span.SetStatus(codes.Error, err.Error())
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	log.Info().Str("host", cfg.Host).Str("database", cfg.Database).Msg("connected to postgres")
	return &DB{pool: pool}, nil
}

// Close releases the connection pool.
func (db *DB) Close() {
	if db.pool != nil {
		db.pool.Close()
		log.Info().Msg("postgres pool closed")
	}
}

// Pool exposes the underlying pool for callers that need direct access
// (migrations, health checks).
func (db *DB) Pool() *pgxpool.Pool { return db.pool }

type txCtxKey struct{}

// InTransaction runs fn inside a single transaction, committing on success
// and rolling back on any error — including a panic recovered and
// re-raised after rollback. Every mutation flow the closure engine performs
// goes through this so that partial writes never become visible. A call
// made with the ctx handed to an outer fn joins that outer transaction
// instead of opening a new one, so the outer call commits or rolls back
// both together.
func (db *DB) InTransaction(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) (err error) {
	if outer, ok := ctx.Value(txCtxKey{}).(pgx.Tx); ok {
		return fn(ctx, outer)
	}

	ctx, span := tracer.Start(ctx, "store.InTransaction")
	defer span.End()

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("beginning transaction: %w", err)
	}
	ctx = context.WithValue(ctx, txCtxKey{}, tx)

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
	}()

	if err = fn(ctx, tx); err != nil {
		span.SetStatus(codes.Error, err.Error())
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			log.Error().Err(rbErr).Msg("rollback failed")
		}
		return err
	}

	if err = tx.Commit(ctx); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}
