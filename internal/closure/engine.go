// Package closure implements the materialized transitive-closure
// maintenance engine: the layered rebuild algorithm, the batching context
// that coalesces many edits into one recomputation, and the singleton
// rebuild entry point invoked whenever a role's parent set changes.
package closure

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/innovabiz/roleclosure/internal/closureerr"
	"github.com/innovabiz/roleclosure/internal/metrics"
	"github.com/innovabiz/roleclosure/internal/store"
)

var tracer = otel.Tracer("roleclosure.closure")

// DefaultSafetyLimit bounds the number of rebuild layers before the engine
// gives up and reports an internal-consistency failure. Correct graphs
// terminate in O(graph depth) layers; this guards against pathological
// data or algorithmic bugs.
const DefaultSafetyLimit = 1000

// Engine owns the materialized ancestors table and the algorithm that keeps
// it consistent with roles and parents.
type Engine struct {
	db          *store.DB
	safetyLimit int
	metrics     *metrics.Collectors
}

// New builds an Engine backed by db, using DefaultSafetyLimit.
func New(db *store.DB) *Engine {
	return &Engine{db: db, safetyLimit: DefaultSafetyLimit}
}

// WithSafetyLimit overrides the rebuild-layer safety bound (mainly for
// tests that want to observe the abort path without 1000 layers of setup).
func (e *Engine) WithSafetyLimit(limit int) *Engine {
	e.safetyLimit = limit
	return e
}

// WithMetrics attaches Prometheus collectors; every rebuild reports its
// layer count and rows touched through them.
func (e *Engine) WithMetrics(m *metrics.Collectors) *Engine {
	e.metrics = m
	return e
}

// OnRoleMutated is called by higher layers whenever a role is created, its
// parent set changes, or its denormalized fields change. Inside a batching
// context the ids are accumulated and this returns immediately; outside,
// the rebuild runs now within its own transaction.
func (e *Engine) OnRoleMutated(ctx context.Context, roleIDs []uuid.UUID) error {
	if len(roleIDs) == 0 {
		return nil
	}
	if b := batchFromContext(ctx); b != nil {
		b.add(roleIDs)
		return nil
	}
	return e.db.InTransaction(ctx, func(ctx context.Context, tx pgx.Tx) error {
		return e.rebuild(ctx, tx, roleIDs)
	})
}

// RebuildAll is equivalent to OnRoleMutated(all role ids); used for
// recovery after the materialized closure is suspected stale.
func (e *Engine) RebuildAll(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Engine.RebuildAll")
	defer span.End()

	var ids []uuid.UUID
	err := e.db.InTransaction(ctx, func(ctx context.Context, tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT id FROM roles`)
		if err != nil {
			return closureerr.NewStoreError("RebuildAll.select", err)
		}
		defer rows.Close()
		for rows.Next() {
			var id uuid.UUID
			if err := rows.Scan(&id); err != nil {
				return closureerr.NewStoreError("RebuildAll.scan", err)
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	return e.db.InTransaction(ctx, func(ctx context.Context, tx pgx.Tx) error {
		return e.rebuild(ctx, tx, ids)
	})
}

// rebuild runs the layered algorithm against seed inside an already-open
// transaction.
func (e *Engine) rebuild(ctx context.Context, tx pgx.Tx, seed []uuid.UUID) error {
	ctx, span := tracer.Start(ctx, "Engine.rebuild")
	defer span.End()
	span.SetAttributes(attribute.Int("closure.seed_size", len(seed)))

	if err := e.seedPurge(ctx, tx, seed); err != nil {
		span.SetStatus(codes.Error, err.Error())
		e.reportMetrics(0, 0, err)
		return err
	}

	current := seed
	layer := 0
	var rowsTouched int64
	for len(current) > 0 {
		if layer > e.safetyLimit {
			err := closureerr.NewConsistencyError(len(seed), layer, e.safetyLimit)
			span.SetStatus(codes.Error, err.Error())
			log.Ctx(ctx).Error().Err(err).Msg("closure rebuild aborted: safety bound exceeded")
			if e.metrics != nil {
				e.metrics.ConsistencyAbort.Inc()
			}
			e.reportMetrics(layer, rowsTouched, err)
			return err
		}
		layer++

		deleteCt, err := e.layerDelete(ctx, tx, current)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			e.reportMetrics(layer, rowsTouched, err)
			return err
		}
		insertCt, err := e.layerInsert(ctx, tx, current)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			e.reportMetrics(layer, rowsTouched, err)
			return err
		}
		rowsTouched += deleteCt + insertCt

		if deleteCt == 0 && insertCt == 0 {
			break
		}

		current, err = e.directChildren(ctx, tx, current)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			e.reportMetrics(layer, rowsTouched, err)
			return err
		}
	}
	span.SetAttributes(attribute.Int("closure.layers", layer))
	e.reportMetrics(layer, rowsTouched, nil)
	return nil
}

func (e *Engine) reportMetrics(layers int, rowsTouched int64, err error) {
	if e.metrics != nil {
		e.metrics.ObserveRebuild(layers, rowsTouched, err)
	}
}

// seedPurge deletes every ancestor row whose ancestor column lies in the
// initial seed. Purging by the ancestor column, not the descendent column,
// guarantees stale edges that point into the seed are removed even if a
// cycle puts the descendent outside the seed. Runs exactly once, before the
// layer loop, against the initial seed only — never against a later layer's
// "current" set.
func (e *Engine) seedPurge(ctx context.Context, tx pgx.Tx, seed []uuid.UUID) error {
	_, err := tx.Exec(ctx, `DELETE FROM ancestors WHERE ancestor = ANY($1)`, seed)
	if err != nil {
		return closureerr.NewStoreError("seedPurge", err)
	}
	return nil
}

// candidateCTE is the shared shape of "what S's ancestor rows should be",
// per the invariant that a role's correct ancestor set is the union of its
// parents' ancestor sets plus the role itself.
const candidateCTE = `
	WITH candidate AS (
		SELECT p.from_role AS descendent, anc.ancestor AS ancestor,
		       r.role_field AS role_field, r.content_type AS content_type, r.object_id AS object_id
		FROM parents p
		JOIN roles r ON r.id = p.from_role
		JOIN ancestors anc ON anc.descendent = p.to_role
		WHERE p.from_role = ANY($1)

		UNION

		SELECT r.id AS descendent, r.id AS ancestor,
		       r.role_field, r.content_type, r.object_id
		FROM roles r
		WHERE r.id = ANY($1)
	)
`

func (e *Engine) layerDelete(ctx context.Context, tx pgx.Tx, s []uuid.UUID) (int64, error) {
	ct, err := tx.Exec(ctx, candidateCTE+`
		DELETE FROM ancestors a
		WHERE a.descendent = ANY($1)
		AND NOT EXISTS (
			SELECT 1 FROM candidate c WHERE c.descendent = a.descendent AND c.ancestor = a.ancestor
		)
	`, s)
	if err != nil {
		return 0, closureerr.NewStoreError("layerDelete", err)
	}
	return ct.RowsAffected(), nil
}

func (e *Engine) layerInsert(ctx context.Context, tx pgx.Tx, s []uuid.UUID) (int64, error) {
	ct, err := tx.Exec(ctx, candidateCTE+`
		INSERT INTO ancestors (descendent, ancestor, role_field, content_type, object_id)
		SELECT c.descendent, c.ancestor, c.role_field, c.content_type, c.object_id
		FROM candidate c
		WHERE NOT EXISTS (
			SELECT 1 FROM ancestors a WHERE a.descendent = c.descendent AND a.ancestor = c.ancestor
		)
	`, s)
	if err != nil {
		return 0, closureerr.NewStoreError("layerInsert", err)
	}
	return ct.RowsAffected(), nil
}

func (e *Engine) directChildren(ctx context.Context, tx pgx.Tx, s []uuid.UUID) ([]uuid.UUID, error) {
	rows, err := tx.Query(ctx, `SELECT DISTINCT from_role FROM parents WHERE to_role = ANY($1)`, s)
	if err != nil {
		return nil, closureerr.NewStoreError("directChildren", err)
	}
	defer rows.Close()

	var children []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, closureerr.NewStoreError("directChildren.scan", err)
		}
		children = append(children, id)
	}
	if err := rows.Err(); err != nil {
		return nil, closureerr.NewStoreError("directChildren.rows", err)
	}
	return children, nil
}
