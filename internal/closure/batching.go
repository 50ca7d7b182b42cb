package closure

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/innovabiz/roleclosure/internal/closureerr"
)

// batch accumulates role ids reported by OnRoleMutated while a batching
// context is active. It is attached to a context.Context rather than kept
// in goroutine-local storage: Go has no task-local storage equivalent to
// the thread-local AWX uses, so per spec's guidance the context itself
// carries the handle.
type batch struct {
	mu  sync.Mutex
	ids map[uuid.UUID]struct{}
}

func newBatch() *batch {
	return &batch{ids: make(map[uuid.UUID]struct{})}
}

func (b *batch) add(ids []uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range ids {
		b.ids[id] = struct{}{}
	}
}

func (b *batch) snapshot() []uuid.UUID {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]uuid.UUID, 0, len(b.ids))
	for id := range b.ids {
		out = append(out, id)
	}
	return out
}

type batchCtxKey struct{}

func batchFromContext(ctx context.Context) *batch {
	b, _ := ctx.Value(batchCtxKey{}).(*batch)
	return b
}

// Batching scopes acquisition of the batching context around fn. While
// active, OnRoleMutated calls against the derived context merely accumulate
// role ids instead of rebuilding immediately. On return from fn — whether
// fn succeeded or failed — the accumulated ids are rebuilt in one pass
// inside a single transaction, guaranteed by the defer below to run on
// every exit path including a panic unwinding through fn.
//
// Nested entry is an error unless allowNesting is true, in which case the
// inner call is a no-op: it shares the outer batch, does not clear it on
// exit, and does not trigger its own rebuild.
//
// WARNING: while the batching context is active, ancestors is stale.
// Containment/visibility queries run against ctx in this window may return
// incorrect answers; callers must not straddle batching with queries.
func (e *Engine) Batching(ctx context.Context, allowNesting bool, fn func(ctx context.Context) error) error {
	ctx, span := tracer.Start(ctx, "Engine.Batching")
	defer span.End()

	if outer := batchFromContext(ctx); outer != nil {
		if !allowNesting {
			err := closureerr.ErrNesting
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		return fn(ctx)
	}

	b := newBatch()
	innerCtx := context.WithValue(ctx, batchCtxKey{}, b)

	var rebuildErr error
	rebuildBatch := func() {
		ids := b.snapshot()
		span.SetAttributes(attribute.Int("closure.batch_size", len(ids)))
		if len(ids) > 0 {
			rebuildErr = e.db.InTransaction(ctx, func(ctx context.Context, tx pgx.Tx) error {
				return e.rebuild(ctx, tx, ids)
			})
		}
	}
	defer func() {
		if p := recover(); p != nil {
			rebuildBatch()
			panic(p)
		}
	}()

	fnErr := fn(innerCtx)
	rebuildBatch()

	if fnErr != nil {
		span.SetStatus(codes.Error, fnErr.Error())
		return fnErr
	}
	if rebuildErr != nil {
		span.SetStatus(codes.Error, rebuildErr.Error())
		return rebuildErr
	}
	return nil
}
