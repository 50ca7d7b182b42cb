// Package query implements the read surface that turns the materialized
// closure into bounded-work answers: containment, per-resource role
// listing, visibility, singleton lookup, and direct ancestry checks.
package query

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/innovabiz/roleclosure/internal/closure"
	"github.com/innovabiz/roleclosure/internal/closureerr"
	"github.com/innovabiz/roleclosure/internal/metrics"
	"github.com/innovabiz/roleclosure/internal/model"
	"github.com/innovabiz/roleclosure/internal/store"
)

var tracer = otel.Tracer("roleclosure.query")

// Surface answers the five query-surface operations against the
// materialized ancestors table. It creates singleton roles through engine
// so a freshly created singleton's self ancestor row exists immediately.
type Surface struct {
	db      *store.DB
	engine  *closure.Engine
	metrics *metrics.Collectors
}

// New builds a query Surface backed by db and engine.
func New(db *store.DB, engine *closure.Engine) *Surface {
	return &Surface{db: db, engine: engine}
}

// WithMetrics attaches Prometheus collectors; every operation reports its
// latency through them.
func (s *Surface) WithMetrics(m *metrics.Collectors) *Surface {
	s.metrics = m
	return s
}

func (s *Surface) observe(operation string, start time.Time) {
	if s.metrics != nil {
		s.metrics.ObserveQuery(operation, time.Since(start))
	}
}

// resolveHeldRoles maps an Accessor to the set of role ids it directly
// holds — the starting point for both RoleContains and RolesOnResource.
// Unknown accessor kinds are rejected explicitly rather than silently
// resolving to an empty set.
func (s *Surface) resolveHeldRoles(ctx context.Context, a model.Accessor) ([]uuid.UUID, error) {
	switch a.Kind {
	case model.AccessorRole:
		return []uuid.UUID{a.RoleID}, nil

	case model.AccessorGroup:
		return []uuid.UUID{a.MemberRoleID}, nil

	case model.AccessorObject:
		rows, err := s.db.Pool().Query(ctx, `
			SELECT id FROM roles WHERE content_type = $1 AND object_id = $2
		`, a.ContentType, a.ObjectID)
		if err != nil {
			return nil, closureerr.NewStoreError("resolveHeldRoles.object", err)
		}
		defer rows.Close()
		var ids []uuid.UUID
		for rows.Next() {
			var id uuid.UUID
			if err := rows.Scan(&id); err != nil {
				return nil, closureerr.NewStoreError("resolveHeldRoles.object.scan", err)
			}
			ids = append(ids, id)
		}
		return ids, rows.Err()

	case model.AccessorPrincipal:
		rows, err := s.db.Pool().Query(ctx, `
			SELECT role_id FROM role_members WHERE principal_id = $1
		`, a.PrincipalID)
		if err != nil {
			return nil, closureerr.NewStoreError("resolveHeldRoles.principal", err)
		}
		defer rows.Close()
		var ids []uuid.UUID
		for rows.Next() {
			var id uuid.UUID
			if err := rows.Scan(&id); err != nil {
				return nil, closureerr.NewStoreError("resolveHeldRoles.principal.scan", err)
			}
			ids = append(ids, id)
		}
		return ids, rows.Err()

	default:
		return nil, model.NewUnknownAccessorKindError(a.Kind)
	}
}

// RoleContains reports whether R contains accessor A: true iff some
// ancestor row (R, X) exists where X is among the roles A holds.
func (s *Surface) RoleContains(ctx context.Context, roleID uuid.UUID, accessor model.Accessor) (bool, error) {
	ctx, span := tracer.Start(ctx, "Surface.RoleContains")
	defer span.End()
	start := time.Now()
	defer s.observe("RoleContains", start)

	held, err := s.resolveHeldRoles(ctx, accessor)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return false, err
	}
	if len(held) == 0 {
		return false, nil
	}

	var exists bool
	err = s.db.Pool().QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM ancestors WHERE descendent = $1 AND ancestor = ANY($2)
		)
	`, roleID, held).Scan(&exists)
	if err != nil {
		err = closureerr.NewStoreError("RoleContains", err)
		span.SetStatus(codes.Error, err.Error())
		return false, err
	}
	return exists, nil
}

// RolesOnResource collects the roles accessor holds, then returns the
// distinct role_field values of ancestor rows where ancestor is among those
// roles and (content_type, object_id) matches the resource. Backed by the
// (ancestor, content_type, object_id) index.
func (s *Surface) RolesOnResource(ctx context.Context, contentType, objectID int64, accessor model.Accessor) ([]string, error) {
	ctx, span := tracer.Start(ctx, "Surface.RolesOnResource")
	defer span.End()
	start := time.Now()
	defer s.observe("RolesOnResource", start)
	span.SetAttributes(attribute.Int64("resource.content_type", contentType), attribute.Int64("resource.object_id", objectID))

	held, err := s.resolveHeldRoles(ctx, accessor)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if len(held) == 0 {
		return []string{}, nil
	}

	rows, err := s.db.Pool().Query(ctx, `
		SELECT DISTINCT role_field FROM ancestors
		WHERE ancestor = ANY($1) AND content_type = $2 AND object_id = $3
	`, held, contentType, objectID)
	if err != nil {
		err = closureerr.NewStoreError("RolesOnResource", err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	defer rows.Close()

	fields := []string{}
	for rows.Next() {
		var f string
		if err := rows.Scan(&f); err != nil {
			return nil, closureerr.NewStoreError("RolesOnResource.scan", err)
		}
		fields = append(fields, f)
	}
	return fields, rows.Err()
}

// VisibleRoles returns every role that is either an ancestor or a
// descendent of any role the principal holds — both directions, since
// visibility covers both "roles I inherit" and "roles that inherit from
// me". Implemented as a single query unioning the two directions rather
// than two round-trips.
func (s *Surface) VisibleRoles(ctx context.Context, principalID uuid.UUID) ([]model.Role, error) {
	ctx, span := tracer.Start(ctx, "Surface.VisibleRoles")
	defer span.End()
	start := time.Now()
	defer s.observe("VisibleRoles", start)
	span.SetAttributes(attribute.String("principal.id", principalID.String()))

	heldRoleIDs, err := s.resolveHeldRoles(ctx, model.Principal(principalID))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if len(heldRoleIDs) == 0 {
		return nil, nil
	}

	rows, err := s.db.Pool().Query(ctx, `
		SELECT r.id, r.role_field, r.content_type, r.object_id, r.singleton_name, r.implicit_parents, r.created_at, r.updated_at
		FROM roles r
		WHERE r.id IN (
			SELECT ancestor FROM ancestors WHERE descendent = ANY($1)
			UNION
			SELECT descendent FROM ancestors WHERE ancestor = ANY($1)
		)
	`, heldRoleIDs)
	if err != nil {
		err = closureerr.NewStoreError("VisibleRoles", err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	defer rows.Close()

	var roles []model.Role
	for rows.Next() {
		var r model.Role
		var singleton *string
		if err := rows.Scan(&r.ID, &r.RoleField, &r.ContentType, &r.ObjectID, &singleton, &r.ImplicitParents, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, closureerr.NewStoreError("VisibleRoles.scan", err)
		}
		if singleton != nil {
			r.SingletonName = *singleton
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

// Singleton returns the role with matching singleton_name, creating one
// atomically if absent. name is used both as the singleton marker and as
// the role's display role_field. Never fails on a missing name — creates
// instead.
func (s *Surface) Singleton(ctx context.Context, name string) (model.Role, error) {
	ctx, span := tracer.Start(ctx, "Surface.Singleton")
	defer span.End()
	start := time.Now()
	defer s.observe("Singleton", start)
	span.SetAttributes(attribute.String("singleton.name", name))

	var r model.Role
	var singleton *string
	err := s.db.Pool().QueryRow(ctx, `
		SELECT id, role_field, content_type, object_id, singleton_name, implicit_parents, created_at, updated_at
		FROM roles WHERE singleton_name = $1
	`, name).Scan(&r.ID, &r.RoleField, &r.ContentType, &r.ObjectID, &singleton, &r.ImplicitParents, &r.CreatedAt, &r.UpdatedAt)
	if err == nil {
		r.SingletonName = name
		return r, nil
	}

	created, err := s.createSingleton(ctx, name)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return model.Role{}, err
	}
	return created, nil
}

func (s *Surface) createSingleton(ctx context.Context, name string) (model.Role, error) {
	r := model.Role{ID: uuid.New(), RoleField: name, SingletonName: name, ImplicitParents: "[]"}

	if _, execErr := s.db.Pool().Exec(ctx, `
		INSERT INTO roles (id, role_field, content_type, object_id, singleton_name, implicit_parents)
		VALUES ($1, $2, 0, 0, $3, '[]')
		ON CONFLICT (singleton_name) WHERE singleton_name IS NOT NULL DO NOTHING
	`, r.ID, r.RoleField, r.SingletonName); execErr != nil {
		return model.Role{}, closureerr.NewStoreError("createSingleton.insert", execErr)
	}

	// Another caller may have won the race; re-read to get the row that
	// actually exists now (either ours or theirs) and make sure its
	// closure self-row is materialized.
	var existing model.Role
	var singleton *string
	err := s.db.Pool().QueryRow(ctx, `
		SELECT id, role_field, content_type, object_id, singleton_name, implicit_parents, created_at, updated_at
		FROM roles WHERE singleton_name = $1
	`, name).Scan(&existing.ID, &existing.RoleField, &existing.ContentType, &existing.ObjectID, &singleton, &existing.ImplicitParents, &existing.CreatedAt, &existing.UpdatedAt)
	if err != nil {
		return model.Role{}, closureerr.NewStoreError("createSingleton.reselect", err)
	}
	if singleton != nil {
		existing.SingletonName = *singleton
	}

	if err := s.engine.OnRoleMutated(ctx, []uuid.UUID{existing.ID}); err != nil {
		return model.Role{}, err
	}
	return existing, nil
}

// IsAncestorOf reports whether ancestor row (R', R) exists, i.e. R is an
// ancestor of R'.
func (s *Surface) IsAncestorOf(ctx context.Context, r, rPrime uuid.UUID) (bool, error) {
	ctx, span := tracer.Start(ctx, "Surface.IsAncestorOf")
	defer span.End()
	start := time.Now()
	defer s.observe("IsAncestorOf", start)

	var exists bool
	err := s.db.Pool().QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM ancestors WHERE descendent = $1 AND ancestor = $2)
	`, rPrime, r).Scan(&exists)
	if err != nil {
		err = fmt.Errorf("IsAncestorOf: %w", err)
		span.SetStatus(codes.Error, err.Error())
		return false, err
	}
	return exists, nil
}
