// Package rolestore provides the minimal role and parent-edge CRUD that
// drives the closure engine. It stands in for the surrounding application
// that owns role lifecycle and membership; everything here exists only to
// exercise internal/closure end to end, not to be a full role-management API.
package rolestore

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/innovabiz/roleclosure/internal/closure"
	"github.com/innovabiz/roleclosure/internal/closureerr"
	"github.com/innovabiz/roleclosure/internal/model"
	"github.com/innovabiz/roleclosure/internal/store"
)

var tracer = otel.Tracer("roleclosure.rolestore")

// Store owns role and parent-edge mutations and keeps the materialized
// closure in sync with them through engine.
type Store struct {
	db     *store.DB
	engine *closure.Engine
}

// New builds a Store backed by db and engine.
func New(db *store.DB, engine *closure.Engine) *Store {
	return &Store{db: db, engine: engine}
}

// CreateRole inserts a new role and folds it into the closure (a role is
// always its own ancestor). Mirrors Role.save() triggering a rebuild in the
// AWX original this engine is descended from.
func (s *Store) CreateRole(ctx context.Context, r model.Role) (model.Role, error) {
	ctx, span := tracer.Start(ctx, "Store.CreateRole")
	defer span.End()

	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.ImplicitParents == "" {
		r.ImplicitParents = "[]"
	}

	var singletonName *string
	if r.IsSingleton() {
		singletonName = &r.SingletonName
	}

	err := s.db.InTransaction(ctx, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO roles (id, role_field, content_type, object_id, singleton_name, implicit_parents)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, r.ID, r.RoleField, r.ContentType, r.ObjectID, singletonName, r.ImplicitParents)
		if err != nil {
			return closureerr.NewStoreError("CreateRole.insert", err)
		}
		return s.engine.OnRoleMutated(ctx, []uuid.UUID{r.ID})
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return model.Role{}, err
	}
	return r, nil
}

// DeleteRole removes a role, its parent edges, and every ancestor row that
// named it, then rebuilds the children that lost a parent.
func (s *Store) DeleteRole(ctx context.Context, roleID uuid.UUID) error {
	ctx, span := tracer.Start(ctx, "Store.DeleteRole")
	defer span.End()
	span.SetAttributes(attribute.String("role.id", roleID.String()))

	err := s.db.InTransaction(ctx, func(ctx context.Context, tx pgx.Tx) error {
		exists, err := s.roleExists(ctx, tx, roleID)
		if err != nil {
			return err
		}
		if !exists {
			return model.NewRoleNotFoundError(roleID)
		}

		children, err := s.directChildren(ctx, tx, roleID)
		if err != nil {
			return err
		}

		// Ancestor rows naming roleID (as ancestor or descendent) go stale
		// the moment the role row disappears; clear them directly rather
		// than routing through OnRoleMutated, whose rebuild candidate
		// query joins against a roles row that is about to be gone.
		if _, err := tx.Exec(ctx, `DELETE FROM ancestors WHERE ancestor = $1 OR descendent = $1`, roleID); err != nil {
			return closureerr.NewStoreError("DeleteRole.ancestors", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM parents WHERE from_role = $1 OR to_role = $1`, roleID); err != nil {
			return closureerr.NewStoreError("DeleteRole.parents", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM roles WHERE id = $1`, roleID); err != nil {
			return closureerr.NewStoreError("DeleteRole.role", err)
		}

		return s.engine.OnRoleMutated(ctx, children)
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// AddParent records that from inherits through to (to becomes a parent of
// from) and folds from into the closure. Cycles are permitted: the closure
// engine is built to maintain a correct ancestor set over a cyclic graph,
// so no cycle check runs here.
func (s *Store) AddParent(ctx context.Context, from, to uuid.UUID) error {
	ctx, span := tracer.Start(ctx, "Store.AddParent")
	defer span.End()
	span.SetAttributes(attribute.String("parent.from", from.String()), attribute.String("parent.to", to.String()))

	err := s.db.InTransaction(ctx, func(ctx context.Context, tx pgx.Tx) error {
		fromExists, err := s.roleExists(ctx, tx, from)
		if err != nil {
			return err
		}
		if !fromExists {
			return model.NewRoleNotFoundError(from)
		}
		toExists, err := s.roleExists(ctx, tx, to)
		if err != nil {
			return err
		}
		if !toExists {
			return model.NewRoleNotFoundError(to)
		}

		var exists bool
		if err := tx.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM parents WHERE from_role = $1 AND to_role = $2)
		`, from, to).Scan(&exists); err != nil {
			return closureerr.NewStoreError("AddParent.check", err)
		}
		if exists {
			return model.NewParentEdgeExistsError(from, to)
		}

		if _, err := tx.Exec(ctx, `INSERT INTO parents (from_role, to_role) VALUES ($1, $2)`, from, to); err != nil {
			return closureerr.NewStoreError("AddParent.insert", err)
		}

		return s.engine.OnRoleMutated(ctx, []uuid.UUID{from})
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// RemoveParent deletes a parent edge and rebuilds from's closure.
func (s *Store) RemoveParent(ctx context.Context, from, to uuid.UUID) error {
	ctx, span := tracer.Start(ctx, "Store.RemoveParent")
	defer span.End()
	span.SetAttributes(attribute.String("parent.from", from.String()), attribute.String("parent.to", to.String()))

	err := s.db.InTransaction(ctx, func(ctx context.Context, tx pgx.Tx) error {
		ct, err := tx.Exec(ctx, `DELETE FROM parents WHERE from_role = $1 AND to_role = $2`, from, to)
		if err != nil {
			return closureerr.NewStoreError("RemoveParent.delete", err)
		}
		if ct.RowsAffected() == 0 {
			return model.NewParentEdgeNotFoundError(from, to)
		}
		return s.engine.OnRoleMutated(ctx, []uuid.UUID{from})
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// AddMember records that principal directly holds roleID. Mirrors AWX's
// Role.members m2m (rbac.py:89); this is the relation resolveHeldRoles
// walks for an AccessorPrincipal.
func (s *Store) AddMember(ctx context.Context, roleID, principalID uuid.UUID) error {
	ctx, span := tracer.Start(ctx, "Store.AddMember")
	defer span.End()
	span.SetAttributes(attribute.String("role.id", roleID.String()), attribute.String("principal.id", principalID.String()))

	err := s.db.InTransaction(ctx, func(ctx context.Context, tx pgx.Tx) error {
		exists, err := s.roleExists(ctx, tx, roleID)
		if err != nil {
			return err
		}
		if !exists {
			return model.NewRoleNotFoundError(roleID)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO role_members (role_id, principal_id) VALUES ($1, $2)
			ON CONFLICT (role_id, principal_id) DO NOTHING
		`, roleID, principalID)
		if err != nil {
			return closureerr.NewStoreError("AddMember.insert", err)
		}
		return nil
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// RemoveMember deletes a principal's direct membership in roleID.
func (s *Store) RemoveMember(ctx context.Context, roleID, principalID uuid.UUID) error {
	ctx, span := tracer.Start(ctx, "Store.RemoveMember")
	defer span.End()
	span.SetAttributes(attribute.String("role.id", roleID.String()), attribute.String("principal.id", principalID.String()))

	err := s.db.InTransaction(ctx, func(ctx context.Context, tx pgx.Tx) error {
		ct, err := tx.Exec(ctx, `DELETE FROM role_members WHERE role_id = $1 AND principal_id = $2`, roleID, principalID)
		if err != nil {
			return closureerr.NewStoreError("RemoveMember.delete", err)
		}
		if ct.RowsAffected() == 0 {
			return model.NewRoleMembershipNotFoundError(roleID, principalID)
		}
		return nil
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (s *Store) roleExists(ctx context.Context, tx pgx.Tx, roleID uuid.UUID) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM roles WHERE id = $1)`, roleID).Scan(&exists)
	if err != nil {
		return false, closureerr.NewStoreError("roleExists", err)
	}
	return exists, nil
}

func (s *Store) directChildren(ctx context.Context, tx pgx.Tx, roleID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := tx.Query(ctx, `SELECT DISTINCT from_role FROM parents WHERE to_role = $1`, roleID)
	if err != nil {
		return nil, closureerr.NewStoreError("directChildren", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, closureerr.NewStoreError("directChildren.scan", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("directChildren: %w", err)
	}
	return ids, nil
}
