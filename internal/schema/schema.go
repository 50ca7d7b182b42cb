// Package schema defines the DDL for the three relations the closure
// engine owns the shape of — roles, parents, ancestors — and the indexes
// the hot query paths in internal/query depend on.
package schema

import (
	"context"
	"fmt"

	"github.com/innovabiz/roleclosure/internal/store"
)

// statements are applied in order; each is idempotent (IF NOT EXISTS) so
// Migrate can run repeatedly against an already-provisioned database.
var statements = []string{
	`CREATE TABLE IF NOT EXISTS roles (
		id               UUID PRIMARY KEY,
		role_field       TEXT NOT NULL DEFAULT '',
		content_type     BIGINT NOT NULL DEFAULT 0,
		object_id        BIGINT NOT NULL DEFAULT 0,
		singleton_name   TEXT,
		implicit_parents TEXT NOT NULL DEFAULT '[]',
		created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS roles_singleton_name_idx ON roles (singleton_name) WHERE singleton_name IS NOT NULL`,

	`CREATE TABLE IF NOT EXISTS parents (
		from_role UUID NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
		to_role   UUID NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
		PRIMARY KEY (from_role, to_role)
	)`,

	// role_members is AWX rbac.py's Role.members m2m (rbac.py:89):
	// principal_id is an opaque foreign id owned by the surrounding
	// application, not a roles(id) — this engine never creates or deletes
	// principals, only records which roles they directly hold.
	`CREATE TABLE IF NOT EXISTS role_members (
		role_id      UUID NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
		principal_id UUID NOT NULL,
		PRIMARY KEY (role_id, principal_id)
	)`,
	`CREATE INDEX IF NOT EXISTS role_members_principal_idx ON role_members (principal_id)`,

	`CREATE TABLE IF NOT EXISTS ancestors (
		id           BIGSERIAL PRIMARY KEY,
		descendent   UUID NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
		ancestor     UUID NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
		role_field   TEXT NOT NULL,
		content_type BIGINT NOT NULL,
		object_id    BIGINT NOT NULL
	)`,
	// Answers "who has any role on this object" (roles_on_resource filters on exactly these columns).
	`CREATE INDEX IF NOT EXISTS ancestors_ancestor_object_idx ON ancestors (ancestor, content_type, object_id)`,
	// Answers "which objects of this type does this principal have role X on"; no internal/query operation filters on role_field.
	`CREATE INDEX IF NOT EXISTS ancestors_ancestor_field_idx ON ancestors (ancestor, content_type, role_field)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ancestors_descendent_ancestor_idx ON ancestors (descendent, ancestor)`,
}

// Migrate applies the schema to db. Safe to call on every startup.
func Migrate(ctx context.Context, db *store.DB) error {
	for i, stmt := range statements {
		if _, err := db.Pool().Exec(ctx, stmt); err != nil {
			return fmt.Errorf("applying migration statement %d: %w", i, err)
		}
	}
	return nil
}
