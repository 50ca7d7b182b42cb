// Package model holds the data types the closure engine operates on: roles,
// parent edges, and materialized ancestor rows.
package model

import (
	"time"

	"github.com/google/uuid"
)

// SingletonSystemAdministrator and SingletonSystemAuditor are the built-in
// well-known singleton roles every deployment is expected to have.
const (
	SingletonSystemAdministrator = "System Administrator"
	SingletonSystemAuditor       = "System Auditor"
)

// Role is an identity node in the role graph.
type Role struct {
	ID uuid.UUID `json:"id"`

	// RoleField names the capability this role grants (e.g. "admin", "read").
	// Not unique on its own; meaningful only together with ContentType/ObjectID.
	RoleField string `json:"role_field"`

	// ContentType and ObjectID, taken together, bind this role to a domain
	// object. Both zero means a free-standing role.
	ContentType int64 `json:"content_type"`
	ObjectID    int64 `json:"object_id"`

	// SingletonName, when non-empty, marks this as a well-known global role
	// (see SingletonSystemAdministrator/SingletonSystemAuditor).
	SingletonName string `json:"singleton_name,omitempty"`

	// ImplicitParents is an opaque hint from the domain layer. The closure
	// engine stores it but never interprets it.
	ImplicitParents string `json:"implicit_parents,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasObject reports whether the role is bound to a domain object.
func (r Role) HasObject() bool {
	return r.ContentType != 0 || r.ObjectID != 0
}

// IsSingleton reports whether the role is a well-known, object-less role.
func (r Role) IsSingleton() bool {
	return r.SingletonName != ""
}

// ParentEdge is a directed edge in the role graph: FromRole inherits from
// ToRole, i.e. ToRole is a direct parent of FromRole.
type ParentEdge struct {
	FromRole uuid.UUID
	ToRole   uuid.UUID
}

// AncestorEntry is one row of the materialized closure: Ancestor is
// reachable from Descendent by zero-or-more parent-edge hops. RoleField,
// ContentType and ObjectID are denormalized copies of the descendent role's
// fields, captured so the hot query path never joins back to roles.
type AncestorEntry struct {
	ID          int64
	Descendent  uuid.UUID
	Ancestor    uuid.UUID
	RoleField   string
	ContentType int64
	ObjectID    int64
}
