package model

import (
	"fmt"

	"github.com/google/uuid"
)

// RoleNotFoundError is returned when an operation references a role id that
// does not exist.
type RoleNotFoundError struct {
	RoleID uuid.UUID
}

func (e *RoleNotFoundError) Error() string {
	return fmt.Sprintf("role not found: %s", e.RoleID)
}

// NewRoleNotFoundError builds a RoleNotFoundError.
func NewRoleNotFoundError(roleID uuid.UUID) error {
	return &RoleNotFoundError{RoleID: roleID}
}

// ParentEdgeExistsError is returned when AddParent is called for an edge
// that is already present.
type ParentEdgeExistsError struct {
	From, To uuid.UUID
}

func (e *ParentEdgeExistsError) Error() string {
	return fmt.Sprintf("parent edge already exists: %s -> %s", e.From, e.To)
}

// NewParentEdgeExistsError builds a ParentEdgeExistsError.
func NewParentEdgeExistsError(from, to uuid.UUID) error {
	return &ParentEdgeExistsError{From: from, To: to}
}

// ParentEdgeNotFoundError is returned when RemoveParent is called for an
// edge that does not exist.
type ParentEdgeNotFoundError struct {
	From, To uuid.UUID
}

func (e *ParentEdgeNotFoundError) Error() string {
	return fmt.Sprintf("parent edge not found: %s -> %s", e.From, e.To)
}

// NewParentEdgeNotFoundError builds a ParentEdgeNotFoundError.
func NewParentEdgeNotFoundError(from, to uuid.UUID) error {
	return &ParentEdgeNotFoundError{From: from, To: to}
}

// RoleMembershipNotFoundError is returned when RemoveMember is called for a
// principal that does not directly hold the role.
type RoleMembershipNotFoundError struct {
	RoleID, PrincipalID uuid.UUID
}

func (e *RoleMembershipNotFoundError) Error() string {
	return fmt.Sprintf("role membership not found: %s / %s", e.RoleID, e.PrincipalID)
}

// NewRoleMembershipNotFoundError builds a RoleMembershipNotFoundError.
func NewRoleMembershipNotFoundError(roleID, principalID uuid.UUID) error {
	return &RoleMembershipNotFoundError{RoleID: roleID, PrincipalID: principalID}
}

// UnknownAccessorKindError is returned when an Accessor carries a Kind the
// dispatch logic does not recognize. Unknown kinds are rejected explicitly
// rather than silently treated as empty.
type UnknownAccessorKindError struct {
	Kind AccessorKind
}

func (e *UnknownAccessorKindError) Error() string {
	return fmt.Sprintf("unknown accessor kind: %d", e.Kind)
}

// NewUnknownAccessorKindError builds an UnknownAccessorKindError.
func NewUnknownAccessorKindError(kind AccessorKind) error {
	return &UnknownAccessorKindError{Kind: kind}
}
