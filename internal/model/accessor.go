package model

import "github.com/google/uuid"

// AccessorKind tags the variant held by an Accessor.
type AccessorKind int

const (
	// AccessorPrincipal identifies a single user/principal by id.
	AccessorPrincipal AccessorKind = iota
	// AccessorRole identifies a role directly.
	AccessorRole
	// AccessorGroup identifies a group-like entity that itself holds roles
	// through a member role (AWX's "Team", whose member_role is the thing
	// actually checked against the closure).
	AccessorGroup
	// AccessorObject identifies a domain object by (content type, object id).
	AccessorObject
)

// Accessor is anything that can hold roles: a principal, a role, a
// group-like entity, or a domain object. role_contains and roles_on_resource
// dispatch on Kind to decide how to resolve the accessor to a set of role ids.
type Accessor struct {
	Kind AccessorKind

	// PrincipalID is set when Kind == AccessorPrincipal.
	PrincipalID uuid.UUID

	// RoleID is set when Kind == AccessorRole.
	RoleID uuid.UUID

	// MemberRoleID is set when Kind == AccessorGroup: the role id that
	// represents membership in the group.
	MemberRoleID uuid.UUID

	// ContentType/ObjectID are set when Kind == AccessorObject.
	ContentType int64
	ObjectID    int64
}

// Principal builds an Accessor for a single principal.
func Principal(id uuid.UUID) Accessor {
	return Accessor{Kind: AccessorPrincipal, PrincipalID: id}
}

// RoleAccessor builds an Accessor that refers to a role directly.
func RoleAccessor(id uuid.UUID) Accessor {
	return Accessor{Kind: AccessorRole, RoleID: id}
}

// Group builds an Accessor for a group-like entity identified by its member role.
func Group(memberRoleID uuid.UUID) Accessor {
	return Accessor{Kind: AccessorGroup, MemberRoleID: memberRoleID}
}

// Object builds an Accessor for a domain object.
func Object(contentType, objectID int64) Accessor {
	return Accessor{Kind: AccessorObject, ContentType: contentType, ObjectID: objectID}
}
