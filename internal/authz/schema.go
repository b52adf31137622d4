// Package authz evaluates relation-based permissions over the group
// hierarchy. Relation tuples are the only persisted authorization facts;
// permissions are computed on demand as boolean formulas over direct
// relations and permissions inherited through the parent edge.
package authz

import "rostercore/pkg/domain"

// Resource type names accepted in resource references ("type:ref").
const (
	ResourceOrganization = "organization"
	ResourceTrack        = "track"
	ResourceTeam         = "team"
	ResourceMemberRecord = "member-record"
)

// Relation names grantable as tuples.
const (
	RelationAdmin  = "admin"
	RelationLeader = "leader"
	RelationMember = "member"
)

// Permission names computed by the evaluator.
const (
	PermissionEdit = "edit"
	PermissionView = "view"
)

// GroupResource returns the canonical resource string for a group. Tuples
// written by the service always use this form; name-based references are a
// convenience for hand-written tuples only.
func GroupResource(g domain.Group) string {
	return string(g.Type) + ":" + g.ID
}

// MemberResource returns the canonical resource string for a member record.
func MemberResource(m domain.Member) string {
	return ResourceMemberRecord + ":" + m.ID
}

// ValidRelation reports whether the relation name is part of the grantable
// vocabulary.
func ValidRelation(relation string) bool {
	switch relation {
	case RelationAdmin, RelationLeader, RelationMember:
		return true
	}
	return false
}

// PermissionSpec defines one computed permission on a resource type: the
// direct relations that satisfy it, plus an optional permission evaluated on
// the parent resource. A permission holds if any self relation is granted to
// the subject on the resource, or the parent permission holds on the parent.
type PermissionSpec struct {
	SelfRelations    []string
	ParentPermission string
}

// Schema maps resource type -> permission name -> PermissionSpec. Lookups
// that miss fail closed: an unknown resource type or permission name denies.
type Schema map[string]map[string]PermissionSpec

// DefaultSchema returns the roster permission model. Member records are not
// listed here: a permission on member-record:X delegates to the same
// permission on the group that owns X.
func DefaultSchema() Schema {
	return Schema{
		ResourceOrganization: {
			PermissionEdit: {SelfRelations: []string{RelationAdmin}},
			PermissionView: {SelfRelations: []string{RelationAdmin, RelationLeader, RelationMember}},
		},
		ResourceTrack: {
			PermissionEdit: {SelfRelations: []string{RelationAdmin, RelationLeader}, ParentPermission: PermissionEdit},
			PermissionView: {SelfRelations: []string{RelationAdmin, RelationLeader, RelationMember}, ParentPermission: PermissionView},
		},
		ResourceTeam: {
			PermissionEdit: {SelfRelations: []string{RelationAdmin, RelationLeader}, ParentPermission: PermissionEdit},
			PermissionView: {SelfRelations: []string{RelationAdmin, RelationLeader, RelationMember}, ParentPermission: PermissionView},
		},
	}
}
