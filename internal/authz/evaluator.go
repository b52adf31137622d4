package authz

import (
	"strings"

	"rostercore/pkg/domain"
)

// maxDepth bounds parent-chain recursion. The group tree invariant keeps real
// hierarchies to three levels; anything deeper is treated as corrupt.
const maxDepth = 32

// Evaluator computes permissions against a point-in-time view of the store.
// It is stateless and safe for concurrent use.
type Evaluator struct {
	schema Schema
}

// NewEvaluator constructs an evaluator; a nil schema selects DefaultSchema.
func NewEvaluator(schema Schema) *Evaluator {
	if schema == nil {
		schema = DefaultSchema()
	}
	return &Evaluator{schema: schema}
}

// Check reports whether subject holds permission on resource. Resource is a
// "type:ref" pair where ref is a group ID, a group name, a member ID, or a
// member email. Check has no side effects and fails closed: malformed
// references, unknown types or permissions, unresolvable refs, and cycles in
// the parent chain all deny.
func (e *Evaluator) Check(view domain.RuleView, subject, permission, resource string) bool {
	if subject == "" || permission == "" {
		return false
	}
	resourceType, ref, ok := splitResource(resource)
	if !ok {
		return false
	}
	switch resourceType {
	case ResourceOrganization, ResourceTrack, ResourceTeam:
		group, ok := resolveGroup(view, domain.GroupType(resourceType), ref)
		if !ok {
			return false
		}
		return e.checkGroup(view, subject, permission, group, map[string]bool{}, 0)
	case ResourceMemberRecord:
		member, ok := resolveMember(view, ref)
		if !ok {
			return false
		}
		group, ok := owningGroup(view, member)
		if !ok {
			return false
		}
		return e.checkGroup(view, subject, permission, group, map[string]bool{}, 0)
	}
	return false
}

func (e *Evaluator) checkGroup(view domain.RuleView, subject, permission string, group domain.Group, visited map[string]bool, depth int) bool {
	if depth > maxDepth || visited[group.ID] {
		return false
	}
	visited[group.ID] = true
	spec, ok := e.schema[string(group.Type)][permission]
	if !ok {
		return false
	}
	if hasDirectRelation(view, subject, spec.SelfRelations, group) {
		return true
	}
	if spec.ParentPermission == "" || group.ParentID == nil {
		return false
	}
	parent, ok := view.FindGroup(*group.ParentID)
	if !ok {
		return false
	}
	return e.checkGroup(view, subject, spec.ParentPermission, parent, visited, depth+1)
}

func hasDirectRelation(view domain.RuleView, subject string, relations []string, group domain.Group) bool {
	if len(relations) == 0 {
		return false
	}
	idRef := string(group.Type) + ":" + group.ID
	nameRef := string(group.Type) + ":" + group.Name
	for _, tuple := range view.ListRelationTuples() {
		if tuple.Subject != subject {
			continue
		}
		if !containsRelation(relations, tuple.Relation) {
			continue
		}
		if tuple.Resource == idRef || strings.EqualFold(tuple.Resource, nameRef) {
			return true
		}
	}
	return false
}

func containsRelation(relations []string, relation string) bool {
	for _, r := range relations {
		if r == relation {
			return true
		}
	}
	return false
}

func splitResource(resource string) (resourceType, ref string, ok bool) {
	parts := strings.SplitN(resource, ":", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	resourceType = strings.TrimSpace(parts[0])
	ref = strings.TrimSpace(parts[1])
	if resourceType == "" || ref == "" {
		return "", "", false
	}
	return resourceType, ref, true
}

// ResolveGroupResource resolves a "type:ref" string to the group it names,
// accepting group IDs and unique case-insensitive names. Resources that are
// not group-typed resolve false.
func (e *Evaluator) ResolveGroupResource(view domain.RuleView, resource string) (domain.Group, bool) {
	resourceType, ref, ok := splitResource(resource)
	if !ok {
		return domain.Group{}, false
	}
	switch resourceType {
	case ResourceOrganization, ResourceTrack, ResourceTeam:
		return resolveGroup(view, domain.GroupType(resourceType), ref)
	default:
		return domain.Group{}, false
	}
}

// resolveGroup matches ref against group IDs first, then falls back to a
// unique case-insensitive name match within the type. Ambiguous names deny.
func resolveGroup(view domain.RuleView, groupType domain.GroupType, ref string) (domain.Group, bool) {
	if group, ok := view.FindGroup(ref); ok && group.Type == groupType {
		return group, true
	}
	var found domain.Group
	matches := 0
	for _, group := range view.ListGroups() {
		if group.Type == groupType && strings.EqualFold(group.Name, ref) {
			found = group
			matches++
		}
	}
	if matches == 1 {
		return found, true
	}
	return domain.Group{}, false
}

// resolveMember matches ref against member IDs first, then emails. Email
// lookups that hit duplicates deny rather than picking a row.
func resolveMember(view domain.RuleView, ref string) (domain.Member, bool) {
	if member, ok := view.FindMember(ref); ok {
		return member, true
	}
	member, err := view.FindMemberByEmail(ref)
	if err != nil {
		return domain.Member{}, false
	}
	return member, true
}

// owningGroup resolves the group a member record belongs to: the member's
// team when it resolves, otherwise the member's track. Team and track fields
// hold free-form values from migrated data, so both group IDs and names are
// accepted.
func owningGroup(view domain.RuleView, member domain.Member) (domain.Group, bool) {
	if member.Team != "" {
		if group, ok := resolveGroup(view, domain.GroupTeam, member.Team); ok {
			return group, true
		}
	}
	if member.Track != "" {
		if group, ok := resolveGroup(view, domain.GroupTrack, member.Track); ok {
			return group, true
		}
	}
	return domain.Group{}, false
}
