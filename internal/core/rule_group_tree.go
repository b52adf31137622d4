package core

import (
	"context"
	"fmt"

	"rostercore/pkg/domain"
)

// maxGroupDepth bounds parent-chain walks. The hierarchy is three levels by
// construction; anything deeper indicates imported garbage.
const maxGroupDepth = 8

// GroupTreeRule keeps the group hierarchy shaped organization → track → team.
// Parents are optional, but a linked parent must carry the expected type and
// the chain above an edited group must stay acyclic.
func GroupTreeRule() domain.Rule {
	return groupTreeRule{}
}

type groupTreeRule struct{}

var groupParentTypes = map[domain.GroupType]domain.GroupType{
	domain.GroupTeam:  domain.GroupTrack,
	domain.GroupTrack: domain.GroupOrganization,
}

func (groupTreeRule) Name() string { return "group_tree" }

func (groupTreeRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, change := range changes {
		if change.Entity != domain.EntityGroup || change.Action == domain.ActionDelete {
			continue
		}
		group, ok := change.After.(domain.Group)
		if !ok {
			continue
		}
		if group.ParentID == nil {
			continue
		}

		if group.Type == domain.GroupOrganization {
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     "group_tree",
				Severity: domain.SeverityBlock,
				Message:  fmt.Sprintf("organization %s cannot have a parent group", group.ID),
				Entity:   domain.EntityGroup,
				EntityID: group.ID,
			})
			continue
		}

		parent, found := view.FindGroup(*group.ParentID)
		if !found {
			// Existence is checked at write time; nothing further to verify.
			continue
		}
		if want := groupParentTypes[group.Type]; parent.Type != want {
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     "group_tree",
				Severity: domain.SeverityBlock,
				Message:  fmt.Sprintf("%s %s requires a %s parent, got %s %s", group.Type, group.ID, want, parent.Type, parent.ID),
				Entity:   domain.EntityGroup,
				EntityID: group.ID,
			})
			continue
		}

		if cycleID, cycle := walkParents(view, group); cycle {
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     "group_tree",
				Severity: domain.SeverityBlock,
				Message:  fmt.Sprintf("parent chain of group %s loops back through %s", group.ID, cycleID),
				Entity:   domain.EntityGroup,
				EntityID: group.ID,
			})
		}
	}
	return res, nil
}

// walkParents follows the parent chain and reports the first repeated group
// id. A chain longer than maxGroupDepth is treated as a loop.
func walkParents(view domain.RuleView, group domain.Group) (string, bool) {
	visited := map[string]struct{}{group.ID: {}}
	current := group
	for depth := 0; current.ParentID != nil; depth++ {
		if depth >= maxGroupDepth {
			return current.ID, true
		}
		parent, ok := view.FindGroup(*current.ParentID)
		if !ok {
			return "", false
		}
		if _, seen := visited[parent.ID]; seen {
			return parent.ID, true
		}
		visited[parent.ID] = struct{}{}
		current = parent
	}
	return "", false
}
