package core

import (
	"context"
	"fmt"
	"testing"

	"rostercore/internal/infra/persistence/memory"
	"rostercore/pkg/domain"
)

// seedGroups commits hierarchy nodes through a store with no rules registered
// so tests can stage shapes the policy set would normally reject.
func seedGroups(t *testing.T, store *memory.Store, fn func(tx domain.Transaction) error) {
	t.Helper()
	if _, err := store.RunInTransaction(context.Background(), fn); err != nil {
		t.Fatalf("seed groups: %v", err)
	}
}

func evaluateGroupChange(t *testing.T, store *memory.Store, change domain.Change) domain.Result {
	t.Helper()
	ctx := context.Background()
	rule := GroupTreeRule()

	var result domain.Result
	err := store.View(ctx, func(view domain.TransactionView) error {
		res, err := rule.Evaluate(ctx, view, []domain.Change{change})
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		t.Fatalf("evaluate group tree rule: %v", err)
	}
	return result
}

func groupNode(id, name string, gtype domain.GroupType, parentID *string) domain.Group {
	g := domain.Group{Name: name, Type: gtype, ParentID: parentID}
	g.ID = id
	return g
}

func TestGroupTreeAcceptsExpectedShape(t *testing.T) {
	store := memory.NewStore(NewRulesEngine())
	var trackID string
	seedGroups(t, store, func(tx domain.Transaction) error {
		org, err := tx.CreateGroup(domain.Group{Name: "BCSDLab", Type: domain.GroupOrganization})
		if err != nil {
			return err
		}
		track, err := tx.CreateGroup(domain.Group{Name: "Backend", Type: domain.GroupTrack, ParentID: &org.ID})
		if err != nil {
			return err
		}
		trackID = track.ID
		return nil
	})

	res := evaluateGroupChange(t, store, domain.Change{
		Entity: domain.EntityGroup,
		Action: domain.ActionCreate,
		After:  groupNode("G-team", "Otters", domain.GroupTeam, &trackID),
	})
	if len(res.Violations) != 0 {
		t.Fatalf("expected team under track to pass, got %v", res.Violations)
	}
}

func TestGroupTreeBlocksParentTypeMismatch(t *testing.T) {
	store := memory.NewStore(NewRulesEngine())
	var orgID string
	seedGroups(t, store, func(tx domain.Transaction) error {
		org, err := tx.CreateGroup(domain.Group{Name: "BCSDLab", Type: domain.GroupOrganization})
		if err != nil {
			return err
		}
		orgID = org.ID
		return nil
	})

	res := evaluateGroupChange(t, store, domain.Change{
		Entity: domain.EntityGroup,
		Action: domain.ActionCreate,
		After:  groupNode("G-team", "Otters", domain.GroupTeam, &orgID),
	})
	if !res.HasBlocking() {
		t.Fatalf("expected team directly under organization to block")
	}
}

func TestGroupTreeBlocksParentedOrganization(t *testing.T) {
	store := memory.NewStore(NewRulesEngine())
	var orgID, trackID string
	seedGroups(t, store, func(tx domain.Transaction) error {
		org, err := tx.CreateGroup(domain.Group{Name: "BCSDLab", Type: domain.GroupOrganization})
		if err != nil {
			return err
		}
		track, err := tx.CreateGroup(domain.Group{Name: "Backend", Type: domain.GroupTrack, ParentID: &org.ID})
		if err != nil {
			return err
		}
		orgID, trackID = org.ID, track.ID
		return nil
	})

	res := evaluateGroupChange(t, store, domain.Change{
		Entity: domain.EntityGroup,
		Action: domain.ActionUpdate,
		After:  groupNode(orgID, "BCSDLab", domain.GroupOrganization, &trackID),
	})
	if !res.HasBlocking() {
		t.Fatalf("expected organization with parent to block")
	}
}

func TestGroupTreeDetectsParentCycle(t *testing.T) {
	store := memory.NewStore(NewRulesEngine())
	var trackID string
	seedGroups(t, store, func(tx domain.Transaction) error {
		org, err := tx.CreateGroup(domain.Group{Name: "BCSDLab", Type: domain.GroupOrganization})
		if err != nil {
			return err
		}
		track, err := tx.CreateGroup(domain.Group{Name: "Backend", Type: domain.GroupTrack, ParentID: &org.ID})
		if err != nil {
			return err
		}
		trackID = track.ID
		// Point the root back at its child; only rule evaluation catches this.
		_, err = tx.UpdateGroup(org.ID, func(g *domain.Group) error {
			g.ParentID = &track.ID
			return nil
		})
		return err
	})

	res := evaluateGroupChange(t, store, domain.Change{
		Entity: domain.EntityGroup,
		Action: domain.ActionCreate,
		After:  groupNode("G-team", "Otters", domain.GroupTeam, &trackID),
	})
	if !res.HasBlocking() {
		t.Fatalf("expected looping parent chain to block")
	}
}

func TestGroupTreeBoundsChainDepth(t *testing.T) {
	store := memory.NewStore(NewRulesEngine())
	var deepestID string
	seedGroups(t, store, func(tx domain.Transaction) error {
		var parentID *string
		for i := 0; i < maxGroupDepth+2; i++ {
			track, err := tx.CreateGroup(domain.Group{
				Name:     fmt.Sprintf("Track %d", i),
				Type:     domain.GroupTrack,
				ParentID: parentID,
			})
			if err != nil {
				return err
			}
			parentID = &track.ID
			deepestID = track.ID
		}
		return nil
	})

	res := evaluateGroupChange(t, store, domain.Change{
		Entity: domain.EntityGroup,
		Action: domain.ActionCreate,
		After:  groupNode("G-team", "Otters", domain.GroupTeam, &deepestID),
	})
	if !res.HasBlocking() {
		t.Fatalf("expected chain beyond depth bound to block")
	}
}

func TestGroupTreeSkipsMissingParentAndDeletes(t *testing.T) {
	store := memory.NewStore(NewRulesEngine())
	ghost := "G-ghost"

	res := evaluateGroupChange(t, store, domain.Change{
		Entity: domain.EntityGroup,
		Action: domain.ActionCreate,
		After:  groupNode("G-team", "Otters", domain.GroupTeam, &ghost),
	})
	if len(res.Violations) != 0 {
		t.Fatalf("missing parents are handled at write time, got %v", res.Violations)
	}

	res = evaluateGroupChange(t, store, domain.Change{
		Entity: domain.EntityGroup,
		Action: domain.ActionDelete,
		After:  groupNode("G-team", "Otters", domain.GroupTeam, &ghost),
	})
	if len(res.Violations) != 0 {
		t.Fatalf("deletes are exempt from shape checks, got %v", res.Violations)
	}
}

func TestGroupTreeRuleName(t *testing.T) {
	if got := GroupTreeRule().Name(); got != "group_tree" {
		t.Fatalf("unexpected rule name: %s", got)
	}
}
