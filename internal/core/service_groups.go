package core

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"rostercore/internal/authz"
	"rostercore/pkg/domain"
)

// requireEdit denies unless the requester holds edit permission on the
// resource. SystemSubject bypasses the check for internal tooling.
func (s *Service) requireEdit(view domain.RuleView, requester, resource string) error {
	if requester == SystemSubject {
		return nil
	}
	if !s.authorizer.Check(view, requester, authz.PermissionEdit, resource) {
		return domain.ErrPermissionDenied{Subject: requester, Permission: authz.PermissionEdit, Resource: resource}
	}
	return nil
}

// CreateGroup adds a node to the organization/track/team hierarchy. Creating
// a child requires edit permission on the parent; creating a root node is
// reserved for SystemSubject since no parent exists to carry the grant.
func (s *Service) CreateGroup(ctx context.Context, requester string, group domain.Group) (domain.Group, domain.Result, error) {
	ctx, finish := s.instrument(ctx, "create_group", requester)
	var created domain.Group
	res, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if group.ParentID == nil {
			if requester != SystemSubject {
				return domain.ErrPermissionDenied{Subject: requester, Permission: authz.PermissionEdit, Resource: "root"}
			}
		} else {
			parent, ok := tx.FindGroup(*group.ParentID)
			if !ok {
				return domain.ErrNotFound{Entity: domain.EntityGroup, Ref: *group.ParentID}
			}
			if err := s.requireEdit(tx.Snapshot(), requester, authz.GroupResource(parent)); err != nil {
				return err
			}
		}
		g, err := tx.CreateGroup(group)
		if err != nil {
			return err
		}
		created = g
		return nil
	})
	finish(created.ID, err)
	if err != nil {
		return domain.Group{}, res, err
	}
	return created, res, nil
}

// UpdateGroup mutates a hierarchy node. Re-parenting additionally requires
// edit permission on the destination parent.
func (s *Service) UpdateGroup(ctx context.Context, requester, id string, mutator func(*domain.Group) error) (domain.Group, domain.Result, error) {
	ctx, finish := s.instrument(ctx, "update_group", requester)
	var updated domain.Group
	res, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		before, ok := tx.FindGroup(id)
		if !ok {
			return domain.ErrNotFound{Entity: domain.EntityGroup, Ref: id}
		}
		if err := s.requireEdit(tx.Snapshot(), requester, authz.GroupResource(before)); err != nil {
			return err
		}
		g, err := tx.UpdateGroup(id, mutator)
		if err != nil {
			return err
		}
		if reparented(before.ParentID, g.ParentID) {
			parent, ok := tx.FindGroup(*g.ParentID)
			if !ok {
				return domain.ErrNotFound{Entity: domain.EntityGroup, Ref: *g.ParentID}
			}
			if err := s.requireEdit(tx.Snapshot(), requester, authz.GroupResource(parent)); err != nil {
				return err
			}
		}
		updated = g
		return nil
	})
	finish(updated.ID, err)
	if err != nil {
		return domain.Group{}, res, err
	}
	return updated, res, nil
}

func reparented(before, after *string) bool {
	if after == nil {
		return false
	}
	return before == nil || *before != *after
}

// DeleteGroup removes a leaf node and revokes the tuples granted on it.
// Groups still referenced as a parent cannot be deleted.
func (s *Service) DeleteGroup(ctx context.Context, requester, id string) (domain.Result, error) {
	ctx, finish := s.instrument(ctx, "delete_group", requester)
	res, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		group, ok := tx.FindGroup(id)
		if !ok {
			return domain.ErrNotFound{Entity: domain.EntityGroup, Ref: id}
		}
		if err := s.requireEdit(tx.Snapshot(), requester, authz.GroupResource(group)); err != nil {
			return err
		}
		resource := authz.GroupResource(group)
		for _, tuple := range tx.Snapshot().ListRelationTuples() {
			if tuple.Resource != resource {
				continue
			}
			if err := tx.DeleteRelationTuple(tuple.ID); err != nil {
				return err
			}
		}
		return tx.DeleteGroup(id)
	})
	finish(id, err)
	return res, err
}

// AssignLeader records the member leading a group and keeps the matching
// leader tuple in sync so the directory field and the authorization facts
// cannot drift apart. Assigning the current leader again is a no-op.
func (s *Service) AssignLeader(ctx context.Context, requester, groupID, memberID string) (domain.Group, domain.Result, error) {
	ctx, finish := s.instrument(ctx, "assign_leader", requester)
	var updated domain.Group
	res, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		group, ok := tx.FindGroup(groupID)
		if !ok {
			return domain.ErrNotFound{Entity: domain.EntityGroup, Ref: groupID}
		}
		if err := s.requireEdit(tx.Snapshot(), requester, authz.GroupResource(group)); err != nil {
			return err
		}
		if _, ok := tx.FindMember(memberID); !ok {
			return domain.ErrNotFound{Entity: domain.EntityMember, Ref: memberID}
		}
		if group.LeaderMemberID == memberID {
			updated = group
			return nil
		}

		resource := authz.GroupResource(group)
		if previous := group.LeaderMemberID; previous != "" {
			key := domain.RelationTuple{Subject: memberSubject(previous), Relation: authz.RelationLeader, Resource: resource}.TupleKey()
			for _, tuple := range tx.Snapshot().ListRelationTuples() {
				if tuple.TupleKey() == key {
					if err := tx.DeleteRelationTuple(tuple.ID); err != nil {
						return err
					}
					break
				}
			}
		}
		if _, err := tx.CreateRelationTuple(domain.RelationTuple{
			Subject:  memberSubject(memberID),
			Relation: authz.RelationLeader,
			Resource: resource,
		}); err != nil && !domain.IsDuplicateConflict(err) {
			return err
		}

		g, err := tx.UpdateGroup(groupID, func(gg *domain.Group) error {
			gg.LeaderMemberID = memberID
			return nil
		})
		if err != nil {
			return err
		}
		updated = g
		return nil
	})
	finish(updated.ID, err)
	if err != nil {
		return domain.Group{}, res, err
	}
	return updated, res, nil
}

// memberSubject is the subject form minted for member-held grants. Tokens
// issued to members carry the same form so tuples match at check time.
func memberSubject(memberID string) string {
	return "member:" + memberID
}

// GetGroup returns a group by id from committed state.
func (s *Service) GetGroup(id string) (domain.Group, bool) {
	return s.store.GetGroup(id)
}

// ListGroups returns all hierarchy nodes ordered by id.
func (s *Service) ListGroups() []domain.Group {
	out := s.store.ListGroups()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GrantRelation writes an authorization fact. The resource must name an
// existing group and the requester needs edit permission on it.
func (s *Service) GrantRelation(ctx context.Context, requester, subject, relation, resource string) (domain.RelationTuple, domain.Result, error) {
	ctx, finish := s.instrument(ctx, "grant_relation", requester)
	var tuple domain.RelationTuple
	res, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if !authz.ValidRelation(relation) {
			return domain.ErrInvalidArgument{Field: "relation", Reason: "unknown relation " + strconv.Quote(relation)}
		}
		if strings.TrimSpace(subject) == "" {
			return domain.ErrInvalidArgument{Field: "subject", Reason: "required"}
		}
		group, ok := s.authorizer.ResolveGroupResource(tx.Snapshot(), resource)
		if !ok {
			return domain.ErrNotFound{Entity: domain.EntityGroup, Ref: resource}
		}
		canonical := authz.GroupResource(group)
		if err := s.requireEdit(tx.Snapshot(), requester, canonical); err != nil {
			return err
		}
		t, err := tx.CreateRelationTuple(domain.RelationTuple{
			Subject:  strings.TrimSpace(subject),
			Relation: relation,
			Resource: canonical,
		})
		if err != nil {
			return err
		}
		tuple = t
		return nil
	})
	finish(tuple.ID, err)
	if err != nil {
		return domain.RelationTuple{}, res, err
	}
	return tuple, res, nil
}

// RevokeRelation removes an authorization fact by tuple id. Tuples whose
// resource no longer resolves can only be cleaned up by SystemSubject.
func (s *Service) RevokeRelation(ctx context.Context, requester, tupleID string) (domain.Result, error) {
	ctx, finish := s.instrument(ctx, "revoke_relation", requester)
	res, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var tuple domain.RelationTuple
		found := false
		for _, t := range tx.Snapshot().ListRelationTuples() {
			if t.ID == tupleID {
				tuple = t
				found = true
				break
			}
		}
		if !found {
			return domain.ErrNotFound{Entity: domain.EntityRelationTuple, Ref: tupleID}
		}
		if group, ok := s.authorizer.ResolveGroupResource(tx.Snapshot(), tuple.Resource); ok {
			if err := s.requireEdit(tx.Snapshot(), requester, authz.GroupResource(group)); err != nil {
				return err
			}
		} else if requester != SystemSubject {
			return domain.ErrPermissionDenied{Subject: requester, Permission: authz.PermissionEdit, Resource: tuple.Resource}
		}
		return tx.DeleteRelationTuple(tupleID)
	})
	finish(tupleID, err)
	return res, err
}

// ListRelationTuples returns all authorization facts ordered by id.
func (s *Service) ListRelationTuples() []domain.RelationTuple {
	out := s.store.ListRelationTuples()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Check evaluates whether subject holds permission on resource against
// committed state. Evaluation is pure: unknown references, malformed
// resources and cycles all deny rather than erroring.
func (s *Service) Check(ctx context.Context, subject, permission, resource string) (bool, error) {
	ctx, finish := s.instrument(ctx, "check_permission", subject)
	allowed := false
	err := s.store.View(ctx, func(view domain.TransactionView) error {
		allowed = s.authorizer.Check(view, subject, permission, resource)
		return nil
	})
	finish(resource, err)
	if err != nil {
		return false, err
	}
	return allowed, nil
}
