package core

import (
	"context"
	"fmt"

	"rostercore/pkg/domain"
)

// StatusTransitionRule blocks member status changes that no lifecycle trigger
// defines. Self transitions are permitted so redelivered triggers stay no-ops.
func StatusTransitionRule() domain.Rule {
	return statusTransitionRule{}
}

type statusTransitionRule struct{}

// memberTransitions enumerates the reachable target statuses per current
// status. Alumni is terminal: the only row is the identity transition.
var memberTransitions = map[domain.MemberStatus]map[domain.MemberStatus]struct{}{
	domain.StatusBeginner: toStatusSet(
		domain.StatusBeginner,
		domain.StatusRegular,
		domain.StatusMentor,
		domain.StatusAlumni,
	),
	domain.StatusRegular: toStatusSet(
		domain.StatusRegular,
		domain.StatusMentor,
		domain.StatusAlumni,
	),
	domain.StatusMentor: toStatusSet(
		domain.StatusMentor,
		domain.StatusRegular,
		domain.StatusAlumni,
	),
	domain.StatusAlumni: toStatusSet(
		domain.StatusAlumni,
	),
}

func (statusTransitionRule) Name() string { return "member_status_transition" }

func (statusTransitionRule) Evaluate(_ context.Context, _ domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, change := range changes {
		if change.Entity != domain.EntityMember {
			continue
		}
		after, ok := change.After.(domain.Member)
		if !ok {
			continue
		}

		if !after.Status.Valid() {
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     "member_status_transition",
				Severity: domain.SeverityBlock,
				Message:  fmt.Sprintf("member %s is set to invalid status %q", after.ID, after.Status),
				Entity:   domain.EntityMember,
				EntityID: after.ID,
			})
			continue
		}

		if after.PaymentStatus == domain.PaymentExempt && after.Status != domain.StatusMentor {
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     "member_status_transition",
				Severity: domain.SeverityWarn,
				Message:  fmt.Sprintf("member %s is exempt from fees but holds status %s", after.ID, after.Status),
				Entity:   domain.EntityMember,
				EntityID: after.ID,
			})
		}

		if change.Action != domain.ActionUpdate {
			continue
		}
		before, ok := change.Before.(domain.Member)
		if !ok {
			continue
		}
		if before.Status == after.Status {
			continue
		}
		if _, allowed := memberTransitions[before.Status][after.Status]; !allowed {
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     "member_status_transition",
				Severity: domain.SeverityBlock,
				Message:  fmt.Sprintf("no lifecycle trigger moves member %s from %s to %s", after.ID, before.Status, after.Status),
				Entity:   domain.EntityMember,
				EntityID: after.ID,
			})
		}
	}
	return res, nil
}

func toStatusSet(values ...domain.MemberStatus) map[domain.MemberStatus]struct{} {
	set := make(map[domain.MemberStatus]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}
