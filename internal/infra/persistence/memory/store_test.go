package memory_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"rostercore/internal/infra/persistence/memory"
	"rostercore/pkg/domain"
)

func strPtr(v string) *string {
	return &v
}

func must[T any](t *testing.T, value T, err error) T {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return value
}

func mustNoErr(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func requireFound[T any](t *testing.T, value T, ok bool, msg string) T {
	t.Helper()
	if !ok {
		t.Fatal(msg)
	}
	return value
}

func TestMemoryStoreCRUDAndQueries(t *testing.T) {
	store := memory.NewStore(nil)
	ctx := context.Background()

	var memberID, groupID, tupleID string
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		memberVal, err := tx.CreateMember(domain.Member{
			Email:         "Alice@Example.com",
			Name:          "Alice",
			Status:        domain.StatusBeginner,
			PaymentStatus: domain.PaymentUnset,
			JoinDate:      time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC),
		})
		member := must(t, memberVal, err)
		memberID = member.ID
		if member.Email != "alice@example.com" {
			t.Fatalf("expected normalized email, got %q", member.Email)
		}
		if !strings.HasPrefix(member.ID, "M-") {
			t.Fatalf("expected member id prefix M-, got %q", member.ID)
		}

		if _, err := tx.CreateMember(domain.Member{Email: "ALICE@example.COM", Name: "Imposter"}); !domain.IsDuplicateConflict(err) {
			return err
		}
		if _, err := tx.CreateMember(domain.Member{Name: "No Email"}); !domain.IsInvalidArgument(err) {
			return err
		}

		foundMember, ok := tx.FindMember(memberID)
		requireFound(t, foundMember, ok, "expected to find member in transaction")
		resolved, err := tx.FindMemberByEmail("  alice@EXAMPLE.com ")
		mustNoErr(t, err)
		if resolved.ID != memberID {
			t.Fatalf("resolution returned wrong member %q", resolved.ID)
		}
		if _, err := tx.FindMemberByEmail("nobody@example.com"); !domain.IsNotFound(err) {
			t.Fatalf("expected not found, got %v", err)
		}

		orgVal, err := tx.CreateGroup(domain.Group{Name: "bcsdlab", Type: domain.GroupOrganization})
		org := must(t, orgVal, err)
		groupID = org.ID
		if !strings.HasPrefix(groupID, "G-") {
			t.Fatalf("expected group id prefix G-, got %q", groupID)
		}
		if _, err := tx.CreateGroup(domain.Group{Name: "orphan", Type: domain.GroupTeam, ParentID: strPtr("G-missing")}); !domain.IsNotFound(err) {
			return err
		}
		if _, err := tx.CreateGroup(domain.Group{Name: "bad", Type: domain.GroupType("squad")}); !domain.IsInvalidArgument(err) {
			return err
		}

		tupleVal, err := tx.CreateRelationTuple(domain.RelationTuple{
			Subject: "user:pres", Relation: "admin", Resource: "organization:" + groupID,
		})
		tuple := must(t, tupleVal, err)
		tupleID = tuple.ID
		if _, err := tx.CreateRelationTuple(domain.RelationTuple{
			Subject: "user:pres", Relation: "admin", Resource: "organization:" + groupID,
		}); !domain.IsDuplicateConflict(err) {
			return err
		}

		paymentVal, err := tx.CreateFeePayment(domain.FeePayment{
			MemberID: memberID,
			Amount:   10000,
			PaidDate: time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC),
			Method:   domain.MethodBankTransfer,
			Period:   "2024-1",
		})
		payment := must(t, paymentVal, err)
		if !strings.HasPrefix(payment.ID, "F-") {
			t.Fatalf("expected payment id prefix F-, got %q", payment.ID)
		}
		if _, err := tx.CreateFeePayment(domain.FeePayment{MemberID: memberID, Amount: 0, Period: "2024-1"}); !domain.IsInvalidArgument(err) {
			return err
		}
		if _, err := tx.CreateFeePayment(domain.FeePayment{MemberID: "M-missing", Amount: 100, Period: "2024-1"}); !domain.IsNotFound(err) {
			return err
		}
		return nil
	}); err != nil {
		t.Fatalf("seed transaction: %v", err)
	}

	memberVal, ok := store.GetMember(memberID)
	member := requireFound(t, memberVal, ok, "expected member after commit")
	if member.Status != domain.StatusBeginner {
		t.Fatalf("unexpected status %q", member.Status)
	}
	if payments := store.ListFeePayments(); len(payments) != 1 {
		t.Fatalf("expected one ledger row, got %d", len(payments))
	}
	if groups := store.ListGroups(); len(groups) != 1 {
		t.Fatalf("expected one group, got %d", len(groups))
	}
	if tuples := store.ListRelationTuples(); len(tuples) != 1 {
		t.Fatalf("expected one tuple, got %d", len(tuples))
	}

	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		updated, err := tx.UpdateMember(memberID, func(m *domain.Member) error {
			m.ID = "M-hijacked"
			m.Status = domain.StatusRegular
			return nil
		})
		mustNoErr(t, err)
		if updated.ID != memberID {
			t.Fatalf("member ID must be immutable, got %q", updated.ID)
		}
		if _, err := tx.UpdateMember("M-missing", func(m *domain.Member) error { return nil }); !domain.IsNotFound(err) {
			return err
		}
		mustNoErr(t, tx.DeleteRelationTuple(tupleID))
		if err := tx.DeleteRelationTuple(tupleID); !domain.IsNotFound(err) {
			return err
		}
		return nil
	}); err != nil {
		t.Fatalf("update transaction: %v", err)
	}

	refreshedVal, ok := store.GetMember(memberID)
	refreshed := requireFound(t, refreshedVal, ok, "expected member after update")
	if refreshed.Status != domain.StatusRegular {
		t.Fatalf("expected committed status update, got %q", refreshed.Status)
	}
	if tuples := store.ListRelationTuples(); len(tuples) != 0 {
		t.Fatalf("expected tuple removed, got %d", len(tuples))
	}
	groupVal, ok := store.GetGroup(groupID)
	requireFound(t, groupVal, ok, "expected group after commit")
}

func TestDeleteGroupGuardsParentReferences(t *testing.T) {
	store := memory.NewStore(nil)
	ctx := context.Background()

	var orgID, teamID string
	_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		orgVal, err := tx.CreateGroup(domain.Group{Name: "org", Type: domain.GroupOrganization})
		org := must(t, orgVal, err)
		orgID = org.ID
		teamVal, err := tx.CreateGroup(domain.Group{Name: "team", Type: domain.GroupTeam, ParentID: &org.ID})
		team := must(t, teamVal, err)
		teamID = team.ID
		return nil
	})
	mustNoErr(t, err)

	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		return tx.DeleteGroup(orgID)
	}); err == nil {
		t.Fatalf("expected delete of referenced parent to fail")
	}

	_, err = store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if err := tx.DeleteGroup(teamID); err != nil {
			return err
		}
		return tx.DeleteGroup(orgID)
	})
	mustNoErr(t, err)
	if groups := store.ListGroups(); len(groups) != 0 {
		t.Fatalf("expected all groups removed, got %d", len(groups))
	}
}

func TestTransactionRollbackOnError(t *testing.T) {
	store := memory.NewStore(nil)
	ctx := context.Background()

	_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if _, err := tx.CreateMember(domain.Member{Email: "keep@example.com", Name: "Keep"}); err != nil {
			return err
		}
		_, err := tx.CreateFeePayment(domain.FeePayment{MemberID: "M-missing", Amount: 100, Period: "2024-1"})
		return err
	})
	if !domain.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if members := store.ListMembers(); len(members) != 0 {
		t.Fatalf("failed transaction must not commit partial writes, got %d members", len(members))
	}
}

func TestIntakeReceiptLifecycle(t *testing.T) {
	store := memory.NewStore(nil)
	ctx := context.Background()

	_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if _, ok := tx.FindIntakeReceipt("submit-1"); ok {
			t.Fatalf("unexpected receipt before put")
		}
		if _, err := tx.PutIntakeReceipt(domain.IntakeReceipt{Key: "submit-1", Operation: "submit_payment", ResultID: "F-1"}); err != nil {
			return err
		}
		receipt, ok := tx.FindIntakeReceipt("submit-1")
		if !ok || receipt.ResultID != "F-1" {
			t.Fatalf("expected stored receipt, got %+v ok=%v", receipt, ok)
		}
		if _, err := tx.PutIntakeReceipt(domain.IntakeReceipt{Key: "submit-1", Operation: "submit_payment"}); !domain.IsDuplicateConflict(err) {
			t.Fatalf("expected duplicate conflict, got %v", err)
		}
		if _, err := tx.PutIntakeReceipt(domain.IntakeReceipt{Operation: "submit_payment"}); !domain.IsInvalidArgument(err) {
			t.Fatalf("expected invalid argument for empty key, got %v", err)
		}
		return nil
	})
	mustNoErr(t, err)
}

func TestViewSnapshotIsolation(t *testing.T) {
	store := memory.NewStore(nil)
	ctx := context.Background()

	var id string
	_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		memberVal, err := tx.CreateMember(domain.Member{Email: "a@b.c", Name: "A", Status: domain.StatusRegular})
		member := must(t, memberVal, err)
		id = member.ID
		return nil
	})
	mustNoErr(t, err)

	err = store.View(ctx, func(view domain.TransactionView) error {
		members := view.ListMembers()
		if len(members) != 1 {
			t.Fatalf("expected one member in view, got %d", len(members))
		}
		members[0].Name = "mutated"
		return nil
	})
	mustNoErr(t, err)

	memberVal, ok := store.GetMember(id)
	member := requireFound(t, memberVal, ok, "expected member to exist")
	if member.Name != "A" {
		t.Fatalf("view mutation leaked into store: %q", member.Name)
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	store := memory.NewStore(nil)
	ctx := context.Background()

	_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		memberVal, err := tx.CreateMember(domain.Member{Email: "Round@Trip.io", Name: "R", Status: domain.StatusRegular})
		member := must(t, memberVal, err)
		if _, err := tx.CreateFeePayment(domain.FeePayment{MemberID: member.ID, Amount: 500, Period: "2024-2"}); err != nil {
			return err
		}
		orgVal, err := tx.CreateGroup(domain.Group{Name: "org", Type: domain.GroupOrganization})
		org := must(t, orgVal, err)
		if _, err := tx.CreateRelationTuple(domain.RelationTuple{Subject: "user:x", Relation: "admin", Resource: "organization:" + org.ID}); err != nil {
			return err
		}
		_, err = tx.PutIntakeReceipt(domain.IntakeReceipt{Key: "k1", Operation: "register_member", ResultID: member.ID})
		return err
	})
	mustNoErr(t, err)

	snapshot := store.ExportState()
	restored := memory.NewStore(nil)
	restored.ImportState(snapshot)

	if got, want := len(restored.ListMembers()), 1; got != want {
		t.Fatalf("members: got %d want %d", got, want)
	}
	if got, want := len(restored.ListFeePayments()), 1; got != want {
		t.Fatalf("payments: got %d want %d", got, want)
	}
	if got, want := len(restored.ListGroups()), 1; got != want {
		t.Fatalf("groups: got %d want %d", got, want)
	}
	if got, want := len(restored.ListRelationTuples()), 1; got != want {
		t.Fatalf("relations: got %d want %d", got, want)
	}
}

func TestImportStateNormalizesLegacySnapshots(t *testing.T) {
	store := memory.NewStore(nil)

	store.ImportState(domain.Snapshot{
		Members: map[string]domain.Member{
			"M-1": {Base: domain.Base{ID: "M-1"}, Email: "Mixed@Case.COM", Name: "Legacy"},
		},
	})

	members := store.ListMembers()
	if len(members) != 1 {
		t.Fatalf("expected one member, got %d", len(members))
	}
	if members[0].Email != "mixed@case.com" {
		t.Fatalf("expected normalized email after import, got %q", members[0].Email)
	}
	if payments := store.ListFeePayments(); len(payments) != 0 {
		t.Fatalf("expected empty payments bucket after nil-map import")
	}
}

func TestDuplicateEmailSurfacesIntegrityViolation(t *testing.T) {
	store := memory.NewStore(nil)

	// Legacy snapshots can carry duplicate emails; resolution must surface
	// them instead of silently picking one.
	store.ImportState(domain.Snapshot{
		Members: map[string]domain.Member{
			"M-1": {Base: domain.Base{ID: "M-1"}, Email: "dup@example.com", Name: "One"},
			"M-2": {Base: domain.Base{ID: "M-2"}, Email: "DUP@example.com", Name: "Two"},
		},
	})

	err := store.View(context.Background(), func(view domain.TransactionView) error {
		_, err := view.FindMemberByEmail("dup@example.com")
		return err
	})
	if !domain.IsDataIntegrity(err) {
		t.Fatalf("expected data integrity violation, got %v", err)
	}
}

func TestRulesEngineBlocksCommit(t *testing.T) {
	engine := domain.NewRulesEngine()
	engine.Register(blockAllRule{})
	store := memory.NewStore(engine)

	res, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.CreateMember(domain.Member{Email: "x@y.z", Name: "X"})
		return err
	})
	var violation domain.RuleViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("expected rule violation error, got %v", err)
	}
	if !res.HasBlocking() {
		t.Fatalf("expected blocking result")
	}
	if members := store.ListMembers(); len(members) != 0 {
		t.Fatalf("blocked transaction must not commit")
	}
}

type blockAllRule struct{}

func (blockAllRule) Name() string { return "block_all" }

func (blockAllRule) Evaluate(_ context.Context, _ domain.RuleView, changes []domain.Change) (domain.Result, error) {
	if len(changes) == 0 {
		return domain.Result{}, nil
	}
	return domain.Result{Violations: []domain.Violation{{
		Rule:     "block_all",
		Severity: domain.SeverityBlock,
		Message:  "blocked",
	}}}, nil
}
