package core

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"rostercore/pkg/domain"
)

// PaymentIntake carries one reported fee payment. Amount is an integer in the
// smallest currency unit. Method must parse to a known payment method.
type PaymentIntake struct {
	IdempotencyKey string
	Email          string
	Amount         int64
	PaidDate       time.Time
	Method         string
	Period         string
	Notes          string
}

// SubmitPayment appends a ledger row and marks the member paid as one atomic
// unit: either both writes commit or neither does. The ledger row is
// immutable once written. Redelivery with the same idempotency key returns
// the original row without appending a second one.
func (s *Service) SubmitPayment(ctx context.Context, intake PaymentIntake) (domain.FeePayment, domain.Result, error) {
	ctx, finish := s.instrument(ctx, "submit_payment", "")
	var payment domain.FeePayment
	res, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if replayID, ok := replayReceipt(tx, intake.IdempotencyKey, "submit_payment"); ok {
			existing, found := tx.FindFeePayment(replayID)
			if !found {
				return domain.ErrDataIntegrity{Entity: domain.EntityFeePayment, Ref: replayID, Reason: "intake receipt references missing ledger row"}
			}
			payment = existing
			return nil
		}

		method, ok := domain.ParsePaymentMethod(intake.Method)
		if !ok {
			return domain.ErrInvalidArgument{Field: "method", Reason: "unknown payment method " + strconv.Quote(intake.Method)}
		}
		member, err := tx.FindMemberByEmail(intake.Email)
		if err != nil {
			return err
		}
		paid := intake.PaidDate
		if paid.IsZero() {
			paid = s.now()
		}
		created, err := tx.CreateFeePayment(domain.FeePayment{
			MemberID: member.ID,
			Amount:   intake.Amount,
			PaidDate: paid.UTC(),
			Method:   method,
			Period:   strings.TrimSpace(intake.Period),
			Notes:    intake.Notes,
		})
		if err != nil {
			return err
		}
		// Repeated payments keep the member paid; the flip is idempotent.
		if _, err := tx.UpdateMember(member.ID, func(m *domain.Member) error {
			m.PaymentStatus = domain.PaymentPaid
			return nil
		}); err != nil {
			return err
		}
		payment = created
		return stampReceipt(tx, intake.IdempotencyKey, "submit_payment", created.ID)
	})
	finish(payment.ID, err)
	if err != nil {
		return domain.FeePayment{}, res, err
	}
	return payment, res, nil
}

// RolloverPeriod opens a new dues period: every Beginner and Regular member
// is reset to Unpaid in one transaction. Mentors and alumni keep their
// payment state. The returned count covers members flipped by this call, so
// a replayed rollover reports zero. Rollover never runs on a schedule; it is
// always an explicit administrative action.
func (s *Service) RolloverPeriod(ctx context.Context, idempotencyKey, period string) (int, domain.Result, error) {
	ctx, finish := s.instrument(ctx, "rollover_period", "")
	flipped := 0
	res, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if _, ok := replayReceipt(tx, idempotencyKey, "rollover_period"); ok {
			return nil
		}
		if strings.TrimSpace(period) == "" {
			return domain.ErrInvalidArgument{Field: "period", Reason: "required"}
		}
		members := tx.Snapshot().ListMembers()
		sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })
		for _, m := range members {
			if m.Status != domain.StatusBeginner && m.Status != domain.StatusRegular {
				continue
			}
			if m.PaymentStatus == domain.PaymentUnpaid {
				continue
			}
			if _, err := tx.UpdateMember(m.ID, func(mm *domain.Member) error {
				mm.PaymentStatus = domain.PaymentUnpaid
				return nil
			}); err != nil {
				return err
			}
			flipped++
		}
		return stampReceipt(tx, idempotencyKey, "rollover_period", period)
	})
	finish(period, err)
	if err != nil {
		return 0, res, err
	}
	s.logger.Info("period rollover applied", "period", period, "members_reset", flipped)
	return flipped, res, nil
}

// PeriodRule derives the due instant for a dues period token. Returning false
// means the rule cannot interpret the token; reconciliation then leaves the
// due instant unset. Rules are supplied per call and never persisted.
type PeriodRule func(period string) (time.Time, bool)

// FirstWeekdayRule interprets period tokens of the form "YYYY-M" and returns
// the first occurrence of the weekday in that month at midnight UTC, the
// conventional dues deadline.
func FirstWeekdayRule(weekday time.Weekday) PeriodRule {
	return func(period string) (time.Time, bool) {
		yearPart, monthPart, ok := strings.Cut(strings.TrimSpace(period), "-")
		if !ok {
			return time.Time{}, false
		}
		year, err := strconv.Atoi(yearPart)
		if err != nil || year < 1 {
			return time.Time{}, false
		}
		month, err := strconv.Atoi(monthPart)
		if err != nil || month < 1 || month > 12 {
			return time.Time{}, false
		}
		due := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
		for due.Weekday() != weekday {
			due = due.AddDate(0, 0, 1)
		}
		return due, true
	}
}

// ReconciliationResult is the outcome of one overdue computation. DueAt is
// the period's due instant under the caller's rule; it stays zero when no
// rule was given or the rule could not interpret the period token.
type ReconciliationResult struct {
	Period  string          `json:"period"`
	DueAt   time.Time       `json:"due_at"`
	Overdue []domain.Member `json:"overdue"`
}

// RunReconciliation computes the overdue set for a dues period without
// writing anything. A member is overdue when all three hold: status is
// Beginner or Regular, payment status is outstanding (Unpaid or never set),
// and the ledger holds no payment row for the period. Members with several
// rows in the period count once, and Mentors and alumni are never reported.
// The optional rule annotates the result with the period's due instant.
func (s *Service) RunReconciliation(ctx context.Context, period string, rule PeriodRule) (ReconciliationResult, error) {
	ctx, finish := s.instrument(ctx, "run_reconciliation", "")
	period = strings.TrimSpace(period)
	if period == "" {
		err := domain.ErrInvalidArgument{Field: "period", Reason: "required"}
		finish("", err)
		return ReconciliationResult{}, err
	}
	result := ReconciliationResult{Period: period}
	if rule != nil {
		if due, ok := rule(period); ok {
			result.DueAt = due.UTC()
		}
	}
	err := s.store.View(ctx, func(view domain.TransactionView) error {
		coveredMembers := make(map[string]struct{})
		for _, p := range view.ListFeePayments() {
			if p.Period == period {
				coveredMembers[p.MemberID] = struct{}{}
			}
		}
		for _, m := range view.ListMembers() {
			if m.Status != domain.StatusBeginner && m.Status != domain.StatusRegular {
				continue
			}
			if !m.PaymentStatus.Outstanding() {
				continue
			}
			if _, covered := coveredMembers[m.ID]; covered {
				continue
			}
			result.Overdue = append(result.Overdue, m)
		}
		return nil
	})
	finish(period, err)
	if err != nil {
		return ReconciliationResult{}, err
	}
	sort.Slice(result.Overdue, func(i, j int) bool { return result.Overdue[i].ID < result.Overdue[j].ID })
	return result, nil
}

// GetFeePayment returns a ledger row by id from committed state.
func (s *Service) GetFeePayment(id string) (domain.FeePayment, bool) {
	return s.store.GetFeePayment(id)
}

// ListFeePayments returns the full ledger ordered by id.
func (s *Service) ListFeePayments() []domain.FeePayment {
	out := s.store.ListFeePayments()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListMemberPayments returns the ledger rows for one member ordered by paid
// date, oldest first.
func (s *Service) ListMemberPayments(memberID string) []domain.FeePayment {
	var out []domain.FeePayment
	for _, p := range s.store.ListFeePayments() {
		if p.MemberID == memberID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PaidDate.Equal(out[j].PaidDate) {
			return out[i].ID < out[j].ID
		}
		return out[i].PaidDate.Before(out[j].PaidDate)
	})
	return out
}
