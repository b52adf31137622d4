package notify

import (
	"context"
	"time"

	"rostercore/internal/core"
	"rostercore/pkg/domain"
)

// Reconciler computes the overdue set for a period. *core.Service satisfies
// this.
type Reconciler interface {
	RunReconciliation(ctx context.Context, period string, rule core.PeriodRule) (core.ReconciliationResult, error)
}

// DispatchFailure records one member whose notification could not be sent.
type DispatchFailure struct {
	MemberID  string `json:"member_id"`
	Recipient string `json:"recipient"`
	Reason    string `json:"reason"`
}

// OverdueRun is the outcome of one overdue notification sweep.
type OverdueRun struct {
	Period   string            `json:"period"`
	DueAt    time.Time         `json:"due_at"`
	Notified int               `json:"notified"`
	Failures []DispatchFailure `json:"failures,omitempty"`
}

// OverdueNotifier reconciles a period and pushes one reminder per overdue
// member to the dispatcher.
type OverdueNotifier struct {
	reconciler Reconciler
	dispatcher Dispatcher
	logger     Logger
}

// NewOverdueNotifier wires the notifier. A nil logger disables logging.
func NewOverdueNotifier(reconciler Reconciler, dispatcher Dispatcher, logger Logger) *OverdueNotifier {
	if logger == nil {
		logger = noopLogger{}
	}
	return &OverdueNotifier{reconciler: reconciler, dispatcher: dispatcher, logger: logger}
}

// NotifyOverdue reconciles the period and dispatches at most one reminder per
// overdue member. Reconciliation failures abort the run; dispatch failures do
// not, they are logged and collected in the result. The reminder's recipient
// is the member email on every channel; chat delivery agents resolve the
// handle downstream.
func (o *OverdueNotifier) NotifyOverdue(ctx context.Context, period string, rule core.PeriodRule, channel Channel) (OverdueRun, error) {
	if _, ok := ParseChannel(string(channel)); !ok {
		return OverdueRun{}, domain.ErrInvalidArgument{Field: "channel", Reason: "must be email or chat"}
	}
	res, err := o.reconciler.RunReconciliation(ctx, period, rule)
	if err != nil {
		return OverdueRun{}, err
	}

	run := OverdueRun{Period: res.Period, DueAt: res.DueAt}
	seen := make(map[string]struct{}, len(res.Overdue))
	for _, member := range res.Overdue {
		if _, dup := seen[member.ID]; dup {
			continue
		}
		seen[member.ID] = struct{}{}

		data := map[string]string{
			"member_id": member.ID,
			"name":      member.Name,
			"period":    res.Period,
		}
		if !res.DueAt.IsZero() {
			data["due_at"] = res.DueAt.Format(time.RFC3339)
		}
		err := o.dispatcher.Send(ctx, Notification{
			Channel:    channel,
			Recipient:  member.Email,
			TemplateID: TemplateFeeOverdue,
			Data:       data,
		})
		if err != nil {
			run.Failures = append(run.Failures, DispatchFailure{MemberID: member.ID, Recipient: member.Email, Reason: err.Error()})
			o.logger.Error("overdue reminder dispatch failed", "member_id", member.ID, "channel", channel, "error", err)
			continue
		}
		run.Notified++
	}

	o.logger.Info("overdue notification run complete",
		"period", run.Period,
		"overdue", len(res.Overdue),
		"notified", run.Notified,
		"failures", len(run.Failures),
	)
	return run, nil
}
