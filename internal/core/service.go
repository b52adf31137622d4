package core

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"rostercore/internal/authz"
	"rostercore/internal/infra/persistence/memory"
	"rostercore/pkg/domain"
)

// SystemSubject identifies internal callers such as the migration CLI and
// bootstrap tooling. Operations invoked with it bypass relation checks, so
// transport layers must never forward it on behalf of external users.
const SystemSubject = "system:root"

// Service wires the member lifecycle, fee ledger, reconciliation and
// authorization surface over a persistent store. All mutations run inside
// store transactions so rule evaluation and persistence stay atomic.
type Service struct {
	store      domain.PersistentStore
	engine     *domain.RulesEngine
	authorizer *authz.Evaluator
	logger     Logger
	audit      AuditRecorder
	metrics    MetricsRecorder
	tracer     Tracer
	nowFn      func() time.Time
}

// NewService constructs a service over the provided store.
func NewService(store domain.PersistentStore, opts ...Option) *Service {
	options := defaultServiceOptions()
	for _, opt := range opts {
		opt(&options)
	}
	return &Service{
		store:      store,
		engine:     extractRulesEngine(store),
		authorizer: options.authorizer,
		logger:     options.logger,
		audit:      options.audit,
		metrics:    options.metrics,
		tracer:     options.tracer,
		nowFn:      selectNowFunc(store, options.clock),
	}
}

// NewInMemoryService builds a service over a fresh in-memory store. A nil
// engine gets the built-in policy set.
func NewInMemoryService(engine *domain.RulesEngine, opts ...Option) *Service {
	if engine == nil {
		engine = NewDefaultRulesEngine()
	}
	return NewService(memory.NewStore(engine), opts...)
}

// Store exposes the underlying persistent store.
func (s *Service) Store() domain.PersistentStore { return s.store }

// RulesEngine returns the engine backing the store when it exposes one.
func (s *Service) RulesEngine() *domain.RulesEngine { return s.engine }

func (s *Service) now() time.Time { return s.nowFn() }

type rulesEngineProvider interface {
	RulesEngine() *domain.RulesEngine
}

type nowFuncProvider interface {
	NowFunc() func() time.Time
}

func extractRulesEngine(store domain.PersistentStore) *domain.RulesEngine {
	if provider, ok := store.(rulesEngineProvider); ok {
		return provider.RulesEngine()
	}
	return nil
}

// selectNowFunc prefers the store's own time source so audit timestamps agree
// with entity timestamps, then the configured clock, then system UTC.
func selectNowFunc(store domain.PersistentStore, clock Clock) func() time.Time {
	if provider, ok := store.(nowFuncProvider); ok {
		if fn := provider.NowFunc(); fn != nil {
			return fn
		}
	}
	if clock != nil {
		return clock.Now
	}
	return func() time.Time { return time.Now().UTC() }
}

// MemberRegistration carries the intake fields for a new member. Track and
// Team are free-form labels matched against group names at permission time.
type MemberRegistration struct {
	IdempotencyKey string
	Email          string
	Name           string
	Track          string
	Team           string
	JoinDate       time.Time
}

// RegisterMember admits a new member in Beginner status with no payment
// state recorded yet. Redelivery with the same idempotency key returns the
// previously created member instead of a duplicate-email failure.
func (s *Service) RegisterMember(ctx context.Context, reg MemberRegistration) (domain.Member, domain.Result, error) {
	ctx, finish := s.instrument(ctx, "register_member", "")
	var member domain.Member
	res, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if replayID, ok := replayReceipt(tx, reg.IdempotencyKey, "register_member"); ok {
			existing, found := tx.FindMember(replayID)
			if !found {
				return domain.ErrDataIntegrity{Entity: domain.EntityMember, Ref: replayID, Reason: "intake receipt references missing member"}
			}
			member = existing
			return nil
		}
		if strings.TrimSpace(reg.Name) == "" {
			return domain.ErrInvalidArgument{Field: "name", Reason: "required"}
		}
		joined := reg.JoinDate
		if joined.IsZero() {
			joined = s.now()
		}
		created, err := tx.CreateMember(domain.Member{
			Email:         reg.Email,
			Name:          strings.TrimSpace(reg.Name),
			Status:        domain.StatusBeginner,
			PaymentStatus: domain.PaymentUnset,
			Track:         strings.TrimSpace(reg.Track),
			Team:          strings.TrimSpace(reg.Team),
			JoinDate:      joined.UTC(),
		})
		if err != nil {
			return err
		}
		member = created
		return stampReceipt(tx, reg.IdempotencyKey, "register_member", created.ID)
	})
	finish(member.ID, err)
	if err != nil {
		return domain.Member{}, res, err
	}
	return member, res, nil
}

// TransitionRequest asks for a member status change on behalf of a subject.
type TransitionRequest struct {
	IdempotencyKey string
	Requester      string
	TargetEmail    string
	NewStatus      string
	Reason         string
}

// RequestTransition moves a member through the lifecycle state machine. The
// requester must hold edit permission on the member record, resolved through
// the owning group hierarchy. Payment status follows the authoritative
// trigger for the requested edge: promotion to Mentor sets Exempt, demotion
// from Mentor sets Unpaid, every other edge leaves it untouched. Requesting
// the status a member already holds is a no-op, not an error.
func (s *Service) RequestTransition(ctx context.Context, req TransitionRequest) (domain.Member, domain.Result, error) {
	ctx, finish := s.instrument(ctx, "request_transition", req.Requester)
	var member domain.Member
	res, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if replayID, ok := replayReceipt(tx, req.IdempotencyKey, "request_transition"); ok {
			existing, found := tx.FindMember(replayID)
			if !found {
				return domain.ErrDataIntegrity{Entity: domain.EntityMember, Ref: replayID, Reason: "intake receipt references missing member"}
			}
			member = existing
			return nil
		}

		target, ok := domain.ParseMemberStatus(req.NewStatus)
		if !ok {
			return domain.ErrInvalidArgument{Field: "status", Reason: "unknown member status " + strconv.Quote(req.NewStatus)}
		}
		current, err := tx.FindMemberByEmail(req.TargetEmail)
		if err != nil {
			return err
		}
		if req.Requester != SystemSubject {
			resource := authz.MemberResource(current)
			if !s.authorizer.Check(tx.Snapshot(), req.Requester, authz.PermissionEdit, resource) {
				return domain.ErrPermissionDenied{Subject: req.Requester, Permission: authz.PermissionEdit, Resource: resource}
			}
		}

		if current.Status == target {
			member = current
			return stampReceipt(tx, req.IdempotencyKey, "request_transition", current.ID)
		}

		updated, err := tx.UpdateMember(current.ID, func(m *domain.Member) error {
			m.Status = target
			switch {
			case target == domain.StatusMentor:
				m.PaymentStatus = domain.PaymentExempt
			case current.Status == domain.StatusMentor && target == domain.StatusRegular:
				m.PaymentStatus = domain.PaymentUnpaid
			}
			return nil
		})
		if err != nil {
			return err
		}
		member = updated
		return stampReceipt(tx, req.IdempotencyKey, "request_transition", updated.ID)
	})
	finish(member.ID, err)
	if err != nil {
		return domain.Member{}, res, err
	}
	return member, res, nil
}

// GetMember returns a member by id from committed state.
func (s *Service) GetMember(id string) (domain.Member, bool) {
	return s.store.GetMember(id)
}

// FindMemberByEmail resolves a member by normalized email against committed
// state. More than one match reports a data integrity violation; resolution
// never guesses between candidates.
func (s *Service) FindMemberByEmail(ctx context.Context, email string) (domain.Member, error) {
	var member domain.Member
	err := s.store.View(ctx, func(view domain.TransactionView) error {
		found, err := view.FindMemberByEmail(email)
		if err != nil {
			return err
		}
		member = found
		return nil
	})
	if err != nil {
		return domain.Member{}, err
	}
	return member, nil
}

// ListMembers returns all members ordered by id.
func (s *Service) ListMembers() []domain.Member {
	out := s.store.ListMembers()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// replayReceipt reports whether the idempotency key was already consumed by
// the given operation, returning the stored result id.
func replayReceipt(tx domain.Transaction, key, operation string) (string, bool) {
	if key == "" {
		return "", false
	}
	receipt, ok := tx.FindIntakeReceipt(key)
	if !ok || receipt.Operation != operation {
		return "", false
	}
	return receipt.ResultID, true
}

// stampReceipt records the idempotency key for later redeliveries. Empty keys
// are allowed; the caller then relies on natural idempotency alone.
func stampReceipt(tx domain.Transaction, key, operation, resultID string) error {
	if key == "" {
		return nil
	}
	_, err := tx.PutIntakeReceipt(domain.IntakeReceipt{
		Key:       key,
		Operation: operation,
		ResultID:  resultID,
	})
	return err
}
