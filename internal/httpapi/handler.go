// Package httpapi exposes the roster service over JSON HTTP. Authentication
// is a bearer-token boundary; authorization stays in the service layer,
// keyed by the token's subject.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"rostercore/internal/archive"
	"rostercore/internal/core"
	"rostercore/internal/migrate"
	"rostercore/internal/notify"
	"rostercore/pkg/domain"
)

// Handler routes the /api/v1 surface onto a core.Service. Notifier and
// Archive are optional: their routes 404 when unset. A non-empty
// AdminResource guards the administrative routes (rollover, migrations,
// state import/export) behind an edit check on that resource.
type Handler struct {
	Service       *core.Service
	Notifier      *notify.OverdueNotifier
	Archive       *archive.MigrationArchive
	AdminResource string

	validate *validator.Validate
}

// NewHandler constructs the API handler.
func NewHandler(svc *core.Service) *Handler {
	return &Handler{Service: svc, validate: validator.New()}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Service == nil {
		writeError(w, http.StatusInternalServerError, "service not configured")
		return
	}

	path := strings.TrimSuffix(r.URL.Path, "/")
	switch {
	case path == "/healthz":
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	case path == "/api/v1/members":
		h.handleMembers(w, r)
	case strings.HasPrefix(path, "/api/v1/members/"):
		h.handleMember(w, r, strings.TrimPrefix(path, "/api/v1/members/"))
	case path == "/api/v1/payments":
		h.handlePayments(w, r)
	case path == "/api/v1/transitions":
		h.handleTransitions(w, r)
	case path == "/api/v1/rollover":
		h.handleRollover(w, r)
	case strings.HasPrefix(path, "/api/v1/reconciliation/"):
		h.handleReconciliation(w, r, strings.TrimPrefix(path, "/api/v1/reconciliation/"))
	case path == "/api/v1/notifications/overdue":
		h.handleNotifyOverdue(w, r)
	case path == "/api/v1/groups":
		h.handleGroups(w, r)
	case strings.HasPrefix(path, "/api/v1/groups/"):
		h.handleGroup(w, r, strings.TrimPrefix(path, "/api/v1/groups/"))
	case path == "/api/v1/relations":
		h.handleRelations(w, r)
	case strings.HasPrefix(path, "/api/v1/relations/"):
		h.handleRelation(w, r, strings.TrimPrefix(path, "/api/v1/relations/"))
	case path == "/api/v1/authz/check":
		h.handleCheck(w, r)
	case path == "/api/v1/migrations":
		h.handleMigrations(w, r)
	case strings.HasPrefix(path, "/api/v1/migrations/"):
		h.handleMigrationArtifacts(w, r, strings.TrimPrefix(path, "/api/v1/migrations/"))
	case path == "/api/v1/state":
		h.handleState(w, r)
	default:
		http.NotFound(w, r)
	}
}

// guardAdmin enforces the administrative edit check when configured.
func (h *Handler) guardAdmin(w http.ResponseWriter, r *http.Request) bool {
	if h.AdminResource == "" {
		return true
	}
	subject := SubjectFromContext(r.Context())
	allowed, err := h.Service.Check(r.Context(), subject, "edit", h.AdminResource)
	if err != nil {
		writeDomainError(w, err)
		return false
	}
	if !allowed {
		writeError(w, http.StatusForbidden, fmt.Sprintf("%s denied edit on %s", subject, h.AdminResource))
		return false
	}
	return true
}

type registerRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
	Email          string `json:"email" validate:"required,email"`
	Name           string `json:"name" validate:"required"`
	Track          string `json:"track"`
	Team           string `json:"team"`
	JoinDate       string `json:"join_date"`
}

func (h *Handler) handleMembers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"members": h.Service.ListMembers()})
	case http.MethodPost:
		var req registerRequest
		if !h.decodeValid(w, r, &req) {
			return
		}
		joined, err := parseDate(req.JoinDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid join_date: "+err.Error())
			return
		}
		member, res, err := h.Service.RegisterMember(r.Context(), core.MemberRegistration{
			IdempotencyKey: req.IdempotencyKey,
			Email:          req.Email,
			Name:           req.Name,
			Track:          req.Track,
			Team:           req.Team,
			JoinDate:       joined,
		})
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeResult(w, http.StatusCreated, map[string]any{"member": member}, res)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (h *Handler) handleMember(w http.ResponseWriter, r *http.Request, remainder string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	segments := strings.Split(remainder, "/")
	member, ok := h.Service.GetMember(segments[0])
	if !ok {
		writeError(w, http.StatusNotFound, "member not found")
		return
	}
	switch {
	case len(segments) == 1:
		writeJSON(w, http.StatusOK, map[string]any{"member": member})
	case len(segments) == 2 && segments[1] == "payments":
		writeJSON(w, http.StatusOK, map[string]any{"member_id": member.ID, "payments": h.Service.ListMemberPayments(member.ID)})
	default:
		http.NotFound(w, r)
	}
}

type paymentRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
	Email          string `json:"email" validate:"required,email"`
	Amount         int64  `json:"amount" validate:"required,gt=0"`
	PaidDate       string `json:"paid_date"`
	Method         string `json:"payment_method" validate:"required"`
	Period         string `json:"period" validate:"required"`
	Notes          string `json:"notes"`
}

func (h *Handler) handlePayments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req paymentRequest
	if !h.decodeValid(w, r, &req) {
		return
	}
	paid, err := parseDate(req.PaidDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid paid_date: "+err.Error())
		return
	}
	payment, res, err := h.Service.SubmitPayment(r.Context(), core.PaymentIntake{
		IdempotencyKey: req.IdempotencyKey,
		Email:          req.Email,
		Amount:         req.Amount,
		PaidDate:       paid,
		Method:         req.Method,
		Period:         req.Period,
		Notes:          req.Notes,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeResult(w, http.StatusCreated, map[string]any{"payment": payment}, res)
}

type transitionRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
	TargetEmail    string `json:"target_email" validate:"required,email"`
	NewStatus      string `json:"new_status" validate:"required,oneof=beginner regular mentor alumni"`
	Reason         string `json:"reason"`
}

func (h *Handler) handleTransitions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req transitionRequest
	if !h.decodeValid(w, r, &req) {
		return
	}
	member, res, err := h.Service.RequestTransition(r.Context(), core.TransitionRequest{
		IdempotencyKey: req.IdempotencyKey,
		Requester:      SubjectFromContext(r.Context()),
		TargetEmail:    req.TargetEmail,
		NewStatus:      req.NewStatus,
		Reason:         req.Reason,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeResult(w, http.StatusOK, map[string]any{"member": member}, res)
}

type rolloverRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
	Period         string `json:"period" validate:"required"`
}

func (h *Handler) handleRollover(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !h.guardAdmin(w, r) {
		return
	}
	var req rolloverRequest
	if !h.decodeValid(w, r, &req) {
		return
	}
	reset, res, err := h.Service.RolloverPeriod(r.Context(), req.IdempotencyKey, req.Period)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeResult(w, http.StatusOK, map[string]any{"period": req.Period, "reset_count": reset}, res)
}

func (h *Handler) handleReconciliation(w http.ResponseWriter, r *http.Request, period string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if period == "" {
		writeError(w, http.StatusBadRequest, "period required")
		return
	}
	var rule core.PeriodRule
	if wanted := r.URL.Query().Get("due_weekday"); wanted != "" {
		weekday, ok := parseWeekday(wanted)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown due_weekday "+wanted)
			return
		}
		rule = core.FirstWeekdayRule(weekday)
	}
	result, err := h.Service.RunReconciliation(r.Context(), period, rule)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reconciliation": result})
}

type notifyRequest struct {
	Period     string `json:"period" validate:"required"`
	Channel    string `json:"channel" validate:"required,oneof=email chat"`
	DueWeekday string `json:"due_weekday"`
}

func (h *Handler) handleNotifyOverdue(w http.ResponseWriter, r *http.Request) {
	if h.Notifier == nil {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !h.guardAdmin(w, r) {
		return
	}
	var req notifyRequest
	if !h.decodeValid(w, r, &req) {
		return
	}
	var rule core.PeriodRule
	if req.DueWeekday != "" {
		weekday, ok := parseWeekday(req.DueWeekday)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown due_weekday "+req.DueWeekday)
			return
		}
		rule = core.FirstWeekdayRule(weekday)
	}
	run, err := h.Notifier.NotifyOverdue(r.Context(), req.Period, rule, notify.Channel(req.Channel))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"run": run})
}

type groupRequest struct {
	Name           string `json:"name" validate:"required"`
	Type           string `json:"type" validate:"required,oneof=organization track team"`
	ParentID       string `json:"parent_id"`
	LeaderMemberID string `json:"leader_member_id"`
}

func (h *Handler) handleGroups(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"groups": h.Service.ListGroups()})
	case http.MethodPost:
		var req groupRequest
		if !h.decodeValid(w, r, &req) {
			return
		}
		group := domain.Group{
			Name:           req.Name,
			Type:           domain.GroupType(req.Type),
			LeaderMemberID: req.LeaderMemberID,
		}
		if req.ParentID != "" {
			group.ParentID = &req.ParentID
		}
		created, res, err := h.Service.CreateGroup(r.Context(), SubjectFromContext(r.Context()), group)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeResult(w, http.StatusCreated, map[string]any{"group": created}, res)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

type groupUpdateRequest struct {
	Name           *string `json:"name"`
	ParentID       *string `json:"parent_id"`
	LeaderMemberID *string `json:"leader_member_id"`
}

type assignLeaderRequest struct {
	MemberID string `json:"member_id" validate:"required"`
}

func (h *Handler) handleGroup(w http.ResponseWriter, r *http.Request, remainder string) {
	segments := strings.Split(remainder, "/")
	id := segments[0]
	requester := SubjectFromContext(r.Context())

	if len(segments) == 2 && segments[1] == "leader" {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		var req assignLeaderRequest
		if !h.decodeValid(w, r, &req) {
			return
		}
		group, res, err := h.Service.AssignLeader(r.Context(), requester, id, req.MemberID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeResult(w, http.StatusOK, map[string]any{"group": group}, res)
		return
	}
	if len(segments) != 1 {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		group, ok := h.Service.GetGroup(id)
		if !ok {
			writeError(w, http.StatusNotFound, "group not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"group": group})
	case http.MethodPatch:
		var req groupUpdateRequest
		if !h.decodeValid(w, r, &req) {
			return
		}
		group, res, err := h.Service.UpdateGroup(r.Context(), requester, id, func(g *domain.Group) error {
			if req.Name != nil {
				g.Name = *req.Name
			}
			if req.ParentID != nil {
				if *req.ParentID == "" {
					g.ParentID = nil
				} else {
					g.ParentID = req.ParentID
				}
			}
			if req.LeaderMemberID != nil {
				g.LeaderMemberID = *req.LeaderMemberID
			}
			return nil
		})
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeResult(w, http.StatusOK, map[string]any{"group": group}, res)
	case http.MethodDelete:
		res, err := h.Service.DeleteGroup(r.Context(), requester, id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeResult(w, http.StatusOK, map[string]any{"deleted": id}, res)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

type relationRequest struct {
	Subject  string `json:"subject" validate:"required"`
	Relation string `json:"relation" validate:"required,oneof=admin leader member"`
	Resource string `json:"resource" validate:"required"`
}

func (h *Handler) handleRelations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		tuples := h.Service.ListRelationTuples()
		if resource := r.URL.Query().Get("resource"); resource != "" {
			filtered := tuples[:0]
			for _, t := range tuples {
				if t.Resource == resource {
					filtered = append(filtered, t)
				}
			}
			tuples = filtered
		}
		writeJSON(w, http.StatusOK, map[string]any{"relations": tuples})
	case http.MethodPost:
		var req relationRequest
		if !h.decodeValid(w, r, &req) {
			return
		}
		tuple, res, err := h.Service.GrantRelation(r.Context(), SubjectFromContext(r.Context()), req.Subject, req.Relation, req.Resource)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeResult(w, http.StatusCreated, map[string]any{"relation": tuple}, res)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (h *Handler) handleRelation(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	res, err := h.Service.RevokeRelation(r.Context(), SubjectFromContext(r.Context()), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeResult(w, http.StatusOK, map[string]any{"revoked": id}, res)
}

func (h *Handler) handleCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	q := r.URL.Query()
	subject := q.Get("subject")
	if subject == "" {
		subject = SubjectFromContext(r.Context())
	}
	permission := q.Get("permission")
	resource := q.Get("resource")
	if subject == "" || permission == "" || resource == "" {
		writeError(w, http.StatusBadRequest, "subject, permission and resource required")
		return
	}
	allowed, err := h.Service.Check(r.Context(), subject, permission, resource)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"subject":    subject,
		"permission": permission,
		"resource":   resource,
		"allowed":    allowed,
	})
}

type migrationSource struct {
	Name string              `json:"name" validate:"required"`
	Kind string              `json:"kind" validate:"required,oneof=member fee"`
	Rows []map[string]string `json:"rows" validate:"required"`
}

type migrationRequest struct {
	RunID     string            `json:"run_id"`
	BatchSize int               `json:"batch_size"`
	Sources   []migrationSource `json:"sources" validate:"required,min=1,dive"`
}

func (h *Handler) handleMigrations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !h.guardAdmin(w, r) {
		return
	}
	var req migrationRequest
	if !h.decodeValid(w, r, &req) {
		return
	}
	sources := make([]migrate.Source, 0, len(req.Sources))
	for _, src := range req.Sources {
		rows := make([]migrate.SourceRow, 0, len(src.Rows))
		for _, row := range src.Rows {
			rows = append(rows, migrate.SourceRow(row))
		}
		sources = append(sources, migrate.Source{Name: src.Name, Kind: migrate.RowKind(src.Kind), Rows: rows})
	}
	opts := []migrate.Option{}
	if req.RunID != "" {
		opts = append(opts, migrate.WithRunID(req.RunID))
	}
	if req.BatchSize > 0 {
		opts = append(opts, migrate.WithBatchSize(req.BatchSize))
	}
	if h.Archive != nil {
		opts = append(opts, migrate.WithArchiver(h.Archive), migrate.WithCheckpointStore(h.Archive))
	}
	report, err := h.Service.RunMigration(r.Context(), sources, opts...)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"report": report})
}

func (h *Handler) handleMigrationArtifacts(w http.ResponseWriter, r *http.Request, remainder string) {
	if h.Archive == nil {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	segments := strings.Split(remainder, "/")
	if len(segments) != 2 || segments[1] != "artifacts" {
		http.NotFound(w, r)
		return
	}
	infos, err := h.Archive.ListArtifacts(r.Context(), segments[0])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": segments[0], "artifacts": infos})
}

func (h *Handler) handleState(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if !h.guardAdmin(w, r) {
			return
		}
		snapshot, err := h.Service.ExportState(r.Context())
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, snapshot)
	case http.MethodPut:
		if !h.guardAdmin(w, r) {
			return
		}
		var snapshot domain.Snapshot
		if err := json.NewDecoder(r.Body).Decode(&snapshot); err != nil {
			writeError(w, http.StatusBadRequest, "invalid snapshot payload")
			return
		}
		if err := h.Service.ImportState(r.Context(), snapshot); err != nil {
			writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// decodeValid decodes the JSON body into dst and validates it. An empty body
// decodes to the zero value and fails validation on its required fields.
func (h *Handler) decodeValid(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && err.Error() != "EOF" {
		writeError(w, http.StatusBadRequest, "invalid request payload")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s: %s", fe.Field(), fe.Tag()))
			}
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "validation failed", "fields": fields})
			return false
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// parseDate accepts RFC3339 or a bare date; empty means unset.
func parseDate(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("want RFC3339 or YYYY-MM-DD, got %q", v)
}

func parseWeekday(v string) (time.Weekday, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "sunday":
		return time.Sunday, true
	case "monday":
		return time.Monday, true
	case "tuesday":
		return time.Tuesday, true
	case "wednesday":
		return time.Wednesday, true
	case "thursday":
		return time.Thursday, true
	case "friday":
		return time.Friday, true
	case "saturday":
		return time.Saturday, true
	}
	return 0, false
}

type violationPayload struct {
	Rule     string `json:"rule"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
	Entity   string `json:"entity,omitempty"`
	EntityID string `json:"entity_id,omitempty"`
}

func violationPayloads(res domain.Result) []violationPayload {
	out := make([]violationPayload, 0, len(res.Violations))
	for _, v := range res.Violations {
		out = append(out, violationPayload{
			Rule:     v.Rule,
			Severity: string(v.Severity),
			Message:  v.Message,
			Entity:   string(v.Entity),
			EntityID: v.EntityID,
		})
	}
	return out
}

// writeResult writes a success payload, attaching advisory rule warnings
// when the engine produced any.
func writeResult(w http.ResponseWriter, status int, payload map[string]any, res domain.Result) {
	if len(res.Violations) > 0 {
		payload["warnings"] = violationPayloads(res)
	}
	writeJSON(w, status, payload)
}

// writeDomainError maps the service error typology onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	var ruleErr domain.RuleViolationError
	switch {
	case errors.As(err, &ruleErr):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":      ruleErr.Error(),
			"violations": violationPayloads(ruleErr.Result),
		})
	case domain.IsInvalidArgument(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case domain.IsNotFound(err):
		writeError(w, http.StatusNotFound, err.Error())
	case domain.IsDuplicateConflict(err):
		writeError(w, http.StatusConflict, err.Error())
	case domain.IsPermissionDenied(err):
		writeError(w, http.StatusForbidden, err.Error())
	case domain.IsUpstreamUnavailable(err):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
