// Package domain defines the core persistent entities, value types, and
// rule evaluation primitives used by rostercore.
package domain

import (
	"strings"
	"time"
)

// EntityType identifies the type of record stored in the core domain.
type EntityType string

// Supported entity type identifiers used in Change records and persistence buckets.
const (
	// EntityMember identifies a roster member record.
	EntityMember EntityType = "member"
	// EntityFeePayment identifies an append-only fee ledger row.
	EntityFeePayment EntityType = "fee_payment"
	// EntityGroup identifies a node of the organization/track/team hierarchy.
	EntityGroup EntityType = "group"
	// EntityRelationTuple identifies a persisted authorization fact.
	EntityRelationTuple EntityType = "relation_tuple"
	// EntityIntakeReceipt identifies an idempotency receipt recorded at the intake boundary.
	EntityIntakeReceipt EntityType = "intake_receipt"
)

// MemberStatus represents the canonical member lifecycle states owned by the
// state machine.
type MemberStatus string

// Canonical member statuses. Alumni is terminal: members are never hard-deleted,
// they are archived by entering this state.
const (
	// StatusBeginner indicates a newly registered member in onboarding.
	StatusBeginner MemberStatus = "beginner"
	// StatusRegular indicates a full fee-paying member.
	StatusRegular MemberStatus = "regular"
	StatusMentor  MemberStatus = "mentor"
	StatusAlumni  MemberStatus = "alumni"
)

// Valid reports whether the status is one of the canonical values.
func (s MemberStatus) Valid() bool {
	switch s {
	case StatusBeginner, StatusRegular, StatusMentor, StatusAlumni:
		return true
	}
	return false
}

// ParseMemberStatus normalizes free-form input into a canonical status.
func ParseMemberStatus(raw string) (MemberStatus, bool) {
	s := MemberStatus(strings.ToLower(strings.TrimSpace(raw)))
	return s, s.Valid()
}

// PaymentStatus represents the fee side of the member joint state.
type PaymentStatus string

// Canonical payment statuses. PaymentUnset is a legacy value imported from
// historical data and is treated as PaymentUnpaid by all reconciliation logic.
const (
	PaymentUnpaid PaymentStatus = "unpaid"
	PaymentPaid   PaymentStatus = "paid"
	PaymentExempt PaymentStatus = "exempt"
	PaymentUnset  PaymentStatus = "unset"
)

// Valid reports whether the payment status is one of the canonical values.
func (p PaymentStatus) Valid() bool {
	switch p {
	case PaymentUnpaid, PaymentPaid, PaymentExempt, PaymentUnset:
		return true
	}
	return false
}

// Outstanding reports whether the status counts as owing for reconciliation.
// Unset rows are legacy unpaid rows.
func (p PaymentStatus) Outstanding() bool {
	return p == PaymentUnpaid || p == PaymentUnset
}

// PaymentMethod enumerates accepted payment channels for ledger rows.
type PaymentMethod string

// Canonical payment methods.
const (
	MethodBankTransfer  PaymentMethod = "bank_transfer"
	MethodCash          PaymentMethod = "cash"
	MethodMobilePayment PaymentMethod = "mobile_payment"
)

// Valid reports whether the payment method is one of the canonical values.
func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodBankTransfer, MethodCash, MethodMobilePayment:
		return true
	}
	return false
}

// ParsePaymentMethod normalizes free-form input into a canonical method.
func ParsePaymentMethod(raw string) (PaymentMethod, bool) {
	m := PaymentMethod(strings.ToLower(strings.TrimSpace(raw)))
	return m, m.Valid()
}

// GroupType enumerates the levels of the group hierarchy.
type GroupType string

// Canonical group types, ordered root-first.
const (
	GroupOrganization GroupType = "organization"
	GroupTrack        GroupType = "track"
	GroupTeam         GroupType = "team"
)

// Valid reports whether the group type is one of the canonical values.
func (g GroupType) Valid() bool {
	switch g {
	case GroupOrganization, GroupTrack, GroupTeam:
		return true
	}
	return false
}

// Severity describes the enforcement level of a rule violation.
type Severity string

const (
	// SeverityBlock blocks transaction commit.
	SeverityBlock Severity = "block"
	// SeverityWarn logs a warning but allows commit.
	SeverityWarn Severity = "warn"
)

// Base carries the identity and timestamps shared by persisted entities.
type Base struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Member represents a roster member. The ID is immutable after creation and is
// the only foreign key other entities may reference; email is a human-facing
// lookup key, unique after normalization, and never used as a reference.
type Member struct {
	Base
	Email         string        `json:"email"`
	Name          string        `json:"name"`
	Status        MemberStatus  `json:"status"`
	PaymentStatus PaymentStatus `json:"payment_status"`
	Track         string        `json:"track,omitempty"`
	Team          string        `json:"team,omitempty"`
	JoinDate      time.Time     `json:"join_date"`
}

// NormalizeEmail lowercases and trims an email for storage and lookup.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// FeePayment is an append-only ledger row. A row exists only when a payment was
// actually received; there are no invoice or pending rows. Rows are immutable
// once written; corrections are additional rows, never in-place edits.
type FeePayment struct {
	Base
	MemberID string        `json:"member_id"`
	Amount   int64         `json:"amount"`
	PaidDate time.Time     `json:"paid_date"`
	Method   PaymentMethod `json:"payment_method"`
	Period   string        `json:"period"`
	Notes    string        `json:"notes,omitempty"`
}

// Group is a node in the organization/track/team hierarchy. ParentID chains
// form a materialized-path tree that must stay acyclic and terminate at a root
// node within bounded depth.
type Group struct {
	Base
	Name           string    `json:"name"`
	Type           GroupType `json:"type"`
	ParentID       *string   `json:"parent_id,omitempty"`
	LeaderMemberID string    `json:"leader_member_id,omitempty"`
}

// RelationTuple is a persisted authorization fact (subject, relation,
// resource), e.g. (user:alice, admin, organization:bcsdlab). Permissions are
// computed from tuples and the group tree, never stored.
type RelationTuple struct {
	Base
	Subject  string `json:"subject"`
	Relation string `json:"relation"`
	Resource string `json:"resource"`
}

// TupleKey returns the natural uniqueness key of the tuple.
func (t RelationTuple) TupleKey() string {
	return t.Subject + "#" + t.Relation + "@" + t.Resource
}

// IntakeReceipt records the outcome of an intake trigger keyed by the caller's
// idempotency key so that at-least-once redelivery of the same logical trigger
// replays the original result instead of writing twice.
type IntakeReceipt struct {
	Key       string    `json:"key"`
	Operation string    `json:"operation"`
	ResultID  string    `json:"result_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Snapshot captures a point-in-time clone of the full store state, keyed by
// entity ID (receipts by idempotency key). Used for driver persistence and
// state export/import.
type Snapshot struct {
	Members   map[string]Member        `json:"members"`
	Payments  map[string]FeePayment    `json:"payments"`
	Groups    map[string]Group         `json:"groups"`
	Relations map[string]RelationTuple `json:"relations"`
	Receipts  map[string]IntakeReceipt `json:"receipts"`
}

// Change captures a single entity mutation inside a transaction for rule
// evaluation and audit.
type Change struct {
	Entity EntityType
	Action Action
	Before any
	After  any
}

// Action indicates the type of modification performed.
type Action string

// Change actions enumerate supported mutations captured for rules and audit.
const (
	// ActionCreate indicates an entity was created.
	ActionCreate Action = "create"
	// ActionUpdate indicates an entity was updated.
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Violation reports a failed rule evaluation.
type Violation struct {
	Rule     string
	Severity Severity
	Message  string
	Entity   EntityType
	EntityID string
}

// Result aggregates violations from the rules engine.
type Result struct {
	Violations []Violation
}

// Merge appends violations from another result.
func (r *Result) Merge(other Result) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking returns true if the result contains blocking violations.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// RuleViolationError is returned when blocking violations are present.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	return "transaction blocked by rules"
}
