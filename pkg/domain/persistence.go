package domain

import "context"

// Transaction exposes the domain operations that a persistence implementation
// must support within an atomic scope. The ledger is append-only by
// construction: there is no update or delete operation for fee payments, and
// members are archived through the state machine rather than deleted.
type Transaction interface {
	Snapshot() TransactionView
	CreateMember(Member) (Member, error)
	UpdateMember(id string, mutator func(*Member) error) (Member, error)
	CreateFeePayment(FeePayment) (FeePayment, error)
	CreateGroup(Group) (Group, error)
	UpdateGroup(id string, mutator func(*Group) error) (Group, error)
	DeleteGroup(id string) error
	CreateRelationTuple(RelationTuple) (RelationTuple, error)
	DeleteRelationTuple(id string) error
	PutIntakeReceipt(IntakeReceipt) (IntakeReceipt, error)
	FindMember(id string) (Member, bool)
	FindMemberByEmail(email string) (Member, error)
	FindFeePayment(id string) (FeePayment, bool)
	FindGroup(id string) (Group, bool)
	FindIntakeReceipt(key string) (IntakeReceipt, bool)
}

// TransactionView provides read-only access to snapshot data for rules and
// pure-read operations such as reconciliation and authorization checks.
type TransactionView interface {
	RuleView
}

// PersistentStore is a minimal abstraction over durable backends. It mirrors
// the subset of store capabilities used directly by higher layers.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error)
	View(ctx context.Context, fn func(TransactionView) error) error
	GetMember(id string) (Member, bool)
	ListMembers() []Member
	GetGroup(id string) (Group, bool)
	ListGroups() []Group
	GetFeePayment(id string) (FeePayment, bool)
	ListFeePayments() []FeePayment
	ListRelationTuples() []RelationTuple
}

// SnapshotStore is implemented by stores that can export and import their full
// state, used for backups and for moving data between drivers.
type SnapshotStore interface {
	ExportState() Snapshot
	ImportState(Snapshot)
}
