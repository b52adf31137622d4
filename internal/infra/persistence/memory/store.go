// Package memory provides an in-memory implementation of the core persistence
// store used for tests and ephemeral environments. It is also the transactional
// engine embedded by the durable drivers, which persist its exported snapshots.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"rostercore/pkg/domain"
	"rostercore/pkg/ident"
)

// Compile-time contract assertions ensuring memory.Store adheres to the domain persistence interfaces.
var (
	_ domain.PersistentStore = (*Store)(nil)
	_ domain.SnapshotStore   = (*Store)(nil)
)

type (
	// Member aliases domain.Member for in-memory persistence operations.
	Member = domain.Member
	// FeePayment aliases domain.FeePayment.
	FeePayment = domain.FeePayment
	// Group aliases domain.Group.
	Group = domain.Group
	// RelationTuple aliases domain.RelationTuple.
	RelationTuple = domain.RelationTuple
	// IntakeReceipt aliases domain.IntakeReceipt.
	IntakeReceipt = domain.IntakeReceipt
	// Change aliases domain.Change captured in transactions.
	Change = domain.Change
	// Result aliases domain.Result summarizing rule evaluation.
	Result = domain.Result
	// RulesEngine aliases domain.RulesEngine used to evaluate rules.
	RulesEngine = domain.RulesEngine
	// Transaction aliases domain.Transaction representing a mutable unit of work.
	Transaction = domain.Transaction
	// TransactionView aliases domain.TransactionView providing read-only state.
	TransactionView = domain.TransactionView
	// PersistentStore aliases domain.PersistentStore abstraction.
	PersistentStore = domain.PersistentStore
	// Snapshot aliases domain.Snapshot, the exported state form.
	Snapshot = domain.Snapshot
)

type memoryState struct {
	members   map[string]Member
	payments  map[string]FeePayment
	groups    map[string]Group
	relations map[string]RelationTuple
	receipts  map[string]IntakeReceipt
}

func newMemoryState() memoryState {
	return memoryState{
		members:   make(map[string]Member),
		payments:  make(map[string]FeePayment),
		groups:    make(map[string]Group),
		relations: make(map[string]RelationTuple),
		receipts:  make(map[string]IntakeReceipt),
	}
}

func snapshotFromMemoryState(state memoryState) Snapshot {
	s := Snapshot{
		Members:   make(map[string]Member, len(state.members)),
		Payments:  make(map[string]FeePayment, len(state.payments)),
		Groups:    make(map[string]Group, len(state.groups)),
		Relations: make(map[string]RelationTuple, len(state.relations)),
		Receipts:  make(map[string]IntakeReceipt, len(state.receipts)),
	}
	for k, v := range state.members {
		s.Members[k] = cloneMember(v)
	}
	for k, v := range state.payments {
		s.Payments[k] = clonePayment(v)
	}
	for k, v := range state.groups {
		s.Groups[k] = cloneGroup(v)
	}
	for k, v := range state.relations {
		s.Relations[k] = cloneTuple(v)
	}
	for k, v := range state.receipts {
		s.Receipts[k] = cloneReceipt(v)
	}
	return s
}

func memoryStateFromSnapshot(s Snapshot) memoryState {
	state := newMemoryState()
	for k, v := range s.Members {
		state.members[k] = cloneMember(v)
	}
	for k, v := range s.Payments {
		state.payments[k] = clonePayment(v)
	}
	for k, v := range s.Groups {
		state.groups[k] = cloneGroup(v)
	}
	for k, v := range s.Relations {
		state.relations[k] = cloneTuple(v)
	}
	for k, v := range s.Receipts {
		state.receipts[k] = cloneReceipt(v)
	}
	return state
}

// migrateSnapshot normalizes snapshots loaded from older persisted state:
// nil buckets become empty maps, member emails are re-normalized, and
// relation tuples collapsing to the same natural key keep the earliest row.
// Ledger rows are historical facts and are never dropped here, even when a
// referenced member is gone.
func migrateSnapshot(snapshot Snapshot) Snapshot {
	if snapshot.Members == nil {
		snapshot.Members = map[string]Member{}
	}
	if snapshot.Payments == nil {
		snapshot.Payments = map[string]FeePayment{}
	}
	if snapshot.Groups == nil {
		snapshot.Groups = map[string]Group{}
	}
	if snapshot.Relations == nil {
		snapshot.Relations = map[string]RelationTuple{}
	}
	if snapshot.Receipts == nil {
		snapshot.Receipts = map[string]IntakeReceipt{}
	}

	for id, member := range snapshot.Members {
		normalized := domain.NormalizeEmail(member.Email)
		if normalized != member.Email {
			member.Email = normalized
			snapshot.Members[id] = member
		}
	}

	seenTuples := make(map[string]RelationTuple, len(snapshot.Relations))
	for id, tuple := range snapshot.Relations {
		key := tuple.TupleKey()
		existing, ok := seenTuples[key]
		if !ok {
			seenTuples[key] = tuple
			continue
		}
		if tuple.CreatedAt.Before(existing.CreatedAt) {
			delete(snapshot.Relations, existing.ID)
			seenTuples[key] = tuple
			continue
		}
		delete(snapshot.Relations, id)
	}

	return snapshot
}

func (s memoryState) clone() memoryState {
	cloned := newMemoryState()
	for k, v := range s.members {
		cloned.members[k] = cloneMember(v)
	}
	for k, v := range s.payments {
		cloned.payments[k] = clonePayment(v)
	}
	for k, v := range s.groups {
		cloned.groups[k] = cloneGroup(v)
	}
	for k, v := range s.relations {
		cloned.relations[k] = cloneTuple(v)
	}
	for k, v := range s.receipts {
		cloned.receipts[k] = cloneReceipt(v)
	}
	return cloned
}

func cloneMember(m Member) Member { return m }

func clonePayment(p FeePayment) FeePayment { return p }

func cloneGroup(g Group) Group {
	cp := g
	if g.ParentID != nil {
		parent := *g.ParentID
		cp.ParentID = &parent
	}
	return cp
}

func cloneTuple(t RelationTuple) RelationTuple { return t }

func cloneReceipt(r IntakeReceipt) IntakeReceipt { return r }

// Store provides an in-memory transactional store for the core domain.
// Mutations run under a store-wide writer lock: the commit cycle clones the
// state, applies the transaction, evaluates rules, then swaps the state in.
// This serializes read-then-write sequences on the same member so concurrent
// triggers cannot interleave into a lost update.
type Store struct {
	mu     sync.RWMutex
	state  memoryState
	engine *RulesEngine
	nowFn  func() time.Time
	idFn   func(ident.Prefix) string
}

// NewStore constructs an in-memory store backed by the provided rules engine.
func NewStore(engine *RulesEngine) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	return &Store{
		state:  newMemoryState(),
		engine: engine,
		nowFn:  func() time.Time { return time.Now().UTC() },
		idFn:   ident.New,
	}
}

func (s *Store) newID(prefix ident.Prefix) string {
	return s.idFn(prefix)
}

// ExportState clones the current store state for external persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotFromMemoryState(s.state)
}

// ImportState replaces the store state with the provided snapshot.
func (s *Store) ImportState(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = memoryStateFromSnapshot(migrateSnapshot(snapshot))
}

// RulesEngine exposes the currently configured engine.
func (s *Store) RulesEngine() *RulesEngine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// NowFunc returns the time provider used by the in-memory store.
func (s *Store) NowFunc() func() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nowFn
}

// transaction represents a mutation set applied to the store state.
type transaction struct {
	store   *Store
	state   memoryState
	changes []Change
	now     time.Time
}

// transactionView exposes a read-only snapshot of the transactional state to rules.
type transactionView struct {
	state *memoryState
}

func newTransactionView(state *memoryState) TransactionView {
	return transactionView{state: state}
}

// ListMembers returns all members within the snapshot.
func (v transactionView) ListMembers() []Member {
	out := make([]Member, 0, len(v.state.members))
	for _, m := range v.state.members {
		out = append(out, cloneMember(m))
	}
	return out
}

// ListFeePayments returns all ledger rows within the snapshot.
func (v transactionView) ListFeePayments() []FeePayment {
	out := make([]FeePayment, 0, len(v.state.payments))
	for _, p := range v.state.payments {
		out = append(out, clonePayment(p))
	}
	return out
}

// ListGroups returns all hierarchy nodes within the snapshot.
func (v transactionView) ListGroups() []Group {
	out := make([]Group, 0, len(v.state.groups))
	for _, g := range v.state.groups {
		out = append(out, cloneGroup(g))
	}
	return out
}

// ListRelationTuples returns all persisted authorization facts.
func (v transactionView) ListRelationTuples() []RelationTuple {
	out := make([]RelationTuple, 0, len(v.state.relations))
	for _, t := range v.state.relations {
		out = append(out, cloneTuple(t))
	}
	return out
}

// FindMember retrieves a member by ID from the snapshot.
func (v transactionView) FindMember(id string) (Member, bool) {
	m, ok := v.state.members[id]
	if !ok {
		return Member{}, false
	}
	return cloneMember(m), true
}

// FindGroup retrieves a group by ID from the snapshot.
func (v transactionView) FindGroup(id string) (Group, bool) {
	g, ok := v.state.groups[id]
	if !ok {
		return Group{}, false
	}
	return cloneGroup(g), true
}

// FindMemberByEmail resolves the unique member whose email matches
// case-insensitively. More than one match surfaces as a data integrity
// violation, never as a silent pick.
func (v transactionView) FindMemberByEmail(email string) (Member, error) {
	return findMemberByEmail(v.state.members, email)
}

func findMemberByEmail(members map[string]Member, email string) (Member, error) {
	normalized := domain.NormalizeEmail(email)
	if normalized == "" {
		return Member{}, domain.ErrInvalidArgument{Field: "email", Reason: "empty"}
	}
	var (
		found   Member
		matches int
	)
	for _, m := range members {
		if domain.NormalizeEmail(m.Email) == normalized {
			found = m
			matches++
		}
	}
	switch matches {
	case 0:
		return Member{}, domain.ErrNotFound{Entity: domain.EntityMember, Ref: normalized}
	case 1:
		return cloneMember(found), nil
	default:
		return Member{}, domain.ErrDataIntegrity{
			Entity: domain.EntityMember,
			Ref:    normalized,
			Reason: fmt.Sprintf("email resolves to %d members", matches),
		}
	}
}

// RunInTransaction executes fn within a transactional copy of the store state.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx Transaction) error) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &transaction{
		store: s,
		state: s.state.clone(),
		now:   s.nowFn(),
	}

	if err := fn(tx); err != nil {
		return Result{}, err
	}

	var result Result
	if s.engine != nil {
		view := newTransactionView(&tx.state)
		res, err := s.engine.Evaluate(ctx, view, tx.changes)
		if err != nil {
			return Result{}, err
		}
		result = res
		if res.HasBlocking() {
			return res, domain.RuleViolationError{Result: res}
		}
	}

	s.state = tx.state
	return result, nil
}

// View executes fn against a read-only snapshot of the store state.
func (s *Store) View(_ context.Context, fn func(TransactionView) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := s.state.clone()
	view := newTransactionView(&snapshot)
	return fn(view)
}

func (tx *transaction) recordChange(change Change) {
	tx.changes = append(tx.changes, change)
}

// Snapshot returns a read-only view over the transactional state.
func (tx *transaction) Snapshot() TransactionView {
	return newTransactionView(&tx.state)
}

// FindMember exposes member lookup within the transaction scope.
func (tx *transaction) FindMember(id string) (Member, bool) {
	m, ok := tx.state.members[id]
	if !ok {
		return Member{}, false
	}
	return cloneMember(m), true
}

// FindMemberByEmail resolves a member by normalized email within the transaction scope.
func (tx *transaction) FindMemberByEmail(email string) (Member, error) {
	return findMemberByEmail(tx.state.members, email)
}

// FindFeePayment exposes ledger row lookup within the transaction scope.
func (tx *transaction) FindFeePayment(id string) (FeePayment, bool) {
	p, ok := tx.state.payments[id]
	if !ok {
		return FeePayment{}, false
	}
	return clonePayment(p), true
}

// FindGroup exposes group lookup within the transaction scope.
func (tx *transaction) FindGroup(id string) (Group, bool) {
	g, ok := tx.state.groups[id]
	if !ok {
		return Group{}, false
	}
	return cloneGroup(g), true
}

// FindIntakeReceipt exposes receipt lookup by idempotency key within the transaction scope.
func (tx *transaction) FindIntakeReceipt(key string) (IntakeReceipt, bool) {
	r, ok := tx.state.receipts[key]
	if !ok {
		return IntakeReceipt{}, false
	}
	return cloneReceipt(r), true
}

// CreateMember stores a new member after normalizing and uniqueness-checking
// its email. The generated ID is immutable afterwards.
func (tx *transaction) CreateMember(m Member) (Member, error) {
	if m.ID == "" {
		m.ID = tx.store.newID(ident.Member)
	}
	if _, exists := tx.state.members[m.ID]; exists {
		return Member{}, domain.ErrDuplicateConflict{Entity: domain.EntityMember, Field: "id", Value: m.ID}
	}
	m.Email = domain.NormalizeEmail(m.Email)
	if m.Email == "" {
		return Member{}, domain.ErrInvalidArgument{Field: "email", Reason: "required"}
	}
	if err := tx.assertEmailFree(m.Email, m.ID); err != nil {
		return Member{}, err
	}
	m.CreatedAt = tx.now
	m.UpdatedAt = tx.now
	tx.state.members[m.ID] = cloneMember(m)
	tx.recordChange(Change{Entity: domain.EntityMember, Action: domain.ActionCreate, After: cloneMember(m)})
	return cloneMember(m), nil
}

// UpdateMember mutates a member using the provided mutator function. The ID
// is restored after mutation so it can never change.
func (tx *transaction) UpdateMember(id string, mutator func(*Member) error) (Member, error) {
	current, ok := tx.state.members[id]
	if !ok {
		return Member{}, domain.ErrNotFound{Entity: domain.EntityMember, Ref: id}
	}
	before := cloneMember(current)
	if err := mutator(&current); err != nil {
		return Member{}, err
	}
	current.ID = id
	current.Email = domain.NormalizeEmail(current.Email)
	if current.Email == "" {
		return Member{}, domain.ErrInvalidArgument{Field: "email", Reason: "required"}
	}
	if err := tx.assertEmailFree(current.Email, id); err != nil {
		return Member{}, err
	}
	current.UpdatedAt = tx.now
	tx.state.members[id] = cloneMember(current)
	tx.recordChange(Change{Entity: domain.EntityMember, Action: domain.ActionUpdate, Before: before, After: cloneMember(current)})
	return cloneMember(current), nil
}

func (tx *transaction) assertEmailFree(normalized, selfID string) error {
	for _, existing := range tx.state.members {
		if existing.ID == selfID {
			continue
		}
		if domain.NormalizeEmail(existing.Email) == normalized {
			return domain.ErrDuplicateConflict{Entity: domain.EntityMember, Field: "email", Value: normalized}
		}
	}
	return nil
}

// CreateFeePayment appends an immutable ledger row. The referenced member must
// exist and the amount must be positive; there is no update or delete.
func (tx *transaction) CreateFeePayment(p FeePayment) (FeePayment, error) {
	if p.ID == "" {
		p.ID = tx.store.newID(ident.Fee)
	}
	if _, exists := tx.state.payments[p.ID]; exists {
		return FeePayment{}, domain.ErrDuplicateConflict{Entity: domain.EntityFeePayment, Field: "id", Value: p.ID}
	}
	if p.Amount <= 0 {
		return FeePayment{}, domain.ErrInvalidArgument{Field: "amount", Reason: "must be a positive integer"}
	}
	if p.Period == "" {
		return FeePayment{}, domain.ErrInvalidArgument{Field: "period", Reason: "required"}
	}
	if _, ok := tx.state.members[p.MemberID]; !ok {
		return FeePayment{}, domain.ErrNotFound{Entity: domain.EntityMember, Ref: p.MemberID}
	}
	p.CreatedAt = tx.now
	p.UpdatedAt = tx.now
	tx.state.payments[p.ID] = clonePayment(p)
	tx.recordChange(Change{Entity: domain.EntityFeePayment, Action: domain.ActionCreate, After: clonePayment(p)})
	return clonePayment(p), nil
}

// CreateGroup stores a new hierarchy node.
func (tx *transaction) CreateGroup(g Group) (Group, error) {
	if g.ID == "" {
		g.ID = tx.store.newID(ident.Group)
	}
	if _, exists := tx.state.groups[g.ID]; exists {
		return Group{}, domain.ErrDuplicateConflict{Entity: domain.EntityGroup, Field: "id", Value: g.ID}
	}
	if g.Name == "" {
		return Group{}, domain.ErrInvalidArgument{Field: "name", Reason: "required"}
	}
	if !g.Type.Valid() {
		return Group{}, domain.ErrInvalidArgument{Field: "type", Reason: fmt.Sprintf("unknown group type %q", g.Type)}
	}
	if g.ParentID != nil {
		if _, ok := tx.state.groups[*g.ParentID]; !ok {
			return Group{}, domain.ErrNotFound{Entity: domain.EntityGroup, Ref: *g.ParentID}
		}
	}
	g.CreatedAt = tx.now
	g.UpdatedAt = tx.now
	tx.state.groups[g.ID] = cloneGroup(g)
	tx.recordChange(Change{Entity: domain.EntityGroup, Action: domain.ActionCreate, After: cloneGroup(g)})
	return cloneGroup(g), nil
}

// UpdateGroup mutates an existing hierarchy node.
func (tx *transaction) UpdateGroup(id string, mutator func(*Group) error) (Group, error) {
	current, ok := tx.state.groups[id]
	if !ok {
		return Group{}, domain.ErrNotFound{Entity: domain.EntityGroup, Ref: id}
	}
	before := cloneGroup(current)
	if err := mutator(&current); err != nil {
		return Group{}, err
	}
	current.ID = id
	if current.Name == "" {
		return Group{}, domain.ErrInvalidArgument{Field: "name", Reason: "required"}
	}
	if !current.Type.Valid() {
		return Group{}, domain.ErrInvalidArgument{Field: "type", Reason: fmt.Sprintf("unknown group type %q", current.Type)}
	}
	if current.ParentID != nil {
		if _, ok := tx.state.groups[*current.ParentID]; !ok {
			return Group{}, domain.ErrNotFound{Entity: domain.EntityGroup, Ref: *current.ParentID}
		}
	}
	current.UpdatedAt = tx.now
	tx.state.groups[id] = cloneGroup(current)
	tx.recordChange(Change{Entity: domain.EntityGroup, Action: domain.ActionUpdate, Before: before, After: cloneGroup(current)})
	return cloneGroup(current), nil
}

// DeleteGroup removes a hierarchy node that nothing references.
func (tx *transaction) DeleteGroup(id string) error {
	current, ok := tx.state.groups[id]
	if !ok {
		return domain.ErrNotFound{Entity: domain.EntityGroup, Ref: id}
	}
	for _, other := range tx.state.groups {
		if other.ParentID != nil && *other.ParentID == id {
			return fmt.Errorf("group %q still referenced as parent by group %q", id, other.ID)
		}
	}
	delete(tx.state.groups, id)
	tx.recordChange(Change{Entity: domain.EntityGroup, Action: domain.ActionDelete, Before: cloneGroup(current)})
	return nil
}

// CreateRelationTuple stores a new authorization fact. Tuples are unique by
// (subject, relation, resource).
func (tx *transaction) CreateRelationTuple(t RelationTuple) (RelationTuple, error) {
	if t.Subject == "" || t.Relation == "" || t.Resource == "" {
		return RelationTuple{}, domain.ErrInvalidArgument{Field: "relation_tuple", Reason: "subject, relation and resource are required"}
	}
	if t.ID == "" {
		t.ID = tx.store.newID(ident.Relation)
	}
	if _, exists := tx.state.relations[t.ID]; exists {
		return RelationTuple{}, domain.ErrDuplicateConflict{Entity: domain.EntityRelationTuple, Field: "id", Value: t.ID}
	}
	key := t.TupleKey()
	for _, existing := range tx.state.relations {
		if existing.TupleKey() == key {
			return RelationTuple{}, domain.ErrDuplicateConflict{Entity: domain.EntityRelationTuple, Field: "tuple", Value: key}
		}
	}
	t.CreatedAt = tx.now
	t.UpdatedAt = tx.now
	tx.state.relations[t.ID] = cloneTuple(t)
	tx.recordChange(Change{Entity: domain.EntityRelationTuple, Action: domain.ActionCreate, After: cloneTuple(t)})
	return cloneTuple(t), nil
}

// DeleteRelationTuple removes an authorization fact.
func (tx *transaction) DeleteRelationTuple(id string) error {
	current, ok := tx.state.relations[id]
	if !ok {
		return domain.ErrNotFound{Entity: domain.EntityRelationTuple, Ref: id}
	}
	delete(tx.state.relations, id)
	tx.recordChange(Change{Entity: domain.EntityRelationTuple, Action: domain.ActionDelete, Before: cloneTuple(current)})
	return nil
}

// PutIntakeReceipt records an idempotency receipt. A duplicate key signals a
// racing redelivery and is surfaced as a conflict for the caller to replay.
func (tx *transaction) PutIntakeReceipt(r IntakeReceipt) (IntakeReceipt, error) {
	if r.Key == "" {
		return IntakeReceipt{}, domain.ErrInvalidArgument{Field: "idempotency_key", Reason: "required"}
	}
	if _, exists := tx.state.receipts[r.Key]; exists {
		return IntakeReceipt{}, domain.ErrDuplicateConflict{Entity: domain.EntityIntakeReceipt, Field: "key", Value: r.Key}
	}
	r.CreatedAt = tx.now
	tx.state.receipts[r.Key] = cloneReceipt(r)
	tx.recordChange(Change{Entity: domain.EntityIntakeReceipt, Action: domain.ActionCreate, After: cloneReceipt(r)})
	return cloneReceipt(r), nil
}

// GetMember returns a member by ID from committed state.
func (s *Store) GetMember(id string) (Member, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.state.members[id]
	if !ok {
		return Member{}, false
	}
	return cloneMember(m), true
}

// ListMembers returns all committed members.
func (s *Store) ListMembers() []Member {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Member, 0, len(s.state.members))
	for _, m := range s.state.members {
		out = append(out, cloneMember(m))
	}
	return out
}

// GetGroup returns a group by ID from committed state.
func (s *Store) GetGroup(id string) (Group, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.state.groups[id]
	if !ok {
		return Group{}, false
	}
	return cloneGroup(g), true
}

// ListGroups returns all committed groups.
func (s *Store) ListGroups() []Group {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Group, 0, len(s.state.groups))
	for _, g := range s.state.groups {
		out = append(out, cloneGroup(g))
	}
	return out
}

// GetFeePayment returns a ledger row by ID from committed state.
func (s *Store) GetFeePayment(id string) (FeePayment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.state.payments[id]
	if !ok {
		return FeePayment{}, false
	}
	return clonePayment(p), true
}

// ListFeePayments returns all committed ledger rows.
func (s *Store) ListFeePayments() []FeePayment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]FeePayment, 0, len(s.state.payments))
	for _, p := range s.state.payments {
		out = append(out, clonePayment(p))
	}
	return out
}

// ListRelationTuples returns all committed authorization facts.
func (s *Store) ListRelationTuples() []RelationTuple {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RelationTuple, 0, len(s.state.relations))
	for _, t := range s.state.relations {
		out = append(out, cloneTuple(t))
	}
	return out
}
