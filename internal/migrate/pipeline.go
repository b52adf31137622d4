// Package migrate implements the one-shot legacy import pipeline: column
// mapping, validation, most-recent-wins deduplication, an activity filter,
// and checkpointed batch commits into the persistent store.
package migrate

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"rostercore/pkg/domain"
)

// defaultBatchSize bounds rows per store transaction, keeping commits inside
// adapter-side throughput limits.
const defaultBatchSize = 100

// Logger matches the method set of *slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// CheckpointStore persists batch progress per run id so an interrupted run
// can resume without re-committing batches.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, runID string, payload []byte) error
	LoadCheckpoint(ctx context.Context, runID string) ([]byte, bool, error)
}

// Archiver persists run artifacts (report, review sink) for manual sign-off.
type Archiver interface {
	Archive(ctx context.Context, runID, name string, payload []byte) error
}

// Pipeline runs legacy imports against a persistent store.
type Pipeline struct {
	store       domain.PersistentStore
	logger      Logger
	nowFn       func() time.Time
	batchSize   int
	runID       string
	reference   time.Time
	checkpoints CheckpointStore
	archiver    Archiver
}

// Option customizes pipeline construction.
type Option func(*Pipeline)

// WithBatchSize bounds how many rows commit per store transaction.
func WithBatchSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

// WithRunID pins the run id, required to resume an interrupted run. When
// unset every run gets a fresh id.
func WithRunID(id string) Option {
	return func(p *Pipeline) { p.runID = id }
}

// WithLogger installs a structured logger.
func WithLogger(logger Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithClock overrides the pipeline time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.nowFn = now
		}
	}
}

// WithReference anchors the activity filter at a fixed instant instead of the
// pipeline clock.
func WithReference(t time.Time) Option {
	return func(p *Pipeline) { p.reference = t }
}

// WithCheckpointStore enables resumable commits.
func WithCheckpointStore(cs CheckpointStore) Option {
	return func(p *Pipeline) { p.checkpoints = cs }
}

// WithArchiver enables artifact archiving after each run.
func WithArchiver(a Archiver) Option {
	return func(p *Pipeline) { p.archiver = a }
}

// New constructs a pipeline over the store.
func New(store domain.PersistentStore, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:     store,
		logger:    noopLogger{},
		nowFn:     func() time.Time { return time.Now().UTC() },
		batchSize: defaultBatchSize,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// plannedRow is one store write scheduled for batch commit.
type plannedRow struct {
	kind   RowKind
	member memberRow
	fee    feeRow
}

// Run executes the full pipeline over the sources. Row-level failures land in
// the report's error sink; only transaction-level failures (driver errors,
// checkpoint write failures, cancellation) return an error, and those runs
// resume from the checkpoint when rerun with the same run id.
func (p *Pipeline) Run(ctx context.Context, sources []Source) (Report, error) {
	report := Report{RunID: p.runID, StartedAt: p.nowFn()}
	if report.RunID == "" {
		report.RunID = uuid.NewString()
	}

	members, fees := p.collect(sources, &report)

	kept, review := dedupMembers(members)
	report.DuplicatesForReview = review
	if len(review)*10 > report.InputRows {
		report.Warning = fmt.Sprintf("duplicate rows are %d of %d input rows (over 10%%); manual sign-off required before the output is final", len(review), report.InputRows)
		p.logger.Warn("high duplicate rate", "run_id", report.RunID, "duplicates", len(review), "input_rows", report.InputRows)
	}

	reference := p.reference
	if reference.IsZero() {
		reference = p.nowFn()
	}
	alive, skipped := filterActive(kept, reference)
	report.Skipped = skipped

	plannedFees := p.resolveFeeRefs(ctx, alive, fees, &report)

	batches := planBatches(alive, plannedFees, p.batchSize)
	report.Batches = len(batches)

	checkpoint, err := p.loadCheckpoint(ctx, report.RunID)
	if err != nil {
		return report, err
	}
	resumedAt := checkpoint.NextBatch
	if resumedAt > 0 {
		p.logger.Info("resuming migration", "run_id", report.RunID, "next_batch", resumedAt, "committed", checkpoint.Committed)
	}

	commitErrors := 0
	for idx, batch := range batches {
		if idx < checkpoint.NextBatch {
			continue
		}
		if err := ctx.Err(); err != nil {
			report.Checkpoint = checkpoint
			p.finish(ctx, &report)
			return report, fmt.Errorf("migration interrupted before batch %d: %w", idx, err)
		}
		created, rowErrs, err := p.commitBatch(ctx, batch)
		if err != nil {
			report.Checkpoint = checkpoint
			p.finish(ctx, &report)
			return report, fmt.Errorf("commit batch %d: %w", idx, err)
		}
		report.Errors = append(report.Errors, rowErrs...)
		commitErrors += len(rowErrs)
		report.Migrated += created
		checkpoint = Checkpoint{RunID: report.RunID, NextBatch: idx + 1, Committed: checkpoint.Committed + created}
		if err := p.saveCheckpoint(ctx, checkpoint); err != nil {
			report.Checkpoint = checkpoint
			p.finish(ctx, &report)
			return report, err
		}
	}
	report.Checkpoint = checkpoint

	// Post-commit row-count reconciliation: every planned row this run must be
	// accounted for as a store-acknowledged create or a sink entry.
	planned := 0
	for idx, batch := range batches {
		if idx >= resumedAt {
			planned += len(batch)
		}
	}
	if report.Migrated+commitErrors != planned {
		p.finish(ctx, &report)
		return report, domain.ErrDataIntegrity{
			Entity: domain.EntityMember,
			Ref:    report.RunID,
			Reason: fmt.Sprintf("committed %d rows plus %d commit errors does not cover %d planned rows", report.Migrated, commitErrors, planned),
		}
	}

	p.finish(ctx, &report)
	p.logger.Info("migration run complete",
		"run_id", report.RunID,
		"input_rows", report.InputRows,
		"migrated", report.Migrated,
		"skipped", report.Skipped,
		"errors", len(report.Errors),
		"duplicates", len(report.DuplicatesForReview),
		"batches", report.Batches,
	)
	return report, nil
}

// collect runs column mapping and validation over every source, returning the
// canonical rows and filling the error sink.
func (p *Pipeline) collect(sources []Source, report *Report) ([]memberRow, []feeRow) {
	var members []memberRow
	var fees []feeRow
	for _, src := range sources {
		mapping := src.Mapping
		if mapping == nil {
			mapping = defaultMapping(src.Kind)
		}
		for i, raw := range src.Rows {
			report.InputRows++
			switch src.Kind {
			case KindMember:
				row, reason := buildMemberRow(src.Name, i, raw, mapping)
				if reason != "" {
					report.Errors = append(report.Errors, RowError{Source: src.Name, Index: i, Row: raw, Reason: reason})
					continue
				}
				members = append(members, row)
			case KindFee:
				row, reason := buildFeeRow(src.Name, i, raw, mapping)
				if reason != "" {
					report.Errors = append(report.Errors, RowError{Source: src.Name, Index: i, Row: raw, Reason: reason})
					continue
				}
				fees = append(fees, row)
			default:
				report.Errors = append(report.Errors, RowError{Source: src.Name, Index: i, Row: raw, Reason: fmt.Sprintf("unknown row kind %q", src.Kind)})
			}
		}
	}
	return members, fees
}

// resolveFeeRefs drops fee rows whose member reference resolves neither to a
// row surviving this run nor to a member already in the store. Resolution is
// re-checked authoritatively at commit time; this pass only keeps the error
// close to the input.
func (p *Pipeline) resolveFeeRefs(ctx context.Context, alive []memberRow, fees []feeRow, report *Report) []feeRow {
	planned := make(map[string]struct{}, len(alive))
	for _, m := range alive {
		planned[m.Email] = struct{}{}
	}
	var out []feeRow
	for _, fee := range fees {
		if _, ok := planned[fee.MemberEmail]; ok {
			out = append(out, fee)
			continue
		}
		if p.memberInStore(ctx, fee.MemberEmail) {
			out = append(out, fee)
			continue
		}
		report.Errors = append(report.Errors, RowError{
			Source: fee.source,
			Index:  fee.index,
			Row:    fee.original,
			Reason: fmt.Sprintf("member reference %q does not resolve to a migrated or existing member", fee.MemberEmail),
		})
	}
	return out
}

func (p *Pipeline) memberInStore(ctx context.Context, email string) bool {
	found := false
	_ = p.store.View(ctx, func(view domain.TransactionView) error {
		if _, err := view.FindMemberByEmail(email); err == nil {
			found = true
		}
		return nil
	})
	return found
}

// planBatches chunks the writes, members strictly before fees so every fee
// row's member exists by the time its batch commits.
func planBatches(members []memberRow, fees []feeRow, size int) [][]plannedRow {
	rows := make([]plannedRow, 0, len(members)+len(fees))
	for _, m := range members {
		rows = append(rows, plannedRow{kind: KindMember, member: m})
	}
	for _, f := range fees {
		rows = append(rows, plannedRow{kind: KindFee, fee: f})
	}
	var batches [][]plannedRow
	for start := 0; start < len(rows); start += size {
		end := start + size
		if end > len(rows) {
			end = len(rows)
		}
		batches = append(batches, rows[start:end])
	}
	return batches
}

// commitBatch writes one batch in a single transaction. Individual row
// failures are skipped and reported; the rest of the batch still commits.
func (p *Pipeline) commitBatch(ctx context.Context, batch []plannedRow) (int, []RowError, error) {
	created := 0
	var rowErrs []RowError
	_, err := p.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		for _, row := range batch {
			switch row.kind {
			case KindMember:
				m := row.member
				_, err := tx.CreateMember(domain.Member{
					Email:         m.Email,
					Name:          m.Name,
					Status:        domain.MemberStatus(m.Status),
					PaymentStatus: domain.PaymentStatus(m.PaymentStatus),
					Track:         m.Track,
					Team:          m.Team,
					JoinDate:      m.JoinDate,
				})
				if err != nil {
					rowErrs = append(rowErrs, RowError{Source: m.source, Index: m.index, Row: m.original, Reason: err.Error()})
					continue
				}
				created++
			case KindFee:
				f := row.fee
				member, err := tx.FindMemberByEmail(f.MemberEmail)
				if err != nil {
					rowErrs = append(rowErrs, RowError{Source: f.source, Index: f.index, Row: f.original, Reason: err.Error()})
					continue
				}
				_, err = tx.CreateFeePayment(domain.FeePayment{
					MemberID: member.ID,
					Amount:   f.Amount,
					PaidDate: f.PaidDate,
					Method:   domain.PaymentMethod(f.Method),
					Period:   f.Period,
					Notes:    f.Notes,
				})
				if err != nil {
					rowErrs = append(rowErrs, RowError{Source: f.source, Index: f.index, Row: f.original, Reason: err.Error()})
					continue
				}
				created++
			}
		}
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	return created, rowErrs, nil
}

func (p *Pipeline) loadCheckpoint(ctx context.Context, runID string) (Checkpoint, error) {
	if p.checkpoints == nil {
		return Checkpoint{RunID: runID}, nil
	}
	payload, ok, err := p.checkpoints.LoadCheckpoint(ctx, runID)
	if err != nil {
		return Checkpoint{}, domain.ErrUpstreamUnavailable{Op: "load migration checkpoint", Err: err}
	}
	if !ok {
		return Checkpoint{RunID: runID}, nil
	}
	var cp Checkpoint
	if err := json.Unmarshal(payload, &cp); err != nil {
		return Checkpoint{}, domain.ErrDataIntegrity{Entity: domain.EntityMember, Ref: runID, Reason: "corrupt migration checkpoint: " + err.Error()}
	}
	return cp, nil
}

func (p *Pipeline) saveCheckpoint(ctx context.Context, cp Checkpoint) error {
	if p.checkpoints == nil {
		return nil
	}
	payload, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := p.checkpoints.SaveCheckpoint(ctx, cp.RunID, payload); err != nil {
		return domain.ErrUpstreamUnavailable{Op: "save migration checkpoint", Err: err}
	}
	return nil
}

// finish stamps the report and archives run artifacts. Archive failures are
// logged, never escalated: the run outcome already committed.
func (p *Pipeline) finish(ctx context.Context, report *Report) {
	report.FinishedAt = p.nowFn()
	if p.archiver == nil {
		return
	}
	artifacts := map[string]any{"report.json": report}
	if len(report.DuplicatesForReview) > 0 {
		artifacts["review.json"] = report.DuplicatesForReview
	}
	if len(report.Errors) > 0 {
		artifacts["errors.json"] = report.Errors
	}
	for name, value := range artifacts {
		payload, err := json.MarshalIndent(value, "", "  ")
		if err != nil {
			p.logger.Error("encode migration artifact", "run_id", report.RunID, "artifact", name, "error", err)
			continue
		}
		if err := p.archiver.Archive(ctx, report.RunID, name, payload); err != nil {
			p.logger.Error("archive migration artifact", "run_id", report.RunID, "artifact", name, "error", err)
		}
	}
}

// MemoryCheckpoints is an in-process CheckpointStore for tests and one-shot
// CLI runs that do not need durability.
type MemoryCheckpoints struct {
	mu   sync.Mutex
	data map[string][]byte
}

// NewMemoryCheckpoints constructs an empty checkpoint store.
func NewMemoryCheckpoints() *MemoryCheckpoints {
	return &MemoryCheckpoints{data: make(map[string][]byte)}
}

// SaveCheckpoint implements CheckpointStore.
func (m *MemoryCheckpoints) SaveCheckpoint(_ context.Context, runID string, payload []byte) error {
	cp := make([]byte, len(payload))
	copy(cp, payload)
	m.mu.Lock()
	m.data[runID] = cp
	m.mu.Unlock()
	return nil
}

// LoadCheckpoint implements CheckpointStore.
func (m *MemoryCheckpoints) LoadCheckpoint(_ context.Context, runID string) ([]byte, bool, error) {
	m.mu.Lock()
	payload, ok := m.data[runID]
	m.mu.Unlock()
	if !ok {
		return nil, false, nil
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	return cp, true, nil
}
