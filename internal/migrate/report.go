package migrate

import "time"

// RowError records a legacy row that could not be migrated, together with the
// original row and the reason. Row-level failures never abort a run; they
// accumulate here.
type RowError struct {
	Source string    `json:"source"`
	Index  int       `json:"index"`
	Row    SourceRow `json:"row"`
	Reason string    `json:"reason"`
}

// ReviewRow is a duplicate member row routed to the review sink instead of
// being discarded. The kept row is identified so a reviewer can compare.
type ReviewRow struct {
	Source string    `json:"source"`
	Index  int       `json:"index"`
	Email  string    `json:"email"`
	Row    SourceRow `json:"row"`
	Reason string    `json:"reason"`
}

// Checkpoint marks batch-commit progress for a run. A rerun with the same run
// id resumes at NextBatch instead of re-committing earlier batches.
type Checkpoint struct {
	RunID     string `json:"run_id"`
	NextBatch int    `json:"next_batch"`
	Committed int    `json:"committed"`
}

// Report is the outcome of one migration run.
type Report struct {
	RunID               string      `json:"run_id"`
	StartedAt           time.Time   `json:"started_at"`
	FinishedAt          time.Time   `json:"finished_at"`
	InputRows           int         `json:"input_rows"`
	Migrated            int         `json:"migrated"`
	Skipped             int         `json:"skipped"`
	Batches             int         `json:"batches"`
	Errors              []RowError  `json:"errors,omitempty"`
	DuplicatesForReview []ReviewRow `json:"duplicates_for_review,omitempty"`
	Warning             string      `json:"warning,omitempty"`
	Checkpoint          Checkpoint  `json:"checkpoint"`
}
