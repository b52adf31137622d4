package core

import (
	"context"

	"rostercore/internal/migrate"
)

// RunMigration executes the legacy import pipeline against the service store.
// Row-level failures and the duplicate review sink live in the report; only
// transaction-level failures return an error. The service logger and clock
// are wired by default; callers layer further options on top, typically a
// checkpoint store and a pinned run id so an interrupted run can resume.
func (s *Service) RunMigration(ctx context.Context, sources []migrate.Source, opts ...migrate.Option) (migrate.Report, error) {
	ctx, finish := s.instrument(ctx, "run_migration", SystemSubject)
	base := []migrate.Option{migrate.WithLogger(s.logger), migrate.WithClock(s.nowFn)}
	pipeline := migrate.New(s.store, append(base, opts...)...)
	report, err := pipeline.Run(ctx, sources)
	finish(report.RunID, err)
	return report, err
}
