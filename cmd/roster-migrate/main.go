// Command roster-migrate imports legacy spreadsheet exports into the roster
// store and archives the run artifacts.
//
// Sources are kind=path arguments, where kind is member or fee and path is a
// CSV export with a header row:
//
//	roster-migrate -run-id 2025-cutover member=members.csv fee=payments.csv
//
// Rerunning with the same run id resumes from the archived checkpoint. Store
// and blob configuration come from the same environment variables rosterd
// reads.
package main

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"

	"rostercore/internal/archive"
	"rostercore/internal/blob"
	"rostercore/internal/core"
	"rostercore/internal/migrate"
	"rostercore/pkg/logging"
)

var exitFunc = os.Exit

func main() {
	code := cli(os.Args[1:], os.Stdout, os.Stderr)
	exitFunc(code)
}

func cli(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("roster-migrate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		runID     string
		batchSize int
		envFile   string
	)
	fs.StringVar(&runID, "run-id", "", "run identifier, reused to resume (default random)")
	fs.IntVar(&batchSize, "batch-size", 0, "rows per committed batch (default 100)")
	fs.StringVar(&envFile, "env-file", "", "env file to load before reading configuration")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(stderr, "roster-migrate: at least one kind=path source required")
		return 2
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			fmt.Fprintf(stderr, "roster-migrate: load %s: %v\n", envFile, err)
			return 1
		}
	} else {
		_ = godotenv.Load()
	}

	if err := run(runID, batchSize, fs.Args(), stdout); err != nil {
		fmt.Fprintf(stderr, "roster-migrate: %v\n", err)
		return 1
	}
	return 0
}

func run(runID string, batchSize int, specs []string, stdout io.Writer) error {
	logger := logging.Setup()
	ctx := context.Background()

	sources, err := loadSources(specs)
	if err != nil {
		return err
	}

	engine := core.NewDefaultRulesEngine()
	store, err := core.OpenPersistentStore(engine)
	if err != nil {
		return err
	}
	if dbStore, ok := store.(interface{ DB() *sql.DB }); ok {
		defer func() { _ = dbStore.DB().Close() }()
	}
	svc := core.NewService(store, core.WithLogger(logger))

	blobs, err := blob.Open(ctx)
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}
	arch := archive.New(blobs)

	opts := []migrate.Option{
		migrate.WithArchiver(arch),
		migrate.WithCheckpointStore(arch),
		migrate.WithLogger(logger),
	}
	if runID != "" {
		opts = append(opts, migrate.WithRunID(runID))
	}
	if batchSize > 0 {
		opts = append(opts, migrate.WithBatchSize(batchSize))
	}

	report, err := svc.RunMigration(ctx, sources, opts...)
	if err != nil {
		return err
	}

	fmt.Fprintf(stdout, "run %s: %d input rows, %d migrated, %d skipped, %d batches\n",
		report.RunID, report.InputRows, report.Migrated, report.Skipped, report.Batches)
	if n := len(report.DuplicatesForReview); n > 0 {
		fmt.Fprintf(stdout, "%d duplicate rows routed to review.json\n", n)
	}
	if n := len(report.Errors); n > 0 {
		fmt.Fprintf(stdout, "%d rows failed, see errors.json\n", n)
	}
	if report.Warning != "" {
		fmt.Fprintf(stdout, "warning: %s\n", report.Warning)
	}

	artifacts, err := arch.ListArtifacts(ctx, report.RunID)
	if err != nil {
		return fmt.Errorf("list artifacts: %w", err)
	}
	for _, info := range artifacts {
		fmt.Fprintf(stdout, "archived %s (%d bytes)\n", info.Key, info.Size)
	}
	return nil
}

// loadSources parses kind=path arguments and reads each CSV.
func loadSources(specs []string) ([]migrate.Source, error) {
	sources := make([]migrate.Source, 0, len(specs))
	for _, spec := range specs {
		kindRaw, path, ok := strings.Cut(spec, "=")
		if !ok {
			return nil, fmt.Errorf("source %q: want kind=path", spec)
		}
		var kind migrate.RowKind
		switch strings.ToLower(strings.TrimSpace(kindRaw)) {
		case "member", "members":
			kind = migrate.KindMember
		case "fee", "fees":
			kind = migrate.KindFee
		default:
			return nil, fmt.Errorf("source %q: kind must be member or fee", spec)
		}
		rows, err := readCSV(path)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", path, err)
		}
		sources = append(sources, migrate.Source{Name: filepath.Base(path), Kind: kind, Rows: rows})
	}
	return sources, nil
}

// readCSV reads a header-first CSV file into loosely keyed rows. Short
// records are tolerated; missing cells stay absent from the row.
func readCSV(path string) ([]migrate.SourceRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	var rows []migrate.SourceRow
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", len(rows)+2, err)
		}
		row := make(migrate.SourceRow, len(header))
		for i, col := range header {
			if i < len(record) {
				row[strings.TrimSpace(col)] = record[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}
