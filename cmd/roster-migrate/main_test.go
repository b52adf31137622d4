package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"rostercore/internal/migrate"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestCLIRunsMigration(t *testing.T) {
	t.Setenv("ROSTERCORE_STORAGE_DRIVER", "memory")
	t.Setenv("ROSTERCORE_BLOB_DRIVER", "memory")

	dir := t.TempDir()
	members := filepath.Join(dir, "members.csv")
	writeFile(t, members, "Email,Name,Status,Joined\n"+
		"alice@example.com,Alice Kim,regular,2024-01-15\n"+
		"bob@example.com,Bob Lee,,2024-02-01\n")
	fees := filepath.Join(dir, "fees.csv")
	writeFile(t, fees, "Email,Amount,Date,Period\n"+
		"alice@example.com,15000,2025-01-05,2025-1\n")

	var stdout, stderr bytes.Buffer
	code := cli([]string{"-run-id", "run-cli", "member=" + members, "fee=" + fees}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("exit %d, stderr %s", code, stderr.String())
	}
	out := stdout.String()
	if !strings.Contains(out, "run run-cli") {
		t.Fatalf("missing run line: %s", out)
	}
	if !strings.Contains(out, "3 migrated") {
		t.Fatalf("missing migrated count: %s", out)
	}
	if !strings.Contains(out, "archived migrations/run-cli/report.json") {
		t.Fatalf("missing report artifact: %s", out)
	}
}

func TestCLIRejectsBadInput(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := cli(nil, &stdout, &stderr); code != 2 {
		t.Fatalf("no sources: exit %d", code)
	}
	if code := cli([]string{"-bogus"}, &stdout, &stderr); code != 2 {
		t.Fatalf("bad flag: exit %d", code)
	}
	if code := cli([]string{"plainpath.csv"}, &stdout, &stderr); code != 1 {
		t.Fatalf("missing kind: exit %d", code)
	}
	if code := cli([]string{"blob=whatever.csv"}, &stdout, &stderr); code != 1 {
		t.Fatalf("bad kind: exit %d", code)
	}
	if code := cli([]string{"member=does-not-exist.csv"}, &stdout, &stderr); code != 1 {
		t.Fatalf("missing file: exit %d", code)
	}
}

func TestMainUsesExitFunc(t *testing.T) {
	var codes []int
	old := exitFunc
	exitFunc = func(code int) { codes = append(codes, code) }
	defer func() { exitFunc = old }()

	oldArgs := os.Args
	os.Args = []string{"roster-migrate"}
	defer func() { os.Args = oldArgs }()
	main()
	if len(codes) != 1 || codes[0] != 2 {
		t.Fatalf("unexpected exit codes %v", codes)
	}
}

func TestReadCSVToleratesShortRecords(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "short.csv")
	writeFile(t, path, "Email,Name,Team\ncarol@example.com,Carol\n")

	rows, err := readCSV(path)
	if err != nil {
		t.Fatalf("readCSV: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows %d", len(rows))
	}
	if rows[0]["Email"] != "carol@example.com" || rows[0]["Name"] != "Carol" {
		t.Fatalf("unexpected row %v", rows[0])
	}
	if _, ok := rows[0]["Team"]; ok {
		t.Fatalf("missing cell should stay absent: %v", rows[0])
	}
}

func TestLoadSourcesKindAliases(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rows.csv")
	writeFile(t, path, "Email\nalice@example.com\n")

	sources, err := loadSources([]string{"members=" + path, "fees=" + path})
	if err != nil {
		t.Fatalf("loadSources: %v", err)
	}
	if sources[0].Kind != migrate.KindMember || sources[1].Kind != migrate.KindFee {
		t.Fatalf("unexpected kinds %v %v", sources[0].Kind, sources[1].Kind)
	}
	if sources[0].Name != "rows.csv" {
		t.Fatalf("unexpected name %s", sources[0].Name)
	}
}
