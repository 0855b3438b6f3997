package schema

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

func createLedger(t *testing.T, rows int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "db.sqlite3")
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	defer db.Close()

	db.MustExec(`CREATE TABLE django_migrations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		app VARCHAR(255) NOT NULL,
		name VARCHAR(255) NOT NULL,
		applied DATETIME NOT NULL
	)`)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < rows; i++ {
		db.MustExec(
			"INSERT INTO django_migrations (app, name, applied) VALUES (?, ?, ?)",
			"core", migrationName(i), base.Add(time.Duration(i)*time.Minute))
	}
	return path
}

func migrationName(i int) string {
	names := []string{"0001_initial", "0002_add_index", "0003_add_notes"}
	return names[i%len(names)]
}

func TestInspectMissingFile(t *testing.T) {
	status, err := Inspect(filepath.Join(t.TempDir(), "does-not-exist.sqlite3"))
	if err != nil {
		t.Fatalf("missing file must not be an error, got %v", err)
	}
	if status.Present {
		t.Error("expected Present=false for a missing database")
	}
}

func TestInspectMissingLedgerTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.sqlite3")
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	db.MustExec("CREATE TABLE unrelated (id INTEGER PRIMARY KEY)")
	db.Close()

	status, err := Inspect(path)
	if err != nil {
		t.Fatalf("missing ledger table must not be an error, got %v", err)
	}
	if status.Present {
		t.Error("expected Present=false without a ledger table")
	}
}

func TestInspectEmptyLedger(t *testing.T) {
	path := createLedger(t, 0)
	status, err := Inspect(path)
	if err != nil {
		t.Fatalf("Inspect failed: %v", err)
	}
	if !status.Present {
		t.Error("expected Present=true for an existing ledger table")
	}
	if status.AppliedCount != 0 {
		t.Errorf("expected 0 applied migrations, got %d", status.AppliedCount)
	}
	if status.LastApplied != "" {
		t.Errorf("expected no latest migration, got %q", status.LastApplied)
	}
}

func TestInspectPathWithURIMetacharacters(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("windows filenames cannot contain ? or #")
	}
	// SQLite treats the DSN as a URI; these characters must be escaped or
	// they truncate the path.
	dir := filepath.Join(t.TempDir(), "state? #1")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("failed to create directory: %v", err)
	}
	path := filepath.Join(dir, "db.sqlite3")
	if err := os.Rename(createLedger(t, 2), path); err != nil {
		t.Fatalf("failed to move test database: %v", err)
	}

	status, err := Inspect(path)
	if err != nil {
		t.Fatalf("Inspect failed: %v", err)
	}
	if !status.Present || status.AppliedCount != 2 {
		t.Errorf("expected 2 applied migrations, got %+v", status)
	}
}

func TestInspectPopulatedLedger(t *testing.T) {
	path := createLedger(t, 3)
	status, err := Inspect(path)
	if err != nil {
		t.Fatalf("Inspect failed: %v", err)
	}
	if !status.Present {
		t.Fatal("expected Present=true")
	}
	if status.AppliedCount != 3 {
		t.Errorf("expected 3 applied migrations, got %d", status.AppliedCount)
	}
	if status.LastApplied != "core.0003_add_notes" {
		t.Errorf("expected latest migration core.0003_add_notes, got %q", status.LastApplied)
	}
	if status.LastAppliedAt.IsZero() {
		t.Error("expected a non-zero applied timestamp")
	}
}
