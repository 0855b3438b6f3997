// Package schema inspects the backend's SQLite migration ledger.
//
// The backend records every applied schema migration in its
// django_migrations table. Reading that table directly gives the supervisor
// a structured success signal for migration runs, instead of trusting the
// migration command's exit status or pattern-matching its log output — both
// of which are unreliable (the backend reports non-zero exits for benign
// reasons, and its log wording changes between releases).
package schema

import (
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const ledgerTable = "django_migrations"

// sqliteURIPath escapes the characters that would otherwise terminate the
// path component of an SQLite URI filename.
func sqliteURIPath(path string) string {
	return strings.NewReplacer("%", "%25", "?", "%3F", "#", "%23").Replace(path)
}

// LedgerStatus describes the state of the migration ledger in the backend
// database.
type LedgerStatus struct {
	// Present is true when the database file exists and contains a
	// migration ledger table. A fresh install has neither.
	Present bool

	// AppliedCount is the number of applied migrations on record.
	AppliedCount int

	// LastApplied is the app-qualified name of the most recent migration,
	// e.g. "core.0003_add_notes".
	LastApplied string

	// LastAppliedAt is when the most recent migration was applied.
	LastAppliedAt time.Time
}

// Inspect opens the database read-only and reports the ledger status. A
// missing file or missing ledger table is a normal pre-migration condition,
// reported as Present=false with a nil error.
func Inspect(databasePath string) (LedgerStatus, error) {
	var status LedgerStatus

	if _, err := os.Stat(databasePath); os.IsNotExist(err) {
		return status, nil
	}

	db, err := sqlx.Connect("sqlite3", fmt.Sprintf("file:%s?mode=ro", sqliteURIPath(databasePath)))
	if err != nil {
		return status, fmt.Errorf("failed to open database %s: %w", databasePath, err)
	}
	defer db.Close()

	var tableName string
	err = db.Get(&tableName,
		"SELECT name FROM sqlite_master WHERE type='table' AND name=?", ledgerTable)
	if err == sql.ErrNoRows {
		return status, nil
	}
	if err != nil {
		return status, fmt.Errorf("failed to query sqlite_master: %w", err)
	}
	status.Present = true

	if err := db.Get(&status.AppliedCount,
		fmt.Sprintf("SELECT COUNT(*) FROM %s", ledgerTable)); err != nil {
		return status, fmt.Errorf("failed to count applied migrations: %w", err)
	}

	if status.AppliedCount > 0 {
		row := struct {
			Name    string    `db:"name"`
			Applied time.Time `db:"applied"`
		}{}
		err = db.Get(&row, fmt.Sprintf(
			"SELECT app || '.' || name AS name, applied FROM %s ORDER BY applied DESC, id DESC LIMIT 1",
			ledgerTable))
		if err != nil {
			return status, fmt.Errorf("failed to read latest migration: %w", err)
		}
		status.LastApplied = row.Name
		status.LastAppliedAt = row.Applied
	}

	return status, nil
}
