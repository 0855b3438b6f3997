package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/stagehand-labs/stagehand/config"
	"github.com/stagehand-labs/stagehand/schema"
)

// MigrationResult is the completion signal of a background migration run.
// Migration failure never prevents the server from starting; the server's
// own first request is the ultimate arbiter of data-layer correctness.
type MigrationResult struct {
	// Succeeded is the final verdict after verification.
	Succeeded bool
	// Verified is true when the verdict came from the migration ledger
	// rather than from the command's output.
	Verified bool
	// AppliedCount is the number of migrations on record, when Verified.
	AppliedCount int
	// Output is the command's combined stdout and stderr.
	Output string
	// Err is the spawn or exit error, if any.
	Err error
	// Duration is how long the migration command ran.
	Duration time.Duration
}

// ledgerInspector reports the state of the backend's migration ledger.
// Injectable for tests.
type ledgerInspector func(databasePath string) (schema.LedgerStatus, error)

// MigrationRunner invokes the backend's schema-migration entry point as an
// independent background task, decoupled from server startup so a slow
// migration never delays user-visible readiness.
type MigrationRunner struct {
	logger  *slog.Logger
	inspect ledgerInspector
}

// NewMigrationRunner creates a MigrationRunner.
func NewMigrationRunner(logger *slog.Logger) *MigrationRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &MigrationRunner{
		logger:  logger.With("component", "MigrationRunner"),
		inspect: schema.Inspect,
	}
}

// Start launches the migration command in the background and returns a
// channel that receives exactly one MigrationResult when it completes. The
// caller is free to ignore the channel; the result is logged either way.
func (m *MigrationRunner) Start(ctx context.Context, cfg *config.Config, candidate *Candidate) <-chan MigrationResult {
	resultCh := make(chan MigrationResult, 1)
	go func() {
		result := m.run(ctx, cfg, candidate)
		m.logResult(result)
		resultCh <- result
	}()
	return resultCh
}

func (m *MigrationRunner) run(ctx context.Context, cfg *config.Config, candidate *Candidate) MigrationResult {
	args := candidate.MigrateArgs(cfg.DatabasePath)
	m.logger.Info("Running database migrations in background",
		"command", candidate.Command, "args", strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, candidate.Command, args...)
	cmd.Dir = candidate.Dir
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("DATABASE_PATH=%s", cfg.DatabasePath),
		fmt.Sprintf("DJANGO_SETTINGS_MODULE=%s", cfg.SettingsModule),
	)
	configureCommand(cmd)

	started := time.Now()
	out, runErr := cmd.CombinedOutput()
	result := MigrationResult{
		Output:   string(out),
		Err:      runErr,
		Duration: time.Since(started),
	}

	// The command's exit status is unreliable: the backend reports
	// non-zero exits for reasons unrelated to migration correctness. The
	// ledger is the structured signal; the output heuristic is the
	// fallback when the database cannot be read.
	status, inspectErr := m.inspect(cfg.DatabasePath)
	if inspectErr == nil && status.Present {
		result.Verified = true
		result.AppliedCount = status.AppliedCount
		result.Succeeded = status.AppliedCount > 0
		return result
	}
	if inspectErr != nil {
		m.logger.Debug("Migration ledger unreadable, falling back to output heuristic",
			"error", inspectErr)
	}

	result.Succeeded = runErr == nil || migrationOutputSucceeded(result.Output)
	return result
}

func (m *MigrationRunner) logResult(result MigrationResult) {
	switch {
	case result.Succeeded && result.Verified:
		m.logger.Info("Database migrations completed",
			"applied", result.AppliedCount, "duration", result.Duration)
	case result.Succeeded:
		m.logger.Info("Database migrations completed (unverified)",
			"duration", result.Duration)
	case result.Err != nil && result.Output == "":
		// The command could not be spawned at all.
		m.logger.Warn("Could not run migrations; database will be created on first use",
			"error", result.Err)
	default:
		m.logger.Warn("Migrations failed but server will be started anyway",
			"error", result.Err, "output", strings.TrimSpace(result.Output))
	}
}

// migrationSuccessMarkers are the phrases the backend's migration command
// prints on success. Matched only when the exit status is unusable.
var migrationSuccessMarkers = []string{
	"Applying ",
	"No migrations to apply",
	"Operations to perform",
}

// migrationOutputSucceeded applies the output heuristic: explicit success
// markers mean the migration step itself worked even if the command exited
// non-zero for an unrelated reason.
func migrationOutputSucceeded(output string) bool {
	for _, marker := range migrationSuccessMarkers {
		if strings.Contains(output, marker) {
			return true
		}
	}
	return false
}
