// Package supervisor keeps a separately-built backend server process alive
// for the lifetime of a desktop shell session. It locates a runnable server
// artifact, clears the fixed port of orphans from previous sessions, starts
// the server without blocking the caller, verifies it becomes reachable,
// and guarantees termination on every exit path.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/stagehand-labs/stagehand/config"
)

const (
	// slotLockRetryDelay is the pause between a failed non-blocking slot
	// acquire and the blocking fallback. Keeps teardown from deadlocking
	// against an in-progress launch without spinning.
	slotLockRetryDelay = 50 * time.Millisecond

	// launchAbortWait bounds how long teardown waits for a cancelled
	// launch to unwind before proceeding with the port sweep.
	launchAbortWait = 5 * time.Second

	// killConfirmWait bounds the wait for OS exit confirmation after a
	// forceful tree kill.
	killConfirmWait = 2 * time.Second
)

// Supervisor owns the single backend process slot for the application's
// lifetime. At most one Process is tracked at any time; acquiring a new one
// requires the slot to be empty.
type Supervisor struct {
	cfg    *config.Config
	logger *slog.Logger

	locator    *Locator
	launcher   *Launcher
	prober     *Prober
	reaper     *PortReaper
	migrations *MigrationRunner

	sessionLock *flock.Flock
	gracePeriod time.Duration

	mu           sync.Mutex
	state        SlotState
	proc         *Process
	launchCancel context.CancelFunc
	launchDone   chan struct{}

	// stopMu serializes teardowns. Window close and application exit can
	// both request teardown for the same session; the second must wait for
	// the first instead of observing its intermediate state.
	stopMu sync.Mutex

	// lastMigration carries the completion signal of the most recent
	// background migration run, for callers that want to observe it.
	lastMigration <-chan MigrationResult
}

// New creates a Supervisor for the given configuration.
func New(cfg *config.Config, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	grace := cfg.GracePeriod.Std()
	if grace <= 0 {
		grace = 5 * time.Second
	}
	return &Supervisor{
		cfg:         cfg,
		logger:      logger.With("component", "Supervisor"),
		locator:     NewLocator(cfg, logger),
		launcher:    NewLauncher(logger),
		prober:      NewProber(logger),
		reaper:      NewPortReaper(logger),
		migrations:  NewMigrationRunner(logger),
		sessionLock: flock.New(cfg.LockPath()),
		gracePeriod: grace,
		state:       SlotEmpty,
	}
}

// State returns the current slot state.
func (s *Supervisor) State() SlotState {
	s.lockSlot()
	defer s.mu.Unlock()
	return s.state
}

// MigrationDone returns the completion channel of the most recent
// background migration run, or nil when none has been started.
func (s *Supervisor) MigrationDone() <-chan MigrationResult {
	s.lockSlot()
	defer s.mu.Unlock()
	return s.lastMigration
}

// Start runs the full launch pipeline: locate a server artifact, reap the
// port, kick off migrations concurrently, spawn the server, and block until
// it answers its health check. It is the only blocking section of startup
// and must be called off the UI's event path. A second Start while the slot
// is occupied fails with ErrAlreadyRunning.
func (s *Supervisor) Start(ctx context.Context) error {
	s.lockSlot()
	if s.state != SlotEmpty {
		state := s.state
		s.mu.Unlock()
		s.logger.Warn("Launch rejected, slot is occupied", "state", state.String())
		return ErrAlreadyRunning
	}
	s.state = SlotStarting
	launchCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.launchCancel = cancel
	s.launchDone = done
	s.mu.Unlock()

	defer close(done)
	defer cancel()

	if err := s.launch(launchCtx); err != nil {
		s.lockSlot()
		if s.state == SlotStarting {
			s.state = SlotEmpty
		}
		s.mu.Unlock()
		return err
	}
	return nil
}

// launch executes the pipeline while the slot is in SlotStarting.
func (s *Supervisor) launch(ctx context.Context) error {
	if err := s.cfg.EnsureStateDir(); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	locked, err := s.sessionLock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire session lock: %w", err)
	}
	if !locked {
		return ErrSessionActive
	}

	candidate, err := s.locator.Locate(ctx)
	if err != nil {
		s.releaseSessionLock()
		return err
	}

	// Clear orphans from a crashed session before the server tries to
	// bind. The bind itself remains the authoritative signal.
	s.reaper.Reap(ctx, s.cfg.BindHost, s.cfg.BindPort)

	// Migrations run concurrently with the server launch; they share only
	// the database path. The server's connection layer tolerates a
	// database that acquires its schema mid-flight. Deliberately not tied
	// to the launch context: that context ends when startup completes, and
	// a slow migration must be allowed to keep running past readiness.
	migCh := s.migrations.Start(context.Background(), s.cfg, candidate)
	s.lockSlot()
	s.lastMigration = migCh
	s.mu.Unlock()

	proc, err := s.launcher.Launch(s.cfg, candidate)
	if err != nil {
		s.releaseSessionLock()
		return err
	}

	latency, err := s.prober.WaitReady(ctx, proc, s.cfg.HealthURL())
	if err != nil {
		// Fatal for this attempt. Whatever we spawned must not outlive
		// the failure, and the port must be left free.
		if exited, _ := proc.Exited(); !exited {
			if killErr := proc.KillTree(s.logger); killErr != nil {
				s.logger.Warn("Failed to kill backend after launch failure",
					"pid", proc.PID, "error", killErr)
			}
		}
		s.reaper.Reap(context.Background(), s.cfg.BindHost, s.cfg.BindPort)
		s.releaseSessionLock()
		return err
	}

	s.lockSlot()
	s.proc = proc
	s.state = SlotRunning
	s.mu.Unlock()

	s.logger.Info("Backend running",
		"pid", proc.PID,
		"attemptID", proc.AttemptID,
		"startupLatency", latency,
		"url", s.cfg.BaseURL())

	go s.watchExit(proc)
	return nil
}

// watchExit clears the slot when the backend dies on its own while Running.
// There is no automatic restart: the root causes (missing dependency,
// broken build) need operator action, not backoff.
func (s *Supervisor) watchExit(proc *Process) {
	<-proc.Done()

	s.lockSlot()
	if s.proc != proc || s.state != SlotRunning {
		// Teardown already owns this process.
		s.mu.Unlock()
		return
	}
	s.proc = nil
	s.state = SlotEmpty
	s.mu.Unlock()

	_, status := proc.Exited()
	s.logger.Error("Backend exited unexpectedly",
		"pid", proc.PID,
		"status", status,
		"stderr", strings.Join(proc.StderrTail(), " | "))
	s.releaseSessionLock()
}

// KillBackground initiates teardown without blocking the caller. Used from
// the window-close path, where the UI thread must not wait on process I/O.
// The returned channel closes when teardown completes, for callers and
// tests that want to observe it.
func (s *Supervisor) KillBackground() <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := s.stop(context.Background()); err != nil {
			s.logger.Warn("Background teardown finished with error", "error", err)
		}
	}()
	return done
}

// Shutdown tears the backend down synchronously with bounded waits. Used
// from the application-exit path, where waiting maximizes the chance of a
// clean shutdown before the process image disappears.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	return s.stop(ctx)
}

// stop drives the slot to SlotEmpty from any state and always finishes with
// a port sweep, so the system self-heals on the next launch even if this
// teardown partially failed.
func (s *Supervisor) stop(ctx context.Context) error {
	s.stopMu.Lock()
	defer s.stopMu.Unlock()

	s.lockSlot()
	if s.state == SlotStarting {
		// Cancel the in-flight launch and let it unwind before sweeping.
		cancel, done := s.launchCancel, s.launchDone
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		if done != nil {
			select {
			case <-done:
			case <-time.After(launchAbortWait):
				s.logger.Warn("Launch did not unwind in time, proceeding with teardown")
			}
		}
		s.lockSlot()
	}

	proc := s.proc
	s.proc = nil
	if proc == nil && s.state == SlotEmpty {
		s.mu.Unlock()
		s.reaper.Reap(ctx, s.cfg.BindHost, s.cfg.BindPort)
		return nil
	}
	s.state = SlotStopping
	s.mu.Unlock()

	var killErr error
	if proc != nil {
		killErr = s.terminate(ctx, proc)
	}

	// Final safety net regardless of the kill outcome: the just-killed
	// process may not have released the socket instantly, and an orphaned
	// child could still hold it.
	s.reaper.Reap(ctx, s.cfg.BindHost, s.cfg.BindPort)

	s.lockSlot()
	s.state = SlotEmpty
	s.mu.Unlock()
	s.releaseSessionLock()
	return killErr
}

// terminate requests graceful exit, waits up to the grace period, then
// escalates to a whole-tree forceful kill.
func (s *Supervisor) terminate(ctx context.Context, proc *Process) error {
	if exited, status := proc.Exited(); exited {
		s.logger.Info("Backend already exited", "pid", proc.PID, "status", status)
		return nil
	}

	s.logger.Info("Stopping backend", "pid", proc.PID)
	if err := proc.Interrupt(); err != nil {
		s.logger.Debug("Graceful signal not delivered, will escalate", "pid", proc.PID, "error", err)
	}

	grace := time.NewTimer(s.gracePeriod)
	defer grace.Stop()
	select {
	case <-proc.Done():
		_, status := proc.Exited()
		s.logger.Info("Backend exited gracefully", "pid", proc.PID, "status", status)
		return nil
	case <-ctx.Done():
	case <-grace.C:
	}

	s.logger.Warn("Backend did not exit gracefully, killing process tree", "pid", proc.PID)
	if err := proc.KillTree(s.logger); err != nil {
		return fmt.Errorf("failed to kill backend process tree (pid %d): %w", proc.PID, err)
	}

	select {
	case <-proc.Done():
		return nil
	case <-time.After(killConfirmWait):
		return fmt.Errorf("backend pid %d not confirmed dead after forceful kill", proc.PID)
	}
}

// lockSlot acquires the slot mutex with the non-blocking-first discipline:
// try, pause briefly, then block.
func (s *Supervisor) lockSlot() {
	if s.mu.TryLock() {
		return
	}
	time.Sleep(slotLockRetryDelay)
	s.mu.Lock()
}

func (s *Supervisor) releaseSessionLock() {
	if err := s.sessionLock.Unlock(); err != nil {
		s.logger.Debug("Session lock release", "error", err)
	}
}
