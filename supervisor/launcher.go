package supervisor

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stagehand-labs/stagehand/config"
)

const (
	// immediateExitGrace is how long Launch watches for an instant crash
	// after spawning, distinguishing "binary is broken" from "still
	// starting" before the readiness prober takes over.
	immediateExitGrace = 100 * time.Millisecond

	// diagnosticCapacity bounds the retained backend output.
	diagnosticCapacity = 200

	// stderrTailLines is how much captured output is attached to errors.
	stderrTailLines = 10
)

// Process is the handle to a running backend server. Exactly one Process
// exists per session; it is exclusively owned by the Supervisor once launch
// succeeds and is never cloned.
type Process struct {
	AttemptID string
	PID       int
	StartedAt time.Time

	cmd  *exec.Cmd
	diag *DiagnosticBuffer
	done chan struct{}

	mu         sync.Mutex
	exited     bool
	exitStatus int
}

// Done returns a channel closed when the OS reports the process has exited.
func (p *Process) Done() <-chan struct{} { return p.done }

// Exited reports whether the process has exited and with what status.
func (p *Process) Exited() (bool, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exited, p.exitStatus
}

// StderrTail returns the most recent captured output lines for diagnostics.
func (p *Process) StderrTail() []string {
	return p.diag.Tail(stderrTailLines)
}

// Interrupt requests graceful termination. On platforms without interrupt
// delivery the error is returned and the caller escalates.
func (p *Process) Interrupt() error {
	if p.cmd == nil || p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Signal(os.Interrupt)
}

// KillTree forcefully terminates the process and its whole process tree.
func (p *Process) KillTree(logger *slog.Logger) error {
	return terminateTree(logger, p.PID)
}

func (p *Process) recordExit(waitErr error) {
	status := 0
	if waitErr != nil {
		status = -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			status = exitErr.ExitCode()
		}
	}
	p.mu.Lock()
	p.exited = true
	p.exitStatus = status
	p.mu.Unlock()
}

// Launcher spawns the chosen server candidate with the resolved
// configuration and performs the immediate post-spawn liveness check.
type Launcher struct {
	logger *slog.Logger
}

// NewLauncher creates a Launcher.
func NewLauncher(logger *slog.Logger) *Launcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Launcher{logger: logger.With("component", "Launcher")}
}

// Launch starts the server process. The returned Process is alive but not
// yet ready; readiness is the prober's job. An instant crash is reported as
// ImmediateExitError with the captured output attached.
func (l *Launcher) Launch(cfg *config.Config, candidate *Candidate) (*Process, error) {
	attemptID := uuid.New().String()
	args := candidate.ServerArgs(cfg.BindHost, cfg.BindPort, cfg.DatabasePath)

	cmd := exec.Command(candidate.Command, args...)
	cmd.Dir = candidate.Dir
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("DATABASE_PATH=%s", cfg.DatabasePath),
		fmt.Sprintf("DJANGO_SETTINGS_MODULE=%s", cfg.SettingsModule),
	)
	configureCommand(cmd)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		stdoutPipe.Close()
		return nil, fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	l.logger.Info("Starting server process",
		"attemptID", attemptID,
		"command", candidate.Command,
		"args", strings.Join(args, " "),
		"dir", cmd.Dir)

	if err := cmd.Start(); err != nil {
		stdoutPipe.Close()
		stderrPipe.Close()
		return nil, fmt.Errorf("failed to start server process: %w", err)
	}

	proc := &Process{
		AttemptID: attemptID,
		PID:       cmd.Process.Pid,
		StartedAt: time.Now(),
		cmd:       cmd,
		diag:      NewDiagnosticBuffer(diagnosticCapacity),
		done:      make(chan struct{}),
	}

	go l.drainOutput(proc, stdoutPipe, "stdout")
	go l.drainOutput(proc, stderrPipe, "stderr")
	go func() {
		waitErr := cmd.Wait()
		proc.recordExit(waitErr)
		close(proc.done)
	}()

	// Non-blocking liveness check: a process that is already gone means a
	// broken binary or missing dependency, not a slow start.
	select {
	case <-proc.done:
		_, status := proc.Exited()
		return nil, &ImmediateExitError{
			AttemptID:  attemptID,
			ExitStatus: status,
			StderrTail: proc.StderrTail(),
		}
	case <-time.After(immediateExitGrace):
	}

	l.logger.Info("Server process running", "attemptID", attemptID, "pid", proc.PID)
	return proc, nil
}

// drainOutput reads one output stream to EOF, buffering every line and
// classifying it: genuine error markers log at Warn, routine request-log
// noise at Debug. Django writes access logs to stderr, so stderr output
// alone is not a failure signal.
func (l *Launcher) drainOutput(proc *Process, pipe io.ReadCloser, source string) {
	defer pipe.Close()
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		proc.diag.Append(source, line)
		if source == "stderr" && isErrorLine(line) {
			l.logger.Warn("Backend error output", "pid", proc.PID, "line", line)
		} else {
			l.logger.Debug("Backend output", "pid", proc.PID, "source", source, "line", line)
		}
	}
	if err := scanner.Err(); err != nil {
		l.logger.Debug("Backend output stream closed", "pid", proc.PID, "source", source, "error", err)
	}
}
