package supervisor

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrAlreadyRunning is returned by Start when the process slot is
	// already occupied. The caller must tear down the existing backend
	// before launching a new one.
	ErrAlreadyRunning = errors.New("backend process slot is already occupied")

	// ErrSessionActive is returned when another shell session holds the
	// session lock, meaning its backend may still own the port.
	ErrSessionActive = errors.New("another shell session is already active")
)

// NoRuntimeError means no usable server executable or interpreter could be
// found. It is fatal to startup and carries every location that was tried so
// the failure can be rendered as one actionable message.
type NoRuntimeError struct {
	Tried []string
}

func (e *NoRuntimeError) Error() string {
	if len(e.Tried) == 0 {
		return "no server runtime found"
	}
	return fmt.Sprintf("no server runtime found; tried: %s", strings.Join(e.Tried, ", "))
}

// ImmediateExitError means the backend process exited before the launcher
// finished its post-spawn liveness check. This usually indicates a broken
// binary or a missing dependency rather than a slow start.
type ImmediateExitError struct {
	AttemptID  string
	ExitStatus int
	StderrTail []string
}

func (e *ImmediateExitError) Error() string {
	msg := fmt.Sprintf("backend exited immediately with status %d (attempt %s)", e.ExitStatus, e.AttemptID)
	if len(e.StderrTail) > 0 {
		msg += "; stderr: " + strings.Join(e.StderrTail, " | ")
	}
	return msg
}

// DiedDuringStartupError means the backend process exited while the
// readiness prober was still waiting for a successful health response.
type DiedDuringStartupError struct {
	AttemptID  string
	ExitStatus int
	StderrTail []string
}

func (e *DiedDuringStartupError) Error() string {
	msg := fmt.Sprintf("backend died during startup with status %d (attempt %s)", e.ExitStatus, e.AttemptID)
	if len(e.StderrTail) > 0 {
		msg += "; stderr: " + strings.Join(e.StderrTail, " | ")
	}
	return msg
}

// TimeoutError means the readiness budget elapsed while the backend process
// was still alive but never answered the health check. Distinct from a
// crash: the process exists but something is hung.
type TimeoutError struct {
	Budget  time.Duration
	LastErr error
}

func (e *TimeoutError) Error() string {
	if e.LastErr != nil {
		return fmt.Sprintf("backend not ready after %s; last probe error: %v", e.Budget, e.LastErr)
	}
	return fmt.Sprintf("backend not ready after %s", e.Budget)
}

func (e *TimeoutError) Unwrap() error { return e.LastErr }
