//go:build !windows

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// configureCommand places the child in its own process group so the entire
// tree can be signalled through the negative pid.
func configureCommand(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminateTree kills pid and every process it has spawned. Children
// launched by the supervisor lead their own process group; for those,
// signalling -pid reaches the whole tree. Orphans found by the port reaper
// may not, so the single pid is signalled as well.
func terminateTree(logger *slog.Logger, pid int) error {
	if pid <= 0 {
		return nil
	}

	groupErr := syscall.Kill(-pid, syscall.SIGTERM)
	pidErr := syscall.Kill(pid, syscall.SIGTERM)
	if groupErr != nil && pidErr != nil {
		if errors.Is(pidErr, syscall.ESRCH) {
			// Already gone.
			return nil
		}
		// EPERM and friends: the process exists but cannot be signalled,
		// e.g. a port occupant owned by another user.
		return fmt.Errorf("failed to signal pid %d: %w", pid, pidErr)
	}

	time.Sleep(treeKillGrace)

	// Signal 0 checks liveness without delivering anything.
	if syscall.Kill(pid, syscall.Signal(0)) == nil {
		logger.Warn("Process survived SIGTERM, sending SIGKILL", "pid", pid)
		_ = syscall.Kill(-pid, syscall.SIGKILL)
		if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
			return fmt.Errorf("failed to SIGKILL pid %d: %w", pid, err)
		}
	}
	return nil
}

// listenerPIDs returns the PIDs of processes listening on the TCP port,
// using lsof's socket table inspection. A non-zero exit with no output means
// no listeners; an unrunnable lsof is reported so the caller can log it.
func listenerPIDs(ctx context.Context, port int) ([]int, error) {
	cmd := exec.CommandContext(ctx, "lsof", "-ti", fmt.Sprintf(":%d", port), "-sTCP:LISTEN")
	configureCommand(cmd)
	out, err := cmd.Output()
	if err != nil {
		var execErr *exec.Error
		if errors.As(err, &execErr) {
			return nil, fmt.Errorf("lsof unavailable: %w", err)
		}
		// lsof exits 1 when nothing matches the filter.
		return nil, nil
	}

	var pids []int
	for _, field := range strings.Fields(strings.TrimSpace(string(out))) {
		pid, convErr := strconv.Atoi(field)
		if convErr != nil {
			continue
		}
		pids = append(pids, pid)
	}
	return pids, nil
}
