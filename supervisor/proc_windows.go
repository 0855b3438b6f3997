//go:build windows

package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
)

// createNoWindow prevents a console window from appearing for the child on
// Windows, where spawning a console program from a GUI otherwise opens one.
const createNoWindow = 0x08000000

// configureCommand hides the child's console window.
func configureCommand(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		HideWindow:    true,
		CreationFlags: createNoWindow,
	}
}

// terminateTree kills pid and every descendant using taskkill's tree mode.
// Killing only the parent would orphan the worker processes the server
// spawns on Windows.
func terminateTree(logger *slog.Logger, pid int) error {
	if pid <= 0 {
		return nil
	}
	cmd := exec.Command("taskkill", "/T", "/F", "/PID", strconv.Itoa(pid))
	configureCommand(cmd)
	out, err := cmd.CombinedOutput()
	if err != nil {
		// taskkill exits 128 when the pid no longer exists; that is a
		// successful outcome for our purposes.
		if strings.Contains(string(out), "not found") {
			return nil
		}
		return fmt.Errorf("taskkill failed for pid %d: %w (%s)", pid, err, strings.TrimSpace(string(out)))
	}
	logger.Debug("Killed process tree", "pid", pid)
	return nil
}

// listenerPIDs returns the PIDs of processes listening on the TCP port by
// parsing netstat's PID table.
func listenerPIDs(ctx context.Context, port int) ([]int, error) {
	cmd := exec.CommandContext(ctx, "netstat", "-ano", "-p", "TCP")
	configureCommand(cmd)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("netstat unavailable: %w", err)
	}

	suffix := fmt.Sprintf(":%d", port)
	seen := make(map[int]bool)
	var pids []int
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		// Proto LocalAddress ForeignAddress State PID
		if len(fields) < 5 || fields[3] != "LISTENING" {
			continue
		}
		if !strings.HasSuffix(fields[1], suffix) {
			continue
		}
		pid, convErr := strconv.Atoi(fields[4])
		if convErr != nil || seen[pid] {
			continue
		}
		seen[pid] = true
		pids = append(pids, pid)
	}
	return pids, nil
}
