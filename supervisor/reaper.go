package supervisor

import (
	"context"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"
)

// treeKillGrace is how long terminateTree waits after a graceful signal
// before escalating to a forceful kill.
const treeKillGrace = 500 * time.Millisecond

// PortReaper finds and terminates processes bound to the backend's fixed
// port. It runs before every launch so an orphan from a crashed session
// cannot block startup, and again after teardown as a safety net.
type PortReaper struct {
	logger *slog.Logger
}

// NewPortReaper creates a PortReaper.
func NewPortReaper(logger *slog.Logger) *PortReaper {
	if logger == nil {
		logger = slog.Default()
	}
	return &PortReaper{logger: logger.With("component", "PortReaper")}
}

// Reap terminates every process listening on the port and returns how many
// were signalled. A clear port is a no-op. Failures are logged, never
// fatal: the subsequent bind attempt by the real launch is the
// authoritative success signal.
func (r *PortReaper) Reap(ctx context.Context, host string, port int) int {
	if portFree(host, port) {
		r.logger.Debug("Port is free, nothing to reap", "port", port)
		return 0
	}

	pids, err := listenerPIDs(ctx, port)
	if err != nil {
		r.logger.Warn("Could not enumerate port listeners", "port", port, "error", err)
		return 0
	}
	if len(pids) == 0 {
		// Listener enumeration cannot see into other users' processes;
		// the port may still free up once the socket leaves TIME_WAIT.
		r.logger.Debug("Port occupied but no killable listener found", "port", port)
		return 0
	}

	self := os.Getpid()
	reaped := 0
	for _, pid := range pids {
		if pid == self {
			continue
		}
		r.logger.Info("Terminating stale process holding port", "port", port, "pid", pid)
		if err := terminateTree(r.logger, pid); err != nil {
			r.logger.Warn("Failed to terminate port occupant", "port", port, "pid", pid, "error", err)
			continue
		}
		reaped++
	}
	return reaped
}

// portFree checks availability by binding to the port, the same
// authoritative test the launched server will perform.
func portFree(host string, port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	l.Close()
	return true
}
