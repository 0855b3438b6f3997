package supervisor

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

const (
	defaultProbeInterval = 500 * time.Millisecond
	defaultProbeTimeout  = 2 * time.Second
	defaultProbeBudget   = 30 * time.Second
)

// Prober polls the backend's health endpoint until it answers, the process
// dies, or the wait budget elapses. Readiness means the service is actually
// answering requests, which is distinct from the OS reporting the process
// as running.
type Prober struct {
	client   *http.Client
	interval time.Duration
	budget   time.Duration
	logger   *slog.Logger
}

// NewProber creates a Prober with the standard cadence: a probe every
// 500ms, 2s per request, 30s overall.
func NewProber(logger *slog.Logger) *Prober {
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{
		client:   &http.Client{Timeout: defaultProbeTimeout},
		interval: defaultProbeInterval,
		budget:   defaultProbeBudget,
		logger:   logger.With("component", "Prober"),
	}
}

// WaitReady blocks until the health endpoint answers with a 2xx status,
// returning the observed startup latency. It terminates in bounded time:
// Ready, DiedDuringStartupError when the process exits first, or
// TimeoutError when the budget elapses. Each probe request carries its own
// short timeout so a hung connection cannot stall the loop.
func (p *Prober) WaitReady(ctx context.Context, proc *Process, healthURL string) (time.Duration, error) {
	started := time.Now()
	deadline := time.NewTimer(p.budget)
	defer deadline.Stop()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	var lastErr error
	for {
		if ok, err := p.probeOnce(ctx, healthURL); ok {
			latency := time.Since(started)
			p.logger.Info("Backend is ready", "latency", latency, "url", healthURL)
			return latency, nil
		} else if err != nil {
			lastErr = err
		}

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-proc.Done():
			_, status := proc.Exited()
			return 0, &DiedDuringStartupError{
				AttemptID:  proc.AttemptID,
				ExitStatus: status,
				StderrTail: proc.StderrTail(),
			}
		case <-deadline.C:
			return 0, &TimeoutError{Budget: p.budget, LastErr: lastErr}
		case <-ticker.C:
		}
	}
}

// probeOnce performs a single health request. A non-2xx response is not an
// error worth recording; it just means not ready yet.
func (p *Prober) probeOnce(ctx context.Context, healthURL string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
	if err != nil {
		return false, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300, nil
}
