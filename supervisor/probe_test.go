package supervisor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func testProber(interval, timeout, budget time.Duration) *Prober {
	return &Prober{
		client:   &http.Client{Timeout: timeout},
		interval: interval,
		budget:   budget,
		logger:   testLogger(),
	}
}

// fakeProcess builds a Process handle without an underlying command, for
// exercising the prober's exit handling.
func fakeProcess(exited bool, status int) *Process {
	p := &Process{
		AttemptID: "test-attempt",
		PID:       1234,
		diag:      NewDiagnosticBuffer(10),
		done:      make(chan struct{}),
	}
	if exited {
		p.exited = true
		p.exitStatus = status
		close(p.done)
	}
	return p
}

func TestWaitReadySucceedsAfterInitialFailures(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	prober := testProber(10*time.Millisecond, time.Second, 5*time.Second)
	latency, err := prober.WaitReady(context.Background(), fakeProcess(false, 0), server.URL+"/health")
	if err != nil {
		t.Fatalf("expected readiness, got %v", err)
	}
	if latency <= 0 {
		t.Errorf("expected a positive startup latency, got %v", latency)
	}
	if calls.Load() < 3 {
		t.Errorf("expected at least 3 probe requests, got %d", calls.Load())
	}
}

func TestWaitReadyReportsDeathDuringStartup(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	proc := fakeProcess(true, 9)
	proc.diag.Append("stderr", "Traceback (most recent call last):")

	prober := testProber(10*time.Millisecond, time.Second, 5*time.Second)
	_, err := prober.WaitReady(context.Background(), proc, server.URL+"/health")
	var died *DiedDuringStartupError
	if !errors.As(err, &died) {
		t.Fatalf("expected DiedDuringStartupError, got %v", err)
	}
	if died.ExitStatus != 9 {
		t.Errorf("expected exit status 9, got %d", died.ExitStatus)
	}
	if len(died.StderrTail) == 0 {
		t.Error("expected captured output in the error")
	}
}

func TestWaitReadyTimesOutInBoundedTime(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	budget := 200 * time.Millisecond
	interval := 20 * time.Millisecond
	prober := testProber(interval, time.Second, budget)

	started := time.Now()
	_, err := prober.WaitReady(context.Background(), fakeProcess(false, 0), server.URL+"/health")
	elapsed := time.Since(started)

	var timeout *TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if timeout.Budget != budget {
		t.Errorf("expected budget %v in error, got %v", budget, timeout.Budget)
	}
	// Bounded: the wait must not overshoot the budget by more than one
	// probe cycle plus scheduling slack.
	if elapsed > budget+interval+time.Second {
		t.Errorf("wait took %v, budget was %v", elapsed, budget)
	}
}

func TestWaitReadyHonorsContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	prober := testProber(10*time.Millisecond, time.Second, 30*time.Second)
	_, err := prober.WaitReady(ctx, fakeProcess(false, 0), server.URL+"/health")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestWaitReadyRecordsLastProbeError(t *testing.T) {
	// Point at a closed server so every probe fails at the transport level.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	prober := testProber(20*time.Millisecond, time.Second, 150*time.Millisecond)
	_, err := prober.WaitReady(context.Background(), fakeProcess(false, 0), url+"/health")
	var timeout *TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if timeout.LastErr == nil {
		t.Error("expected the last transport error to be retained")
	}
}
