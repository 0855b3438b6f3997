package supervisor

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stagehand-labs/stagehand/config"
)

// writeScript creates an executable shell script for launch tests.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "server.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}
	return path
}

func launchTestConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		BindHost:       "127.0.0.1",
		BindPort:       8000,
		DatabasePath:   filepath.Join(t.TempDir(), "db.sqlite3"),
		SettingsModule: "config.settings",
	}
}

func TestLaunchDetectsImmediateExit(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("launch fixtures are unix shell scripts")
	}
	script := writeScript(t, `echo "Error: missing dependency" >&2
exit 3`)
	candidate := &Candidate{Command: script, Dir: filepath.Dir(script), Kind: KindBundledExecutable}

	launcher := NewLauncher(testLogger())
	proc, err := launcher.Launch(launchTestConfig(t), candidate)
	if proc != nil {
		t.Fatal("expected no process handle on immediate exit")
	}
	var immediate *ImmediateExitError
	if !errors.As(err, &immediate) {
		t.Fatalf("expected ImmediateExitError, got %v", err)
	}
	if immediate.ExitStatus != 3 {
		t.Errorf("expected exit status 3, got %d", immediate.ExitStatus)
	}
	if immediate.AttemptID == "" {
		t.Error("expected a non-empty attempt ID")
	}
}

func TestLaunchReturnsLiveProcess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("launch fixtures are unix shell scripts")
	}
	// exec keeps the script's PID so the kill hits the sleep directly.
	script := writeScript(t, "exec sleep 30")
	candidate := &Candidate{Command: script, Dir: filepath.Dir(script), Kind: KindBundledExecutable}

	launcher := NewLauncher(testLogger())
	proc, err := launcher.Launch(launchTestConfig(t), candidate)
	if err != nil {
		t.Fatalf("expected launch to succeed, got %v", err)
	}
	if proc.PID <= 0 {
		t.Errorf("expected a real PID, got %d", proc.PID)
	}
	if exited, _ := proc.Exited(); exited {
		t.Error("process should still be running after launch")
	}
	select {
	case <-proc.Done():
		t.Fatal("done channel must stay open while the process runs")
	default:
	}

	if err := proc.KillTree(testLogger()); err != nil {
		t.Fatalf("failed to kill process tree: %v", err)
	}
	select {
	case <-proc.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit after KillTree")
	}
	if exited, _ := proc.Exited(); !exited {
		t.Error("exit must be recorded once the process is gone")
	}
}

func TestLaunchCapturesOutput(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("launch fixtures are unix shell scripts")
	}
	script := writeScript(t, `echo "Starting development server" >&2
exec sleep 30`)
	candidate := &Candidate{Command: script, Dir: filepath.Dir(script), Kind: KindBundledExecutable}

	launcher := NewLauncher(testLogger())
	proc, err := launcher.Launch(launchTestConfig(t), candidate)
	if err != nil {
		t.Fatalf("expected launch to succeed, got %v", err)
	}
	defer func() {
		proc.KillTree(testLogger())
		<-proc.Done()
	}()

	// The drain goroutine races the assertion; poll briefly.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, line := range proc.StderrTail() {
			if line == "Starting development server" {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Errorf("expected captured stderr line, got %v", proc.StderrTail())
}
