package supervisor

import (
	"strings"
	"sync"
	"time"
)

// DiagnosticLine is a single captured line of backend output.
type DiagnosticLine struct {
	Timestamp time.Time
	Source    string // "stdout" or "stderr"
	Text      string
}

// DiagnosticBuffer maintains a circular buffer of recent backend output
// lines. Its tail is attached to launch failures so the user sees what the
// backend printed before dying, without the supervisor retaining unbounded
// output from a long-lived process.
type DiagnosticBuffer struct {
	mu       sync.Mutex
	lines    []DiagnosticLine
	capacity int
}

// NewDiagnosticBuffer creates a buffer retaining the last capacity lines.
func NewDiagnosticBuffer(capacity int) *DiagnosticBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &DiagnosticBuffer{
		lines:    make([]DiagnosticLine, 0, capacity),
		capacity: capacity,
	}
}

// Append adds a line to the buffer, evicting the oldest entry when full.
func (b *DiagnosticBuffer) Append(source, text string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.lines) >= b.capacity {
		b.lines = b.lines[1:]
	}
	b.lines = append(b.lines, DiagnosticLine{
		Timestamp: time.Now(),
		Source:    source,
		Text:      text,
	})
}

// Tail returns the text of the most recent count lines, oldest first.
func (b *DiagnosticBuffer) Tail(count int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if count <= 0 || len(b.lines) == 0 {
		return nil
	}
	start := len(b.lines) - count
	if start < 0 {
		start = 0
	}
	out := make([]string, 0, len(b.lines)-start)
	for _, line := range b.lines[start:] {
		out = append(out, line.Text)
	}
	return out
}

// Len returns the number of buffered lines.
func (b *DiagnosticBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.lines)
}

// errorMarkers are substrings that distinguish genuine backend errors from
// routine request-log noise on stderr. Django writes every access log line
// to stderr, so stderr alone cannot be treated as a failure signal.
var errorMarkers = []string{"Error", "Exception", "Traceback", "CRITICAL", "FATAL"}

// isErrorLine reports whether a line of backend output looks like a genuine
// error rather than request logging.
func isErrorLine(line string) bool {
	for _, marker := range errorMarkers {
		if strings.Contains(line, marker) {
			return true
		}
	}
	return false
}
