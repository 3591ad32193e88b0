package task

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Sink is the logging surface handed to a Task's Body. It writes to the
// debug and event files of the task's output directory; both are opened
// append-only and only ever appended to while the task is processing or
// cancelling. The result file is written once, by the manager, after the
// Body returns.
type Sink struct {
	mu    sync.Mutex
	debug *os.File
	event *os.File
}

func newSink(dir string) (*Sink, error) {
	debug, err := os.OpenFile(filepath.Join(dir, "debug"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open debug log: %w", err)
	}
	event, err := os.OpenFile(filepath.Join(dir, "event"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		debug.Close()
		return nil, fmt.Errorf("open event log: %w", err)
	}
	return &Sink{debug: debug, event: event}, nil
}

// Debugf writes a timestamped diagnostic line, used for non-domain errors'
// backtraces and verbose step-by-step narration of the task body.
func (s *Sink) Debugf(format string, args ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.debug, "%s %s\n", time.Now().UTC().Format(time.RFC3339Nano), fmt.Sprintf(format, args...))
}

// Eventf writes a timestamped, user-facing progress line: one per instance
// update, compile, or resource-pool change, the stream an operator tails
// with `GET /tasks/:id/output`.
func (s *Sink) Eventf(format string, args ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.event, "%s %s\n", time.Now().UTC().Format(time.RFC3339Nano), fmt.Sprintf(format, args...))
}

// Close flushes and closes both streams. Safe to call once, from the
// worker that owns this Sink.
func (s *Sink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.debug.Close()
	s.event.Close()
}
