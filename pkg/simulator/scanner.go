package simulator

import (
	"bytes"
	"strings"
	"sync"
)

// outcomeScanner watches the raw test output stream for the markers
// that classify a finished run: failed-case terminal lines and the
// per-case execution time allowance breach. Full parsing is the report
// package's job; this only answers "how did it end".
type outcomeScanner struct {
	mu       sync.Mutex
	buf      bytes.Buffer
	failed   int
	timedOut bool
}

func newOutcomeScanner() *outcomeScanner {
	return &outcomeScanner{}
}

// Write implements io.Writer; partial lines are buffered.
func (s *outcomeScanner) Write(data []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buf.Write(data)
	for {
		line, err := s.buf.ReadString('\n')
		if err != nil {
			s.buf.WriteString(line)
			break
		}
		s.scanLine(strings.TrimRight(line, "\r\n"))
	}
	return len(data), nil
}

func (s *outcomeScanner) scanLine(line string) {
	if strings.HasPrefix(line, "Test Case") && strings.Contains(line, "' failed (") {
		s.failed++
	}
	if strings.Contains(line, "exceeded execution time allowance") {
		s.timedOut = true
	}
}

// Reset clears state before a new launch.
func (s *outcomeScanner) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf.Reset()
	s.failed = 0
	s.timedOut = false
}

// FailedCount returns the number of failed-case lines seen.
func (s *outcomeScanner) FailedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}

// TimedOut reports whether any case breached its time allowance.
func (s *outcomeScanner) TimedOut() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timedOut
}
