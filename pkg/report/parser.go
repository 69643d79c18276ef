// Package report parses test-runner output and renders result reports.
//
// The Parser consumes the raw output stream of a test run (xcodebuild
// style "Test Case ..." lines), forwards it verbatim to a log
// destination, and tracks per-case verdicts. Renderers turn the parsed
// state into plain text, JUnit XML, or machine JSON.
package report

import (
	"bytes"
	"io"
	"regexp"
	"strconv"
	"sync"
	"time"
)

// Status represents a test case verdict.
type Status string

// Status values.
const (
	StatusRunning Status = "running"
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
)

// TestCase is one parsed test case.
type TestCase struct {
	ClassName string
	Name      string
	Duration  time.Duration
	Status    Status
	Message   string
}

// ID returns the "Class/test" identity used for test exclusion.
func (tc TestCase) ID() string {
	return tc.ClassName + "/" + tc.Name
}

// Summary aggregates a run's parsed results.
type Summary struct {
	Total    int
	Passed   int
	Failed   int
	Duration time.Duration
}

var (
	suiteStartRe = regexp.MustCompile(`^Test Suite '([^']+)' started`)
	caseStartRe  = regexp.MustCompile(`^Test Case '-\[(\S+) ([^\]]+)\]' started\.`)
	caseEndRe    = regexp.MustCompile(`^Test Case '-\[(\S+) ([^\]]+)\]' (passed|failed) \(([0-9.]+) seconds\)\.`)
	failDetailRe = regexp.MustCompile(`error: -\[(\S+) ([^\]]+)\] : (.+)$`)
)

// Parser is an io.Writer that parses test output line by line while
// forwarding the raw stream to its destination. Write is safe to call
// from the goroutine streaming runner output; all other methods are
// called from the orchestration loop.
type Parser struct {
	mu        sync.Mutex
	raw       io.Writer
	buf       bytes.Buffer
	suite     string
	cases     []TestCase
	open      int // index into cases of the running case, -1 if none
	complete  bool
	finalized bool
}

// NewParser creates a parser forwarding raw output to dest.
func NewParser(dest io.Writer) *Parser {
	if dest == nil {
		dest = io.Discard
	}
	return &Parser{raw: dest, open: -1}
}

// Write implements io.Writer. Partial lines are buffered until the
// newline arrives.
func (p *Parser) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := p.raw.Write(data); err != nil {
		// Log destination failures never disturb parsing.
		p.raw = io.Discard
	}

	p.buf.Write(data)
	for {
		line, err := p.buf.ReadString('\n')
		if err != nil {
			// Put the partial line back and wait for more.
			p.buf.WriteString(line)
			break
		}
		p.parseLine(line[:len(line)-1])
	}

	return len(data), nil
}

func (p *Parser) parseLine(line string) {
	if m := suiteStartRe.FindStringSubmatch(line); m != nil {
		p.suite = m[1]
		return
	}

	if m := caseStartRe.FindStringSubmatch(line); m != nil {
		p.cases = append(p.cases, TestCase{
			ClassName: m[1],
			Name:      m[2],
			Status:    StatusRunning,
		})
		p.open = len(p.cases) - 1
		return
	}

	if m := caseEndRe.FindStringSubmatch(line); m != nil {
		idx := p.findCase(m[1], m[2])
		if idx < 0 {
			// Terminal line without a start line; record it anyway.
			p.cases = append(p.cases, TestCase{ClassName: m[1], Name: m[2]})
			idx = len(p.cases) - 1
		}
		tc := &p.cases[idx]
		if seconds, err := strconv.ParseFloat(m[4], 64); err == nil {
			tc.Duration = time.Duration(seconds * float64(time.Second))
		}
		if m[3] == "passed" {
			tc.Status = StatusPassed
		} else {
			tc.Status = StatusFailed
		}
		if p.open == idx {
			p.open = -1
		}
		return
	}

	if m := failDetailRe.FindStringSubmatch(line); m != nil {
		if idx := p.findCase(m[1], m[2]); idx >= 0 && p.cases[idx].Message == "" {
			p.cases[idx].Message = m[3]
		}
		return
	}
}

func (p *Parser) findCase(className, name string) int {
	for i := len(p.cases) - 1; i >= 0; i-- {
		if p.cases[i].ClassName == className && p.cases[i].Name == name {
			return i
		}
	}
	return -1
}

// Reset discards all parsed state. The raw destination is untouched.
func (p *Parser) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.buf.Reset()
	p.suite = ""
	p.cases = nil
	p.open = -1
	p.complete = false
	p.finalized = false
}

// MarkComplete records that the runner reported the run finished.
func (p *Parser) MarkComplete() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.complete = true
}

// IsComplete reports whether MarkComplete was called.
func (p *Parser) IsComplete() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.complete
}

// ForceFinalComputation settles any still-running case as failed. Used
// on the last permitted attempt, where deferred aggregation would
// otherwise leave an unfinished case unreported.
func (p *Parser) ForceFinalComputation() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.finalized {
		return
	}
	p.finalized = true
	for i := range p.cases {
		if p.cases[i].Status == StatusRunning {
			p.cases[i].Status = StatusFailed
			if p.cases[i].Message == "" {
				p.cases[i].Message = "test did not finish"
			}
		}
	}
	p.open = -1
}

// Suite returns the parsed suite name.
func (p *Parser) Suite() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.suite
}

// Cases returns a copy of the parsed test cases.
func (p *Parser) Cases() []TestCase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]TestCase(nil), p.cases...)
}

// Summarize computes the run summary from settled cases.
func (p *Parser) Summarize() Summary {
	p.mu.Lock()
	defer p.mu.Unlock()

	var s Summary
	for _, tc := range p.cases {
		s.Total++
		s.Duration += tc.Duration
		switch tc.Status {
		case StatusPassed:
			s.Passed++
		case StatusFailed:
			s.Failed++
		}
	}
	return s
}

// FailedTests returns the Class/test ids of all failed cases.
func (p *Parser) FailedTests() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var failed []string
	for _, tc := range p.cases {
		if tc.Status == StatusFailed {
			failed = append(failed, tc.ID())
		}
	}
	return failed
}
