// Package stats collects step timings and failure counts, keyed by
// attempt number. The collector is an injected handle, not a global;
// the orchestrator receives one at construction and threads it through.
package stats

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/devicelab-dev/simrunner/pkg/core"
)

// Timing is one completed (or still open) step timer.
type Timing struct {
	Attempt  int
	Label    string
	Start    time.Time
	Duration time.Duration
	Done     bool
}

// Failure is one recorded failure occurrence.
type Failure struct {
	Attempt int
	Kind    core.ExitStatus
}

// Collector accumulates timings and failures for a whole run.
type Collector struct {
	// Now is the time source; replaceable in tests.
	Now func() time.Time

	mu       sync.Mutex
	timings  map[string]*Timing
	order    []string
	failures []Failure
}

// New creates a Collector using the wall clock.
func New() *Collector {
	return &Collector{
		Now:     time.Now,
		timings: make(map[string]*Timing),
	}
}

func key(attempt int, label string) string {
	return fmt.Sprintf("%d/%s", attempt, label)
}

// StartTimer opens a step timer. Starting an already open timer resets it.
func (c *Collector) StartTimer(attempt int, label string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key(attempt, label)
	if _, exists := c.timings[k]; !exists {
		c.order = append(c.order, k)
	}
	c.timings[k] = &Timing{Attempt: attempt, Label: label, Start: c.Now()}
}

// EndTimer closes a step timer and returns its duration. Ending a timer
// that was never started, or ending one twice, returns zero.
func (c *Collector) EndTimer(attempt int, label string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	tm, exists := c.timings[key(attempt, label)]
	if !exists || tm.Done {
		return 0
	}
	tm.Duration = c.Now().Sub(tm.Start)
	tm.Done = true
	return tm.Duration
}

// RecordFailure records one failure occurrence against its attempt.
func (c *Collector) RecordFailure(attempt int, kind core.ExitStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = append(c.failures, Failure{Attempt: attempt, Kind: kind})
}

// FailureCount returns how many times the kind was recorded, across
// all attempts.
func (c *Collector) FailureCount(kind core.ExitStatus) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, f := range c.failures {
		if f.Kind == kind {
			n++
		}
	}
	return n
}

// Failures returns all recorded failures in record order.
func (c *Collector) Failures() []Failure {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Failure, len(c.failures))
	copy(out, c.failures)
	return out
}

// Timings returns all timings in start order.
func (c *Collector) Timings() []Timing {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Timing, 0, len(c.order))
	for _, k := range c.order {
		out = append(out, *c.timings[k])
	}
	return out
}

// Summary renders a human-readable digest of timings and failures.
func (c *Collector) Summary() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var b strings.Builder
	for _, k := range c.order {
		tm := c.timings[k]
		if !tm.Done {
			continue
		}
		fmt.Fprintf(&b, "attempt %d: %s took %v\n", tm.Attempt, tm.Label, tm.Duration.Round(time.Millisecond))
	}

	for _, f := range c.failures {
		fmt.Fprintf(&b, "attempt %d: failed with %s\n", f.Attempt, f.Kind)
	}

	return b.String()
}
