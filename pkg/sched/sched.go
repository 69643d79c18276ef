// Package sched implements the cooperative scheduler that serializes
// all orchestration state transitions onto a single loop, plus the
// one-shot watchdog timers that ride on it.
package sched

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/devicelab-dev/simrunner/pkg/logger"
)

// DefaultTick is the idle poll granularity. The loop checks the
// interrupt flag at least this often while no work is queued.
const DefaultTick = 5 * time.Millisecond

// Callback is a unit of work executed on the scheduler loop.
type Callback func()

type task struct {
	name string
	fn   Callback
}

// Scheduler runs scheduled callbacks one at a time on a single logical
// thread. Scheduling never blocks; a scheduled callback always runs
// after the currently executing callback has returned. Timers fire by
// enqueueing their callbacks onto the same loop, so timer expiry never
// races a step.
type Scheduler struct {
	clock Clock
	tick  time.Duration

	mu     sync.Mutex
	queue  []task
	timers []*Timer

	interrupted   atomic.Bool
	onInterrupt   Callback
	interruptSeen bool

	stopped atomic.Bool
	pending atomic.Int64
}

// New creates a scheduler. A nil clock means the wall clock; a
// non-positive tick means DefaultTick.
func New(clock Clock, tick time.Duration) *Scheduler {
	if clock == nil {
		clock = RealClock{}
	}
	if tick <= 0 {
		tick = DefaultTick
	}
	return &Scheduler{clock: clock, tick: tick}
}

// Clock returns the scheduler's clock.
func (s *Scheduler) Clock() Clock {
	return s.clock
}

// Schedule enqueues a named callback. Safe to call from any goroutine;
// never blocks.
func (s *Scheduler) Schedule(name string, fn Callback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, task{name: name, fn: fn})
}

// Go runs fn on a worker goroutine and tracks it as outstanding until
// it returns. While work is outstanding the idle path waits in real
// time before letting the clock sleep, so a manually advanced clock
// cannot expire a watchdog before the work has had wall time to run.
func (s *Scheduler) Go(fn func()) {
	s.pending.Add(1)
	go func() {
		defer s.pending.Add(-1)
		fn()
	}()
}

// After arms a one-shot timer that schedules fn after d. Returns the
// timer so the caller can cancel it.
func (s *Scheduler) After(name string, d time.Duration, fn Callback) *Timer {
	t := s.NewTimer(name, fn)
	t.Start(d)
	return t
}

// OnInterrupt registers the callback invoked once when the interrupt
// flag is first observed by the loop. Must be set before Run.
func (s *Scheduler) OnInterrupt(fn Callback) {
	s.onInterrupt = fn
}

// Interrupt sets the interrupt flag. Safe to call from a signal
// handler; it touches no scheduler state beyond the atomic flag.
func (s *Scheduler) Interrupt() {
	s.interrupted.Store(true)
}

// Interrupted reports whether the interrupt flag is set.
func (s *Scheduler) Interrupted() bool {
	return s.interrupted.Load()
}

// Stop terminates the run loop after the current callback returns.
func (s *Scheduler) Stop() {
	s.stopped.Store(true)
}

// Run executes the loop until Stop is called. Each iteration observes
// the interrupt flag, fires due timers, then runs at most one queued
// callback; with nothing to do it sleeps one tick.
func (s *Scheduler) Run() {
	for {
		if s.stopped.Load() {
			return
		}

		if s.interrupted.Load() && !s.interruptSeen {
			s.interruptSeen = true
			logger.Info("interrupt observed by scheduler")
			if s.onInterrupt != nil {
				s.onInterrupt()
			}
			continue
		}

		s.fireDueTimers()

		t, ok := s.next()
		if !ok {
			s.idle()
			continue
		}

		logger.Debug("step: %s", t.name)
		t.fn()
	}
}

// idle waits one tick with nothing queued. Outstanding worker
// goroutines get a real tick to make progress first; only when the
// queue stays empty is the clock asked to sleep, which on a fake
// clock advances virtual time.
func (s *Scheduler) idle() {
	if s.pending.Load() > 0 {
		time.Sleep(s.tick)
		if s.hasWork() {
			return
		}
	}
	s.clock.Sleep(s.tick)
}

func (s *Scheduler) hasWork() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) > 0
}

func (s *Scheduler) next() (task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return task{}, false
	}
	t := s.queue[0]
	s.queue = s.queue[1:]
	return t, true
}

func (s *Scheduler) fireDueTimers() {
	now := s.clock.Now()

	s.mu.Lock()
	var due []*Timer
	remaining := s.timers[:0]
	for _, t := range s.timers {
		if t.state == TimerRunning && !t.deadline.After(now) {
			t.state = TimerFired
			due = append(due, t)
		} else if t.state == TimerRunning {
			remaining = append(remaining, t)
		}
	}
	s.timers = remaining
	for _, t := range due {
		s.queue = append(s.queue, task{name: t.name, fn: t.fn})
	}
	s.mu.Unlock()
}
