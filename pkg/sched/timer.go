package sched

import "time"

// TimerState tracks a timer through its one-shot lifecycle.
type TimerState int

const (
	TimerIdle TimerState = iota
	TimerRunning
	TimerFired
	TimerCancelled
)

// String returns the string representation of TimerState.
func (s TimerState) String() string {
	switch s {
	case TimerIdle:
		return "idle"
	case TimerRunning:
		return "running"
	case TimerFired:
		return "fired"
	case TimerCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Timer is a cancellable one-shot deadline. The callback runs on the
// scheduler loop exactly once unless the timer is cancelled first;
// cancelling after the fact is a no-op, as is a deadline that arrives
// after cancellation.
type Timer struct {
	sched    *Scheduler
	name     string
	fn       Callback
	state    TimerState
	deadline time.Time
}

// NewTimer creates an idle timer owned by this scheduler.
func (s *Scheduler) NewTimer(name string, fn Callback) *Timer {
	return &Timer{sched: s, name: name, fn: fn}
}

// Start arms the timer. Only an idle timer can be started; starting a
// running, fired, or cancelled timer is a no-op.
func (t *Timer) Start(d time.Duration) {
	s := t.sched
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.state != TimerIdle {
		return
	}
	t.state = TimerRunning
	t.deadline = s.clock.Now().Add(d)
	s.timers = append(s.timers, t)
}

// Cancel disarms the timer. Idempotent; safe to call regardless of
// state. A timer that already fired stays fired.
func (t *Timer) Cancel() {
	s := t.sched
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.state != TimerRunning {
		return
	}
	t.state = TimerCancelled
	for i, other := range s.timers {
		if other == t {
			s.timers = append(s.timers[:i], s.timers[i+1:]...)
			break
		}
	}
}

// State returns the timer's current state.
func (t *Timer) State() TimerState {
	t.sched.mu.Lock()
	defer t.sched.mu.Unlock()
	return t.state
}
