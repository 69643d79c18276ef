package orchestrator

import (
	"time"

	"github.com/devicelab-dev/simrunner/pkg/sched"
)

// stepResult carries the payload of a successful async step. Only the
// launch step produces one (the launched process id).
type stepResult struct {
	pid int
}

type resolution int

const (
	resolveSuccess resolution = iota
	resolveError
	resolveTimeout
)

// stepHandler wraps exactly one async device call, racing the call's
// completion against a watchdog. Across the handler's lifetime exactly
// one of onSuccess/onError/onTimeout runs; begin runs exactly once,
// immediately before whichever terminal branch fires. A completion
// arriving after the watchdog fired (or after the handler was
// abandoned) is ignored. All resolution happens on the scheduler loop,
// so the one-shot guard is a plain bool.
type stepHandler struct {
	orch     *Orchestrator
	name     string
	timer    *sched.Timer
	resolved bool

	begin     func()
	onSuccess func(stepResult)
	onError   func(error)
	onTimeout func()
}

// runStep installs the handler, arms a watchdog, and executes op on a
// worker goroutine. The op's outcome is delivered back onto the
// scheduler loop through the handler's one-shot guard.
func (o *Orchestrator) runStep(h *stepHandler, timeout time.Duration, op func() (stepResult, error)) {
	h.orch = o

	watchdog := o.sched.NewTimer(h.name+"-watchdog", func() {
		h.resolve(resolveTimeout, stepResult{}, nil)
	})
	h.timer = watchdog
	watchdog.Start(timeout)
	o.inflight = h

	o.sched.Go(func() {
		res, err := op()
		o.sched.Schedule(h.name+"-completed", func() {
			if err != nil {
				h.resolve(resolveError, stepResult{}, err)
			} else {
				h.resolve(resolveSuccess, res, nil)
			}
		})
	})
}

func (h *stepHandler) resolve(r resolution, res stepResult, err error) {
	if h.resolved {
		return
	}
	h.resolved = true
	h.timer.Cancel()
	if h.orch.inflight == h {
		h.orch.inflight = nil
	}

	if h.begin != nil {
		h.begin()
	}
	switch r {
	case resolveSuccess:
		h.onSuccess(res)
	case resolveError:
		h.onError(err)
	case resolveTimeout:
		h.onTimeout()
	}
}

// abandon marks the handler resolved without running any terminal
// branch. Used when an interrupt bypasses the in-flight step; a late
// completion then finds the guard closed and is dropped.
func (h *stepHandler) abandon() {
	if h.resolved {
		return
	}
	h.resolved = true
	h.timer.Cancel()
}
