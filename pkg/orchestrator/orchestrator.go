// Package orchestrator drives a test run against an ephemeral
// simulator: a single-threaded, callback-driven state machine that
// sequences device-lifecycle steps, bounds each with a watchdog,
// classifies terminal outcomes, and applies two retry policies until a
// final verdict is reached or the budgets are spent.
package orchestrator

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/devicelab-dev/simrunner/pkg/config"
	"github.com/devicelab-dev/simrunner/pkg/core"
	"github.com/devicelab-dev/simrunner/pkg/logger"
	"github.com/devicelab-dev/simrunner/pkg/proc"
	"github.com/devicelab-dev/simrunner/pkg/report"
	"github.com/devicelab-dev/simrunner/pkg/sched"
	"github.com/devicelab-dev/simrunner/pkg/stats"
)

// Options configure an Orchestrator.
type Options struct {
	// Config is the original run configuration; each restart attempt
	// works on a fresh deep copy of it.
	Config *config.Config

	// Scheduler is the loop everything runs on. Nil means a default
	// wall-clock scheduler.
	Scheduler *sched.Scheduler

	// Stats receives step timings and failure counts. Nil means a
	// fresh collector.
	Stats *stats.Collector

	// NewRunner builds the device runner for an attempt lineage.
	NewRunner func(cfg *config.Config) core.DeviceRunner

	// ProcessAlive probes launched-process liveness. Nil means the
	// signal-based probe.
	ProcessAlive func(pid int) bool
}

// Orchestrator owns the run loop state: the retry budgets, the sticky
// final status, and the current attempt's context. All mutation
// happens in scheduler-dispatched callbacks.
type Orchestrator struct {
	base         *config.Config
	sched        *sched.Scheduler
	stats        *stats.Collector
	newRunner    func(cfg *config.Config) core.DeviceRunner
	processAlive func(pid int) bool

	// Retry policy state; outlives any single context.
	failureTolerance int
	retries          int
	maxRetries       int

	// final is the sticky cross-attempt status. Once a continue-path
	// failure is recorded here, a later passing attempt never clears it.
	final core.ExitStatus

	ctx          *ExecutionContext
	inflight     *stepHandler
	monitorTimer *sched.Timer
	poll         backoff.BackOff
}

// New creates an orchestrator. The config must be valid.
func New(opts Options) (*Orchestrator, error) {
	if opts.Config == nil {
		return nil, core.ErrInvalidConfig.WithMessage("config is required")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, core.ErrInvalidConfig.WithCause(err)
	}
	if opts.NewRunner == nil {
		return nil, core.ErrInvalidConfig.WithMessage("device runner factory is required")
	}

	s := opts.Scheduler
	if s == nil {
		s = sched.New(nil, 0)
	}
	collector := opts.Stats
	if collector == nil {
		collector = stats.New()
	}
	alive := opts.ProcessAlive
	if alive == nil {
		alive = proc.Alive
	}

	return &Orchestrator{
		base:             opts.Config,
		sched:            s,
		stats:            collector,
		newRunner:        opts.NewRunner,
		processAlive:     alive,
		failureTolerance: opts.Config.FailureTolerance,
		maxRetries:       opts.Config.MaxRetries,
	}, nil
}

// Run executes attempts until a definitive verdict or exhausted
// budgets, and returns the final status: the sticky status merged with
// the last attempt's status.
func (o *Orchestrator) Run() core.ExitStatus {
	o.sched.OnInterrupt(o.handleInterrupt)
	o.beginAttempt(1)
	o.sched.Run()
	return o.final
}

// Retries returns how many retry slots (restart or continue) were used.
func (o *Orchestrator) Retries() int {
	return o.retries
}

// beginAttempt starts a brand-new attempt: fresh context, fresh deep
// copy of the original configuration, new device.
func (o *Orchestrator) beginAttempt(attempt int) {
	if o.ctx != nil {
		o.ctx.closeLog()
	}
	o.ctx = NewExecutionContext(o.base.Clone(), attempt)
	o.sched.Schedule("setup-execution", o.setupExecution)
}

// SetupExecution: allocate the attempt's log destination, construct
// the result parser bound to it, and obtain a device-runner handle.
func (o *Orchestrator) setupExecution() {
	// A forward step queued before the interrupt was observed must not
	// run after it; the interrupt handler already routed to teardown.
	if o.sched.Interrupted() {
		return
	}
	ctx := o.ctx
	o.stats.StartTimer(ctx.Attempt, "setup")

	ctx.closeLog()
	dest, destPath := o.openAttemptLog(ctx)
	ctx.Parser = report.NewParser(dest)

	if ctx.Attempt == 1 {
		o.deleteStaleReports(ctx)
	}

	if ctx.Runner == nil {
		ctx.Runner = o.newRunner(ctx.Config)
	}

	o.stats.EndTimer(ctx.Attempt, "setup")
	logger.Progress("attempt %d: setup complete (output: %s)", ctx.Attempt, destPath)

	if ctx.DeviceCreated {
		// Continue attempt: the device survived, app already installed.
		o.sched.Schedule("launch-app", o.launchApp)
	} else {
		o.sched.Schedule("create-device", o.createDevice)
	}
}

// openAttemptLog opens the attempt-numbered log destination, or a
// temporary file when no output directory is configured. A creation
// failure is downgraded to a fixed fallback path and finally to a
// discard sink; it is never fatal.
func (o *Orchestrator) openAttemptLog(ctx *ExecutionContext) (io.Writer, string) {
	if ctx.Config.OutputDir != "" {
		path := filepath.Join(ctx.Config.OutputDir, fmt.Sprintf("attempt-%d.log", ctx.Attempt))
		if err := os.MkdirAll(ctx.Config.OutputDir, 0755); err == nil {
			if f, err := os.Create(path); err == nil {
				ctx.logFile = f
				return f, path
			}
		}
		logger.Error("failed to create attempt log %s, falling back", path)
	} else {
		if f, err := os.CreateTemp("", "simrunner-attempt-*.log"); err == nil {
			ctx.logFile = f
			return f, f.Name()
		}
		logger.Error("failed to create temporary attempt log, falling back")
	}

	fallback := filepath.Join(os.TempDir(), "simrunner-attempt.log")
	if f, err := os.Create(fallback); err == nil {
		ctx.logFile = f
		return f, fallback
	}
	logger.Error("failed to create fallback attempt log %s, discarding output", fallback)
	return io.Discard, "(discarded)"
}

// deleteStaleReports clears report files left by a previous run.
func (o *Orchestrator) deleteStaleReports(ctx *ExecutionContext) {
	if ctx.Config.OutputDir == "" {
		return
	}
	for _, name := range ctx.Config.ReportFormats {
		format, err := report.ParseFormat(name)
		if err != nil {
			continue
		}
		sink := report.NewFileSink(o.reportPath(ctx, format))
		if err := sink.DeleteExistingFile(); err != nil {
			logger.Warn("failed to delete stale %s report: %v", format, err)
		}
	}
}

// CreateDevice: request creation of a uniquely named device under a
// watchdog. On error or timeout the device was never confirmed
// created, so teardown is skipped.
func (o *Orchestrator) createDevice() {
	if o.sched.Interrupted() {
		return
	}
	ctx := o.ctx
	name := deviceName(ctx.Attempt)
	o.stats.StartTimer(ctx.Attempt, "create-device")

	var dur time.Duration
	h := &stepHandler{
		name: "create-device",
		begin: func() {
			dur = o.stats.EndTimer(ctx.Attempt, "create-device")
			logger.Debug("create-device resolved after %v (attempt %d)", dur, ctx.Attempt)
		},
		onSuccess: func(stepResult) {
			logger.Progress("attempt %d: create-device ok (%v)", ctx.Attempt, dur.Round(time.Millisecond))
			ctx.DeviceCreated = true
			o.sched.Schedule("install-app", o.installApp)
		},
		onError: func(err error) {
			logger.Progress("attempt %d: create-device failed (%v): %v", ctx.Attempt, dur.Round(time.Millisecond), err)
			o.failAttempt(core.SimulatorCreationFailed)
		},
		onTimeout: func() {
			logger.Progress("attempt %d: create-device timed out (%v)", ctx.Attempt, dur.Round(time.Millisecond))
			o.failAttempt(core.SimulatorCreationFailed)
		},
	}
	o.runStep(h, ctx.Config.CreateTimeout, func() (stepResult, error) {
		return stepResult{}, ctx.Runner.CreateDevice(name)
	})
}

// InstallApp: synchronous install; expected to return promptly or fail
// outright, so no watchdog.
func (o *Orchestrator) installApp() {
	if o.sched.Interrupted() {
		return
	}
	ctx := o.ctx
	o.stats.StartTimer(ctx.Attempt, "install-app")
	err := ctx.Runner.InstallApp()
	dur := o.stats.EndTimer(ctx.Attempt, "install-app")

	if err != nil {
		logger.Progress("attempt %d: install-app failed (%v): %v", ctx.Attempt, dur.Round(time.Millisecond), err)
		o.failAttempt(core.InstallAppFailed)
		return
	}

	logger.Progress("attempt %d: install-app ok (%v)", ctx.Attempt, dur.Round(time.Millisecond))
	o.sched.Schedule("launch-app", o.launchApp)
}

// LaunchApp: launch the app and begin test execution under a watchdog
// generous enough to cover the whole run. Success yields a process id.
func (o *Orchestrator) launchApp() {
	if o.sched.Interrupted() {
		return
	}
	ctx := o.ctx
	o.stats.StartTimer(ctx.Attempt, "launch-app")

	var dur time.Duration
	h := &stepHandler{
		name: "launch-app",
		begin: func() {
			dur = o.stats.EndTimer(ctx.Attempt, "launch-app")
			logger.Debug("launch-app resolved after %v (attempt %d)", dur, ctx.Attempt)
		},
		onSuccess: func(res stepResult) {
			logger.Progress("attempt %d: launch-app ok, pid %d (%v)", ctx.Attempt, res.pid, dur.Round(time.Millisecond))
			ctx.ProcessID = res.pid
			o.resetPollBackoff(ctx)
			o.stats.StartTimer(ctx.Attempt, "test-run")
			o.sched.Schedule("monitor", func() { o.monitor(ctx) })
		},
		onError: func(err error) {
			logger.Progress("attempt %d: launch-app failed (%v): %v", ctx.Attempt, dur.Round(time.Millisecond), err)
			o.failAttempt(core.LaunchAppFailed)
		},
		onTimeout: func() {
			logger.Progress("attempt %d: launch-app timed out (%v)", ctx.Attempt, dur.Round(time.Millisecond))
			o.failAttempt(core.LaunchAppFailed)
		},
	}
	o.runStep(h, ctx.Config.LaunchTimeout, func() (stepResult, error) {
		pid, err := ctx.Runner.LaunchAppAndRunTests(ctx.Parser)
		return stepResult{pid: pid}, err
	})
}

func (o *Orchestrator) resetPollBackoff(ctx *ExecutionContext) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = ctx.Config.PollInterval
	b.MaxInterval = ctx.Config.PollMaxInterval
	b.MaxElapsedTime = 0
	b.Reset()
	o.poll = b
}

// Monitor: non-blocking poll of process and device liveness,
// rescheduled with back-off until the run completes or the device dies.
func (o *Orchestrator) monitor(ctx *ExecutionContext) {
	if ctx != o.ctx || ctx.tearingDown || o.sched.Interrupted() {
		return
	}
	o.monitorTimer = nil

	if !o.processAlive(ctx.ProcessID) && ctx.Runner.IsRunComplete() {
		o.runnerCompleted()
		return
	}

	if !ctx.Runner.IsDeviceAlive() {
		dur := o.stats.EndTimer(ctx.Attempt, "test-run")
		logger.Progress("attempt %d: simulator died during test run (%v)", ctx.Attempt, dur.Round(time.Millisecond))
		ctx.ExitStatus = core.SimulatorCrashed
		ctx.DeviceCrashed = true
		o.stats.RecordFailure(ctx.Attempt, core.SimulatorCrashed)
		o.sched.Schedule("teardown-device", o.teardownDevice)
		return
	}

	delay := o.poll.NextBackOff()
	if delay == backoff.Stop {
		delay = ctx.Config.PollMaxInterval
	}
	o.monitorTimer = o.sched.After("monitor", delay, func() { o.monitor(ctx) })
}

// RunnerCompleted: finalize the parser, emit configured reports, and
// classify the attempt from the runner's reported test outcome.
func (o *Orchestrator) runnerCompleted() {
	ctx := o.ctx
	dur := o.stats.EndTimer(ctx.Attempt, "test-run")

	ctx.Parser.MarkComplete()
	if ctx.Attempt > o.maxRetries {
		// Last permitted attempt: force aggregation now, nothing will
		// revisit these results.
		ctx.Parser.ForceFinalComputation()
	}

	if !ctx.DeviceCrashed {
		o.emitReports(ctx)
		ctx.ExitStatus = ctx.Runner.TestExitStatus()
	} else {
		ctx.ExitStatus = core.SimulatorCrashed
	}

	logger.Progress("attempt %d: test run finished: %s (%v)", ctx.Attempt, ctx.ExitStatus, dur.Round(time.Millisecond))
	if ctx.ExitStatus != core.AllPassed {
		o.stats.RecordFailure(ctx.Attempt, ctx.ExitStatus)
	}

	o.sched.Schedule("teardown-device", o.teardownDevice)
}

func (o *Orchestrator) emitReports(ctx *ExecutionContext) {
	for _, name := range ctx.Config.ReportFormats {
		format, err := report.ParseFormat(name)
		if err != nil {
			logger.Warn("skipping report: %v", err)
			continue
		}
		text, err := ctx.Parser.Render(format)
		if err != nil {
			logger.Error("failed to render %s report: %v", format, err)
			continue
		}
		if err := o.reportSink(ctx, format).Write(text); err != nil {
			logger.Error("failed to write %s report: %v", format, err)
		}
	}
}

func (o *Orchestrator) reportPath(ctx *ExecutionContext, format report.Format) string {
	return filepath.Join(ctx.Config.OutputDir,
		fmt.Sprintf("attempt-%d.report.%s", ctx.Attempt, format.FileExtension()))
}

func (o *Orchestrator) reportSink(ctx *ExecutionContext, format report.Format) report.Sink {
	if ctx.Config.ReportToStdout || ctx.Config.OutputDir == "" {
		return report.NewStdoutSink()
	}
	return report.NewFileSink(o.reportPath(ctx, format))
}

// failAttempt records a tooling failure and routes to teardown, or
// straight to Finish when the device was never created.
func (o *Orchestrator) failAttempt(status core.ExitStatus) {
	ctx := o.ctx
	ctx.ExitStatus = status
	o.stats.RecordFailure(ctx.Attempt, status)

	if ctx.DeviceCreated {
		o.sched.Schedule("teardown-device", o.teardownDevice)
	} else {
		o.sched.Schedule("finish", o.finish)
	}
}

// TeardownDevice: delete the device under a watchdog. Deletion
// failures are logged, never escalated; the attempt's status always
// survives teardown unchanged. When a continue attempt is guaranteed
// to follow, the device is retained instead of deleted.
func (o *Orchestrator) teardownDevice() {
	ctx := o.ctx

	if !ctx.DeviceCreated {
		o.sched.Schedule("finish", o.finish)
		return
	}
	if ctx.tearingDown {
		// Interrupt arrived while a delete was in flight; its result
		// is ignored, move on.
		o.sched.Schedule("finish", o.finish)
		return
	}
	ctx.tearingDown = true

	if o.deviceRetainedForContinue(ctx) {
		logger.Progress("attempt %d: retaining device for continue attempt", ctx.Attempt)
		o.sched.Schedule("finish", o.finish)
		return
	}

	o.stats.StartTimer(ctx.Attempt, "teardown-device")
	var dur time.Duration
	h := &stepHandler{
		name: "teardown-device",
		begin: func() {
			dur = o.stats.EndTimer(ctx.Attempt, "teardown-device")
		},
		onSuccess: func(stepResult) {
			logger.Progress("attempt %d: teardown-device ok (%v)", ctx.Attempt, dur.Round(time.Millisecond))
			ctx.DeviceCreated = false
			o.sched.Schedule("finish", o.finish)
		},
		onError: func(err error) {
			logger.Error("attempt %d: teardown-device failed (%v): %v", ctx.Attempt, dur.Round(time.Millisecond), err)
			o.sched.Schedule("finish", o.finish)
		},
		onTimeout: func() {
			logger.Error("attempt %d: teardown-device timed out (%v)", ctx.Attempt, dur.Round(time.Millisecond))
			o.sched.Schedule("finish", o.finish)
		},
	}
	o.runStep(h, ctx.Config.DeleteTimeout, func() (stepResult, error) {
		return stepResult{}, ctx.Runner.DeleteDevice()
	})
}

// deviceRetainedForContinue reports whether Finish will take the
// continue path for this status, in which case the device must survive
// teardown. Mirrors the gates in proceed.
func (o *Orchestrator) deviceRetainedForContinue(ctx *ExecutionContext) bool {
	if ctx.ExitStatus != core.TestTimeout && ctx.ExitStatus != core.AppCrashed {
		return false
	}
	return o.retries < o.maxRetries && !o.sched.Interrupted()
}

// Finish: the central classification switch over the attempt's status.
func (o *Orchestrator) finish() {
	ctx := o.ctx
	status := ctx.ExitStatus

	switch {
	case status == core.Interrupted:
		o.terminate("interrupted")

	case status == core.TestsFailed:
		o.retry()

	case status == core.AllPassed && o.final != core.AllPassed:
		// A late pass does not erase an earlier unresolved failure.
		o.retry()

	case status == core.AllPassed:
		o.terminate("all tests passed")

	case status.IsToolingFailure():
		o.retry()

	case status == core.TestTimeout, status == core.AppCrashed:
		o.final = o.final.Union(status)
		o.proceed()

	default:
		o.terminate("unclassified status")
	}
}

// terminate merges the attempt's status into the sticky final status
// and stops the run loop.
func (o *Orchestrator) terminate(reason string) {
	o.final = o.final.Union(o.ctx.ExitStatus)
	logger.Progress("run finished after attempt %d: %s (%s)", o.ctx.Attempt, o.final, reason)
	o.ctx.closeLog()
	o.sched.Stop()
}

// retry is the restart policy: discard the device and context and
// begin a brand-new attempt, bounded by failureTolerance and the
// overall retry maximum.
func (o *Orchestrator) retry() {
	if o.failureTolerance == 0 {
		logger.Progress("giving up: restart budget exhausted (status %s)", o.ctx.ExitStatus)
		o.terminate("restart budget exhausted")
		return
	}
	if o.retries >= o.maxRetries {
		logger.Progress("giving up: retry limit %d reached (status %s)", o.maxRetries, o.ctx.ExitStatus)
		o.terminate("retry limit reached")
		return
	}

	o.ctx.Parser.Reset()
	o.failureTolerance--
	o.retries++
	logger.Progress("restarting from scratch (restart budget left: %d)", o.failureTolerance)
	o.beginAttempt(o.ctx.Attempt + 1)
}

// proceed is the continue policy: same context, same device, next
// attempt number. The sticky final status already recorded the
// failure; the re-run only checks whether it was transient.
func (o *Orchestrator) proceed() {
	if o.retries >= o.maxRetries {
		logger.Progress("giving up: retry limit %d reached (status %s)", o.maxRetries, o.ctx.ExitStatus)
		o.terminate("retry limit reached")
		return
	}

	ctx := o.ctx
	// Skip tests that already failed; a restart drops these again via
	// the fresh config clone.
	if failed := ctx.Parser.FailedTests(); len(failed) > 0 {
		ctx.Config.ExcludedTests = append(ctx.Config.ExcludedTests, failed...)
	}

	o.retries++
	ctx.Attempt++
	ctx.ExitStatus = core.AllPassed
	ctx.tearingDown = false
	logger.Progress("continuing on the same device (attempt %d)", ctx.Attempt)
	o.sched.Schedule("setup-execution", o.setupExecution)
}

// handleInterrupt runs once when the scheduler observes the interrupt
// flag: abandon any in-flight step, stop monitoring, and route to
// teardown with Interrupted.
func (o *Orchestrator) handleInterrupt() {
	logger.Progress("interrupted, tearing down")

	if o.inflight != nil {
		o.inflight.abandon()
		o.inflight = nil
	}
	if o.monitorTimer != nil {
		o.monitorTimer.Cancel()
		o.monitorTimer = nil
	}

	ctx := o.ctx
	if ctx == nil {
		o.sched.Stop()
		return
	}
	ctx.ExitStatus = core.Interrupted

	if ctx.DeviceCreated {
		o.sched.Schedule("teardown-device", o.teardownDevice)
	} else {
		o.sched.Schedule("finish", o.finish)
	}
}
