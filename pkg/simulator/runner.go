package simulator

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/devicelab-dev/simrunner/pkg/config"
	"github.com/devicelab-dev/simrunner/pkg/core"
	"github.com/devicelab-dev/simrunner/pkg/logger"
)

// Runner drives one simulator through xcrun simctl and implements
// core.DeviceRunner. A Runner is bound to at most one device at a time;
// the orchestrator serializes all calls, with the slow ones executed on
// its worker goroutine.
type Runner struct {
	cfg *config.Config

	mu      sync.Mutex
	udid    string
	cmd     *exec.Cmd
	waitErr error

	scan *outcomeScanner
	done atomic.Bool
}

// NewRunner creates a runner for the given attempt configuration.
func NewRunner(cfg *config.Config) *Runner {
	return &Runner{cfg: cfg, scan: newOutcomeScanner()}
}

// UDID returns the device identifier, or "" before creation.
func (r *Runner) UDID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.udid
}

// CreateDevice creates a simulator under the given unique name and
// boots it, blocking until it is usable.
func (r *Runner) CreateDevice(name string) error {
	types, err := ListDeviceTypes()
	if err != nil {
		return core.ErrDeviceCreateFailed.WithCause(err)
	}
	typeID, err := findDeviceType(types, r.cfg.DeviceType)
	if err != nil {
		return core.ErrDeviceCreateFailed.WithCause(err)
	}

	runtimes, err := ListRuntimes()
	if err != nil {
		return core.ErrDeviceCreateFailed.WithCause(err)
	}
	runtimeID, err := findRuntime(runtimes, r.cfg.Runtime)
	if err != nil {
		return core.ErrDeviceCreateFailed.WithCause(err)
	}

	logger.Info("Creating simulator %s (%s, %s)", name, typeID, runtimeID)
	udid, err := simctl("create", name, typeID, runtimeID)
	if err != nil {
		return core.ErrDeviceCreateFailed.WithCause(err)
	}

	r.mu.Lock()
	r.udid = udid
	r.mu.Unlock()

	// bootstatus -b boots the device and blocks until it is ready.
	if _, err := simctl("bootstatus", udid, "-b"); err != nil {
		return core.ErrDeviceCreateFailed.WithCause(err)
	}

	logger.Info("Simulator booted: %s (%s)", name, udid)
	return nil
}

// InstallApp installs the configured app bundle. A missing app path
// means the app is expected to be preinstalled in the simulator image.
func (r *Runner) InstallApp() error {
	if r.cfg.AppPath == "" {
		logger.Debug("No app path configured, skipping install")
		return nil
	}
	if _, err := simctl("install", r.UDID(), r.cfg.AppPath); err != nil {
		return core.ErrInstallFailed.WithCause(err)
	}
	return nil
}

// LaunchAppAndRunTests launches the test app with output streamed into
// sink and returns the launched process id. The run continues in the
// background; IsRunComplete and TestExitStatus observe its progress.
func (r *Runner) LaunchAppAndRunTests(sink io.Writer) (int, error) {
	args := []string{"simctl", "launch", "--console-pty", "--terminate-running-process", r.UDID(), r.cfg.BundleID}
	for _, id := range r.cfg.ExcludedTests {
		args = append(args, "-skip-testing:"+id)
	}

	cmd := exec.Command("xcrun", args...)
	cmd.Env = os.Environ()
	for k, v := range r.cfg.Env {
		// simctl forwards SIMCTL_CHILD_-prefixed variables to the app.
		cmd.Env = append(cmd.Env, "SIMCTL_CHILD_"+k+"="+v)
	}

	r.scan.Reset()
	out := io.MultiWriter(sink, r.scan)
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		return 0, core.ErrLaunchFailed.WithCause(err)
	}

	r.mu.Lock()
	r.cmd = cmd
	r.waitErr = nil
	r.mu.Unlock()
	r.done.Store(false)

	go func() {
		err := cmd.Wait()
		r.mu.Lock()
		r.waitErr = err
		r.mu.Unlock()
		r.done.Store(true)
	}()

	return cmd.Process.Pid, nil
}

// IsRunComplete reports whether the launched test process has exited.
func (r *Runner) IsRunComplete() bool {
	return r.done.Load()
}

// IsDeviceAlive reports whether the device is still booted. A transient
// listing failure is not treated as a dead device.
func (r *Runner) IsDeviceAlive() bool {
	udid := r.UDID()
	if udid == "" {
		return false
	}
	devices, err := ListDevices()
	if err != nil {
		logger.Warn("Liveness check failed, assuming device alive: %v", err)
		return true
	}
	for _, dev := range devices {
		if dev.UDID == udid {
			return dev.State == "Booted"
		}
	}
	return false
}

// DeleteDevice shuts down and removes the device.
func (r *Runner) DeleteDevice() error {
	udid := r.UDID()
	if udid == "" {
		return nil
	}

	// Shutdown may fail when the device already stopped; delete decides.
	if _, err := simctl("shutdown", udid); err != nil {
		logger.Debug("simctl shutdown: %v", err)
	}
	if _, err := simctl("delete", udid); err != nil {
		return core.ErrDeviceDeleteFailed.WithCause(err)
	}

	r.mu.Lock()
	r.udid = ""
	r.mu.Unlock()
	return nil
}

// TestExitStatus classifies the completed run from the process exit
// state and the scanned output.
func (r *Runner) TestExitStatus() core.ExitStatus {
	r.mu.Lock()
	waitErr := r.waitErr
	r.mu.Unlock()

	switch {
	case r.scan.TimedOut():
		return core.TestTimeout
	case exitedBySignal(waitErr):
		return core.AppCrashed
	case r.scan.FailedCount() > 0:
		return core.TestsFailed
	case waitErr != nil:
		return core.TestsFailed
	default:
		return core.AllPassed
	}
}

// exitedBySignal reports whether the process was killed rather than
// exiting on its own. ExitCode is -1 for signal-terminated processes.
func exitedBySignal(err error) bool {
	var ee *exec.ExitError
	if !errors.As(err, &ee) {
		return false
	}
	return ee.ProcessState != nil && ee.ProcessState.ExitCode() == -1
}
