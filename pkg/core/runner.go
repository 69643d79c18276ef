package core

import "io"

// DeviceRunner is the device-control contract the orchestrator drives.
// Methods are synchronous; the orchestrator runs the potentially slow
// ones (CreateDevice, LaunchAppAndRunTests, DeleteDevice) on a worker
// goroutine under a watchdog and observes their results on its own
// scheduler thread.
type DeviceRunner interface {
	// CreateDevice provisions and boots a device under the given unique
	// name, blocking until the device is usable.
	CreateDevice(name string) error

	// InstallApp installs the app under test. Expected to return
	// promptly or fail outright; no watchdog is applied.
	InstallApp() error

	// LaunchAppAndRunTests launches the app and begins test execution,
	// streaming test output into sink. Returns the launched process id
	// once execution has begun; the run itself continues asynchronously.
	LaunchAppAndRunTests(sink io.Writer) (pid int, err error)

	// IsRunComplete reports whether the test run has finished.
	IsRunComplete() bool

	// IsDeviceAlive reports whether the device is still responsive.
	IsDeviceAlive() bool

	// DeleteDevice shuts down and removes the device.
	DeleteDevice() error

	// TestExitStatus classifies the completed run: AllPassed,
	// TestsFailed, AppCrashed, or TestTimeout.
	TestExitStatus() ExitStatus
}
