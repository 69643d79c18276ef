package orchestrator

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/devicelab-dev/simrunner/pkg/config"
	"github.com/devicelab-dev/simrunner/pkg/core"
	"github.com/devicelab-dev/simrunner/pkg/sched"
	"github.com/devicelab-dev/simrunner/pkg/stats"
)

const passingOutput = `Test Suite 'AppTests' started at 2024-01-01 00:00:00.000
Test Case '-[AppTests testLogin]' started.
Test Case '-[AppTests testLogin]' passed (0.100 seconds).
`

const failingOutput = `Test Suite 'AppTests' started at 2024-01-01 00:00:00.000
Test Case '-[AppTests testLogin]' started.
Test Case '-[AppTests testLogin]' passed (0.100 seconds).
Test Case '-[AppTests testCheckout]' started.
Test Case '-[AppTests testCheckout]' failed (0.200 seconds).
`

// mockRunner implements core.DeviceRunner for testing.
type mockRunner struct {
	createFunc      func(name string) error
	installFunc     func() error
	launchFunc      func(sink io.Writer) (int, error)
	runCompleteFunc func() bool
	deviceAliveFunc func() bool
	deleteFunc      func() error
	statusFunc      func() core.ExitStatus

	mu       sync.Mutex
	creates  int
	installs int
	launches int
	deletes  int
}

func (m *mockRunner) CreateDevice(name string) error {
	m.mu.Lock()
	m.creates++
	m.mu.Unlock()
	if m.createFunc != nil {
		return m.createFunc(name)
	}
	return nil
}

func (m *mockRunner) InstallApp() error {
	m.mu.Lock()
	m.installs++
	m.mu.Unlock()
	if m.installFunc != nil {
		return m.installFunc()
	}
	return nil
}

func (m *mockRunner) LaunchAppAndRunTests(sink io.Writer) (int, error) {
	m.mu.Lock()
	m.launches++
	m.mu.Unlock()
	if m.launchFunc != nil {
		return m.launchFunc(sink)
	}
	sink.Write([]byte(passingOutput))
	return 4242, nil
}

func (m *mockRunner) IsRunComplete() bool {
	if m.runCompleteFunc != nil {
		return m.runCompleteFunc()
	}
	return true
}

func (m *mockRunner) IsDeviceAlive() bool {
	if m.deviceAliveFunc != nil {
		return m.deviceAliveFunc()
	}
	return true
}

func (m *mockRunner) DeleteDevice() error {
	m.mu.Lock()
	m.deletes++
	m.mu.Unlock()
	if m.deleteFunc != nil {
		return m.deleteFunc()
	}
	return nil
}

func (m *mockRunner) TestExitStatus() core.ExitStatus {
	if m.statusFunc != nil {
		return m.statusFunc()
	}
	return core.AllPassed
}

func (m *mockRunner) counts() (creates, installs, launches, deletes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creates, m.installs, m.launches, m.deletes
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{
		BundleID:   "com.example.AppTests",
		DeviceType: "iPhone 15",
		OutputDir:  t.TempDir(),
	}
	cfg.ApplyDefaults()
	return cfg
}

func newTestOrchestrator(t *testing.T, cfg *config.Config, runner core.DeviceRunner) (*Orchestrator, *sched.Scheduler) {
	t.Helper()
	s := sched.New(sched.NewFakeClock(), time.Millisecond)
	o, err := New(Options{
		Config:       cfg,
		Scheduler:    s,
		Stats:        stats.New(),
		NewRunner:    func(*config.Config) core.DeviceRunner { return runner },
		ProcessAlive: func(int) bool { return false },
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return o, s
}

func TestOrchestrator_CleanPass(t *testing.T) {
	cfg := testConfig(t)
	cfg.FailureTolerance = 1
	cfg.MaxRetries = 2
	runner := &mockRunner{}

	o, _ := newTestOrchestrator(t, cfg, runner)
	status := o.Run()

	if status != core.AllPassed {
		t.Errorf("Run() = %v, want all-passed", status)
	}

	creates, installs, launches, deletes := runner.counts()
	if creates != 1 || installs != 1 || launches != 1 || deletes != 1 {
		t.Errorf("counts = %d/%d/%d/%d, want 1/1/1/1", creates, installs, launches, deletes)
	}

	if _, err := os.Stat(filepath.Join(cfg.OutputDir, "attempt-1.log")); err != nil {
		t.Errorf("attempt log missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(cfg.OutputDir, "attempt-1.report.txt")); err != nil {
		t.Errorf("plain report missing: %v", err)
	}
}

func TestOrchestrator_CrashThenRestartPasses(t *testing.T) {
	cfg := testConfig(t)
	cfg.FailureTolerance = 1
	cfg.MaxRetries = 3
	runner := &mockRunner{}
	runner.deviceAliveFunc = func() bool {
		creates, _, _, _ := runner.counts()
		return creates > 1 // first device dies, the restarted one lives
	}
	runner.runCompleteFunc = func() bool {
		creates, _, _, _ := runner.counts()
		return creates > 1
	}

	o, _ := newTestOrchestrator(t, cfg, runner)
	status := o.Run()

	if status != core.AllPassed {
		t.Errorf("Run() = %v, want all-passed", status)
	}
	creates, _, _, _ := runner.counts()
	if creates != 2 {
		t.Errorf("creates = %d, want 2 (restart after crash)", creates)
	}
	if o.ctx.Attempt != 2 {
		t.Errorf("final attempt = %d, want 2", o.ctx.Attempt)
	}
}

func TestOrchestrator_TimeoutThenContinuePasses(t *testing.T) {
	cfg := testConfig(t)
	cfg.FailureTolerance = 1
	cfg.MaxRetries = 1
	runner := &mockRunner{}
	first := true
	runner.launchFunc = func(sink io.Writer) (int, error) {
		if first {
			sink.Write([]byte(failingOutput))
		} else {
			sink.Write([]byte(passingOutput))
		}
		return 4242, nil
	}
	runner.statusFunc = func() core.ExitStatus {
		if first {
			first = false
			return core.TestTimeout
		}
		return core.AllPassed
	}

	o, _ := newTestOrchestrator(t, cfg, runner)
	status := o.Run()

	// The second attempt passed, but the recorded timeout stays sticky.
	if status != core.TestTimeout {
		t.Errorf("Run() = %v, want test-timeout", status)
	}

	creates, installs, launches, _ := runner.counts()
	if creates != 1 || installs != 1 {
		t.Errorf("continue recreated the device: creates=%d installs=%d", creates, installs)
	}
	if launches != 2 {
		t.Errorf("launches = %d, want 2", launches)
	}
	if o.ctx.Attempt != 2 {
		t.Errorf("final attempt = %d, want 2", o.ctx.Attempt)
	}

	// Failed tests from the first attempt are excluded on the continue.
	found := false
	for _, id := range o.ctx.Config.ExcludedTests {
		if id == "AppTests/testCheckout" {
			found = true
		}
	}
	if !found {
		t.Errorf("ExcludedTests = %v, want AppTests/testCheckout", o.ctx.Config.ExcludedTests)
	}
}

func TestOrchestrator_AppCrashContinueKeepsSticky(t *testing.T) {
	cfg := testConfig(t)
	cfg.FailureTolerance = 2
	cfg.MaxRetries = 1
	runner := &mockRunner{}
	calls := 0
	runner.statusFunc = func() core.ExitStatus {
		calls++
		if calls == 1 {
			return core.AppCrashed
		}
		return core.AllPassed
	}

	o, _ := newTestOrchestrator(t, cfg, runner)
	status := o.Run()

	if status != core.AppCrashed {
		t.Errorf("Run() = %v, want app-crashed", status)
	}
}

func TestOrchestrator_ExhaustedRestarts(t *testing.T) {
	cfg := testConfig(t)
	cfg.FailureTolerance = 1
	cfg.MaxRetries = 5
	runner := &mockRunner{
		installFunc: func() error { return errors.New("install blew up") },
	}

	o, _ := newTestOrchestrator(t, cfg, runner)
	status := o.Run()

	if status != core.InstallAppFailed {
		t.Errorf("Run() = %v, want install-app-failed", status)
	}

	creates, _, _, deletes := runner.counts()
	if creates != 2 {
		t.Errorf("creates = %d, want 2 (one restart)", creates)
	}
	// The device exists when install fails, so both attempts tear down.
	if deletes != 2 {
		t.Errorf("deletes = %d, want 2", deletes)
	}
}

func TestOrchestrator_ZeroToleranceTerminatesImmediately(t *testing.T) {
	cfg := testConfig(t)
	cfg.FailureTolerance = 0
	cfg.MaxRetries = 5
	runner := &mockRunner{
		statusFunc: func() core.ExitStatus { return core.TestsFailed },
	}
	runner.launchFunc = func(sink io.Writer) (int, error) {
		sink.Write([]byte(failingOutput))
		return 4242, nil
	}

	o, _ := newTestOrchestrator(t, cfg, runner)
	status := o.Run()

	if status != core.TestsFailed {
		t.Errorf("Run() = %v, want tests-failed", status)
	}
	if o.Retries() != 0 {
		t.Errorf("retries = %d, want 0", o.Retries())
	}
	creates, _, _, _ := runner.counts()
	if creates != 1 {
		t.Errorf("creates = %d, want 1 (no restart)", creates)
	}
}

func TestOrchestrator_CreateErrorSkipsTeardown(t *testing.T) {
	cfg := testConfig(t)
	cfg.FailureTolerance = 0
	runner := &mockRunner{
		createFunc: func(string) error { return errors.New("no runtime available") },
	}

	o, _ := newTestOrchestrator(t, cfg, runner)
	status := o.Run()

	if status != core.SimulatorCreationFailed {
		t.Errorf("Run() = %v, want simulator-creation-failed", status)
	}
	_, _, _, deletes := runner.counts()
	if deletes != 0 {
		t.Errorf("deletes = %d, want 0 (device never created)", deletes)
	}
}

func TestOrchestrator_CreateTimeout(t *testing.T) {
	cfg := testConfig(t)
	cfg.FailureTolerance = 0
	cfg.CreateTimeout = 50 * time.Millisecond

	release := make(chan struct{})
	runner := &mockRunner{
		createFunc: func(string) error {
			<-release // hang past the watchdog
			return nil
		},
	}

	o, _ := newTestOrchestrator(t, cfg, runner)
	status := o.Run()
	close(release)

	if status != core.SimulatorCreationFailed {
		t.Errorf("Run() = %v, want simulator-creation-failed", status)
	}
	_, _, _, deletes := runner.counts()
	if deletes != 0 {
		t.Errorf("deletes = %d, want 0 (creation never confirmed)", deletes)
	}
}

func TestOrchestrator_LaunchErrorRestarts(t *testing.T) {
	cfg := testConfig(t)
	cfg.FailureTolerance = 1
	cfg.MaxRetries = 3
	runner := &mockRunner{}
	runner.launchFunc = func(sink io.Writer) (int, error) {
		_, _, launches, _ := runner.counts()
		if launches == 1 {
			return 0, errors.New("app would not start")
		}
		sink.Write([]byte(passingOutput))
		return 4242, nil
	}

	o, _ := newTestOrchestrator(t, cfg, runner)
	status := o.Run()

	if status != core.AllPassed {
		t.Errorf("Run() = %v, want all-passed", status)
	}
	creates, _, launches, deletes := runner.counts()
	if creates != 2 || launches != 2 {
		t.Errorf("creates=%d launches=%d, want 2/2", creates, launches)
	}
	// Launch failure tears the first device down; the second attempt
	// tears down after the pass.
	if deletes != 2 {
		t.Errorf("deletes = %d, want 2", deletes)
	}
}

func TestOrchestrator_RestartDropsExclusions(t *testing.T) {
	cfg := testConfig(t)
	cfg.FailureTolerance = 1
	cfg.MaxRetries = 3
	cfg.ExcludedTests = nil

	var seenConfigs []*config.Config
	runner := &mockRunner{}
	calls := 0
	runner.launchFunc = func(sink io.Writer) (int, error) {
		calls++
		if calls == 1 {
			sink.Write([]byte(failingOutput))
		} else {
			sink.Write([]byte(passingOutput))
		}
		return 4242, nil
	}
	runner.statusFunc = func() core.ExitStatus {
		if calls == 1 {
			return core.TestsFailed
		}
		return core.AllPassed
	}

	s := sched.New(sched.NewFakeClock(), time.Millisecond)
	o, err := New(Options{
		Config:    cfg,
		Scheduler: s,
		NewRunner: func(c *config.Config) core.DeviceRunner {
			seenConfigs = append(seenConfigs, c)
			return runner
		},
		ProcessAlive: func(int) bool { return false },
	})
	if err != nil {
		t.Fatal(err)
	}

	status := o.Run()
	if status != core.AllPassed {
		t.Errorf("Run() = %v, want all-passed", status)
	}

	if len(seenConfigs) != 2 {
		t.Fatalf("factory called %d times, want 2", len(seenConfigs))
	}
	// The restart takes a fresh deep copy of the original config, so
	// no failed-test exclusions leak into attempt 2.
	if len(seenConfigs[1].ExcludedTests) != 0 {
		t.Errorf("restart config has exclusions: %v", seenConfigs[1].ExcludedTests)
	}
}

func TestOrchestrator_InterruptDuringMonitor(t *testing.T) {
	cfg := testConfig(t)
	cfg.FailureTolerance = 3
	cfg.MaxRetries = 3

	runner := &mockRunner{}
	runner.runCompleteFunc = func() bool { return false } // run never ends
	var s *sched.Scheduler
	polls := 0
	runner.deviceAliveFunc = func() bool {
		polls++
		if polls == 3 {
			s.Interrupt()
		}
		return true
	}

	o, scheduler := newTestOrchestrator(t, cfg, runner)
	s = scheduler
	status := o.Run()

	if status != core.Interrupted {
		t.Errorf("Run() = %v, want interrupted", status)
	}
	_, _, _, deletes := runner.counts()
	if deletes != 1 {
		t.Errorf("deletes = %d, want 1 (best-effort teardown)", deletes)
	}
	if o.Retries() != 0 {
		t.Errorf("retries = %d, want 0 (no attempts after interrupt)", o.Retries())
	}
}

func TestOrchestrator_InterruptSkipsQueuedLaunch(t *testing.T) {
	cfg := testConfig(t)
	cfg.FailureTolerance = 3
	cfg.MaxRetries = 3

	runner := &mockRunner{}
	var s *sched.Scheduler
	// The interrupt lands while install is on the loop, so launch-app is
	// already queued when the handler runs. It must not start, and its
	// failure must not displace the interrupted verdict.
	runner.installFunc = func() error {
		s.Interrupt()
		return nil
	}
	runner.launchFunc = func(io.Writer) (int, error) {
		return 0, errors.New("should never launch")
	}

	o, scheduler := newTestOrchestrator(t, cfg, runner)
	s = scheduler
	status := o.Run()

	if status != core.Interrupted {
		t.Errorf("Run() = %v, want interrupted", status)
	}
	_, installs, launches, deletes := runner.counts()
	if installs != 1 {
		t.Errorf("installs = %d, want 1", installs)
	}
	if launches != 0 {
		t.Errorf("launches = %d, want 0 (stale step ran after interrupt)", launches)
	}
	if deletes != 1 {
		t.Errorf("deletes = %d, want 1 (best-effort teardown)", deletes)
	}
	if o.Retries() != 0 {
		t.Errorf("retries = %d, want 0 (no attempts after interrupt)", o.Retries())
	}
}

func TestOrchestrator_TeardownFailureNeverEscalates(t *testing.T) {
	cfg := testConfig(t)
	cfg.FailureTolerance = 0
	runner := &mockRunner{
		deleteFunc: func() error { return errors.New("device stuck") },
	}

	o, _ := newTestOrchestrator(t, cfg, runner)
	status := o.Run()

	if status != core.AllPassed {
		t.Errorf("Run() = %v, want all-passed (delete failure must not escalate)", status)
	}
}

func TestOrchestrator_AttemptNumbersIncreaseByOne(t *testing.T) {
	cfg := testConfig(t)
	cfg.FailureTolerance = 2
	cfg.MaxRetries = 5
	runner := &mockRunner{}
	runner.installFunc = func() error {
		_, installs, _, _ := runner.counts()
		if installs <= 2 {
			return errors.New("flaky install")
		}
		return nil
	}

	o, _ := newTestOrchestrator(t, cfg, runner)
	status := o.Run()

	if status != core.AllPassed {
		t.Errorf("Run() = %v, want all-passed", status)
	}
	if o.ctx.Attempt != 3 {
		t.Errorf("final attempt = %d, want 3", o.ctx.Attempt)
	}
	if o.Retries() != 2 {
		t.Errorf("retries = %d, want 2", o.Retries())
	}
}

func TestOrchestrator_RetriesNeverExceedMaximum(t *testing.T) {
	cfg := testConfig(t)
	cfg.FailureTolerance = 10
	cfg.MaxRetries = 2
	runner := &mockRunner{
		installFunc: func() error { return errors.New("always fails") },
	}

	o, _ := newTestOrchestrator(t, cfg, runner)
	status := o.Run()

	if status != core.InstallAppFailed {
		t.Errorf("Run() = %v, want install-app-failed", status)
	}
	if o.Retries() > cfg.MaxRetries {
		t.Errorf("retries = %d exceeds maximum %d", o.Retries(), cfg.MaxRetries)
	}
	creates, _, _, _ := runner.counts()
	if creates != 3 { // initial attempt + two retries
		t.Errorf("creates = %d, want 3", creates)
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Error("New() accepted nil config")
	}

	cfg := &config.Config{DeviceType: "iPhone 15"} // missing bundle id
	cfg.ApplyDefaults()
	if _, err := New(Options{Config: cfg, NewRunner: func(*config.Config) core.DeviceRunner { return &mockRunner{} }}); err == nil {
		t.Error("New() accepted invalid config")
	}

	valid := &config.Config{BundleID: "com.example", DeviceType: "iPhone 15"}
	valid.ApplyDefaults()
	if _, err := New(Options{Config: valid}); err == nil {
		t.Error("New() accepted missing runner factory")
	}
}
