package simulator

import (
	"testing"

	"github.com/devicelab-dev/simrunner/pkg/config"
	"github.com/devicelab-dev/simrunner/pkg/core"
)

func TestOutcomeScanner_FailedCases(t *testing.T) {
	s := newOutcomeScanner()

	s.Write([]byte("Test Case '-[AppTests testLogin]' started.\n"))
	s.Write([]byte("Test Case '-[AppTests testLogin]' passed (0.100 seconds).\n"))
	s.Write([]byte("Test Case '-[AppTests testCheckout]' started.\n"))
	s.Write([]byte("Test Case '-[AppTests testCheckout]' failed (0.200 seconds).\n"))

	if got := s.FailedCount(); got != 1 {
		t.Errorf("FailedCount() = %d, want 1", got)
	}
	if s.TimedOut() {
		t.Error("TimedOut() = true, want false")
	}
}

func TestOutcomeScanner_PartialLines(t *testing.T) {
	s := newOutcomeScanner()

	// A terminal line split across writes must still count.
	s.Write([]byte("Test Case '-[AppTests testA]'"))
	s.Write([]byte(" failed (0.300 seconds).\nTest Case '-[App"))
	s.Write([]byte("Tests testB]' failed (0.100 seconds).\n"))

	if got := s.FailedCount(); got != 2 {
		t.Errorf("FailedCount() = %d, want 2", got)
	}
}

func TestOutcomeScanner_TimeAllowance(t *testing.T) {
	s := newOutcomeScanner()

	s.Write([]byte("AppTests.testSlow exceeded execution time allowance of 60 seconds\n"))

	if !s.TimedOut() {
		t.Error("TimedOut() = false, want true")
	}
}

func TestOutcomeScanner_Reset(t *testing.T) {
	s := newOutcomeScanner()
	s.Write([]byte("Test Case '-[AppTests testA]' failed (0.300 seconds).\n"))
	s.Write([]byte("something exceeded execution time allowance\n"))

	s.Reset()

	if s.FailedCount() != 0 || s.TimedOut() {
		t.Error("Reset() did not clear scanner state")
	}
}

func TestRunner_TestExitStatus(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   core.ExitStatus
	}{
		{
			name:   "all passed",
			output: "Test Case '-[AppTests testA]' passed (0.100 seconds).\n",
			want:   core.AllPassed,
		},
		{
			name:   "failed case",
			output: "Test Case '-[AppTests testA]' failed (0.100 seconds).\n",
			want:   core.TestsFailed,
		},
		{
			name:   "time allowance breach wins",
			output: "Test Case '-[AppTests testA]' failed (0.100 seconds).\nAppTests.testB exceeded execution time allowance of 60 seconds\n",
			want:   core.TestTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRunner(&config.Config{BundleID: "com.example"})
			r.scan.Write([]byte(tt.output))
			if got := r.TestExitStatus(); got != tt.want {
				t.Errorf("TestExitStatus() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRunner_BeforeCreate(t *testing.T) {
	r := NewRunner(&config.Config{BundleID: "com.example", DeviceType: "iPhone 15"})

	if r.UDID() != "" {
		t.Errorf("UDID() = %q before creation, want empty", r.UDID())
	}
	if r.IsDeviceAlive() {
		t.Error("IsDeviceAlive() = true before creation")
	}
	// Deleting a never-created device is a no-op.
	if err := r.DeleteDevice(); err != nil {
		t.Errorf("DeleteDevice() = %v, want nil", err)
	}
}

func TestRunner_InstallWithoutAppPath(t *testing.T) {
	r := NewRunner(&config.Config{BundleID: "com.example"})
	if err := r.InstallApp(); err != nil {
		t.Errorf("InstallApp() with no app path = %v, want nil", err)
	}
}

func TestExitedBySignal(t *testing.T) {
	if exitedBySignal(nil) {
		t.Error("exitedBySignal(nil) = true")
	}
	if exitedBySignal(core.ErrLaunchFailed) {
		t.Error("exitedBySignal(non-exec error) = true")
	}
}
