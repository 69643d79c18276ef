// Package core defines the shared vocabulary of the runner: exit status
// taxonomy, structured errors, and the device runner contract.
package core

import "strings"

// ExitStatus classifies the terminal outcome of one attempt. Within an
// attempt exactly one kind is assigned. Each kind is a distinct bit so
// that sticky cross-attempt aggregation can merge statuses with Union;
// per-attempt values are never combined.
type ExitStatus int

// ExitStatus kinds. The integer value doubles as the process exit code.
const (
	AllPassed   ExitStatus = 0
	TestsFailed ExitStatus = 1 << (iota - 1)
	SimulatorCreationFailed
	SimulatorCrashed
	InstallAppFailed
	LaunchAppFailed
	TestTimeout
	AppCrashed
	Interrupted
)

var statusNames = []struct {
	kind ExitStatus
	name string
}{
	{TestsFailed, "tests-failed"},
	{SimulatorCreationFailed, "simulator-creation-failed"},
	{SimulatorCrashed, "simulator-crashed"},
	{InstallAppFailed, "install-app-failed"},
	{LaunchAppFailed, "launch-app-failed"},
	{TestTimeout, "test-timeout"},
	{AppCrashed, "app-crashed"},
	{Interrupted, "interrupted"},
}

// String returns the status name. A merged sticky value renders as a
// "+"-joined list of the kinds it contains.
func (s ExitStatus) String() string {
	if s == AllPassed {
		return "all-passed"
	}
	var parts []string
	for _, entry := range statusNames {
		if s.Has(entry.kind) {
			parts = append(parts, entry.name)
		}
	}
	if len(parts) == 0 {
		return "unknown"
	}
	return strings.Join(parts, "+")
}

// Has reports whether the (possibly merged) status contains the given kind.
func (s ExitStatus) Has(kind ExitStatus) bool {
	if kind == AllPassed {
		return s == AllPassed
	}
	return s&kind != 0
}

// Union merges two statuses. Only used for the cross-attempt sticky
// aggregation; a single attempt's status is always exactly one kind.
func (s ExitStatus) Union(other ExitStatus) ExitStatus {
	return s | other
}

// IsToolingFailure reports whether the status describes a failure of
// device lifecycle management rather than of the tests themselves.
// Tooling failures always warrant a fresh device.
func (s ExitStatus) IsToolingFailure() bool {
	const tooling = SimulatorCreationFailed | SimulatorCrashed | InstallAppFailed | LaunchAppFailed
	return s&tooling != 0
}

// Code returns the process exit code for the status.
func (s ExitStatus) Code() int {
	return int(s)
}
