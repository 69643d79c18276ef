// Package simulator controls iOS simulators through xcrun simctl and
// provides the device runner the orchestrator drives.
package simulator

import (
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/devicelab-dev/simrunner/pkg/logger"
)

// FindSimctlBinary verifies that xcrun/simctl is available.
func FindSimctlBinary() (string, error) {
	path, err := exec.LookPath("xcrun")
	if err != nil {
		return "", fmt.Errorf("xcrun not found; install Xcode Command Line Tools: xcode-select --install")
	}
	return path, nil
}

// simctl runs an xcrun simctl subcommand and returns its combined
// output, trimmed, with the output folded into any error.
func simctl(args ...string) (string, error) {
	cmd := exec.Command("xcrun", append([]string{"simctl"}, args...)...)
	output, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(output))
	if err != nil {
		if text != "" {
			return text, fmt.Errorf("simctl %s: %s", args[0], text)
		}
		return text, fmt.Errorf("simctl %s: %w", args[0], err)
	}
	return text, nil
}

// simctlDevicesOutput represents the JSON output from simctl list devices.
type simctlDevicesOutput struct {
	Devices map[string][]simctlDevice `json:"devices"`
}

type simctlDevice struct {
	Name        string `json:"name"`
	UDID        string `json:"udid"`
	State       string `json:"state"`
	IsAvailable bool   `json:"isAvailable"`
}

type simctlDeviceTypesOutput struct {
	DeviceTypes []DeviceType `json:"devicetypes"`
}

type simctlRuntimesOutput struct {
	Runtimes []struct {
		Name        string `json:"name"`
		Identifier  string `json:"identifier"`
		Version     string `json:"version"`
		IsAvailable bool   `json:"isAvailable"`
	} `json:"runtimes"`
}

// parseDeviceList parses simctl list devices -j output.
func parseDeviceList(data []byte) ([]Device, error) {
	var out simctlDevicesOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to parse simctl output: %w", err)
	}

	var devices []Device
	for runtime, devs := range out.Devices {
		osVersion := extractOSVersion(runtime)
		for _, dev := range devs {
			if !dev.IsAvailable {
				continue
			}
			devices = append(devices, Device{
				Name:        dev.Name,
				UDID:        dev.UDID,
				Runtime:     runtime,
				OSVersion:   osVersion,
				State:       dev.State,
				IsAvailable: dev.IsAvailable,
			})
		}
	}
	return devices, nil
}

func parseDeviceTypes(data []byte) ([]DeviceType, error) {
	var out simctlDeviceTypesOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to parse simctl output: %w", err)
	}
	return out.DeviceTypes, nil
}

func parseRuntimes(data []byte) ([]Runtime, error) {
	var out simctlRuntimesOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to parse simctl output: %w", err)
	}

	var runtimes []Runtime
	for _, rt := range out.Runtimes {
		runtimes = append(runtimes, Runtime{
			Name:       rt.Name,
			Identifier: rt.Identifier,
			Version:    rt.Version,
			Available:  rt.IsAvailable,
		})
	}
	return runtimes, nil
}

// ListDevices returns all available simulators.
func ListDevices() ([]Device, error) {
	if _, err := FindSimctlBinary(); err != nil {
		return nil, err
	}

	cmd := exec.Command("xcrun", "simctl", "list", "devices", "available", "-j")
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("failed to list simulators: %w", err)
	}

	devices, err := parseDeviceList(output)
	if err != nil {
		return nil, err
	}
	logger.Debug("Found %d available simulators", len(devices))
	return devices, nil
}

// ListDeviceTypes returns all installed simulator device types.
func ListDeviceTypes() ([]DeviceType, error) {
	if _, err := FindSimctlBinary(); err != nil {
		return nil, err
	}

	cmd := exec.Command("xcrun", "simctl", "list", "devicetypes", "-j")
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("failed to list device types: %w", err)
	}
	return parseDeviceTypes(output)
}

// ListRuntimes returns all installed simulator runtimes.
func ListRuntimes() ([]Runtime, error) {
	if _, err := FindSimctlBinary(); err != nil {
		return nil, err
	}

	cmd := exec.Command("xcrun", "simctl", "list", "runtimes", "-j")
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("failed to list runtimes: %w", err)
	}
	return parseRuntimes(output)
}

// findDeviceType resolves a device type name (or identifier) to its
// identifier.
func findDeviceType(types []DeviceType, name string) (string, error) {
	nameLower := strings.ToLower(name)
	for _, dt := range types {
		if strings.ToLower(dt.Name) == nameLower || dt.Identifier == name {
			return dt.Identifier, nil
		}
	}
	return "", fmt.Errorf("device type not found: %s", name)
}

// findRuntime resolves a runtime name ("iOS 17.2", identifier, or ""
// meaning the newest available iOS runtime) to its identifier.
func findRuntime(runtimes []Runtime, name string) (string, error) {
	if name == "" {
		best := ""
		bestVersion := ""
		for _, rt := range runtimes {
			if !rt.Available || !strings.HasPrefix(rt.Name, "iOS") {
				continue
			}
			if best == "" || compareVersions(rt.Version, bestVersion) > 0 {
				best = rt.Identifier
				bestVersion = rt.Version
			}
		}
		if best == "" {
			return "", fmt.Errorf("no available iOS runtime found")
		}
		return best, nil
	}

	nameLower := strings.ToLower(name)
	for _, rt := range runtimes {
		if !rt.Available {
			continue
		}
		if strings.ToLower(rt.Name) == nameLower || rt.Identifier == name {
			return rt.Identifier, nil
		}
	}
	return "", fmt.Errorf("runtime not found: %s", name)
}

// compareVersions compares dotted numeric versions, e.g. "17.2" > "16.4".
func compareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var an, bn int
		if i < len(as) {
			an, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			bn, _ = strconv.Atoi(bs[i])
		}
		if an != bn {
			if an < bn {
				return -1
			}
			return 1
		}
	}
	return 0
}

// extractOSVersion extracts the version from a runtime identifier.
// e.g., "com.apple.CoreSimulator.SimRuntime.iOS-17-2" -> "17.2"
func extractOSVersion(runtime string) string {
	idx := strings.LastIndex(runtime, "iOS-")
	if idx == -1 {
		// Try other platforms (watchOS, tvOS, visionOS)
		for _, prefix := range []string{"watchOS-", "tvOS-", "xrOS-"} {
			idx = strings.LastIndex(runtime, prefix)
			if idx != -1 {
				version := runtime[idx+len(prefix):]
				return strings.ReplaceAll(version, "-", ".")
			}
		}
		return ""
	}
	version := runtime[idx+4:] // skip "iOS-"
	return strings.ReplaceAll(version, "-", ".")
}
