package cli

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/devicelab-dev/simrunner/pkg/simulator"
)

var devicesCommand = &cli.Command{
	Name:  "devices",
	Usage: "List simulator device types, runtimes, and existing devices",
	Description: `List what simctl has available: installed device types and runtimes
(the valid values for --device-type and --runtime) and any existing
simulator devices.

Examples:
  simrunner devices`,
	Action: runDevices,
}

func runDevices(c *cli.Context) error {
	types, err := simulator.ListDeviceTypes()
	if err != nil {
		return fmt.Errorf("failed to list device types: %w", err)
	}
	runtimes, err := simulator.ListRuntimes()
	if err != nil {
		return fmt.Errorf("failed to list runtimes: %w", err)
	}
	devices, err := simulator.ListDevices()
	if err != nil {
		return fmt.Errorf("failed to list devices: %w", err)
	}

	fmt.Printf("%sDevice types%s\n", color(colorBold), color(colorReset))
	for _, dt := range types {
		fmt.Printf("  %-30s %s%s%s\n", dt.Name, color(colorGray), dt.Identifier, color(colorReset))
	}

	fmt.Printf("\n%sRuntimes%s\n", color(colorBold), color(colorReset))
	for _, rt := range runtimes {
		marker := " "
		if !rt.Available {
			marker = "!"
		}
		fmt.Printf("  %s %-20s %s%s%s\n", marker, rt.Name, color(colorGray), rt.Identifier, color(colorReset))
	}

	fmt.Printf("\n%sDevices%s\n", color(colorBold), color(colorReset))
	if len(devices) == 0 {
		fmt.Println("  (none)")
		return nil
	}
	for _, dev := range devices {
		stateColor := colorGray
		if dev.State == "Booted" {
			stateColor = colorGreen
		}
		fmt.Printf("  %-30s iOS %-8s %s%-10s%s %s\n",
			dev.Name, dev.OSVersion, color(stateColor), dev.State, color(colorReset), dev.UDID)
	}
	return nil
}
