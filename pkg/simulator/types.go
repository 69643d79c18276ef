package simulator

// Device represents an available simulator from simctl list.
type Device struct {
	Name        string // e.g., "iPhone 15 Pro"
	UDID        string // e.g., "A1B2C3D4-E5F6-..."
	Runtime     string // e.g., "com.apple.CoreSimulator.SimRuntime.iOS-17-2"
	OSVersion   string // e.g., "17.2" (extracted from Runtime)
	State       string // "Shutdown", "Booted", etc.
	IsAvailable bool
}

// DeviceType represents an installed simulator device type.
type DeviceType struct {
	Name       string // e.g., "iPhone 15"
	Identifier string // e.g., "com.apple.CoreSimulator.SimDeviceType.iPhone-15"
}

// Runtime represents an installed simulator runtime.
type Runtime struct {
	Name       string // e.g., "iOS 17.2"
	Identifier string // e.g., "com.apple.CoreSimulator.SimRuntime.iOS-17-2"
	Version    string // e.g., "17.2"
	Available  bool
}
