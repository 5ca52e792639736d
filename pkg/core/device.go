package core

import "time"

// DeviceStatus represents the connectivity state of a device.
type DeviceStatus string

const (
	DeviceOnline  DeviceStatus = "online"  // Currently connected and reachable
	DeviceOffline DeviceStatus = "offline" // Not currently reachable
	DeviceUnknown DeviceStatus = "unknown" // Never seen or status unclear
)

// Device represents a target device (physical or virtual) a scenario can
// run on.
type Device struct {
	ID       string       // Unique device identifier
	Name     string       // Human-readable name
	Alias    string       // User-settable friendly name
	Role     string       // User-settable role tag (e.g. "canary", "regression")
	Status   DeviceStatus // Current connectivity status
	LastSeen *time.Time   // Last time device was online

	Brand        string // Device brand (e.g. Samsung, Google)
	Model        string // Device model
	OSVersion    string // OS version string
	SDKLevel     int    // Platform API/SDK level
	Resolution   string // e.g. "1080x2400"
	Density      int    // Screen density (dpi)
	CPUABI       string // CPU ABI (arm64-v8a, x86_64, ...)
	BatteryLevel int    // Battery percentage, -1 if unknown
	MemoryMB     int    // Total memory in MB, 0 if unknown

	RemoteHost string            // Non-empty if the device sits behind a remote farm host reachable via pkg/session/tunnel
	Metadata   map[string]string // Custom tags
	CreatedAt  time.Time         // When the device was first registered
	UpdatedAt  time.Time         // Last attribute update
}

// ParseResolution returns the device's screen width/height in pixels,
// parsed from Device.Resolution ("WIDTHxHEIGHT"); ok is false when the
// string is not in that form.
func (d Device) ParseResolution() (width, height int, ok bool) {
	return parseResolution(d.Resolution)
}

// Filter represents criteria for selecting devices.
type Filter struct {
	IDs            []string          // Filter by specific device IDs
	Status         *DeviceStatus     // Filter by connectivity status
	Role           string            // Filter by role tag
	Tags           map[string]string // Filter by metadata tags
	LastSeenBefore *time.Time        // Filter devices last seen before this time
	LastSeenAfter  *time.Time        // Filter devices last seen after this time
	Limit          int               // Maximum number of devices to return
	Offset         int               // Pagination offset
}
