// Package device holds the persistent descriptor for a physical test device.
package device

import "time"

// Status reflects the device's last known connectivity state.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusOffline      Status = "offline"
	StatusUnauthorized Status = "unauthorized"
)

// Role toggles whether a device is available for test execution or reserved
// for scenario editing.
type Role string

const (
	RoleEditing Role = "editing"
	RoleTesting Role = "testing"
)

// Hardware is a point-in-time hardware snapshot captured at discovery.
type Hardware struct {
	Brand      string
	Model      string
	OS         string
	OSVersion  string
	Resolution string
	CPUAbi     string
	SDK        int
}

// Runtime is a point-in-time runtime snapshot refreshed on each scan.
type Runtime struct {
	BatteryPercent int
	BatteryTempC   float64
	MemoryMB       int
	StorageGB      int
	CPUTempC       float64
}

// Device is the persistent descriptor for one physical target.
type Device struct {
	ID               string
	Alias            string
	Hardware         Hardware
	Runtime          Runtime
	Status           Status
	Role             Role
	FirstConnectedAt time.Time
	LastConnectedAt  time.Time
}
