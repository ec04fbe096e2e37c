// Package session describes the live automation-driver attachment held by
// the session registry (§4.A) for a single device.
package session

import "time"

// Status reflects whether a session is still believed to be usable.
type Status string

const (
	StatusActive Status = "active"
	StatusDead   Status = "dead"
)

// Info is a read-only snapshot of a live session, safe to hand to callers
// that must not mutate registry-owned state. The driver and actions handles
// backing a live session are exclusively owned by the registry and never
// appear here.
type Info struct {
	DeviceID  string
	SessionID string
	MJPEGPort int
	CreatedAt time.Time
	Status    Status
}
