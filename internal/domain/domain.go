// Package domain holds the core session-coordination model: devices,
// sessions, the store and notification contracts, and the sentinel errors
// shared by every layer.
package domain

import (
	"github.com/google/uuid"

	"github.com/wieden-kennedy/composite-framework/internal/geo"
)

// Device is an ephemeral client participant. Identity is immutable; the
// descriptive fields are whatever the client reported on handshake.
type Device struct {
	UUID         uuid.UUID `json:"uuid"`
	Width        int       `json:"width"`
	Height       int       `json:"height"`
	Performance  int       `json:"performance"`
	Instructions int       `json:"instructions"`
	Location     string    `json:"location"`
	Country      string    `json:"country"`
}

// SessionState is the derived lifecycle state of a session record.
type SessionState string

const (
	// StateOpen accepts joins up to the per-application cap.
	StateOpen SessionState = "open"
	// StateRunning means an explicit start locked the session.
	StateRunning SessionState = "running"
	// StateEnded means an explicit stop unlocked the session and stamped
	// SessionEnded. Ended sessions are not joinable.
	StateEnded SessionState = "ended"
)

// Session groups 1..N devices under one application. ID/Rev are the store's
// identity and optimistic version token; UUID is the client-facing identity
// used in topics and lookups.
type Session struct {
	ID      int64
	Rev     int64
	Deleted bool

	UUID          uuid.UUID
	ApplicationID string
	Devices       []Device

	// GeoLocation is the location of the most recently admitted device, not
	// a centroid. Proximity eligibility drifts with membership on purpose.
	GeoLocation *geo.Point

	Locked bool
	Room   string

	// Milliseconds since epoch. Inserted is set once; Updated refreshes on
	// every successful mutation.
	Inserted       int64
	Updated        int64
	SessionStarted int64
	SessionEnded   int64
}

// State derives the lifecycle state from the lock flag and end timestamp.
func (s *Session) State() SessionState {
	if s.Locked {
		return StateRunning
	}
	if s.SessionEnded > 0 {
		return StateEnded
	}
	return StateOpen
}

// HasDevice reports whether the device is already a session member.
func (s *Session) HasDevice(deviceUUID uuid.UUID) bool {
	for _, d := range s.Devices {
		if d.UUID == deviceUUID {
			return true
		}
	}
	return false
}

// AddDevice appends a device to the member list.
func (s *Session) AddDevice(device Device) {
	s.Devices = append(s.Devices, device)
}

// RemoveDevice removes a device by UUID. Removing an absent device is a no-op.
func (s *Session) RemoveDevice(deviceUUID uuid.UUID) {
	remaining := make([]Device, 0, len(s.Devices))
	for _, d := range s.Devices {
		if d.UUID != deviceUUID {
			remaining = append(remaining, d)
		}
	}
	s.Devices = remaining
}
