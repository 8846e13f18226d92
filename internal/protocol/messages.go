// Package protocol defines the wire messages exchanged with client devices.
// Inbound frames carry a type discriminator; outbound frames echo a type and
// the server time so clients can compute latency offsets.
package protocol

import (
	"encoding/json"

	"github.com/wieden-kennedy/composite-framework/internal/domain"
)

// Inbound message types.
const (
	TypeInit       = "init"
	TypeSync       = "sync"
	TypeJoin       = "join"
	TypePair       = "pair"
	TypePing       = "ping"
	TypeDisconnect = "disconnect"
	TypeUpdate     = "update"
	TypeData       = "data"
	TypeStart      = "start"
	TypeStop       = "stop"
	TypeDevices    = "devices"
)

// Join/pair phases. Matching runs on the exit phase; enter is a no-op
// acknowledgement of the gesture starting.
const (
	PhaseEnter = "enter"
	PhaseExit  = "exit"
)

// Inbound is the envelope for all client-to-server frames. Fields beyond
// Type are populated depending on the message type.
type Inbound struct {
	Type          string          `json:"type"`
	Phase         string          `json:"phase,omitempty"`
	ApplicationID string          `json:"applicationId,omitempty"`
	Device        *domain.Device  `json:"device,omitempty"`
	Geo           []float64       `json:"geo,omitempty"` // [latitude, longitude]
	SessionID     string          `json:"sessionId,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
	Time          int64           `json:"time,omitempty"`
}

// Envelope is the common trailer of every outbound frame.
type Envelope struct {
	Type       string `json:"type"`
	ServerTime int64  `json:"serverTime"`
}

// InitResponse answers an init frame with the device's server-assigned
// identity.
type InitResponse struct {
	Envelope
	UUID string `json:"uuid"`
}

// SyncResponse echoes the client timestamp for latency calculation.
type SyncResponse struct {
	Envelope
	Time int64 `json:"time"`
}

// MatchResponse is the shared shape of join and pair replies.
type MatchResponse struct {
	Envelope
	ApplicationID string          `json:"applicationId"`
	ID            string          `json:"id"`
	Devices       []domain.Device `json:"devices"`
}

// JoinResponse answers a join frame with the matched session.
type JoinResponse struct {
	MatchResponse
	RoomName string `json:"roomName"`
}

// PairResponse answers a pair frame with the matched session.
type PairResponse struct {
	MatchResponse
}

// DisconnectResponse notifies a session that a member left, listing the
// remaining devices.
type DisconnectResponse struct {
	Envelope
	Devices []domain.Device `json:"devices"`
}

// DevicesResponse broadcasts a session's current member list.
type DevicesResponse struct {
	Envelope
	Devices []domain.Device `json:"devices"`
}

// UpdateResponse re-broadcasts an update payload to the session topic.
type UpdateResponse struct {
	Envelope
	Data json.RawMessage `json:"data"`
}

// DataResponse re-broadcasts a data payload to the session topic.
type DataResponse struct {
	Envelope
	Data json.RawMessage `json:"data"`
}

// StartResponse broadcasts that the session started.
type StartResponse struct {
	Envelope
}

// StopResponse broadcasts that the session stopped.
type StopResponse struct {
	Envelope
}
