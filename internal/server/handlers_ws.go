package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	ws "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/wieden-kennedy/composite-framework/internal/correlation"
	"github.com/wieden-kennedy/composite-framework/internal/domain"
	"github.com/wieden-kennedy/composite-framework/internal/geo"
	"github.com/wieden-kennedy/composite-framework/internal/metrics"
	"github.com/wieden-kennedy/composite-framework/internal/protocol"
	"github.com/wieden-kennedy/composite-framework/internal/websocket"
)

var upgrader = ws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // devices connect from arbitrary installations
	},
}

// connState tracks what the read loop knows about one connection: the
// device's identity once established and the session topic it is attached to.
type connState struct {
	deviceUUID  uuid.UUID
	sessionUUID uuid.UUID
}

func (s *Server) handleWebSocket(c echo.Context) error {
	ip := c.RealIP()
	allowed, reason := s.limits.Acquire(ip)
	if !allowed {
		slog.Warn("Rejecting connection", "ip", ip, "reason", reason)
		return c.JSON(503, map[string]string{"error": string(reason)})
	}
	defer s.limits.Release(ip)

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Warn("Failed to upgrade websocket", "error", err)
		return nil
	}

	metrics.WebSocketConnections.Inc()
	defer metrics.WebSocketConnections.Dec()

	ctx := correlation.WithID(context.Background(), correlation.NewID())
	client := websocket.NewClient(conn)
	state := &connState{}

	// Read pump, blocks until disconnect.
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}

		var msg protocol.Inbound
		if err := json.Unmarshal(raw, &msg); err != nil {
			slog.DebugContext(ctx, "Dropping malformed frame", "error", err)
			continue
		}

		metrics.MessagesTotal.WithLabelValues(msg.Type).Inc()
		s.dispatch(ctx, state, client, msg)
	}

	s.teardown(ctx, state, client)
	return nil
}

// teardown cleans a closed connection up: the device leaves its session and
// the remaining members get the disconnect broadcast.
func (s *Server) teardown(ctx context.Context, state *connState, client *websocket.Client) {
	if state.sessionUUID != uuid.Nil {
		s.hub.Unregister(state.sessionUUID, client)
	}
	if state.deviceUUID != uuid.Nil {
		if err := s.coordinator.RemoveDevice(ctx, state.deviceUUID); err != nil {
			slog.WarnContext(ctx, "Failed to remove device on disconnect",
				"device_uuid", state.deviceUUID, "error", err)
		}
	}
	client.Close()
}

func (s *Server) dispatch(ctx context.Context, state *connState, client *websocket.Client, msg protocol.Inbound) {
	switch msg.Type {
	case protocol.TypeInit:
		s.handleInit(state, client, msg)
	case protocol.TypeSync:
		s.reply(client, protocol.SyncResponse{
			Envelope: s.envelope(protocol.TypeSync),
			Time:     msg.Time,
		})
	case protocol.TypePing:
		if state.deviceUUID != uuid.Nil {
			s.registry.RecordAlive(state.deviceUUID)
		}
	case protocol.TypeJoin:
		s.handleJoin(ctx, state, client, msg)
	case protocol.TypePair:
		s.handlePair(ctx, state, client, msg)
	case protocol.TypeDisconnect:
		s.handleDisconnect(ctx, state, client)
	case protocol.TypeUpdate:
		s.handleSessionPayload(ctx, msg, func(data json.RawMessage) any {
			return protocol.UpdateResponse{Envelope: s.envelope(protocol.TypeUpdate), Data: data}
		})
	case protocol.TypeData:
		s.handleSessionPayload(ctx, msg, func(data json.RawMessage) any {
			return protocol.DataResponse{Envelope: s.envelope(protocol.TypeData), Data: data}
		})
	case protocol.TypeStart:
		s.handleStart(ctx, msg)
	case protocol.TypeStop:
		s.handleStop(ctx, msg)
	case protocol.TypeDevices:
		s.handleDevices(ctx, msg)
	default:
		slog.DebugContext(ctx, "Dropping frame of unknown type", "type", msg.Type)
	}
}

// handleInit establishes the device identity for this connection. Clients may
// bring an identity from a previous connection; otherwise one is assigned.
func (s *Server) handleInit(state *connState, client *websocket.Client, msg protocol.Inbound) {
	if msg.Device != nil && msg.Device.UUID != uuid.Nil {
		state.deviceUUID = msg.Device.UUID
	} else {
		state.deviceUUID = uuid.New()
	}
	s.registry.RecordAlive(state.deviceUUID)

	s.reply(client, protocol.InitResponse{
		Envelope: s.envelope(protocol.TypeInit),
		UUID:     state.deviceUUID.String(),
	})
}

func (s *Server) handleJoin(ctx context.Context, state *connState, client *websocket.Client, msg protocol.Inbound) {
	// Matching runs when the join gesture completes; the enter phase is noise.
	if msg.Phase != protocol.PhaseExit {
		return
	}

	device, location, ok := s.matchInputs(ctx, state, msg)
	if !ok {
		return
	}

	session, err := s.coordinator.JoinOrCreate(ctx, msg.ApplicationID, device, location)
	if err != nil {
		slog.ErrorContext(ctx, "Join failed", "device_uuid", device.UUID, "error", err)
		return
	}

	s.attach(state, client, session.UUID)
	s.reply(client, protocol.JoinResponse{
		MatchResponse: s.matchResponse(protocol.TypeJoin, session),
		RoomName:      session.Room,
	})
	s.broadcastDevices(ctx, session)
}

func (s *Server) handlePair(ctx context.Context, state *connState, client *websocket.Client, msg protocol.Inbound) {
	if msg.Phase != protocol.PhaseExit {
		return
	}

	device, location, ok := s.matchInputs(ctx, state, msg)
	if !ok {
		return
	}

	session, err := s.coordinator.Pair(ctx, msg.ApplicationID, device, location)
	if err != nil {
		slog.ErrorContext(ctx, "Pair failed", "device_uuid", device.UUID, "error", err)
		return
	}

	s.attach(state, client, session.UUID)
	s.reply(client, protocol.PairResponse{
		MatchResponse: s.matchResponse(protocol.TypePair, session),
	})
	s.broadcastDevices(ctx, session)
}

func (s *Server) handleDisconnect(ctx context.Context, state *connState, client *websocket.Client) {
	if state.deviceUUID == uuid.Nil {
		return
	}
	if err := s.coordinator.RemoveDevice(ctx, state.deviceUUID); err != nil {
		slog.WarnContext(ctx, "Failed to remove device",
			"device_uuid", state.deviceUUID, "error", err)
	}
	if state.sessionUUID != uuid.Nil {
		s.hub.Unregister(state.sessionUUID, client)
		state.sessionUUID = uuid.Nil
	}
}

// handleSessionPayload relays update/data payloads to the session topic.
func (s *Server) handleSessionPayload(ctx context.Context, msg protocol.Inbound, build func(json.RawMessage) any) {
	sessionUUID, ok := parseSessionID(ctx, msg.SessionID)
	if !ok {
		return
	}
	s.publish(ctx, sessionUUID, build(msg.Data))
}

func (s *Server) handleStart(ctx context.Context, msg protocol.Inbound) {
	sessionUUID, ok := parseSessionID(ctx, msg.SessionID)
	if !ok {
		return
	}

	session, err := s.coordinator.Start(ctx, sessionUUID)
	if err != nil {
		slog.WarnContext(ctx, "Failed to start session", "session_uuid", sessionUUID, "error", err)
		return
	}
	if session == nil {
		return
	}
	s.publish(ctx, sessionUUID, protocol.StartResponse{Envelope: s.envelope(protocol.TypeStart)})
}

func (s *Server) handleStop(ctx context.Context, msg protocol.Inbound) {
	sessionUUID, ok := parseSessionID(ctx, msg.SessionID)
	if !ok {
		return
	}

	session, err := s.coordinator.Stop(ctx, sessionUUID)
	if err != nil {
		slog.WarnContext(ctx, "Failed to stop session", "session_uuid", sessionUUID, "error", err)
		return
	}
	if session == nil {
		return
	}
	s.publish(ctx, sessionUUID, protocol.StopResponse{Envelope: s.envelope(protocol.TypeStop)})
}

func (s *Server) handleDevices(ctx context.Context, msg protocol.Inbound) {
	sessionUUID, ok := parseSessionID(ctx, msg.SessionID)
	if !ok {
		return
	}

	session, err := s.coordinator.Get(ctx, sessionUUID)
	if err != nil {
		slog.WarnContext(ctx, "Failed to look session up", "session_uuid", sessionUUID, "error", err)
		return
	}
	if session == nil {
		return
	}
	s.broadcastDevices(ctx, session)
}

// --- Helpers ---

// matchInputs validates the shared join/pair inputs: an application id, a
// device payload, and a [lat, lng] coordinate pair.
func (s *Server) matchInputs(ctx context.Context, state *connState, msg protocol.Inbound) (domain.Device, geo.Point, bool) {
	if msg.ApplicationID == "" || msg.Device == nil || len(msg.Geo) != 2 {
		slog.DebugContext(ctx, "Dropping match frame with missing fields", "type", msg.Type)
		return domain.Device{}, geo.Point{}, false
	}

	device := *msg.Device
	if device.UUID == uuid.Nil {
		if state.deviceUUID == uuid.Nil {
			state.deviceUUID = uuid.New()
		}
		device.UUID = state.deviceUUID
	} else {
		state.deviceUUID = device.UUID
	}
	s.registry.RecordAlive(device.UUID)

	return device, geo.Point{Lat: msg.Geo[0], Lng: msg.Geo[1]}, true
}

// attach moves the connection's topic subscription to the matched session.
func (s *Server) attach(state *connState, client *websocket.Client, sessionUUID uuid.UUID) {
	switch {
	case state.sessionUUID == uuid.Nil:
		s.hub.Register(sessionUUID, client)
	case state.sessionUUID != sessionUUID:
		s.hub.Move(state.sessionUUID, sessionUUID, client)
	}
	state.sessionUUID = sessionUUID
}

// broadcastDevices announces the member list to the session topic. Sessions
// with a single member skip the broadcast, there is nobody to tell.
func (s *Server) broadcastDevices(ctx context.Context, session *domain.Session) {
	if len(session.Devices) < 2 {
		return
	}
	s.publish(ctx, session.UUID, protocol.DevicesResponse{
		Envelope: s.envelope(protocol.TypeDevices),
		Devices:  session.Devices,
	})
}

func (s *Server) publish(ctx context.Context, sessionUUID uuid.UUID, msg any) {
	frame, err := json.Marshal(msg)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to marshal broadcast frame", "error", err)
		return
	}
	if err := s.publisher.Publish(ctx, sessionUUID, frame); err != nil {
		slog.WarnContext(ctx, "Failed to publish frame", "session_uuid", sessionUUID, "error", err)
	}
}

// reply sends a frame to this connection only.
func (s *Server) reply(client *websocket.Client, msg any) {
	frame, err := json.Marshal(msg)
	if err != nil {
		slog.Error("Failed to marshal reply frame", "error", err)
		return
	}
	if !client.TrySend(frame) {
		slog.Warn("Dropping reply to slow client")
	}
}

func (s *Server) envelope(msgType string) protocol.Envelope {
	return protocol.Envelope{Type: msgType, ServerTime: s.clock.Now().UnixMilli()}
}

// parseSessionID validates a session-addressed frame's id. Malformed ids are
// dropped without a reply.
func parseSessionID(ctx context.Context, raw string) (uuid.UUID, bool) {
	sessionUUID, err := uuid.Parse(raw)
	if err != nil {
		slog.DebugContext(ctx, "Dropping frame with malformed session id", "session_id", raw)
		return uuid.Nil, false
	}
	return sessionUUID, true
}

func (s *Server) matchResponse(msgType string, session *domain.Session) protocol.MatchResponse {
	return protocol.MatchResponse{
		Envelope:      s.envelope(msgType),
		ApplicationID: session.ApplicationID,
		ID:            session.UUID.String(),
		Devices:       session.Devices,
	}
}
