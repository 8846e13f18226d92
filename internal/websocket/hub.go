package websocket

import (
	"log/slog"

	"github.com/google/uuid"
)

// --- Command types ---

type hubCmd interface{ hubCmd() }

type cmdRegister struct {
	sessionUUID uuid.UUID
	client      *Client
}

func (cmdRegister) hubCmd() {}

type cmdUnregister struct {
	sessionUUID uuid.UUID
	client      *Client
}

func (cmdUnregister) hubCmd() {}

type cmdBroadcast struct {
	sessionUUID uuid.UUID
	frame       []byte
}

func (cmdBroadcast) hubCmd() {}

type cmdMove struct {
	from   uuid.UUID
	to     uuid.UUID
	client *Client
}

func (cmdMove) hubCmd() {}

type cmdClientCount struct {
	sessionUUID uuid.UUID
	replyCh     chan int
}

func (cmdClientCount) hubCmd() {}

type cmdStop struct{}

func (cmdStop) hubCmd() {}

// --- Hub ---

// Hub routes per-session topic broadcasts to locally attached clients. All
// state lives inside the actor goroutine; the public API only sends commands.
type Hub struct {
	cmdCh   chan hubCmd
	clients map[uuid.UUID]map[*Client]struct{}
}

// NewHub creates and starts a hub.
func NewHub() *Hub {
	h := &Hub{
		cmdCh:   make(chan hubCmd, 256),
		clients: make(map[uuid.UUID]map[*Client]struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for cmd := range h.cmdCh {
		switch c := cmd.(type) {
		case cmdRegister:
			h.handleRegister(c.sessionUUID, c.client)
		case cmdUnregister:
			h.handleUnregister(c.sessionUUID, c.client)
		case cmdBroadcast:
			h.handleBroadcast(c)
		case cmdMove:
			h.handleUnregister(c.from, c.client)
			h.handleRegister(c.to, c.client)
		case cmdClientCount:
			c.replyCh <- len(h.clients[c.sessionUUID])
		case cmdStop:
			h.handleStop()
			return
		}
	}
}

func (h *Hub) handleRegister(sessionUUID uuid.UUID, client *Client) {
	clients, ok := h.clients[sessionUUID]
	if !ok {
		clients = make(map[*Client]struct{})
		h.clients[sessionUUID] = clients
	}
	clients[client] = struct{}{}
	slog.Debug("Client subscribed to session topic", "session_uuid", sessionUUID, "clients", len(clients))
}

func (h *Hub) handleUnregister(sessionUUID uuid.UUID, client *Client) {
	clients, ok := h.clients[sessionUUID]
	if !ok {
		return
	}
	if _, ok := clients[client]; !ok {
		return
	}
	delete(clients, client)
	if len(clients) == 0 {
		delete(h.clients, sessionUUID)
	}
}

func (h *Hub) handleBroadcast(c cmdBroadcast) {
	clients, ok := h.clients[c.sessionUUID]
	if !ok {
		return
	}

	var slow []*Client
	for client := range clients {
		if !client.TrySend(c.frame) {
			slow = append(slow, client)
		}
	}

	// A full send buffer means the client cannot keep up with the session's
	// message rate; drop it rather than stall everyone else.
	for _, client := range slow {
		slog.Warn("Disconnecting slow client", "session_uuid", c.sessionUUID)
		h.handleUnregister(c.sessionUUID, client)
		client.Close()
	}
}

func (h *Hub) handleStop() {
	for sessionUUID, clients := range h.clients {
		for client := range clients {
			client.Close()
		}
		delete(h.clients, sessionUUID)
	}
}

// --- Public API ---

// Register attaches a client to a session's topic.
func (h *Hub) Register(sessionUUID uuid.UUID, client *Client) {
	h.cmdCh <- cmdRegister{sessionUUID: sessionUUID, client: client}
}

// Unregister detaches a client from a session's topic.
func (h *Hub) Unregister(sessionUUID uuid.UUID, client *Client) {
	h.cmdCh <- cmdUnregister{sessionUUID: sessionUUID, client: client}
}

// Move reattaches a client from one session's topic to another, e.g. when a
// device rejoins and matches into a different session.
func (h *Hub) Move(from, to uuid.UUID, client *Client) {
	h.cmdCh <- cmdMove{from: from, to: to, client: client}
}

// Broadcast queues a frame for every client attached to the session's topic.
func (h *Hub) Broadcast(sessionUUID uuid.UUID, frame []byte) {
	h.cmdCh <- cmdBroadcast{sessionUUID: sessionUUID, frame: frame}
}

// ClientCount reports how many local clients are attached to a session.
func (h *Hub) ClientCount(sessionUUID uuid.UUID) int {
	replyCh := make(chan int, 1)
	h.cmdCh <- cmdClientCount{sessionUUID: sessionUUID, replyCh: replyCh}
	return <-replyCh
}

// Stop disconnects all clients and shuts the hub down.
func (h *Hub) Stop() {
	h.cmdCh <- cmdStop{}
}
