package redis

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// Broadcaster receives frames for a session's locally connected clients.
type Broadcaster interface {
	Broadcast(sessionUUID uuid.UUID, frame []byte)
}

// Subscriber bridges Redis Pub/Sub into the local websocket hub: every
// instance subscribes to all session topics and forwards frames to whichever
// clients happen to be attached here.
type Subscriber struct {
	rdb *goredis.Client
	hub Broadcaster
}

// NewSubscriber creates a Subscriber feeding the given hub.
func NewSubscriber(rdb *goredis.Client, hub Broadcaster) *Subscriber {
	return &Subscriber{rdb: rdb, hub: hub}
}

// Run listens for session frames until ctx is cancelled.
func (s *Subscriber) Run(ctx context.Context) {
	pubsub := s.rdb.PSubscribe(ctx, "session:*")
	defer func() { _ = pubsub.Close() }()

	ch := pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			s.forward(msg)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Subscriber) forward(msg *goredis.Message) {
	id := strings.TrimPrefix(msg.Channel, "session:")
	sessionUUID, err := uuid.Parse(id)
	if err != nil {
		slog.Warn("Ignoring frame on malformed session channel", "channel", msg.Channel)
		return
	}
	s.hub.Broadcast(sessionUUID, []byte(msg.Payload))
}
