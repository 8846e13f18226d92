package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"

	"github.com/wieden-kennedy/composite-framework/internal/domain"
	"github.com/wieden-kennedy/composite-framework/internal/protocol"
)

func sessionChannel(sessionUUID uuid.UUID) string {
	return "session:" + sessionUUID.String()
}

// Publisher fans session broadcasts out through Redis Pub/Sub so they reach
// clients attached to any instance. It implements domain.NotificationSink.
type Publisher struct {
	rdb   *goredis.Client
	clock clockwork.Clock
}

// NewPublisher creates a Publisher.
func NewPublisher(rdb *goredis.Client, clock clockwork.Clock) *Publisher {
	return &Publisher{rdb: rdb, clock: clock}
}

// Publish sends a pre-encoded frame to a session's topic.
func (p *Publisher) Publish(ctx context.Context, sessionUUID uuid.UUID, frame []byte) error {
	if err := p.rdb.Publish(ctx, sessionChannel(sessionUUID), frame).Err(); err != nil {
		return fmt.Errorf("failed to publish to session %s: %w", sessionUUID, err)
	}
	return nil
}

// PublishDisconnect notifies a session's topic that a device left.
func (p *Publisher) PublishDisconnect(ctx context.Context, sessionUUID uuid.UUID, remaining []domain.Device) error {
	msg := protocol.DisconnectResponse{
		Envelope: protocol.Envelope{Type: protocol.TypeDisconnect, ServerTime: p.clock.Now().UnixMilli()},
		Devices:  remaining,
	}
	frame, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal disconnect frame: %w", err)
	}
	return p.Publish(ctx, sessionUUID, frame)
}
