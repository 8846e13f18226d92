package domain

import (
	"context"

	"github.com/google/uuid"
)

// SessionStore is the durable, optimistically-versioned storage contract for
// session records. Reads return (nil, nil) or an empty slice when nothing
// matches; only mutations on a stale Rev return ErrConflict. The store is the
// single source of truth and the only place mutation races are adjudicated.
type SessionStore interface {
	// Save persists a new session, assigning ID and Rev and stamping
	// Inserted/Updated.
	Save(ctx context.Context, session *Session) error

	// Update persists a mutation, bumping Rev and refreshing Updated.
	// Returns ErrConflict when the supplied Rev is stale.
	Update(ctx context.Context, session *Session) error

	// Delete removes the record. Returns ErrConflict when the supplied Rev
	// is stale.
	Delete(ctx context.Context, session *Session) error

	// BulkMarkDeleted sets the soft-delete flag on all given sessions in one
	// round trip, ignoring individual version races.
	BulkMarkDeleted(ctx context.Context, sessions []*Session) error

	FindByUUID(ctx context.Context, sessionUUID uuid.UUID) (*Session, error)
	FindByDeviceUUID(ctx context.Context, deviceUUID uuid.UUID) (*Session, error)

	// FindJoinable returns the application's sessions eligible for matching:
	// not locked, not soft-deleted, and never explicitly stopped.
	FindJoinable(ctx context.Context, applicationID string) ([]*Session, error)

	// FindOlderThan returns non-deleted sessions whose Updated timestamp is
	// before the cutoff (milliseconds since epoch).
	FindOlderThan(ctx context.Context, cutoffMillis int64) ([]*Session, error)
}

// NotificationSink publishes broadcasts to a session's topic. Implementations
// must be safe for concurrent use and must not be called while holding
// in-process locks.
type NotificationSink interface {
	// PublishDisconnect notifies a session's remaining members that a device
	// left.
	PublishDisconnect(ctx context.Context, sessionUUID uuid.UUID, remaining []Device) error
}
