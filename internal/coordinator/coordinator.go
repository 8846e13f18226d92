// Package coordinator implements the session matching, pairing, removal, and
// reaping logic. It never caches session state between operations; the store's
// optimistic version check is the sole arbiter of concurrent mutations.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/wieden-kennedy/composite-framework/internal/domain"
	"github.com/wieden-kennedy/composite-framework/internal/geo"
	"github.com/wieden-kennedy/composite-framework/internal/metrics"
	"github.com/wieden-kennedy/composite-framework/internal/policy"
)

// Coordinator consumes the application policy and session store and emits
// disconnect broadcasts through the notification sink. All methods are safe
// for concurrent use; no in-process lock is held across store or sink calls.
type Coordinator struct {
	store  domain.SessionStore
	policy *policy.Policy
	sink   domain.NotificationSink
	clock  clockwork.Clock
}

// New creates a coordinator. sink may be nil when no broker is wired, in
// which case disconnect broadcasts are skipped.
func New(store domain.SessionStore, pol *policy.Policy, sink domain.NotificationSink, clock clockwork.Clock) *Coordinator {
	return &Coordinator{
		store:  store,
		policy: pol,
		sink:   sink,
		clock:  clock,
	}
}

// Get looks a session up by its client-facing UUID. Returns (nil, nil) when
// no session matches.
func (c *Coordinator) Get(ctx context.Context, sessionUUID uuid.UUID) (*domain.Session, error) {
	return c.store.FindByUUID(ctx, sessionUUID)
}

// JoinOrCreate admits a device into the nearest joinable session of the
// application, or creates a fresh one. The search runs twice over the
// joinable list: first with the tight threshold, then with the loose one, so
// tightly-clustered sessions win. A matched session's geo anchor is
// overwritten with the joining device's location, chaining eligibility to the
// most recent member. A version conflict or a full session falls through to
// creating a new session rather than retrying in place.
func (c *Coordinator) JoinOrCreate(ctx context.Context, applicationID string, device domain.Device, location geo.Point) (*domain.Session, error) {
	sessions, err := c.store.FindJoinable(ctx, applicationID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch joinable sessions: %w", err)
	}

	candidate := sessionInRange(sessions, location, c.policy.MinDistance())
	if candidate == nil {
		candidate = sessionInRange(sessions, location, c.policy.MaxDistance())
	}

	if candidate != nil {
		if candidate.HasDevice(device.UUID) {
			// Idempotent retry: the device is already a member.
			metrics.JoinsTotal.WithLabelValues("rejoined").Inc()
			return candidate, nil
		}

		if len(candidate.Devices) < c.policy.MaxDevices(applicationID) {
			candidate.GeoLocation = &location
			candidate.AddDevice(device)

			err := c.store.Update(ctx, candidate)
			switch {
			case err == nil:
				metrics.JoinsTotal.WithLabelValues("matched").Inc()
				return candidate, nil
			case errors.Is(err, domain.ErrConflict):
				// Lost the race against a concurrent joiner. Availability
				// beats reuse: fall through and create a fresh session.
				metrics.ConflictsTotal.WithLabelValues("join").Inc()
				slog.DebugContext(ctx, "Join lost update race, creating new session",
					"session_uuid", candidate.UUID, "device_uuid", device.UUID)
			default:
				return nil, fmt.Errorf("failed to join session %s: %w", candidate.UUID, err)
			}
		}
	}

	session := c.newSession(applicationID, device, &location)
	session.Room = c.policy.AssignRoom(applicationID)
	if err := c.store.Save(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	metrics.JoinsTotal.WithLabelValues("created").Inc()
	return session, nil
}

// Pair implements the 1:1 matching mode: the first joinable session of the
// application takes the device and locks (pairing sessions close at exactly
// two members); otherwise a new unlocked session waits for a partner. No
// distance check applies.
func (c *Coordinator) Pair(ctx context.Context, applicationID string, device domain.Device, location geo.Point) (*domain.Session, error) {
	sessions, err := c.store.FindJoinable(ctx, applicationID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch joinable sessions: %w", err)
	}

	if len(sessions) > 0 {
		session := sessions[0]
		session.AddDevice(device)
		session.Locked = true

		err := c.store.Update(ctx, session)
		switch {
		case err == nil:
			metrics.PairsTotal.WithLabelValues("matched").Inc()
			return session, nil
		case errors.Is(err, domain.ErrConflict):
			metrics.ConflictsTotal.WithLabelValues("pair").Inc()
			slog.DebugContext(ctx, "Pair lost update race, creating new session",
				"session_uuid", session.UUID, "device_uuid", device.UUID)
		default:
			return nil, fmt.Errorf("failed to pair into session %s: %w", session.UUID, err)
		}
	}

	session := c.newSession(applicationID, device, &location)
	if err := c.store.Save(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create pairing session: %w", err)
	}

	metrics.PairsTotal.WithLabelValues("created").Inc()
	return session, nil
}

// Start locks the session, moving it to the running state. Returns (nil, nil)
// when the session does not exist; a version conflict surfaces as ErrConflict
// for the caller to drop.
func (c *Coordinator) Start(ctx context.Context, sessionUUID uuid.UUID) (*domain.Session, error) {
	session, err := c.store.FindByUUID(ctx, sessionUUID)
	if err != nil || session == nil {
		return nil, err
	}

	session.Locked = true
	session.SessionStarted = c.clock.Now().UnixMilli()
	if err := c.store.Update(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to start session %s: %w", sessionUUID, err)
	}
	return session, nil
}

// Stop unlocks the session and stamps its end time.
func (c *Coordinator) Stop(ctx context.Context, sessionUUID uuid.UUID) (*domain.Session, error) {
	session, err := c.store.FindByUUID(ctx, sessionUUID)
	if err != nil || session == nil {
		return nil, err
	}

	session.Locked = false
	session.SessionEnded = c.clock.Now().UnixMilli()
	if err := c.store.Update(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to stop session %s: %w", sessionUUID, err)
	}
	return session, nil
}

// RemoveDevice takes a device out of its owning session. A device without a
// session is a success. When members remain the session is updated and the
// remaining members get a disconnect broadcast; when none remain the session
// is deleted. An update conflict returns ErrConflict so the liveness sweep
// re-arms the device and retries next cycle; a delete conflict is swallowed
// because another racer or the reaper already owns the record.
func (c *Coordinator) RemoveDevice(ctx context.Context, deviceUUID uuid.UUID) error {
	session, err := c.store.FindByDeviceUUID(ctx, deviceUUID)
	if err != nil {
		return fmt.Errorf("failed to locate session for device %s: %w", deviceUUID, err)
	}
	if session == nil {
		return nil
	}

	session.RemoveDevice(deviceUUID)

	if len(session.Devices) == 0 {
		if err := c.store.Delete(ctx, session); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				// Leave the record for the stale reaper.
				metrics.ConflictsTotal.WithLabelValues("delete").Inc()
				return nil
			}
			return fmt.Errorf("failed to delete empty session %s: %w", session.UUID, err)
		}
		return nil
	}

	if err := c.store.Update(ctx, session); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			metrics.ConflictsTotal.WithLabelValues("remove").Inc()
			return domain.ErrConflict
		}
		return fmt.Errorf("failed to update session %s after removal: %w", session.UUID, err)
	}

	if c.sink != nil {
		if err := c.sink.PublishDisconnect(ctx, session.UUID, session.Devices); err != nil {
			slog.WarnContext(ctx, "Failed to broadcast disconnect",
				"session_uuid", session.UUID, "error", err)
		}
	}
	return nil
}

// ReapStale soft-deletes abandoned sessions in one bulk write and returns the
// count marked. A running session is stale when it has not been updated
// within the threshold; an open or ended session also counts its end stamp.
// Sessions swept in by the coarse time filter but not actually stale are left
// untouched.
func (c *Coordinator) ReapStale(ctx context.Context, threshold time.Duration) (int, error) {
	now := c.clock.Now().UnixMilli()
	cutoff := now - threshold.Milliseconds()

	sessions, err := c.store.FindOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch stale session candidates: %w", err)
	}

	var stale []*domain.Session
	for _, session := range sessions {
		if c.isStale(session, now, threshold.Milliseconds()) {
			session.Deleted = true
			stale = append(stale, session)
		}
	}

	if len(stale) == 0 {
		return 0, nil
	}

	if err := c.store.BulkMarkDeleted(ctx, stale); err != nil {
		return 0, fmt.Errorf("failed to bulk mark stale sessions: %w", err)
	}

	metrics.SessionsReapedTotal.Add(float64(len(stale)))
	slog.InfoContext(ctx, "Reaped stale sessions", "count", len(stale))
	return len(stale), nil
}

func (c *Coordinator) isStale(session *domain.Session, now, thresholdMillis int64) bool {
	if session.Locked {
		return now-session.Updated > thresholdMillis
	}
	return now-session.SessionEnded > thresholdMillis || now-session.Updated > thresholdMillis
}

func (c *Coordinator) newSession(applicationID string, device domain.Device, location *geo.Point) *domain.Session {
	session := &domain.Session{
		UUID:          uuid.New(),
		ApplicationID: applicationID,
		GeoLocation:   location,
	}
	session.AddDevice(device)
	return session
}

// sessionInRange returns the first session whose geo anchor lies within range
// meters of the given location. Sessions without an anchor never match.
func sessionInRange(sessions []*domain.Session, location geo.Point, rangeMeters float64) *domain.Session {
	for _, session := range sessions {
		if session.GeoLocation == nil {
			continue
		}
		if geo.Distance(location, *session.GeoLocation) <= rangeMeters {
			return session
		}
	}
	return nil
}
