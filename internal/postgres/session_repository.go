package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"

	"github.com/wieden-kennedy/composite-framework/internal/domain"
	"github.com/wieden-kennedy/composite-framework/internal/geo"
)

// sessionColumns must match the Scan order in scanSession.
const sessionColumns = `id, rev, deleted, uuid, application_id, devices, geo_lat, geo_lng, locked, room, inserted, updated, session_started, session_ended`

// SessionRepo implements domain.SessionStore backed by PostgreSQL. Mutations
// guard on the rev column: an UPDATE or DELETE that matches no row because
// the caller's rev is stale reports domain.ErrConflict.
type SessionRepo struct {
	pool  *pgxpool.Pool
	clock clockwork.Clock
}

// NewSessionRepo creates a SessionRepo from the shared connection pool.
func NewSessionRepo(pool *pgxpool.Pool, clock clockwork.Clock) *SessionRepo {
	return &SessionRepo{pool: pool, clock: clock}
}

func (r *SessionRepo) Save(ctx context.Context, session *domain.Session) error {
	devices, err := json.Marshal(session.Devices)
	if err != nil {
		return fmt.Errorf("failed to marshal devices: %w", err)
	}

	now := r.clock.Now().UnixMilli()
	session.Inserted = now
	session.Updated = now

	lat, lng := geoColumns(session.GeoLocation)
	row := r.pool.QueryRow(ctx, `
		INSERT INTO sessions (uuid, application_id, devices, geo_lat, geo_lng, locked, room, inserted, updated, session_started, session_ended)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, rev`,
		session.UUID, session.ApplicationID, devices, lat, lng, session.Locked,
		session.Room, session.Inserted, session.Updated, session.SessionStarted, session.SessionEnded)

	if err := row.Scan(&session.ID, &session.Rev); err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

func (r *SessionRepo) Update(ctx context.Context, session *domain.Session) error {
	devices, err := json.Marshal(session.Devices)
	if err != nil {
		return fmt.Errorf("failed to marshal devices: %w", err)
	}

	now := r.clock.Now().UnixMilli()
	lat, lng := geoColumns(session.GeoLocation)
	row := r.pool.QueryRow(ctx, `
		UPDATE sessions
		SET rev = rev + 1, deleted = $3, devices = $4, geo_lat = $5, geo_lng = $6,
		    locked = $7, room = $8, updated = $9, session_started = $10, session_ended = $11
		WHERE id = $1 AND rev = $2
		RETURNING rev`,
		session.ID, session.Rev, session.Deleted, devices, lat, lng,
		session.Locked, session.Room, now, session.SessionStarted, session.SessionEnded)

	if err := row.Scan(&session.Rev); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrConflict
		}
		return fmt.Errorf("failed to update session: %w", err)
	}
	session.Updated = now
	return nil
}

func (r *SessionRepo) Delete(ctx context.Context, session *domain.Session) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1 AND rev = $2`, session.ID, session.Rev)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (r *SessionRepo) BulkMarkDeleted(ctx context.Context, sessions []*domain.Session) error {
	if len(sessions) == 0 {
		return nil
	}

	ids := make([]int64, len(sessions))
	for i, session := range sessions {
		ids[i] = session.ID
	}

	now := r.clock.Now().UnixMilli()
	_, err := r.pool.Exec(ctx, `
		UPDATE sessions
		SET deleted = TRUE, rev = rev + 1, updated = $2
		WHERE id = ANY($1)`,
		ids, now)
	if err != nil {
		return fmt.Errorf("failed to bulk mark sessions deleted: %w", err)
	}
	return nil
}

func (r *SessionRepo) FindByUUID(ctx context.Context, sessionUUID uuid.UUID) (*domain.Session, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE uuid = $1 AND NOT deleted`,
		sessionUUID)
	return oneSession(row)
}

func (r *SessionRepo) FindByDeviceUUID(ctx context.Context, deviceUUID uuid.UUID) (*domain.Session, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE NOT deleted AND devices @> jsonb_build_array(jsonb_build_object('uuid', $1::text))
		LIMIT 1`,
		deviceUUID.String())
	return oneSession(row)
}

func (r *SessionRepo) FindJoinable(ctx context.Context, applicationID string) ([]*domain.Session, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE application_id = $1 AND NOT locked AND NOT deleted AND session_ended = 0
		ORDER BY id`,
		applicationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query joinable sessions: %w", err)
	}
	return allSessions(rows)
}

func (r *SessionRepo) FindOlderThan(ctx context.Context, cutoffMillis int64) ([]*domain.Session, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE NOT deleted AND updated < $1
		ORDER BY id`,
		cutoffMillis)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale candidates: %w", err)
	}
	return allSessions(rows)
}

func oneSession(row pgx.Row) (*domain.Session, error) {
	session, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}
	return session, nil
}

func allSessions(rows pgx.Rows) ([]*domain.Session, error) {
	defer rows.Close()

	var sessions []*domain.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read sessions: %w", err)
	}
	return sessions, nil
}

func scanSession(row pgx.Row) (*domain.Session, error) {
	var (
		session  domain.Session
		devices  []byte
		lat, lng *float64
	)

	err := row.Scan(&session.ID, &session.Rev, &session.Deleted, &session.UUID,
		&session.ApplicationID, &devices, &lat, &lng, &session.Locked, &session.Room,
		&session.Inserted, &session.Updated, &session.SessionStarted, &session.SessionEnded)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(devices, &session.Devices); err != nil {
		return nil, fmt.Errorf("failed to unmarshal devices: %w", err)
	}
	if lat != nil && lng != nil {
		session.GeoLocation = &geo.Point{Lat: *lat, Lng: *lng}
	}
	return &session, nil
}

func geoColumns(p *geo.Point) (lat, lng *float64) {
	if p == nil {
		return nil, nil
	}
	return &p.Lat, &p.Lng
}
