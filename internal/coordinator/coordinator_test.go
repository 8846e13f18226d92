package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wieden-kennedy/composite-framework/internal/domain"
	"github.com/wieden-kennedy/composite-framework/internal/geo"
	"github.com/wieden-kennedy/composite-framework/internal/policy"
)

// --- In-memory fake store ---

// fakeStore mimics the store contract: reads hand out copies, Update/Delete
// compare revs, and conflicts can be injected per operation.
type fakeStore struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	nextID   int64
	sessions []*domain.Session

	failNextUpdate bool
	failNextDelete bool
}

func newFakeStore(clock clockwork.Clock) *fakeStore {
	return &fakeStore{clock: clock}
}

func copySession(s *domain.Session) *domain.Session {
	c := *s
	c.Devices = append([]domain.Device(nil), s.Devices...)
	if s.GeoLocation != nil {
		loc := *s.GeoLocation
		c.GeoLocation = &loc
	}
	return &c
}

func (f *fakeStore) Save(_ context.Context, session *domain.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	session.ID = f.nextID
	session.Rev = 1
	session.Inserted = f.clock.Now().UnixMilli()
	session.Updated = session.Inserted
	f.sessions = append(f.sessions, copySession(session))
	return nil
}

func (f *fakeStore) Update(_ context.Context, session *domain.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNextUpdate {
		f.failNextUpdate = false
		return domain.ErrConflict
	}
	for i, stored := range f.sessions {
		if stored.ID == session.ID {
			if stored.Rev != session.Rev {
				return domain.ErrConflict
			}
			session.Rev++
			session.Updated = f.clock.Now().UnixMilli()
			f.sessions[i] = copySession(session)
			return nil
		}
	}
	return domain.ErrConflict
}

func (f *fakeStore) Delete(_ context.Context, session *domain.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNextDelete {
		f.failNextDelete = false
		return domain.ErrConflict
	}
	for i, stored := range f.sessions {
		if stored.ID == session.ID {
			if stored.Rev != session.Rev {
				return domain.ErrConflict
			}
			f.sessions = append(f.sessions[:i], f.sessions[i+1:]...)
			return nil
		}
	}
	return nil
}

func (f *fakeStore) BulkMarkDeleted(_ context.Context, sessions []*domain.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, session := range sessions {
		for i, stored := range f.sessions {
			if stored.ID == session.ID {
				f.sessions[i].Deleted = true
			}
		}
	}
	return nil
}

func (f *fakeStore) FindByUUID(_ context.Context, sessionUUID uuid.UUID) (*domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if s.UUID == sessionUUID && !s.Deleted {
			return copySession(s), nil
		}
	}
	return nil, nil
}

func (f *fakeStore) FindByDeviceUUID(_ context.Context, deviceUUID uuid.UUID) (*domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if !s.Deleted && s.HasDevice(deviceUUID) {
			return copySession(s), nil
		}
	}
	return nil, nil
}

func (f *fakeStore) FindJoinable(_ context.Context, applicationID string) ([]*domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Session
	for _, s := range f.sessions {
		if s.ApplicationID == applicationID && !s.Locked && !s.Deleted && s.SessionEnded == 0 {
			out = append(out, copySession(s))
		}
	}
	return out, nil
}

func (f *fakeStore) FindOlderThan(_ context.Context, cutoffMillis int64) ([]*domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Session
	for _, s := range f.sessions {
		if !s.Deleted && s.Updated < cutoffMillis {
			out = append(out, copySession(s))
		}
	}
	return out, nil
}

func (f *fakeStore) get(sessionUUID uuid.UUID) *domain.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if s.UUID == sessionUUID {
			return copySession(s)
		}
	}
	return nil
}

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

// --- Fake notification sink ---

type fakeSink struct {
	mu          sync.Mutex
	disconnects []publishedDisconnect
}

type publishedDisconnect struct {
	SessionUUID uuid.UUID
	Remaining   []domain.Device
}

func (f *fakeSink) PublishDisconnect(_ context.Context, sessionUUID uuid.UUID, remaining []domain.Device) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects = append(f.disconnects, publishedDisconnect{SessionUUID: sessionUUID, Remaining: remaining})
	return nil
}

func (f *fakeSink) published() []publishedDisconnect {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]publishedDisconnect(nil), f.disconnects...)
}

// --- Helpers ---

const testApp = "composite-demo"

func testPolicy(cap int) *policy.Policy {
	return policy.New(map[string]policy.Application{
		testApp: {MaxDevicesPerSession: cap, Rooms: []string{"red", "blue"}},
	}, 4, 15, 200)
}

func newTestCoordinator(t *testing.T, cap int) (*Coordinator, *fakeStore, *fakeSink, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	store := newFakeStore(clock)
	sink := &fakeSink{}
	return New(store, testPolicy(cap), sink, clock), store, sink, clock
}

func device() domain.Device {
	return domain.Device{UUID: uuid.New(), Width: 1920, Height: 1080}
}

// --- Join tests ---

func TestJoinCreatesSessionWhenNoneExist(t *testing.T) {
	c, store, _, _ := newTestCoordinator(t, 4)

	d := device()
	session, err := c.JoinOrCreate(context.Background(), testApp, d, geo.Point{Lat: 0, Lng: 0})
	require.NoError(t, err)

	assert.Equal(t, testApp, session.ApplicationID)
	assert.Equal(t, []domain.Device{d}, session.Devices)
	assert.Contains(t, []string{"red", "blue"}, session.Room)
	assert.False(t, session.Locked)
	assert.NotZero(t, session.Inserted)
	assert.Equal(t, session.Inserted, session.Updated)
	assert.Equal(t, 1, store.count())
}

func TestJoinWithinMinThresholdChainsGeo(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t, 4)
	ctx := context.Background()

	s1, err := c.JoinOrCreate(ctx, testApp, device(), geo.Point{Lat: 0, Lng: 0})
	require.NoError(t, err)

	// ~11m away, inside the 15m threshold.
	joined, err := c.JoinOrCreate(ctx, testApp, device(), geo.Point{Lat: 0, Lng: 0.0001})
	require.NoError(t, err)
	assert.Equal(t, s1.UUID, joined.UUID)
	assert.Len(t, joined.Devices, 2)

	// The anchor moved to the most recent joiner.
	assert.Equal(t, geo.Point{Lat: 0, Lng: 0.0001}, *joined.GeoLocation)

	// A third device near the new anchor but ~22m from the original point
	// still lands in the same session: eligibility chains.
	chained, err := c.JoinOrCreate(ctx, testApp, device(), geo.Point{Lat: 0, Lng: 0.0002})
	require.NoError(t, err)
	assert.Equal(t, s1.UUID, chained.UUID)
	assert.Len(t, chained.Devices, 3)
}

func TestJoinFallsBackToMaxThreshold(t *testing.T) {
	c, store, _, _ := newTestCoordinator(t, 4)
	ctx := context.Background()

	s1, err := c.JoinOrCreate(ctx, testApp, device(), geo.Point{Lat: 0, Lng: 0})
	require.NoError(t, err)

	// ~111m away: outside the 15m threshold, inside the 200m fallback.
	joined, err := c.JoinOrCreate(ctx, testApp, device(), geo.Point{Lat: 0, Lng: 0.001})
	require.NoError(t, err)
	assert.Equal(t, s1.UUID, joined.UUID)

	// ~1.1km away: outside both thresholds, so a new session appears.
	far, err := c.JoinOrCreate(ctx, testApp, device(), geo.Point{Lat: 0, Lng: 0.01})
	require.NoError(t, err)
	assert.NotEqual(t, s1.UUID, far.UUID)
	assert.Equal(t, 2, store.count())
}

func TestJoinIsIdempotentForExistingMember(t *testing.T) {
	c, store, _, _ := newTestCoordinator(t, 4)
	ctx := context.Background()

	d := device()
	s1, err := c.JoinOrCreate(ctx, testApp, d, geo.Point{Lat: 0, Lng: 0})
	require.NoError(t, err)
	rev := store.get(s1.UUID).Rev

	again, err := c.JoinOrCreate(ctx, testApp, d, geo.Point{Lat: 0, Lng: 0})
	require.NoError(t, err)
	assert.Equal(t, s1.UUID, again.UUID)
	assert.Len(t, again.Devices, 1)

	// No mutation happened.
	assert.Equal(t, rev, store.get(s1.UUID).Rev)
}

func TestJoinOverflowCreatesNewSession(t *testing.T) {
	c, store, _, _ := newTestCoordinator(t, 2)
	ctx := context.Background()

	s, err := c.JoinOrCreate(ctx, testApp, device(), geo.Point{Lat: 0, Lng: 0})
	require.NoError(t, err)

	second, err := c.JoinOrCreate(ctx, testApp, device(), geo.Point{Lat: 0, Lng: 0.0001})
	require.NoError(t, err)
	assert.Equal(t, s.UUID, second.UUID)
	assert.Len(t, second.Devices, 2)

	// The session is full: the third joiner ends up in a fresh session.
	third, err := c.JoinOrCreate(ctx, testApp, device(), geo.Point{Lat: 0, Lng: 0.0001})
	require.NoError(t, err)
	assert.NotEqual(t, s.UUID, third.UUID)
	assert.Len(t, third.Devices, 1)
	assert.Equal(t, 2, store.count())
	assert.Len(t, store.get(s.UUID).Devices, 2)
}

func TestJoinConflictFallsThroughToNewSession(t *testing.T) {
	c, store, _, _ := newTestCoordinator(t, 4)
	ctx := context.Background()

	s1, err := c.JoinOrCreate(ctx, testApp, device(), geo.Point{Lat: 0, Lng: 0})
	require.NoError(t, err)

	store.failNextUpdate = true
	joined, err := c.JoinOrCreate(ctx, testApp, device(), geo.Point{Lat: 0, Lng: 0})
	require.NoError(t, err)

	// The loser of the race got its own session instead of blocking.
	assert.NotEqual(t, s1.UUID, joined.UUID)
	assert.Equal(t, 2, store.count())
}

func TestJoinIgnoresLockedAndEndedSessions(t *testing.T) {
	c, _, _, clock := newTestCoordinator(t, 4)
	ctx := context.Background()

	running, err := c.JoinOrCreate(ctx, testApp, device(), geo.Point{Lat: 0, Lng: 0})
	require.NoError(t, err)
	_, err = c.Start(ctx, running.UUID)
	require.NoError(t, err)

	ended, err := c.JoinOrCreate(ctx, testApp, device(), geo.Point{Lat: 0, Lng: 0})
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = c.Start(ctx, ended.UUID)
	require.NoError(t, err)
	_, err = c.Stop(ctx, ended.UUID)
	require.NoError(t, err)

	joined, err := c.JoinOrCreate(ctx, testApp, device(), geo.Point{Lat: 0, Lng: 0})
	require.NoError(t, err)
	assert.NotEqual(t, running.UUID, joined.UUID)
	assert.NotEqual(t, ended.UUID, joined.UUID)
}

// --- Pair tests ---

func TestPairCreatesWaitingSession(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t, 2)

	d := device()
	session, err := c.Pair(context.Background(), testApp, d, geo.Point{Lat: 10, Lng: 10})
	require.NoError(t, err)

	assert.False(t, session.Locked)
	assert.Equal(t, []domain.Device{d}, session.Devices)
	// Pairing sessions take no room: only geo joins draw from the pool.
	assert.Empty(t, session.Room)
}

func TestPairLocksFirstAvailableSession(t *testing.T) {
	c, store, _, _ := newTestCoordinator(t, 2)
	ctx := context.Background()

	first, err := c.Pair(ctx, testApp, device(), geo.Point{Lat: 10, Lng: 10})
	require.NoError(t, err)

	// No distance check: the partner is on the other side of the world.
	second, err := c.Pair(ctx, testApp, device(), geo.Point{Lat: -10, Lng: -170})
	require.NoError(t, err)

	assert.Equal(t, first.UUID, second.UUID)
	assert.True(t, second.Locked)
	assert.Len(t, second.Devices, 2)

	// The locked pair is invisible to the next pairing attempt.
	third, err := c.Pair(ctx, testApp, device(), geo.Point{Lat: 0, Lng: 0})
	require.NoError(t, err)
	assert.NotEqual(t, first.UUID, third.UUID)
	assert.Equal(t, 2, store.count())
}

func TestPairConflictFallsThroughToNewSession(t *testing.T) {
	c, store, _, _ := newTestCoordinator(t, 2)
	ctx := context.Background()

	first, err := c.Pair(ctx, testApp, device(), geo.Point{})
	require.NoError(t, err)

	store.failNextUpdate = true
	second, err := c.Pair(ctx, testApp, device(), geo.Point{})
	require.NoError(t, err)
	assert.NotEqual(t, first.UUID, second.UUID)
}

// --- Lifecycle tests ---

func TestStartAndStopTransitions(t *testing.T) {
	c, _, _, clock := newTestCoordinator(t, 4)
	ctx := context.Background()

	session, err := c.JoinOrCreate(ctx, testApp, device(), geo.Point{})
	require.NoError(t, err)
	assert.Equal(t, domain.StateOpen, session.State())

	started, err := c.Start(ctx, session.UUID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateRunning, started.State())
	assert.Equal(t, clock.Now().UnixMilli(), started.SessionStarted)

	clock.Advance(time.Minute)

	stopped, err := c.Stop(ctx, session.UUID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateEnded, stopped.State())
	assert.Equal(t, clock.Now().UnixMilli(), stopped.SessionEnded)
}

func TestStartUnknownSessionIsNoOp(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t, 4)

	session, err := c.Start(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Nil(t, session)
}

// --- Removal tests ---

func TestRemoveDeviceNotifiesRemainingMembers(t *testing.T) {
	c, store, sink, _ := newTestCoordinator(t, 4)
	ctx := context.Background()

	d1 := device()
	d2 := device()
	session, err := c.JoinOrCreate(ctx, testApp, d1, geo.Point{})
	require.NoError(t, err)
	_, err = c.JoinOrCreate(ctx, testApp, d2, geo.Point{})
	require.NoError(t, err)

	require.NoError(t, c.RemoveDevice(ctx, d1.UUID))

	remaining := store.get(session.UUID)
	require.NotNil(t, remaining)
	assert.Equal(t, []domain.Device{d2}, remaining.Devices)

	published := sink.published()
	require.Len(t, published, 1)
	assert.Equal(t, session.UUID, published[0].SessionUUID)
	assert.Equal(t, []domain.Device{d2}, published[0].Remaining)
}

func TestRemoveLastDeviceDeletesSession(t *testing.T) {
	c, store, sink, _ := newTestCoordinator(t, 4)
	ctx := context.Background()

	d := device()
	session, err := c.JoinOrCreate(ctx, testApp, d, geo.Point{})
	require.NoError(t, err)

	require.NoError(t, c.RemoveDevice(ctx, d.UUID))
	assert.Nil(t, store.get(session.UUID))
	assert.Empty(t, sink.published())
}

func TestRemoveUnknownDeviceSucceeds(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t, 4)
	assert.NoError(t, c.RemoveDevice(context.Background(), uuid.New()))
}

func TestRemoveDeviceUpdateConflictSurfacesForRetry(t *testing.T) {
	c, store, sink, _ := newTestCoordinator(t, 4)
	ctx := context.Background()

	d1 := device()
	_, err := c.JoinOrCreate(ctx, testApp, d1, geo.Point{})
	require.NoError(t, err)
	_, err = c.JoinOrCreate(ctx, testApp, device(), geo.Point{})
	require.NoError(t, err)

	store.failNextUpdate = true
	err = c.RemoveDevice(ctx, d1.UUID)
	assert.ErrorIs(t, err, domain.ErrConflict)
	assert.Empty(t, sink.published())
}

func TestRemoveDeviceDeleteConflictIsSwallowed(t *testing.T) {
	c, store, _, _ := newTestCoordinator(t, 4)
	ctx := context.Background()

	d := device()
	_, err := c.JoinOrCreate(ctx, testApp, d, geo.Point{})
	require.NoError(t, err)

	store.failNextDelete = true
	assert.NoError(t, c.RemoveDevice(ctx, d.UUID))
}

// --- Reaping tests ---

func TestReapStaleThresholds(t *testing.T) {
	c, store, _, clock := newTestCoordinator(t, 4)
	ctx := context.Background()

	running, err := c.JoinOrCreate(ctx, testApp, device(), geo.Point{})
	require.NoError(t, err)
	_, err = c.Start(ctx, running.UUID)
	require.NoError(t, err)

	clock.Advance(4 * time.Minute)

	// This open session was updated 2 minutes before the reap runs.
	fresh, err := c.JoinOrCreate(ctx, testApp, device(), geo.Point{Lat: 50, Lng: 50})
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)

	// Running session is now 6 minutes stale against a 5 minute threshold.
	count, err := c.ReapStale(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	assert.True(t, store.get(running.UUID).Deleted)
	assert.False(t, store.get(fresh.UUID).Deleted)
}

func TestReapStaleEndedSession(t *testing.T) {
	c, store, _, clock := newTestCoordinator(t, 4)
	ctx := context.Background()

	session, err := c.JoinOrCreate(ctx, testApp, device(), geo.Point{})
	require.NoError(t, err)
	_, err = c.Stop(ctx, session.UUID)
	require.NoError(t, err)

	clock.Advance(6 * time.Minute)

	count, err := c.ReapStale(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.True(t, store.get(session.UUID).Deleted)
}

func TestReapNothingWhenAllFresh(t *testing.T) {
	c, _, _, clock := newTestCoordinator(t, 4)
	ctx := context.Background()

	_, err := c.JoinOrCreate(ctx, testApp, device(), geo.Point{})
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)

	count, err := c.ReapStale(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, count)
}

// --- End-to-end scenario ---

func TestCapacityScenario(t *testing.T) {
	c, store, _, _ := newTestCoordinator(t, 2)
	ctx := context.Background()

	d1 := device()
	s, err := c.JoinOrCreate(ctx, testApp, d1, geo.Point{Lat: 0, Lng: 0})
	require.NoError(t, err)
	assert.Len(t, s.Devices, 1)
	assert.Equal(t, geo.Point{Lat: 0, Lng: 0}, *s.GeoLocation)

	d2 := device()
	s2, err := c.JoinOrCreate(ctx, testApp, d2, geo.Point{Lat: 0, Lng: 0.0001})
	require.NoError(t, err)
	assert.Equal(t, s.UUID, s2.UUID)
	assert.Len(t, s2.Devices, 2)
	assert.Equal(t, geo.Point{Lat: 0, Lng: 0.0001}, *s2.GeoLocation)

	d3 := device()
	s3, err := c.JoinOrCreate(ctx, testApp, d3, geo.Point{Lat: 0, Lng: 0.0001})
	require.NoError(t, err)
	assert.NotEqual(t, s.UUID, s3.UUID)
	assert.Len(t, s3.Devices, 1)

	// The original session never exceeded its cap.
	assert.Len(t, store.get(s.UUID).Devices, 2)
}
