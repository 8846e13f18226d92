package server

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wieden-kennedy/composite-framework/internal/websocket"
)

func newHealthTestServer(t *testing.T, db fakePostgres, redis fakeRedis) *httptest.Server {
	t.Helper()

	hub := websocket.NewHub()
	t.Cleanup(hub.Stop)

	srv := NewServer(testConfig(), &mockCoordinator{}, hub, &mockPublisher{}, &mockRegistry{},
		db, redis, clockwork.NewFakeClockAt(time.UnixMilli(1_700_000_000_000)))

	httpServer := httptest.NewServer(srv.echo)
	t.Cleanup(httpServer.Close)
	return httpServer
}

func TestLivenessAlwaysOK(t *testing.T) {
	server := newHealthTestServer(t, fakePostgres{err: errors.New("down")}, fakeRedis{err: errors.New("down")})

	resp, err := http.Get(server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestReadinessOKWhenDependenciesUp(t *testing.T) {
	server := newHealthTestServer(t, fakePostgres{}, fakeRedis{})

	resp, err := http.Get(server.URL + "/readyz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestReadinessFailsWhenPostgresDown(t *testing.T) {
	server := newHealthTestServer(t, fakePostgres{err: errors.New("connection refused")}, fakeRedis{})

	resp, err := http.Get(server.URL + "/readyz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestReadinessFailsWhenRedisDown(t *testing.T) {
	server := newHealthTestServer(t, fakePostgres{}, fakeRedis{err: errors.New("connection refused")})

	resp, err := http.Get(server.URL + "/readyz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
