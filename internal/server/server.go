// Package server exposes the websocket endpoint devices connect to, plus the
// observability surface (health probes and Prometheus metrics).
package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	goredis "github.com/redis/go-redis/v9"

	"github.com/wieden-kennedy/composite-framework/internal/config"
	"github.com/wieden-kennedy/composite-framework/internal/domain"
	"github.com/wieden-kennedy/composite-framework/internal/geo"
	"github.com/wieden-kennedy/composite-framework/internal/websocket"
)

// sessionCoordinator is the slice of the coordinator the transport needs.
type sessionCoordinator interface {
	Get(ctx context.Context, sessionUUID uuid.UUID) (*domain.Session, error)
	JoinOrCreate(ctx context.Context, applicationID string, device domain.Device, location geo.Point) (*domain.Session, error)
	Pair(ctx context.Context, applicationID string, device domain.Device, location geo.Point) (*domain.Session, error)
	Start(ctx context.Context, sessionUUID uuid.UUID) (*domain.Session, error)
	Stop(ctx context.Context, sessionUUID uuid.UUID) (*domain.Session, error)
	RemoveDevice(ctx context.Context, deviceUUID uuid.UUID) error
}

// framePublisher fans a frame out to every instance's local hub.
type framePublisher interface {
	Publish(ctx context.Context, sessionUUID uuid.UUID, frame []byte) error
}

// livenessRecorder receives device aliveness signals.
type livenessRecorder interface {
	RecordAlive(deviceUUID uuid.UUID)
}

// postgresPinger is the minimal interface for database readiness checks.
type postgresPinger interface {
	Ping(ctx context.Context) error
}

// redisPinger is the minimal interface for Redis readiness checks.
type redisPinger interface {
	Ping(ctx context.Context) *goredis.StatusCmd
}

type Server struct {
	echo        *echo.Echo
	config      *config.Config
	coordinator sessionCoordinator
	hub         *websocket.Hub
	publisher   framePublisher
	registry    livenessRecorder
	limits      *ConnectionLimits
	db          postgresPinger
	redis       redisPinger
	clock       clockwork.Clock
	startTime   time.Time
}

func NewServer(
	cfg *config.Config,
	coordinator sessionCoordinator,
	hub *websocket.Hub,
	publisher framePublisher,
	registry livenessRecorder,
	db postgresPinger,
	redis redisPinger,
	clock clockwork.Clock,
) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())

	srv := &Server{
		echo:        e,
		config:      cfg,
		coordinator: coordinator,
		hub:         hub,
		publisher:   publisher,
		registry:    registry,
		limits: NewConnectionLimits(
			cfg.MaxWebSocketConnections,
			cfg.MaxConnectionsPerIP,
			cfg.ConnectionRatePerIP,
			cfg.ConnectionBurstPerIP,
		),
		db:        db,
		redis:     redis,
		clock:     clock,
		startTime: clock.Now(),
	}

	srv.registerRoutes()
	return srv
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	return s.echo.Start(fmt.Sprintf(":%s", s.config.Port))
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
