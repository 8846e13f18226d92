// Package app runs the background loops: the device liveness sweep and the
// stale-session reaper.
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/wieden-kennedy/composite-framework/internal/correlation"
	"github.com/wieden-kennedy/composite-framework/internal/metrics"
)

// deviceRemover takes a timed-out device out of its session.
type deviceRemover interface {
	RemoveDevice(ctx context.Context, deviceUUID uuid.UUID) error
}

// livenessRegistry is the two-generation registry surface the sweep consumes.
type livenessRegistry interface {
	DrainUnhealthy() []uuid.UUID
	RecordAlive(deviceUUID uuid.UUID)
}

// Sweeper periodically drains the liveness registry and removes devices that
// went one full generation without signalling.
type Sweeper struct {
	registry livenessRegistry
	remover  deviceRemover
	interval time.Duration
	clock    clockwork.Clock
}

func NewSweeper(registry livenessRegistry, remover deviceRemover, interval time.Duration, clock clockwork.Clock) *Sweeper {
	return &Sweeper{
		registry: registry,
		remover:  remover,
		interval: interval,
		clock:    clock,
	}
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	unhealthy := s.registry.DrainUnhealthy()
	if len(unhealthy) == 0 {
		return
	}

	sweepCtx := correlation.WithID(ctx, correlation.NewID())
	slog.InfoContext(sweepCtx, "Sweeping timed-out devices", "count", len(unhealthy))

	for _, deviceUUID := range unhealthy {
		if err := s.remover.RemoveDevice(sweepCtx, deviceUUID); err != nil {
			// Re-arm so the next cycle retries instead of losing the device.
			s.registry.RecordAlive(deviceUUID)
			slog.WarnContext(sweepCtx, "Failed to sweep device, re-armed",
				"device_uuid", deviceUUID, "error", err)
			continue
		}
		metrics.DevicesSweptTotal.Inc()
	}
}
