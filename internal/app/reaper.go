package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/wieden-kennedy/composite-framework/internal/correlation"
)

// staleReaper bulk-reclaims sessions that stopped receiving updates.
type staleReaper interface {
	ReapStale(ctx context.Context, threshold time.Duration) (int, error)
}

// leaderElector gates the reap so only one instance runs it.
type leaderElector interface {
	TryAcquire(ctx context.Context) (bool, error)
	Renew(ctx context.Context) error
	Release(ctx context.Context) error
}

// Reaper periodically soft-deletes stale sessions. Every instance runs one,
// but only the current leader actually reaps.
type Reaper struct {
	coordinator staleReaper
	elector     leaderElector
	interval    time.Duration
	threshold   time.Duration
	clock       clockwork.Clock
}

func NewReaper(coordinator staleReaper, elector leaderElector, interval, threshold time.Duration, clock clockwork.Clock) *Reaper {
	return &Reaper{
		coordinator: coordinator,
		elector:     elector,
		interval:    interval,
		threshold:   threshold,
		clock:       clock,
	}
}

// Run reaps until ctx is cancelled, releasing leadership on the way out.
func (r *Reaper) Run(ctx context.Context) {
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	leader := false
	for {
		select {
		case <-ctx.Done():
			if leader {
				releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := r.elector.Release(releaseCtx); err != nil {
					slog.Warn("Failed to release reaper leadership", "error", err)
				}
				cancel()
			}
			return
		case <-ticker.Chan():
			leader = r.tick(ctx, leader)
		}
	}
}

// tick maintains the lease and reaps when leading. Returns the new leadership
// state.
func (r *Reaper) tick(ctx context.Context, leader bool) bool {
	if leader {
		if err := r.elector.Renew(ctx); err != nil {
			slog.Info("Lost reaper leadership", "error", err)
			leader = false
		}
	}
	if !leader {
		acquired, err := r.elector.TryAcquire(ctx)
		if err != nil {
			slog.Warn("Failed to contend for reaper leadership", "error", err)
			return false
		}
		if !acquired {
			return false
		}
		slog.Info("Acquired reaper leadership")
		leader = true
	}

	reapCtx := correlation.WithID(ctx, correlation.NewID())
	if _, err := r.coordinator.ReapStale(reapCtx, r.threshold); err != nil {
		slog.WarnContext(reapCtx, "Reap cycle failed", "error", err)
	}
	return leader
}
