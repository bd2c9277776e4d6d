package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
)

// Sweeper periodically deletes sessions idle longer than the TTL.
type Sweeper struct {
	store    SessionStore
	ttl      time.Duration
	schedule string
}

// NewSweeper creates a Sweeper driven by a cron expression.
// An invalid expression falls back to every 10 minutes.
func NewSweeper(st SessionStore, ttl time.Duration, schedule string) *Sweeper {
	if !gronx.New().IsValid(schedule) {
		slog.Warn("invalid sweep schedule, using */10 * * * *", "schedule", schedule)
		schedule = "*/10 * * * *"
	}
	return &Sweeper{store: st, ttl: ttl, schedule: schedule}
}

// Run blocks until ctx is cancelled, sweeping at each cron tick.
func (s *Sweeper) Run(ctx context.Context) {
	for {
		next, err := gronx.NextTick(s.schedule, false)
		if err != nil {
			slog.Error("sweep schedule stopped", "error", err)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
		}

		n, err := s.store.Sweep(ctx, s.ttl)
		if err != nil {
			slog.Warn("session sweep failed", "error", err)
			continue
		}
		if n > 0 {
			slog.Info("swept expired sessions", "count", n, "ttl", s.ttl)
		}
	}
}
