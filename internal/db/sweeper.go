package db

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Sweeper ends sessions that have been idle for longer than IdleTimeout.
type Sweeper struct {
	Store       Store
	IdleTimeout time.Duration
	Interval    time.Duration
	Log         zerolog.Logger

	now func() time.Time
}

// NewSweeper constructs a Sweeper for store.
func NewSweeper(store Store, idleTimeout, interval time.Duration, log zerolog.Logger) *Sweeper {
	return &Sweeper{Store: store, IdleTimeout: idleTimeout, Interval: interval, Log: log, now: time.Now}
}

// Sweep removes idle sessions once and returns how many were removed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	n, err := s.Store.DeleteIdle(ctx, s.now().Add(-s.IdleTimeout))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.Log.Info().Int("sessions", n).Dur("idle_timeout", s.IdleTimeout).Msg("ended idle sessions")
	}
	return n, nil
}

// Run sweeps every Interval until ctx is done.  A zero IdleTimeout disables
// sweeping.
func (s *Sweeper) Run(ctx context.Context) {
	if s.IdleTimeout <= 0 || s.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.Log.Error().Err(err).Msg("idle sweep failed")
			}
		}
	}
}
