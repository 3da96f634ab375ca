package workflow

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Sweeper periodically fails toolpath requests that never resolved.
type Sweeper struct {
	service  *Service
	interval time.Duration
	maxAge   time.Duration
	logger   *slog.Logger
	lastRun  atomic.Int64 // unix seconds; 0 until the first sweep
}

// NewSweeper creates a sweeper. interval defaults to 30s, maxAge to the
// service's generation timeout doubled.
func NewSweeper(service *Service, interval, maxAge time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if maxAge <= 0 {
		maxAge = 2 * service.generateTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{service: service, interval: interval, maxAge: maxAge, logger: logger}
}

// Run sweeps until the context is cancelled. Intended as a goroutine
// owned by the root app.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	failed, err := s.service.FailStaleToolpaths(ctx, s.maxAge)
	s.lastRun.Store(time.Now().Unix())
	if err != nil {
		s.logger.Error("toolpath sweep failed", "error", err)
		return
	}
	if failed > 0 {
		s.logger.Info("toolpath sweep", "failed_sessions", failed)
	}
}

// LastRun returns the time of the most recent sweep, zero before any.
func (s *Sweeper) LastRun() time.Time {
	sec := s.lastRun.Load()
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
