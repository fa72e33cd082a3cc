package checkout

import (
	"context"
	"log/slog"
	"time"
)

// Timer periodically sweeps stale pending purchases to ABANDONED.
type Timer struct {
	service  *Service
	interval time.Duration
	maxAge   time.Duration
	logger   *slog.Logger
	stop     chan struct{}
}

// NewTimer creates a new abandoned-purchase sweeper. maxAge is how long an
// unpaid purchase may sit before being written off.
func NewTimer(service *Service, interval, maxAge time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	return &Timer{
		service:  service,
		interval: interval,
		maxAge:   maxAge,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.sweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) sweep(ctx context.Context) {
	count, err := t.service.SweepAbandoned(ctx, t.maxAge)
	if err != nil {
		t.logger.Warn("failed to sweep stale purchases", "error", err)
		return
	}
	if count > 0 {
		t.logger.Info("stale purchases abandoned", "count", count)
	}
}
