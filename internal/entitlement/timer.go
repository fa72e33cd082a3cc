package entitlement

import (
	"context"
	"log/slog"
	"time"
)

// Timer periodically releases seasonal booklets past their end date.
type Timer struct {
	enforcer *Enforcer
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
}

// NewTimer creates a new seasonal-expiry timer.
func NewTimer(enforcer *Enforcer, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Timer{
		enforcer: enforcer,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Start begins the seasonal-expiry loop. Call in a goroutine.
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
			t.expire(ctx)
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

func (t *Timer) expire(ctx context.Context) {
	count, err := t.enforcer.ExpireSeasonal(ctx)
	if err != nil {
		t.logger.Warn("failed to expire seasonal booklets", "error", err)
		return
	}
	if count > 0 {
		t.logger.Info("seasonal booklets expired", "count", count)
	}
}
