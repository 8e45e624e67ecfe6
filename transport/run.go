package transport

import (
	"context"
	"log/slog"
	"time"
)

// Run starts t and keeps it up until ctx is done, then stops it. A failed
// Start is stopped and retried after delay. Run returns ctx.Err().
func Run(ctx context.Context, t Transport, delay time.Duration, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	for attempt := 1; ; attempt++ {
		err := t.Start(ctx)
		if err == nil {
			break
		}
		// release whatever the failed attempt left running
		_ = t.Stop()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Warn("link start failed, retrying", "attempt", attempt, "delay", delay, "error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	<-ctx.Done()
	if err := t.Stop(); err != nil {
		logger.Warn("link stop failed", "error", err)
	}
	return ctx.Err()
}
