package lifecycle

import (
	"context"
	"time"
)

// Start runs a background goroutine that processes up to batch due events
// every interval until ctx is cancelled. The returned channel is closed once
// the goroutine has returned.
func (s *Scheduler) Start(ctx context.Context, interval time.Duration, batch int) <-chan struct{} {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer ticker.Stop()
		s.logger.Info("Lifecycle worker started", "interval", interval, "batch", batch)

		for {
			select {
			case <-ticker.C:
				s.sweep(ctx, batch)
			case <-ctx.Done():
				s.logger.Info("Lifecycle worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
	return done
}

func (s *Scheduler) sweep(ctx context.Context, batch int) {
	n, err := s.ProcessDueEvents(ctx, batch)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Error("Lifecycle worker failed to process events", "error", err, "processed", n)
		return
	}
	if n > 0 {
		s.logger.Info("Lifecycle worker processed events", "count", n)
	}
}
