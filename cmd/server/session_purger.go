package main

import (
	"context"
	"log/slog"
	"time"
)

// sessionPurger is the slice of the session manager the purge loop needs.
type sessionPurger interface {
	PurgeExpired() error
}

// purgeTicker abstracts time.Ticker so tests can drive sweeps deterministically.
type purgeTicker interface {
	C() <-chan time.Time
	Stop()
}

type tickerFactory func(interval time.Duration) purgeTicker

type timeTicker struct {
	ticker *time.Ticker
}

func newTimeTicker(interval time.Duration) purgeTicker {
	return &timeTicker{ticker: time.NewTicker(interval)}
}

func (t *timeTicker) C() <-chan time.Time { return t.ticker.C }

func (t *timeTicker) Stop() { t.ticker.Stop() }

// runSessionPurger sweeps expired sessions until ctx is cancelled. Sweep
// failures are logged and retried on the next tick.
func runSessionPurger(ctx context.Context, logger *slog.Logger, purger sessionPurger, interval time.Duration, factory tickerFactory) error {
	if interval <= 0 {
		interval = defaultPurgeInterval
	}
	if factory == nil {
		factory = newTimeTicker
	}
	ticker := factory(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			if err := purger.PurgeExpired(); err != nil {
				logger.Warn("purge expired sessions", "error", err)
			}
		}
	}
}
