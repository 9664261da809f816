package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type stubTicker struct {
	ch      chan time.Time
	stopped bool
}

func newStubTicker() *stubTicker {
	return &stubTicker{ch: make(chan time.Time)}
}

func (t *stubTicker) C() <-chan time.Time { return t.ch }

func (t *stubTicker) Stop() { t.stopped = true }

type countingPurger struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (p *countingPurger) PurgeExpired() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.err
}

func (p *countingPurger) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunSessionPurgerSweepsOnTick(t *testing.T) {
	ticker := newStubTicker()
	purger := &countingPurger{}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- runSessionPurger(ctx, testLogger(), purger, time.Minute, func(time.Duration) purgeTicker {
			return ticker
		})
	}()

	ticker.ch <- time.Now()
	ticker.ch <- time.Now()
	cancel()

	if err := <-done; err != nil {
		t.Fatalf("expected nil on cancellation, got %v", err)
	}
	if got := purger.count(); got != 2 {
		t.Fatalf("expected 2 sweeps, got %d", got)
	}
	if !ticker.stopped {
		t.Fatal("expected ticker to be stopped")
	}
}

func TestRunSessionPurgerKeepsRunningAfterSweepError(t *testing.T) {
	ticker := newStubTicker()
	purger := &countingPurger{err: errors.New("store offline")}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- runSessionPurger(ctx, testLogger(), purger, time.Minute, func(time.Duration) purgeTicker {
			return ticker
		})
	}()

	ticker.ch <- time.Now()
	ticker.ch <- time.Now()
	cancel()

	if err := <-done; err != nil {
		t.Fatalf("expected sweep errors to be swallowed, got %v", err)
	}
	if got := purger.count(); got != 2 {
		t.Fatalf("expected sweeps to continue after error, got %d", got)
	}
}

func TestRunSessionPurgerStopsImmediatelyOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	purger := &countingPurger{}
	if err := runSessionPurger(ctx, testLogger(), purger, time.Minute, func(time.Duration) purgeTicker {
		return newStubTicker()
	}); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if purger.count() != 0 {
		t.Fatalf("expected no sweeps, got %d", purger.count())
	}
}
