// Package serverutil runs a server until its context is cancelled and then
// drains it within a bounded shutdown window.
package serverutil

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// DefaultShutdownTimeout bounds graceful shutdown when the config does not
// supply its own timeout.
const DefaultShutdownTimeout = 10 * time.Second

// Runner is the minimal surface Run needs: a blocking Start and a
// context-bounded Shutdown.
type Runner interface {
	Start() error
	Shutdown(ctx context.Context) error
}

// Config describes a managed server run.
type Config struct {
	// Server is the runner to manage. Required.
	Server Runner
	// ShutdownTimeout bounds graceful shutdown. Zero means
	// DefaultShutdownTimeout.
	ShutdownTimeout time.Duration
	// Ready, when non-nil, is closed once the serve loop has been started.
	Ready chan<- struct{}
}

// Run starts cfg.Server and blocks until the server stops on its own or ctx
// is cancelled. On cancellation it shuts the server down gracefully, waiting
// at most cfg.ShutdownTimeout.
func Run(ctx context.Context, cfg Config) error {
	if cfg.Server == nil {
		return errors.New("serverutil: config requires a server")
	}
	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- cfg.Server.Start()
	}()
	if cfg.Ready != nil {
		close(cfg.Ready)
	}

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := cfg.Server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
