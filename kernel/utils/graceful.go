package utils

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrShutdownTimeout is returned when closers outlive the shutdown timeout
var ErrShutdownTimeout = errors.New("shutdown timeout")

type closer struct {
	name string
	fn   func() error
}

// GracefulShutdown runs the release functions of a stopped machine
type GracefulShutdown struct {
	mu      sync.Mutex
	closers []closer
	timeout time.Duration
	logger  *Logger
}

// NewGracefulShutdown creates a shutdown manager
func NewGracefulShutdown(timeout time.Duration, logger *Logger) *GracefulShutdown {
	if logger == nil {
		logger = DefaultLogger("shutdown")
	}
	return &GracefulShutdown{
		timeout: timeout,
		logger:  logger,
	}
}

// Register adds a named release function
func (g *GracefulShutdown) Register(name string, fn func() error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closers = append(g.closers, closer{name: name, fn: fn})
}

// Shutdown runs every registered function once, latest registration first,
// and joins their failures. Functions still running when the timeout or
// ctx expires are abandoned and ErrShutdownTimeout is returned.
func (g *GracefulShutdown) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	closers := g.closers
	g.closers = nil
	g.mu.Unlock()

	if len(closers) == 0 {
		return nil
	}
	g.logger.Debug("Starting graceful shutdown", Int("components", len(closers)))

	shutdownCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	errs := make(chan error, len(closers))
	var wg sync.WaitGroup
	for i := len(closers) - 1; i >= 0; i-- {
		wg.Add(1)
		go func(c closer) {
			defer wg.Done()
			if err := c.fn(); err != nil {
				g.logger.Warn("Shutdown function failed", String("component", c.name), Err(err))
				errs <- fmt.Errorf("%s: %w", c.name, err)
			}
		}(closers[i])
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		close(errs)
		var failed []error
		for err := range errs {
			failed = append(failed, err)
		}
		g.logger.Debug("Graceful shutdown complete")
		return errors.Join(failed...)
	case <-shutdownCtx.Done():
		g.logger.Warn("Graceful shutdown timed out")
		return ErrShutdownTimeout
	}
}
