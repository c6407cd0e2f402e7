// Package server provides graceful shutdown coordination for the HTTP
// servers and the pipeline.
package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// ShutdownManager coordinates signal handling and ordered resource
// teardown. Closers run in reverse registration order so the ingestion
// boundary stops before the pipeline and the pipeline before the store.
type ShutdownManager struct {
	timeout time.Duration
	logger  *slog.Logger

	shutdownCh   chan struct{}
	shutdownOnce sync.Once

	mu      sync.Mutex
	closers []namedCloser
}

type namedCloser struct {
	name   string
	closer io.Closer
}

// NewShutdownManager creates a shutdown manager.
func NewShutdownManager(timeout time.Duration, logger *slog.Logger) *ShutdownManager {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ShutdownManager{
		timeout:    timeout,
		logger:     logger,
		shutdownCh: make(chan struct{}),
	}
}

// Register adds a named closer. Closers run LIFO during shutdown.
func (sm *ShutdownManager) Register(name string, closer io.Closer) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.closers = append(sm.closers, namedCloser{name: name, closer: closer})
}

// RegisterFunc adds a named close function.
func (sm *ShutdownManager) RegisterFunc(name string, fn func() error) {
	sm.Register(name, CloserFunc(fn))
}

// ListenForSignals blocks until SIGTERM, SIGINT or context cancellation,
// then runs the shutdown sequence.
func (sm *ShutdownManager) ListenForSignals(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		return sm.Shutdown(fmt.Sprintf("received signal %v", sig))
	case <-ctx.Done():
		return sm.Shutdown("context cancelled")
	case <-sm.shutdownCh:
		return nil
	}
}

// Shutdown runs every registered closer in reverse order, once.
func (sm *ShutdownManager) Shutdown(reason string) error {
	var firstErr error

	sm.shutdownOnce.Do(func() {
		close(sm.shutdownCh)
		sm.logger.Info("shutting down", slog.String("reason", reason))

		done := make(chan error, 1)
		go func() {
			sm.mu.Lock()
			closers := sm.closers
			sm.mu.Unlock()

			var closeErr error
			for i := len(closers) - 1; i >= 0; i-- {
				sm.logger.Debug("closing", slog.String("component", closers[i].name))
				if err := closers[i].closer.Close(); err != nil {
					sm.logger.Error("close failed",
						slog.String("component", closers[i].name),
						slog.Any("error", err))
					if closeErr == nil {
						closeErr = fmt.Errorf("%s: %w", closers[i].name, err)
					}
				}
			}
			done <- closeErr
		}()

		select {
		case firstErr = <-done:
		case <-time.After(sm.timeout):
			firstErr = fmt.Errorf("shutdown timed out after %s", sm.timeout)
		}
	})

	return firstErr
}

// ShutdownCh is closed when shutdown begins.
func (sm *ShutdownManager) ShutdownCh() <-chan struct{} {
	return sm.shutdownCh
}

// HTTPServerCloser wraps http.Server.Shutdown as an io.Closer.
type HTTPServerCloser struct {
	Server *http.Server
}

func (c *HTTPServerCloser) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return c.Server.Shutdown(ctx)
}

// CloserFunc adapts a function to io.Closer.
type CloserFunc func() error

func (f CloserFunc) Close() error { return f() }
