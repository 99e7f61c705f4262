package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	defaultPingAttempts = 10
	defaultPingInterval = 100 * time.Millisecond
)

// Manager lazily provisions the parsing worker exactly once. Concurrent
// callers share a single in-flight provisioning attempt; a failed
// attempt is forgotten so the next caller retries fresh. Callers must
// not send real work to the worker before EnsureReady returns nil.
type Manager struct {
	start func(ctx context.Context) (io.Closer, error)
	ping  func(ctx context.Context) error

	pingAttempts int
	pingInterval time.Duration
	logger       *slog.Logger

	group singleflight.Group

	mu     sync.Mutex
	handle io.Closer
}

// NewManager wires a provisioning function (which must leave the worker
// listening on the bus) and a readiness probe.
func NewManager(start func(ctx context.Context) (io.Closer, error), ping func(ctx context.Context) error, logger *slog.Logger) *Manager {
	return &Manager{
		start:        start,
		ping:         ping,
		pingAttempts: defaultPingAttempts,
		pingInterval: defaultPingInterval,
		logger:       logger,
	}
}

// EnsureReady guarantees a live, listening worker. If one already
// exists it is probed cheaply; if provisioning is underway the caller
// joins that attempt instead of starting a second worker.
func (m *Manager) EnsureReady(ctx context.Context) error {
	_, err, _ := m.group.Do("provision", func() (any, error) {
		m.mu.Lock()
		existing := m.handle
		m.mu.Unlock()

		if existing != nil {
			if err := m.ping(ctx); err == nil {
				return nil, nil
			}
			// The worker stopped answering; replace it.
			m.logger.Warn("existing worker unresponsive, reprovisioning")
			_ = existing.Close()
			m.mu.Lock()
			m.handle = nil
			m.mu.Unlock()
		}

		handle, err := m.start(ctx)
		if err != nil {
			return nil, fmt.Errorf("provision worker: %w", err)
		}

		if err := m.awaitReady(ctx); err != nil {
			_ = handle.Close()
			return nil, fmt.Errorf("worker readiness: %w", err)
		}

		m.mu.Lock()
		m.handle = handle
		m.mu.Unlock()
		m.logger.Info("parsing worker ready")
		return nil, nil
	})
	return err
}

// awaitReady performs the bounded readiness handshake: repeated cheap
// pings with a short delay, giving up after the attempt budget.
func (m *Manager) awaitReady(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= m.pingAttempts; attempt++ {
		err := m.ping(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.pingInterval):
		}
	}
	return fmt.Errorf("no ready signal after %d attempts: %w", m.pingAttempts, lastErr)
}

// Close shuts down the worker if one was provisioned.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handle == nil {
		return nil
	}
	err := m.handle.Close()
	m.handle = nil
	return err
}
