// Package pool bounds concurrent backend calls, queues excess demand in
// FIFO order, and adapts its bound from observed latency and backend
// health.
package pool

import (
	"context"
	"sync"
	"time"

	dgerrors "github.com/stationops/datagate/pkg/errors"
	"github.com/stationops/datagate/pkg/utils"
)

// Config represents connection pool configuration
type Config struct {
	InitialConnections int           `yaml:"initial_connections"`
	MinConnections     int           `yaml:"min_connections"`
	MaxConnections     int           `yaml:"max_connections"`
	ResizeInterval     time.Duration `yaml:"resize_interval"`
	HighLatencyMs      float64       `yaml:"high_latency_ms"`
	LowLatencyMs       float64       `yaml:"low_latency_ms"`
	HealthTimeout      time.Duration `yaml:"health_timeout"`
}

// State is a read-only snapshot of pool occupancy.
type State struct {
	Active int `json:"active"`
	Queued int `json:"queued"`
	Max    int `json:"max"`
}

// LatencyProvider supplies the rolling average response time the resize
// loop adapts to.
type LatencyProvider func() float64

// HealthCheck probes the backend; a non-nil error marks it unhealthy.
type HealthCheck func(ctx context.Context) error

// Manager admits up to max concurrent tasks and queues the rest in FIFO
// order. Queued demand is backpressure, never an error; only shutdown
// fails waiters.
type Manager struct {
	mu       sync.Mutex
	active   int
	max      int
	queue    []chan struct{}
	shutdown bool

	config  *Config
	logger  *utils.StructuredLogger
	latency LatencyProvider
	health  HealthCheck

	stopCh  chan struct{}
	stopped chan struct{}
	started bool
}

// NewManager creates a new pool manager. Call Start to run the adaptive
// resize loop.
func NewManager(config *Config, latency LatencyProvider, health HealthCheck, logger *utils.StructuredLogger) *Manager {
	if config == nil {
		config = &Config{
			InitialConnections: 5,
			MinConnections:     2,
			MaxConnections:     10,
			ResizeInterval:     30 * time.Second,
			HighLatencyMs:      2000,
			LowLatencyMs:       500,
			HealthTimeout:      5 * time.Second,
		}
	}
	if logger == nil {
		logger = utils.NewStructuredLogger(nil)
	}

	return &Manager{
		max:     config.InitialConnections,
		config:  config,
		logger:  logger.WithComponent("pool"),
		latency: latency,
		health:  health,
		stopCh:  make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// WithConnection runs task inside a pool slot. If all slots are busy the
// caller queues and runs later in submission order. Task failures
// propagate unchanged; the pool never retries.
func (m *Manager) WithConnection(ctx context.Context, task func(ctx context.Context) error) error {
	if err := m.acquire(ctx); err != nil {
		return err
	}
	defer m.release()

	return task(ctx)
}

// State returns the current pool occupancy.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State{Active: m.active, Queued: len(m.queue), Max: m.max}
}

// Start launches the adaptive resize loop.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	go m.resizeLoop()
}

// Shutdown stops the resize loop and fails all queued waiters. Running
// tasks are left to finish.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return
	}
	m.shutdown = true
	started := m.started
	m.mu.Unlock()

	close(m.stopCh)
	if started {
		<-m.stopped
	} else {
		close(m.stopped)
	}
}

// SetMax changes the admission bound, clamped to the configured
// [min, max] range. Running tasks are never evicted; a lower bound only
// affects future admissions.
func (m *Manager) SetMax(n int) {
	if n < m.config.MinConnections {
		n = m.config.MinConnections
	}
	if n > m.config.MaxConnections {
		n = m.config.MaxConnections
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if n == m.max {
		return
	}
	m.logger.Info("resizing pool", map[string]interface{}{
		"from": m.max,
		"to":   n,
	})
	m.max = n
	m.dispatchLocked()
}

// Resize performs one adaptive resize step from current latency and
// health. Exported so tests can drive it deterministically.
func (m *Manager) Resize(ctx context.Context) {
	healthy := true
	if m.health != nil {
		checkCtx, cancel := context.WithTimeout(ctx, m.config.HealthTimeout)
		err := m.health(checkCtx)
		cancel()
		if err != nil {
			healthy = false
			m.logger.Warn("backend health check failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}

	var avgMs float64
	if m.latency != nil {
		avgMs = m.latency()
	}

	m.mu.Lock()
	current := m.max
	m.mu.Unlock()

	switch {
	case !healthy || avgMs > m.config.HighLatencyMs:
		m.SetMax(current - 1)
	case healthy && avgMs > 0 && avgMs < m.config.LowLatencyMs:
		m.SetMax(current + 1)
	}
}

// Helper methods

func (m *Manager) acquire(ctx context.Context) error {
	m.mu.Lock()

	if m.shutdown {
		m.mu.Unlock()
		return dgerrors.New(dgerrors.ErrCodeShutdownInProgress,
			"pool is shutting down").WithComponent("pool")
	}

	if m.active < m.max {
		m.active++
		m.mu.Unlock()
		return nil
	}

	ready := make(chan struct{})
	m.queue = append(m.queue, ready)
	m.mu.Unlock()

	select {
	case <-ready:
		// Slot was transferred by a releaser; already counted in active.
		return nil
	case <-ctx.Done():
		return m.abandon(ready, ctx.Err())
	case <-m.stopCh:
		return m.abandon(ready, dgerrors.New(dgerrors.ErrCodeShutdownInProgress,
			"pool is shutting down").WithComponent("pool"))
	}
}

// abandon removes a waiter from the queue, handling the race where a slot
// was granted concurrently with cancellation.
func (m *Manager) abandon(ready chan struct{}, cause error) error {
	m.mu.Lock()

	select {
	case <-ready:
		// A slot was already granted; give it back.
		m.mu.Unlock()
		m.release()
		return cause
	default:
	}

	for i, waiter := range m.queue {
		if waiter == ready {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			break
		}
	}
	m.mu.Unlock()
	return cause
}

func (m *Manager) release() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.active--
	m.dispatchLocked()
}

// dispatchLocked grants slots to queued waiters in FIFO order while
// capacity allows.
func (m *Manager) dispatchLocked() {
	for !m.shutdown && m.active < m.max && len(m.queue) > 0 {
		ready := m.queue[0]
		m.queue = m.queue[1:]
		m.active++
		close(ready)
	}
}

func (m *Manager) resizeLoop() {
	defer close(m.stopped)

	interval := m.config.ResizeInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Resize(context.Background())
		}
	}
}
