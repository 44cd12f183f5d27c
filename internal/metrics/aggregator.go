// Package metrics aggregates rolling request statistics consumed by the
// adaptive connection pool and by operators, and exports them through a
// Prometheus registry.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stationops/datagate/pkg/utils"
)

// Config represents metrics configuration
type Config struct {
	Enabled    bool   `yaml:"enabled"`
	Port       int    `yaml:"port"`
	Path       string `yaml:"path"`
	Namespace  string `yaml:"namespace"`
	WindowSize int    `yaml:"window_size"`
}

// Snapshot is a read-only view of aggregated request statistics.
type Snapshot struct {
	AvgResponseTimeMs float64   `json:"avg_response_time_ms"`
	TotalRequests     uint64    `json:"total_requests"`
	CacheHitRate      float64   `json:"cache_hit_rate"`
	BackendErrorCount uint64    `json:"backend_error_count"`
	LastQueryAt       time.Time `json:"last_query_at"`
}

// Aggregator maintains a bounded sliding window of recent backend call
// durations plus all-time counters. It owns all mutation; other
// components read snapshots only.
type Aggregator struct {
	mu            sync.RWMutex
	window        []float64 // backend durations in ms, ring-buffered
	windowPos     int
	totalRequests uint64
	cacheHits     uint64
	backendErrors uint64
	lastQueryAt   time.Time

	config *Config
	logger *utils.StructuredLogger

	registry        *prometheus.Registry
	requestCounter  *prometheus.CounterVec
	durationHist    prometheus.Histogram
	cacheCounter    *prometheus.CounterVec
	cacheSizeGauge  prometheus.Gauge
	poolActiveGauge prometheus.Gauge
	poolQueuedGauge prometheus.Gauge
	poolMaxGauge    prometheus.Gauge

	server *http.Server
}

// NewAggregator creates a new metrics aggregator.
func NewAggregator(config *Config, logger *utils.StructuredLogger) *Aggregator {
	if config == nil {
		config = &Config{
			Namespace:  "datagate",
			Path:       "/metrics",
			Port:       9090,
			WindowSize: 100,
		}
	}
	if config.WindowSize <= 0 {
		config.WindowSize = 100
	}
	if logger == nil {
		logger = utils.NewStructuredLogger(nil)
	}

	a := &Aggregator{
		window:   make([]float64, 0, config.WindowSize),
		config:   config,
		logger:   logger.WithComponent("metrics"),
		registry: prometheus.NewRegistry(),
	}
	a.initMetrics()

	return a
}

// RecordRequest records one caller-level request. Only non-cache
// durations enter the latency window: cache hits would drag the average
// toward zero and mislead the pool's resize decisions.
func (a *Aggregator) RecordRequest(duration time.Duration, success, fromCache bool) {
	ms := float64(duration.Milliseconds())

	a.mu.Lock()
	a.totalRequests++
	a.lastQueryAt = time.Now()

	if fromCache {
		a.cacheHits++
	} else {
		if len(a.window) < cap(a.window) {
			a.window = append(a.window, ms)
		} else {
			a.window[a.windowPos] = ms
		}
		a.windowPos = (a.windowPos + 1) % cap(a.window)

		if !success {
			a.backendErrors++
		}
	}
	a.mu.Unlock()

	status := "success"
	if !success {
		status = "error"
	}
	source := "backend"
	if fromCache {
		source = "cache"
	}
	a.requestCounter.With(prometheus.Labels{"status": status, "source": source}).Inc()
	if !fromCache {
		a.durationHist.Observe(duration.Seconds())
	}
	cacheResult := "miss"
	if fromCache {
		cacheResult = "hit"
	}
	a.cacheCounter.With(prometheus.Labels{"result": cacheResult}).Inc()
}

// GetSnapshot returns the current aggregated statistics.
func (a *Aggregator) GetSnapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()

	snap := Snapshot{
		TotalRequests:     a.totalRequests,
		BackendErrorCount: a.backendErrors,
		LastQueryAt:       a.lastQueryAt,
	}

	if len(a.window) > 0 {
		var sum float64
		for _, ms := range a.window {
			sum += ms
		}
		snap.AvgResponseTimeMs = sum / float64(len(a.window))
	}

	if a.totalRequests > 0 {
		snap.CacheHitRate = float64(a.cacheHits) / float64(a.totalRequests)
	}

	return snap
}

// AvgResponseTimeMs returns just the rolling latency average, for the
// pool's LatencyProvider hook.
func (a *Aggregator) AvgResponseTimeMs() float64 {
	return a.GetSnapshot().AvgResponseTimeMs
}

// SetPoolState mirrors pool occupancy into the exported gauges.
func (a *Aggregator) SetPoolState(active, queued, max int) {
	a.poolActiveGauge.Set(float64(active))
	a.poolQueuedGauge.Set(float64(queued))
	a.poolMaxGauge.Set(float64(max))
}

// SetCacheSize mirrors the cache's approximate size into a gauge.
func (a *Aggregator) SetCacheSize(bytes int64) {
	a.cacheSizeGauge.Set(float64(bytes))
}

// Shrink clears the latency window as a best-effort working-set reduction
// under memory pressure. Counters are preserved.
func (a *Aggregator) Shrink() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.window = a.window[:0]
	a.windowPos = 0
}

// Serve starts the metrics HTTP endpoint when enabled.
func (a *Aggregator) Serve() error {
	if !a.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(a.config.Path, promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	a.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", a.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
	}

	go func() {
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("metrics server error", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	return nil
}

// Stop shuts the metrics endpoint down.
func (a *Aggregator) Stop(ctx context.Context) error {
	if a.server != nil {
		return a.server.Shutdown(ctx)
	}
	return nil
}

func (a *Aggregator) initMetrics() {
	ns := a.config.Namespace

	a.requestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "requests_total",
			Help:      "Total number of data requests",
		},
		[]string{"status", "source"},
	)

	a.durationHist = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "backend_duration_seconds",
			Help:      "Duration of backend calls in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
		},
	)

	a.cacheCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "cache_requests_total",
			Help:      "Total number of cache lookups",
		},
		[]string{"result"},
	)

	a.cacheSizeGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "cache_size_bytes",
			Help:      "Approximate cache size in bytes",
		},
	)

	a.poolActiveGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "pool_active_connections",
			Help:      "Backend calls currently running",
		},
	)

	a.poolQueuedGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "pool_queued_requests",
			Help:      "Requests waiting for a pool slot",
		},
	)

	a.poolMaxGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "pool_max_connections",
			Help:      "Current adaptive connection bound",
		},
	)

	a.registry.MustRegister(
		a.requestCounter,
		a.durationHist,
		a.cacheCounter,
		a.cacheSizeGauge,
		a.poolActiveGauge,
		a.poolQueuedGauge,
		a.poolMaxGauge,
	)
}
