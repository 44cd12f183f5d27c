// Package accessor is the data-access facade: it wires the cache store,
// request coalescer, query optimizer, connection pool, metrics
// aggregator, and resource monitor into one read/write surface.
package accessor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/stationops/datagate/internal/backend"
	"github.com/stationops/datagate/internal/cache"
	"github.com/stationops/datagate/internal/coalesce"
	"github.com/stationops/datagate/internal/config"
	"github.com/stationops/datagate/internal/metrics"
	"github.com/stationops/datagate/internal/monitor"
	"github.com/stationops/datagate/internal/pool"
	"github.com/stationops/datagate/internal/query"
	dgerrors "github.com/stationops/datagate/pkg/errors"
	"github.com/stationops/datagate/pkg/utils"
)

// statsPushInterval is how often pool and cache gauges are pushed to the
// aggregator.
const statsPushInterval = 10 * time.Second

// FetchResult is the outcome of a read.
type FetchResult struct {
	Data      []backend.Record `json:"data"`
	FromCache bool             `json:"from_cache"`
}

// Report is a point-in-time view of accessor performance.
type Report struct {
	AvgResponseTimeMs float64    `json:"avg_response_time_ms"`
	TotalRequests     uint64     `json:"total_requests"`
	CacheHitRate      float64    `json:"cache_hit_rate"`
	BackendErrorCount uint64     `json:"backend_error_count"`
	LastQueryAt       time.Time  `json:"last_query_at"`
	MemoryUsageBytes  uint64     `json:"memory_usage_bytes"`
	CacheSizeBytes    int64      `json:"cache_size_bytes"`
	Pool              pool.State `json:"pool"`
}

// Accessor coordinates all data access for the service.
type Accessor struct {
	config    *config.Configuration
	logger    *utils.StructuredLogger
	registry  *backend.Registry
	client    backend.Client
	store     *cache.Store
	coalescer *coalesce.Coalescer
	pool      *pool.Manager
	metrics   *metrics.Aggregator
	monitor   *monitor.ResourceMonitor
	sampler   monitor.Sampler

	// runCtx outlives individual callers so an abandoned coalesced call
	// still completes and populates the cache.
	runCtx    context.Context
	runCancel context.CancelFunc

	mu        sync.Mutex
	started   bool
	statsStop chan struct{}
	statsDone chan struct{}
}

// New creates an accessor over the given backend client.
func New(cfg *config.Configuration, client backend.Client, logger *utils.StructuredLogger) (*Accessor, error) {
	if cfg == nil {
		cfg = config.NewDefault()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if client == nil {
		return nil, dgerrors.New(dgerrors.ErrCodeInvalidConfig, "backend client is required")
	}
	if logger == nil {
		logger = newLoggerFromConfig(&cfg.Global)
	}

	agg := metrics.NewAggregator(&metrics.Config{
		Enabled:    cfg.Metrics.Enabled,
		Port:       cfg.Metrics.Port,
		Path:       cfg.Metrics.Path,
		Namespace:  cfg.Metrics.Namespace,
		WindowSize: cfg.Metrics.WindowSize,
	}, logger)

	store := cache.NewStore(&cache.Config{
		DefaultTTL:    cfg.Cache.DefaultTTL,
		SweepInterval: cfg.Cache.SweepInterval,
		ColdThreshold: cfg.Cache.ColdThreshold,
		MaxSizeBytes:  cfg.Cache.MaxSizeBytes,
	}, logger)

	poolMgr := pool.NewManager(&pool.Config{
		InitialConnections: cfg.Pool.InitialConnections,
		MinConnections:     cfg.Pool.MinConnections,
		MaxConnections:     cfg.Pool.MaxConnections,
		ResizeInterval:     cfg.Pool.ResizeInterval,
		HighLatencyMs:      cfg.Pool.HighLatencyMs,
		LowLatencyMs:       cfg.Pool.LowLatencyMs,
		HealthTimeout:      cfg.Pool.HealthTimeout,
	}, agg.AvgResponseTimeMs, client.HealthCheck, logger)

	sampler := monitor.RuntimeSampler{}
	mon := monitor.NewResourceMonitor(&monitor.Config{
		SampleInterval:            cfg.Monitor.SampleInterval,
		MaxSamples:                cfg.Monitor.MaxSamples,
		GrowthCeilingBytes:        cfg.Monitor.GrowthCeilingBytes,
		SignificantGrowthFraction: cfg.Monitor.SignificantGrowthFraction,
		StreakThreshold:           cfg.Monitor.StreakThreshold,
		MinOccurrencesForAlert:    cfg.Monitor.MinOccurrencesForAlert,
		AlertCooldown:             cfg.Monitor.AlertCooldown,
		RecoveryDropBytes:         cfg.Monitor.RecoveryDropBytes,
		HighWaterFraction:         cfg.Monitor.HighWaterFraction,
	}, sampler, logger)

	a := &Accessor{
		config:    cfg,
		logger:    logger.WithComponent("accessor"),
		registry:  backend.NewRegistry(cfg.Backend.Tables),
		client:    client,
		store:     store,
		coalescer: coalesce.New(),
		pool:      poolMgr,
		metrics:   agg,
		monitor:   mon,
		sampler:   sampler,
	}
	mon.OnPressure = a.relievePressure
	mon.OnCriticalAlert = func(alert monitor.Alert) {
		a.logger.Error("critical resource trend alert", map[string]interface{}{
			"leak_occurrences": alert.LeakOccurrences,
			"current_bytes":    alert.CurrentBytes,
			"baseline_bytes":   alert.BaselineBytes,
			"suspects":         alert.Suspects,
		})
	}

	return a, nil
}

// Start launches all background loops. It is an error to start twice.
func (a *Accessor) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.started {
		return dgerrors.New(dgerrors.ErrCodeAlreadyStarted, "accessor already started")
	}

	a.runCtx, a.runCancel = context.WithCancel(context.Background())

	a.store.Start()
	a.pool.Start()
	if err := a.monitor.Start(); err != nil {
		return err
	}
	if err := a.metrics.Serve(); err != nil {
		return err
	}

	a.statsStop = make(chan struct{})
	a.statsDone = make(chan struct{})
	go a.statsLoop()

	a.started = true
	a.logger.Info("accessor started", map[string]interface{}{
		"tables": a.registry.Aliases(),
	})
	return nil
}

// Shutdown stops background loops and fails queued pool waiters. In-flight
// tasks finish; the metrics endpoint drains within the given context.
func (a *Accessor) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.started {
		return dgerrors.New(dgerrors.ErrCodeNotStarted, "accessor not started")
	}
	a.started = false

	close(a.statsStop)
	<-a.statsDone

	a.pool.Shutdown()
	a.monitor.Stop()
	a.store.Close()
	err := a.metrics.Stop(ctx)
	a.runCancel()

	a.logger.Info("accessor stopped", nil)
	return err
}

// Fetch reads records for a logical table. Identical concurrent requests
// share one backend call; cacheable results are stored for later hits.
func (a *Accessor) Fetch(ctx context.Context, table string, params query.Params, options query.Options) (*FetchResult, error) {
	start := time.Now()

	physical, err := a.registry.Resolve(table)
	if err != nil {
		return nil, err
	}

	optimized := query.Optimize(params, options)
	key := query.Key(physical, optimized, options)

	if options.CacheEnabled() {
		if value, ok := a.store.Get(key); ok {
			a.metrics.RecordRequest(time.Since(start), true, true)
			return &FetchResult{Data: value.([]backend.Record), FromCache: true}, nil
		}
	}

	value, _, err := a.coalescer.Do(ctx, key, func() (interface{}, error) {
		q := query.Translate(physical, optimized, options, a.logger)

		var records []backend.Record
		// The shared call runs under the accessor's lifetime context, so
		// one caller abandoning it does not cancel it for the rest.
		callErr := a.pool.WithConnection(a.runCtx, func(ctx context.Context) error {
			var qErr error
			records, qErr = a.client.Query(ctx, q)
			return qErr
		})
		if callErr != nil {
			return nil, callErr
		}

		if options.CacheEnabled() {
			a.store.Put(key, records, options.TTL)
		}
		return records, nil
	})

	if err != nil {
		// A context error here means this caller abandoned the shared
		// call, not that the backend failed; keep it out of the error
		// counters.
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			a.metrics.RecordRequest(time.Since(start), false, false)
		}
		return nil, err
	}
	a.metrics.RecordRequest(time.Since(start), true, false)
	return &FetchResult{Data: value.([]backend.Record), FromCache: false}, nil
}

// Create inserts a record and invalidates cached reads for the table.
func (a *Accessor) Create(ctx context.Context, table string, record backend.Record) error {
	return a.write(ctx, table, func(ctx context.Context, physical string) error {
		return a.client.Create(ctx, physical, record)
	})
}

// Update modifies a record and invalidates cached reads for the table.
func (a *Accessor) Update(ctx context.Context, table string, record backend.Record) error {
	return a.write(ctx, table, func(ctx context.Context, physical string) error {
		return a.client.Update(ctx, physical, record)
	})
}

// Delete removes a record and invalidates cached reads for the table.
func (a *Accessor) Delete(ctx context.Context, table string, id interface{}) error {
	return a.write(ctx, table, func(ctx context.Context, physical string) error {
		return a.client.Delete(ctx, physical, id)
	})
}

// Metrics returns current performance and resource statistics.
func (a *Accessor) Metrics() Report {
	snap := a.metrics.GetSnapshot()
	return Report{
		AvgResponseTimeMs: snap.AvgResponseTimeMs,
		TotalRequests:     snap.TotalRequests,
		CacheHitRate:      snap.CacheHitRate,
		BackendErrorCount: snap.BackendErrorCount,
		LastQueryAt:       snap.LastQueryAt,
		MemoryUsageBytes:  a.monitor.CurrentUsage(),
		CacheSizeBytes:    a.store.Size(),
		Pool:              a.pool.State(),
	}
}

// ResourceInfo exposes the resource monitor's trend view.
func (a *Accessor) ResourceInfo() monitor.ResourceInfo {
	return a.monitor.GetResourceInfo()
}

// TrackComponent registers a logical component with the resource monitor.
func (a *Accessor) TrackComponent(name string) {
	a.monitor.Track(name)
}

// UntrackComponent archives a component's tracking state.
func (a *Accessor) UntrackComponent(name string) {
	a.monitor.Untrack(name)
}

// ReportPotentialLeak records a suspected leak against a component.
func (a *Accessor) ReportPotentialLeak(name string, kind monitor.LeakKind, metadata map[string]interface{}) {
	a.monitor.ReportPotentialLeak(name, kind, metadata)
}

// Alerts returns critical alerts raised so far.
func (a *Accessor) Alerts() []monitor.Alert {
	return a.monitor.GetAlerts()
}

// Helper methods

func (a *Accessor) write(ctx context.Context, table string, op func(ctx context.Context, physical string) error) error {
	start := time.Now()

	physical, err := a.registry.Resolve(table)
	if err != nil {
		return err
	}

	err = a.pool.WithConnection(ctx, func(ctx context.Context) error {
		return op(ctx, physical)
	})
	a.metrics.RecordRequest(time.Since(start), err == nil, false)
	if err != nil {
		return err
	}

	removed := a.store.InvalidatePrefix(query.TablePrefix(physical))
	if removed > 0 {
		a.logger.Debug("invalidated cached reads after write", map[string]interface{}{
			"table":   table,
			"entries": removed,
		})
	}
	return nil
}

// relievePressure runs staged working-set reduction when memory crosses
// the high-water mark: cache eviction first, then in-flight bookkeeping
// if eviction was not enough.
func (a *Accessor) relievePressure() {
	a.logger.Warn("memory pressure detected, evicting cache entries", map[string]interface{}{
		"cache_bytes": a.store.Size(),
	})
	a.store.EvictUnderPressure()

	sample := a.sampler.Sample()
	if sample.LimitBytes == 0 {
		return
	}
	if float64(sample.UsedBytes)/float64(sample.LimitBytes) > a.config.Monitor.HighWaterFraction {
		a.logger.Warn("memory pressure persists, reducing in-flight bookkeeping", nil)
		a.coalescer.Reduce()
		a.metrics.Shrink()
	}
}

func (a *Accessor) statsLoop() {
	defer close(a.statsDone)

	ticker := time.NewTicker(statsPushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			state := a.pool.State()
			a.metrics.SetPoolState(state.Active, state.Queued, state.Max)
			a.metrics.SetCacheSize(a.store.Size())
		case <-a.statsStop:
			return
		}
	}
}

func newLoggerFromConfig(gc *config.GlobalConfig) *utils.StructuredLogger {
	level, err := utils.ParseLogLevel(gc.LogLevel)
	if err != nil {
		level = utils.INFO
	}
	format := utils.FormatText
	if gc.LogFormat == "json" {
		format = utils.FormatJSON
	}
	return utils.NewStructuredLogger(&utils.StructuredLoggerConfig{
		Level:  level,
		Format: format,
	})
}
