// Package monitor samples process memory on a timer, attributes suspected
// growth to tracked logical components, and raises a rate-limited critical
// alert only after sustained evidence.
package monitor

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	dgerrors "github.com/stationops/datagate/pkg/errors"
	"github.com/stationops/datagate/pkg/utils"
)

// Config configures trend analysis behavior
type Config struct {
	// SampleInterval is how often to collect memory readings
	SampleInterval time.Duration

	// MaxSamples is the number of readings kept in history
	MaxSamples int

	// GrowthCeilingBytes is the reference growth ceiling; a per-sample
	// delta above SignificantGrowthFraction of it extends the streak.
	GrowthCeilingBytes        int64
	SignificantGrowthFraction float64

	// StreakThreshold is how many net consecutive significant-growth
	// samples count as one leak occurrence.
	StreakThreshold int

	// MinOccurrencesForAlert gates the critical alert.
	MinOccurrencesForAlert int

	// AlertCooldown is the minimum time between critical alerts.
	AlertCooldown time.Duration

	// RecoveryDropBytes: a per-sample decrease beyond it resets the leak
	// counters. Tuned independently of the significant-growth threshold.
	RecoveryDropBytes int64

	// HighWaterFraction of LimitBytes at which the pressure callback fires.
	HighWaterFraction float64
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		SampleInterval:            30 * time.Second,
		MaxSamples:                120,
		GrowthCeilingBytes:        100 * 1024 * 1024,
		SignificantGrowthFraction: 0.1,
		StreakThreshold:           5,
		MinOccurrencesForAlert:    3,
		AlertCooldown:             5 * time.Minute,
		RecoveryDropBytes:         50 * 1024 * 1024,
		HighWaterFraction:         0.85,
	}
}

// LeakKind classifies a caller-reported suspected leak.
type LeakKind string

const (
	KindListener     LeakKind = "listener"
	KindTimer        LeakKind = "timer"
	KindSubscription LeakKind = "subscription"
	KindCache        LeakKind = "cache"
	KindOther        LeakKind = "other"
)

// LeakReport is one caller-driven suspicion signal, append-only.
type LeakReport struct {
	ComponentName  string                 `json:"component_name"`
	Kind           LeakKind               `json:"kind"`
	DetectedAt     time.Time              `json:"detected_at"`
	MemorySnapshot uint64                 `json:"memory_snapshot"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// ComponentTracker tracks one logical component's lifecycle and its
// accumulated leak reports.
type ComponentTracker struct {
	Name            string       `json:"name"`
	MountedAt       time.Time    `json:"mounted_at"`
	UnmountedAt     *time.Time   `json:"unmounted_at,omitempty"`
	MemoryAtMount   uint64       `json:"memory_at_mount"`
	MemoryAtUnmount *uint64      `json:"memory_at_unmount,omitempty"`
	Reports         []LeakReport `json:"reports"`
}

// Alert is one critical leak alert.
type Alert struct {
	Timestamp       time.Time `json:"timestamp"`
	LeakOccurrences int       `json:"leak_occurrences"`
	CurrentBytes    uint64    `json:"current_bytes"`
	BaselineBytes   uint64    `json:"baseline_bytes"`
	Suspects        []string  `json:"suspects"`
}

// ResourceInfo is the read-only monitor surface.
type ResourceInfo struct {
	Current                Sample  `json:"current"`
	Baseline               Sample  `json:"baseline"`
	GrowthBytes            int64   `json:"growth_bytes"`
	Pressure               float64 `json:"pressure"`
	LeakOccurrences        int     `json:"leak_occurrences"`
	IsCriticalLeakDetected bool    `json:"is_critical_leak_detected"`
}

// ResourceMonitor tracks memory usage trends and detects potential leaks
type ResourceMonitor struct {
	config  *Config
	sampler Sampler
	logger  *utils.StructuredLogger

	mu                sync.RWMutex
	samples           []Sample
	baselineSet       bool
	baseline          Sample
	previous          Sample
	current           Sample
	consecutiveGrowth int
	leakOccurrences   int
	lastAlertAt       time.Time
	criticalDetected  bool
	components        map[string]*ComponentTracker
	alerts            []Alert

	// OnCriticalAlert, when set, is invoked outside the monitor's lock
	// for every critical alert.
	OnCriticalAlert func(Alert)

	// OnPressure, when set, is invoked when usage crosses the high-water
	// fraction of the limit.
	OnPressure func()

	stopCh chan struct{}
	wg     sync.WaitGroup
	active int32
}

// NewResourceMonitor creates a new resource trend monitor.
func NewResourceMonitor(config *Config, sampler Sampler, logger *utils.StructuredLogger) *ResourceMonitor {
	if config == nil {
		config = DefaultConfig()
	}
	if sampler == nil {
		sampler = RuntimeSampler{}
	}
	if logger == nil {
		logger = utils.NewStructuredLogger(nil)
	}

	return &ResourceMonitor{
		config:     config,
		sampler:    sampler,
		logger:     logger.WithComponent("monitor"),
		samples:    make([]Sample, 0, config.MaxSamples),
		components: make(map[string]*ComponentTracker),
		stopCh:     make(chan struct{}),
	}
}

// Start begins periodic sampling
func (rm *ResourceMonitor) Start() error {
	if !atomic.CompareAndSwapInt32(&rm.active, 0, 1) {
		return dgerrors.New(dgerrors.ErrCodeAlreadyStarted,
			"monitor already running").WithComponent("monitor")
	}

	rm.logger.Info("starting resource monitor", map[string]interface{}{
		"sample_interval":  rm.config.SampleInterval,
		"streak_threshold": rm.config.StreakThreshold,
	})

	rm.wg.Add(1)
	go rm.sampleLoop()

	return nil
}

// Stop stops periodic sampling
func (rm *ResourceMonitor) Stop() {
	if !atomic.CompareAndSwapInt32(&rm.active, 1, 0) {
		return
	}

	close(rm.stopCh)
	rm.wg.Wait()
}

func (rm *ResourceMonitor) sampleLoop() {
	defer rm.wg.Done()

	ticker := time.NewTicker(rm.config.SampleInterval)
	defer ticker.Stop()

	rm.Observe()

	for {
		select {
		case <-rm.stopCh:
			return
		case <-ticker.C:
			rm.Observe()
		}
	}
}

// Observe performs one sampling and analysis step. Exported so tests can
// drive the trend algorithm without the wall clock.
func (rm *ResourceMonitor) Observe() {
	sample := rm.sampler.Sample()

	var (
		alert     *Alert
		pressured bool
	)

	rm.mu.Lock()

	rm.samples = append(rm.samples, sample)
	if len(rm.samples) > rm.config.MaxSamples {
		rm.samples = rm.samples[1:]
	}

	if !rm.baselineSet {
		rm.baseline = sample
		rm.baselineSet = true
		rm.previous = sample
		rm.current = sample
		rm.mu.Unlock()
		return
	}

	delta := int64(sample.UsedBytes) - int64(rm.previous.UsedBytes)
	rm.current = sample
	rm.previous = sample

	significant := int64(float64(rm.config.GrowthCeilingBytes) * rm.config.SignificantGrowthFraction)

	switch {
	case delta <= -rm.config.RecoveryDropBytes:
		// Transient spikes must not leave permanent false positives.
		if rm.leakOccurrences > 0 || rm.consecutiveGrowth > 0 {
			rm.logger.Info("memory recovered, resetting leak counters", map[string]interface{}{
				"drop_bytes": -delta,
			})
		}
		rm.leakOccurrences = 0
		rm.consecutiveGrowth = 0
		rm.criticalDetected = false
	case delta > significant:
		rm.consecutiveGrowth++
	default:
		if rm.consecutiveGrowth > 0 {
			rm.consecutiveGrowth--
		}
	}

	if rm.consecutiveGrowth >= rm.config.StreakThreshold {
		rm.leakOccurrences++
		suspects := rm.rankSuspectsLocked()

		rm.logger.Warn("sustained memory growth detected", map[string]interface{}{
			"occurrences": rm.leakOccurrences,
			"used_bytes":  sample.UsedBytes,
			"suspects":    suspects,
		})

		if rm.leakOccurrences >= rm.config.MinOccurrencesForAlert &&
			time.Since(rm.lastAlertAt) > rm.config.AlertCooldown {
			rm.lastAlertAt = time.Now()
			rm.criticalDetected = true
			a := Alert{
				Timestamp:       rm.lastAlertAt,
				LeakOccurrences: rm.leakOccurrences,
				CurrentBytes:    sample.UsedBytes,
				BaselineBytes:   rm.baseline.UsedBytes,
				Suspects:        suspects,
			}
			rm.alerts = append(rm.alerts, a)
			alert = &a
		}
	}

	if sample.LimitBytes > 0 {
		usage := float64(sample.UsedBytes) / float64(sample.LimitBytes)
		pressured = usage > rm.config.HighWaterFraction
	}

	rm.mu.Unlock()

	if alert != nil {
		rm.logger.Error("critical memory leak suspected", map[string]interface{}{
			"occurrences": alert.LeakOccurrences,
			"current":     alert.CurrentBytes,
			"baseline":    alert.BaselineBytes,
			"suspects":    alert.Suspects,
		})
		if rm.OnCriticalAlert != nil {
			rm.OnCriticalAlert(*alert)
		}
	}
	if pressured && rm.OnPressure != nil {
		rm.OnPressure()
	}
}

// Track registers a component for leak attribution. Re-registering an
// already-tracked name resets its mount-time baseline.
func (rm *ResourceMonitor) Track(name string) {
	sample := rm.sampler.Sample()

	rm.mu.Lock()
	defer rm.mu.Unlock()

	if existing, ok := rm.components[name]; ok {
		existing.MountedAt = time.Now()
		existing.UnmountedAt = nil
		existing.MemoryAtMount = sample.UsedBytes
		existing.MemoryAtUnmount = nil
		return
	}

	rm.components[name] = &ComponentTracker{
		Name:          name,
		MountedAt:     time.Now(),
		MemoryAtMount: sample.UsedBytes,
	}
}

// Untrack archives a component. Its reports are kept for inspection but
// it no longer participates in suspicion ranking.
func (rm *ResourceMonitor) Untrack(name string) {
	sample := rm.sampler.Sample()

	rm.mu.Lock()
	defer rm.mu.Unlock()

	tracker, ok := rm.components[name]
	if !ok || tracker.UnmountedAt != nil {
		return
	}

	now := time.Now()
	used := sample.UsedBytes
	tracker.UnmountedAt = &now
	tracker.MemoryAtUnmount = &used
}

// ReportPotentialLeak records a caller-driven suspicion signal for a
// component. It annotates the suspect ranking only; it never drives the
// alert threshold by itself.
func (rm *ResourceMonitor) ReportPotentialLeak(name string, kind LeakKind, metadata map[string]interface{}) {
	sample := rm.sampler.Sample()

	rm.mu.Lock()
	defer rm.mu.Unlock()

	tracker, ok := rm.components[name]
	if !ok {
		tracker = &ComponentTracker{
			Name:          name,
			MountedAt:     time.Now(),
			MemoryAtMount: sample.UsedBytes,
		}
		rm.components[name] = tracker
	}

	tracker.Reports = append(tracker.Reports, LeakReport{
		ComponentName:  name,
		Kind:           kind,
		DetectedAt:     time.Now(),
		MemorySnapshot: sample.UsedBytes,
		Metadata:       metadata,
	})

	rm.logger.Debug("potential leak reported", map[string]interface{}{
		"component": name,
		"kind":      string(kind),
		"reports":   len(tracker.Reports),
	})
}

// GetResourceInfo returns the current monitor surface.
func (rm *ResourceMonitor) GetResourceInfo() ResourceInfo {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	info := ResourceInfo{
		Current:                rm.current,
		Baseline:               rm.baseline,
		LeakOccurrences:        rm.leakOccurrences,
		IsCriticalLeakDetected: rm.criticalDetected,
	}
	info.GrowthBytes = int64(rm.current.UsedBytes) - int64(rm.baseline.UsedBytes)
	if rm.current.LimitBytes > 0 {
		info.Pressure = float64(rm.current.UsedBytes) / float64(rm.current.LimitBytes)
	}
	return info
}

// CurrentUsage returns the most recent used-bytes reading.
func (rm *ResourceMonitor) CurrentUsage() uint64 {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.current.UsedBytes
}

// GetAlerts returns all critical alerts raised so far.
func (rm *ResourceMonitor) GetAlerts() []Alert {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	alerts := make([]Alert, len(rm.alerts))
	copy(alerts, rm.alerts)
	return alerts
}

// GetComponents returns a copy of all component trackers.
func (rm *ResourceMonitor) GetComponents() map[string]ComponentTracker {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	components := make(map[string]ComponentTracker, len(rm.components))
	for name, tracker := range rm.components {
		components[name] = *tracker
	}
	return components
}

// rankSuspectsLocked returns mounted components with outstanding leak
// reports, most-reported first.
func (rm *ResourceMonitor) rankSuspectsLocked() []string {
	type suspect struct {
		name    string
		reports int
	}

	var suspects []suspect
	for name, tracker := range rm.components {
		if tracker.UnmountedAt == nil && len(tracker.Reports) > 0 {
			suspects = append(suspects, suspect{name: name, reports: len(tracker.Reports)})
		}
	}

	sort.Slice(suspects, func(i, j int) bool {
		if suspects[i].reports != suspects[j].reports {
			return suspects[i].reports > suspects[j].reports
		}
		return suspects[i].name < suspects[j].name
	})

	names := make([]string, len(suspects))
	for i, s := range suspects {
		names[i] = s.name
	}
	return names
}
