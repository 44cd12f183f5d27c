package monitor

import (
	"math"
	"runtime"
	"runtime/debug"
	"time"
)

// Sample is one abstract memory reading. The trend analysis depends only
// on this shape, not on how it was obtained.
type Sample struct {
	Timestamp  time.Time `json:"timestamp"`
	UsedBytes  uint64    `json:"used_bytes"`
	TotalBytes uint64    `json:"total_bytes"`
	LimitBytes uint64    `json:"limit_bytes"`
}

// Sampler provides memory readings for the trend monitor. One
// implementation per host platform.
type Sampler interface {
	Sample() Sample
}

// RuntimeSampler reads Go runtime heap counters.
type RuntimeSampler struct{}

// Sample reads the current heap state. The limit comes from GOMEMLIMIT
// when one is set; otherwise the bytes obtained from the system stand in
// for it.
func (RuntimeSampler) Sample() Sample {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	limit := uint64(0)
	if configured := debug.SetMemoryLimit(-1); configured > 0 && configured < math.MaxInt64 {
		limit = uint64(configured)
	}
	if limit == 0 {
		limit = memStats.Sys
	}

	return Sample{
		Timestamp:  time.Now(),
		UsedBytes:  memStats.HeapAlloc,
		TotalBytes: memStats.Sys,
		LimitBytes: limit,
	}
}
