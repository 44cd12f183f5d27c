package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAggregator_EmptySnapshot(t *testing.T) {
	a := NewAggregator(nil, nil)

	snap := a.GetSnapshot()
	assert.Equal(t, uint64(0), snap.TotalRequests)
	assert.Equal(t, 0.0, snap.AvgResponseTimeMs)
	assert.Equal(t, 0.0, snap.CacheHitRate)
	assert.True(t, snap.LastQueryAt.IsZero())
}

func TestAggregator_RecordRequest(t *testing.T) {
	a := NewAggregator(nil, nil)

	a.RecordRequest(100*time.Millisecond, true, false)
	a.RecordRequest(300*time.Millisecond, true, false)

	snap := a.GetSnapshot()
	assert.Equal(t, uint64(2), snap.TotalRequests)
	assert.Equal(t, 200.0, snap.AvgResponseTimeMs)
	assert.Equal(t, uint64(0), snap.BackendErrorCount)
	assert.False(t, snap.LastQueryAt.IsZero())
}

// TestAggregator_CacheHitRate covers the two-requests-one-hit case: the
// hit rate counts caller-level requests, not backend calls.
func TestAggregator_CacheHitRate(t *testing.T) {
	a := NewAggregator(nil, nil)

	a.RecordRequest(100*time.Millisecond, true, false)
	a.RecordRequest(time.Millisecond, true, true)

	snap := a.GetSnapshot()
	assert.Equal(t, uint64(2), snap.TotalRequests)
	assert.Equal(t, 0.5, snap.CacheHitRate)
}

// TestAggregator_CacheHitsExcludedFromLatency verifies that near-zero
// cache-hit durations never drag down the average the pool resizes on.
func TestAggregator_CacheHitsExcludedFromLatency(t *testing.T) {
	a := NewAggregator(nil, nil)

	a.RecordRequest(400*time.Millisecond, true, false)
	for i := 0; i < 10; i++ {
		a.RecordRequest(0, true, true)
	}

	assert.Equal(t, 400.0, a.AvgResponseTimeMs())
}

func TestAggregator_ErrorCounting(t *testing.T) {
	a := NewAggregator(nil, nil)

	a.RecordRequest(50*time.Millisecond, false, false)
	a.RecordRequest(50*time.Millisecond, true, false)

	snap := a.GetSnapshot()
	assert.Equal(t, uint64(1), snap.BackendErrorCount)
	assert.Equal(t, uint64(2), snap.TotalRequests)
}

// TestAggregator_WindowIsBounded fills the ring past capacity and checks
// that old samples fall out of the average.
func TestAggregator_WindowIsBounded(t *testing.T) {
	a := NewAggregator(&Config{WindowSize: 4, Namespace: "test"}, nil)

	a.RecordRequest(1000*time.Millisecond, true, false)
	for i := 0; i < 4; i++ {
		a.RecordRequest(100*time.Millisecond, true, false)
	}

	// The 1000ms outlier was overwritten by the fifth sample.
	assert.Equal(t, 100.0, a.AvgResponseTimeMs())
	assert.Equal(t, uint64(5), a.GetSnapshot().TotalRequests)
}

func TestAggregator_Shrink(t *testing.T) {
	a := NewAggregator(nil, nil)

	a.RecordRequest(200*time.Millisecond, true, false)
	a.RecordRequest(100*time.Millisecond, false, false)

	a.Shrink()

	snap := a.GetSnapshot()
	assert.Equal(t, 0.0, snap.AvgResponseTimeMs)

	// Counters survive the shrink.
	assert.Equal(t, uint64(2), snap.TotalRequests)
	assert.Equal(t, uint64(1), snap.BackendErrorCount)

	// The window refills normally afterwards.
	a.RecordRequest(300*time.Millisecond, true, false)
	assert.Equal(t, 300.0, a.AvgResponseTimeMs())
}

func TestAggregator_ServeDisabled(t *testing.T) {
	a := NewAggregator(&Config{Enabled: false, Namespace: "test"}, nil)

	assert.NoError(t, a.Serve())
}
