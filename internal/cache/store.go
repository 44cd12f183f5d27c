package cache

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/stationops/datagate/pkg/utils"
)

// pressureEvictFraction is the share of entries removed per pressure pass,
// ranked lowest (accessCount, lastAccessedAt) first.
const pressureEvictFraction = 0.25

// Config represents cache store configuration
type Config struct {
	DefaultTTL    time.Duration `yaml:"default_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	ColdThreshold time.Duration `yaml:"cold_threshold"`
	MaxSizeBytes  int64         `yaml:"max_size_bytes"`
}

// Entry is a single cached result. Fields are mutated only by the store.
type Entry struct {
	Key            string
	Value          interface{}
	CreatedAt      time.Time
	ExpiresAt      time.Time
	AccessCount    int64
	LastAccessedAt time.Time
	EstimatedSize  int64
}

// Stats represents cache performance statistics
type Stats struct {
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	Evictions uint64  `json:"evictions"`
	Size      int64   `json:"size"`
	Entries   int     `json:"entries"`
	Capacity  int64   `json:"capacity"`
	HitRate   float64 `json:"hit_rate"`
}

// Store is a thread-safe key/value cache with TTL expiry, access tracking,
// approximate size accounting and combined LFU/LRU pressure eviction.
type Store struct {
	mu          sync.RWMutex
	entries     map[string]*Entry
	currentSize int64
	config      *Config
	logger      *utils.StructuredLogger
	stats       Stats

	stopCh  chan struct{}
	stopped chan struct{}
	started bool
}

// NewStore creates a new cache store. Call Start to run the background
// expiry sweep and Close to stop it.
func NewStore(config *Config, logger *utils.StructuredLogger) *Store {
	if config == nil {
		config = &Config{
			DefaultTTL:    5 * time.Minute,
			SweepInterval: time.Minute,
			ColdThreshold: 10 * time.Minute,
			MaxSizeBytes:  64 * 1024 * 1024,
		}
	}
	if logger == nil {
		logger = utils.NewStructuredLogger(nil)
	}

	return &Store{
		entries: make(map[string]*Entry),
		config:  config,
		logger:  logger.WithComponent("cache"),
		stats: Stats{
			Capacity: config.MaxSizeBytes,
		},
		stopCh:  make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Start launches the background expiry sweep.
func (s *Store) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	go s.sweepLoop()
}

// Close stops the background sweep and drops all entries.
func (s *Store) Close() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	close(s.stopCh)
	<-s.stopped

	s.mu.Lock()
	s.entries = make(map[string]*Entry)
	s.currentSize = 0
	s.mu.Unlock()
}

// Get retrieves a cached value. An expired entry is a miss.
func (s *Store) Get(key string) (interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.entries[key]
	if !exists {
		s.stats.Misses++
		s.updateHitRateLocked()
		return nil, false
	}

	if time.Now().After(entry.ExpiresAt) {
		s.removeLocked(key)
		s.stats.Misses++
		s.updateHitRateLocked()
		return nil, false
	}

	entry.AccessCount++
	entry.LastAccessedAt = time.Now()
	s.stats.Hits++
	s.updateHitRateLocked()

	return entry.Value, true
}

// Put stores a value with the given TTL (the configured default when ttl
// is zero). Values that cannot be size-estimated are treated as corrupt
// and never stored.
func (s *Store) Put(key string, value interface{}, ttl time.Duration) {
	if ttl <= 0 {
		ttl = s.config.DefaultTTL
	}

	size, err := estimateSize(value)
	if err != nil {
		// Corrupt value: recover locally, never surface to the caller.
		s.logger.Warn("dropping unserializable cache value", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		return
	}

	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries[key]; ok {
		s.currentSize -= existing.EstimatedSize
	}

	s.entries[key] = &Entry{
		Key:            key,
		Value:          value,
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
		AccessCount:    1,
		LastAccessedAt: now,
		EstimatedSize:  size,
	}
	s.currentSize += size

	if s.currentSize > s.config.MaxSizeBytes {
		s.evictUnderPressureLocked()
	}
}

// InvalidatePrefix removes every entry whose key starts with prefix.
// Used after writes to drop all cached results for a table.
func (s *Store) InvalidatePrefix(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []string
	for key := range s.entries {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	for _, key := range keys {
		s.removeLocked(key)
	}

	return len(keys)
}

// EvictUnderPressure forces a pressure-eviction pass regardless of the
// configured ceiling. Called when process memory crosses the high-water
// mark.
func (s *Store) EvictUnderPressure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictPassLocked()
}

// Size returns the current approximate cache size in bytes.
func (s *Store) Size() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentSize
}

// GetStats returns a snapshot of cache statistics.
func (s *Store) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := s.stats
	stats.Size = s.currentSize
	stats.Entries = len(s.entries)
	return stats
}

// Helper methods

// estimateSize approximates a value's memory footprint by its serialized
// length. Exact accounting is deliberately out of scope.
func estimateSize(value interface{}) (int64, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

func (s *Store) removeLocked(key string) {
	entry, exists := s.entries[key]
	if !exists {
		return
	}
	delete(s.entries, key)
	s.currentSize -= entry.EstimatedSize
	s.stats.Evictions++
}

// evictUnderPressureLocked removes lowest-value entries until the
// aggregate size is back under the ceiling.
func (s *Store) evictUnderPressureLocked() {
	for s.currentSize > s.config.MaxSizeBytes && len(s.entries) > 0 {
		s.evictPassLocked()
	}
}

// evictPassLocked removes the lowest-ranked quarter of entries. Frequency
// ranks first and recency breaks ties: pure LRU would evict hot entries
// during bursts, pure LFU would keep entries that were hot once and are
// now cold.
func (s *Store) evictPassLocked() {
	if len(s.entries) == 0 {
		return
	}

	ranked := make([]*Entry, 0, len(s.entries))
	for _, entry := range s.entries {
		ranked = append(ranked, entry)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].AccessCount != ranked[j].AccessCount {
			return ranked[i].AccessCount < ranked[j].AccessCount
		}
		return ranked[i].LastAccessedAt.Before(ranked[j].LastAccessedAt)
	})

	count := int(float64(len(ranked)) * pressureEvictFraction)
	if count < 1 {
		count = 1
	}

	for _, entry := range ranked[:count] {
		s.removeLocked(entry.Key)
	}

	s.logger.Debug("pressure eviction pass", map[string]interface{}{
		"evicted":   count,
		"remaining": len(s.entries),
		"size":      s.currentSize,
	})
}

func (s *Store) updateHitRateLocked() {
	total := s.stats.Hits + s.stats.Misses
	if total > 0 {
		s.stats.HitRate = float64(s.stats.Hits) / float64(total)
	}
}

func (s *Store) sweepLoop() {
	defer close(s.stopped)

	interval := s.config.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep removes expired entries, plus entries accessed fewer than twice
// that have gone cold. Exported so tests can drive time deterministically.
func (s *Store) Sweep() {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []string
	for key, entry := range s.entries {
		if now.After(entry.ExpiresAt) {
			keys = append(keys, key)
			continue
		}
		if entry.AccessCount < 2 && now.Sub(entry.LastAccessedAt) > s.config.ColdThreshold {
			keys = append(keys, key)
		}
	}
	for _, key := range keys {
		s.removeLocked(key)
	}

	if len(keys) > 0 {
		s.logger.Debug("expiry sweep", map[string]interface{}{
			"removed":   len(keys),
			"remaining": len(s.entries),
		})
	}
}
