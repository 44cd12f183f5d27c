package accessor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/stationops/datagate/internal/backend"
	"github.com/stationops/datagate/internal/config"
	"github.com/stationops/datagate/internal/query"
	dgerrors "github.com/stationops/datagate/pkg/errors"
)

// fakeClient is an in-memory backend.Client that records calls.
type fakeClient struct {
	mu      sync.Mutex
	queries []*backend.Query
	creates int
	updates int
	deletes int

	result []backend.Record
	err    error
	delay  time.Duration

	running int32
	peak    int32
}

func (f *fakeClient) Query(ctx context.Context, q *backend.Query) ([]backend.Record, error) {
	n := atomic.AddInt32(&f.running, 1)
	for {
		p := atomic.LoadInt32(&f.peak)
		if n <= p || atomic.CompareAndSwapInt32(&f.peak, p, n) {
			break
		}
	}
	defer atomic.AddInt32(&f.running, -1)

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	f.queries = append(f.queries, q)
	f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeClient) Create(ctx context.Context, table string, record backend.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	return f.err
}

func (f *fakeClient) Update(ctx context.Context, table string, record backend.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
	return f.err
}

func (f *fakeClient) Delete(ctx context.Context, table string, id interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	return f.err
}

func (f *fakeClient) HealthCheck(ctx context.Context) error { return nil }

func (f *fakeClient) queryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queries)
}

func testAccessorConfig() *config.Configuration {
	cfg := config.NewDefault()
	cfg.Backend.Tables = map[string]string{
		"users":  "portal-users",
		"orders": "portal-orders",
	}
	return cfg
}

func newTestAccessor(t *testing.T, client *fakeClient, cfg *config.Configuration) *Accessor {
	t.Helper()

	if cfg == nil {
		cfg = testAccessorConfig()
	}
	a, err := New(cfg, client, nil)
	require.NoError(t, err)
	require.NoError(t, a.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		a.Shutdown(ctx)
	})
	return a
}

func TestNew_RequiresClient(t *testing.T) {
	_, err := New(testAccessorConfig(), nil, nil)
	assert.True(t, dgerrors.HasCode(err, dgerrors.ErrCodeInvalidConfig))
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testAccessorConfig()
	cfg.Cache.DefaultTTL = 0

	_, err := New(cfg, &fakeClient{}, nil)
	assert.Error(t, err)
}

func TestAccessor_StartTwice(t *testing.T) {
	a := newTestAccessor(t, &fakeClient{}, nil)

	err := a.Start()
	assert.True(t, dgerrors.HasCode(err, dgerrors.ErrCodeAlreadyStarted))
}

func TestAccessor_FetchUnknownTable(t *testing.T) {
	client := &fakeClient{}
	a := newTestAccessor(t, client, nil)

	_, err := a.Fetch(context.Background(), "inventory", query.Params{}, query.Options{})
	require.Error(t, err)
	assert.True(t, dgerrors.HasCode(err, dgerrors.ErrCodeUnknownTable))
	assert.Equal(t, 0, client.queryCount())
}

// TestAccessor_FetchCachesResult covers the canonical miss-then-hit
// sequence: one backend call, a 0.5 hit rate over two requests.
func TestAccessor_FetchCachesResult(t *testing.T) {
	client := &fakeClient{result: []backend.Record{{"id": "1", "status": "open"}}}
	a := newTestAccessor(t, client, nil)

	params := query.Params{
		Filters: []query.Filter{{Name: "status", Op: query.OpEqual, Value: "open"}},
	}

	first, err := a.Fetch(context.Background(), "orders", params, query.Options{})
	require.NoError(t, err)
	assert.False(t, first.FromCache)
	require.Len(t, first.Data, 1)

	second, err := a.Fetch(context.Background(), "orders", params, query.Options{})
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, first.Data, second.Data)

	assert.Equal(t, 1, client.queryCount())

	report := a.Metrics()
	assert.Equal(t, uint64(2), report.TotalRequests)
	assert.Equal(t, 0.5, report.CacheHitRate)
}

func TestAccessor_FetchCacheDisabled(t *testing.T) {
	client := &fakeClient{result: []backend.Record{{"id": "1"}}}
	a := newTestAccessor(t, client, nil)

	disabled := false
	opts := query.Options{Cache: &disabled}

	for i := 0; i < 3; i++ {
		result, err := a.Fetch(context.Background(), "orders", query.Params{}, opts)
		require.NoError(t, err)
		assert.False(t, result.FromCache)
	}

	assert.Equal(t, 3, client.queryCount())
}

// TestAccessor_ConcurrentFetchesCoalesce issues identical concurrent
// requests and expects exactly one backend call shared by all of them.
func TestAccessor_ConcurrentFetchesCoalesce(t *testing.T) {
	client := &fakeClient{
		result: []backend.Record{{"id": "1"}},
		delay:  50 * time.Millisecond,
	}
	a := newTestAccessor(t, client, nil)

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			result, err := a.Fetch(context.Background(), "orders", query.Params{}, query.Options{})
			if err != nil {
				return err
			}
			if len(result.Data) != 1 {
				return errors.New("unexpected result size")
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, 1, client.queryCount())

	report := a.Metrics()
	assert.Equal(t, uint64(8), report.TotalRequests)
}

// TestAccessor_AbandonedFetchNotCountedAsError has a caller give up on
// a shared in-flight call. Its cancellation is not a backend failure
// and must not move the error counter.
func TestAccessor_AbandonedFetchNotCountedAsError(t *testing.T) {
	client := &fakeClient{
		result: []backend.Record{{"id": "1"}},
		delay:  80 * time.Millisecond,
	}
	a := newTestAccessor(t, client, nil)

	var g errgroup.Group
	g.Go(func() error {
		result, err := a.Fetch(context.Background(), "orders", query.Params{}, query.Options{})
		if err != nil {
			return err
		}
		if result.FromCache {
			return errors.New("expected a backend result")
		}
		return nil
	})

	// Give the patient caller a head start so the impatient one joins
	// its in-flight call.
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := a.Fetch(ctx, "orders", query.Params{}, query.Options{})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, g.Wait())
	assert.Equal(t, 1, client.queryCount())

	report := a.Metrics()
	assert.Equal(t, uint64(0), report.BackendErrorCount)
	assert.Equal(t, uint64(1), report.TotalRequests)
}

func TestAccessor_FetchBackendError(t *testing.T) {
	client := &fakeClient{err: errors.New("table scan failed")}
	a := newTestAccessor(t, client, nil)

	_, err := a.Fetch(context.Background(), "orders", query.Params{}, query.Options{})
	require.Error(t, err)

	report := a.Metrics()
	assert.Equal(t, uint64(1), report.BackendErrorCount)

	// The failure was not cached.
	client.err = nil
	result, err := a.Fetch(context.Background(), "orders", query.Params{}, query.Options{})
	require.NoError(t, err)
	assert.False(t, result.FromCache)
}

// TestAccessor_WriteInvalidatesCache verifies that any write drops the
// table's cached reads so the next fetch sees fresh data.
func TestAccessor_WriteInvalidatesCache(t *testing.T) {
	client := &fakeClient{result: []backend.Record{{"id": "1"}}}
	a := newTestAccessor(t, client, nil)

	_, err := a.Fetch(context.Background(), "orders", query.Params{}, query.Options{})
	require.NoError(t, err)

	require.NoError(t, a.Create(context.Background(), "orders", backend.Record{"id": "2"}))

	result, err := a.Fetch(context.Background(), "orders", query.Params{}, query.Options{})
	require.NoError(t, err)
	assert.False(t, result.FromCache)
	assert.Equal(t, 2, client.queryCount())
}

func TestAccessor_WriteOtherTableKeepsCache(t *testing.T) {
	client := &fakeClient{result: []backend.Record{{"id": "1"}}}
	a := newTestAccessor(t, client, nil)

	_, err := a.Fetch(context.Background(), "orders", query.Params{}, query.Options{})
	require.NoError(t, err)

	require.NoError(t, a.Update(context.Background(), "users", backend.Record{"id": "u1"}))

	result, err := a.Fetch(context.Background(), "orders", query.Params{}, query.Options{})
	require.NoError(t, err)
	assert.True(t, result.FromCache)
	assert.Equal(t, 1, client.queryCount())
}

func TestAccessor_WriteUnknownTable(t *testing.T) {
	client := &fakeClient{}
	a := newTestAccessor(t, client, nil)

	err := a.Delete(context.Background(), "inventory", "1")
	assert.True(t, dgerrors.HasCode(err, dgerrors.ErrCodeUnknownTable))
}

// TestAccessor_PoolBoundsBackendConcurrency runs distinct requests well
// above the pool bound and checks the backend never sees more than max
// concurrent calls.
func TestAccessor_PoolBoundsBackendConcurrency(t *testing.T) {
	cfg := testAccessorConfig()
	cfg.Pool.InitialConnections = 2
	cfg.Pool.MinConnections = 1
	cfg.Pool.MaxConnections = 2

	client := &fakeClient{
		result: []backend.Record{{"id": "1"}},
		delay:  20 * time.Millisecond,
	}
	a := newTestAccessor(t, client, cfg)

	var g errgroup.Group
	for i := 0; i < 6; i++ {
		i := i
		g.Go(func() error {
			params := query.Params{
				Filters: []query.Filter{{Name: "page", Op: query.OpEqual, Value: i}},
			}
			_, err := a.Fetch(context.Background(), "orders", params, query.Options{})
			return err
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, 6, client.queryCount())
	assert.LessOrEqual(t, atomic.LoadInt32(&client.peak), int32(2))
}

func TestAccessor_TranslatedQueryShape(t *testing.T) {
	client := &fakeClient{result: []backend.Record{}}
	a := newTestAccessor(t, client, nil)

	params := query.Params{
		Filters:  []query.Filter{{Name: "status", Op: query.OpEqual, Value: "open"}},
		PageNo:   2,
		PageSize: 25,
	}
	opts := query.Options{Fields: []string{"id", "status"}}

	_, err := a.Fetch(context.Background(), "orders", params, opts)
	require.NoError(t, err)

	client.mu.Lock()
	defer client.mu.Unlock()
	require.Len(t, client.queries, 1)

	q := client.queries[0]
	assert.Equal(t, "portal-orders", q.Table)
	require.Len(t, q.Conditions, 1)
	assert.Equal(t, backend.OpEqual, q.Conditions[0].Op)
	assert.Equal(t, 25, q.Limit)
	assert.Equal(t, 25, q.Offset)
	assert.Equal(t, []string{"id", "status"}, q.Projection)
}

func TestAccessor_ShutdownLifecycle(t *testing.T) {
	cfg := testAccessorConfig()
	a, err := New(cfg, &fakeClient{}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	assert.True(t, dgerrors.HasCode(a.Shutdown(ctx), dgerrors.ErrCodeNotStarted))

	require.NoError(t, a.Start())
	require.NoError(t, a.Shutdown(ctx))
	assert.True(t, dgerrors.HasCode(a.Shutdown(ctx), dgerrors.ErrCodeNotStarted))
}

func TestAccessor_ComponentTracking(t *testing.T) {
	a := newTestAccessor(t, &fakeClient{}, nil)

	a.TrackComponent("ReportsDashboard")
	a.ReportPotentialLeak("ReportsDashboard", "timer", map[string]interface{}{
		"interval_ms": 1000,
	})
	a.UntrackComponent("ReportsDashboard")

	info := a.ResourceInfo()
	assert.Equal(t, 0, info.LeakOccurrences)
	assert.Empty(t, a.Alerts())
}
