package coalesce

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

func TestCoalescer_SingleCall(t *testing.T) {
	c := New()

	value, shared, err := c.Do(context.Background(), "k", func() (interface{}, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if value.(int) != 42 {
		t.Errorf("expected 42, got %v", value)
	}
	if shared {
		t.Error("lone call should not report shared")
	}
}

// TestCoalescer_ConcurrentCallsShareOneExecution verifies that N identical
// concurrent requests result in exactly one underlying call.
func TestCoalescer_ConcurrentCallsShareOneExecution(t *testing.T) {
	c := New()

	var calls int32
	release := make(chan struct{})
	started := make(chan struct{})

	fn := func() (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		close(started)
		<-release
		return "result", nil
	}

	var g errgroup.Group

	g.Go(func() error {
		value, _, err := c.Do(context.Background(), "k", fn)
		if err != nil {
			return err
		}
		if value.(string) != "result" {
			return errors.New("unexpected value")
		}
		return nil
	})

	// Followers join only once the leader's call is in flight.
	<-started
	for i := 0; i < 4; i++ {
		g.Go(func() error {
			value, shared, err := c.Do(context.Background(), "k", fn)
			if err != nil {
				return err
			}
			if !shared {
				return errors.New("follower result should be shared")
			}
			if value.(string) != "result" {
				return errors.New("unexpected value")
			}
			return nil
		})
	}

	// Give followers time to attach before releasing the call.
	time.Sleep(20 * time.Millisecond)
	close(release)

	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("expected 1 underlying call, got %d", n)
	}
}

func TestCoalescer_ErrorSharedThenRetryable(t *testing.T) {
	c := New()
	boom := errors.New("backend down")

	_, _, err := c.Do(context.Background(), "k", func() (interface{}, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected backend error, got %v", err)
	}

	// A settled failure must not poison the key.
	value, _, err := c.Do(context.Background(), "k", func() (interface{}, error) {
		return "recovered", nil
	})
	if err != nil {
		t.Fatalf("unexpected error on retry: %v", err)
	}
	if value.(string) != "recovered" {
		t.Errorf("expected recovered, got %v", value)
	}
}

// TestCoalescer_AbandonedCallerDoesNotCancelCall verifies that one caller
// cancelling its context leaves the shared call running for the rest.
func TestCoalescer_AbandonedCallerDoesNotCancelCall(t *testing.T) {
	c := New()

	release := make(chan struct{})
	started := make(chan struct{})

	fn := func() (interface{}, error) {
		close(started)
		<-release
		return "late", nil
	}

	var wg sync.WaitGroup

	// Patient caller sees the result.
	patient := make(chan interface{}, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		value, _, err := c.Do(context.Background(), "k", fn)
		if err == nil {
			patient <- value
		}
	}()
	<-started

	// Impatient caller gives up immediately.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := c.Do(ctx, "k", fn)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	close(release)
	wg.Wait()

	select {
	case value := <-patient:
		if value.(string) != "late" {
			t.Errorf("expected late, got %v", value)
		}
	default:
		t.Error("patient caller never received the shared result")
	}
}

func TestCoalescer_PendingCounters(t *testing.T) {
	c := New()

	if c.PendingCount() != 0 || c.PendingKeys() != 0 {
		t.Fatal("expected empty pending state")
	}

	release := make(chan struct{})
	started := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.Do(context.Background(), "k", func() (interface{}, error) {
			close(started)
			<-release
			return nil, nil
		})
	}()
	<-started

	if c.PendingCount() != 1 {
		t.Errorf("expected 1 pending request, got %d", c.PendingCount())
	}
	if c.PendingKeys() != 1 {
		t.Errorf("expected 1 pending key, got %d", c.PendingKeys())
	}

	close(release)
	wg.Wait()

	if c.PendingCount() != 0 || c.PendingKeys() != 0 {
		t.Error("expected pending state to clear after completion")
	}
}

func TestCoalescer_ReduceKeepsAttachedCallers(t *testing.T) {
	c := New()

	release := make(chan struct{})
	started := make(chan struct{})

	var wg sync.WaitGroup
	result := make(chan interface{}, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		value, _, err := c.Do(context.Background(), "k", func() (interface{}, error) {
			close(started)
			<-release
			return "kept", nil
		})
		if err == nil {
			result <- value
		}
	}()
	<-started

	c.Reduce()
	close(release)
	wg.Wait()

	select {
	case value := <-result:
		if value.(string) != "kept" {
			t.Errorf("expected kept, got %v", value)
		}
	default:
		t.Error("attached caller lost its result after Reduce")
	}
}
