package coalesce

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestConcurrentCallsShareOneFetch(t *testing.T) {
	g := New()
	var calls atomic.Int32
	release := make(chan struct{})

	fetch := func(ctx context.Context) (any, error) {
		calls.Add(1)
		<-release
		return "rooms-v1", nil
	}

	const k = 8
	var wg sync.WaitGroup
	results := make([]any, k)
	errs := make([]error, k)
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = g.Do(context.Background(), "rooms", fetch)
		}(i)
	}

	waitFor(t, func() bool { return g.InFlight() == 1 })
	// give the other callers time to join before releasing
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("fetcher called %d times, want 1", got)
	}
	for i := 0; i < k; i++ {
		if errs[i] != nil || results[i] != "rooms-v1" {
			t.Fatalf("caller %d got %v, %v", i, results[i], errs[i])
		}
	}
}

func TestErrorIsShared(t *testing.T) {
	g := New()
	boom := errors.New("remote down")
	release := make(chan struct{})
	var calls atomic.Int32
	fetch := func(ctx context.Context) (any, error) {
		calls.Add(1)
		<-release
		return nil, boom
	}

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = g.Do(context.Background(), "clients", fetch)
		}(i)
	}
	waitFor(t, func() bool { return g.InFlight() == 1 })
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Fatalf("fetcher called %d times", calls.Load())
	}
	for i, err := range errs {
		if !errors.Is(err, boom) {
			t.Fatalf("caller %d err = %v", i, err)
		}
	}
}

func TestCallAfterCompletionFetchesAgain(t *testing.T) {
	g := New()
	var calls atomic.Int32
	fetch := func(ctx context.Context) (any, error) {
		return calls.Add(1), nil
	}
	v1, _ := g.Do(context.Background(), "rooms", fetch)
	v2, _ := g.Do(context.Background(), "rooms", fetch)
	if v1 == v2 || calls.Load() != 2 {
		t.Fatalf("v1=%v v2=%v calls=%d", v1, v2, calls.Load())
	}
}

func TestDistinctKeysDoNotCoalesce(t *testing.T) {
	g := New()
	var calls atomic.Int32
	release := make(chan struct{})
	fetch := func(ctx context.Context) (any, error) {
		calls.Add(1)
		<-release
		return nil, nil
	}
	var wg sync.WaitGroup
	for _, key := range []string{"rooms", "clients", Key("rooms", "r1")} {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			_, _ = g.Do(context.Background(), key, fetch)
		}(key)
	}
	waitFor(t, func() bool { return g.InFlight() == 3 })
	close(release)
	wg.Wait()
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
}

func TestWaiterCancellationLeavesFetchRunning(t *testing.T) {
	g := New()
	release := make(chan struct{})
	fetch := func(ctx context.Context) (any, error) {
		<-release
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return "ok", nil
	}

	leaderDone := make(chan any)
	go func() {
		v, _ := g.Do(context.Background(), "rooms", fetch)
		leaderDone <- v
	}()
	waitFor(t, func() bool { return g.InFlight() == 1 })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := g.Do(ctx, "rooms", fetch); !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled waiter err = %v", err)
	}

	close(release)
	if v := <-leaderDone; v != "ok" {
		t.Fatalf("leader got %v", v)
	}
}

func TestKey(t *testing.T) {
	if Key("rooms") != "rooms" {
		t.Fatal(Key("rooms"))
	}
	if Key("rooms", "r1") != "rooms/r1" {
		t.Fatal(Key("rooms", "r1"))
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(time.Millisecond)
	}
}
