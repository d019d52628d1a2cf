package cache

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newTestCache(clock *fakeClock, capacity int) *Cache {
	return New(Config{Name: "test", Capacity: capacity, DefaultTTL: time.Minute, Clock: clock.Now})
}

func TestGetExpiresAtTTL(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(clock, 10)

	c.Set("rooms", "v1", WithTTL(10*time.Second))
	clock.Advance(9*time.Second + 999*time.Millisecond)
	if _, ok := c.Get("rooms"); !ok {
		t.Fatal("entry should be valid just before ttl")
	}
	clock.Advance(time.Millisecond)
	if _, ok := c.Get("rooms"); ok {
		t.Fatal("entry should be absent at createdAt+ttl")
	}
	if s := c.Stats(); s.Expirations != 1 || s.Size != 0 {
		t.Fatalf("Stats = %+v", s)
	}
}

func TestReadsDoNotExtendTTL(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(clock, 10)
	c.Set("k", 1, WithTTL(5*time.Second))
	for i := 0; i < 4; i++ {
		clock.Advance(time.Second)
		c.Get("k")
	}
	clock.Advance(time.Second)
	if _, ok := c.Get("k"); ok {
		t.Fatal("ttl is measured from creation, not last access")
	}
}

func TestLRUEvictsLeastRecentlyAccessed(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(clock, 3)

	for _, k := range []string{"a", "b", "c"} {
		c.Set(k, k)
		clock.Advance(time.Second)
	}
	c.Get("a") // b is now the oldest access
	clock.Advance(time.Second)
	c.Set("d", "d")

	if c.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", c.Len())
	}
	if _, ok := c.Get("b"); ok {
		t.Fatal("b should have been evicted")
	}
	for _, k := range []string{"a", "c", "d"} {
		if _, ok := c.Get(k); !ok {
			t.Fatalf("%s should still be present", k)
		}
	}
	if s := c.Stats(); s.Evictions != 1 {
		t.Fatalf("Evictions = %d", s.Evictions)
	}
}

func TestLRUTieBreaksByInsertionOrder(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(clock, 2)

	// same timestamp for everything; b is read after a, but a was created first
	c.Set("a", 1)
	c.Set("b", 2)
	c.Get("b")
	c.Get("a")
	c.Set("c", 3)

	if _, ok := c.Peek("a"); ok {
		t.Fatal("a should lose the tie as the earliest inserted")
	}
	if _, ok := c.Peek("b"); !ok {
		t.Fatal("b should survive")
	}
}

func TestSizeNeverExceedsCapacity(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(clock, 5)
	for i := 0; i < 50; i++ {
		c.Set(string(rune('a'+i%26))+string(rune('0'+i/26)), i)
		if c.Len() > 5 {
			t.Fatalf("Len() = %d after %d inserts", c.Len(), i+1)
		}
	}
}

func TestOverwriteDoesNotEvict(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(clock, 2)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("a", 3)
	if v, _ := c.Get("a"); v != 3 {
		t.Fatalf("a = %v", v)
	}
	if _, ok := c.Get("b"); !ok {
		t.Fatal("overwrite evicted b")
	}
}

func TestExpiredEntriesMakeRoomBeforeLRU(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(clock, 2)
	c.Set("short", 1, WithTTL(time.Second))
	c.Set("long", 2)
	clock.Advance(2 * time.Second)
	c.Set("new", 3)
	if _, ok := c.Get("long"); !ok {
		t.Fatal("valid entry evicted while an expired one was present")
	}
	if s := c.Stats(); s.Evictions != 0 || s.Expirations != 1 {
		t.Fatalf("Stats = %+v", s)
	}
}

func TestInvalidation(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(clock, 10)
	c.Set("rooms", 1, WithTags("rooms"))
	c.Set("rooms/occupancy", 2, WithTags("rooms", "aggregates"))
	c.Set("clients", 3, WithTags("clients"))
	c.Set("report:2024-01", 4)
	c.Set("report:2024-02", 5)

	if !c.Invalidate("clients") || c.Invalidate("clients") {
		t.Fatal("Invalidate should report presence once")
	}
	if n := c.InvalidateByTag("rooms"); n != 2 {
		t.Fatalf("InvalidateByTag = %d, want 2", n)
	}
	if n := c.InvalidateByTag("aggregates"); n != 0 {
		t.Fatalf("tag index not cleaned: %d", n)
	}
	if n := c.InvalidateByPattern(regexp.MustCompile(`^report:2024-`)); n != 2 {
		t.Fatalf("InvalidateByPattern = %d, want 2", n)
	}
	if c.Len() != 0 {
		t.Fatalf("Len() = %d", c.Len())
	}
	if s := c.Stats(); s.Invalidations != 5 {
		t.Fatalf("Invalidations = %d", s.Invalidations)
	}
}

func TestRetaggingOnOverwrite(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(clock, 10)
	c.Set("k", 1, WithTags("old"))
	c.Set("k", 2, WithTags("new"))
	if n := c.InvalidateByTag("old"); n != 0 {
		t.Fatalf("stale tag still bound: %d", n)
	}
	if n := c.InvalidateByTag("new"); n != 1 {
		t.Fatalf("InvalidateByTag(new) = %d", n)
	}
}

func TestStatsHitRate(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(clock, 10)
	c.Set("a", 1)
	c.Get("a")
	c.Get("a")
	c.Get("a")
	c.Get("missing")
	s := c.Stats()
	if s.Hits != 3 || s.Misses != 1 || s.HitRate != 0.75 || s.Size != 1 {
		t.Fatalf("Stats = %+v", s)
	}
	e, _ := c.Peek("a")
	if e.AccessCount != 3 {
		t.Fatalf("AccessCount = %d", e.AccessCount)
	}
}

func TestGetOrSetCoalescesConcurrentMisses(t *testing.T) {
	c := New(Config{Name: "coalesce-test", Capacity: 10, DefaultTTL: time.Minute})
	var calls atomic.Int32
	release := make(chan struct{})
	fetch := func(ctx context.Context) (any, error) {
		calls.Add(1)
		<-release
		return []string{"r1", "r2"}, nil
	}

	const k = 10
	var wg sync.WaitGroup
	results := make([]any, k)
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.GetOrSet(context.Background(), "rooms", fetch)
			if err != nil {
				t.Error(err)
			}
			results[i] = v
		}(i)
	}
	time.Sleep(30 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Fatalf("fetcher called %d times, want 1", calls.Load())
	}
	for i, v := range results {
		if got, ok := v.([]string); !ok || len(got) != 2 {
			t.Fatalf("caller %d got %v", i, v)
		}
	}
	if _, ok := c.Get("rooms"); !ok {
		t.Fatal("GetOrSet did not store the value")
	}
}

func TestGetOrSetFailureStoresNothing(t *testing.T) {
	c := New(Config{Name: "fail-test", Capacity: 10})
	boom := errors.New("remote down")
	_, err := c.GetOrSet(context.Background(), "rooms", func(ctx context.Context) (any, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if _, ok := c.Get("rooms"); ok {
		t.Fatal("failed fetch should not be cached")
	}
}

func TestGetOrFillCountsOneMissAndStoresNothing(t *testing.T) {
	c := newTestCache(newFakeClock(), 10)
	v, hit, err := c.GetOrFill(context.Background(), "rooms", func(ctx context.Context) (any, error) {
		return "fresh", nil
	})
	if err != nil || hit || v != "fresh" {
		t.Fatalf("GetOrFill = %v, %v, %v", v, hit, err)
	}
	if c.Len() != 0 {
		t.Fatal("GetOrFill must leave storing to the fill")
	}
	if s := c.Stats(); s.Hits != 0 || s.Misses != 1 {
		t.Fatalf("hits=%d misses=%d, want 0 and 1", s.Hits, s.Misses)
	}

	c.Set("rooms", "cached")
	v, hit, _ = c.GetOrFill(context.Background(), "rooms", func(ctx context.Context) (any, error) {
		t.Fatal("fill should not run on a hit")
		return nil, nil
	})
	if !hit || v != "cached" {
		t.Fatalf("GetOrFill = %v, %v", v, hit)
	}
}

func TestForgetDetachesLaterCallers(t *testing.T) {
	r, err := NewRegistry(nil, nil, Profile{Name: Collections, Capacity: 10})
	if err != nil {
		t.Fatal(err)
	}
	c := r.MustGet(Collections)
	release := make(chan struct{})
	first := make(chan any, 1)
	go func() {
		v, _, _ := c.GetOrFill(context.Background(), "rooms", func(ctx context.Context) (any, error) {
			<-release
			return "before", nil
		})
		first <- v
	}()
	deadline := time.Now().Add(time.Second)
	for r.InFlight() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("fill never started")
		}
		time.Sleep(time.Millisecond)
	}

	c.Forget("rooms")
	v, _, err := c.GetOrFill(context.Background(), "rooms", func(ctx context.Context) (any, error) {
		return "after", nil
	})
	if err != nil || v != "after" {
		t.Fatalf("caller after Forget got %v, %v", v, err)
	}
	close(release)
	if v := <-first; v != "before" {
		t.Fatalf("running fill returned %v", v)
	}
}

func TestSweepRemovesUnaccessedExpiredEntries(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(clock, 10)
	c.Set("a", 1, WithTTL(time.Second))
	c.Set("b", 2, WithTTL(time.Hour))
	clock.Advance(2 * time.Second)
	if n := c.Sweep(); n != 1 {
		t.Fatalf("Sweep() = %d", n)
	}
	if c.Len() != 1 {
		t.Fatalf("Len() = %d", c.Len())
	}
}

func TestStartSweeperStopsOnClose(t *testing.T) {
	c := New(Config{Name: "sweeper-test", DefaultTTL: 10 * time.Millisecond})
	c.Set("a", 1)
	c.StartSweeper(context.Background(), 5*time.Millisecond)
	defer c.Close()

	deadline := time.Now().Add(time.Second)
	for c.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("sweeper never removed the expired entry")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRegistryIsolatesInstances(t *testing.T) {
	clock := newFakeClock()
	r, err := NewRegistry(clock.Now, nil,
		Profile{Name: Aggregates, DefaultTTL: 30 * time.Second, Capacity: 1},
		Profile{Name: Reference, DefaultTTL: time.Hour, Capacity: 1},
	)
	if err != nil {
		t.Fatal(err)
	}
	agg := r.MustGet(Aggregates)
	ref := r.MustGet(Reference)
	agg.Set("a", 1, WithTags("rooms"))
	ref.Set("a", 2, WithTags("rooms"))
	agg.Set("b", 3) // evicts only within aggregates

	if _, ok := ref.Get("a"); !ok {
		t.Fatal("reference instance affected by aggregates eviction")
	}
	clock.Advance(time.Minute)
	if _, ok := agg.Get("b"); ok {
		t.Fatal("aggregates ttl not applied")
	}
	if _, ok := ref.Get("a"); !ok {
		t.Fatal("reference ttl should outlive a minute")
	}
	if n := r.InvalidateByTag("rooms"); n != 1 {
		t.Fatalf("registry InvalidateByTag = %d", n)
	}
	if got := r.Stats(); len(got) != 2 || got[0].Name != Aggregates {
		t.Fatalf("Stats() = %+v", got)
	}

	if _, err := NewRegistry(nil, nil, Profile{Name: "x"}, Profile{Name: "x"}); err == nil {
		t.Fatal("duplicate profile should fail")
	}
}
