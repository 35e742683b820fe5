package dedup

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestEventCacheAcceptsKeyOnce(t *testing.T) {
	c := NewEventCache(100)
	if !c.Observe("task", "msg-1", "RecognitionCompleted") {
		t.Fatalf("first delivery should be new")
	}
	if c.Observe("task", "msg-1", "RecognitionCompleted") {
		t.Fatalf("second delivery should be a no-op")
	}
	if !c.Observe("task", "msg-1", "TaskFailed") {
		t.Fatalf("different event name is a different key")
	}
}

func TestEventCacheBoundedFIFO(t *testing.T) {
	c := NewEventCache(100)
	for i := 0; i < 101; i++ {
		c.Observe("task", fmt.Sprintf("m%d", i), "SentenceEnd")
		if c.Len() > 100 {
			t.Fatalf("cache grew to %d after %d inserts", c.Len(), i+1)
		}
	}
	if c.Len() != 100 {
		t.Fatalf("len = %d, want 100", c.Len())
	}
	if c.Contains("task", "m0", "SentenceEnd") {
		t.Fatalf("oldest key should have been evicted")
	}
	if !c.Contains("task", "m1", "SentenceEnd") || !c.Contains("task", "m100", "SentenceEnd") {
		t.Fatalf("newer keys should remain")
	}
	// The evicted key is accepted again and pushes out the next oldest.
	if !c.Observe("task", "m0", "SentenceEnd") {
		t.Fatalf("evicted key should be accepted again")
	}
	if c.Contains("task", "m1", "SentenceEnd") {
		t.Fatalf("m1 should be evicted next")
	}
}

func TestEventCacheZeroCapacityUsesDefault(t *testing.T) {
	c := NewEventCache(0)
	for i := 0; i < 250; i++ {
		c.Observe("t", fmt.Sprint(i), "x")
	}
	if c.Len() != DefaultEventCapacity {
		t.Fatalf("len = %d", c.Len())
	}
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint(6400, 16000, 400*time.Millisecond)
	b := Fingerprint(6400, 16000, 400*time.Millisecond+200*time.Microsecond)
	if a != b {
		t.Fatalf("sub-millisecond difference should collide: %s vs %s", a, b)
	}
	if a == Fingerprint(6401, 16000, 400*time.Millisecond) {
		t.Fatalf("different sample count should not collide")
	}
}

func TestGuardSuppressesInFlightAndRecent(t *testing.T) {
	g := NewGuard(150 * time.Millisecond)
	fp := Fingerprint(100, 16000, time.Second)

	if !g.Acquire(fp) {
		t.Fatalf("first acquire should succeed")
	}
	if g.Acquire(fp) {
		t.Fatalf("in-flight duplicate should be refused")
	}
	g.Complete(fp)
	if g.InFlight(fp) {
		t.Fatalf("complete should leave the in-flight set at once")
	}
	if g.Acquire(fp) {
		t.Fatalf("duplicate inside the window should be refused")
	}
	time.Sleep(300 * time.Millisecond)
	if g.Recent(fp) {
		t.Fatalf("entry should expire after the window")
	}
	if !g.Acquire(fp) {
		t.Fatalf("acquire after the window should succeed")
	}
}

func TestGuardReleaseAllowsRetry(t *testing.T) {
	g := NewGuard(time.Minute)
	fp := "x"
	g.Acquire(fp)
	g.Release(fp)
	if g.InFlight(fp) || g.Recent(fp) {
		t.Fatalf("release should clear both sets")
	}
	if !g.Acquire(fp) {
		t.Fatalf("retry after release should succeed")
	}
}

func TestGuardConcurrentAcquire(t *testing.T) {
	g := NewGuard(time.Minute)
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.Acquire("same") {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("acquired %d times, want 1", wins.Load())
	}
}
