package cache

import (
	"strconv"
	"testing"
	"time"
)

// newCleanupCache builds a cache with triggered eviction enabled. The check
// interval is long so tests drive Cleanup explicitly.
func newCleanupCache(t *testing.T, capacity int64, trigger float64) Cache[string, []byte] {
	t.Helper()
	c, err := New[string, []byte](Options[string, []byte]{
		Capacity:             capacity,
		BlockSize:            512,
		HashTableSize:        32,
		CleanupTrigger:       trigger,
		CleanupCheckInterval: time.Hour,
		KeySerializer:        StringSerializer{},
		ValueSerializer:      BytesSerializer{},
		StatisticsEnabled:    true,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// Filling the pool to ~10% free and running one cleanup restores the free
// fraction to the 25% trigger (within the per-partition tolerance).
func TestCleanup_RestoresFreeFraction(t *testing.T) {
	t.Parallel()

	c := newCleanupCache(t, 16<<20, 0.25)
	impl := c.(*blockCache[string, []byte])

	// Single-block entries keep the blocks-per-entry estimate exact, so the
	// pass lands close to the trigger. 29500 of 32768 blocks used leaves
	// ~10% free.
	val := make([]byte, 300)
	for i := 0; i < 29_500; i++ {
		if err := c.Put("k:"+strconv.Itoa(i), val); err != nil {
			t.Fatal(err)
		}
	}

	before := c.FreeSpaceFraction()
	if before > 0.10 {
		t.Fatalf("setup: free fraction %.3f, want <= 0.10", before)
	}
	c.Cleanup()
	after := c.FreeSpaceFraction()

	if after < 0.24 {
		t.Fatalf("free fraction after cleanup: %.3f (was %.3f)", after, before)
	}
	if st := c.Stats(); st.EvictionCount == 0 {
		t.Fatalf("eviction counter must advance: %+v", st)
	}
	// One suffix per partition was detached; lists stay well-formed.
	for p, n := range impl.entries.calcLRUListLengths() {
		if n < 0 {
			t.Fatalf("partition %d negative length", p)
		}
	}
}

// Cleanup above the trigger is a no-op.
func TestCleanup_NoopAboveTrigger(t *testing.T) {
	t.Parallel()

	c := newCleanupCache(t, 8<<20, 0.25)

	if err := c.Put("only", []byte("v")); err != nil {
		t.Fatal(err)
	}
	sizeBefore := c.Size()
	c.Cleanup()

	if got := c.Size(); got != sizeBefore {
		t.Fatalf("cleanup must not evict above trigger: before=%d after=%d", sizeBefore, got)
	}
	if st := c.Stats(); st.EvictionCount != 0 {
		t.Fatalf("no evictions expected: %+v", st)
	}
}

// Eviction removes from the cold end: freshly promoted entries survive a
// cleanup that evicts a cold suffix of every partition.
func TestCleanup_EvictsColdEnd(t *testing.T) {
	t.Parallel()

	c := newCleanupCache(t, 16<<20, 0.25)

	val := make([]byte, 300)
	hot := make(map[string]bool)
	const i = 29_500
	for j := 0; j < i; j++ {
		if err := c.Put("k:"+strconv.Itoa(j), val); err != nil {
			t.Fatal(err)
		}
	}
	// Touch the most recent keys so they sit at their partitions' heads.
	for j := i - 64; j < i; j++ {
		k := "k:" + strconv.Itoa(j)
		if _, ok, err := c.Get(k); err != nil || !ok {
			t.Fatalf("warmup get %s: ok=%v err=%v", k, ok, err)
		}
		hot[k] = true
	}

	c.Cleanup()

	for k := range hot {
		if _, ok, err := c.Get(k); err != nil {
			t.Fatal(err)
		} else if !ok {
			t.Fatalf("hot key %q evicted", k)
		}
	}
}
