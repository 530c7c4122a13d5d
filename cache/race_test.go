package cache

import (
	"bytes"
	"math/rand"
	"runtime"
	"strconv"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

// A mixed workload of concurrent Put/Get/Remove on random keys.
// Should pass under `-race` without detector reports.
func TestRace_MixedWorkload(t *testing.T) {
	c, err := New[string, []byte](Options[string, []byte]{
		Capacity:        16 << 20,
		BlockSize:       512,
		HashTableSize:   64,
		KeySerializer:   StringSerializer{},
		ValueSerializer: BytesSerializer{},
	})
	if err != nil {
		t.Fatal(err)
	}

	workers := 4 * runtime.GOMAXPROCS(0)
	keyspace := 10_000
	deadline := time.Now().Add(2 * time.Second)

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(id int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(id)*9973))
			for time.Now().Before(deadline) {
				k := "k:" + strconv.Itoa(r.Intn(keyspace))
				switch r.Intn(100) {
				case 0, 1, 2, 3, 4: // ~5% — Remove
					if _, err := c.Remove(k); err != nil {
						t.Error(err)
						return
					}
				case 5, 6, 7, 8, 9, 10, 11, 12, 13, 14: // ~10% — Put
					if err := c.Put(k, []byte("x:"+k)); err != nil {
						t.Error(err)
						return
					}
				default: // ~85% — Get
					if _, _, err := c.Get(k); err != nil {
						t.Error(err)
						return
					}
				}
			}
		}(w)
	}
	wg.Wait()

	// Quiesced: close is safe now.
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
}

// N parallel putters on disjoint keys must leave exactly the last-written
// value per key.
func TestRace_DisjointPutters(t *testing.T) {
	c, err := New[string, []byte](Options[string, []byte]{
		Capacity:        16 << 20,
		BlockSize:       512,
		KeySerializer:   StringSerializer{},
		ValueSerializer: BytesSerializer{},
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })

	const (
		putters    = 8
		iterations = 500
	)

	var g errgroup.Group
	for p := 0; p < putters; p++ {
		g.Go(func() error {
			key := "worker:" + strconv.Itoa(p)
			for i := 1; i <= iterations; i++ {
				if err := c.Put(key, []byte(strconv.Itoa(i))); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	want := strconv.Itoa(iterations)
	for p := 0; p < putters; p++ {
		v, ok, err := c.Get("worker:" + strconv.Itoa(p))
		if err != nil || !ok {
			t.Fatalf("worker %d: ok=%v err=%v", p, ok, err)
		}
		if string(v) != want {
			t.Fatalf("worker %d: want %q, got %q", p, want, v)
		}
	}
}

// Readers racing with cleanup must always observe byte-consistent values:
// every value is a run of one repeated letter, so a torn read across block
// boundaries would show mixed letters.
func TestRace_ReadersDuringEviction(t *testing.T) {
	c, err := New[string, []byte](Options[string, []byte]{
		Capacity:             16 << 20,
		BlockSize:            512,
		HashTableSize:        32,
		CleanupTrigger:       0.25,
		CleanupCheckInterval: time.Hour, // driven explicitly below
		KeySerializer:        StringSerializer{},
		ValueSerializer:      BytesSerializer{},
	})
	if err != nil {
		t.Fatal(err)
	}

	// 4000-byte values take 9 blocks each, so 4000 keys outgrow the
	// 32768-block pool and the free fraction falls to the trigger.
	uniform := func(letter byte) []byte { return bytes.Repeat([]byte{letter}, 4000) }

	deadline := time.Now().Add(2 * time.Second)
	var g errgroup.Group

	// Writers churn the pool so cleanup has work to do.
	for w := 0; w < 4; w++ {
		g.Go(func() error {
			r := rand.New(rand.NewSource(int64(w)*7919 + 1))
			for time.Now().Before(deadline) {
				k := "k:" + strconv.Itoa(r.Intn(4_000))
				if err := c.Put(k, uniform('a'+byte(r.Intn(26)))); err != nil {
					return err
				}
			}
			return nil
		})
	}

	// Readers verify uniformity of whatever they see.
	for w := 0; w < 4; w++ {
		g.Go(func() error {
			r := rand.New(rand.NewSource(int64(w)*104729 + 1))
			for time.Now().Before(deadline) {
				k := "k:" + strconv.Itoa(r.Intn(4_000))
				v, ok, err := c.Get(k)
				if err != nil {
					return err
				}
				if !ok {
					continue
				}
				for i := 1; i < len(v); i++ {
					if v[i] != v[0] {
						t.Errorf("torn value for %s at byte %d: %q vs %q", k, i, v[i], v[0])
						return nil
					}
				}
			}
			return nil
		})
	}

	// Periodic evictions in the middle of the churn.
	g.Go(func() error {
		for time.Now().Before(deadline) {
			c.Cleanup()
			time.Sleep(20 * time.Millisecond)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
}
