package cache

import (
	"math/rand"
	"strconv"
	"sync/atomic"
	"testing"
)

// benchmarkMix exercises a read/write mix against a warm cache.
// It uses parallel workers (RunParallel spawns GOMAXPROCS goroutines).
// String keys include strconv/concat costs and often allocate, which is
// fine for an end-to-end benchmark.
func benchmarkMix(b *testing.B, readsPct, valueSize int) {
	c, err := New[string, []byte](Options[string, []byte]{
		Capacity:        256 << 20,
		BlockSize:       2048,
		KeySerializer:   StringSerializer{},
		ValueSerializer: BytesSerializer{},
	})
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { _ = c.Close() })

	val := make([]byte, valueSize)
	keyMask := (1 << 16) - 1 // hot keyspace (power of two for fast &-mask)

	// Preload the hot keyspace to get a realistic hit-rate.
	for i := 0; i <= keyMask; i++ {
		if err := c.Put("k:"+strconv.Itoa(i), val); err != nil {
			b.Fatal(err)
		}
	}

	// Report per-op allocations for a rough idea where costs go.
	b.ReportAllocs()
	b.ResetTimer()

	var seed int64 = 1
	b.RunParallel(func(pb *testing.PB) {
		// Independent RNG stream for each worker.
		r := rand.New(rand.NewSource(atomic.AddInt64(&seed, 1)))
		i := 0
		for pb.Next() {
			k := "k:" + strconv.Itoa(i&keyMask)
			if r.Intn(100) < readsPct {
				if _, _, err := c.Get(k); err != nil {
					b.Fatal(err)
				}
			} else {
				if err := c.Put(k, val); err != nil {
					b.Fatal(err)
				}
			}
			i++
		}
	})
}

func BenchmarkCache_90r10w_256B(b *testing.B) { benchmarkMix(b, 90, 256) }
func BenchmarkCache_90r10w_4KiB(b *testing.B) { benchmarkMix(b, 90, 4096) }
func BenchmarkCache_50r50w_256B(b *testing.B) { benchmarkMix(b, 50, 256) }

// BenchmarkCache_BytesGet measures the untyped get path without serializer costs.
func BenchmarkCache_BytesGet(b *testing.B) {
	c, err := New[string, []byte](Options[string, []byte]{
		Capacity:  64 << 20,
		BlockSize: 2048,
	})
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { _ = c.Close() })

	key := NewByteArraySource([]byte("hot-key"))
	val := NewByteArraySource(make([]byte, 1024))
	if _, err := c.PutBytes(key.HashCode(), key, val, nil); err != nil {
		b.Fatal(err)
	}

	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		var sink ByteArraySink
		for pb.Next() {
			sink.Reset()
			if found, err := c.GetBytes(key.HashCode(), key, &sink); err != nil || !found {
				b.Fatal("miss on hot key")
			}
		}
	})
}
