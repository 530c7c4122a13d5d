// Package cache provides an off-heap, block-allocated key/value cache with
// bounded capacity, approximate LRU eviction per hash partition, and safe
// concurrent access from many goroutines.
//
// # Design
//
//   - Storage: the cache owns one contiguous anonymous memory mapping sized
//     to capacity + hash-table bytes. The mapping is invisible to the
//     garbage collector, so caching millions of entries adds nothing to GC
//     scan work. The leading bytes hold a fixed array of partition slots;
//     the trailing bytes are a pool of fixed-size blocks stitched together
//     by a lock-free free list.
//
//   - Entries: one entry occupies a singly-linked chain of blocks. The
//     first block carries a 40-byte header (chain link, LRU links, hash,
//     lock word, key/value lengths); serialized key and value bytes flow
//     across the chained blocks. All references are byte offsets into the
//     region, never Go pointers, which sidesteps ownership cycles in the
//     doubly-linked LRU lists entirely.
//
//   - Concurrency: each partition has a short-held spinlock guarding its
//     LRU list and lookups. Each entry has a hand-off spinlock: readers
//     hold it while copying the value out, and a remover acquires it
//     before freeing the chain and never releases it. Value transfer and
//     user serializers always run outside the partition locks.
//
//   - Eviction: a cleanup pass runs when the free-block fraction drops to
//     the configured trigger, either on a background interval or by an
//     explicit Cleanup call. It detaches a cold suffix of every
//     partition's LRU list as one unit and recycles the chains.
//
//   - Typed access: Put/Get/Remove go through Serializer implementations
//     from Options; PutBytes/GetBytes/RemoveBytes work on raw hashes and
//     byte streams and need no serializers.
//
//   - GetOrLoad: coalesces concurrent loads for the same key using
//     singleflight. If Loader is nil, GetOrLoad returns ErrNoLoader.
//
//   - Metrics: Options.Metrics receives Hit/Miss/Evict/Size signals.
//     By default NoopMetrics is used; plug the Prometheus adapter from
//     metrics/prom to export them.
//
// # Basic usage
//
//	c, err := cache.New[string, []byte](cache.Options[string, []byte]{
//	    Capacity:        256 << 20, // 256 MiB off-heap
//	    KeySerializer:   cache.StringSerializer{},
//	    ValueSerializer: cache.BytesSerializer{},
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer c.Close()
//
//	_ = c.Put("a", []byte("1"))
//	if v, ok, _ := c.Get("a"); ok {
//	    _ = v // use value
//	}
//	c.Remove("a")
//
// # Untyped usage
//
//	key := cache.NewByteArraySource([]byte("k"))
//	val := cache.NewByteArraySource([]byte("v"))
//	res, _ := c.PutBytes(key.HashCode(), key, val, nil)
//	// res == cache.PutAdd
//
//	var sink cache.ByteArraySink
//	found, _ := c.GetBytes(key.HashCode(), key, &sink)
//	// found == true, sink.Bytes() == []byte("v")
//
// # Triggered eviction
//
//	c, err := cache.New[string, []byte](cache.Options[string, []byte]{
//	    Capacity:             1 << 30,
//	    CleanupTrigger:       0.25, // keep >= 25% of blocks free
//	    CleanupCheckInterval: time.Second,
//	})
//
// # Caveats
//
// Size and ExtendedStats walk every partition under its lock; treat them
// as diagnostics. Close is best-effort: it does not drain operations that
// already passed their closed check, so quiesce writers and readers first
// if the process keeps running.
package cache
