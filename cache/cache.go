package cache

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IvanBrykalov/blockcache/internal/mem"
	"github.com/IvanBrykalov/blockcache/internal/singleflight"
	"github.com/IvanBrykalov/blockcache/internal/util"
)

// blockCache composes the block allocator, the partition table and the
// entry accessor into the public cache operations.
type blockCache[K comparable, V any] struct {
	opt Options[K, V]

	blockSize      int
	capacity       int64
	tableSize      int
	totalBlocks    int64
	cleanupTrigger float64

	region     *mem.Region
	free       *freeBlocks
	partitions *partitionTable
	entries    *entryAccess

	closed      atomic.Bool
	cleanupBusy atomic.Bool // at most one cleanup pass at a time
	stop        chan struct{}
	wg          sync.WaitGroup

	statsEnabled atomic.Bool

	// ---- hot counters (separate cache lines to avoid false sharing) ----
	_              util.CacheLinePad
	hits           util.PaddedAtomicInt64
	misses         util.PaddedAtomicInt64
	loadSuccess    util.PaddedAtomicInt64
	loadExceptions util.PaddedAtomicInt64
	totalLoadTime  util.PaddedAtomicInt64 // nanoseconds
	evictions      util.PaddedAtomicInt64

	// singleflight group for coalescing concurrent loads in GetOrLoad.
	sf singleflight.Group[K, V]

	logger *slog.Logger
}

// New validates and normalizes the options, maps the backing region and
// returns a ready cache. The region is a single allocation covering the
// partition table and the block pool.
func New[K comparable, V any](opt Options[K, V]) (Cache[K, V], error) {
	n, err := checkOptions(&opt)
	if err != nil {
		return nil, err
	}

	tableBytes := partitionTableBytes(n.tableSize)
	region, err := mem.Alloc(n.capacity + tableBytes)
	if err != nil {
		return nil, err
	}

	poolBase := uint64(tableBytes)
	free := newFreeBlocks(region, poolBase, poolBase+uint64(n.capacity), uint64(n.blockSize))
	partitions := newPartitionTable(region, n.tableSize)
	entries := newEntryAccess(region, n.blockSize, free, partitions, n.warnTrig, opt.Logger)

	c := &blockCache[K, V]{
		opt:            opt,
		blockSize:      n.blockSize,
		capacity:       n.capacity,
		tableSize:      n.tableSize,
		totalBlocks:    n.totalBlks,
		cleanupTrigger: opt.CleanupTrigger,
		region:         region,
		free:           free,
		partitions:     partitions,
		entries:        entries,
		logger:         opt.Logger,
	}
	c.statsEnabled.Store(opt.StatisticsEnabled)

	if opt.CleanupCheckInterval > 0 {
		c.stop = make(chan struct{})
		c.wg.Add(1)
		go c.cleanupLoop(opt.CleanupCheckInterval)
	}

	opt.Logger.Info("initialized off-heap cache",
		"capacity", n.capacity, "hash_table_size", n.tableSize, "block_size", n.blockSize)
	return c, nil
}

// ---- untyped operations ----

// PutBytes inserts or replaces the entry for key.
func (c *blockCache[K, V]) PutBytes(hash uint32, key BytesSource, value BytesSource, oldSink BytesSink) (PutResult, error) {
	if c.closed.Load() {
		return PutNoSpace, ErrClosed
	}
	if key == nil || key.Size() < 1 {
		return PutNoSpace, ErrNilKey
	}
	if value == nil {
		return PutNoSpace, ErrNilValue
	}

	// Allocate and fill the new entry outside the partition lock so the
	// lock is held no longer than necessary.
	newAdr := c.entries.createNewEntryChain(hash, key, value, -1)
	if newAdr == 0 {
		return PutNoSpace, nil
	}
	return c.putInternal(hash, key, oldSink, newAdr)
}

func (c *blockCache[K, V]) putInternal(hash uint32, key BytesSource, oldSink BytesSink, newAdr uint64) (PutResult, error) {
	partAdr := c.partitions.lockForHash(hash)

	oldAdr := c.entries.findHashEntry(partAdr, hash, key)
	if oldAdr != 0 {
		c.entries.removeFromLRU(partAdr, oldAdr)
	}
	c.entries.addAsLRUHead(partAdr, newAdr)
	// Lock the replaced entry before the partition is released so its
	// blocks cannot be freed under a reader. There is no matching unlock:
	// the entry is about to be destroyed.
	c.entries.lockEntry(oldAdr)

	c.partitions.unlock(partAdr)

	if oldAdr == 0 {
		return PutAdd, nil
	}

	var err error
	if oldSink != nil {
		err = c.entries.writeValueToSink(oldAdr, oldSink)
	}
	c.free.freeChain(oldAdr)
	if err != nil {
		return PutReplace, fmt.Errorf("cache: streaming replaced value: %w", err)
	}
	return PutReplace, nil
}

// GetBytes streams the value for key into sink.
func (c *blockCache[K, V]) GetBytes(hash uint32, key BytesSource, sink BytesSink) (bool, error) {
	if c.closed.Load() {
		return false, ErrClosed
	}
	if key == nil || key.Size() < 1 {
		return false, ErrNilKey
	}
	if sink == nil {
		return false, ErrNilSink
	}

	adr := c.getInternal(hash, key)
	if adr == 0 {
		return false, nil
	}

	// The value transfer happens outside the partition lock; the entry
	// lock alone keeps the chain alive.
	err := c.entries.writeValueToSink(adr, sink)
	c.entries.unlockEntry(adr)
	if err != nil {
		return true, fmt.Errorf("cache: streaming value: %w", err)
	}
	return true, nil
}

// getInternal locates the entry, promotes it and hands it to the caller
// with the entry lock held.
func (c *blockCache[K, V]) getInternal(hash uint32, key BytesSource) uint64 {
	partAdr := c.partitions.lockForHash(hash)
	adr := c.entries.findHashEntry(partAdr, hash, key)
	if adr != 0 {
		c.entries.updateLRU(partAdr, adr)
		// Take the entry lock while still under the partition lock: a
		// remover cannot free the chain until this reader is done.
		c.entries.lockEntry(adr)
	}
	c.partitions.unlock(partAdr)

	if c.statsEnabled.Load() {
		if adr == 0 {
			c.misses.Add(1)
		} else {
			c.hits.Add(1)
		}
	}
	if adr == 0 {
		c.opt.Metrics.Miss()
	} else {
		c.opt.Metrics.Hit()
	}
	return adr
}

// RemoveBytes deletes the entry for key.
func (c *blockCache[K, V]) RemoveBytes(hash uint32, key BytesSource) (bool, error) {
	if c.closed.Load() {
		return false, ErrClosed
	}
	if key == nil || key.Size() < 1 {
		return false, ErrNilKey
	}

	partAdr := c.partitions.lockForHash(hash)
	adr := c.entries.findHashEntry(partAdr, hash, key)
	if adr == 0 {
		c.partitions.unlock(partAdr)
		return false, nil
	}
	c.entries.removeFromLRU(partAdr, adr)
	// Lock before freeing; never unlocked (entry destruction).
	c.entries.lockEntry(adr)
	c.partitions.unlock(partAdr)

	c.free.freeChain(adr)
	return true, nil
}

// ---- typed operations ----

// keySource serializes k and wraps it as a BytesSource.
func (c *blockCache[K, V]) keySource(k K) (*ByteArraySource, error) {
	if c.opt.KeySerializer == nil {
		return nil, ErrNoKeySerializer
	}
	size := c.opt.KeySerializer.SerializedSize(k)
	if size < 1 {
		return nil, ErrNilKey
	}
	var buf bytes.Buffer
	buf.Grow(size)
	if err := c.opt.KeySerializer.Serialize(k, &buf); err != nil {
		return nil, fmt.Errorf("cache: serialize key: %w", err)
	}
	return NewByteArraySource(buf.Bytes()), nil
}

// Put stores k→v. On allocation failure the entry is silently dropped.
func (c *blockCache[K, V]) Put(k K, v V) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if c.opt.ValueSerializer == nil {
		return ErrNoValueSerializer
	}
	ks, err := c.keySource(k)
	if err != nil {
		return err
	}

	valueLen := c.opt.ValueSerializer.SerializedSize(v)
	if valueLen < 0 {
		return fmt.Errorf("cache: negative serialized value size %d", valueLen)
	}

	// Allocate with the value region reserved, then stream the serializer
	// output into it (deferred value write). Still outside any lock.
	adr := c.entries.createNewEntryChain(ks.HashCode(), ks, nil, valueLen)
	if adr == 0 {
		return nil
	}
	if err := c.entries.valueToEntry(adr, func(w io.Writer) error {
		return c.opt.ValueSerializer.Serialize(v, w)
	}); err != nil {
		// The chain is owned by this goroutine only; free deterministically.
		c.free.freeChain(adr)
		return fmt.Errorf("cache: serialize value: %w", err)
	}

	_, err = c.putInternal(ks.HashCode(), ks, nil, adr)
	return err
}

// Get returns the value for k and a presence flag.
func (c *blockCache[K, V]) Get(k K) (V, bool, error) {
	var zero V
	if c.closed.Load() {
		return zero, false, ErrClosed
	}
	if c.opt.ValueSerializer == nil {
		return zero, false, ErrNoValueSerializer
	}
	ks, err := c.keySource(k)
	if err != nil {
		return zero, false, err
	}

	adr := c.getInternal(ks.HashCode(), ks)
	if adr == 0 {
		return zero, false, nil
	}
	v, err := c.opt.ValueSerializer.Deserialize(c.entries.valueReader(adr))
	c.entries.unlockEntry(adr)
	if err != nil {
		return zero, false, fmt.Errorf("cache: deserialize value: %w", err)
	}
	return v, true, nil
}

// Remove deletes k if present.
func (c *blockCache[K, V]) Remove(k K) (bool, error) {
	if c.closed.Load() {
		return false, ErrClosed
	}
	ks, err := c.keySource(k)
	if err != nil {
		return false, err
	}
	return c.RemoveBytes(ks.HashCode(), ks)
}

// GetOrLoad returns the value for k, loading it via Options.Loader on a
// miss and coalescing concurrent loads for the same key.
func (c *blockCache[K, V]) GetOrLoad(ctx context.Context, k K) (V, error) {
	var zero V
	if c.closed.Load() {
		return zero, ErrClosed
	}

	// fast path
	if v, ok, err := c.Get(k); err != nil {
		return zero, err
	} else if ok {
		return v, nil
	}
	if c.opt.Loader == nil {
		return zero, ErrNoLoader
	}

	return c.sf.Do(ctx, k, func() (V, error) {
		// double-check after flight join
		if v, ok, err := c.Get(k); err != nil {
			return zero, err
		} else if ok {
			return v, nil
		}

		start := time.Now()
		v, err := c.opt.Loader(ctx, k)
		if c.statsEnabled.Load() {
			c.totalLoadTime.Add(int64(time.Since(start)))
			if err != nil {
				c.loadExceptions.Add(1)
			} else {
				c.loadSuccess.Add(1)
			}
		}
		if err != nil {
			return zero, err
		}
		if err := c.Put(k, v); err != nil {
			return v, err
		}
		return v, nil
	})
}

// PutAll stores every pair of m.
func (c *blockCache[K, V]) PutAll(m map[K]V) error {
	for k, v := range m {
		if err := c.Put(k, v); err != nil {
			return err
		}
	}
	return nil
}

// GetAllPresent returns the present subset of keys.
func (c *blockCache[K, V]) GetAllPresent(keys []K) (map[K]V, error) {
	out := make(map[K]V, len(keys))
	for _, k := range keys {
		v, ok, err := c.Get(k)
		if err != nil {
			return nil, err
		}
		if ok {
			out[k] = v
		}
	}
	return out, nil
}

// HotN iterates up to n keys from the hot end of the partition LRU lists.
func (c *blockCache[K, V]) HotN(n int) iter.Seq2[K, error] {
	return func(yield func(K, error) bool) {
		if c.closed.Load() || n <= 0 {
			return
		}
		if c.opt.KeySerializer == nil {
			var zero K
			yield(zero, ErrNoKeySerializer)
			return
		}

		perPartition := n/c.tableSize + 1
		yielded := 0
		for p := 0; p < c.tableSize && yielded < n; p++ {
			// Copy key bytes under the partition lock; deserialize outside.
			var keys [][]byte
			c.entries.hotN(p, perPartition, func(adr uint64) {
				keys = append(keys, c.entries.copyKey(adr))
			})
			for _, kb := range keys {
				if yielded == n {
					break
				}
				k, err := c.opt.KeySerializer.Deserialize(bytes.NewReader(kb))
				if !yield(k, err) {
					return
				}
				yielded++
			}
		}
	}
}

// ---- cleanup / eviction ----

func (c *blockCache[K, V]) cleanupLoop(interval time.Duration) {
	defer c.wg.Done()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-t.C:
			c.Cleanup()
		}
	}
}

// Cleanup evicts cold entries from every partition until the free-space
// fraction is back at the trigger. At most one pass runs at a time.
func (c *blockCache[K, V]) Cleanup() {
	if c.closed.Load() {
		return
	}
	if !c.cleanupBusy.CompareAndSwap(false, true) {
		return
	}
	defer c.cleanupBusy.Store(false)

	freeCount := c.free.calcFreeBlockCount()
	frac := float64(freeCount) / float64(c.totalBlocks)
	if frac > c.cleanupTrigger {
		return
	}

	entries := c.Size()
	if entries == 0 {
		return
	}

	blocksPerEntry := float64(c.totalBlocks-freeCount) / float64(entries)
	expectedFree := int64(c.cleanupTrigger * float64(c.totalBlocks))
	toRemove := int64(float64(expectedFree-freeCount) * blocksPerEntry)
	perPartition := toRemove / int64(c.tableSize)
	if perPartition < 1 {
		perPartition = 1
	}

	c.logger.Info("cleanup starting",
		"free_fraction", frac, "entries", entries,
		"blocks_per_entry", blocksPerEntry, "entries_to_remove", toRemove)

	var blocksFreed, entriesRemoved int64
	for h := 0; h < c.tableSize; h++ {
		var startAt uint64

		partAdr := c.partitions.lockIndex(h)

		// Locate the tail; there is no stored tail pointer.
		var last uint64
		head := c.partitions.lruHead(partAdr)
		for adr := head; adr != 0; adr = c.entries.lruNext(adr) {
			last = adr
		}
		if last == 0 {
			c.partitions.unlock(partAdr)
			continue
		}

		// Walk back from the tail to the pivot in front of the suffix that
		// will be evicted.
		var firstBefore uint64
		adr := c.entries.lruPrev(last)
		for i := int64(0); i < perPartition; i++ {
			if adr == 0 {
				break
			}
			firstBefore = adr
			adr = c.entries.lruPrev(adr)
		}

		if firstBefore == 0 {
			// Suffix is the whole list.
			startAt = head
			c.partitions.setLRUHead(partAdr, 0)
		} else {
			startAt = c.entries.lruNext(firstBefore)
			c.entries.setLRUNext(firstBefore, 0)
			c.entries.setLRUPrev(startAt, 0)
		}

		// The suffix is unlinked as one unit; the partition stays
		// well-formed for everyone else.
		c.partitions.unlock(partAdr)

		for adr := startAt; adr != 0; {
			next := c.entries.lruNext(adr)
			c.entries.lockEntry(adr)
			blocksFreed += int64(c.free.freeChain(adr))
			// lock intentionally never released: the entry is gone
			adr = next
			entriesRemoved++
		}
	}

	if c.statsEnabled.Load() {
		c.evictions.Add(entriesRemoved)
	}
	c.opt.Metrics.Evict(entriesRemoved)
	c.opt.Metrics.Size(entries-entriesRemoved, c.MemUsed())

	c.logger.Info("cleanup finished",
		"entries_removed", entriesRemoved, "blocks_recycled", blocksFreed)
}

// InvalidateAll removes every entry and returns all blocks to the pool.
func (c *blockCache[K, V]) InvalidateAll() {
	if c.closed.Load() {
		return
	}
	removed := c.entries.removeAll()
	c.opt.Metrics.Size(0, c.MemUsed())
	c.logger.Info("invalidated all entries", "entries_removed", removed)
}

// ---- sizing and diagnostics ----

// Size counts resident entries under each partition lock in turn.
func (c *blockCache[K, V]) Size() int64 {
	var sz int64
	for p := 0; p < c.tableSize; p++ {
		partAdr := c.partitions.lockIndex(p)
		for adr := c.partitions.lruHead(partAdr); adr != 0; adr = c.entries.lruNext(adr) {
			sz++
		}
		c.partitions.unlock(partAdr)
	}
	return sz
}

func (c *blockCache[K, V]) Capacity() int64 { return c.capacity }

func (c *blockCache[K, V]) BlockSize() int { return c.blockSize }

func (c *blockCache[K, V]) HashTableSize() int { return c.tableSize }

// MemUsed returns capacity minus the bytes sitting in free blocks.
func (c *blockCache[K, V]) MemUsed() int64 {
	return c.capacity - c.free.calcFreeBlockCount()*int64(c.blockSize)
}

// FreeSpaceFraction returns free blocks / total blocks.
func (c *blockCache[K, V]) FreeSpaceFraction() float64 {
	return float64(c.free.calcFreeBlockCount()) / float64(c.totalBlocks)
}

func (c *blockCache[K, V]) FreeBlockSpins() uint64 { return c.free.freeBlockSpins() }

func (c *blockCache[K, V]) PartitionLockSpins() uint64 { return c.partitions.lockPartitionSpins() }

func (c *blockCache[K, V]) StatisticsEnabled() bool { return c.statsEnabled.Load() }

func (c *blockCache[K, V]) SetStatisticsEnabled(enabled bool) { c.statsEnabled.Store(enabled) }

// Stats returns a snapshot of the counters.
func (c *blockCache[K, V]) Stats() Stats {
	return Stats{
		HitCount:           c.hits.Load(),
		MissCount:          c.misses.Load(),
		LoadSuccessCount:   c.loadSuccess.Load(),
		LoadExceptionCount: c.loadExceptions.Load(),
		TotalLoadTime:      time.Duration(c.totalLoadTime.Load()),
		EvictionCount:      c.evictions.Load(),
	}
}

// ExtendedStats returns Stats plus allocator and LRU diagnostics.
func (c *blockCache[K, V]) ExtendedStats() ExtendedStats {
	return ExtendedStats{
		Stats:          c.Stats(),
		FreeBlockCount: c.free.calcFreeBlockCount(),
		LRUListLengths: c.entries.calcLRUListLengths(),
		Size:           c.Size(),
		BlockSize:      c.blockSize,
		Capacity:       c.capacity,
	}
}

// Close stops the cleanup scheduler, marks the cache closed and releases
// the backing region. Operations already past their closed check may still
// touch the region; callers must quiesce before Close if that matters.
func (c *blockCache[K, V]) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if c.stop != nil {
		close(c.stop)
		c.wg.Wait()
	}
	return c.region.Release()
}
