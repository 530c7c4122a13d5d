package cache

import (
	"runtime"

	"github.com/IvanBrykalov/blockcache/internal/mem"
	"github.com/IvanBrykalov/blockcache/internal/util"
)

// Partition slot layout. Each slot is 16 bytes at the head of the backing
// region: a 4-byte lock word, 4 bytes of padding, and the 8-byte address of
// the partition's LRU head.
const (
	partitionSlotSize   = 16
	partitionOffLock    = 0
	partitionOffLRUHead = 8
)

// partitionTable addresses the fixed array of partition slots. Partition
// locks are non-reentrant spinlocks held for O(list length) at most and
// never across user callbacks.
type partitionTable struct {
	region *mem.Region
	count  int // power of two

	_     util.CacheLinePad
	spins util.PaddedAtomicUint64 // cumulative CAS retries on lock
}

// partitionTableBytes returns the region bytes needed for count slots.
func partitionTableBytes(count int) int64 {
	return int64(count) * partitionSlotSize
}

func newPartitionTable(region *mem.Region, count int) *partitionTable {
	return &partitionTable{region: region, count: count}
}

// slotForHash maps a hash to its partition slot address.
func (t *partitionTable) slotForHash(hash uint32) uint64 {
	return uint64(int(hash)&(t.count-1)) * partitionSlotSize
}

// lockForHash locks the partition owning hash and returns its slot address.
func (t *partitionTable) lockForHash(hash uint32) uint64 {
	adr := t.slotForHash(hash)
	t.lockSlot(adr)
	return adr
}

// lockIndex locks partition i directly (cleanup and size iterate by index).
func (t *partitionTable) lockIndex(i int) uint64 {
	adr := uint64(i) * partitionSlotSize
	t.lockSlot(adr)
	return adr
}

func (t *partitionTable) lockSlot(adr uint64) {
	for retries := 0; ; retries++ {
		if t.region.CasUint32(adr+partitionOffLock, 0, 1) {
			return
		}
		t.spins.Add(1)
		if retries%spinYield == spinYield-1 {
			runtime.Gosched()
		}
	}
}

// unlock releases the partition. The store is the release edge pairing
// with the next successful CAS.
func (t *partitionTable) unlock(adr uint64) {
	t.region.StoreUint32(adr+partitionOffLock, 0)
}

// lruHead reads the partition's LRU head. Valid only while the partition
// is locked.
func (t *partitionTable) lruHead(adr uint64) uint64 {
	return t.region.Uint64(adr + partitionOffLRUHead)
}

// setLRUHead writes the partition's LRU head. Valid only while the
// partition is locked.
func (t *partitionTable) setLRUHead(adr uint64, head uint64) {
	t.region.PutUint64(adr+partitionOffLRUHead, head)
}

// lockPartitionSpins returns the cumulative CAS retry count.
func (t *partitionTable) lockPartitionSpins() uint64 {
	return t.spins.Load()
}
