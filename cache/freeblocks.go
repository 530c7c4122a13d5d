package cache

import (
	"runtime"

	"github.com/IvanBrykalov/blockcache/internal/mem"
	"github.com/IvanBrykalov/blockcache/internal/util"
)

// blockNextSize is the chain link at the start of every block; the
// remaining blockSize-8 bytes of a block carry entry payload.
const blockNextSize = 8

// spinYield is how many failed CAS attempts a spin loop tolerates before
// yielding the processor. Without the yield a spinner can starve the lock
// holder on a single-P scheduler.
const spinYield = 64

// freeBlocks is the block-granular allocator over the pool range of the
// backing region. Free blocks form a lock-free LIFO stack threaded through
// their own next pointers; top is the only mutable allocator state.
//
// ABA on the stack top is benign here: blocks only ever return to this one
// stack, and a pusher rewrites the block's next pointer before the CAS
// publishes it.
type freeBlocks struct {
	region    *mem.Region
	blockSize uint64
	poolBase  uint64
	poolEnd   uint64

	_     util.CacheLinePad
	top   util.PaddedAtomicUint64 // head of the free stack; 0 = empty
	spins util.PaddedAtomicUint64 // cumulative CAS retries on pop
}

// newFreeBlocks stitches the pool [base, end) into the free stack. The pool
// bounds must be multiples of blockSize apart.
func newFreeBlocks(region *mem.Region, base, end, blockSize uint64) *freeBlocks {
	f := &freeBlocks{
		region:    region,
		blockSize: blockSize,
		poolBase:  base,
		poolEnd:   end,
	}
	// Link every block to its successor; the last block terminates the
	// stack. No other goroutine can see the region yet.
	for adr := base; adr < end; adr += blockSize {
		next := adr + blockSize
		if next >= end {
			next = 0
		}
		region.PutUint64(adr, next)
	}
	f.top.Store(base)
	return f
}

// pop removes the top block from the free stack, or returns 0 if the pool
// is exhausted.
func (f *freeBlocks) pop() uint64 {
	for retries := 0; ; retries++ {
		top := f.top.Load()
		if top == 0 {
			return 0
		}
		next := f.region.LoadUint64(top)
		if f.top.CompareAndSwap(top, next) {
			return top
		}
		f.spins.Add(1)
		if retries%spinYield == spinYield-1 {
			runtime.Gosched()
		}
	}
}

// push returns a block to the free stack. The block's next pointer is
// rewritten to the current top before the CAS publishes it.
func (f *freeBlocks) push(adr uint64) {
	for retries := 0; ; retries++ {
		top := f.top.Load()
		f.region.StoreUint64(adr, top)
		if f.top.CompareAndSwap(top, adr) {
			return
		}
		if retries%spinYield == spinYield-1 {
			runtime.Gosched()
		}
	}
}

// usableBlockBytes is the payload capacity of one block.
func (f *freeBlocks) usableBlockBytes() uint64 {
	return f.blockSize - blockNextSize
}

// allocateChain pops enough blocks for totalBytes of payload and links
// them. Returns the chain head, or 0 if the pool cannot satisfy the
// request; a partial allocation is pushed back before returning 0.
func (f *freeBlocks) allocateChain(totalBytes uint64) uint64 {
	usable := f.usableBlockBytes()
	n := (totalBytes + usable - 1) / usable
	if n == 0 {
		n = 1
	}

	var head, tail uint64
	for i := uint64(0); i < n; i++ {
		adr := f.pop()
		if adr == 0 {
			if head != 0 {
				f.freeChain(head)
			}
			return 0
		}
		f.region.PutUint64(adr, 0)
		if head == 0 {
			head = adr
		} else {
			f.region.PutUint64(tail, adr)
		}
		tail = adr
	}
	return head
}

// freeChain walks the chain from head and pushes every block back onto the
// free stack. Returns the number of blocks recycled.
func (f *freeBlocks) freeChain(head uint64) int {
	n := 0
	for adr := head; adr != 0; {
		next := f.region.Uint64(adr)
		f.push(adr)
		adr = next
		n++
	}
	return n
}

// calcFreeBlockCount walks the free stack and counts it. The walk races
// with concurrent pops and pushes, so the result is approximate; the
// iteration bound keeps a torn traversal from looping forever.
func (f *freeBlocks) calcFreeBlockCount() int64 {
	limit := int64((f.poolEnd - f.poolBase) / f.blockSize)
	var n int64
	for adr := f.top.Load(); adr != 0 && n < limit; adr = f.region.LoadUint64(adr) {
		n++
	}
	return n
}

// freeBlockSpins returns the cumulative CAS retry count on pop.
func (f *freeBlocks) freeBlockSpins() uint64 {
	return f.spins.Load()
}
