package cache

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/IvanBrykalov/blockcache/internal/mem"
)

// newTestPool maps a small region and stitches blocks of blockSize into a
// free stack. The pool starts past offset 0 so block addresses never
// collide with the nil sentinel.
func newTestPool(t *testing.T, blockSize, blocks int) (*freeBlocks, *mem.Region) {
	t.Helper()
	base := uint64(partitionTableBytes(MinHashTableSize))
	region, err := mem.Alloc(int64(base) + int64(blockSize*blocks))
	require.NoError(t, err)
	t.Cleanup(func() { _ = region.Release() })
	f := newFreeBlocks(region, base, base+uint64(blockSize*blocks), uint64(blockSize))
	return f, region
}

func TestFreeBlocks_InitialCount(t *testing.T) {
	t.Parallel()

	f, _ := newTestPool(t, 512, 64)
	require.EqualValues(t, 64, f.calcFreeBlockCount())
}

func TestFreeBlocks_AllocateAndFreeChain(t *testing.T) {
	t.Parallel()

	f, region := newTestPool(t, 512, 64)

	// 3 blocks of payload: total > 2*(512-8), <= 3*(512-8).
	head := f.allocateChain(2*504 + 1)
	require.NotZero(t, head)
	require.EqualValues(t, 61, f.calcFreeBlockCount())

	// Chain must be three linked blocks terminated by zero.
	n := 0
	for adr := head; adr != 0; adr = region.Uint64(adr) {
		n++
	}
	require.Equal(t, 3, n)

	require.Equal(t, 3, f.freeChain(head))
	require.EqualValues(t, 64, f.calcFreeBlockCount())
}

func TestFreeBlocks_ZeroBytesStillTakesABlock(t *testing.T) {
	t.Parallel()

	f, _ := newTestPool(t, 512, 8)
	head := f.allocateChain(0)
	require.NotZero(t, head)
	require.EqualValues(t, 7, f.calcFreeBlockCount())
}

func TestFreeBlocks_ExhaustionReturnsPartialAllocation(t *testing.T) {
	t.Parallel()

	f, _ := newTestPool(t, 512, 4)

	// Take three of four blocks.
	head := f.allocateChain(3 * 504)
	require.NotZero(t, head)
	require.EqualValues(t, 1, f.calcFreeBlockCount())

	// A two-block request cannot be satisfied; the one popped block must
	// come back.
	require.Zero(t, f.allocateChain(2 * 504))
	require.EqualValues(t, 1, f.calcFreeBlockCount())

	// The last block is still allocatable.
	last := f.allocateChain(1)
	require.NotZero(t, last)
	require.Zero(t, f.allocateChain(1))

	f.freeChain(head)
	f.freeChain(last)
	require.EqualValues(t, 4, f.calcFreeBlockCount())
}

// Hammer pop/push from many goroutines; every block must end up back on
// the stack exactly once.
func TestFreeBlocks_ConcurrentChurn(t *testing.T) {
	t.Parallel()

	const blocks = 256
	f, _ := newTestPool(t, 512, blocks)

	var g errgroup.Group
	for w := 0; w < 8; w++ {
		g.Go(func() error {
			for i := 0; i < 5_000; i++ {
				if adr := f.pop(); adr != 0 {
					f.push(adr)
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.EqualValues(t, blocks, f.calcFreeBlockCount())
}
