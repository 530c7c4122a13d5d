// Package mem manages the off-heap backing region of the cache.
//
// The region is one contiguous anonymous memory mapping obtained directly
// from the kernel. It is invisible to the Go garbage collector: nothing in
// it is scanned, and entries stored in it never contribute to GC pause
// times. All addressing is done with byte offsets relative to the region
// start; callers reserve offset 0 as the nil address.
package mem

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Region is an anonymous, private, read-write memory mapping.
type Region struct {
	data []byte
}

// Alloc maps size bytes of zeroed anonymous memory.
func Alloc(size int64) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("mem: invalid region size %d", size)
	}
	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mem: mmap %d bytes: %w", size, err)
	}
	return &Region{data: data}, nil
}

// Release unmaps the region. The region must not be touched afterwards.
func (r *Region) Release() error {
	if r.data == nil {
		return nil
	}
	data := r.data
	r.data = nil
	if err := unix.Munmap(data); err != nil {
		return fmt.Errorf("mem: munmap: %w", err)
	}
	return nil
}

// Size returns the mapped size in bytes.
func (r *Region) Size() int64 { return int64(len(r.data)) }

// Bytes returns the subslice [off, off+n). The caller must hold whatever
// lock guards that range for the lifetime of the slice.
func (r *Region) Bytes(off uint64, n int) []byte {
	return r.data[off : off+uint64(n) : off+uint64(n)]
}

func (r *Region) ptr32(off uint64) *uint32 {
	return (*uint32)(unsafe.Pointer(&r.data[off]))
}

func (r *Region) ptr64(off uint64) *uint64 {
	return (*uint64)(unsafe.Pointer(&r.data[off]))
}

// Plain accessors. Valid only while the lock guarding the range is held;
// the lock's acquire/release edges order them against other goroutines.

func (r *Region) Uint32(off uint64) uint32       { return *r.ptr32(off) }
func (r *Region) PutUint32(off uint64, v uint32) { *r.ptr32(off) = v }
func (r *Region) Uint64(off uint64) uint64       { return *r.ptr64(off) }
func (r *Region) PutUint64(off uint64, v uint64) { *r.ptr64(off) = v }

// Atomic accessors for lock words and free-list links. Offsets must be
// naturally aligned; the mapping itself is page aligned, so alignment is
// entirely determined by the caller's layout.

func (r *Region) LoadUint32(off uint64) uint32 {
	return atomic.LoadUint32(r.ptr32(off))
}

func (r *Region) StoreUint32(off uint64, v uint32) {
	atomic.StoreUint32(r.ptr32(off), v)
}

func (r *Region) CasUint32(off uint64, old, new uint32) bool {
	return atomic.CompareAndSwapUint32(r.ptr32(off), old, new)
}

func (r *Region) LoadUint64(off uint64) uint64 {
	return atomic.LoadUint64(r.ptr64(off))
}

func (r *Region) StoreUint64(off uint64, v uint64) {
	atomic.StoreUint64(r.ptr64(off), v)
}

func (r *Region) CasUint64(off uint64, old, new uint64) bool {
	return atomic.CompareAndSwapUint64(r.ptr64(off), old, new)
}
