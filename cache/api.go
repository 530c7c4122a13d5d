package cache

import (
	"context"
	"errors"
	"iter"
)

// PutResult reports the outcome of an untyped put.
type PutResult int

const (
	// PutAdd — a new entry was inserted.
	PutAdd PutResult = iota
	// PutReplace — an existing entry with the same key was replaced.
	PutReplace
	// PutNoSpace — the allocator could not provide a chain; nothing changed.
	PutNoSpace
)

// String returns a stable label for logs and tests.
func (r PutResult) String() string {
	switch r {
	case PutAdd:
		return "add"
	case PutReplace:
		return "replace"
	case PutNoSpace:
		return "no-more-space"
	default:
		return "unknown"
	}
}

var (
	// ErrClosed is returned by operations on a closed cache.
	ErrClosed = errors.New("cache: already closed")
	// ErrNoLoader is returned by GetOrLoad when no Loader was configured in Options.
	ErrNoLoader = errors.New("cache: no Loader provided")
	// ErrNoKeySerializer is returned by typed operations without a key serializer.
	ErrNoKeySerializer = errors.New("cache: no KeySerializer configured")
	// ErrNoValueSerializer is returned by typed operations without a value serializer.
	ErrNoValueSerializer = errors.New("cache: no ValueSerializer configured")
	// ErrNilKey rejects a nil or empty key before any lock is taken.
	ErrNilKey = errors.New("cache: key must not be nil or empty")
	// ErrNilValue rejects a nil value source.
	ErrNilValue = errors.New("cache: value must not be nil")
	// ErrNilSink rejects a nil value sink.
	ErrNilSink = errors.New("cache: sink must not be nil")
	// ErrUnsupported marks bulk views that cannot be materialized safely.
	ErrUnsupported = errors.New("cache: unsupported operation")
)

// Cache is an off-heap, block-allocated key/value cache with bounded
// capacity and approximate per-partition LRU eviction. All methods are
// safe for concurrent use by multiple goroutines.
//
// The untyped operations deal in caller-supplied hashes and byte streams;
// the typed operations go through the configured serializers.
type Cache[K comparable, V any] interface {
	// PutBytes inserts or replaces the entry for key. If oldSink is non-nil
	// and an entry is replaced, the previous value is streamed into it.
	// Allocation failure is reported as PutNoSpace, not as an error.
	PutBytes(hash uint32, key BytesSource, value BytesSource, oldSink BytesSink) (PutResult, error)

	// GetBytes streams the value for key into sink and promotes the entry.
	// Returns false if the key is absent.
	GetBytes(hash uint32, key BytesSource, sink BytesSink) (bool, error)

	// RemoveBytes deletes the entry for key. Returns true if it existed.
	RemoveBytes(hash uint32, key BytesSource) (bool, error)

	// Put stores k→v through the serializers. On allocation failure the
	// entry is silently dropped.
	Put(k K, v V) error

	// Get returns the value for k and a presence flag.
	Get(k K) (V, bool, error)

	// Remove deletes k if present and returns true on success.
	Remove(k K) (bool, error)

	// GetOrLoad returns the value for k, loading it via Options.Loader on a
	// miss. Concurrent loads for the same key are coalesced (singleflight).
	// If no Loader was configured, returns ErrNoLoader.
	GetOrLoad(ctx context.Context, k K) (V, error)

	// PutAll stores every pair of m.
	PutAll(m map[K]V) error

	// GetAllPresent returns the present subset of keys.
	GetAllPresent(keys []K) (map[K]V, error)

	// HotN iterates up to n keys from the hot end of the partition LRU
	// lists. Key bytes are copied under the partition locks; deserialization
	// happens outside them, so a pair may carry a deserialization error.
	HotN(n int) iter.Seq2[K, error]

	// Size counts resident entries. It takes every partition lock in turn;
	// use it as a diagnostic, not on a hot path.
	Size() int64

	// Capacity returns the byte capacity of the block pool.
	Capacity() int64

	// MemUsed returns capacity minus the free block bytes.
	MemUsed() int64

	// FreeSpaceFraction returns free blocks / total blocks.
	FreeSpaceFraction() float64

	// Cleanup evicts cold entries until the free-space fraction reaches the
	// configured trigger. At most one cleanup runs at a time; re-entrant
	// calls return immediately.
	Cleanup()

	// InvalidateAll removes every entry and returns all blocks to the pool.
	InvalidateAll()

	// BlockSize returns the normalized block size in bytes.
	BlockSize() int

	// HashTableSize returns the normalized partition count.
	HashTableSize() int

	// Stats returns a snapshot of the cache counters.
	Stats() Stats

	// ExtendedStats returns Stats plus allocator and LRU diagnostics.
	ExtendedStats() ExtendedStats

	// StatisticsEnabled reports whether counters are being recorded.
	StatisticsEnabled() bool

	// SetStatisticsEnabled toggles counter recording at runtime.
	SetStatisticsEnabled(enabled bool)

	// FreeBlockSpins returns cumulative CAS retries in the block allocator.
	FreeBlockSpins() uint64

	// PartitionLockSpins returns cumulative CAS retries on partition locks.
	PartitionLockSpins() uint64

	// Close stops the cleanup scheduler, marks the cache closed and releases
	// the backing region. In-flight operations are not drained; see the
	// package documentation for the quiescence caveat.
	Close() error
}
