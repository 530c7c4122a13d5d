package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/IvanBrykalov/blockcache/internal/util"
)

// Bounds enforced at construction. Values outside them are rejected;
// in-range values that are not powers of two are rounded up with a warning.
const (
	MinBlockSize     = 512
	MaxBlockSize     = 262144
	MinHashTableSize = 32
	MaxHashTableSize = 4194304

	// MinCapacity is the smallest usable block pool.
	MinCapacity = 8 * 1024 * 1024
)

// Defaults applied when the corresponding Options field is zero.
const (
	DefaultBlockSize          = 2048
	DefaultLRUListWarnTrigger = 64
)

// Options configures the cache. Zero values get defaults in New; invalid
// combinations are rejected with an error before any memory is mapped.
type Options[K, V any] struct {
	// Capacity is the block pool size in bytes. It is rounded down to a
	// multiple of the block size and must end up >= MinCapacity.
	Capacity int64

	// BlockSize is the fixed allocation unit. Must be within
	// [MinBlockSize, MaxBlockSize]; rounded up to a power of two.
	// 0 means DefaultBlockSize.
	BlockSize int

	// HashTableSize is the partition count. Must be within
	// [MinHashTableSize, MaxHashTableSize]; rounded up to a power of two.
	// 0 means auto: block count / 16, clamped into the valid range.
	HashTableSize int

	// CleanupTrigger is the free-space fraction at or below which a cleanup
	// pass evicts cold entries, in [0, 1]. 0 disables triggered cleanup.
	CleanupTrigger float64

	// CleanupCheckInterval is the period of the background trigger check.
	// Must be > 0 exactly when CleanupTrigger > 0.
	CleanupCheckInterval time.Duration

	// LRUListWarnTrigger is the partition list length above which a single
	// warning is logged (an oversized list means the hash table is too
	// small for the entry count). Minimum 1; 0 means the default.
	LRUListWarnTrigger int

	// StatisticsEnabled records hit/miss/load/eviction counters when true.
	// Counter writes are elided when disabled.
	StatisticsEnabled bool

	// KeySerializer and ValueSerializer back the typed operations.
	// The untyped byte operations work without them.
	KeySerializer   Serializer[K]
	ValueSerializer Serializer[V]

	// Loader fetches a value on cache miss. Used by GetOrLoad.
	Loader func(ctx context.Context, k K) (V, error)

	// Metrics receives Hit/Miss/Evict/Size signals; nil means NoopMetrics.
	Metrics Metrics

	// Logger for construction, cleanup and diagnostics. Nil means
	// slog.Default().
	Logger *slog.Logger
}

// normalized carries the validated engine geometry out of checkOptions.
type normalized struct {
	blockSize int
	capacity  int64
	tableSize int
	warnTrig  int
	totalBlks int64
}

func checkOptions[K, V any](opt *Options[K, V]) (normalized, error) {
	var n normalized

	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	if opt.Metrics == nil {
		opt.Metrics = NoopMetrics{}
	}

	bs := opt.BlockSize
	if bs == 0 {
		bs = DefaultBlockSize
	}
	if bs < MinBlockSize || bs > MaxBlockSize {
		return n, fmt.Errorf("cache: block size %d outside [%d, %d]", bs, MinBlockSize, MaxBlockSize)
	}
	if norm := int(util.NextPow2In(uint64(bs), MinBlockSize, MaxBlockSize)); norm != bs {
		opt.Logger.Warn("rounded block size up to a power of two",
			"configured", bs, "effective", norm)
		bs = norm
	}
	n.blockSize = bs

	capBytes := opt.Capacity / int64(bs) * int64(bs)
	if capBytes < MinCapacity {
		return n, fmt.Errorf("cache: capacity %d below minimum %d", opt.Capacity, int64(MinCapacity))
	}
	if capBytes != opt.Capacity {
		opt.Logger.Warn("rounded capacity down to a multiple of the block size",
			"configured", opt.Capacity, "effective", capBytes)
	}
	n.capacity = capBytes
	n.totalBlks = capBytes / int64(bs)

	hts := opt.HashTableSize
	if hts > 0 {
		if hts < MinHashTableSize || hts > MaxHashTableSize {
			return n, fmt.Errorf("cache: hash table size %d outside [%d, %d]", hts, MinHashTableSize, MaxHashTableSize)
		}
		if norm := int(util.NextPow2In(uint64(hts), MinHashTableSize, MaxHashTableSize)); norm != hts {
			opt.Logger.Warn("rounded hash table size up to a power of two",
				"configured", hts, "effective", norm)
			hts = norm
		}
	} else {
		// Auto-size: one partition per 16 blocks keeps partition LRU lists
		// short under a full pool.
		hts = int(util.NextPow2In(uint64(n.totalBlks/16), MinHashTableSize, MaxHashTableSize))
	}
	n.tableSize = hts

	if opt.CleanupTrigger < 0 || opt.CleanupTrigger > 1 {
		return n, fmt.Errorf("cache: cleanup trigger %.2f outside [0, 1]", opt.CleanupTrigger)
	}
	if (opt.CleanupTrigger > 0) != (opt.CleanupCheckInterval > 0) {
		return n, fmt.Errorf("cache: incompatible settings: cleanup-check-interval %v vs cleanup-trigger %.2f",
			opt.CleanupCheckInterval, opt.CleanupTrigger)
	}

	n.warnTrig = opt.LRUListWarnTrigger
	if n.warnTrig == 0 {
		n.warnTrig = DefaultLRUListWarnTrigger
	}
	if n.warnTrig < 1 {
		n.warnTrig = 1
	}

	return n, nil
}
