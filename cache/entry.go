package cache

import (
	"bytes"
	"io"
	"log/slog"
	"runtime"
	"sync/atomic"

	"github.com/IvanBrykalov/blockcache/internal/mem"
)

// Entry header layout. The header occupies the first 40 bytes of the first
// block of a chain; serialized key bytes follow immediately, then value
// bytes, flowing across chained blocks.
const (
	entryOffNextBlock = 0  // uint64, chain link (shared with plain blocks)
	entryOffLRUNext   = 8  // uint64, next entry in partition LRU
	entryOffLRUPrev   = 16 // uint64, previous entry in partition LRU
	entryOffHash      = 24 // uint32, caller-supplied key hash
	entryOffLock      = 28 // uint32, 0 = unlocked, 1 = locked
	entryOffKeyLen    = 32 // uint32
	entryOffValueLen  = 36 // uint32

	entryHeaderSize = 40
)

// sourceChunk bounds how much of a BytesSource is pulled per Slice call
// while streaming into a chain.
const sourceChunk = 4096

// entryAccess owns the entry encoding and the LRU list maintenance within
// an already-locked partition.
type entryAccess struct {
	region     *mem.Region
	blockSize  int
	free       *freeBlocks
	partitions *partitionTable

	warnTrigger int
	warned      atomic.Bool
	logger      *slog.Logger
}

func newEntryAccess(region *mem.Region, blockSize int, free *freeBlocks, partitions *partitionTable, warnTrigger int, logger *slog.Logger) *entryAccess {
	return &entryAccess{
		region:      region,
		blockSize:   blockSize,
		free:        free,
		partitions:  partitions,
		warnTrigger: warnTrigger,
		logger:      logger,
	}
}

// ---- header accessors (entry or partition lock required) ----

func (e *entryAccess) entryHash(adr uint64) uint32 {
	return e.region.Uint32(adr + entryOffHash)
}

func (e *entryAccess) keyLen(adr uint64) int {
	return int(e.region.Uint32(adr + entryOffKeyLen))
}

func (e *entryAccess) valueLen(adr uint64) int {
	return int(e.region.Uint32(adr + entryOffValueLen))
}

func (e *entryAccess) lruNext(adr uint64) uint64 {
	return e.region.Uint64(adr + entryOffLRUNext)
}

func (e *entryAccess) lruPrev(adr uint64) uint64 {
	return e.region.Uint64(adr + entryOffLRUPrev)
}

func (e *entryAccess) setLRUNext(adr, next uint64) {
	e.region.PutUint64(adr+entryOffLRUNext, next)
}

func (e *entryAccess) setLRUPrev(adr, prev uint64) {
	e.region.PutUint64(adr+entryOffLRUPrev, prev)
}

// ---- per-entry lock ----

// lockEntry spins until the entry lock is acquired. The entry lock is a
// reader-handoff lock: a reader holds it while copying the value out, and a
// destroyer acquires it before freeing the chain and never releases it
// (once the blocks are back in the pool the entry no longer exists).
// A zero address is a no-op so callers can lock an optional old entry
// unconditionally.
func (e *entryAccess) lockEntry(adr uint64) {
	if adr == 0 {
		return
	}
	for retries := 0; ; retries++ {
		if e.region.CasUint32(adr+entryOffLock, 0, 1) {
			return
		}
		if retries%spinYield == spinYield-1 {
			runtime.Gosched()
		}
	}
}

// unlockEntry releases an entry lock taken for reading.
func (e *entryAccess) unlockEntry(adr uint64) {
	if adr == 0 {
		return
	}
	e.region.StoreUint32(adr+entryOffLock, 0)
}

// ---- entry creation ----

// createNewEntryChain allocates a chain for the entry and fills the header
// and key bytes. If value is non-nil its bytes are streamed in too;
// otherwise valueLen reserves space for a deferred value write. Requires no
// locks. Returns 0 on allocation failure.
func (e *entryAccess) createNewEntryChain(hash uint32, key BytesSource, value BytesSource, valueLen int) uint64 {
	kl := key.Size()
	vl := valueLen
	if value != nil {
		vl = value.Size()
	}
	total := uint64(entryHeaderSize-blockNextSize) + uint64(kl) + uint64(vl)

	adr := e.free.allocateChain(total)
	if adr == 0 {
		return 0
	}

	e.region.PutUint64(adr+entryOffLRUNext, 0)
	e.region.PutUint64(adr+entryOffLRUPrev, 0)
	e.region.PutUint32(adr+entryOffHash, hash)
	e.region.PutUint32(adr+entryOffLock, 0)
	e.region.PutUint32(adr+entryOffKeyLen, uint32(kl))
	e.region.PutUint32(adr+entryOffValueLen, uint32(vl))

	w := e.dataWriter(adr, 0)
	if err := streamSource(w, key); err != nil {
		e.free.freeChain(adr)
		return 0
	}
	if value != nil {
		if err := streamSource(w, value); err != nil {
			e.free.freeChain(adr)
			return 0
		}
	}
	return adr
}

// streamSource copies a BytesSource into w in bounded chunks.
func streamSource(w io.Writer, src BytesSource) error {
	size := src.Size()
	for off := 0; off < size; {
		n := size - off
		if n > sourceChunk {
			n = sourceChunk
		}
		if _, err := w.Write(src.Slice(off, n)); err != nil {
			return err
		}
		off += n
	}
	return nil
}

// ---- lookup ----

// findHashEntry walks the partition's LRU list looking for hash+key.
// Requires the partition lock. Returns the first match or 0.
func (e *entryAccess) findHashEntry(partAdr uint64, hash uint32, key BytesSource) uint64 {
	kl := key.Size()
	length := 0
	for adr := e.partitions.lruHead(partAdr); adr != 0; adr = e.lruNext(adr) {
		if e.entryHash(adr) == hash && e.keyLen(adr) == kl && e.compareKey(adr, key) {
			return adr
		}
		length++
	}
	// A full walk (a miss, or the lookup before an insert) over an
	// oversized list is the signal that the hash table is too small.
	if length > e.warnTrigger && e.warned.CompareAndSwap(false, true) {
		e.logger.Warn("partition LRU list exceeds warn trigger; consider a larger hash table",
			"length", length, "trigger", e.warnTrigger)
	}
	return 0
}

// compareKey streams a byte-for-byte comparison of the entry's key against
// the caller's source. hash and length already matched.
func (e *entryAccess) compareKey(adr uint64, key BytesSource) bool {
	equal := true
	e.forEachSegment(adr, 0, e.keyLen(adr), func(rel int, seg []byte) error {
		if !bytes.Equal(seg, key.Slice(rel, len(seg))) {
			equal = false
			return io.EOF // stop the walk
		}
		return nil
	})
	return equal
}

// ---- LRU list operations (partition lock required) ----

// addAsLRUHead links the entry in front of the partition's list.
func (e *entryAccess) addAsLRUHead(partAdr, adr uint64) {
	head := e.partitions.lruHead(partAdr)
	e.setLRUPrev(adr, 0)
	e.setLRUNext(adr, head)
	if head != 0 {
		e.setLRUPrev(head, adr)
	}
	e.partitions.setLRUHead(partAdr, adr)
}

// removeFromLRU splices the entry out of the partition's list.
func (e *entryAccess) removeFromLRU(partAdr, adr uint64) {
	prev := e.lruPrev(adr)
	next := e.lruNext(adr)
	if prev != 0 {
		e.setLRUNext(prev, next)
	}
	if next != 0 {
		e.setLRUPrev(next, prev)
	}
	if e.partitions.lruHead(partAdr) == adr {
		e.partitions.setLRUHead(partAdr, next)
	}
	e.setLRUNext(adr, 0)
	e.setLRUPrev(adr, 0)
}

// updateLRU promotes the entry to the head (access promotion).
func (e *entryAccess) updateLRU(partAdr, adr uint64) {
	if e.partitions.lruHead(partAdr) == adr {
		return
	}
	e.removeFromLRU(partAdr, adr)
	e.addAsLRUHead(partAdr, adr)
}

// ---- payload access ----

// seekData resolves a logical payload offset (0 = first key byte) to a
// block address and in-block offset.
func (e *entryAccess) seekData(adr uint64, logical int) (uint64, int) {
	first := e.blockSize - entryHeaderSize
	if logical < first {
		return adr, entryHeaderSize + logical
	}
	logical -= first
	block := e.region.Uint64(adr + entryOffNextBlock)
	per := e.blockSize - blockNextSize
	for logical >= per && block != 0 {
		logical -= per
		block = e.region.Uint64(block)
	}
	return block, blockNextSize + logical
}

// forEachSegment invokes fn for every contiguous payload segment in the
// logical range [start, start+length). rel is the offset relative to start.
// fn may stop the walk by returning a non-nil error, which is passed
// through (io.EOF is swallowed).
func (e *entryAccess) forEachSegment(adr uint64, start, length int, fn func(rel int, seg []byte) error) error {
	block, off := e.seekData(adr, start)
	rel := 0
	for rel < length && block != 0 {
		n := e.blockSize - off
		if n > length-rel {
			n = length - rel
		}
		if err := fn(rel, e.region.Bytes(block+uint64(off), n)); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		rel += n
		block = e.region.Uint64(block + entryOffNextBlock)
		off = blockNextSize
	}
	return nil
}

// writeValueToSink streams the entry's value into sink. Callable with only
// the entry lock held.
func (e *entryAccess) writeValueToSink(adr uint64, sink BytesSink) error {
	return e.forEachSegment(adr, e.keyLen(adr), e.valueLen(adr), func(rel int, seg []byte) error {
		return sink.PutBytes(rel, seg)
	})
}

// valueToEntry runs the deferred value write: serialize streams exactly the
// reserved value length into the pre-allocated chain.
func (e *entryAccess) valueToEntry(adr uint64, serialize func(w io.Writer) error) error {
	return serialize(e.dataWriter(adr, e.keyLen(adr)))
}

// keyReader exposes the entry's key bytes as an io.Reader.
func (e *entryAccess) keyReader(adr uint64) io.Reader {
	return e.dataReader(adr, 0, e.keyLen(adr))
}

// valueReader exposes the entry's value bytes as an io.Reader. Callable
// with only the entry lock held.
func (e *entryAccess) valueReader(adr uint64) io.Reader {
	return e.dataReader(adr, e.keyLen(adr), e.valueLen(adr))
}

// copyKey returns a heap copy of the entry's key bytes.
func (e *entryAccess) copyKey(adr uint64) []byte {
	out := make([]byte, e.keyLen(adr))
	e.forEachSegment(adr, 0, len(out), func(rel int, seg []byte) error {
		copy(out[rel:], seg)
		return nil
	})
	return out
}

// ---- chain I/O ----

type chainWriter struct {
	e     *entryAccess
	block uint64
	off   int
}

// dataWriter returns a writer positioned at the given logical payload
// offset of the entry.
func (e *entryAccess) dataWriter(adr uint64, logical int) *chainWriter {
	block, off := e.seekData(adr, logical)
	return &chainWriter{e: e, block: block, off: off}
}

func (w *chainWriter) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		if w.block == 0 {
			return written, io.ErrShortWrite
		}
		if w.off == w.e.blockSize {
			w.block = w.e.region.Uint64(w.block + entryOffNextBlock)
			w.off = blockNextSize
			continue
		}
		n := w.e.blockSize - w.off
		if n > len(p) {
			n = len(p)
		}
		copy(w.e.region.Bytes(w.block+uint64(w.off), n), p[:n])
		w.off += n
		written += n
		p = p[n:]
	}
	return written, nil
}

type chainReader struct {
	e         *entryAccess
	block     uint64
	off       int
	remaining int
}

// dataReader returns a reader over the logical payload range
// [start, start+length).
func (e *entryAccess) dataReader(adr uint64, start, length int) *chainReader {
	block, off := e.seekData(adr, start)
	return &chainReader{e: e, block: block, off: off, remaining: length}
}

func (r *chainReader) Read(p []byte) (int, error) {
	if r.remaining == 0 {
		return 0, io.EOF
	}
	read := 0
	for len(p) > 0 && r.remaining > 0 {
		if r.block == 0 {
			return read, io.ErrUnexpectedEOF
		}
		if r.off == r.e.blockSize {
			r.block = r.e.region.Uint64(r.block + entryOffNextBlock)
			r.off = blockNextSize
			continue
		}
		n := r.e.blockSize - r.off
		if n > len(p) {
			n = len(p)
		}
		if n > r.remaining {
			n = r.remaining
		}
		copy(p[:n], r.e.region.Bytes(r.block+uint64(r.off), n))
		r.off += n
		r.remaining -= n
		read += n
		p = p[n:]
	}
	return read, nil
}

// ---- diagnostics and bulk operations ----

// hotN reports up to n entries from the hot end of partition part via fn,
// holding the partition lock for the duration. fn must not retain the
// address past its return.
func (e *entryAccess) hotN(part, n int, fn func(adr uint64)) {
	partAdr := e.partitions.lockIndex(part)
	defer e.partitions.unlock(partAdr)

	i := 0
	for adr := e.partitions.lruHead(partAdr); adr != 0 && i < n; adr = e.lruNext(adr) {
		fn(adr)
		i++
	}
}

// calcLRUListLengths counts every partition's list under its lock.
func (e *entryAccess) calcLRUListLengths() []int {
	lengths := make([]int, e.partitions.count)
	for p := range lengths {
		partAdr := e.partitions.lockIndex(p)
		for adr := e.partitions.lruHead(partAdr); adr != 0; adr = e.lruNext(adr) {
			lengths[p]++
		}
		e.partitions.unlock(partAdr)
	}
	return lengths
}

// removeAll detaches every partition's list and frees all entries.
// Returns the number of entries removed.
func (e *entryAccess) removeAll() int64 {
	var removed int64
	for p := 0; p < e.partitions.count; p++ {
		partAdr := e.partitions.lockIndex(p)
		head := e.partitions.lruHead(partAdr)
		e.partitions.setLRUHead(partAdr, 0)
		e.partitions.unlock(partAdr)

		for adr := head; adr != 0; {
			next := e.lruNext(adr)
			e.lockEntry(adr)
			e.free.freeChain(adr)
			// entry destroyed, lock intentionally never released
			adr = next
			removed++
		}
	}
	return removed
}
