package cache

import (
	"fmt"

	"github.com/IvanBrykalov/blockcache/internal/util"
)

// BytesSource exposes serialized bytes to the engine with random access.
// The engine reads a source several times (once to fill the new chain and
// again for each key comparison during lookup), so implementations must be
// stable for the duration of the call that receives them.
type BytesSource interface {
	// Size returns the total number of bytes.
	Size() int
	// HashCode returns a stable hash of the bytes. The engine maps it to a
	// partition with hash & (partitions-1).
	HashCode() uint32
	// Slice returns the bytes in [off, off+n). The returned slice is only
	// valid until the next Slice call and must not be modified.
	Slice(off, n int) []byte
}

// BytesSink receives value bytes from the engine. PutBytes is called with
// strictly increasing offsets covering the entry's full value length.
type BytesSink interface {
	PutBytes(off int, b []byte) error
}

// ByteArraySource is a BytesSource over an in-memory byte slice.
// The hash is computed lazily and cached.
type ByteArraySource struct {
	b      []byte
	hash   uint32
	hashed bool
}

// NewByteArraySource wraps b without copying. The caller must not modify b
// while the source is in use.
func NewByteArraySource(b []byte) *ByteArraySource {
	return &ByteArraySource{b: b}
}

// Size returns len(b).
func (s *ByteArraySource) Size() int { return len(s.b) }

// HashCode returns the engine hash of the wrapped bytes.
func (s *ByteArraySource) HashCode() uint32 {
	if !s.hashed {
		s.hash = util.Hash32(s.b)
		s.hashed = true
	}
	return s.hash
}

// Slice returns the subslice [off, off+n).
func (s *ByteArraySource) Slice(off, n int) []byte { return s.b[off : off+n] }

// ByteArraySink is a BytesSink collecting into a growable in-memory buffer.
// The zero value is ready to use.
type ByteArraySink struct {
	b []byte
}

// PutBytes copies p into the buffer at off, growing it as needed.
func (s *ByteArraySink) PutBytes(off int, p []byte) error {
	if off < 0 {
		return fmt.Errorf("cache: negative sink offset %d", off)
	}
	if need := off + len(p); need > len(s.b) {
		if need <= cap(s.b) {
			s.b = s.b[:need]
		} else {
			grown := make([]byte, need)
			copy(grown, s.b)
			s.b = grown
		}
	}
	copy(s.b[off:], p)
	return nil
}

// Bytes returns the collected bytes. The slice aliases the sink's buffer.
func (s *ByteArraySink) Bytes() []byte { return s.b }

// Reset forgets the collected bytes but keeps the buffer for reuse.
func (s *ByteArraySink) Reset() { s.b = s.b[:0] }
