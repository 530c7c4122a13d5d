package cache

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStringSerializer_RoundTrip(t *testing.T) {
	t.Parallel()

	s := StringSerializer{}
	var buf bytes.Buffer
	require.Equal(t, 5, s.SerializedSize("hello"))
	require.NoError(t, s.Serialize("hello", &buf))
	got, err := s.Deserialize(&buf)
	require.NoError(t, err)
	require.Equal(t, "hello", got)
}

func TestJSONSerializer_RoundTrip(t *testing.T) {
	t.Parallel()

	type point struct {
		X, Y int
	}
	s := JSONSerializer[point]{}
	v := point{X: 3, Y: -7}

	var buf bytes.Buffer
	size := s.SerializedSize(v)
	require.Positive(t, size)
	require.NoError(t, s.Serialize(v, &buf))
	require.Equal(t, size, buf.Len(), "SerializedSize must match Serialize output")

	got, err := s.Deserialize(&buf)
	require.NoError(t, err)
	require.Equal(t, v, got)
}

func TestZstdSerializer_RoundTrip(t *testing.T) {
	t.Parallel()

	s, err := NewZstdSerializer()
	require.NoError(t, err)

	v := bytes.Repeat([]byte("compressible payload "), 1000)

	var buf bytes.Buffer
	size := s.SerializedSize(v)
	require.Positive(t, size)
	require.Less(t, size, len(v), "repetitive payload must compress")
	require.NoError(t, s.Serialize(v, &buf))
	require.Equal(t, size, buf.Len())

	got, err := s.Deserialize(&buf)
	require.NoError(t, err)
	require.Equal(t, v, got)
}

// A cache configured with the zstd value serializer stores fewer blocks
// for compressible values and still round-trips them.
func TestZstdSerializer_InCache(t *testing.T) {
	t.Parallel()

	zs, err := NewZstdSerializer()
	require.NoError(t, err)

	c, err := New[string, []byte](Options[string, []byte]{
		Capacity:        8 << 20,
		BlockSize:       512,
		KeySerializer:   StringSerializer{},
		ValueSerializer: zs,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	v := bytes.Repeat([]byte("abcdefgh"), 8192) // 64 KiB, highly compressible
	require.NoError(t, c.Put("big", v))
	require.Less(t, c.MemUsed(), int64(len(v)), "stored form must be smaller than the value")

	got, ok, err := c.Get("big")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, v, got)
}
