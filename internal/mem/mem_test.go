package mem

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegion_AllocAndRelease(t *testing.T) {
	t.Parallel()

	r, err := Alloc(1 << 16)
	require.NoError(t, err)
	require.EqualValues(t, 1<<16, r.Size())

	// Fresh mappings are zeroed.
	require.Zero(t, r.Uint64(0))
	require.Zero(t, r.Uint64(uint64(r.Size()-8)))

	require.NoError(t, r.Release())
	require.NoError(t, r.Release(), "double release must be a no-op")

	_, err = Alloc(0)
	require.Error(t, err)
	_, err = Alloc(-1)
	require.Error(t, err)
}

func TestRegion_PlainAccess(t *testing.T) {
	t.Parallel()

	r, err := Alloc(4096)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Release() })

	r.PutUint32(16, 0xDEADBEEF)
	require.Equal(t, uint32(0xDEADBEEF), r.Uint32(16))

	r.PutUint64(24, 0x0123456789ABCDEF)
	require.Equal(t, uint64(0x0123456789ABCDEF), r.Uint64(24))

	copy(r.Bytes(100, 5), "hello")
	require.Equal(t, []byte("hello"), r.Bytes(100, 5))

	// Bytes subslices must not allow appends to bleed past their range.
	b := r.Bytes(200, 4)
	require.Equal(t, 4, cap(b))
}

func TestRegion_AtomicAccess(t *testing.T) {
	t.Parallel()

	r, err := Alloc(4096)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Release() })

	require.True(t, r.CasUint32(8, 0, 1))
	require.False(t, r.CasUint32(8, 0, 2), "CAS with stale old value must fail")
	require.Equal(t, uint32(1), r.LoadUint32(8))
	r.StoreUint32(8, 0)
	require.Zero(t, r.LoadUint32(8))

	require.True(t, r.CasUint64(16, 0, 42))
	require.Equal(t, uint64(42), r.LoadUint64(16))
	r.StoreUint64(16, 7)
	require.Equal(t, uint64(7), r.LoadUint64(16))
}
