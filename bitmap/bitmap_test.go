package bitmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wayne70211/wayne-fs/cache"
	"github.com/wayne70211/wayne-fs/disk"
)

func newTestBitmap(t *testing.T, count uint64) (*cache.Cache, *Bitmap) {
	d := disk.NewMemDisk(64, 4)
	c := cache.New(d)
	return c, New(c, 0, 2, count, 64)
}

func TestAllocFindsFirstFreeBit(t *testing.T) {
	_, bm := newTestBitmap(t, 20)

	i0, bno0, err := bm.Alloc()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), i0)
	assert.Equal(t, uint64(0), bno0)

	i1, _, err := bm.Alloc()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), i1)

	used, err := bm.Test(0)
	require.NoError(t, err)
	assert.True(t, used)
}

func TestFreeThenReallocReusesIndex(t *testing.T) {
	_, bm := newTestBitmap(t, 8)

	idx, _, err := bm.Alloc()
	require.NoError(t, err)

	_, err = bm.Free(idx)
	require.NoError(t, err)

	free, err := bm.Test(idx)
	require.NoError(t, err)
	assert.False(t, free)

	again, _, err := bm.Alloc()
	require.NoError(t, err)
	assert.Equal(t, idx, again, "the freed bit is the lowest free index and must be reused")
}

func TestAllocExhaustionReturnsNoSpace(t *testing.T) {
	_, bm := newTestBitmap(t, 3)

	for i := 0; i < 3; i++ {
		_, _, err := bm.Alloc()
		require.NoError(t, err)
	}
	_, _, err := bm.Alloc()
	assert.Error(t, err)
}

func TestReserveMarksBitWithoutScanning(t *testing.T) {
	_, bm := newTestBitmap(t, 8)

	_, err := bm.Reserve(0)
	require.NoError(t, err)

	used, err := bm.Test(0)
	require.NoError(t, err)
	assert.True(t, used)

	idx, _, err := bm.Alloc()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), idx, "reserved bit 0 must be skipped by the scan")
}

func TestCountFreeAfterMixedAllocations(t *testing.T) {
	_, bm := newTestBitmap(t, 10)
	for i := 0; i < 4; i++ {
		_, _, err := bm.Alloc()
		require.NoError(t, err)
	}
	_, err := bm.Free(1)
	require.NoError(t, err)

	free, err := bm.CountFree()
	require.NoError(t, err)
	assert.Equal(t, uint64(7), free)
}
