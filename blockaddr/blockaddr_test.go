package blockaddr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wayne70211/wayne-fs/bitmap"
	"github.com/wayne70211/wayne-fs/cache"
	"github.com/wayne70211/wayne-fs/common"
	"github.com/wayne70211/wayne-fs/disk"
	"github.com/wayne70211/wayne-fs/inode"
)

const testBlockSize = 16 // P = 16/4 = 4 pointers per index block

func newTestAddressing(t *testing.T) (*cache.Cache, *bitmap.Bitmap, *Addressing) {
	d := disk.NewMemDisk(testBlockSize, 200)
	c := cache.New(d)
	bm := bitmap.New(c, 0, 2, 100, testBlockSize) // data bitmap occupies blocks [0,2)
	alloc := bitmap.NewDataAllocator(bm, 2)        // data region starts at block 2
	return c, bm, New(c, alloc, testBlockSize)
}

func TestMaxFileSizeFormula(t *testing.T) {
	_, _, a := newTestAddressing(t)
	// P=4: (10 + 4 + 16) * 16 = 480
	assert.Equal(t, uint64(480), a.MaxFileSize())
}

func TestResolveDirectBlockAllocatesLazily(t *testing.T) {
	_, _, a := newTestAddressing(t)
	ino := &inode.Inode{}

	bno, touched, err := a.Resolve(ino, 3, true)
	require.NoError(t, err)
	assert.NotZero(t, bno)
	assert.Equal(t, []uint64{0}, touched, "direct pointers live in the inode itself; only the data-bitmap block is touched")
	assert.Equal(t, uint32(bno), ino.Direct[3])
}

func TestResolveHoleWithoutAllocateReturnsNull(t *testing.T) {
	_, _, a := newTestAddressing(t)
	ino := &inode.Inode{}

	bno, _, err := a.Resolve(ino, 5, false)
	require.NoError(t, err)
	assert.Equal(t, common.NullBnum, bno)
}

func TestResolveSingleIndirectAllocatesIndexBlock(t *testing.T) {
	_, _, a := newTestAddressing(t)
	ino := &inode.Inode{}

	bno, touched, err := a.Resolve(ino, 10, true) // first single-indirect logical block
	require.NoError(t, err)
	assert.NotZero(t, bno)
	assert.NotZero(t, ino.Direct[common.IndirectSlot])
	assert.Contains(t, touched, uint64(ino.Direct[common.IndirectSlot]))
}

func TestResolveDoubleIndirectAllocatesBothLevels(t *testing.T) {
	_, _, a := newTestAddressing(t)
	ino := &inode.Inode{}

	l := uint64(common.NDirect) + a.p // first double-indirect logical block
	bno, touched, err := a.Resolve(ino, l, true)
	require.NoError(t, err)
	assert.NotZero(t, bno)
	assert.NotZero(t, ino.Direct[common.DIndirectSlot])
	assert.Len(t, touched, 3, "the data-bitmap block, the top-level and the level-1 index block are touched")
}

func TestResolveIsStableAcrossCalls(t *testing.T) {
	_, _, a := newTestAddressing(t)
	ino := &inode.Inode{}

	first, _, err := a.Resolve(ino, 10, true)
	require.NoError(t, err)
	second, _, err := a.Resolve(ino, 10, true)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestAllocZeroedBlockScrubsStaleContentOnReuse(t *testing.T) {
	c, _, a := newTestAddressing(t)

	touched := &touchSet{}
	bno, err := a.allocZeroedBlock(touched)
	require.NoError(t, err)
	buf, err := c.Get(bno)
	require.NoError(t, err)
	for i := range buf {
		buf[i] = 0xFF
	}
	c.Put(bno, buf)
	c.MarkDirty(bno)

	// Fill the rest of the 100-block region, then free the dirtied block
	// so it is the only free one and the next allocation lands on it.
	for i := 0; i < 99; i++ {
		_, _, err := a.alloc.Alloc()
		require.NoError(t, err)
	}
	_, err = a.alloc.Free(bno)
	require.NoError(t, err)

	reused, err := a.allocZeroedBlock(touched)
	require.NoError(t, err)
	require.Equal(t, bno, reused, "allocation should have landed back on the freed block")

	got, err := c.Get(reused)
	require.NoError(t, err)
	for i, b := range got {
		assert.Equal(t, byte(0), b, "byte %d of a reused block must start zeroed", i)
	}
}

// TestResolveStagesTheDataBitmapBlock guards against the data bitmap
// block being flipped in the cache and marked dirty but never handed
// back to the caller for journal staging: Resolve's allocation path
// must report the bitmap block alongside any index blocks it touches.
func TestResolveStagesTheDataBitmapBlock(t *testing.T) {
	_, _, a := newTestAddressing(t)
	ino := &inode.Inode{}

	// The data bitmap occupies blocks [0,2); on a fresh bitmap the
	// lowest free index is 0, whose bit lives in block 0.
	_, touched, err := a.Resolve(ino, 0, true)
	require.NoError(t, err)
	assert.Contains(t, touched, uint64(0), "the data-bitmap block must be staged, not just cached dirty")
}

// TestTruncateShrinkStagesTheDataBitmapBlock mirrors the above for the
// free path: TruncateTo must report the data-bitmap block it flips
// clear, not just the index blocks it rewrites.
func TestTruncateShrinkStagesTheDataBitmapBlock(t *testing.T) {
	_, _, a := newTestAddressing(t)
	ino := &inode.Inode{}
	_, _, err := a.Resolve(ino, 0, true)
	require.NoError(t, err)
	ino.Size = testBlockSize

	metaTouched, _, err := a.TruncateTo(ino, 0)
	require.NoError(t, err)
	assert.Contains(t, metaTouched, uint64(0), "freeing a data block must stage the data-bitmap block")
}

func TestReachableBlocksCoversDirectAndBothIndirectLevels(t *testing.T) {
	_, _, a := newTestAddressing(t)
	ino := &inode.Inode{}

	direct, _, err := a.Resolve(ino, 0, true)
	require.NoError(t, err)
	single, _, err := a.Resolve(ino, 10, true)
	require.NoError(t, err)
	double, _, err := a.Resolve(ino, uint64(common.NDirect)+a.p, true)
	require.NoError(t, err)

	blocks, err := a.ReachableBlocks(ino)
	require.NoError(t, err)
	assert.Contains(t, blocks, direct)
	assert.Contains(t, blocks, single)
	assert.Contains(t, blocks, double)
	assert.Contains(t, blocks, uint64(ino.Direct[common.IndirectSlot]))
	assert.Contains(t, blocks, uint64(ino.Direct[common.DIndirectSlot]))
}

func TestReachableBlocksEmptyForFreshInode(t *testing.T) {
	_, _, a := newTestAddressing(t)
	blocks, err := a.ReachableBlocks(&inode.Inode{})
	require.NoError(t, err)
	assert.Empty(t, blocks)
}

func TestTruncateShrinkFreesBlocksAndClearsPointers(t *testing.T) {
	_, bm, a := newTestAddressing(t)
	ino := &inode.Inode{}

	for _, l := range []uint64{0, 1, 10, uint64(common.NDirect) + a.p} {
		_, _, err := a.Resolve(ino, l, true)
		require.NoError(t, err)
	}
	ino.Size = (uint64(common.NDirect) + a.p + 1) * testBlockSize

	_, _, err := a.TruncateTo(ino, 0)
	require.NoError(t, err)

	assert.Equal(t, uint32(0), ino.Direct[0])
	assert.Equal(t, uint32(0), ino.Direct[1])
	assert.Equal(t, uint32(0), ino.Direct[common.IndirectSlot])
	assert.Equal(t, uint32(0), ino.Direct[common.DIndirectSlot])
	assert.Equal(t, uint64(0), ino.Size)

	free, err := bm.CountFree()
	require.NoError(t, err)
	assert.Equal(t, uint64(100), free, "every allocated block must be returned to the bitmap")
}

func TestTruncateGrowOnlyUpdatesSize(t *testing.T) {
	_, _, a := newTestAddressing(t)
	ino := &inode.Inode{}
	_, _, err := a.TruncateTo(ino, 1000)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), ino.Size)
	for _, p := range ino.Direct {
		assert.Zero(t, p)
	}
}

func TestTruncateMidBlockShrinkZeroesExposedTailThenGrowReadsZero(t *testing.T) {
	c, _, a := newTestAddressing(t)
	ino := &inode.Inode{}

	bno, _, err := a.Resolve(ino, 0, true)
	require.NoError(t, err)
	buf, err := c.Get(bno)
	require.NoError(t, err)
	for i := range buf {
		buf[i] = byte('A' + i)
	}
	c.Put(bno, buf)
	c.MarkDirty(bno)
	ino.Size = testBlockSize

	_, dataTouched, err := a.TruncateTo(ino, 5)
	require.NoError(t, err)
	require.Contains(t, dataTouched, bno)

	_, _, err = a.TruncateTo(ino, testBlockSize)
	require.NoError(t, err)

	got, err := c.Get(bno)
	require.NoError(t, err)
	for i := 5; i < testBlockSize; i++ {
		assert.Equal(t, byte(0), got[i], "byte %d must read as zero after shrink-then-grow", i)
	}
}
