package format

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wayne70211/wayne-fs/common"
	"github.com/wayne70211/wayne-fs/disk"
	"github.com/wayne70211/wayne-fs/inode"
	"github.com/wayne70211/wayne-fs/super"
)

const testBlockSize = 512

func testOptions() Options {
	return Options{BlockSize: testBlockSize, TotalBlocks: 256, InodeCount: 64, JournalBlocks: 8}
}

func TestPlanProducesDisjointRegions(t *testing.T) {
	sb, err := Plan(testOptions())
	require.NoError(t, err)
	require.NoError(t, sb.Validate())
}

func TestPlanRejectsLayoutThatExceedsImage(t *testing.T) {
	opts := Options{BlockSize: testBlockSize, TotalBlocks: 8, InodeCount: 1024, JournalBlocks: 8}
	_, err := Plan(opts)
	assert.Error(t, err)
}

func TestFormatProducesLoadableSuperblock(t *testing.T) {
	d := disk.NewMemDisk(testBlockSize, 256)
	require.NoError(t, Format(d, testOptions()))

	sb, err := super.Load(d)
	require.NoError(t, err)
	assert.Equal(t, uint32(64), sb.InodeCount)
	assert.NoError(t, sb.Validate())
}

func TestFormatReservesInodeZeroAndRoot(t *testing.T) {
	d := disk.NewMemDisk(testBlockSize, 256)
	require.NoError(t, Format(d, testOptions()))
	sb, err := super.Load(d)
	require.NoError(t, err)

	// Inode 0 and inode 1 (root) are both allocated; free count excludes
	// them from the usable pool.
	assert.Equal(t, uint32(62), sb.FreeInodes)
}

func TestFormatWritesRootDirectoryInode(t *testing.T) {
	d := disk.NewMemDisk(testBlockSize, 256)
	require.NoError(t, Format(d, testOptions()))
	sb, err := super.Load(d)
	require.NoError(t, err)

	raw, err := d.ReadBlock(uint64(sb.InodeTableStart))
	require.NoError(t, err)
	off := uint64(common.RootInum) * common.InodeSize
	rec, err := inode.Decode(raw[off : off+common.InodeSize])
	require.NoError(t, err)
	assert.Equal(t, common.KindDirectory, rec.Kind)
	assert.Equal(t, uint32(2), rec.Nlink)
	assert.Equal(t, sb.BlockSize, rec.Size)
}

func TestFormatAccountsForRootDirectoryDataBlock(t *testing.T) {
	d := disk.NewMemDisk(testBlockSize, 256)
	require.NoError(t, Format(d, testOptions()))
	sb, err := super.Load(d)
	require.NoError(t, err)

	// One data block is consumed by the root directory's `.`/`..` block.
	assert.Equal(t, sb.DataBlocks()-1, sb.FreeBlocks)
}
