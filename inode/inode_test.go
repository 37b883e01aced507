package inode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wayne70211/wayne-fs/cache"
	"github.com/wayne70211/wayne-fs/common"
	"github.com/wayne70211/wayne-fs/disk"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := &Inode{
		Kind: common.KindRegular, Mode: 0644, UID: 1000, GID: 1000,
		Nlink: 1, Size: 4096, Atime: 10, Mtime: 20, Ctime: 30,
	}
	in.Direct[0] = 42
	in.Direct[common.IndirectSlot] = 99

	out, err := Decode(in.Encode())
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestDecodeRejectsShortBuffer(t *testing.T) {
	_, err := Decode(make([]byte, 4))
	assert.Error(t, err)
}

func newTestTable(t *testing.T) *Table {
	d := disk.NewMemDisk(128, 8)
	c := cache.New(d)
	return New(c, 0, 8, 128) // 1 inode per block at 128B block size
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	tbl := newTestTable(t)
	rec := &Inode{Kind: common.KindDirectory, Nlink: 2, Size: 128}
	bno, err := tbl.Write(common.RootInum, rec)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), bno)

	got, err := tbl.Read(common.RootInum)
	require.NoError(t, err)
	assert.Equal(t, common.KindDirectory, got.Kind)
	assert.Equal(t, uint32(2), got.Nlink)
}

func TestReadOutOfRangeInode(t *testing.T) {
	tbl := newTestTable(t)
	_, err := tbl.Read(common.Inum(100))
	assert.Error(t, err)
}

func TestFreshInodeSlotReadsAsFree(t *testing.T) {
	tbl := newTestTable(t)
	got, err := tbl.Read(common.Inum(3))
	require.NoError(t, err)
	assert.True(t, got.Free())
}
