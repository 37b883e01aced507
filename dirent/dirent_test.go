package dirent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wayne70211/wayne-fs/bitmap"
	"github.com/wayne70211/wayne-fs/blockaddr"
	"github.com/wayne70211/wayne-fs/cache"
	"github.com/wayne70211/wayne-fs/common"
	"github.com/wayne70211/wayne-fs/disk"
	"github.com/wayne70211/wayne-fs/inode"
)

const testBlockSize = 64

func newTestDirectory(t *testing.T) (*inode.Inode, *Directory) {
	d := disk.NewMemDisk(testBlockSize, 200)
	c := cache.New(d)
	bm := bitmap.New(c, 0, 2, 100, testBlockSize)
	alloc := bitmap.NewDataAllocator(bm, 2)
	addr := blockaddr.New(c, alloc, testBlockSize)
	dir := New(c, addr, testBlockSize)
	return &inode.Inode{Kind: common.KindDirectory}, dir
}

func TestInitEmptyCreatesSelfAndParent(t *testing.T) {
	ino, dir := newTestDirectory(t)
	_, err := dir.InitEmpty(ino, 5, 1)
	require.NoError(t, err)

	entries, err := dir.List(ino)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ".", entries[0].Name)
	assert.Equal(t, uint32(5), entries[0].Ino)
	assert.Equal(t, "..", entries[1].Name)
	assert.Equal(t, uint32(1), entries[1].Ino)

	empty, err := dir.IsEmpty(ino)
	require.NoError(t, err)
	assert.True(t, empty)
}

func TestInsertThenLookup(t *testing.T) {
	ino, dir := newTestDirectory(t)
	_, err := dir.InitEmpty(ino, 5, 1)
	require.NoError(t, err)

	_, err = dir.Insert(ino, "hello.txt", 7, common.KindRegular)
	require.NoError(t, err)

	gotIno, kind, err := dir.Lookup(ino, "hello.txt")
	require.NoError(t, err)
	assert.Equal(t, uint32(7), gotIno)
	assert.Equal(t, common.KindRegular, kind)

	empty, err := dir.IsEmpty(ino)
	require.NoError(t, err)
	assert.False(t, empty)
}

func TestInsertDuplicateNameFails(t *testing.T) {
	ino, dir := newTestDirectory(t)
	_, err := dir.InitEmpty(ino, 5, 1)
	require.NoError(t, err)
	_, err = dir.Insert(ino, "a", 7, common.KindRegular)
	require.NoError(t, err)

	_, err = dir.Insert(ino, "a", 8, common.KindRegular)
	assert.Error(t, err)
}

func TestRemoveThenLookupFails(t *testing.T) {
	ino, dir := newTestDirectory(t)
	_, err := dir.InitEmpty(ino, 5, 1)
	require.NoError(t, err)
	_, err = dir.Insert(ino, "a", 7, common.KindRegular)
	require.NoError(t, err)

	_, err = dir.Remove(ino, "a")
	require.NoError(t, err)

	_, _, err = dir.Lookup(ino, "a")
	assert.Error(t, err)
}

func TestRemoveMissingNameFails(t *testing.T) {
	ino, dir := newTestDirectory(t)
	_, err := dir.InitEmpty(ino, 5, 1)
	require.NoError(t, err)

	_, err = dir.Remove(ino, "nope")
	assert.Error(t, err)
}

func TestInsertReusesRemovedSlot(t *testing.T) {
	ino, dir := newTestDirectory(t)
	_, err := dir.InitEmpty(ino, 5, 1)
	require.NoError(t, err)

	_, err = dir.Insert(ino, "a", 7, common.KindRegular)
	require.NoError(t, err)
	_, err = dir.Remove(ino, "a")
	require.NoError(t, err)

	before := ino.Size
	_, err = dir.Insert(ino, "b", 8, common.KindRegular)
	require.NoError(t, err)
	assert.Equal(t, before, ino.Size, "reusing a tombstone must not extend the directory")
}

func TestInsertExtendsDirectoryWhenBlockIsFull(t *testing.T) {
	ino, dir := newTestDirectory(t)
	_, err := dir.InitEmpty(ino, 5, 1)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		name := string(rune('a' + i))
		_, err := dir.Insert(ino, name, uint32(10+i), common.KindRegular)
		require.NoError(t, err)
	}
	assert.Greater(t, ino.Size, uint64(testBlockSize), "many small names must spill into a second block")

	entries, err := dir.List(ino)
	require.NoError(t, err)
	assert.Len(t, entries, 22) // . and .. plus the 20 inserted
}
