package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wayne70211/wayne-fs/disk"
)

func TestGetLoadsFromDiskOnMiss(t *testing.T) {
	d := disk.NewMemDisk(64, 8)
	seed := make(disk.Block, 64)
	seed[0] = 9
	require.NoError(t, d.WriteBlock(2, seed))

	c := New(d)
	blk, err := c.Get(2)
	require.NoError(t, err)
	assert.Equal(t, byte(9), blk[0])
	assert.False(t, c.IsDirty(2))
}

func TestMarkDirtyAndFlush(t *testing.T) {
	d := disk.NewMemDisk(64, 8)
	c := New(d)

	blk, err := c.Get(1)
	require.NoError(t, err)
	blk[0] = 7
	c.MarkDirty(1)
	assert.True(t, c.IsDirty(1))

	require.NoError(t, c.Flush(1))
	assert.False(t, c.IsDirty(1))

	onDisk, err := d.ReadBlock(1)
	require.NoError(t, err)
	assert.Equal(t, byte(7), onDisk[0])
}

func TestInvalidateRefusesDirty(t *testing.T) {
	d := disk.NewMemDisk(64, 8)
	c := New(d)

	blk, err := c.Get(0)
	require.NoError(t, err)
	blk[0] = 1
	c.MarkDirty(0)

	c.Invalidate(0)
	assert.True(t, c.IsDirty(0), "dirty page must survive Invalidate")

	c.ForceInvalidate(0)
	assert.False(t, c.IsDirty(0))
}

func TestFlushSetOrder(t *testing.T) {
	d := disk.NewMemDisk(64, 8)
	c := New(d)

	for _, bno := range []uint64{0, 1, 2} {
		blk, err := c.Get(bno)
		require.NoError(t, err)
		blk[0] = byte(bno + 1)
		c.MarkDirty(bno)
	}
	require.NoError(t, c.FlushSet([]uint64{0, 1, 2}))
	for _, bno := range []uint64{0, 1, 2} {
		assert.False(t, c.IsDirty(bno))
		onDisk, err := d.ReadBlock(bno)
		require.NoError(t, err)
		assert.Equal(t, byte(bno+1), onDisk[0])
	}
}

func TestReadIsDefensiveCopy(t *testing.T) {
	d := disk.NewMemDisk(64, 8)
	c := New(d)

	a, err := c.Read(0)
	require.NoError(t, err)
	a[0] = 42

	b, err := c.Read(0)
	require.NoError(t, err)
	assert.Equal(t, byte(0), b[0], "mutating a Read copy must not affect the cache")
}
