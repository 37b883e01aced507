package txn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wayne70211/wayne-fs/cache"
	"github.com/wayne70211/wayne-fs/disk"
	"github.com/wayne70211/wayne-fs/wal"
)

const testBlockSize = 128

func newTestManager(t *testing.T) (*disk.MemDisk, *Manager) {
	d := disk.NewMemDisk(testBlockSize, 50)
	require.NoError(t, wal.Format(d, 0, 8))
	j, err := wal.Open(d, 0, 8, nil, func(bno uint64, data []byte) error {
		return d.WriteBlock(bno, data)
	})
	require.NoError(t, err)
	c := cache.New(d)
	return d, NewManager(d, c, j, nil)
}

func TestCommitWritesMetadataToHomeLocation(t *testing.T) {
	d, mgr := newTestManager(t)

	tx := mgr.Begin()
	buf, err := mgr.Cache().Get(20)
	require.NoError(t, err)
	buf[0] = 0xAB
	mgr.Cache().MarkDirty(20)
	tx.StageMeta(20)
	require.NoError(t, tx.Commit())

	blk, err := d.ReadBlock(20)
	require.NoError(t, err)
	assert.Equal(t, byte(0xAB), blk[0])
}

func TestAbortDiscardsStagedMetadata(t *testing.T) {
	d, mgr := newTestManager(t)

	tx := mgr.Begin()
	buf, err := mgr.Cache().Get(20)
	require.NoError(t, err)
	buf[0] = 0xCD
	mgr.Cache().MarkDirty(20)
	tx.StageMeta(20)
	tx.Abort()

	blk, err := d.ReadBlock(20)
	require.NoError(t, err)
	assert.NotEqual(t, byte(0xCD), blk[0], "aborted metadata must never reach its home location")

	// The manager lock must be released so a new transaction can begin.
	tx2 := mgr.Begin()
	tx2.Abort()
}

func TestCommitFlushesOrderedDataBeforeMetadata(t *testing.T) {
	d, mgr := newTestManager(t)

	tx := mgr.Begin()
	dataBuf, err := mgr.Cache().Get(30)
	require.NoError(t, err)
	dataBuf[0] = 0xEE
	mgr.Cache().MarkDirty(30)
	tx.AddOrdered(30)
	require.NoError(t, tx.Commit())

	blk, err := d.ReadBlock(30)
	require.NoError(t, err)
	assert.Equal(t, byte(0xEE), blk[0])
}

func TestCommitWithNothingStagedIsNoop(t *testing.T) {
	_, mgr := newTestManager(t)
	tx := mgr.Begin()
	require.NoError(t, tx.Commit())
}

func TestDoubleCommitIsIdempotent(t *testing.T) {
	_, mgr := newTestManager(t)
	tx := mgr.Begin()
	require.NoError(t, tx.Commit())
	require.NoError(t, tx.Commit())
}
