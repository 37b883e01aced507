package wal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wayne70211/wayne-fs/disk"
)

const testBlockSize = 256

func newTestJournal(t *testing.T, journalBlocks uint64) (*disk.MemDisk, *Journal, map[uint64][]byte) {
	d := disk.NewMemDisk(testBlockSize, journalBlocks+120)
	require.NoError(t, Format(d, 0, journalBlocks))
	home := make(map[uint64][]byte)
	installer := func(bno uint64, data []byte) error {
		home[bno] = append([]byte{}, data...)
		return d.WriteBlock(bno, data)
	}
	j, err := Open(d, 0, journalBlocks, nil, installer)
	require.NoError(t, err)
	return d, j, home
}

func block(b byte, n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = b
	}
	return buf
}

func TestCommitAndCheckpointInstallsHomeBlocks(t *testing.T) {
	d, j, home := newTestJournal(t, 8)

	writes := map[uint64][]byte{
		30: block(0xAA, testBlockSize),
		31: block(0xBB, testBlockSize),
	}
	txnID, err := j.Commit(writes)
	require.NoError(t, err)
	assert.NotZero(t, txnID)

	for bno, data := range writes {
		require.NoError(t, d.WriteBlock(bno, data))
	}
	require.NoError(t, d.Sync())
	require.NoError(t, j.Checkpoint(txnID, len(writes)))

	blk30, _ := d.ReadBlock(30)
	assert.Equal(t, byte(0xAA), blk30[0])
	_ = home
}

func TestRecoveryReplaysCommittedButUncheckpointedTxn(t *testing.T) {
	d, j, home := newTestJournal(t, 8)

	writes := map[uint64][]byte{
		30: block(0xCC, testBlockSize),
	}
	txnID, err := j.Commit(writes)
	require.NoError(t, err)
	assert.NotZero(t, txnID)
	// Crash here: commit is durable in the log, but checkpoint never ran,
	// so block 30's home location was never written.
	homeBefore, _ := d.ReadBlock(30)
	assert.Equal(t, byte(0), homeBefore[0])

	installer := func(bno uint64, data []byte) error {
		home[bno] = append([]byte{}, data...)
		return d.WriteBlock(bno, data)
	}
	_, err = Open(d, 0, 8, nil, installer)
	require.NoError(t, err)

	homeAfter, _ := d.ReadBlock(30)
	assert.Equal(t, byte(0xCC), homeAfter[0], "recovery must replay the durable transaction")
}

func TestRecoveryDiscardsPartialTransaction(t *testing.T) {
	d, j, home := newTestJournal(t, 8)
	_ = home

	snap := d.Snapshot()

	writes := map[uint64][]byte{
		30: block(0xDD, testBlockSize),
	}
	_, err := j.Commit(writes)
	require.NoError(t, err)

	// Simulate a crash before the commit record reached disk: revert to
	// the pre-commit snapshot plus only the descriptor+metadata writes,
	// i.e. truncate off the commit block by restoring just that block.
	full := d.Snapshot()
	corrupted := snap
	for i := range corrupted {
		corrupted[i] = full[i]
	}
	// Zero out the commit block (log position 2, after the descriptor at
	// position 0 and one metadata block at position 1).
	commitBlockIdx := j.physAt(2)
	corrupted[commitBlockIdx] = make([]byte, testBlockSize)
	d.Restore(corrupted)

	installedHome := make(map[uint64][]byte)
	installer := func(bno uint64, data []byte) error {
		installedHome[bno] = append([]byte{}, data...)
		return d.WriteBlock(bno, data)
	}
	_, err = Open(d, 0, 8, nil, installer)
	require.NoError(t, err)

	assert.Empty(t, installedHome, "a transaction without a durable commit record must not be replayed")
}

// TestRecoveryStopsAtStaleWrappedTransaction reproduces the S6 scenario:
// crash after a commit whose log record's checksum validates, but whose
// transaction id is lower than expected because the ring has wrapped
// around to an older, already-checkpointed transaction's untouched log
// bytes. Recovery must stop there instead of replaying them a second
// time over their home locations.
func TestRecoveryStopsAtStaleWrappedTransaction(t *testing.T) {
	const ring9Blocks = 10 // ring = blocks-1 = 9, i.e. three 3-slot txns per lap
	d, j, home := newTestJournal(t, ring9Blocks)

	commitAndCheckpoint := func(bno uint64, val byte) {
		writes := map[uint64][]byte{bno: block(val, testBlockSize)}
		txnID, err := j.Commit(writes)
		require.NoError(t, err)
		require.NoError(t, d.WriteBlock(bno, writes[bno]))
		require.NoError(t, d.Sync())
		require.NoError(t, j.Checkpoint(txnID, len(writes)))
	}

	// Lap 1: three checkpointed transactions fill the ring exactly once.
	commitAndCheckpoint(10, 0xA0)
	commitAndCheckpoint(11, 0xB0)
	commitAndCheckpoint(12, 0xC0)

	// Lap 2, txn D: overwrites lap 1's first slot triplet in the ring and
	// is fully checkpointed. Its home write (bno 99 = 0xD1) is later
	// superseded by txn E below.
	commitAndCheckpoint(99, 0xD1)
	// Lap 2, txn E: overwrites lap 1's second slot triplet, fully
	// checkpointed, and writes the home bno D touched with a newer value.
	commitAndCheckpoint(99, 0xE1)

	// Lap 2, txn F: overwrites lap 1's third slot triplet. Commit it but
	// crash before checkpointing — the legitimate case recovery must
	// still replay.
	writesF := map[uint64][]byte{50: block(0xF1, testBlockSize)}
	_, err := j.Commit(writesF)
	require.NoError(t, err)

	snapshot := d.Snapshot()
	d2 := disk.NewMemDisk(testBlockSize, ring9Blocks+120)
	d2.Restore(snapshot)

	installer := func(bno uint64, data []byte) error {
		home[bno] = append([]byte{}, data...)
		return d2.WriteBlock(bno, data)
	}
	_, err = Open(d2, 0, ring9Blocks, nil, installer)
	require.NoError(t, err)

	f, _ := d2.ReadBlock(50)
	assert.Equal(t, byte(0xF1), f[0], "the legitimate uncheckpointed transaction must still be replayed")

	e, _ := d2.ReadBlock(99)
	assert.Equal(t, byte(0xE1), e[0], "a stale, already-checkpointed transaction must not be replayed over a newer value at the same home block")
}

func TestCommitRejectsOversizedTransaction(t *testing.T) {
	_, j, _ := newTestJournal(t, 4) // ring of 3 blocks: 1 desc + 1 meta + 1 commit
	writes := map[uint64][]byte{
		30: block(1, testBlockSize),
		31: block(2, testBlockSize),
	}
	_, err := j.Commit(writes)
	assert.Error(t, err)
}

func TestCommitOfEmptyWritesIsNoop(t *testing.T) {
	_, j, _ := newTestJournal(t, 8)
	txnID, err := j.Commit(nil)
	require.NoError(t, err)
	assert.Zero(t, txnID)
}
