package wal

import (
	"fmt"
	"hash/crc32"
	"sort"
	"sync"

	"github.com/wayne70211/wayne-fs/disk"
	"github.com/wayne70211/wayne-fs/waynelog"
	"github.com/wayne70211/wayne-fs/werrors"
)

// Journal owns the journal region of the disk: [start, start+blocks).
// Block `start` holds the journal superblock; the remaining blocks-1
// blocks are the ring that descriptor, metadata, and commit records are
// written into. Per spec.md §5, the journal has exclusive write access
// to this region — no other component writes here.
type Journal struct {
	mu sync.Mutex

	d     disk.Disk
	log   *waynelog.Logger
	start uint64 // first block of the journal region (the superblock)
	ring  uint64 // number of blocks in the ring (blocks - 1)

	head    uint64 // first log position not yet fully checkpointed
	nextPos uint64 // next free position to write to (>= head)
	nextTid uint64
}

// Open loads an existing journal, running crash recovery (spec.md §4.8
// "Recovery") if the log holds an uncheckpointed transaction. installer
// is called once per metadata block replayed, so the caller decides how
// the block reaches its home location; the journal never touches the
// page cache.
func Open(d disk.Disk, start, blocks uint64, logger *waynelog.Logger, installer func(bno uint64, data []byte) error) (*Journal, error) {
	if blocks < 3 {
		return nil, werrors.Structural(werrors.ErrBadGeometry, fmt.Errorf("journal region too small: %d blocks", blocks))
	}
	if logger == nil {
		logger = waynelog.Default
	}
	j := &Journal{d: d, log: logger, start: start, ring: blocks - 1}

	raw, err := d.ReadBlock(start)
	if err != nil {
		return nil, err
	}
	sb, err := decodeSuperblock(raw)
	if err != nil {
		return nil, err
	}
	j.head = sb.head
	j.nextPos = sb.head
	j.nextTid = sb.lastTid + 1

	if err := j.recover(installer); err != nil {
		return nil, err
	}
	return j, nil
}

// Format initializes a fresh, empty journal in [start, start+blocks) and
// writes the superblock. Used only by the formatter.
func Format(d disk.Disk, start, blocks uint64) error {
	if blocks < 3 {
		return werrors.Structural(werrors.ErrBadGeometry, fmt.Errorf("journal region too small: %d blocks", blocks))
	}
	sb := &superblock{magic: magicSuperblock, head: 0, lastTid: 0}
	return d.WriteBlock(start, sb.encode(d.BlockSize()))
}

func (j *Journal) physAt(pos uint64) uint64 {
	return j.start + 1 + pos%j.ring
}

func (j *Journal) persistSuperblock() error {
	sb := &superblock{magic: magicSuperblock, head: j.head, lastTid: j.nextTid - 1}
	if err := j.d.WriteBlock(j.start, sb.encode(j.d.BlockSize())); err != nil {
		return err
	}
	return j.d.Sync()
}

// Capacity returns the number of blocks available for metadata payload
// in one transaction (descriptor + commit blocks consume two slots).
func (j *Journal) Capacity() int {
	cap := int(j.ring) - 2
	if maxEntries := maxDescriptorEntries(j.d.BlockSize()); maxEntries < cap {
		cap = maxEntries
	}
	return cap
}

// Commit performs spec.md §4.8 commit-protocol steps 2-4: it writes the
// descriptor block, the metadata copies, and the commit record into the
// log ring, syncing at each barrier, and returns the assigned
// transaction id. The transaction is durable (crash-safe, replayable)
// once Commit returns successfully, even though the metadata has not
// yet reached its home location — that is Checkpoint's job.
//
// An empty metaWrites logs nothing and returns transaction id 0 with a
// nil error (a read-only transaction commits trivially).
func (j *Journal) Commit(metaWrites map[uint64][]byte) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if len(metaWrites) == 0 {
		return 0, nil
	}
	if len(metaWrites) > j.Capacity() {
		return 0, werrors.New(werrors.KindResource, werrors.ErrNoSpace,
			fmt.Errorf("transaction touches %d blocks, journal capacity is %d", len(metaWrites), j.Capacity()))
	}

	bnos := make([]uint64, 0, len(metaWrites))
	for bno := range metaWrites {
		bnos = append(bnos, bno)
	}
	sort.Slice(bnos, func(i, k int) bool { return bnos[i] < bnos[k] })

	txnID := j.nextTid
	desc := &descriptorBlock{txnID: txnID}
	for _, bno := range bnos {
		desc.entries = append(desc.entries, descriptorEntry{homeBno: uint32(bno)})
	}

	// Step 2: descriptor block.
	descPos := j.nextPos
	if err := j.d.WriteBlock(j.physAt(descPos), desc.encode(j.d.BlockSize())); err != nil {
		return 0, err
	}
	if err := j.d.Sync(); err != nil {
		return 0, err
	}

	// Step 3: metadata copies, in descriptor order.
	sum := crc32.NewIEEE()
	sum.Write(desc.headerBytes())
	pos := descPos + 1
	for _, bno := range bnos {
		data := metaWrites[bno]
		sum.Write(data)
		if err := j.d.WriteBlock(j.physAt(pos), data); err != nil {
			return 0, err
		}
		pos++
	}
	if err := j.d.Sync(); err != nil {
		return 0, err
	}

	// Step 4: commit record.
	commit := &commitBlock{txnID: txnID, checksum: sum.Sum32()}
	if err := j.d.WriteBlock(j.physAt(pos), commit.encode(j.d.BlockSize())); err != nil {
		return 0, err
	}
	if err := j.d.Sync(); err != nil {
		return 0, err
	}

	j.nextPos = pos + 1
	j.nextTid = txnID + 1
	j.log.Debugf("journal: committed txn %d (%d meta blocks)\n", txnID, len(bnos))
	return txnID, nil
}

// Checkpoint marks a transaction as fully installed at its home
// locations (the caller has already written metaWrites there and
// synced) and reclaims its log space: spec.md §4.8 step 5's
// bookkeeping half.
func (j *Journal) Checkpoint(txnID uint64, numBlocks int) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.head += uint64(numBlocks) + 2 // descriptor + metadata + commit
	return j.persistSuperblock()
}

// recover implements spec.md §4.8 "Recovery": scan forward from head,
// replaying any transaction whose commit record's checksum validates,
// and stopping at the first incomplete or corrupt transaction.
func (j *Journal) recover(installer func(bno uint64, data []byte) error) error {
	pos := j.head
	replayedAny := false
	var lastTid uint64
	expectedTid := j.nextTid

	for {
		raw, err := j.d.ReadBlock(j.physAt(pos))
		if err != nil {
			return err
		}
		desc, ok := decodeDescriptorBlock(raw)
		if !ok {
			break // idle: no transaction begins here
		}
		if uint64(len(desc.entries)) > j.ring-2 {
			break // corrupt count, stop scanning
		}
		if desc.txnID != expectedTid {
			// A self-consistent descriptor+commit pair can still sit
			// here after the ring wraps: it belongs to an older,
			// already-checkpointed transaction whose home writes have
			// already happened. Replaying it now would reapply stale
			// data over its home locations (spec.md §8 invariant 8).
			j.log.Warnf("journal: stopping recovery at log position %d: txn %d is not the expected next id %d\n", pos, desc.txnID, expectedTid)
			break
		}

		sum := crc32.NewIEEE()
		sum.Write(desc.headerBytes())
		metaBlocks := make([][]byte, len(desc.entries))
		p := pos + 1
		for i := range desc.entries {
			data, err := j.d.ReadBlock(j.physAt(p))
			if err != nil {
				return err
			}
			metaBlocks[i] = data
			sum.Write(data)
			p++
		}

		commitRaw, err := j.d.ReadBlock(j.physAt(p))
		if err != nil {
			return err
		}
		commit, ok := decodeCommitBlock(commitRaw)
		if !ok || commit.txnID != desc.txnID || commit.checksum != sum.Sum32() {
			j.log.Warnf("journal: discarding incomplete/corrupt transaction at log position %d\n", pos)
			break
		}

		j.log.Infof("journal: replaying txn %d (%d blocks)\n", desc.txnID, len(desc.entries))
		for i, e := range desc.entries {
			if err := installer(uint64(e.homeBno), metaBlocks[i]); err != nil {
				return err
			}
		}
		replayedAny = true
		lastTid = desc.txnID
		expectedTid = desc.txnID + 1
		pos = p + 1
	}

	if !replayedAny {
		return nil
	}
	if err := j.d.Sync(); err != nil {
		return err
	}
	j.head = pos
	j.nextPos = pos
	if lastTid+1 > j.nextTid {
		j.nextTid = lastTid + 1
	}
	return j.persistSuperblock()
}
