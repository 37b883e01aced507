// Package wal is the write-ahead journal of spec.md §4.8: a ring of
// blocks holding descriptor records, in-log copies of modified metadata
// blocks, and commit records. It is grounded on the teacher's circular
// log (wal/0circular.go: a header block with an end pointer, Append,
// Advance) and on original_source/journal.py's per-transaction
// descriptor/metadata/commit block layout — the teacher's sliding-window
// log absorbs individual block writes across many transactions, while
// WayneFS instead logs one whole transaction (descriptor + metadata
// copies + commit) per externally-visible operation, matching the
// journal record formats spec.md §6 requires.
package wal

import (
	"encoding/binary"

	"github.com/wayne70211/wayne-fs/werrors"
)

const (
	magicSuperblock uint64 = 0x57415946534a4c31 // journal superblock marker
	magicDescriptor uint32 = 0x44455343          // "DESC"
	magicCommit     uint32 = 0x434f4d54          // "COMT"
)

// superblock is the fixed block at the start of the journal region: it
// records the head of the ring (the first position not yet fully
// checkpointed) and the most recently assigned transaction id.
type superblock struct {
	magic   uint64
	head    uint64
	lastTid uint64
}

const superblockEncodedSize = 8 + 8 + 8

func (s *superblock) encode(blockSize uint64) []byte {
	b := make([]byte, blockSize)
	binary.LittleEndian.PutUint64(b[0:8], s.magic)
	binary.LittleEndian.PutUint64(b[8:16], s.head)
	binary.LittleEndian.PutUint64(b[16:24], s.lastTid)
	return b
}

func decodeSuperblock(b []byte) (*superblock, error) {
	if len(b) < superblockEncodedSize {
		return nil, werrors.Structural(werrors.ErrBadMagic, nil)
	}
	s := &superblock{
		magic:   binary.LittleEndian.Uint64(b[0:8]),
		head:    binary.LittleEndian.Uint64(b[8:16]),
		lastTid: binary.LittleEndian.Uint64(b[16:24]),
	}
	if s.magic != magicSuperblock {
		return nil, werrors.Structural(werrors.ErrBadMagic, nil)
	}
	return s, nil
}

// descriptorHeader is the fixed-width prefix of a descriptor block:
// marker magic, transaction id, and the count of metadata blocks that
// follow it in the log, per spec.md §6.
const descriptorHeaderSize = 4 + 8 + 4
const descriptorEntrySize = 4 + 4 // home_bno (u32) + flags (u32)

type descriptorEntry struct {
	homeBno uint32
	flags   uint32
}

type descriptorBlock struct {
	txnID   uint64
	entries []descriptorEntry
}

func maxDescriptorEntries(blockSize uint64) int {
	return int((blockSize - descriptorHeaderSize) / descriptorEntrySize)
}

func (d *descriptorBlock) encode(blockSize uint64) []byte {
	b := make([]byte, blockSize)
	binary.LittleEndian.PutUint32(b[0:4], magicDescriptor)
	binary.LittleEndian.PutUint64(b[4:12], d.txnID)
	binary.LittleEndian.PutUint32(b[12:16], uint32(len(d.entries)))
	off := descriptorHeaderSize
	for _, e := range d.entries {
		binary.LittleEndian.PutUint32(b[off:off+4], e.homeBno)
		binary.LittleEndian.PutUint32(b[off+4:off+8], e.flags)
		off += descriptorEntrySize
	}
	return b
}

// headerBytes returns the portion of the encoded block that participates
// in the commit checksum: the header plus the entries, not the zero
// padding to block size.
func (d *descriptorBlock) headerBytes() []byte {
	n := descriptorHeaderSize + len(d.entries)*descriptorEntrySize
	return d.encode(uint64(n))[:n]
}

func decodeDescriptorBlock(b []byte) (*descriptorBlock, bool) {
	if len(b) < descriptorHeaderSize {
		return nil, false
	}
	if binary.LittleEndian.Uint32(b[0:4]) != magicDescriptor {
		return nil, false
	}
	d := &descriptorBlock{txnID: binary.LittleEndian.Uint64(b[4:12])}
	count := binary.LittleEndian.Uint32(b[12:16])
	off := descriptorHeaderSize
	for i := uint32(0); i < count; i++ {
		if off+descriptorEntrySize > len(b) {
			return nil, false
		}
		d.entries = append(d.entries, descriptorEntry{
			homeBno: binary.LittleEndian.Uint32(b[off : off+4]),
			flags:   binary.LittleEndian.Uint32(b[off+4 : off+8]),
		})
		off += descriptorEntrySize
	}
	return d, true
}

// commitHeaderSize is the fixed prefix of a commit block: marker magic,
// transaction id, checksum (u32), per spec.md §6.
const commitHeaderSize = 4 + 8 + 4

type commitBlock struct {
	txnID    uint64
	checksum uint32
}

func (c *commitBlock) encode(blockSize uint64) []byte {
	b := make([]byte, blockSize)
	binary.LittleEndian.PutUint32(b[0:4], magicCommit)
	binary.LittleEndian.PutUint64(b[4:12], c.txnID)
	binary.LittleEndian.PutUint32(b[12:16], c.checksum)
	return b
}

func decodeCommitBlock(b []byte) (*commitBlock, bool) {
	if len(b) < commitHeaderSize {
		return nil, false
	}
	if binary.LittleEndian.Uint32(b[0:4]) != magicCommit {
		return nil, false
	}
	return &commitBlock{
		txnID:    binary.LittleEndian.Uint64(b[4:12]),
		checksum: binary.LittleEndian.Uint32(b[12:16]),
	}, true
}
