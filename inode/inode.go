// Package inode is the inode table of spec.md §4.2: a fixed-size array
// of fixed-width inode records living in dedicated blocks, read and
// written by number through the page cache. It is grounded on
// original_source/layout.py's Inode dataclass (type/nlink/size/
// ctime/mtime/atime/direct[12]) and common.INODESZ, generalized to the
// full field set spec.md §6 specifies (kind, mode, uid, gid added; type
// split into a kind enum rather than a raw file-mode bitfield).
package inode

import (
	"encoding/binary"

	"github.com/wayne70211/wayne-fs/cache"
	"github.com/wayne70211/wayne-fs/common"
	"github.com/wayne70211/wayne-fs/werrors"
)

// encodedSize is the number of bytes spec.md §6 assigns to one inode
// record; the remainder of common.InodeSize is reserved padding that
// must be zero on write and is ignored on read.
const encodedSize = 1 + 2 + 4 + 4 + 4 + 8 + 8 + 8 + 8 + common.NPointers*4

// Inode is the in-memory form of an on-disk inode record.
type Inode struct {
	Kind  common.Kind
	Mode  uint16
	UID   uint32
	GID   uint32
	Nlink uint32
	Size  uint64

	Atime uint64
	Mtime uint64
	Ctime uint64

	Direct [common.NPointers]uint32
}

// Free reports whether this record represents an unused inode slot.
func (i *Inode) Free() bool {
	return i.Kind == common.KindFree
}

// Encode serializes the inode to a fixed-width record, zero-padded to
// common.InodeSize.
func (i *Inode) Encode() []byte {
	b := make([]byte, common.InodeSize)
	b[0] = byte(i.Kind)
	binary.LittleEndian.PutUint16(b[1:3], i.Mode)
	binary.LittleEndian.PutUint32(b[3:7], i.UID)
	binary.LittleEndian.PutUint32(b[7:11], i.GID)
	binary.LittleEndian.PutUint32(b[11:15], i.Nlink)
	binary.LittleEndian.PutUint64(b[15:23], i.Size)
	binary.LittleEndian.PutUint64(b[23:31], i.Atime)
	binary.LittleEndian.PutUint64(b[31:39], i.Mtime)
	binary.LittleEndian.PutUint64(b[39:47], i.Ctime)
	off := 47
	for _, p := range i.Direct {
		binary.LittleEndian.PutUint32(b[off:off+4], p)
		off += 4
	}
	return b
}

// Decode parses an inode record from raw bytes (at least encodedSize
// long).
func Decode(b []byte) (*Inode, error) {
	if len(b) < encodedSize {
		return nil, werrors.Structural(werrors.ErrInvalid, nil)
	}
	i := &Inode{}
	i.Kind = common.Kind(b[0])
	i.Mode = binary.LittleEndian.Uint16(b[1:3])
	i.UID = binary.LittleEndian.Uint32(b[3:7])
	i.GID = binary.LittleEndian.Uint32(b[7:11])
	i.Nlink = binary.LittleEndian.Uint32(b[11:15])
	i.Size = binary.LittleEndian.Uint64(b[15:23])
	i.Atime = binary.LittleEndian.Uint64(b[23:31])
	i.Mtime = binary.LittleEndian.Uint64(b[31:39])
	i.Ctime = binary.LittleEndian.Uint64(b[39:47])
	off := 47
	for idx := range i.Direct {
		i.Direct[idx] = binary.LittleEndian.Uint32(b[off : off+4])
		off += 4
	}
	return i, nil
}

// Table is the on-disk inode array, addressed by inode number through
// the page cache.
type Table struct {
	c       *cache.Cache
	start   uint64 // first block of the inode table region
	perBlk  uint64 // inodes per block
	blkSize uint64
	count   uint64 // total inode slots (including reserved inode 0)
}

// New wraps the inode table region starting at start, holding count
// inode slots, each blkSize-byte block packing several fixed-width
// records.
func New(c *cache.Cache, start, count, blkSize uint64) *Table {
	return &Table{c: c, start: start, perBlk: blkSize / common.InodeSize, blkSize: blkSize, count: count}
}

func (t *Table) locate(ino common.Inum) (bno uint64, off uint64) {
	idx := uint64(ino)
	return t.start + idx/t.perBlk, (idx % t.perBlk) * common.InodeSize
}

// Read loads inode ino from the table.
func (t *Table) Read(ino common.Inum) (*Inode, error) {
	if uint64(ino) >= t.count {
		return nil, werrors.OutOfRange(nil)
	}
	bno, off := t.locate(ino)
	buf, err := t.c.Get(bno)
	if err != nil {
		return nil, err
	}
	return Decode(buf[off : off+common.InodeSize])
}

// Write stores ino's record and returns the block number touched, so
// the caller can stage it into the current transaction.
func (t *Table) Write(ino common.Inum, rec *Inode) (touched uint64, err error) {
	if uint64(ino) >= t.count {
		return 0, werrors.OutOfRange(nil)
	}
	bno, off := t.locate(ino)
	buf, err := t.c.Get(bno)
	if err != nil {
		return 0, err
	}
	copy(buf[off:off+common.InodeSize], rec.Encode())
	t.c.Put(bno, buf)
	t.c.MarkDirty(bno)
	return bno, nil
}

// Count returns the total number of inode slots, including the
// reserved inode 0.
func (t *Table) Count() uint64 {
	return t.count
}
