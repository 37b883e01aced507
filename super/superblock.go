// Package super is the WayneFS superblock of spec.md §3 and §6: the
// fixed-offset, fixed-encoding record describing disk geometry, loaded
// once at mount and written back through the journal whenever its free
// counters change. It is grounded on original_source/layout.py's
// Superblock dataclass, generalized from that toy's single free-bitmap
// region to the spec's separate inode and data bitmaps, inode table,
// and journal regions.
package super

import (
	"encoding/binary"
	"os"

	"github.com/wayne70211/wayne-fs/disk"
	"github.com/wayne70211/wayne-fs/werrors"
)

var Magic = [8]byte{'W', 'A', 'Y', 'N', 'E', '_', 'F', 'S'}

// SuperblockBlock is the fixed block number holding the superblock.
const SuperblockBlock uint64 = 0

// EncodedSize is the number of bytes the fixed fields of the superblock
// occupy; the rest of the block is zero padding.
const EncodedSize = 8 + 4*14

// Superblock describes the on-disk geometry of a WayneFS image, per
// spec.md §3 "Superblock". All regions are block ranges, disjoint, and
// cover [0, TotalBlocks).
type Superblock struct {
	BlockSize   uint64
	TotalBlocks uint32
	InodeCount  uint32

	InodeBitmapStart  uint32
	InodeBitmapBlocks uint32
	DataBitmapStart   uint32
	DataBitmapBlocks  uint32
	InodeTableStart   uint32
	InodeTableBlocks  uint32
	JournalStart      uint32
	JournalBlocks     uint32
	DataStart         uint32

	FreeInodes uint32
	FreeBlocks uint32
}

// Encode serializes the superblock to a single block's worth of bytes,
// little-endian, per spec.md §6.
func (s *Superblock) Encode() []byte {
	b := make([]byte, s.BlockSize)
	copy(b[0:8], Magic[:])
	off := 8
	putU32 := func(v uint32) {
		binary.LittleEndian.PutUint32(b[off:off+4], v)
		off += 4
	}
	putU32(uint32(s.BlockSize))
	putU32(s.TotalBlocks)
	putU32(s.InodeCount)
	putU32(s.InodeBitmapStart)
	putU32(s.InodeBitmapBlocks)
	putU32(s.DataBitmapStart)
	putU32(s.DataBitmapBlocks)
	putU32(s.InodeTableStart)
	putU32(s.InodeTableBlocks)
	putU32(s.JournalStart)
	putU32(s.JournalBlocks)
	putU32(s.DataStart)
	putU32(s.FreeInodes)
	putU32(s.FreeBlocks)
	return b
}

// Decode parses a superblock from raw block bytes, validating the magic.
func Decode(b []byte) (*Superblock, error) {
	if len(b) < 8 || string(b[0:8]) != string(Magic[:]) {
		return nil, werrors.Structural(werrors.ErrBadMagic, nil)
	}
	off := 8
	getU32 := func() uint32 {
		v := binary.LittleEndian.Uint32(b[off : off+4])
		off += 4
		return v
	}
	s := &Superblock{}
	s.BlockSize = uint64(getU32())
	s.TotalBlocks = getU32()
	s.InodeCount = getU32()
	s.InodeBitmapStart = getU32()
	s.InodeBitmapBlocks = getU32()
	s.DataBitmapStart = getU32()
	s.DataBitmapBlocks = getU32()
	s.InodeTableStart = getU32()
	s.InodeTableBlocks = getU32()
	s.JournalStart = getU32()
	s.JournalBlocks = getU32()
	s.DataStart = getU32()
	s.FreeInodes = getU32()
	s.FreeBlocks = getU32()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks the region-disjointness invariant of spec.md §3:
// region ranges are disjoint and cover [0, total_blocks).
func (s *Superblock) Validate() error {
	type region struct {
		name  string
		start uint32
		count uint32
	}
	regions := []region{
		{"superblock", 0, 1},
		{"inode bitmap", s.InodeBitmapStart, s.InodeBitmapBlocks},
		{"data bitmap", s.DataBitmapStart, s.DataBitmapBlocks},
		{"inode table", s.InodeTableStart, s.InodeTableBlocks},
		{"journal", s.JournalStart, s.JournalBlocks},
	}
	var end uint32 = 1
	for _, r := range regions[1:] {
		if r.start != end {
			return werrors.Structural(werrors.ErrBadGeometry, nil)
		}
		end += r.count
	}
	if s.DataStart != end {
		return werrors.Structural(werrors.ErrBadGeometry, nil)
	}
	if s.DataStart >= s.TotalBlocks {
		return werrors.Structural(werrors.ErrBadGeometry, nil)
	}
	return nil
}

// Load reads and validates the superblock from a freshly opened disk.
func Load(d disk.Disk) (*Superblock, error) {
	raw, err := d.ReadBlock(SuperblockBlock)
	if err != nil {
		return nil, err
	}
	return Decode(raw)
}

// DataBlocks returns the number of blocks in the data region.
func (s *Superblock) DataBlocks() uint32 {
	return s.TotalBlocks - s.DataStart
}

// ProbeBlockSize discovers the block size recorded in an image's
// superblock without yet knowing it — mirroring
// original_source/disk.py's bootstrap ("block_size may be updated by
// layout.Superblock.load()"). It reads the first EncodedSize bytes of
// the image directly, since the superblock's own fields always land
// within the first few dozen bytes regardless of the true block size.
func ProbeBlockSize(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, werrors.IO(err)
	}
	defer f.Close()
	buf := make([]byte, EncodedSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return 0, werrors.IO(err)
	}
	if string(buf[0:8]) != string(Magic[:]) {
		return 0, werrors.Structural(werrors.ErrBadMagic, nil)
	}
	return uint64(binary.LittleEndian.Uint32(buf[8:12])), nil
}
