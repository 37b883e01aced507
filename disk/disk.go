// Package disk is the lowest layer of WayneFS: positional, fixed-size
// block I/O over a disk image file, plus a durability barrier. Every
// other package talks to storage only through the Disk interface.
package disk

import "github.com/wayne70211/wayne-fs/werrors"

// Block is one block's worth of bytes.
type Block = []byte

// Disk provides raw positional block I/O on a pre-sized image. Disk
// implementations never grow the underlying image; it is pre-sized by
// the formatter (spec.md §4.1).
type Disk interface {
	// BlockSize returns the fixed block size, in bytes, of this disk.
	BlockSize() uint64

	// Size reports how many blocks the disk holds.
	Size() uint64

	// ReadBlock reads the block at bno. Fails with werrors.OutOfRange if
	// bno is out of range.
	ReadBlock(bno uint64) (Block, error)

	// ReadBlockInto reads the block at bno into buf, which must be
	// exactly BlockSize() bytes.
	ReadBlockInto(bno uint64, buf Block) error

	// WriteBlock writes buf (exactly BlockSize() bytes) to bno.
	WriteBlock(bno uint64, buf Block) error

	// Sync is a durability barrier: every write that returned before
	// this call is guaranteed to be on stable storage once Sync
	// returns. The journal relies on Sync between commit phases.
	Sync() error

	// Close releases any resources held by the disk.
	Close() error
}

func checkRange(bno, size uint64) error {
	if bno >= size {
		return werrors.OutOfRange(nil)
	}
	return nil
}
