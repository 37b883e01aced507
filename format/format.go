// Package format builds a fresh WayneFS image: superblock, zeroed
// bitmaps, an empty journal, and a root directory. It is grounded on
// original_source/mkwaynefs.py's make_image — the layout-planning
// arithmetic (ceil_div sizing of each region) and the root-directory
// bootstrap (root inode 1, its `.`/`..` entries, marking the regions
// before data_start as allocated) follow that script directly, widened
// to additionally carve out the journal region spec.md §3 adds, and to
// reserve inode 0 (unused, per common.RootInum starting at 1) the way
// pilat-go-ext4fs/layout.go's CalculateLayout plans every region's
// extent before writing a single block.
package format

import (
	"github.com/wayne70211/wayne-fs/bitmap"
	"github.com/wayne70211/wayne-fs/blockaddr"
	"github.com/wayne70211/wayne-fs/cache"
	"github.com/wayne70211/wayne-fs/common"
	"github.com/wayne70211/wayne-fs/dirent"
	"github.com/wayne70211/wayne-fs/disk"
	"github.com/wayne70211/wayne-fs/inode"
	"github.com/wayne70211/wayne-fs/super"
	"github.com/wayne70211/wayne-fs/wal"
	"github.com/wayne70211/wayne-fs/werrors"
)

// Options controls the geometry of a freshly formatted image.
type Options struct {
	BlockSize     uint64
	TotalBlocks   uint32
	InodeCount    uint32
	JournalBlocks uint32
}

func ceilDiv(a, b uint32) uint32 {
	return (a + b - 1) / b
}

// Plan computes a Superblock for opts without writing anything.
func Plan(opts Options) (*super.Superblock, error) {
	if opts.BlockSize == 0 || opts.InodeCount == 0 || opts.JournalBlocks == 0 {
		return nil, werrors.Invalid(nil)
	}
	bitsPerBlock := uint32(opts.BlockSize * 8)

	inodeBitmapBlocks := ceilDiv(opts.InodeCount, bitsPerBlock)
	dataBitmapBlocks := ceilDiv(opts.TotalBlocks, bitsPerBlock)
	inodeBytes := opts.InodeCount * uint32(common.InodeSize)
	inodeTableBlocks := ceilDiv(inodeBytes, uint32(opts.BlockSize))

	inodeBitmapStart := uint32(1)
	dataBitmapStart := inodeBitmapStart + inodeBitmapBlocks
	inodeTableStart := dataBitmapStart + dataBitmapBlocks
	journalStart := inodeTableStart + inodeTableBlocks
	dataStart := journalStart + opts.JournalBlocks

	if uint64(dataStart) >= uint64(opts.TotalBlocks) {
		return nil, werrors.Invalid(nil)
	}

	return &super.Superblock{
		BlockSize:         opts.BlockSize,
		TotalBlocks:       opts.TotalBlocks,
		InodeCount:        opts.InodeCount,
		InodeBitmapStart:  inodeBitmapStart,
		InodeBitmapBlocks: inodeBitmapBlocks,
		DataBitmapStart:   dataBitmapStart,
		DataBitmapBlocks:  dataBitmapBlocks,
		InodeTableStart:   inodeTableStart,
		InodeTableBlocks:  inodeTableBlocks,
		JournalStart:      journalStart,
		JournalBlocks:     opts.JournalBlocks,
		DataStart:         dataStart,
	}, nil
}

// Format writes a fresh, mountable WayneFS image to d: superblock,
// zeroed bitmaps and inode table, an empty journal, inode 0 reserved
// as permanently allocated, and a root directory at inode
// common.RootInum.
func Format(d disk.Disk, opts Options) error {
	sb, err := Plan(opts)
	if err != nil {
		return err
	}

	zero := make([]byte, opts.BlockSize)
	for bno := uint64(1); bno < uint64(sb.JournalStart); bno++ {
		if err := d.WriteBlock(bno, zero); err != nil {
			return err
		}
	}
	if err := wal.Format(d, uint64(sb.JournalStart), uint64(sb.JournalBlocks)); err != nil {
		return err
	}
	for bno := uint64(sb.DataStart); bno < uint64(sb.TotalBlocks); bno++ {
		if err := d.WriteBlock(bno, zero); err != nil {
			return err
		}
	}

	c := cache.New(d)
	inodeBitmap := bitmap.New(c, uint64(sb.InodeBitmapStart), uint64(sb.InodeBitmapBlocks), uint64(sb.InodeCount), sb.BlockSize)
	dataBitmap := bitmap.New(c, uint64(sb.DataBitmapStart), uint64(sb.DataBitmapBlocks), uint64(sb.DataBlocks()), sb.BlockSize)
	dataAlloc := bitmap.NewDataAllocator(dataBitmap, uint64(sb.DataStart))
	inodes := inode.New(c, uint64(sb.InodeTableStart), uint64(sb.InodeCount), sb.BlockSize)
	addr := blockaddr.New(c, dataAlloc, sb.BlockSize)
	dir := dirent.New(c, addr, sb.BlockSize)

	// Inode 0 is reserved and never allocated, per common.NullInum. The
	// data bitmap needs no equivalent reservation: its index space only
	// covers the data region itself (spec.md §4.2's DataAllocator adds
	// DataStart to every index), so metadata blocks before DataStart
	// have no bitmap position to mark at all.
	var touched []uint64
	bno, err := inodeBitmap.Reserve(0)
	if err != nil {
		return err
	}
	touched = append(touched, bno)

	bno, err = inodeBitmap.Reserve(uint64(common.RootInum))
	if err != nil {
		return err
	}
	touched = append(touched, bno)

	root := &inode.Inode{Kind: common.KindDirectory, Mode: 0755, Nlink: 2}
	dirTouched, err := dir.InitEmpty(root, uint32(common.RootInum), uint32(common.RootInum))
	if err != nil {
		return err
	}
	touched = append(touched, dirTouched...)

	inodeBno, err := inodes.Write(common.RootInum, root)
	if err != nil {
		return err
	}
	touched = append(touched, inodeBno)

	for _, bno := range touched {
		if err := c.Flush(bno); err != nil {
			return err
		}
	}

	freeInodes, err := inodeBitmap.CountFree()
	if err != nil {
		return err
	}
	freeBlocks, err := dataBitmap.CountFree()
	if err != nil {
		return err
	}
	sb.FreeInodes = uint32(freeInodes)
	sb.FreeBlocks = uint32(freeBlocks)

	if err := d.WriteBlock(super.SuperblockBlock, sb.Encode()); err != nil {
		return err
	}
	return d.Sync()
}
