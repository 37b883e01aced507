// Package blockaddr is the block-addressing layer of spec.md §4.3: it
// translates (inode, logical block index) to a physical block number
// through 10 direct, 1 single-indirect, and 1 double-indirect pointer
// slots, allocating index and leaf blocks lazily on write and freeing
// them on truncate. It has no direct teacher analogue (the teacher's
// journal operates below any file-block-addressing concept); the
// pointer arithmetic is grounded on spec.md §4.3's own formulas, and
// the zero-fill-on-allocate / hole-reads-as-zero discipline mirrors
// original_source/layout.py's Inode.direct[12] pointer array, extended
// to the two indirection levels spec.md adds.
package blockaddr

import (
	"encoding/binary"

	"github.com/wayne70211/wayne-fs/bitmap"
	"github.com/wayne70211/wayne-fs/cache"
	"github.com/wayne70211/wayne-fs/common"
	"github.com/wayne70211/wayne-fs/inode"
	"github.com/wayne70211/wayne-fs/werrors"
)

// Addressing resolves and mutates the block-pointer tree of an inode.
type Addressing struct {
	c         *cache.Cache
	alloc     *bitmap.DataAllocator
	blockSize uint64
	p         uint64 // pointers per index block
}

func New(c *cache.Cache, alloc *bitmap.DataAllocator, blockSize uint64) *Addressing {
	return &Addressing{c: c, alloc: alloc, blockSize: blockSize, p: blockSize / 4}
}

// MaxFileSize returns the largest file size addressable given the
// configured pointers-per-block, per spec.md §4.3's (10+P+P²)·B bound.
func (a *Addressing) MaxFileSize() uint64 {
	return (common.NDirect + a.p + a.p*a.p) * a.blockSize
}

func ceilDiv(x, y uint64) uint64 {
	if x == 0 {
		return 0
	}
	return (x + y - 1) / y
}

// touchSet collects distinct touched block numbers in insertion order,
// for the caller to stage into the current transaction.
type touchSet struct {
	seen map[uint64]bool
	list []uint64
}

func (s *touchSet) add(bno uint64) {
	if s.seen == nil {
		s.seen = make(map[uint64]bool)
	}
	if !s.seen[bno] {
		s.seen[bno] = true
		s.list = append(s.list, bno)
	}
}

func (a *Addressing) readPointer(bno uint64, slot uint64) (uint64, error) {
	buf, err := a.c.Get(bno)
	if err != nil {
		return 0, err
	}
	return uint64(binary.LittleEndian.Uint32(buf[slot*4 : slot*4+4])), nil
}

func (a *Addressing) writePointer(bno uint64, slot uint64, val uint64) error {
	buf, err := a.c.Get(bno)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(buf[slot*4:slot*4+4], uint32(val))
	a.c.Put(bno, buf)
	a.c.MarkDirty(bno)
	return nil
}

// allocZeroedBlock allocates a fresh block and zero-fills it in the
// cache, for both index blocks and leaf data blocks: the allocator's
// free pool recycles blocks freed by earlier truncates/unlinks without
// scrubbing them, so every newly resolved pointer must start from zero
// rather than exposing a previous file's bytes.
func (a *Addressing) allocZeroedBlock(touched *touchSet) (uint64, error) {
	bno, bitmapBno, err := a.alloc.Alloc()
	if err != nil {
		return 0, err
	}
	touched.add(bitmapBno)
	a.c.Put(bno, make([]byte, a.blockSize))
	a.c.MarkDirty(bno)
	return bno, nil
}

// Resolve translates logical block index l of ino to a physical block
// number, per spec.md §4.3. If the pointer chain has a hole and
// allocateIfMissing is false, it returns common.NullBnum and a nil
// error. If allocateIfMissing is true, index blocks and the leaf block
// are allocated lazily and zero-filled; the inode's own Direct array is
// mutated in place (the caller is responsible for writing the inode
// record back and staging its table block). The returned list holds
// the index blocks the walk passed through and the data-bitmap blocks
// any allocation flipped, for journal staging.
func (a *Addressing) Resolve(ino *inode.Inode, l uint64, allocateIfMissing bool) (uint64, []uint64, error) {
	touched := &touchSet{}
	bno, err := a.resolve(ino, l, allocateIfMissing, touched)
	if err != nil {
		return 0, nil, err
	}
	return bno, touched.list, nil
}

func (a *Addressing) resolve(ino *inode.Inode, l uint64, alloc bool, touched *touchSet) (uint64, error) {
	p := a.p
	switch {
	case l < common.NDirect:
		if ino.Direct[l] == 0 && alloc {
			bno, err := a.allocZeroedBlock(touched)
			if err != nil {
				return 0, err
			}
			ino.Direct[l] = uint32(bno)
		}
		return uint64(ino.Direct[l]), nil

	case l < common.NDirect+p:
		return a.resolveIndirect(ino, common.IndirectSlot, l-common.NDirect, alloc, touched)

	case l < common.NDirect+p+p*p:
		rel := l - common.NDirect - p
		l1 := rel / p
		l2 := rel % p
		idxBno := uint64(ino.Direct[common.DIndirectSlot])
		if idxBno == 0 {
			if !alloc {
				return common.NullBnum, nil
			}
			newBno, err := a.allocZeroedBlock(touched)
			if err != nil {
				return 0, err
			}
			ino.Direct[common.DIndirectSlot] = uint32(newBno)
			idxBno = newBno
		}
		touched.add(idxBno)
		l1Bno, err := a.readPointer(idxBno, l1)
		if err != nil {
			return 0, err
		}
		if l1Bno == 0 {
			if !alloc {
				return common.NullBnum, nil
			}
			newBno, err := a.allocZeroedBlock(touched)
			if err != nil {
				return 0, err
			}
			if err := a.writePointer(idxBno, l1, newBno); err != nil {
				return 0, err
			}
			l1Bno = newBno
		}
		touched.add(l1Bno)
		leaf, err := a.readPointer(l1Bno, l2)
		if err != nil {
			return 0, err
		}
		if leaf == 0 {
			if !alloc {
				return common.NullBnum, nil
			}
			leaf, err = a.allocZeroedBlock(touched)
			if err != nil {
				return 0, err
			}
			if err := a.writePointer(l1Bno, l2, leaf); err != nil {
				return 0, err
			}
		}
		return leaf, nil

	default:
		return 0, werrors.OutOfRange(nil)
	}
}

// resolveIndirect resolves a single-indirect pointer: slot selects
// which Direct entry holds the index block, rel is the offset within
// it.
func (a *Addressing) resolveIndirect(ino *inode.Inode, slot int, rel uint64, alloc bool, touched *touchSet) (uint64, error) {
	idxBno := uint64(ino.Direct[slot])
	if idxBno == 0 {
		if !alloc {
			return common.NullBnum, nil
		}
		newBno, err := a.allocZeroedBlock(touched)
		if err != nil {
			return 0, err
		}
		ino.Direct[slot] = uint32(newBno)
		idxBno = newBno
	}
	touched.add(idxBno)
	leaf, err := a.readPointer(idxBno, rel)
	if err != nil {
		return 0, err
	}
	if leaf == 0 && alloc {
		leaf, err = a.allocZeroedBlock(touched)
		if err != nil {
			return 0, err
		}
		if err := a.writePointer(idxBno, rel, leaf); err != nil {
			return 0, err
		}
	}
	return leaf, nil
}

// ReachableBlocks returns every physical data block ino's pointer tree
// references — leaf blocks and index blocks alike — without allocating
// anything. Used by fsck (spec.md §8 property 1: every bit set in the
// data bitmap must be reachable from some inode with Nlink>0).
func (a *Addressing) ReachableBlocks(ino *inode.Inode) ([]uint64, error) {
	var out []uint64
	for l := 0; l < common.NDirect; l++ {
		if bno := uint64(ino.Direct[l]); bno != 0 {
			out = append(out, bno)
		}
	}
	p := a.p
	if idxBno := uint64(ino.Direct[common.IndirectSlot]); idxBno != 0 {
		out = append(out, idxBno)
		for i := uint64(0); i < p; i++ {
			leaf, err := a.readPointer(idxBno, i)
			if err != nil {
				return nil, err
			}
			if leaf != 0 {
				out = append(out, leaf)
			}
		}
	}
	if idxBno := uint64(ino.Direct[common.DIndirectSlot]); idxBno != 0 {
		out = append(out, idxBno)
		for i := uint64(0); i < p; i++ {
			l1Bno, err := a.readPointer(idxBno, i)
			if err != nil {
				return nil, err
			}
			if l1Bno == 0 {
				continue
			}
			out = append(out, l1Bno)
			for j := uint64(0); j < p; j++ {
				leaf, err := a.readPointer(l1Bno, j)
				if err != nil {
					return nil, err
				}
				if leaf != 0 {
					out = append(out, leaf)
				}
			}
		}
	}
	return out, nil
}

// TruncateTo implements spec.md §4.3's truncate_to: on shrink, it frees
// every leaf and index block no longer covered by newSize, clears the
// corresponding pointers, and — when newSize lands mid-block — zeroes
// the now-exposed tail of the last retained block, so a later grow
// re-exposes zeros rather than the file's old bytes (spec.md §8
// invariants 4 and 5). It returns the index and data-bitmap blocks
// touched (for metadata staging) and, separately, any leaf data block
// whose tail it zeroed (for ordered-data staging). It sets ino.Size to
// newSize itself; the caller writes the inode back and stages the
// returned blocks in its transaction. On grow, it only updates size;
// holes materialize lazily on write.
func (a *Addressing) TruncateTo(ino *inode.Inode, newSize uint64) (metaTouched []uint64, dataTouched []uint64, err error) {
	if newSize >= ino.Size {
		ino.Size = newSize
		return nil, nil, nil
	}

	oldBlocks := ceilDiv(ino.Size, a.blockSize)
	newBlocks := ceilDiv(newSize, a.blockSize)

	touched := &touchSet{}
	for l := newBlocks; l < oldBlocks; l++ {
		if err := a.freeLogical(ino, l, touched); err != nil {
			return nil, nil, err
		}
	}
	if err := a.collapseEmptyIndirect(ino, touched); err != nil {
		return nil, nil, err
	}

	if newBlocks > 0 && newSize%a.blockSize != 0 {
		bno, err := a.resolve(ino, newBlocks-1, false, touched)
		if err != nil {
			return nil, nil, err
		}
		if bno != common.NullBnum {
			buf, err := a.c.Get(bno)
			if err != nil {
				return nil, nil, err
			}
			tailOff := newSize % a.blockSize
			for i := tailOff; i < a.blockSize; i++ {
				buf[i] = 0
			}
			a.c.Put(bno, buf)
			a.c.MarkDirty(bno)
			dataTouched = append(dataTouched, bno)
		}
	}

	ino.Size = newSize
	return touched.list, dataTouched, nil
}

func (a *Addressing) freeLogical(ino *inode.Inode, l uint64, touched *touchSet) error {
	p := a.p
	switch {
	case l < common.NDirect:
		bno := uint64(ino.Direct[l])
		if bno != 0 {
			bitmapBno, err := a.alloc.Free(bno)
			if err != nil {
				return err
			}
			touched.add(bitmapBno)
			ino.Direct[l] = 0
		}
		return nil

	case l < common.NDirect+p:
		idxBno := uint64(ino.Direct[common.IndirectSlot])
		if idxBno == 0 {
			return nil
		}
		rel := l - common.NDirect
		leaf, err := a.readPointer(idxBno, rel)
		if err != nil {
			return err
		}
		if leaf != 0 {
			bitmapBno, err := a.alloc.Free(leaf)
			if err != nil {
				return err
			}
			touched.add(bitmapBno)
			if err := a.writePointer(idxBno, rel, 0); err != nil {
				return err
			}
			touched.add(idxBno)
		}
		return nil

	case l < common.NDirect+p+p*p:
		idxBno := uint64(ino.Direct[common.DIndirectSlot])
		if idxBno == 0 {
			return nil
		}
		rel := l - common.NDirect - p
		l1 := rel / p
		l2 := rel % p
		touched.add(idxBno)
		l1Bno, err := a.readPointer(idxBno, l1)
		if err != nil {
			return err
		}
		if l1Bno == 0 {
			return nil
		}
		leaf, err := a.readPointer(l1Bno, l2)
		if err != nil {
			return err
		}
		if leaf != 0 {
			bitmapBno, err := a.alloc.Free(leaf)
			if err != nil {
				return err
			}
			touched.add(bitmapBno)
			if err := a.writePointer(l1Bno, l2, 0); err != nil {
				return err
			}
			touched.add(l1Bno)
		}
		if blockAllZero(a, l1Bno) {
			bitmapBno, err := a.alloc.Free(l1Bno)
			if err != nil {
				return err
			}
			touched.add(bitmapBno)
			if err := a.writePointer(idxBno, l1, 0); err != nil {
				return err
			}
		}
		return nil

	default:
		return werrors.OutOfRange(nil)
	}
}

func blockAllZero(a *Addressing, bno uint64) bool {
	buf, err := a.c.Get(bno)
	if err != nil {
		return false
	}
	for _, b := range buf {
		if b != 0 {
			return false
		}
	}
	return true
}

// collapseEmptyIndirect frees the single- and double-indirect index
// blocks themselves once every pointer inside them has been cleared.
func (a *Addressing) collapseEmptyIndirect(ino *inode.Inode, touched *touchSet) error {
	if bno := uint64(ino.Direct[common.IndirectSlot]); bno != 0 && blockAllZero(a, bno) {
		bitmapBno, err := a.alloc.Free(bno)
		if err != nil {
			return err
		}
		touched.add(bitmapBno)
		ino.Direct[common.IndirectSlot] = 0
	}
	if bno := uint64(ino.Direct[common.DIndirectSlot]); bno != 0 && blockAllZero(a, bno) {
		bitmapBno, err := a.alloc.Free(bno)
		if err != nil {
			return err
		}
		touched.add(bitmapBno)
		ino.Direct[common.DIndirectSlot] = 0
	}
	return nil
}
