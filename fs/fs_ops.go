package fs

import (
	"time"

	"github.com/wayne70211/wayne-fs/common"
	"github.com/wayne70211/wayne-fs/inode"
	"github.com/wayne70211/wayne-fs/super"
	"github.com/wayne70211/wayne-fs/txn"
	"github.com/wayne70211/wayne-fs/werrors"
)

func (f *Filesystem) now() uint64 { return uint64(time.Now().Unix()) }

// mutate runs fn inside a transaction, per spec.md §4.9's begin →
// stage_meta/add_ordered → commit, abort-on-error discipline.
func (f *Filesystem) mutate(fn func(tx *txn.Transaction) error) error {
	tx := f.txns.Begin()
	if err := fn(tx); err != nil {
		tx.Abort()
		return err
	}
	return tx.Commit()
}

func (f *Filesystem) stageSuperblock(tx *txn.Transaction) {
	f.c.Put(super.SuperblockBlock, f.sb.Encode())
	f.c.MarkDirty(super.SuperblockBlock)
	tx.StageMeta(super.SuperblockBlock)
}

// syncFreeCounters recomputes the superblock's free counters from the
// bitmaps' own zero-bit population, per spec.md §8 invariant 2, and
// stages the superblock block.
func (f *Filesystem) syncFreeCounters(tx *txn.Transaction) error {
	freeInodes, err := f.inodeBitmap.CountFree()
	if err != nil {
		return err
	}
	freeBlocks, err := f.dataBitmap.CountFree()
	if err != nil {
		return err
	}
	f.sb.FreeInodes = uint32(freeInodes)
	f.sb.FreeBlocks = uint32(freeBlocks)
	f.stageSuperblock(tx)
	return nil
}

func (f *Filesystem) allocInode(tx *txn.Transaction, kind common.Kind, mode uint16, uid, gid uint32) (uint32, *inode.Inode, error) {
	idx, touched, err := f.inodeBitmap.Alloc()
	if err != nil {
		return 0, nil, err
	}
	tx.StageMeta(touched)
	now := f.now()
	rec := &inode.Inode{Kind: kind, Mode: mode, UID: uid, GID: gid, Atime: now, Mtime: now, Ctime: now}
	bno, err := f.inodes.Write(common.Inum(idx), rec)
	if err != nil {
		return 0, nil, err
	}
	tx.StageMeta(bno)
	return uint32(idx), rec, nil
}

func (f *Filesystem) freeInode(tx *txn.Transaction, ino uint32) error {
	touched, err := f.inodeBitmap.Free(uint64(ino))
	if err != nil {
		return err
	}
	tx.StageMeta(touched)
	return nil
}

// freeOrDefer frees rec's blocks and inode once its link count has
// reached zero, unless a handle is currently open on ino — per
// spec.md §3's "Nlink==0 and no open handle" destruction rule — in
// which case it leaves rec as a linkless-but-live inode for CloseIno
// to free once the last handle releases.
func (f *Filesystem) freeOrDefer(tx *txn.Transaction, ino uint32, rec *inode.Inode) error {
	if f.hasOpenHandle(ino) {
		return nil
	}
	freed, dirtied, err := f.addr.TruncateTo(rec, 0)
	if err != nil {
		return err
	}
	tx.StageMetaAll(freed)
	for _, bno := range dirtied {
		tx.AddOrdered(bno)
	}
	if err := f.freeInode(tx, ino); err != nil {
		return err
	}
	rec.Kind = common.KindFree
	return nil
}

func (f *Filesystem) writeInode(tx *txn.Transaction, ino uint32, rec *inode.Inode) error {
	bno, err := f.inodes.Write(common.Inum(ino), rec)
	if err != nil {
		return err
	}
	tx.StageMeta(bno)
	return nil
}

// readAt implements spec.md §4.9's read contract: holes return zeros,
// short read at EOF.
func (f *Filesystem) readAt(rec *inode.Inode, offset, length uint64) ([]byte, error) {
	if offset >= rec.Size {
		return []byte{}, nil
	}
	end := offset + length
	if end > rec.Size {
		end = rec.Size
	}
	out := make([]byte, end-offset)
	blockSize := f.sb.BlockSize
	pos := offset
	for pos < end {
		l := pos / blockSize
		blockOff := pos % blockSize
		n := blockSize - blockOff
		if pos+n > end {
			n = end - pos
		}
		bno, _, err := f.addr.Resolve(rec, l, false)
		if err != nil {
			return nil, err
		}
		if bno != common.NullBnum {
			buf, err := f.c.Get(bno)
			if err != nil {
				return nil, err
			}
			copy(out[pos-offset:pos-offset+n], buf[blockOff:blockOff+n])
		}
		pos += n
	}
	return out, nil
}

// writeAt implements spec.md §4.9's write contract: extends size,
// allocates blocks lazily, and stages every modified block as ordered
// data.
func (f *Filesystem) writeAt(tx *txn.Transaction, rec *inode.Inode, offset uint64, data []byte) error {
	if offset+uint64(len(data)) > f.addr.MaxFileSize() {
		return werrors.Invalid(nil)
	}
	blockSize := f.sb.BlockSize
	pos := offset
	end := offset + uint64(len(data))
	for pos < end {
		l := pos / blockSize
		blockOff := pos % blockSize
		n := blockSize - blockOff
		if pos+n > end {
			n = end - pos
		}
		bno, touched, err := f.addr.Resolve(rec, l, true)
		if err != nil {
			return err
		}
		tx.StageMetaAll(touched)
		buf, err := f.c.Get(bno)
		if err != nil {
			return err
		}
		copy(buf[blockOff:blockOff+n], data[pos-offset:pos-offset+n])
		f.c.Put(bno, buf)
		f.c.MarkDirty(bno)
		tx.AddOrdered(bno)
		pos += n
	}
	if end > rec.Size {
		rec.Size = end
	}
	now := f.now()
	rec.Mtime, rec.Ctime = now, now
	return nil
}

// Mkdir allocates a directory inode, initializes `.`/`..`, inserts it
// into the parent, and bumps the parent's link count.
func (f *Filesystem) Mkdir(path string, mode uint16, uid, gid uint32) (Attr, error) {
	parentPath, name := splitParent(path)
	var result Attr
	err := f.mutate(func(tx *txn.Transaction) error {
		parentIno, _, err := f.resolve(parentPath)
		if err != nil {
			return err
		}
		parentRec, err := f.inodes.Read(common.Inum(parentIno))
		if err != nil {
			return err
		}
		if parentRec.Kind != common.KindDirectory {
			return werrors.NotDir(nil)
		}
		if _, _, err := f.dir.Lookup(parentRec, name); err == nil {
			return werrors.Exists(nil)
		}

		newIno, newRec, err := f.allocInode(tx, common.KindDirectory, mode, uid, gid)
		if err != nil {
			return err
		}
		touched, err := f.dir.InitEmpty(newRec, newIno, uint32(parentIno))
		if err != nil {
			return err
		}
		newRec.Nlink = 2
		tx.StageMetaAll(touched)
		if err := f.writeInode(tx, newIno, newRec); err != nil {
			return err
		}

		touched, err = f.dir.Insert(parentRec, name, newIno, common.KindDirectory)
		if err != nil {
			return err
		}
		tx.StageMetaAll(touched)
		parentRec.Nlink++
		parentRec.Mtime = f.now()
		if err := f.writeInode(tx, parentIno, parentRec); err != nil {
			return err
		}
		if err := f.syncFreeCounters(tx); err != nil {
			return err
		}
		result = attrOf(newIno, newRec)
		return nil
	})
	if err != nil {
		return Attr{}, err
	}
	f.dentries.InvalidatePrefix(parentPath)
	return result, nil
}

// Rmdir removes an empty directory.
func (f *Filesystem) Rmdir(path string) error {
	parentPath, name := splitParent(path)
	err := f.mutate(func(tx *txn.Transaction) error {
		parentIno, _, err := f.resolve(parentPath)
		if err != nil {
			return err
		}
		parentRec, err := f.inodes.Read(common.Inum(parentIno))
		if err != nil {
			return err
		}
		childIno, childKind, err := f.dir.Lookup(parentRec, name)
		if err != nil {
			return err
		}
		if childKind != common.KindDirectory {
			return werrors.NotDir(nil)
		}
		childRec, err := f.inodes.Read(common.Inum(childIno))
		if err != nil {
			return err
		}
		empty, err := f.dir.IsEmpty(childRec)
		if err != nil {
			return err
		}
		if !empty {
			return werrors.NotEmpty(nil)
		}

		childRec.Nlink = 0
		if err := f.freeOrDefer(tx, childIno, childRec); err != nil {
			return err
		}
		if err := f.writeInode(tx, childIno, childRec); err != nil {
			return err
		}

		touched, err := f.dir.Remove(parentRec, name)
		if err != nil {
			return err
		}
		tx.StageMetaAll(touched)
		parentRec.Nlink--
		parentRec.Mtime = f.now()
		if err := f.writeInode(tx, parentIno, parentRec); err != nil {
			return err
		}
		return f.syncFreeCounters(tx)
	})
	if err != nil {
		return err
	}
	f.dentries.InvalidatePrefix(parentPath)
	return nil
}

// Create allocates a regular file inode and inserts it into its
// parent directory.
func (f *Filesystem) Create(path string, mode uint16, uid, gid uint32) (Attr, error) {
	parentPath, name := splitParent(path)
	var result Attr
	err := f.mutate(func(tx *txn.Transaction) error {
		parentIno, _, err := f.resolve(parentPath)
		if err != nil {
			return err
		}
		parentRec, err := f.inodes.Read(common.Inum(parentIno))
		if err != nil {
			return err
		}
		if parentRec.Kind != common.KindDirectory {
			return werrors.NotDir(nil)
		}
		if _, _, err := f.dir.Lookup(parentRec, name); err == nil {
			return werrors.Exists(nil)
		}

		newIno, newRec, err := f.allocInode(tx, common.KindRegular, mode, uid, gid)
		if err != nil {
			return err
		}
		newRec.Nlink = 1
		if err := f.writeInode(tx, newIno, newRec); err != nil {
			return err
		}

		touched, err := f.dir.Insert(parentRec, name, newIno, common.KindRegular)
		if err != nil {
			return err
		}
		tx.StageMetaAll(touched)
		parentRec.Mtime = f.now()
		if err := f.writeInode(tx, parentIno, parentRec); err != nil {
			return err
		}
		if err := f.syncFreeCounters(tx); err != nil {
			return err
		}
		result = attrOf(newIno, newRec)
		return nil
	})
	if err != nil {
		return Attr{}, err
	}
	f.dentries.InvalidatePrefix(parentPath)
	return result, nil
}

// Open validates that path exists, registers an open handle on it (so
// a concurrent Unlink/Rmdir/Rename defers any resulting free until
// Close), and returns its inode number as a handle; per spec.md §4.9
// symlinks are followed by the caller's path walk before Open is
// reached.
func (f *Filesystem) Open(path string) (uint32, error) {
	ino, _, err := f.resolve(path)
	if err != nil {
		return 0, err
	}
	if err := f.OpenIno(common.Inum(ino)); err != nil {
		return 0, err
	}
	return ino, nil
}

// Close releases the open handle Open registered on ino.
func (f *Filesystem) Close(ino common.Inum) error {
	return f.CloseIno(ino)
}

// Read reads length bytes at offset from ino.
func (f *Filesystem) Read(ino common.Inum, offset, length uint64) ([]byte, error) {
	rec, err := f.inodes.Read(ino)
	if err != nil {
		return nil, err
	}
	return f.readAt(rec, offset, length)
}

// Write writes data at offset into ino.
func (f *Filesystem) Write(ino common.Inum, offset uint64, data []byte) (int, error) {
	err := f.mutate(func(tx *txn.Transaction) error {
		rec, err := f.inodes.Read(ino)
		if err != nil {
			return err
		}
		if err := f.writeAt(tx, rec, offset, data); err != nil {
			return err
		}
		if err := f.writeInode(tx, uint32(ino), rec); err != nil {
			return err
		}
		return f.syncFreeCounters(tx)
	})
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

// Truncate implements spec.md §4.3's truncate_to at the operation
// layer.
func (f *Filesystem) Truncate(path string, newSize uint64) error {
	ino, _, err := f.resolve(path)
	if err != nil {
		return err
	}
	return f.TruncateIno(common.Inum(ino), newSize)
}

// TruncateIno is Truncate addressed by inode number directly, for
// callers (the FUSE adapter) that already hold it.
func (f *Filesystem) TruncateIno(ino common.Inum, newSize uint64) error {
	return f.mutate(func(tx *txn.Transaction) error {
		rec, err := f.inodes.Read(ino)
		if err != nil {
			return err
		}
		touched, dirtied, err := f.addr.TruncateTo(rec, newSize)
		if err != nil {
			return err
		}
		tx.StageMetaAll(touched)
		for _, bno := range dirtied {
			tx.AddOrdered(bno)
		}
		rec.Ctime = f.now()
		if err := f.writeInode(tx, uint32(ino), rec); err != nil {
			return err
		}
		return f.syncFreeCounters(tx)
	})
}

// Unlink removes a directory entry and, once the link count reaches
// zero, frees the inode and its blocks.
func (f *Filesystem) Unlink(path string) error {
	parentPath, name := splitParent(path)
	err := f.mutate(func(tx *txn.Transaction) error {
		parentIno, _, err := f.resolve(parentPath)
		if err != nil {
			return err
		}
		parentRec, err := f.inodes.Read(common.Inum(parentIno))
		if err != nil {
			return err
		}
		childIno, childKind, err := f.dir.Lookup(parentRec, name)
		if err != nil {
			return err
		}
		if childKind == common.KindDirectory {
			return werrors.IsDirErr(nil)
		}
		childRec, err := f.inodes.Read(common.Inum(childIno))
		if err != nil {
			return err
		}

		touched, err := f.dir.Remove(parentRec, name)
		if err != nil {
			return err
		}
		tx.StageMetaAll(touched)
		parentRec.Mtime = f.now()
		if err := f.writeInode(tx, parentIno, parentRec); err != nil {
			return err
		}

		if childRec.Nlink > 0 {
			childRec.Nlink--
		}
		if childRec.Nlink == 0 {
			if err := f.freeOrDefer(tx, childIno, childRec); err != nil {
				return err
			}
		}
		childRec.Ctime = f.now()
		if err := f.writeInode(tx, childIno, childRec); err != nil {
			return err
		}
		return f.syncFreeCounters(tx)
	})
	if err != nil {
		return err
	}
	f.dentries.InvalidatePrefix(parentPath)
	return nil
}

// Link creates a hard link to old's inode at new.
func (f *Filesystem) Link(oldPath, newPath string) (Attr, error) {
	parentPath, name := splitParent(newPath)
	var result Attr
	err := f.mutate(func(tx *txn.Transaction) error {
		oldIno, oldKind, err := f.resolve(oldPath)
		if err != nil {
			return err
		}
		if oldKind == common.KindDirectory {
			return werrors.IsDirErr(nil)
		}
		parentIno, _, err := f.resolve(parentPath)
		if err != nil {
			return err
		}
		parentRec, err := f.inodes.Read(common.Inum(parentIno))
		if err != nil {
			return err
		}
		if _, _, err := f.dir.Lookup(parentRec, name); err == nil {
			return werrors.Exists(nil)
		}

		touched, err := f.dir.Insert(parentRec, name, oldIno, oldKind)
		if err != nil {
			return err
		}
		tx.StageMetaAll(touched)
		parentRec.Mtime = f.now()
		if err := f.writeInode(tx, parentIno, parentRec); err != nil {
			return err
		}

		oldRec, err := f.inodes.Read(common.Inum(oldIno))
		if err != nil {
			return err
		}
		oldRec.Nlink++
		oldRec.Ctime = f.now()
		if err := f.writeInode(tx, oldIno, oldRec); err != nil {
			return err
		}
		result = attrOf(oldIno, oldRec)
		return nil
	})
	if err != nil {
		return Attr{}, err
	}
	f.dentries.InvalidatePrefix(parentPath)
	return result, nil
}

// Symlink allocates a symlink inode whose data blocks hold the
// literal target string.
func (f *Filesystem) Symlink(target, path string, uid, gid uint32) (Attr, error) {
	parentPath, name := splitParent(path)
	var result Attr
	err := f.mutate(func(tx *txn.Transaction) error {
		parentIno, _, err := f.resolve(parentPath)
		if err != nil {
			return err
		}
		parentRec, err := f.inodes.Read(common.Inum(parentIno))
		if err != nil {
			return err
		}
		if _, _, err := f.dir.Lookup(parentRec, name); err == nil {
			return werrors.Exists(nil)
		}

		newIno, newRec, err := f.allocInode(tx, common.KindSymlink, 0777, uid, gid)
		if err != nil {
			return err
		}
		newRec.Nlink = 1
		if err := f.writeAt(tx, newRec, 0, []byte(target)); err != nil {
			return err
		}
		if err := f.writeInode(tx, newIno, newRec); err != nil {
			return err
		}

		touched, err := f.dir.Insert(parentRec, name, newIno, common.KindSymlink)
		if err != nil {
			return err
		}
		tx.StageMetaAll(touched)
		parentRec.Mtime = f.now()
		if err := f.writeInode(tx, parentIno, parentRec); err != nil {
			return err
		}
		if err := f.syncFreeCounters(tx); err != nil {
			return err
		}
		result = attrOf(newIno, newRec)
		return nil
	})
	if err != nil {
		return Attr{}, err
	}
	f.dentries.InvalidatePrefix(parentPath)
	return result, nil
}

// Rename implements spec.md §4.9's rename contract: both parents'
// directory blocks are updated in one transaction.
func (f *Filesystem) Rename(oldPath, newPath string) error {
	oldParentPath, oldName := splitParent(oldPath)
	newParentPath, newName := splitParent(newPath)
	err := f.mutate(func(tx *txn.Transaction) error {
		oldParentIno, _, err := f.resolve(oldParentPath)
		if err != nil {
			return err
		}
		oldParentRec, err := f.inodes.Read(common.Inum(oldParentIno))
		if err != nil {
			return err
		}
		srcIno, srcKind, err := f.dir.Lookup(oldParentRec, oldName)
		if err != nil {
			return err
		}

		newParentIno, _, err := f.resolve(newParentPath)
		if err != nil {
			return err
		}
		// Same directory: share oldParentRec so every mutation below
		// lands in the one record that actually gets written back.
		var newParentRec *inode.Inode
		if newParentIno == oldParentIno {
			newParentRec = oldParentRec
		} else {
			newParentRec, err = f.inodes.Read(common.Inum(newParentIno))
			if err != nil {
				return err
			}
		}

		if dstIno, dstKind, err := f.dir.Lookup(newParentRec, newName); err == nil {
			var dstRec *inode.Inode
			if dstKind == common.KindDirectory {
				dstRec, err = f.inodes.Read(common.Inum(dstIno))
				if err != nil {
					return err
				}
				empty, err := f.dir.IsEmpty(dstRec)
				if err != nil {
					return err
				}
				if !empty {
					return werrors.NotEmpty(nil)
				}
			}

			touched, err := f.dir.Remove(newParentRec, newName)
			if err != nil {
				return err
			}
			tx.StageMetaAll(touched)

			if dstRec == nil {
				dstRec, err = f.inodes.Read(common.Inum(dstIno))
				if err != nil {
					return err
				}
			}

			if dstKind == common.KindDirectory {
				// An empty directory's only links are its parent entry
				// and its own `.`; removing that one entry drops its
				// link count straight to zero, the same as Rmdir
				// (freeOrDefer still defers the free while it is open).
				dstRec.Nlink = 0
				if err := f.freeOrDefer(tx, dstIno, dstRec); err != nil {
					return err
				}
				newParentRec.Nlink--
			} else {
				if dstRec.Nlink > 0 {
					dstRec.Nlink--
				}
				if dstRec.Nlink == 0 {
					if err := f.freeOrDefer(tx, dstIno, dstRec); err != nil {
						return err
					}
				}
			}
			dstRec.Ctime = f.now()
			if err := f.writeInode(tx, dstIno, dstRec); err != nil {
				return err
			}
		}

		touched, err := f.dir.Remove(oldParentRec, oldName)
		if err != nil {
			return err
		}
		tx.StageMetaAll(touched)
		touched, err = f.dir.Insert(newParentRec, newName, srcIno, srcKind)
		if err != nil {
			return err
		}
		tx.StageMetaAll(touched)

		crossDir := newParentIno != oldParentIno
		if srcKind == common.KindDirectory && crossDir {
			srcRec, err := f.inodes.Read(common.Inum(srcIno))
			if err != nil {
				return err
			}
			touched, err := f.dir.SetEntryIno(srcRec, "..", uint32(newParentIno))
			if err != nil {
				return err
			}
			tx.StageMetaAll(touched)
			oldParentRec.Nlink--
			newParentRec.Nlink++
		}

		now := f.now()
		oldParentRec.Mtime = now
		if err := f.writeInode(tx, oldParentIno, oldParentRec); err != nil {
			return err
		}
		if crossDir {
			newParentRec.Mtime = now
			if err := f.writeInode(tx, newParentIno, newParentRec); err != nil {
				return err
			}
		}
		return f.syncFreeCounters(tx)
	})
	if err != nil {
		return err
	}
	f.dentries.InvalidatePrefix(oldParentPath)
	f.dentries.InvalidatePrefix(newParentPath)
	return nil
}

// Chmod updates an inode's mode bits.
func (f *Filesystem) Chmod(path string, mode uint16) error {
	ino, _, err := f.resolve(path)
	if err != nil {
		return err
	}
	return f.ChmodIno(common.Inum(ino), mode)
}

// ChmodIno is Chmod addressed by inode number directly.
func (f *Filesystem) ChmodIno(ino common.Inum, mode uint16) error {
	return f.mutate(func(tx *txn.Transaction) error {
		rec, err := f.inodes.Read(ino)
		if err != nil {
			return err
		}
		rec.Mode = mode
		rec.Ctime = f.now()
		return f.writeInode(tx, uint32(ino), rec)
	})
}

// Chown updates an inode's owning uid/gid.
func (f *Filesystem) Chown(path string, uid, gid uint32) error {
	ino, _, err := f.resolve(path)
	if err != nil {
		return err
	}
	return f.ChownIno(common.Inum(ino), uid, gid)
}

// ChownIno is Chown addressed by inode number directly.
func (f *Filesystem) ChownIno(ino common.Inum, uid, gid uint32) error {
	return f.mutate(func(tx *txn.Transaction) error {
		rec, err := f.inodes.Read(ino)
		if err != nil {
			return err
		}
		rec.UID, rec.GID = uid, gid
		rec.Ctime = f.now()
		return f.writeInode(tx, uint32(ino), rec)
	})
}

// Utimens updates an inode's access and modification times.
func (f *Filesystem) Utimens(path string, atime, mtime uint64) error {
	ino, _, err := f.resolve(path)
	if err != nil {
		return err
	}
	return f.UtimensIno(common.Inum(ino), atime, mtime)
}

// UtimensIno is Utimens addressed by inode number directly.
func (f *Filesystem) UtimensIno(ino common.Inum, atime, mtime uint64) error {
	return f.mutate(func(tx *txn.Transaction) error {
		rec, err := f.inodes.Read(ino)
		if err != nil {
			return err
		}
		rec.Atime, rec.Mtime = atime, mtime
		rec.Ctime = f.now()
		return f.writeInode(tx, uint32(ino), rec)
	})
}
