// Package fs is the POSIX operation layer of spec.md §4.9: it ties the
// superblock, bitmaps, inode table, block-addressing, directory codec,
// dentry cache, and transaction manager together into the single set
// of filesystem operations a host mount layer (fuseshim) calls. Every
// mutating operation runs as one transaction, per spec.md §4.9's
// begin/stage_meta/add_ordered/commit/abort discipline; non-mutating
// operations never open one. It has no single teacher analogue — the
// teacher package stops at the transactional key-value layer — so the
// operation contracts here are grounded directly in spec.md §4.9's
// table and in original_source/waynefs.py's operation names, while the
// plumbing (path walk, transaction lifecycle) reuses every lower layer
// built in this repo.
package fs

import (
	"errors"
	"strings"
	"sync"

	"github.com/wayne70211/wayne-fs/bitmap"
	"github.com/wayne70211/wayne-fs/blockaddr"
	"github.com/wayne70211/wayne-fs/cache"
	"github.com/wayne70211/wayne-fs/common"
	"github.com/wayne70211/wayne-fs/dentry"
	"github.com/wayne70211/wayne-fs/dirent"
	"github.com/wayne70211/wayne-fs/disk"
	"github.com/wayne70211/wayne-fs/inode"
	"github.com/wayne70211/wayne-fs/super"
	"github.com/wayne70211/wayne-fs/txn"
	"github.com/wayne70211/wayne-fs/wal"
	"github.com/wayne70211/wayne-fs/waynelog"
	"github.com/wayne70211/wayne-fs/werrors"
)

// Exit codes for cmd/waynefs-mount and cmd/waynefsck, per spec.md §6:
// zero on clean unmount, a distinct nonzero code per mount-failure
// cause.
const (
	ExitOK                    = 0
	ExitBadImage              = 1
	ExitBadMagic              = 2
	ExitJournalUnrecoverable  = 3
	ExitMountPointUnavailable = 4
)

// Attr is the attribute set surfaced by getattr/lookup/readdir, per
// spec.md §6's inode record fields.
type Attr struct {
	Ino   uint32
	Kind  common.Kind
	Mode  uint16
	UID   uint32
	GID   uint32
	Nlink uint32
	Size  uint64
	Atime uint64
	Mtime uint64
	Ctime uint64
}

func attrOf(ino uint32, rec *inode.Inode) Attr {
	return Attr{
		Ino: ino, Kind: rec.Kind, Mode: rec.Mode, UID: rec.UID, GID: rec.GID,
		Nlink: rec.Nlink, Size: rec.Size, Atime: rec.Atime, Mtime: rec.Mtime, Ctime: rec.Ctime,
	}
}

// DirEntry is one entry returned by ReadDir.
type DirEntry struct {
	Name string
	Ino  uint32
	Kind common.Kind
}

// StatFS mirrors spec.md §4.9's statfs contract.
type StatFS struct {
	TotalBlocks uint32
	FreeBlocks  uint32
	TotalInodes uint32
	FreeInodes  uint32
	BlockSize   uint64
}

// Filesystem is a mounted WayneFS image: every manager built in the
// lower layers, wired together.
type Filesystem struct {
	d   disk.Disk
	sb  *super.Superblock
	log *waynelog.Logger

	c           *cache.Cache
	journal     *wal.Journal
	txns        *txn.Manager
	inodeBitmap *bitmap.Bitmap
	dataBitmap  *bitmap.Bitmap
	inodes      *inode.Table
	addr        *blockaddr.Addressing
	dir         *dirent.Directory
	dentries    *dentry.Cache

	handlesMu   sync.Mutex
	openHandles map[uint32]uint32
}

// Mount loads the superblock, runs journal recovery if needed, and
// returns a ready-to-use Filesystem.
func Mount(d disk.Disk, logger *waynelog.Logger) (*Filesystem, error) {
	if logger == nil {
		logger = waynelog.Default
	}
	sb, err := super.Load(d)
	if err != nil {
		return nil, err
	}
	c := cache.New(d)
	installer := func(bno uint64, data []byte) error {
		return d.WriteBlock(bno, data)
	}
	j, err := wal.Open(d, uint64(sb.JournalStart), uint64(sb.JournalBlocks), logger, installer)
	if err != nil {
		return nil, err
	}

	inodeBitmap := bitmap.New(c, uint64(sb.InodeBitmapStart), uint64(sb.InodeBitmapBlocks), uint64(sb.InodeCount), sb.BlockSize)
	dataBitmap := bitmap.New(c, uint64(sb.DataBitmapStart), uint64(sb.DataBitmapBlocks), uint64(sb.DataBlocks()), sb.BlockSize)
	dataAlloc := bitmap.NewDataAllocator(dataBitmap, uint64(sb.DataStart))
	inodes := inode.New(c, uint64(sb.InodeTableStart), uint64(sb.InodeCount), sb.BlockSize)
	addr := blockaddr.New(c, dataAlloc, sb.BlockSize)
	dir := dirent.New(c, addr, sb.BlockSize)

	return &Filesystem{
		d: d, sb: sb, log: logger,
		c: c, journal: j, txns: txn.NewManager(d, c, j, logger),
		inodeBitmap: inodeBitmap, dataBitmap: dataBitmap,
		inodes: inodes, addr: addr, dir: dir, dentries: dentry.New(),
		openHandles: make(map[uint32]uint32),
	}, nil
}

// OpenIno registers an open handle on ino, per spec.md §3's inode
// lifecycle ("destroyed when link count reaches 0 and no open handle
// remains"): while a handle is open, Unlink/Rmdir/Rename may drop
// ino's link count to zero without freeing its blocks.
func (f *Filesystem) OpenIno(ino common.Inum) error {
	rec, err := f.inodes.Read(ino)
	if err != nil {
		return err
	}
	if rec.Free() {
		return werrors.NotFound(nil)
	}
	f.handlesMu.Lock()
	f.openHandles[uint32(ino)]++
	f.handlesMu.Unlock()
	return nil
}

// CloseIno releases one open handle on ino. If it was the last handle
// and ino's link count had already reached zero while a handle was
// open, the free that Unlink/Rmdir/Rename deferred runs now.
func (f *Filesystem) CloseIno(ino common.Inum) error {
	f.handlesMu.Lock()
	n := f.openHandles[uint32(ino)]
	if n > 0 {
		n--
	}
	if n == 0 {
		delete(f.openHandles, uint32(ino))
	} else {
		f.openHandles[uint32(ino)] = n
	}
	f.handlesMu.Unlock()
	if n > 0 {
		return nil
	}

	return f.mutate(func(tx *txn.Transaction) error {
		rec, err := f.inodes.Read(ino)
		if err != nil {
			return err
		}
		if rec.Kind == common.KindFree || rec.Nlink > 0 {
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
		if err := f.freeInode(tx, uint32(ino)); err != nil {
			return err
		}
		rec.Kind = common.KindFree
		if err := f.writeInode(tx, uint32(ino), rec); err != nil {
			return err
		}
		return f.syncFreeCounters(tx)
	})
}

// hasOpenHandle reports whether ino currently has at least one open
// handle registered via OpenIno.
func (f *Filesystem) hasOpenHandle(ino uint32) bool {
	f.handlesMu.Lock()
	defer f.handlesMu.Unlock()
	return f.openHandles[ino] > 0
}

func splitParent(path string) (dir, name string) {
	path = strings.TrimSuffix(path, "/")
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return "/", path
	}
	if i == 0 {
		return "/", path[1:]
	}
	return path[:i], path[i+1:]
}

// LookupChild resolves name within parentIno's directory, bypassing
// the dentry cache (used internally once the parent is already known).
func (f *Filesystem) LookupChild(parentIno common.Inum, name string) (uint32, common.Kind, error) {
	parent, err := f.inodes.Read(parentIno)
	if err != nil {
		return 0, 0, err
	}
	if parent.Kind != common.KindDirectory {
		return 0, 0, werrors.NotDir(nil)
	}
	return f.dir.Lookup(parent, name)
}

// resolve walks path from the root, consulting and populating the
// dentry cache (spec.md §4.6).
func (f *Filesystem) resolve(path string) (uint32, common.Kind, error) {
	if path == "" || path == "/" {
		rec, err := f.inodes.Read(common.RootInum)
		if err != nil {
			return 0, 0, err
		}
		return uint32(common.RootInum), rec.Kind, nil
	}

	if ino, kind, negative, ok := f.dentries.Lookup(path); ok {
		if negative {
			return 0, 0, werrors.NotFound(nil)
		}
		if rec, err := f.inodes.Read(common.Inum(ino)); err == nil && !rec.Free() && rec.Kind == kind {
			return ino, kind, nil
		}
		f.dentries.Invalidate(path)
	}

	parentPath, name := splitParent(path)
	parentIno, _, err := f.resolve(parentPath)
	if err != nil {
		return 0, 0, err
	}
	ino, kind, err := f.LookupChild(common.Inum(parentIno), name)
	if err != nil {
		if errors.Is(err, werrors.ErrNotFound) {
			f.dentries.InsertNegative(path)
		}
		return 0, 0, err
	}
	f.dentries.Insert(path, ino, kind)
	return ino, kind, nil
}

// GetAttr returns the attributes of path.
func (f *Filesystem) GetAttr(path string) (Attr, error) {
	ino, _, err := f.resolve(path)
	if err != nil {
		return Attr{}, err
	}
	return f.StatIno(common.Inum(ino))
}

// StatIno is GetAttr addressed by inode number directly, for callers
// (the FUSE adapter) that already hold it.
func (f *Filesystem) StatIno(ino common.Inum) (Attr, error) {
	rec, err := f.inodes.Read(ino)
	if err != nil {
		return Attr{}, err
	}
	return attrOf(uint32(ino), rec), nil
}

// Lookup resolves name within the directory at parentPath.
func (f *Filesystem) Lookup(parentPath, name string) (Attr, error) {
	parentIno, _, err := f.resolve(parentPath)
	if err != nil {
		return Attr{}, err
	}
	ino, _, err := f.LookupChild(common.Inum(parentIno), name)
	if err != nil {
		return Attr{}, err
	}
	rec, err := f.inodes.Read(common.Inum(ino))
	if err != nil {
		return Attr{}, err
	}
	return attrOf(ino, rec), nil
}

// ReadDir lists path's directory entries, including `.` and `..`.
func (f *Filesystem) ReadDir(path string) ([]DirEntry, error) {
	ino, _, err := f.resolve(path)
	if err != nil {
		return nil, err
	}
	return f.ReadDirIno(common.Inum(ino))
}

// ReadDirIno is ReadDir addressed by inode number directly.
func (f *Filesystem) ReadDirIno(ino common.Inum) ([]DirEntry, error) {
	rec, err := f.inodes.Read(ino)
	if err != nil {
		return nil, err
	}
	if rec.Kind != common.KindDirectory {
		return nil, werrors.NotDir(nil)
	}
	entries, err := f.dir.List(rec)
	if err != nil {
		return nil, err
	}
	out := make([]DirEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, DirEntry{Name: e.Name, Ino: e.Ino, Kind: e.Kind})
	}
	return out, nil
}

// Readlink returns the literal target stored in a symlink inode's data
// blocks.
func (f *Filesystem) Readlink(path string) (string, error) {
	ino, kind, err := f.resolve(path)
	if err != nil {
		return "", err
	}
	if kind != common.KindSymlink {
		return "", werrors.Invalid(nil)
	}
	return f.ReadlinkIno(common.Inum(ino))
}

// ReadlinkIno is Readlink addressed by inode number directly.
func (f *Filesystem) ReadlinkIno(ino common.Inum) (string, error) {
	rec, err := f.inodes.Read(ino)
	if err != nil {
		return "", err
	}
	if rec.Kind != common.KindSymlink {
		return "", werrors.Invalid(nil)
	}
	buf, err := f.readAt(rec, 0, rec.Size)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

// StatFS returns the superblock's capacity and free counters.
func (f *Filesystem) StatFS() StatFS {
	return StatFS{
		TotalBlocks: f.sb.TotalBlocks, FreeBlocks: f.sb.FreeBlocks,
		TotalInodes: f.sb.InodeCount, FreeInodes: f.sb.FreeInodes,
		BlockSize: f.sb.BlockSize,
	}
}

// Fsync forces a commit of any pending state; since every mutating
// operation already commits before returning, this is a durability
// barrier rather than a deferred-write flush.
func (f *Filesystem) Fsync() error {
	tx := f.txns.Begin()
	return tx.Commit()
}

// FsckReport summarizes the invariant check CheckInvariants performs.
type FsckReport struct {
	InodeBitmapMismatches []uint32 // inode numbers whose bit disagrees with Nlink>0
	DataBitmapMismatches  []uint64 // data block numbers whose bit disagrees with reachability
	FreeInodesReported    uint32
	FreeInodesCounted     uint64
	FreeBlocksReported    uint32
	FreeBlocksCounted     uint64
}

// OK reports whether the filesystem passed every invariant.
func (r *FsckReport) OK() bool {
	return len(r.InodeBitmapMismatches) == 0 && len(r.DataBitmapMismatches) == 0 &&
		uint64(r.FreeInodesReported) == r.FreeInodesCounted &&
		uint64(r.FreeBlocksReported) == r.FreeBlocksCounted
}

// CheckInvariants implements spec.md §8's property-based invariants 1-2:
// bitmap coherence (every bitmap bit set iff the object is reachable
// from a live inode) and free-counter correctness. It is read-only and
// opens no transaction; cmd/waynefsck calls this after Mount (which has
// already replayed the journal) to validate a freshly mounted image.
func (f *Filesystem) CheckInvariants() (*FsckReport, error) {
	report := &FsckReport{}

	reachable := make(map[uint64]bool)
	for ino := common.Inum(1); ino < common.Inum(f.sb.InodeCount); ino++ {
		rec, err := f.inodes.Read(ino)
		if err != nil {
			return nil, err
		}
		bitSet, err := f.inodeBitmap.Test(uint64(ino))
		if err != nil {
			return nil, err
		}
		live := rec.Nlink > 0
		if bitSet != live {
			report.InodeBitmapMismatches = append(report.InodeBitmapMismatches, uint32(ino))
		}
		if !live {
			continue
		}
		blocks, err := f.addr.ReachableBlocks(rec)
		if err != nil {
			return nil, err
		}
		for _, bno := range blocks {
			reachable[bno] = true
		}
	}

	for bno := f.sb.DataStart; bno < f.sb.TotalBlocks; bno++ {
		idx := uint64(bno) - uint64(f.sb.DataStart)
		bitSet, err := f.dataBitmap.Test(idx)
		if err != nil {
			return nil, err
		}
		if bitSet != reachable[uint64(bno)] {
			report.DataBitmapMismatches = append(report.DataBitmapMismatches, uint64(bno))
		}
	}

	freeInodes, err := f.inodeBitmap.CountFree()
	if err != nil {
		return nil, err
	}
	freeBlocks, err := f.dataBitmap.CountFree()
	if err != nil {
		return nil, err
	}
	report.FreeInodesReported = f.sb.FreeInodes
	report.FreeInodesCounted = freeInodes
	report.FreeBlocksReported = f.sb.FreeBlocks
	report.FreeBlocksCounted = freeBlocks
	return report, nil
}

// Unmount flushes the superblock's current counters, syncs the disk,
// and releases it. Every mutating operation already commits before
// returning, so there is no dirty in-memory state to drain beyond the
// superblock write-back.
func (f *Filesystem) Unmount() error {
	if err := f.d.WriteBlock(super.SuperblockBlock, f.sb.Encode()); err != nil {
		return err
	}
	if err := f.d.Sync(); err != nil {
		return err
	}
	return f.d.Close()
}
