// Package fuseshim adapts a mounted WayneFS (fs.Filesystem) to
// github.com/hanwen/go-fuse/v2's high-level node API. Every FUSE
// *Inode's StableAttr.Ino is set to the WayneFS inode number it
// represents, so the two numbering spaces are always identical rather
// than mapped through a side table. It is grounded on the
// InodeEmbedder idiom used throughout the go-fuse v2 ecosystem — this
// pack's own smallblue2-OptiFS__structs.go imports the same
// github.com/hanwen/go-fuse/v2/fs package and embeds fs.Inode the same
// way — generalized from that node-metadata-cache design to a thin
// pass-through onto our own transactional filesystem, which already
// does its own attribute bookkeeping.
package fuseshim

import (
	"context"
	"syscall"

	gofs "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/wayne70211/wayne-fs/common"
	wfs "github.com/wayne70211/wayne-fs/fs"
	"github.com/wayne70211/wayne-fs/werrors"
)

// Node is one FUSE node, backed directly by a WayneFS inode number.
type Node struct {
	gofs.Inode

	fsys *wfs.Filesystem
	ino  uint32
}

var _ gofs.InodeEmbedder = (*Node)(nil)

// NewRoot returns the root node of fsys, for gofs.Mount.
func NewRoot(fsys *wfs.Filesystem) *Node {
	return &Node{fsys: fsys, ino: uint32(common.RootInum)}
}

func typeBits(kind common.Kind) uint32 {
	switch kind {
	case common.KindDirectory:
		return syscall.S_IFDIR
	case common.KindSymlink:
		return syscall.S_IFLNK
	default:
		return syscall.S_IFREG
	}
}

func attrFromWFS(out *fuse.Attr, a wfs.Attr) {
	out.Ino = uint64(a.Ino)
	out.Size = a.Size
	out.Blocks = (a.Size + 511) / 512
	out.Mode = typeBits(a.Kind) | uint32(a.Mode)
	out.Nlink = a.Nlink
	out.Owner = fuse.Owner{Uid: a.UID, Gid: a.GID}
	out.Atime = a.Atime
	out.Mtime = a.Mtime
	out.Ctime = a.Ctime
}

func errnoOf(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	switch {
	case errIs(err, werrors.ErrNotFound):
		return syscall.ENOENT
	case errIs(err, werrors.ErrExists):
		return syscall.EEXIST
	case errIs(err, werrors.ErrNotDir):
		return syscall.ENOTDIR
	case errIs(err, werrors.ErrIsDir):
		return syscall.EISDIR
	case errIs(err, werrors.ErrNotEmpty):
		return syscall.ENOTEMPTY
	case errIs(err, werrors.ErrNoSpace):
		return syscall.ENOSPC
	case errIs(err, werrors.ErrNameTooLong):
		return syscall.ENAMETOOLONG
	case errIs(err, werrors.ErrInvalid):
		return syscall.EINVAL
	case errIs(err, werrors.ErrLoop):
		return syscall.ELOOP
	default:
		return syscall.EIO
	}
}

func errIs(err, target error) bool {
	for err != nil {
		if e, ok := err.(*werrors.Error); ok && e.Is(target) {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func callerIDs(ctx context.Context) (uint32, uint32) {
	if c, ok := fuse.FromContext(ctx); ok {
		return c.Uid, c.Gid
	}
	return 0, 0
}

// fullPath reconstructs the absolute path from the FUSE kernel's own
// node tree, for the handful of structural operations
// (create/mkdir/unlink/rmdir/rename/link/symlink) that the
// path-resolving, dentry-cached fs.Filesystem API needs.
func fullPath(n *gofs.Inode) string {
	p := n.Path(nil)
	if p == "" {
		return "/"
	}
	return "/" + p
}

func (n *Node) childPath(name string) string {
	p := fullPath(&n.Inode)
	if p == "/" {
		return "/" + name
	}
	return p + "/" + name
}

func (n *Node) newChild(ctx context.Context, attr wfs.Attr) *gofs.Inode {
	return n.NewInode(ctx, &Node{fsys: n.fsys, ino: attr.Ino}, gofs.StableAttr{
		Mode: typeBits(attr.Kind),
		Ino:  uint64(attr.Ino),
	})
}

// Getattr implements gofs.NodeGetattrer.
func (n *Node) Getattr(ctx context.Context, f gofs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	a, err := n.fsys.StatIno(common.Inum(n.ino))
	if err != nil {
		return errnoOf(err)
	}
	attrFromWFS(&out.Attr, a)
	return 0
}

// Setattr implements gofs.NodeSetattrer: chmod, chown, truncate, and
// utimens all arrive here, each field optional.
func (n *Node) Setattr(ctx context.Context, f gofs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	ino := common.Inum(n.ino)
	if mode, ok := in.GetMode(); ok {
		if err := n.fsys.ChmodIno(ino, uint16(mode&0777)); err != nil {
			return errnoOf(err)
		}
	}
	if uid, uok := in.GetUID(); uok {
		gid, gok := in.GetGID()
		if !gok {
			cur, err := n.fsys.StatIno(ino)
			if err != nil {
				return errnoOf(err)
			}
			gid = cur.GID
		}
		if err := n.fsys.ChownIno(ino, uid, gid); err != nil {
			return errnoOf(err)
		}
	} else if gid, gok := in.GetGID(); gok {
		cur, err := n.fsys.StatIno(ino)
		if err != nil {
			return errnoOf(err)
		}
		if err := n.fsys.ChownIno(ino, cur.UID, gid); err != nil {
			return errnoOf(err)
		}
	}
	if sz, ok := in.GetSize(); ok {
		if err := n.fsys.TruncateIno(ino, sz); err != nil {
			return errnoOf(err)
		}
	}
	if atime, ok := in.GetATime(); ok {
		cur, err := n.fsys.StatIno(ino)
		if err != nil {
			return errnoOf(err)
		}
		mtime := cur.Mtime
		if mt, ok := in.GetMTime(); ok {
			mtime = uint64(mt.Unix())
		}
		if err := n.fsys.UtimensIno(ino, uint64(atime.Unix()), mtime); err != nil {
			return errnoOf(err)
		}
	} else if mt, ok := in.GetMTime(); ok {
		cur, err := n.fsys.StatIno(ino)
		if err != nil {
			return errnoOf(err)
		}
		if err := n.fsys.UtimensIno(ino, cur.Atime, uint64(mt.Unix())); err != nil {
			return errnoOf(err)
		}
	}

	a, err := n.fsys.StatIno(ino)
	if err != nil {
		return errnoOf(err)
	}
	attrFromWFS(&out.Attr, a)
	return 0
}

// Lookup implements gofs.NodeLookuper.
func (n *Node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofs.Inode, syscall.Errno) {
	childIno, _, err := n.fsys.LookupChild(common.Inum(n.ino), name)
	if err != nil {
		return nil, errnoOf(err)
	}
	a, err := n.fsys.StatIno(common.Inum(childIno))
	if err != nil {
		return nil, errnoOf(err)
	}
	attrFromWFS(&out.Attr, a)
	return n.newChild(ctx, a), 0
}

// dirStream adapts a []wfs.DirEntry to gofs.DirStream.
type dirStream struct {
	entries []wfs.DirEntry
	pos     int
}

func (s *dirStream) HasNext() bool { return s.pos < len(s.entries) }

func (s *dirStream) Next() (fuse.DirEntry, syscall.Errno) {
	e := s.entries[s.pos]
	s.pos++
	return fuse.DirEntry{Mode: typeBits(e.Kind), Name: e.Name, Ino: uint64(e.Ino)}, 0
}

func (s *dirStream) Close() {}

// Readdir implements gofs.NodeReaddirer.
func (n *Node) Readdir(ctx context.Context) (gofs.DirStream, syscall.Errno) {
	entries, err := n.fsys.ReadDirIno(common.Inum(n.ino))
	if err != nil {
		return nil, errnoOf(err)
	}
	return &dirStream{entries: entries}, 0
}

// Open implements gofs.NodeOpener. WayneFS has no separate file-handle
// state of its own — every Read/Write call commits its own
// transaction — but it does register the open with the filesystem so
// a concurrent Unlink/Rmdir/Rename defers freeing ino's blocks until
// Release, per spec.md §3's inode lifecycle.
func (n *Node) Open(ctx context.Context, flags uint32) (gofs.FileHandle, uint32, syscall.Errno) {
	if err := n.fsys.OpenIno(common.Inum(n.ino)); err != nil {
		return nil, 0, errnoOf(err)
	}
	return nil, 0, 0
}

// Release implements gofs.NodeReleaser, unregistering the handle Open
// registered and running any free that was deferred while it was open.
func (n *Node) Release(ctx context.Context, f gofs.FileHandle) syscall.Errno {
	if err := n.fsys.CloseIno(common.Inum(n.ino)); err != nil {
		return errnoOf(err)
	}
	return 0
}

// Read implements gofs.NodeReader.
func (n *Node) Read(ctx context.Context, f gofs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	data, err := n.fsys.Read(common.Inum(n.ino), uint64(off), uint64(len(dest)))
	if err != nil {
		return nil, errnoOf(err)
	}
	return fuse.ReadResultData(data), 0
}

// Write implements gofs.NodeWriter.
func (n *Node) Write(ctx context.Context, f gofs.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	written, err := n.fsys.Write(common.Inum(n.ino), uint64(off), data)
	if err != nil {
		return 0, errnoOf(err)
	}
	return uint32(written), 0
}

// Create implements gofs.NodeCreater.
func (n *Node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*gofs.Inode, gofs.FileHandle, uint32, syscall.Errno) {
	uid, gid := callerIDs(ctx)
	a, err := n.fsys.Create(n.childPath(name), uint16(mode&0777), uid, gid)
	if err != nil {
		return nil, nil, 0, errnoOf(err)
	}
	attrFromWFS(&out.Attr, a)
	return n.newChild(ctx, a), nil, 0, 0
}

// Mkdir implements gofs.NodeMkdirer.
func (n *Node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*gofs.Inode, syscall.Errno) {
	uid, gid := callerIDs(ctx)
	a, err := n.fsys.Mkdir(n.childPath(name), uint16(mode&0777), uid, gid)
	if err != nil {
		return nil, errnoOf(err)
	}
	attrFromWFS(&out.Attr, a)
	return n.newChild(ctx, a), 0
}

// Rmdir implements gofs.NodeRmdirer.
func (n *Node) Rmdir(ctx context.Context, name string) syscall.Errno {
	if err := n.fsys.Rmdir(n.childPath(name)); err != nil {
		return errnoOf(err)
	}
	return 0
}

// Unlink implements gofs.NodeUnlinker.
func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	if err := n.fsys.Unlink(n.childPath(name)); err != nil {
		return errnoOf(err)
	}
	return 0
}

// Rename implements gofs.NodeRenamer.
func (n *Node) Rename(ctx context.Context, name string, newParent gofs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	dst, ok := newParent.(*Node)
	if !ok {
		return syscall.EXDEV
	}
	if err := n.fsys.Rename(n.childPath(name), dst.childPath(newName)); err != nil {
		return errnoOf(err)
	}
	return 0
}

// Link implements gofs.NodeLinker.
func (n *Node) Link(ctx context.Context, target gofs.InodeEmbedder, name string, out *fuse.EntryOut) (*gofs.Inode, syscall.Errno) {
	src, ok := target.(*Node)
	if !ok {
		return nil, syscall.EXDEV
	}
	a, err := n.fsys.Link(fullPath(&src.Inode), n.childPath(name))
	if err != nil {
		return nil, errnoOf(err)
	}
	attrFromWFS(&out.Attr, a)
	return n.newChild(ctx, a), 0
}

// Symlink implements gofs.NodeSymlinker.
func (n *Node) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*gofs.Inode, syscall.Errno) {
	uid, gid := callerIDs(ctx)
	a, err := n.fsys.Symlink(target, n.childPath(name), uid, gid)
	if err != nil {
		return nil, errnoOf(err)
	}
	attrFromWFS(&out.Attr, a)
	return n.newChild(ctx, a), 0
}

// Readlink implements gofs.NodeReadlinker.
func (n *Node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	target, err := n.fsys.ReadlinkIno(common.Inum(n.ino))
	if err != nil {
		return nil, errnoOf(err)
	}
	return []byte(target), 0
}

// Statfs implements gofs.NodeStatfser.
func (n *Node) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	s := n.fsys.StatFS()
	out.Bsize = uint32(s.BlockSize)
	out.Blocks = uint64(s.TotalBlocks)
	out.Bfree = uint64(s.FreeBlocks)
	out.Bavail = uint64(s.FreeBlocks)
	out.Files = uint64(s.TotalInodes)
	out.Ffree = uint64(s.FreeInodes)
	out.NameLen = 255
	return 0
}

// Fsync implements gofs.NodeFsyncer.
func (n *Node) Fsync(ctx context.Context, f gofs.FileHandle, flags uint32) syscall.Errno {
	if err := n.fsys.Fsync(); err != nil {
		return errnoOf(err)
	}
	return 0
}

var (
	_ gofs.NodeGetattrer   = (*Node)(nil)
	_ gofs.NodeSetattrer   = (*Node)(nil)
	_ gofs.NodeLookuper    = (*Node)(nil)
	_ gofs.NodeReaddirer   = (*Node)(nil)
	_ gofs.NodeOpener      = (*Node)(nil)
	_ gofs.NodeReleaser    = (*Node)(nil)
	_ gofs.NodeReader      = (*Node)(nil)
	_ gofs.NodeWriter      = (*Node)(nil)
	_ gofs.NodeCreater     = (*Node)(nil)
	_ gofs.NodeMkdirer     = (*Node)(nil)
	_ gofs.NodeRmdirer     = (*Node)(nil)
	_ gofs.NodeUnlinker    = (*Node)(nil)
	_ gofs.NodeRenamer     = (*Node)(nil)
	_ gofs.NodeLinker      = (*Node)(nil)
	_ gofs.NodeSymlinker   = (*Node)(nil)
	_ gofs.NodeReadlinker  = (*Node)(nil)
	_ gofs.NodeStatfser    = (*Node)(nil)
	_ gofs.NodeFsyncer     = (*Node)(nil)
)

// Mount starts serving fsys at mountpoint and returns the running FUSE
// server; callers should call server.Wait() to block until unmount.
func Mount(mountpoint string, fsys *wfs.Filesystem, debug bool) (*fuse.Server, error) {
	opts := &gofs.Options{}
	opts.Debug = debug
	opts.MountOptions.FsName = "waynefs"
	opts.MountOptions.Name = "waynefs"
	return gofs.Mount(mountpoint, NewRoot(fsys), opts)
}
