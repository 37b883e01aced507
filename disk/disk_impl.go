package disk

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/wayne70211/wayne-fs/werrors"
)

var _ Disk = (*FileDisk)(nil)

// FileDisk is a Disk backed by a regular file, opened with advisory
// locking so a single running mount exclusively owns the image
// (spec.md §5).
type FileDisk struct {
	fd        int
	blockSize uint64
	numBlocks uint64
}

// OpenFileDisk opens an existing, already-formatted image. It takes an
// exclusive advisory lock on the file to enforce the single-mount
// ownership policy.
func OpenFileDisk(path string, blockSize uint64) (*FileDisk, error) {
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, werrors.IO(fmt.Errorf("open %s: %w", path, err))
	}
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		unix.Close(fd)
		return nil, werrors.IO(fmt.Errorf("image %s is already mounted: %w", path, err))
	}
	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		unix.Close(fd)
		return nil, werrors.IO(err)
	}
	if blockSize == 0 || stat.Size%int64(blockSize) != 0 {
		unix.Close(fd)
		return nil, werrors.Structural(werrors.ErrBadGeometry, fmt.Errorf("image size %d not a multiple of block size %d", stat.Size, blockSize))
	}
	return &FileDisk{fd: fd, blockSize: blockSize, numBlocks: uint64(stat.Size) / blockSize}, nil
}

// CreateFileDisk creates (or truncates) a new image file of exactly
// numBlocks*blockSize bytes. Used only by the formatter.
func CreateFileDisk(path string, blockSize, numBlocks uint64) (*FileDisk, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_TRUNC, 0666)
	if err != nil {
		return nil, werrors.IO(fmt.Errorf("create %s: %w", path, err))
	}
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		unix.Close(fd)
		return nil, werrors.IO(err)
	}
	if err := unix.Ftruncate(fd, int64(numBlocks*blockSize)); err != nil {
		unix.Close(fd)
		return nil, werrors.IO(err)
	}
	return &FileDisk{fd: fd, blockSize: blockSize, numBlocks: numBlocks}, nil
}

func (d *FileDisk) BlockSize() uint64 { return d.blockSize }
func (d *FileDisk) Size() uint64      { return d.numBlocks }

func (d *FileDisk) ReadBlockInto(bno uint64, buf Block) error {
	if uint64(len(buf)) != d.blockSize {
		return werrors.Invalid(fmt.Errorf("buffer is %d bytes, want %d", len(buf), d.blockSize))
	}
	if err := checkRange(bno, d.numBlocks); err != nil {
		return err
	}
	n, err := unix.Pread(d.fd, buf, int64(bno*d.blockSize))
	if err != nil {
		return werrors.IO(err)
	}
	if uint64(n) != d.blockSize {
		return werrors.IO(fmt.Errorf("short read: %d of %d bytes", n, d.blockSize))
	}
	return nil
}

func (d *FileDisk) ReadBlock(bno uint64) (Block, error) {
	buf := make(Block, d.blockSize)
	if err := d.ReadBlockInto(bno, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (d *FileDisk) WriteBlock(bno uint64, buf Block) error {
	if uint64(len(buf)) != d.blockSize {
		return werrors.Invalid(fmt.Errorf("buffer is %d bytes, want %d", len(buf), d.blockSize))
	}
	if err := checkRange(bno, d.numBlocks); err != nil {
		return err
	}
	n, err := unix.Pwrite(d.fd, buf, int64(bno*d.blockSize))
	if err != nil {
		return werrors.IO(err)
	}
	if uint64(n) != d.blockSize {
		return werrors.IO(fmt.Errorf("short write: %d of %d bytes", n, d.blockSize))
	}
	return nil
}

func (d *FileDisk) Sync() error {
	if err := unix.Fsync(d.fd); err != nil {
		return werrors.IO(err)
	}
	return nil
}

func (d *FileDisk) Close() error {
	unix.Flock(d.fd, unix.LOCK_UN)
	if err := unix.Close(d.fd); err != nil {
		return werrors.IO(err)
	}
	return nil
}

// MemDisk is an in-memory Disk, used by tests. The journal tests
// simulate a crash by taking a Snapshot and later Restoring it
// (possibly altered) before reopening the journal.
var _ Disk = (*MemDisk)(nil)

type MemDisk struct {
	mu        sync.RWMutex
	blockSize uint64
	blocks    []Block
}

func NewMemDisk(blockSize, numBlocks uint64) *MemDisk {
	blocks := make([]Block, numBlocks)
	for i := range blocks {
		blocks[i] = make(Block, blockSize)
	}
	return &MemDisk{blockSize: blockSize, blocks: blocks}
}

func (d *MemDisk) BlockSize() uint64 { return d.blockSize }
func (d *MemDisk) Size() uint64      { return uint64(len(d.blocks)) }

func (d *MemDisk) ReadBlockInto(bno uint64, buf Block) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if err := checkRange(bno, uint64(len(d.blocks))); err != nil {
		return err
	}
	copy(buf, d.blocks[bno])
	return nil
}

func (d *MemDisk) ReadBlock(bno uint64) (Block, error) {
	buf := make(Block, d.blockSize)
	if err := d.ReadBlockInto(bno, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (d *MemDisk) WriteBlock(bno uint64, buf Block) error {
	if uint64(len(buf)) != d.blockSize {
		return werrors.Invalid(fmt.Errorf("buffer is %d bytes, want %d", len(buf), d.blockSize))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := checkRange(bno, uint64(len(d.blocks))); err != nil {
		return err
	}
	copy(d.blocks[bno], buf)
	return nil
}

func (d *MemDisk) Sync() error  { return nil }
func (d *MemDisk) Close() error { return nil }

// Snapshot returns a deep copy of all blocks, used by tests that simulate
// a crash by reverting to a previously captured snapshot.
func (d *MemDisk) Snapshot() [][]byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([][]byte, len(d.blocks))
	for i, b := range d.blocks {
		c := make([]byte, len(b))
		copy(c, b)
		out[i] = c
	}
	return out
}

// Restore overwrites the disk's contents with a previously captured
// Snapshot.
func (d *MemDisk) Restore(snap [][]byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, b := range snap {
		copy(d.blocks[i], b)
	}
}
