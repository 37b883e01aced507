// Package txn is the operation-facing transaction API of spec.md §4.8:
// Begin/StageMeta/AddOrdered/Commit/Abort, wrapping the page cache and
// the write-ahead journal so every POSIX operation runs as a single
// atomic, crash-safe unit. It is grounded on the teacher's txn.Txn
// (txn/txn.go: Begin, a set of dirty buffers, Commit driving the log),
// generalized from the teacher's per-object buftxn model (each
// modified object individually tracked in a ReleaseAll-style map) to
// WayneFS's per-block model, since every write this filesystem makes
// is already addressed as a cache page by the time it reaches this
// layer.
package txn

import (
	"sync"

	"github.com/wayne70211/wayne-fs/cache"
	"github.com/wayne70211/wayne-fs/disk"
	"github.com/wayne70211/wayne-fs/waynelog"
	"github.com/wayne70211/wayne-fs/wal"
	"github.com/wayne70211/wayne-fs/werrors"
)

// Manager owns the cache and journal shared by every transaction.
// Per spec.md §5, transactions are strictly sequential — never
// overlapping — so Manager's lock simply enforces that discipline
// rather than arbitrating real concurrency.
type Manager struct {
	mu sync.Mutex

	d       disk.Disk
	c       *cache.Cache
	journal *wal.Journal
	log     *waynelog.Logger
}

func NewManager(d disk.Disk, c *cache.Cache, j *wal.Journal, logger *waynelog.Logger) *Manager {
	if logger == nil {
		logger = waynelog.Default
	}
	return &Manager{d: d, c: c, journal: j, log: logger}
}

// Cache exposes the shared page cache, e.g. for read-only operations
// that need no transaction at all.
func (m *Manager) Cache() *cache.Cache { return m.c }

// Begin starts a new transaction. The caller must call exactly one of
// Commit or Abort before beginning another (spec.md §5's single
// outstanding transaction invariant); Manager's lock is held for the
// lifetime of the transaction to enforce this.
func (m *Manager) Begin() *Transaction {
	m.mu.Lock()
	return &Transaction{mgr: m}
}

// Transaction accumulates the blocks touched by one POSIX operation
// until it is committed or aborted.
type Transaction struct {
	mgr *Manager

	metaSeen    map[uint64]bool
	metaBnos    []uint64
	orderedSeen map[uint64]bool
	orderedData []uint64

	done bool
}

// StageMeta records that bno (already mutated in the page cache,
// either via Get or freshly assembled via Put) must be included in
// this transaction's journal commit, per spec.md §4.8's stage_meta.
func (t *Transaction) StageMeta(bno uint64) {
	if t.metaSeen == nil {
		t.metaSeen = make(map[uint64]bool)
	}
	if !t.metaSeen[bno] {
		t.metaSeen[bno] = true
		t.metaBnos = append(t.metaBnos, bno)
	}
}

// StageMetaAll is a convenience for staging a batch of blocks returned
// by a lower layer (e.g. blockaddr.Resolve's touched list).
func (t *Transaction) StageMetaAll(bnos []uint64) {
	for _, bno := range bnos {
		t.StageMeta(bno)
	}
}

// AddOrdered marks bno as ordered data: per spec.md §4.8's ordered
// mode, it must be flushed to its home location before this
// transaction's metadata commit becomes durable.
func (t *Transaction) AddOrdered(bno uint64) {
	if t.orderedSeen == nil {
		t.orderedSeen = make(map[uint64]bool)
	}
	if !t.orderedSeen[bno] {
		t.orderedSeen[bno] = true
		t.orderedData = append(t.orderedData, bno)
	}
}

// Commit runs the full five-step protocol of spec.md §4.8: flush
// ordered data and sync (step 1), journal the touched metadata blocks
// (steps 2-4), then write them to their home locations and checkpoint
// (step 5). A transaction that staged no metadata commits trivially
// once its ordered data is flushed.
func (t *Transaction) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	defer t.release()

	if err := t.mgr.c.FlushSet(t.orderedData); err != nil {
		t.discard()
		return werrors.IO(err)
	}
	if len(t.orderedData) > 0 {
		if err := t.mgr.d.Sync(); err != nil {
			t.discard()
			return werrors.IO(err)
		}
	}

	if len(t.metaBnos) == 0 {
		return nil
	}

	metaWrites := make(map[uint64][]byte, len(t.metaBnos))
	for _, bno := range t.metaBnos {
		buf, err := t.mgr.c.Read(bno)
		if err != nil {
			t.discard()
			return err
		}
		metaWrites[bno] = buf
	}

	txnID, err := t.mgr.journal.Commit(metaWrites)
	if err != nil {
		t.discard()
		return werrors.Transaction(err)
	}
	if txnID == 0 {
		return nil
	}

	if err := t.mgr.c.FlushSet(t.metaBnos); err != nil {
		// The transaction is durable in the log regardless; recovery
		// will replay it on next mount since the journal head has not
		// advanced past it yet.
		return werrors.Transaction(err)
	}
	if err := t.mgr.d.Sync(); err != nil {
		return werrors.Transaction(err)
	}
	if err := t.mgr.journal.Checkpoint(txnID, len(t.metaBnos)); err != nil {
		return werrors.Transaction(err)
	}
	return nil
}

// Abort discards every staged metadata change, dropping dirty pages
// from the cache without writing them anywhere.
func (t *Transaction) Abort() {
	if t.done {
		return
	}
	t.done = true
	defer t.release()
	t.discard()
}

func (t *Transaction) discard() {
	for _, bno := range t.metaBnos {
		t.mgr.c.ForceInvalidate(bno)
	}
}

func (t *Transaction) release() {
	t.mgr.mu.Unlock()
}
