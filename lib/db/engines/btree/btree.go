package btree

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/rKV/lib/db"
	"github.com/ValentinKolb/rKV/lib/db/util"
)

// --------------------------------------------------------------------------
// Core database structure
// --------------------------------------------------------------------------

// btreeImpl is an in-memory db.KVDB backed by a single copy-on-write b-tree
type btreeImpl struct {
	mu      sync.RWMutex
	tree    *util.PairTree
	degree  int
	workers *util.WorkerTable
	sizes   *util.SizeHistogram
	closed  atomic.Bool

	// counters for the cache dump
	snapshots atomic.Uint64
	writes    atomic.Uint64
	reads     atomic.Uint64
}

// DBOptions configures the btree database
type DBOptions struct {
	Degree     int // Degree of the b-tree (< 2 = util.DefaultDegree)
	MaxWorkers int // Maximum number of registered handles (0 = 64)
}

// DefaultOptions returns the default options
func DefaultOptions() *DBOptions {
	return &DBOptions{
		Degree:     util.DefaultDegree,
		MaxWorkers: 64,
	}
}

// NewBTreeDB creates an empty database with the given options (optional)
func NewBTreeDB(opts *DBOptions) db.KVDB {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &btreeImpl{
		tree:    util.NewPairTree(opts.Degree),
		degree:  opts.Degree,
		workers: util.NewWorkerTable(opts.MaxWorkers),
		sizes:   util.NewSizeHistogram(),
	}
}

// --------------------------------------------------------------------------
// KVDB Interface Methods
// --------------------------------------------------------------------------

func (b *btreeImpl) Register() (db.Handle, error) {
	if b.closed.Load() {
		return nil, db.ErrClosed
	}
	slot, err := b.workers.Acquire()
	if err != nil {
		return nil, err
	}
	return &handle{db: b, slot: slot}, nil
}

// Snapshot clones the tree. The clone shares nodes with the live tree until
// either side writes, so capturing is O(1).
func (b *btreeImpl) Snapshot() (db.Snapshot, error) {
	if b.closed.Load() {
		return nil, db.ErrClosed
	}
	b.mu.Lock()
	clone := b.tree.Clone()
	b.mu.Unlock()
	b.snapshots.Add(1)
	return util.NewTreeSnapshot(clone), nil
}

func (b *btreeImpl) Reset() error {
	if b.closed.Load() {
		return db.ErrClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tree = util.NewPairTree(b.degree)
	b.sizes.Reset()
	return nil
}

func (b *btreeImpl) DumpCache(w io.Writer) error {
	b.mu.RLock()
	keys := b.tree.Len()
	b.mu.RUnlock()

	_, err := fmt.Fprintf(w,
		"btree cache dump:\n  %-22s: %d\n  %-22s: %d\n  %-22s: %d\n  %-22s: %d\n  %-22s: %d\n  %-22s: %d\nvalue sizes:\n",
		"keys", keys,
		"degree", b.degree,
		"workers", b.workers.Used(),
		"writes", b.writes.Load(),
		"reads", b.reads.Load(),
		"snapshots", b.snapshots.Load(),
	)
	if err != nil {
		return err
	}
	_, err = b.sizes.WriteTo(w)
	return err
}

// ClearCache is a no-op, every entry lives in memory.
func (b *btreeImpl) ClearCache() error {
	return nil
}

func (b *btreeImpl) GetInfo() db.DatabaseInfo {
	b.mu.RLock()
	keys := b.tree.Len()
	b.mu.RUnlock()
	return db.DatabaseInfo{
		SizeBytes: int64(keys) * int64(b.sizes.AverageSize()),
		DbType:    db.ImplBTree,
		Keys:      keys,
		Workers:   b.workers.Used(),
		Metadata: map[string]interface{}{
			"degree":    b.degree,
			"snapshots": b.snapshots.Load(),
		},
	}
}

func (b *btreeImpl) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.mu.Lock()
	b.tree = util.NewPairTree(b.degree)
	b.mu.Unlock()
	return nil
}

// --------------------------------------------------------------------------
// Handle
// --------------------------------------------------------------------------

type handle struct {
	db       *btreeImpl
	slot     int
	released atomic.Bool
}

func (h *handle) usable(key []byte) db.RetCode {
	if h.released.Load() || h.db.closed.Load() {
		return db.RetCIOError
	}
	if len(key) == 0 {
		return db.RetCInvalid
	}
	return db.RetCSuccess
}

func (h *handle) put(key, value []byte) db.RetCode {
	if rc := h.usable(key); rc != db.RetCSuccess {
		return rc
	}
	pair := util.Pair{
		Key:   append([]byte(nil), key...),
		Value: append([]byte{}, value...),
	}
	h.db.mu.Lock()
	h.db.tree.ReplaceOrInsert(pair)
	h.db.mu.Unlock()

	h.db.writes.Add(1)
	h.db.sizes.AddSample(len(value))
	return db.RetCSuccess
}

func (h *handle) Insert(key, value []byte) db.RetCode {
	return h.put(key, value)
}

// Update is an upsert, same as Insert for this engine.
func (h *handle) Update(key, value []byte) db.RetCode {
	return h.put(key, value)
}

func (h *handle) Delete(key []byte) db.RetCode {
	if rc := h.usable(key); rc != db.RetCSuccess {
		return rc
	}
	h.db.mu.Lock()
	_, found := h.db.tree.Delete(util.Pair{Key: key})
	h.db.mu.Unlock()

	h.db.writes.Add(1)
	if !found {
		return db.RetCNotFound
	}
	return db.RetCSuccess
}

func (h *handle) Lookup(key []byte) ([]byte, db.RetCode) {
	if rc := h.usable(key); rc != db.RetCSuccess {
		return nil, rc
	}
	h.db.mu.RLock()
	pair, found := h.db.tree.Get(util.Pair{Key: key})
	h.db.mu.RUnlock()

	h.db.reads.Add(1)
	if !found {
		return nil, db.RetCNotFound
	}
	return append([]byte{}, pair.Value...), db.RetCSuccess
}

func (h *handle) Deregister() {
	if h.released.CompareAndSwap(false, true) {
		h.db.workers.Release(h.slot)
	}
}
