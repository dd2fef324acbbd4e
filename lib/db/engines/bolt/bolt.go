package bolt

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/rKV/lib/db"
	"github.com/ValentinKolb/rKV/lib/db/util"
	"github.com/pkg/errors"
	"go.etcd.io/bbolt"
)

var bucketName = []byte("kv")

// --------------------------------------------------------------------------
// Core database structure
// --------------------------------------------------------------------------

// boltImpl is a db.KVDB stored in a single bbolt file
type boltImpl struct {
	path    string
	bolt    *bbolt.DB
	opts    DBOptions
	workers *util.WorkerTable
	sizes   *util.SizeHistogram
	closed  atomic.Bool
}

// DBOptions configures the bolt database
type DBOptions struct {
	Path       string // File of the database, created (and truncated) on open
	DiskSizeMB int    // Initial size of the memory map, the file grows beyond it if needed
	MaxWorkers int    // Maximum number of registered handles (0 = 64)
	NoSync     bool   // Skip fsync after each commit
}

// DefaultOptions returns the default options for the database file at path
func DefaultOptions(path string) *DBOptions {
	return &DBOptions{
		Path:       path,
		DiskSizeMB: 1024,
		MaxWorkers: 64,
	}
}

// FileName returns the database file name used for a server.
func FileName(dataDir string, serverID int32) string {
	return filepath.Join(dataDir, fmt.Sprintf("sm-state-%d.db", serverID))
}

// NewBoltDB creates a fresh database file at opts.Path. An existing file is
// removed: the replicated state machine rebuilds its content from raft.
func NewBoltDB(opts *DBOptions) (db.KVDB, error) {
	if opts == nil || opts.Path == "" {
		return nil, errors.New("bolt: no database path")
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
		return nil, errors.Wrapf(err, "bolt: create directory for %s", opts.Path)
	}
	if err := os.Remove(opts.Path); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "bolt: remove stale database %s", opts.Path)
	}

	boltDB, err := bbolt.Open(opts.Path, 0o600, &bbolt.Options{
		Timeout:         time.Second,
		InitialMmapSize: opts.DiskSizeMB * 1024 * 1024,
		NoSync:          opts.NoSync,
		NoFreelistSync:  true,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "bolt: open %s", opts.Path)
	}

	err = boltDB.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		_ = boltDB.Close()
		return nil, errors.Wrap(err, "bolt: create bucket")
	}

	return &boltImpl{
		path:    opts.Path,
		bolt:    boltDB,
		opts:    *opts,
		workers: util.NewWorkerTable(opts.MaxWorkers),
		sizes:   util.NewSizeHistogram(),
	}, nil
}

// --------------------------------------------------------------------------
// KVDB Interface Methods
// --------------------------------------------------------------------------

func (b *boltImpl) Register() (db.Handle, error) {
	if b.closed.Load() {
		return nil, db.ErrClosed
	}
	slot, err := b.workers.Acquire()
	if err != nil {
		return nil, err
	}
	return &handle{db: b, slot: slot}, nil
}

// Snapshot copies the content of one read transaction into an in-memory tree.
func (b *boltImpl) Snapshot() (db.Snapshot, error) {
	if b.closed.Load() {
		return nil, db.ErrClosed
	}
	tree := util.NewPairTree(util.DefaultDegree)
	err := b.bolt.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).ForEach(func(k, v []byte) error {
			tree.ReplaceOrInsert(util.Pair{
				Key:   append([]byte(nil), k...),
				Value: append([]byte{}, v...),
			})
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "bolt: snapshot")
	}
	return util.NewTreeSnapshot(tree), nil
}

func (b *boltImpl) Reset() error {
	if b.closed.Load() {
		return db.ErrClosed
	}
	err := b.bolt.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(bucketName); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return err
		}
		_, err := tx.CreateBucket(bucketName)
		return err
	})
	if err != nil {
		return errors.Wrap(err, "bolt: reset")
	}
	b.sizes.Reset()
	return nil
}

func (b *boltImpl) DumpCache(w io.Writer) error {
	if b.closed.Load() {
		return db.ErrClosed
	}
	stats := b.bolt.Stats()
	var bucket bbolt.BucketStats
	var size int64
	err := b.bolt.View(func(tx *bbolt.Tx) error {
		bucket = tx.Bucket(bucketName).Stats()
		size = tx.Size()
		return nil
	})
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(w, "bolt cache dump (%s):\n", b.path)
	if err != nil {
		return err
	}
	rows := []struct {
		name  string
		value interface{}
	}{
		{"file size", size},
		{"keys", bucket.KeyN},
		{"depth", bucket.Depth},
		{"leaf pages", bucket.LeafPageN},
		{"leaf bytes in use", bucket.LeafInuse},
		{"branch pages", bucket.BranchPageN},
		{"free pages", stats.FreePageN},
		{"pending pages", stats.PendingPageN},
		{"read txs", stats.TxN},
		{"open read txs", stats.OpenTxN},
		{"page allocations", stats.TxStats.GetPageCount()},
		{"cursors", stats.TxStats.GetCursorCount()},
		{"node splits", stats.TxStats.GetSplit()},
		{"spills", stats.TxStats.GetSpill()},
		{"writes", stats.TxStats.GetWrite()},
		{"workers", b.workers.Used()},
	}
	for _, row := range rows {
		if _, err := fmt.Fprintf(w, "  %-22s: %v\n", row.name, row.value); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintln(w, "value sizes:"); err != nil {
		return err
	}
	_, err = b.sizes.WriteTo(w)
	return err
}

// ClearCache forces the pending writes to disk. bbolt relies on the page
// cache of the operating system and keeps no cache of its own.
func (b *boltImpl) ClearCache() error {
	if b.closed.Load() {
		return db.ErrClosed
	}
	return b.bolt.Sync()
}

func (b *boltImpl) GetInfo() db.DatabaseInfo {
	info := db.DatabaseInfo{
		DbType:  db.ImplBolt,
		Workers: b.workers.Used(),
	}
	if b.closed.Load() {
		return info
	}
	_ = b.bolt.View(func(tx *bbolt.Tx) error {
		info.SizeBytes = tx.Size()
		info.Keys = tx.Bucket(bucketName).Stats().KeyN
		return nil
	})
	info.Metadata = map[string]interface{}{
		"path":         b.path,
		"disk_size_mb": b.opts.DiskSizeMB,
		"no_sync":      b.opts.NoSync,
	}
	return info
}

func (b *boltImpl) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	return b.bolt.Close()
}

// --------------------------------------------------------------------------
// Handle
// --------------------------------------------------------------------------

type handle struct {
	db       *boltImpl
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
	if value == nil {
		value = []byte{}
	}
	err := h.db.bolt.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Put(key, value)
	})
	if err != nil {
		return toRetCode(err)
	}
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
	rc := db.RetCSuccess
	err := h.db.bolt.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketName)
		if _, found := get(bucket, key); !found {
			rc = db.RetCNotFound
			return nil
		}
		return bucket.Delete(key)
	})
	if err != nil {
		return toRetCode(err)
	}
	return rc
}

func (h *handle) Lookup(key []byte) ([]byte, db.RetCode) {
	if rc := h.usable(key); rc != db.RetCSuccess {
		return nil, rc
	}
	var value []byte
	found := false
	err := h.db.bolt.View(func(tx *bbolt.Tx) error {
		var v []byte
		if v, found = get(tx.Bucket(bucketName), key); found {
			value = append([]byte{}, v...)
		}
		return nil
	})
	if err != nil {
		return nil, toRetCode(err)
	}
	if !found {
		return nil, db.RetCNotFound
	}
	return value, db.RetCSuccess
}

func (h *handle) Deregister() {
	if h.released.CompareAndSwap(false, true) {
		h.db.workers.Release(h.slot)
	}
}

// get looks key up with a cursor, so an empty value is not mistaken for a missing key.
func get(bucket *bbolt.Bucket, key []byte) ([]byte, bool) {
	k, v := bucket.Cursor().Seek(key)
	if k == nil || !bytes.Equal(k, key) {
		return nil, false
	}
	return v, true
}

func toRetCode(err error) db.RetCode {
	switch {
	case err == nil:
		return db.RetCSuccess
	case errors.Is(err, bbolt.ErrKeyRequired), errors.Is(err, bbolt.ErrKeyTooLarge), errors.Is(err, bbolt.ErrValueTooLarge):
		return db.RetCInvalid
	default:
		return db.RetCIOError
	}
}
