package logstore

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var (
	logsBucket = []byte("logs")
	metaBucket = []byte("meta")
	startKey   = []byte("start")
)

// BoltOptions configures the durable log store
type BoltOptions struct {
	Path       string // File of the log
	DiskSizeMB int    // Initial size of the memory map
	NoSync     bool   // Skip fsync after each commit, only for tests
}

// FileName returns the log file name used for a server.
func FileName(dataDir string, serverID int32) string {
	return filepath.Join(dataDir, fmt.Sprintf("raft-log-%d.db", serverID))
}

// boltStore keeps every entry in a bbolt bucket keyed by the big endian index.
// The start index lives in a separate bucket so compaction beyond the stored
// entries survives a restart.
type boltStore struct {
	nodeLabel
	mu     sync.Mutex
	bolt   *bbolt.DB
	path   string
	start  uint64
	next   uint64
	logger *zap.Logger
}

// NewBoltLogStore opens (or creates) the durable log store at opts.Path.
func NewBoltLogStore(opts BoltOptions, logger *zap.Logger) (ILogStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
		return nil, errors.Wrapf(err, "create directory for %s", opts.Path)
	}
	boltDB, err := bbolt.Open(opts.Path, 0o600, &bbolt.Options{
		Timeout:         time.Second,
		InitialMmapSize: opts.DiskSizeMB * 1024 * 1024,
		NoSync:          opts.NoSync,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "open log store %s", opts.Path)
	}

	s := &boltStore{bolt: boltDB, path: opts.Path, start: 1, logger: logger.Named("logstore")}
	err = boltDB.Update(func(tx *bbolt.Tx) error {
		logs, err := tx.CreateBucketIfNotExists(logsBucket)
		if err != nil {
			return err
		}
		meta, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}
		if v := meta.Get(startKey); v != nil {
			s.start = binary.BigEndian.Uint64(v)
		}
		s.next = s.start
		if k, _ := logs.Cursor().Last(); k != nil && binary.BigEndian.Uint64(k) >= s.start {
			s.next = binary.BigEndian.Uint64(k) + 1
		}
		return nil
	})
	if err != nil {
		_ = boltDB.Close()
		return nil, errors.Wrapf(err, "recover log store %s", opts.Path)
	}

	s.logger.Info("opened log store",
		zap.String("path", opts.Path), zap.Uint64("start", s.start), zap.Uint64("next", s.next))
	return s, nil
}

func indexKey(index uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, index)
	return k
}

func (s *boltStore) NextSlot() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

func (s *boltStore) StartIndex() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.start
}

func (s *boltStore) LastEntry() *Entry {
	s.mu.Lock()
	next, start := s.next, s.start
	s.mu.Unlock()
	if next <= start {
		return &Entry{}
	}
	if e, ok := s.get(next - 1); ok {
		return e
	}
	return &Entry{}
}

// get reads a single entry without looking at start and next
func (s *boltStore) get(index uint64) (*Entry, bool) {
	var e *Entry
	err := s.bolt.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(logsBucket).Get(indexKey(index))
		if v == nil {
			return nil
		}
		var err error
		e, err = decodeEntry(v)
		return err
	})
	if err != nil {
		s.fatal("read log entry", err, index)
	}
	return e, e != nil
}

// fatal ends the process: a log store that cannot read or write its file
// cannot take part in consensus anymore.
func (s *boltStore) fatal(what string, err error, index uint64) {
	s.logger.Panic("log store failure",
		zap.String("node", s.name()), zap.String("op", what), zap.Uint64("index", index), zap.Error(err))
}

// putLocked writes entries at s.next and the following indices in one transaction
func (s *boltStore) putLocked(tx *bbolt.Tx, entries []*Entry) error {
	logs := tx.Bucket(logsBucket)
	for i, e := range entries {
		c := e.clone()
		c.Index = s.next + uint64(i)
		record, err := encodeEntry(c)
		if err != nil {
			return err
		}
		if err := logs.Put(indexKey(c.Index), record); err != nil {
			return err
		}
	}
	return nil
}

// deleteRangeLocked removes [from, to) from the logs bucket
func deleteRangeLocked(tx *bbolt.Tx, from, to uint64) error {
	logs := tx.Bucket(logsBucket)
	var keys [][]byte
	c := logs.Cursor()
	for k, _ := c.Seek(indexKey(from)); k != nil && binary.BigEndian.Uint64(k) < to; k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	for _, k := range keys {
		if err := logs.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func (s *boltStore) Append(entries ...*Entry) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	first := s.next
	err := s.bolt.Update(func(tx *bbolt.Tx) error {
		return s.putLocked(tx, entries)
	})
	if err != nil {
		return 0, errors.Wrapf(err, "append %d entries at %d", len(entries), first)
	}
	s.next += uint64(len(entries))
	return first, nil
}

func (s *boltStore) WriteAt(index uint64, entry *Entry) error {
	return s.replaceFrom(index, []*Entry{entry})
}

// replaceFrom makes index the next slot and appends entries there, all in one transaction
func (s *boltStore) replaceFrom(index uint64, entries []*Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < s.start {
		return errors.Wrapf(ErrCompacted, "write at %d, start index is %d", index, s.start)
	}

	start, next := s.start, s.next
	err := s.bolt.Update(func(tx *bbolt.Tx) error {
		if index > s.next {
			if err := s.compactTx(tx, index-1); err != nil {
				return err
			}
		} else if err := deleteRangeLocked(tx, index, s.next); err != nil {
			return err
		}
		s.next = index
		if err := s.putLocked(tx, entries); err != nil {
			return err
		}
		s.next += uint64(len(entries))
		return nil
	})
	if err != nil {
		s.start, s.next = start, next
		return errors.Wrapf(err, "write %d entries at %d", len(entries), index)
	}
	return nil
}

func (s *boltStore) Truncate(from uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if from < s.start {
		from = s.start
	}
	if from >= s.next {
		return nil
	}
	err := s.bolt.Update(func(tx *bbolt.Tx) error {
		return deleteRangeLocked(tx, from, s.next)
	})
	if err != nil {
		return errors.Wrapf(err, "truncate from %d", from)
	}
	s.next = from
	return nil
}

func (s *boltStore) LogEntries(start, end uint64) ([]*Entry, error) {
	if start > end {
		return nil, errors.Wrapf(ErrRangeUnavailable, "invalid range [%d, %d)", start, end)
	}
	result := make([]*Entry, 0, end-start)
	err := s.bolt.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(logsBucket).Cursor()
		expected := start
		for k, v := c.Seek(indexKey(start)); k != nil && expected < end; k, v = c.Next() {
			if binary.BigEndian.Uint64(k) != expected {
				break
			}
			e, err := decodeEntry(v)
			if err != nil {
				return err
			}
			result = append(result, e)
			expected++
		}
		if expected != end {
			return errors.Wrapf(ErrRangeUnavailable, "entry %d missing in [%d, %d)", expected, start, end)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *boltStore) EntryAt(index uint64) (*Entry, bool) {
	s.mu.Lock()
	inRange := index >= s.start && index < s.next
	s.mu.Unlock()
	if !inRange {
		return nil, false
	}
	return s.get(index)
}

func (s *boltStore) TermAt(index uint64) uint64 {
	s.mu.Lock()
	start, next := s.start, s.next
	s.mu.Unlock()
	if index >= next {
		panic(fmt.Sprintf("logstore: term of index %d requested, next slot is %d", index, next))
	}
	if index < start {
		return 0
	}
	e, ok := s.get(index)
	if !ok {
		// compacted between the range check and the read
		return 0
	}
	return e.Term
}

func (s *boltStore) Pack(index uint64, count int32) ([]byte, error) {
	var entries []*Entry
	err := s.bolt.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(logsBucket).Cursor()
		expected := index
		for k, v := c.Seek(indexKey(index)); k != nil && len(entries) < int(count); k, v = c.Next() {
			if binary.BigEndian.Uint64(k) != expected {
				break
			}
			e, err := decodeEntry(v)
			if err != nil {
				return err
			}
			entries = append(entries, e)
			expected++
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "pack %d entries at %d", count, index)
	}
	return buildPack(entries)
}

func (s *boltStore) ApplyPack(index uint64, pack []byte) error {
	entries, err := parsePack(pack)
	if err != nil {
		return err
	}
	if err := s.replaceFrom(index, entries); err != nil {
		return err
	}
	s.logger.Debug("applied log pack",
		zap.String("node", s.name()), zap.Uint64("index", index), zap.Int("entries", len(entries)))
	return nil
}

// compactTx removes entries <= lastIndex and persists the new start index
func (s *boltStore) compactTx(tx *bbolt.Tx, lastIndex uint64) error {
	if err := deleteRangeLocked(tx, s.start, lastIndex+1); err != nil {
		return err
	}
	if s.start <= lastIndex {
		s.start = lastIndex + 1
	}
	if s.next < s.start {
		s.next = s.start
	}
	return tx.Bucket(metaBucket).Put(startKey, indexKey(s.start))
}

func (s *boltStore) Compact(lastIndex uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	start, next := s.start, s.next
	err := s.bolt.Update(func(tx *bbolt.Tx) error {
		return s.compactTx(tx, lastIndex)
	})
	if err != nil {
		s.start, s.next = start, next
		s.fatal("compact", err, lastIndex)
	}
	s.logger.Debug("compacted log",
		zap.String("node", s.name()), zap.Uint64("last_index", lastIndex), zap.Uint64("start", s.start))
	return nil
}

func (s *boltStore) Flush() error {
	if err := s.bolt.Sync(); err != nil {
		return errors.Wrap(err, "flush log store")
	}
	return nil
}

func (s *boltStore) Close() error {
	return s.bolt.Close()
}
