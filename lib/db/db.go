package db

import (
	"errors"
	"fmt"
	"io"
)

// --------------------------------------------------------------------------
// Helper Types
// --------------------------------------------------------------------------

type Implementation string

const (
	ImplBolt  Implementation = "bolt"
	ImplBTree Implementation = "btree"
)

// RetCode is the integer result of a single storage operation. Non-zero codes
// follow the errno numbering of embedded storage engines.
type RetCode int32

const (
	RetCSuccess  RetCode = 0  // The operation was applied
	RetCNotFound RetCode = 2  // The key does not exist (ENOENT)
	RetCIOError  RetCode = 5  // The engine failed to read or write its storage (EIO)
	RetCInvalid  RetCode = 22 // The arguments were rejected, e.g. an empty key (EINVAL)
)

func (rc RetCode) String() string {
	switch rc {
	case RetCSuccess:
		return "Success"
	case RetCNotFound:
		return "NotFound"
	case RetCIOError:
		return "IOError"
	case RetCInvalid:
		return "Invalid"
	default:
		return fmt.Sprintf("RetCode(%d)", int32(rc))
	}
}

var (
	// ErrTooManyWorkers is returned by Register when the engine's worker table is full.
	ErrTooManyWorkers = errors.New("db: too many registered workers")
	// ErrClosed is returned by every operation on a closed database.
	ErrClosed = errors.New("db: database closed")
)

type DatabaseInfo struct {
	SizeBytes int64          `json:"size_bytes"`
	DbType    Implementation `json:"db_type"`
	Keys      int            `json:"keys"`
	Workers   int            `json:"workers"`
	Metadata  interface{}    `json:"metadata"`
}

// --------------------------------------------------------------------------
// Database Interface
// --------------------------------------------------------------------------

// Handle is the worker local entry point into a KVDB. Every goroutine that
// reads or writes the database registers once and uses its own handle; a
// handle must not be shared between goroutines that run concurrently.
type Handle interface {

	// Insert stores value under key, overwriting an existing value.
	Insert(key, value []byte) RetCode

	// Update replaces the value stored under key. If the key is absent the
	// entry is inserted.
	Update(key, value []byte) RetCode

	// Delete removes key. Deleting an absent key returns RetCNotFound.
	Delete(key []byte) RetCode

	// Lookup returns a copy of the value stored under key, or RetCNotFound.
	Lookup(key []byte) ([]byte, RetCode)

	// Deregister releases the worker slot. The handle is unusable afterwards.
	Deregister()
}

// Snapshot is an immutable point in time view of a KVDB.
type Snapshot interface {

	// Len returns the number of entries in the snapshot.
	Len() int

	// Range calls fn for every entry with a key >= from in ascending key order
	// until fn returns false. A nil from starts at the smallest key.
	Range(from []byte, fn func(key, value []byte) bool)

	// Release frees the snapshot.
	Release()
}

// KVDB defines the storage engine consumed by the replicated state machine.
// It exposes insert, update, delete and lookup by byte string key through
// registered handles, plus the bulk operations needed for snapshots.
type KVDB interface {

	// Register creates a handle for the calling worker.
	Register() (Handle, error)

	// Snapshot captures the current content of the database.
	Snapshot() (Snapshot, error)

	// Reset removes every entry.
	Reset() error

	// DumpCache writes a human readable diagnostic dump of the engine's
	// internal state to w.
	DumpCache(w io.Writer) error

	// ClearCache drops cached data that the engine can reload from storage.
	ClearCache() error

	// GetInfo returns information about the database.
	GetInfo() (info DatabaseInfo)

	// Close closes the database.
	Close() (err error)
}
