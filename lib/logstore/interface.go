package logstore

import (
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrRangeUnavailable is returned by LogEntries when at least one index of the
	// requested range is not stored, usually because a compaction raced the read.
	// Callers fall back to a snapshot transfer.
	ErrRangeUnavailable = errors.New("logstore: log range unavailable")
	// ErrCompacted is returned when writing below the start index.
	ErrCompacted = errors.New("logstore: index already compacted")
	// ErrCorruptPack is returned by ApplyPack for a pack with non-positive count
	// or size fields or a truncated body.
	ErrCorruptPack = errors.New("logstore: corrupt log pack")
	// ErrClosed is returned by every operation on a closed store.
	ErrClosed = errors.New("logstore: store closed")
)

// Entry is one unit of replicated history. Index and Term are assigned by the
// consensus engine and the log store; Data is the opaque operation payload.
// Type, Extensions and AppendedAt carry the engine's own bookkeeping.
//
// Entries handed out by a store are shared and must not be modified.
type Entry struct {
	Index      uint64    `msgpack:"i"`
	Term       uint64    `msgpack:"t"`
	Type       uint8     `msgpack:"y"`
	Data       []byte    `msgpack:"d"`
	Extensions []byte    `msgpack:"e,omitempty"`
	AppendedAt time.Time `msgpack:"a"`
}

func (e *Entry) clone() *Entry {
	c := *e
	return &c
}

// NodeRef identifies the consensus node that owns a log store. Stores use it
// only to label diagnostics; they never control the node's lifecycle.
type NodeRef interface {
	NodeName() string
}

// ILogStore is a durable, ordered, gap free sequence of log entries with
// indices in [StartIndex, NextSlot).
type ILogStore interface {

	// NextSlot returns one past the highest stored index (1 for an empty store).
	NextSlot() uint64

	// StartIndex returns the lowest retrievable index. It starts at 1 and is
	// only ever raised by Compact.
	StartIndex() uint64

	// LastEntry returns the entry at NextSlot-1, or a zero valued dummy entry
	// (index 0, term 0, no data) when the store holds no entries.
	LastEntry() *Entry

	// Append stores the entries at NextSlot and the following indices and
	// returns the index assigned to the first one. For durable stores the
	// entries are persisted when Append returns.
	Append(entries ...*Entry) (uint64, error)

	// WriteAt discards every entry at index >= index and stores entry at
	// index. NextSlot becomes index+1.
	WriteAt(index uint64, entry *Entry) error

	// Truncate discards every entry at index >= from.
	Truncate(from uint64) error

	// LogEntries returns the entries in [start, end). If any index of the range
	// is missing ErrRangeUnavailable is returned.
	LogEntries(start, end uint64) ([]*Entry, error)

	// EntryAt returns the entry at index. The second result is false when the
	// index is outside [StartIndex, NextSlot).
	EntryAt(index uint64) (*Entry, bool)

	// TermAt returns the term of the entry at index, 0 for a compacted index.
	// It panics for index >= NextSlot, which only a broken consensus engine asks for.
	TermAt(index uint64) uint64

	// Pack serializes up to count consecutive entries starting at index.
	Pack(index uint64, count int32) ([]byte, error)

	// ApplyPack stores the entries of a pack starting at index, overwriting a
	// conflicting tail.
	ApplyPack(index uint64, pack []byte) error

	// Compact removes the entries <= lastIndex. If lastIndex lies beyond the
	// stored entries StartIndex (and NextSlot) still advance to lastIndex+1.
	Compact(lastIndex uint64) error

	// Flush blocks until every previous write is persisted.
	Flush() error

	// SetNode sets the node used to label diagnostics.
	SetNode(node NodeRef)

	// Close releases the store.
	Close() error
}

// nodeLabel holds the optional NodeRef of a store
type nodeLabel struct {
	ref atomic.Pointer[NodeRef]
}

func (n *nodeLabel) SetNode(node NodeRef) {
	if node == nil {
		n.ref.Store(nil)
		return
	}
	n.ref.Store(&node)
}

func (n *nodeLabel) name() string {
	if ref := n.ref.Load(); ref != nil {
		return (*ref).NodeName()
	}
	return "unbound"
}
