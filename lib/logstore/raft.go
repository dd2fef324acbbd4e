package logstore

import (
	"github.com/hashicorp/raft"
	"github.com/pkg/errors"
)

// RaftLogStore exposes an ILogStore as a raft.LogStore.
//
// The consensus engine removes entries with DeleteRange in two situations:
// compaction after a snapshot (a prefix) and conflicting leader appends (a
// suffix). Storing an entry beyond NextSlot happens after a snapshot install;
// the gap is closed by compacting up to the new entry.
type RaftLogStore struct {
	store ILogStore
}

var _ raft.LogStore = (*RaftLogStore)(nil)

// NewRaftLogStore wraps store.
func NewRaftLogStore(store ILogStore) *RaftLogStore {
	return &RaftLogStore{store: store}
}

// Store returns the wrapped log store.
func (r *RaftLogStore) Store() ILogStore {
	return r.store
}

func (r *RaftLogStore) FirstIndex() (uint64, error) {
	start, next := r.store.StartIndex(), r.store.NextSlot()
	if next <= start {
		return 0, nil
	}
	return start, nil
}

func (r *RaftLogStore) LastIndex() (uint64, error) {
	start, next := r.store.StartIndex(), r.store.NextSlot()
	if next <= start {
		return 0, nil
	}
	return next - 1, nil
}

func (r *RaftLogStore) GetLog(index uint64, log *raft.Log) error {
	e, ok := r.store.EntryAt(index)
	if !ok {
		return raft.ErrLogNotFound
	}
	*log = toRaftLog(e)
	return nil
}

func (r *RaftLogStore) StoreLog(log *raft.Log) error {
	return r.StoreLogs([]*raft.Log{log})
}

func (r *RaftLogStore) StoreLogs(logs []*raft.Log) error {
	if len(logs) == 0 {
		return nil
	}
	entries := make([]*Entry, len(logs))
	for i, l := range logs {
		entries[i] = fromRaftLog(l)
	}

	first := logs[0].Index
	if first != r.store.NextSlot() {
		if err := r.store.WriteAt(first, entries[0]); err != nil {
			return err
		}
		entries = entries[1:]
		if len(entries) == 0 {
			return nil
		}
	}
	_, err := r.store.Append(entries...)
	return err
}

func (r *RaftLogStore) DeleteRange(min, max uint64) error {
	start, next := r.store.StartIndex(), r.store.NextSlot()
	switch {
	case max+1 >= next:
		return r.store.Truncate(min)
	case min <= start:
		return r.store.Compact(max)
	default:
		return errors.Errorf("logstore: cannot delete [%d, %d] inside [%d, %d)", min, max, start, next)
	}
}

func toRaftLog(e *Entry) raft.Log {
	return raft.Log{
		Index:      e.Index,
		Term:       e.Term,
		Type:       raft.LogType(e.Type),
		Data:       e.Data,
		Extensions: e.Extensions,
		AppendedAt: e.AppendedAt,
	}
}

func fromRaftLog(l *raft.Log) *Entry {
	return &Entry{
		Index:      l.Index,
		Term:       l.Term,
		Type:       uint8(l.Type),
		Data:       l.Data,
		Extensions: l.Extensions,
		AppendedAt: l.AppendedAt,
	}
}
