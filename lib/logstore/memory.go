package logstore

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// memoryStore keeps the log in a map. Nothing survives a restart.
type memoryStore struct {
	nodeLabel
	mu      sync.Mutex
	entries map[uint64]*Entry
	start   uint64
	next    uint64
	closed  bool
	logger  *zap.Logger
}

// NewMemoryLogStore creates an empty in-memory log store.
func NewMemoryLogStore(logger *zap.Logger) ILogStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &memoryStore{
		entries: make(map[uint64]*Entry),
		start:   1,
		next:    1,
		logger:  logger.Named("logstore"),
	}
}

func (m *memoryStore) NextSlot() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.next
}

func (m *memoryStore) StartIndex() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.start
}

func (m *memoryStore) LastEntry() *Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[m.next-1]; ok && m.next > m.start {
		return e
	}
	return &Entry{}
}

func (m *memoryStore) Append(entries ...*Entry) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	first := m.next
	m.appendLocked(entries)
	return first, nil
}

func (m *memoryStore) appendLocked(entries []*Entry) {
	for _, e := range entries {
		c := e.clone()
		c.Index = m.next
		m.entries[m.next] = c
		m.next++
	}
}

func (m *memoryStore) WriteAt(index uint64, entry *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if err := m.prepareWriteLocked(index); err != nil {
		return err
	}
	m.appendLocked([]*Entry{entry})
	return nil
}

// prepareWriteLocked makes index the next slot: it drops the tail at and after
// index, or compacts up to index-1 when index lies beyond the stored entries.
func (m *memoryStore) prepareWriteLocked(index uint64) error {
	switch {
	case index < m.start:
		return errors.Wrapf(ErrCompacted, "write at %d, start index is %d", index, m.start)
	case index > m.next:
		m.compactLocked(index - 1)
	default:
		m.truncateLocked(index)
	}
	return nil
}

func (m *memoryStore) truncateLocked(from uint64) {
	if from < m.start {
		from = m.start
	}
	for i := from; i < m.next; i++ {
		delete(m.entries, i)
	}
	if from < m.next {
		m.next = from
	}
}

func (m *memoryStore) Truncate(from uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.truncateLocked(from)
	return nil
}

func (m *memoryStore) LogEntries(start, end uint64) ([]*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if start > end {
		return nil, errors.Wrapf(ErrRangeUnavailable, "invalid range [%d, %d)", start, end)
	}
	result := make([]*Entry, 0, end-start)
	for i := start; i < end; i++ {
		e, ok := m.entries[i]
		if !ok {
			return nil, errors.Wrapf(ErrRangeUnavailable, "entry %d missing in [%d, %d)", i, start, end)
		}
		result = append(result, e)
	}
	return result, nil
}

func (m *memoryStore) EntryAt(index uint64) (*Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < m.start || index >= m.next {
		return nil, false
	}
	e, ok := m.entries[index]
	return e, ok
}

func (m *memoryStore) TermAt(index uint64) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index >= m.next {
		panic(fmt.Sprintf("logstore: term of index %d requested, next slot is %d", index, m.next))
	}
	if index < m.start {
		return 0
	}
	return m.entries[index].Term
}

func (m *memoryStore) Pack(index uint64, count int32) ([]byte, error) {
	m.mu.Lock()
	var entries []*Entry
	for i := uint64(0); i < uint64(max(count, 0)); i++ {
		e, ok := m.entries[index+i]
		if !ok {
			break
		}
		entries = append(entries, e)
	}
	m.mu.Unlock()
	return buildPack(entries)
}

func (m *memoryStore) ApplyPack(index uint64, pack []byte) error {
	entries, err := parsePack(pack)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if err := m.prepareWriteLocked(index); err != nil {
		return err
	}
	m.appendLocked(entries)
	m.logger.Debug("applied log pack",
		zap.String("node", m.name()), zap.Uint64("index", index), zap.Int("entries", len(entries)))
	return nil
}

func (m *memoryStore) compactLocked(lastIndex uint64) {
	for i := m.start; i <= lastIndex && i < m.next; i++ {
		delete(m.entries, i)
	}
	if m.start <= lastIndex {
		m.start = lastIndex + 1
	}
	if m.next < m.start {
		m.next = m.start
	}
}

func (m *memoryStore) Compact(lastIndex uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.compactLocked(lastIndex)
	m.logger.Debug("compacted log",
		zap.String("node", m.name()), zap.Uint64("last_index", lastIndex), zap.Uint64("start", m.start))
	return nil
}

// Flush is a no-op, writes are visible immediately.
func (m *memoryStore) Flush() error {
	return nil
}

func (m *memoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.entries = make(map[uint64]*Entry)
	return nil
}
