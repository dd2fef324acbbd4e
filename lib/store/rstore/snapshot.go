package rstore

import (
	"bytes"
	"sort"
	"sync"

	"github.com/ValentinKolb/rKV/lib/db"
	"github.com/ValentinKolb/rKV/lib/db/util"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

var (
	// ErrSnapshotsDisabled is returned by every snapshot operation of a state
	// machine created with snapshots turned off.
	ErrSnapshotsDisabled = errors.New("rstore: snapshots are disabled")
	// ErrUnknownSnapshot is returned for a snapshot index that is not (or no longer) retained.
	ErrUnknownSnapshot = errors.New("rstore: unknown snapshot")
	// ErrSnapshotIncomplete is returned when applying a snapshot whose last object was not received.
	ErrSnapshotIncomplete = errors.New("rstore: snapshot not fully received")
	// ErrObjectOutOfOrder is returned when snapshot objects are read or saved out of sequence.
	ErrObjectOutOfOrder = errors.New("rstore: snapshot object out of order")
)

const (
	// DefaultRetainedSnapshots is the number of snapshot contexts kept in memory
	DefaultRetainedSnapshots = 3
	// DefaultSnapshotBatch is the number of pairs carried by one snapshot object
	DefaultSnapshotBatch = 1024
)

// SnapshotMeta identifies a snapshot by the last log entry it contains.
type SnapshotMeta struct {
	Index uint64 `msgpack:"index"`
	Term  uint64 `msgpack:"term"`
}

// snapshotHeader is object 0 of every snapshot
type snapshotHeader struct {
	SnapshotMeta
	Pairs int `msgpack:"pairs"`
}

// snapshotBatch is one object >= 1
type snapshotBatch struct {
	Keys   [][]byte `msgpack:"keys"`
	Values [][]byte `msgpack:"values"`
}

// snapshotContext is either a captured storage state that is read object by
// object (sender side) or the staging area of a snapshot being received.
type snapshotContext struct {
	meta SnapshotMeta

	// sender side
	state  db.Snapshot
	starts map[uint64][]byte // first key of every object id reached so far
	ready  [][]byte          // pre-encoded objects, set by asynchronous capture

	// receiver side
	staged   *util.PairTree
	expected uint64
	complete bool
}

func newSenderContext(meta SnapshotMeta, state db.Snapshot) *snapshotContext {
	return &snapshotContext{
		meta:     meta,
		state:    state,
		starts:   map[uint64][]byte{1: nil},
		complete: true,
	}
}

func newReceiverContext(meta SnapshotMeta) *snapshotContext {
	return &snapshotContext{
		meta:   meta,
		staged: util.NewPairTree(util.DefaultDegree),
	}
}

func (c *snapshotContext) release() {
	if c.state != nil {
		c.state.Release()
		c.state = nil
	}
	c.staged = nil
	c.ready = nil
}

// header encodes object 0
func (c *snapshotContext) header() ([]byte, bool, error) {
	pairs := c.pairs()
	data, err := msgpack.Marshal(&snapshotHeader{SnapshotMeta: c.meta, Pairs: pairs})
	if err != nil {
		return nil, false, errors.Wrap(err, "encode snapshot header")
	}
	return data, pairs == 0, nil
}

func (c *snapshotContext) pairs() int {
	if c.state != nil {
		return c.state.Len()
	}
	if c.staged != nil {
		return c.staged.Len()
	}
	return 0
}

// object encodes object objID >= 1 with up to batch pairs
func (c *snapshotContext) object(objID uint64, batch int) ([]byte, bool, error) {
	if c.ready != nil {
		if objID >= uint64(len(c.ready)) {
			return nil, false, errors.Wrapf(ErrObjectOutOfOrder, "object %d of %d", objID, len(c.ready))
		}
		return c.ready[objID], objID == uint64(len(c.ready))-1, nil
	}

	from, ok := c.starts[objID]
	if !ok {
		return nil, false, errors.Wrapf(ErrObjectOutOfOrder, "object %d requested before object %d", objID, objID-1)
	}
	if c.state == nil {
		return nil, false, errors.Wrapf(ErrUnknownSnapshot, "snapshot %d was released", c.meta.Index)
	}

	var out snapshotBatch
	var next []byte
	c.state.Range(from, func(key, value []byte) bool {
		if len(out.Keys) == batch {
			next = key
			return false
		}
		out.Keys = append(out.Keys, key)
		out.Values = append(out.Values, value)
		return true
	})
	data, err := msgpack.Marshal(&out)
	if err != nil {
		return nil, false, errors.Wrapf(err, "encode snapshot object %d", objID)
	}
	if next == nil {
		return data, true, nil
	}
	c.starts[objID+1] = bytes.Clone(next)
	return data, false, nil
}

// materialize encodes every object up front
func (c *snapshotContext) materialize(batch int) error {
	header, last, err := c.header()
	if err != nil {
		return err
	}
	objects := [][]byte{header}
	for id := uint64(1); !last; id++ {
		var obj []byte
		obj, last, err = c.object(id, batch)
		if err != nil {
			return err
		}
		objects = append(objects, obj)
	}
	c.ready = objects
	return nil
}

// save stages a received object
func (c *snapshotContext) save(objID uint64, data []byte, isLast bool) error {
	if objID != c.expected {
		return errors.Wrapf(ErrObjectOutOfOrder, "received object %d, expected %d", objID, c.expected)
	}
	if objID > 0 {
		var in snapshotBatch
		if err := msgpack.Unmarshal(data, &in); err != nil {
			return errors.Wrapf(err, "decode snapshot object %d", objID)
		}
		if len(in.Keys) != len(in.Values) {
			return errors.Errorf("snapshot object %d has %d keys but %d values", objID, len(in.Keys), len(in.Values))
		}
		for i := range in.Keys {
			c.staged.ReplaceOrInsert(util.Pair{Key: in.Keys[i], Value: in.Values[i]})
		}
	}
	c.expected++
	c.complete = isLast
	return nil
}

func decodeHeader(data []byte) (snapshotHeader, error) {
	var h snapshotHeader
	if err := msgpack.Unmarshal(data, &h); err != nil {
		return h, errors.Wrap(err, "decode snapshot header")
	}
	return h, nil
}

// snapshotMap retains the most recent snapshot contexts by index. Once more
// than limit contexts are held the one with the smallest index is evicted.
type snapshotMap struct {
	mu       sync.Mutex
	contexts map[uint64]*snapshotContext
	limit    int
}

func newSnapshotMap(limit int) *snapshotMap {
	if limit < 1 {
		limit = DefaultRetainedSnapshots
	}
	return &snapshotMap{contexts: make(map[uint64]*snapshotContext), limit: limit}
}

// put stores ctx, replacing a context with the same index
func (m *snapshotMap) put(ctx *snapshotContext) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.contexts[ctx.meta.Index]; ok && old != ctx {
		old.release()
	}
	m.contexts[ctx.meta.Index] = ctx
	for len(m.contexts) > m.limit {
		oldest := m.indicesLocked()[0]
		m.contexts[oldest].release()
		delete(m.contexts, oldest)
	}
}

func (m *snapshotMap) get(index uint64) (*snapshotContext, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ctx, ok := m.contexts[index]
	return ctx, ok
}

// with runs fn on the context of index while holding the map lock
func (m *snapshotMap) with(index uint64, fn func(ctx *snapshotContext) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ctx, ok := m.contexts[index]
	if !ok {
		return errors.Wrapf(ErrUnknownSnapshot, "snapshot %d", index)
	}
	return fn(ctx)
}

// latest returns the metadata of the completed snapshot with the highest index
func (m *snapshotMap) latest() (SnapshotMeta, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	indices := m.indicesLocked()
	for i := len(indices) - 1; i >= 0; i-- {
		if ctx := m.contexts[indices[i]]; ctx.complete {
			return ctx.meta, true
		}
	}
	return SnapshotMeta{}, false
}

func (m *snapshotMap) indices() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.indicesLocked()
}

func (m *snapshotMap) indicesLocked() []uint64 {
	indices := make([]uint64, 0, len(m.contexts))
	for idx := range m.contexts {
		indices = append(indices, idx)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
	return indices
}

func (m *snapshotMap) clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for idx, ctx := range m.contexts {
		ctx.release()
		delete(m.contexts, idx)
	}
}
