package rstore

import (
	"encoding/binary"
	"io"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/rKV/lib/db"
	"github.com/ValentinKolb/rKV/lib/db/util"
	"github.com/ValentinKolb/rKV/lib/store/rstore/internal"
	"github.com/hashicorp/raft"
	"github.com/pkg/errors"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

// --------------------------------------------------------------------------
// State Machine Implementation
// --------------------------------------------------------------------------

// SnapshotOptions configures the snapshot subsystem of the state machine
type SnapshotOptions struct {
	Enabled bool // Snapshots are created at all
	Async   bool // Encode snapshot objects on the worker pool instead of on demand
	Workers int  // Size of the worker pool for asynchronous snapshots
	Batch   int  // Pairs per snapshot object
	Retain  int  // Snapshot contexts kept in memory
}

// KVStateMachine applies committed operations to a db.KVDB. It implements
// raft.FSM and raft.ConfigurationStore.
//
// The consensus engine delivers commits one at a time in log order; an entry
// whose index is not above the last committed index means the log is broken,
// so does a payload that does not decode. Both end the process.
type KVStateMachine struct {
	database db.KVDB
	opts     SnapshotOptions
	logger   *zap.Logger

	// commit handle, registered on the first commit
	running atomic.Bool
	ready   chan struct{}
	handle  db.Handle

	lastCommitted atomic.Uint64
	lastTerm      atomic.Uint64
	applied       atomic.Uint64

	snapshots *snapshotMap
	workers   *pool.Pool
	closed    atomic.Bool
}

var (
	_ raft.FSM                = (*KVStateMachine)(nil)
	_ raft.ConfigurationStore = (*KVStateMachine)(nil)
)

// NewKVStateMachine creates a state machine on top of database. The database
// is owned by the state machine from now on and closed by Close.
func NewKVStateMachine(database db.KVDB, opts SnapshotOptions, logger *zap.Logger) *KVStateMachine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Batch < 1 {
		opts.Batch = DefaultSnapshotBatch
	}
	return &KVStateMachine{
		database:  database,
		opts:      opts,
		logger:    logger.Named("statemachine"),
		ready:     make(chan struct{}),
		snapshots: newSnapshotMap(opts.Retain),
		workers:   pool.New().WithMaxGoroutines(opts.Workers),
	}
}

// commitHandle returns the storage handle used by commits. The first caller
// registers it; concurrent first callers wait for that registration.
func (fsm *KVStateMachine) commitHandle() db.Handle {
	if fsm.running.CompareAndSwap(false, true) {
		h, err := fsm.database.Register()
		if err != nil {
			fsm.logger.Panic("failed to register commit handle", zap.Error(err))
		}
		fsm.handle = h
		close(fsm.ready)
		fsm.logger.Debug("registered commit handle")
	}
	<-fsm.ready
	return fsm.handle
}

// Running reports whether the first commit happened.
func (fsm *KVStateMachine) Running() bool {
	return fsm.running.Load()
}

// Commit applies the operation carried by payload at index logIdx and returns
// the storage return code as a 4 byte big endian signed integer.
func (fsm *KVStateMachine) Commit(logIdx, term uint64, payload []byte) []byte {
	h := fsm.commitHandle()
	start := time.Now()

	op, err := internal.Decode(payload)
	if err != nil {
		fsm.logger.Panic("corrupt log entry", zap.Uint64("index", logIdx), zap.Error(err))
	}
	if last := fsm.lastCommitted.Load(); logIdx <= last {
		fsm.logger.Panic("commit out of order",
			zap.Uint64("index", logIdx), zap.Uint64("last_committed", last))
	}

	var rc db.RetCode
	switch op.Type {
	case internal.OperationTPut:
		rc = h.Insert(op.Key, op.Value)
	case internal.OperationTUpdate:
		rc = h.Update(op.Key, op.Value)
	case internal.OperationTDelete:
		rc = h.Delete(op.Key)
	default:
		fsm.logger.Panic("unknown operation", zap.Uint64("index", logIdx), zap.Stringer("type", op.Type))
	}

	fsm.lastCommitted.Store(logIdx)
	fsm.lastTerm.Store(term)
	fsm.applied.Add(1)

	if elapsed := time.Since(start); elapsed > time.Millisecond {
		fsm.logger.Info("slow commit",
			zap.Uint64("index", logIdx), zap.Stringer("op", op.Type), zap.Duration("took", elapsed))
	}
	return EncodeResult(rc)
}

// CommitConfig records a committed configuration entry. The membership itself
// is kept by the consensus engine.
func (fsm *KVStateMachine) CommitConfig(logIdx, term uint64) {
	for {
		last := fsm.lastCommitted.Load()
		// restores report the configuration of the snapshot, which may be older
		if logIdx <= last {
			return
		}
		if fsm.lastCommitted.CompareAndSwap(last, logIdx) {
			fsm.lastTerm.Store(term)
			return
		}
	}
}

// LastCommitIndex returns the index of the last applied entry.
func (fsm *KVStateMachine) LastCommitIndex() uint64 {
	return fsm.lastCommitted.Load()
}

// EncodeResult packs a storage return code the way Commit returns it.
func EncodeResult(rc db.RetCode) []byte {
	out := make([]byte, 4)
	binary.BigEndian.PutUint32(out, uint32(int32(rc)))
	return out
}

// DecodeResult unpacks the result of Commit.
func DecodeResult(data []byte) (db.RetCode, error) {
	if len(data) != 4 {
		return 0, errors.Errorf("commit result of %d bytes", len(data))
	}
	return db.RetCode(int32(binary.BigEndian.Uint32(data))), nil
}

// --------------------------------------------------------------------------
// raft.FSM
// --------------------------------------------------------------------------

// Apply is called by the consensus engine for every committed command entry.
func (fsm *KVStateMachine) Apply(log *raft.Log) interface{} {
	if log.Type != raft.LogCommand {
		fsm.logger.Panic("unexpected log type", zap.Uint64("index", log.Index), zap.Stringer("type", log.Type))
	}
	return fsm.Commit(log.Index, log.Term, log.Data)
}

// StoreConfiguration is called for every committed configuration entry and
// after a snapshot restore.
func (fsm *KVStateMachine) StoreConfiguration(index uint64, _ raft.Configuration) {
	fsm.CommitConfig(index, fsm.lastTerm.Load())
}

// Snapshot captures the current storage state. The engine calls it on the
// commit goroutine, so the capture matches LastCommitIndex exactly.
func (fsm *KVStateMachine) Snapshot() (raft.FSMSnapshot, error) {
	meta := SnapshotMeta{Index: fsm.lastCommitted.Load(), Term: fsm.lastTerm.Load()}
	done := make(chan error, 1)
	if err := fsm.CreateSnapshot(meta, func(ok bool, err error) {
		done <- err
	}); err != nil {
		return nil, err
	}
	return &fsmSnapshot{fsm: fsm, meta: meta, done: done}, nil
}

// Restore replaces the storage state with the snapshot read from rc.
func (fsm *KVStateMachine) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	data, last, err := readFrame(rc)
	if err != nil {
		return errors.Wrap(err, "read snapshot header")
	}
	header, err := decodeHeader(data)
	if err != nil {
		return err
	}
	if err := fsm.SaveLogicalObject(header.SnapshotMeta, 0, data, last); err != nil {
		return err
	}
	for objID := uint64(1); !last; objID++ {
		if data, last, err = readFrame(rc); err != nil {
			return errors.Wrapf(err, "read snapshot object %d", objID)
		}
		if err := fsm.SaveLogicalObject(header.SnapshotMeta, objID, data, last); err != nil {
			return err
		}
	}
	return fsm.ApplySnapshot(header.SnapshotMeta)
}

// --------------------------------------------------------------------------
// Logical Snapshots
// --------------------------------------------------------------------------

// SnapshotsEnabled reports whether the state machine creates snapshots.
func (fsm *KVStateMachine) SnapshotsEnabled() bool {
	return fsm.opts.Enabled
}

// CreateSnapshot captures the current storage state under meta.Index.
// The capture itself always happens before CreateSnapshot returns. With
// asynchronous snapshots the objects are then encoded on the worker pool and
// onDone runs there; otherwise onDone runs before CreateSnapshot returns.
func (fsm *KVStateMachine) CreateSnapshot(meta SnapshotMeta, onDone func(ok bool, err error)) error {
	if !fsm.opts.Enabled {
		return ErrSnapshotsDisabled
	}
	if fsm.closed.Load() {
		return db.ErrClosed
	}
	state, err := fsm.database.Snapshot()
	if err != nil {
		return errors.Wrapf(err, "capture snapshot %d", meta.Index)
	}
	ctx := newSenderContext(meta, state)

	if !fsm.opts.Async {
		fsm.snapshots.put(ctx)
		fsm.logger.Debug("created snapshot", zap.Uint64("index", meta.Index), zap.Int("pairs", state.Len()))
		onDone(true, nil)
		return nil
	}

	fsm.workers.Go(func() {
		start := time.Now()
		if err := ctx.materialize(fsm.opts.Batch); err != nil {
			ctx.release()
			fsm.logger.Error("asynchronous snapshot failed", zap.Uint64("index", meta.Index), zap.Error(err))
			onDone(false, err)
			return
		}
		// the encoded objects are self-contained from now on
		ctx.state.Release()
		ctx.state = nil
		fsm.snapshots.put(ctx)
		fsm.logger.Debug("created snapshot",
			zap.Uint64("index", meta.Index), zap.Int("objects", len(ctx.ready)), zap.Duration("took", time.Since(start)))
		onDone(true, nil)
	})
	return nil
}

// ReadLogicalObject returns object objID of the snapshot at index and whether
// it is the last one. Object 0 is the header; objects must be read in order.
func (fsm *KVStateMachine) ReadLogicalObject(index, objID uint64) (data []byte, isLast bool, err error) {
	if !fsm.opts.Enabled {
		return nil, false, ErrSnapshotsDisabled
	}
	err = fsm.snapshots.with(index, func(ctx *snapshotContext) error {
		if ctx.state == nil && ctx.ready == nil {
			return errors.Wrapf(ErrUnknownSnapshot, "snapshot %d is not readable", index)
		}
		if objID == 0 && ctx.ready == nil {
			data, isLast, err = ctx.header()
			return err
		}
		data, isLast, err = ctx.object(objID, fsm.opts.Batch)
		return err
	})
	return data, isLast, err
}

// SaveLogicalObject stages object objID of a snapshot sent by another replica.
// Object 0 starts a new staging area for meta.Index.
func (fsm *KVStateMachine) SaveLogicalObject(meta SnapshotMeta, objID uint64, data []byte, isLast bool) error {
	if objID == 0 {
		if _, err := decodeHeader(data); err != nil {
			return err
		}
		ctx := newReceiverContext(meta)
		if err := ctx.save(0, data, isLast); err != nil {
			return err
		}
		fsm.snapshots.put(ctx)
		return nil
	}
	return fsm.snapshots.with(meta.Index, func(ctx *snapshotContext) error {
		if ctx.staged == nil {
			return errors.Wrapf(ErrObjectOutOfOrder, "snapshot %d is not being received", meta.Index)
		}
		return ctx.save(objID, data, isLast)
	})
}

// ApplySnapshot replaces the storage content with a fully received snapshot.
func (fsm *KVStateMachine) ApplySnapshot(meta SnapshotMeta) error {
	var pairs []util.Pair
	err := fsm.snapshots.with(meta.Index, func(ctx *snapshotContext) error {
		if ctx.staged == nil || !ctx.complete {
			return errors.Wrapf(ErrSnapshotIncomplete, "snapshot %d", meta.Index)
		}
		pairs = make([]util.Pair, 0, ctx.staged.Len())
		ctx.staged.Ascend(func(p util.Pair) bool {
			pairs = append(pairs, p)
			return true
		})
		ctx.staged = nil
		return nil
	})
	if err != nil {
		return err
	}

	if err := fsm.database.Reset(); err != nil {
		fsm.logger.Panic("failed to reset storage for snapshot", zap.Uint64("index", meta.Index), zap.Error(err))
	}
	h := fsm.commitHandle()
	for _, p := range pairs {
		if rc := h.Insert(p.Key, p.Value); rc != db.RetCSuccess {
			fsm.logger.Panic("failed to install snapshot pair",
				zap.Uint64("index", meta.Index), zap.Stringer("rc", rc))
		}
	}
	fsm.lastCommitted.Store(meta.Index)
	fsm.lastTerm.Store(meta.Term)
	fsm.logger.Info("applied snapshot", zap.Uint64("index", meta.Index), zap.Int("pairs", len(pairs)))
	return nil
}

// LastSnapshot returns the metadata of the most recent complete snapshot.
func (fsm *KVStateMachine) LastSnapshot() (SnapshotMeta, bool) {
	return fsm.snapshots.latest()
}

// RetainedSnapshots returns the indices of all retained snapshots in ascending order.
func (fsm *KVStateMachine) RetainedSnapshots() []uint64 {
	return fsm.snapshots.indices()
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

// Database returns the storage engine.
func (fsm *KVStateMachine) Database() db.KVDB {
	return fsm.database
}

// Close waits for running snapshot tasks and closes the storage engine.
func (fsm *KVStateMachine) Close() error {
	if !fsm.closed.CompareAndSwap(false, true) {
		return nil
	}
	fsm.workers.Wait()
	fsm.snapshots.clear()
	if fsm.running.Load() {
		<-fsm.ready
		fsm.handle.Deregister()
	}
	return fsm.database.Close()
}
