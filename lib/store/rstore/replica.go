package rstore

import (
	"fmt"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/rKV/lib/db"
	"github.com/ValentinKolb/rKV/lib/logstore"
	"github.com/ValentinKolb/rKV/lib/statemgr"
	"github.com/ValentinKolb/rKV/lib/store"
	"github.com/ValentinKolb/rKV/lib/store/rstore/internal"
	"github.com/hashicorp/raft"
	"github.com/pkg/errors"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	// ErrInitTimeout is returned by Initialize when the consensus engine did not
	// become ready within the configured retries.
	ErrInitTimeout = errors.New("rstore: consensus engine not initialized in time")
	// ErrShutdownTimeout is returned by Shutdown when the consensus engine did
	// not stop within the time limit.
	ErrShutdownTimeout = errors.New("rstore: shutdown time limit exceeded")
	// ErrNotReady is returned by operations that need an initialized replica.
	ErrNotReady = errors.New("rstore: replica not ready")
	// ErrCommitTimeout is reported when an enqueued entry was not committed
	// within the client request timeout. The entry may still be committed later.
	ErrCommitTimeout = errors.New("rstore: entry not committed in time")
)

// --------------------------------------------------------------------------
// Configuration
// --------------------------------------------------------------------------

// ReturnMethod selects how AppendLog waits for the consensus result.
type ReturnMethod string

const (
	ReturnBlocking ReturnMethod = "blocking" // the calling goroutine waits for the commit
	ReturnAsync    ReturnMethod = "async"    // the commit is awaited on the completion pool
)

// Config holds the consensus parameters of a replica.
type Config struct {
	Self      statemgr.Member
	Bootstrap bool // Bootstrap a single node cluster if there is no existing state

	// Heartbeat is the leader lease: a leader that has not heard from a quorum
	// for this long steps down. The engine sends heartbeats at a tenth of
	// ElectionTimeout on its own. Values above ElectionTimeout are clamped to it.
	Heartbeat        time.Duration
	ElectionTimeout  time.Duration // Time without leader contact before an election starts
	ReservedLogItems uint64        // Entries kept in the log after a snapshot
	ClientReqTimeout time.Duration // Time to enqueue and commit a new entry
	ReturnMethod     ReturnMethod
	CompletionPool   int // Goroutines awaiting asynchronous commits

	SnapshotFrequency uint64 // Entries between snapshots, 0 disables snapshots
	AsyncSnapshots    bool
	SnapshotWorkers   int
	SnapshotBatch     int

	InitRetries int
	InitDelay   time.Duration
}

// DefaultConfig returns the default consensus parameters for self.
func DefaultConfig(self statemgr.Member) Config {
	return Config{
		Self:             self,
		Bootstrap:        true,
		Heartbeat:        100 * time.Millisecond,
		ElectionTimeout:  300 * time.Millisecond,
		ReservedLogItems: 1000000,
		ClientReqTimeout: 3 * time.Second,
		ReturnMethod:     ReturnBlocking,
		CompletionPool:   4,
		SnapshotWorkers:  2,
		SnapshotBatch:    DefaultSnapshotBatch,
		InitRetries:      20,
		InitDelay:        250 * time.Millisecond,
	}
}

// raftConfig translates c into the configuration of the consensus engine
func (c Config) raftConfig(logger *zap.Logger) (*raft.Config, error) {
	conf := raft.DefaultConfig()
	conf.LocalID = c.Self.ServerID()
	conf.HeartbeatTimeout = c.ElectionTimeout
	conf.ElectionTimeout = c.ElectionTimeout
	lease := min(c.Heartbeat, c.ElectionTimeout)
	conf.LeaderLeaseTimeout = lease
	if lease/2 >= time.Millisecond {
		conf.CommitTimeout = lease / 2
	}
	conf.TrailingLogs = c.ReservedLogItems
	if c.SnapshotFrequency == 0 {
		conf.SnapshotThreshold = math.MaxUint64
		conf.SnapshotInterval = 24 * time.Hour
	} else {
		conf.SnapshotThreshold = c.SnapshotFrequency
	}
	conf.Logger = NewRaftLogger(logger)
	if err := raft.ValidateConfig(conf); err != nil {
		return nil, errors.Wrap(err, "invalid consensus parameters")
	}
	return conf, nil
}

// --------------------------------------------------------------------------
// Replica
// --------------------------------------------------------------------------

// ReplicaState is the lifecycle state of a Replica.
type ReplicaState int32

const (
	StateConstructed ReplicaState = iota
	StateInitializing
	StateReady
	StateShuttingDown
	StateStopped
)

func (s ReplicaState) String() string {
	switch s {
	case StateConstructed:
		return "Constructed"
	case StateInitializing:
		return "Initializing"
	case StateReady:
		return "Ready"
	case StateShuttingDown:
		return "ShuttingDown"
	case StateStopped:
		return "Stopped"
	default:
		return fmt.Sprintf("ReplicaState(%d)", int32(s))
	}
}

// Components are the collaborators a replica is built from. The replica takes
// ownership of all of them and closes them on Shutdown.
type Components struct {
	DB        db.KVDB
	LogStore  logstore.ILogStore
	State     *statemgr.StateManager
	Snapshots raft.SnapshotStore
	Transport raft.Transport
}

// Replica binds the consensus engine to the key-value state machine. Reads
// are served from the local storage engine, mutations go through consensus.
type Replica struct {
	cfg    Config
	comps  Components
	logger *zap.Logger

	lifecycle   sync.RWMutex // held shared while work is handed to completions
	state       atomic.Int32
	fsm         *KVStateMachine
	raft        *raft.Raft
	completions *pool.Pool

	readMu     sync.Mutex
	readHandle db.Handle
}

var _ store.IStore = (*Replica)(nil)

// NewReplica creates a replica in state Constructed. Nothing is started
// until Initialize is called.
func NewReplica(cfg Config, comps Components, logger *zap.Logger) *Replica {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CompletionPool < 1 {
		cfg.CompletionPool = 1
	}
	logger = logger.Named("replica").With(zap.Int32("server", cfg.Self.ID))
	return &Replica{
		cfg:    cfg,
		comps:  comps,
		logger: logger,
		fsm: NewKVStateMachine(comps.DB, SnapshotOptions{
			Enabled: cfg.SnapshotFrequency > 0,
			Async:   cfg.AsyncSnapshots,
			Workers: cfg.SnapshotWorkers,
			Batch:   cfg.SnapshotBatch,
		}, logger),
		completions: pool.New().WithMaxGoroutines(cfg.CompletionPool),
	}
}

// NodeName labels diagnostics of the log store.
func (r *Replica) NodeName() string {
	return fmt.Sprintf("server-%d", r.cfg.Self.ID)
}

// State returns the lifecycle state.
func (r *Replica) State() ReplicaState {
	return ReplicaState(r.state.Load())
}

// Initialize starts the consensus engine and waits until it is usable: for a
// bootstrapping replica until a leader is known, for a joining replica until
// the engine runs. Exhausting the retries returns ErrInitTimeout; the replica
// cannot serve in that case and the caller is expected to exit.
func (r *Replica) Initialize() error {
	if !r.state.CompareAndSwap(int32(StateConstructed), int32(StateInitializing)) {
		return errors.Errorf("rstore: initialize in state %s", r.State())
	}

	conf, err := r.cfg.raftConfig(r.logger)
	if err != nil {
		return err
	}
	if err := r.cfg.Self.Validate(); err != nil {
		return err
	}

	logs := logstore.NewRaftLogStore(r.comps.LogStore)
	stable := r.comps.State.StableStore()
	if r.cfg.Bootstrap {
		exists, err := raft.HasExistingState(logs, stable, r.comps.Snapshots)
		if err != nil {
			return errors.Wrap(err, "check existing consensus state")
		}
		if !exists {
			err := raft.BootstrapCluster(conf, logs, stable, r.comps.Snapshots, r.comps.Transport,
				r.comps.State.InitialConfiguration())
			if err != nil {
				return errors.Wrap(err, "bootstrap cluster")
			}
			r.logger.Info("bootstrapped new cluster")
		}
	}

	r.raft, err = raft.NewRaft(conf, r.fsm, logs, stable, r.comps.Snapshots, r.comps.Transport)
	if err != nil {
		return errors.Wrap(err, "start consensus engine")
	}
	r.comps.LogStore.SetNode(r)

	for i := 0; i < r.cfg.InitRetries; i++ {
		if r.initialized() {
			if !r.state.CompareAndSwap(int32(StateInitializing), int32(StateReady)) {
				return errors.Wrapf(ErrNotReady, "shut down during initialize")
			}
			r.logger.Info("replica ready",
				zap.Stringer("raft_state", r.raft.State()), zap.Int32("leader", r.LeaderID()))
			return nil
		}
		time.Sleep(r.cfg.InitDelay)
	}
	return errors.Wrapf(ErrInitTimeout, "after %d retries of %s", r.cfg.InitRetries, r.cfg.InitDelay)
}

func (r *Replica) initialized() bool {
	if r.raft.State() == raft.Shutdown {
		return false
	}
	if !r.cfg.Bootstrap {
		return true
	}
	_, id := r.raft.LeaderWithID()
	return id != ""
}

func (r *Replica) ready() bool {
	return r.State() == StateReady
}

// --------------------------------------------------------------------------
// Reads
// --------------------------------------------------------------------------

// RegisterWorker registers a storage handle for a goroutine that serves reads.
// The handle must be deregistered by its owner.
func (r *Replica) RegisterWorker() (db.Handle, error) {
	return r.comps.DB.Register()
}

// ReadWith looks key up in the local storage engine through h. It does not
// involve consensus, so the value may lag behind the leader.
func (r *Replica) ReadWith(h db.Handle, key []byte) store.ReadResult {
	value, rc := h.Lookup(key)
	return store.ReadResult{Value: value, StorageRC: rc}
}

// Read looks key up in the local storage engine through a shared handle.
func (r *Replica) Read(key []byte) store.ReadResult {
	r.readMu.Lock()
	defer r.readMu.Unlock()
	if r.readHandle == nil {
		h, err := r.RegisterWorker()
		if err != nil {
			r.logger.Error("failed to register read handle", zap.Error(err))
			return store.ReadResult{StorageRC: db.RetCIOError}
		}
		r.readHandle = h
	}
	return r.ReadWith(r.readHandle, key)
}

// --------------------------------------------------------------------------
// Mutations
// --------------------------------------------------------------------------

// CommitHandler receives the outcome of an asynchronous append.
type CommitHandler func(elapsed time.Duration, result store.CommitResult, err error)

// AppendLog submits op to the consensus engine and waits for its commit.
func (r *Replica) AppendLog(op internal.Operation) store.CommitResult {
	if r.cfg.ReturnMethod == ReturnAsync {
		ch := make(chan store.CommitResult, 1)
		r.AppendLogAsync(op, func(_ time.Duration, result store.CommitResult, _ error) {
			ch <- result
		})
		return <-ch
	}
	if !r.ready() {
		return notReady(r.State())
	}
	start := time.Now()
	result, _ := r.settle(r.raft.Apply(op.Encode(), r.cfg.ClientReqTimeout), start)
	return result
}

// AppendLogAsync submits op and returns immediately. handler runs on the
// completion pool once the entry is committed or rejected; it must not block
// for long since it shares the pool with other completions.
func (r *Replica) AppendLogAsync(op internal.Operation, handler CommitHandler) {
	start := time.Now()
	r.lifecycle.RLock()
	defer r.lifecycle.RUnlock()
	if !r.ready() {
		result := notReady(r.State())
		handler(time.Since(start), result, ErrNotReady)
		return
	}
	future := r.raft.Apply(op.Encode(), r.cfg.ClientReqTimeout)
	r.completions.Go(func() {
		result, err := r.settle(future, start)
		handler(time.Since(start), result, err)
	})
}

// settle waits for future, at most until the client request timeout measured
// from start has passed, and builds the commit result. The error is the
// consensus failure of a rejected entry.
func (r *Replica) settle(future raft.ApplyFuture, start time.Time) (store.CommitResult, error) {
	done := make(chan error, 1)
	go func() { done <- future.Error() }()

	var expired <-chan time.Time
	if r.cfg.ClientReqTimeout > 0 {
		timer := time.NewTimer(time.Until(start.Add(r.cfg.ClientReqTimeout)))
		defer timer.Stop()
		expired = timer.C
	}

	var err error
	select {
	case err = <-done:
	case <-expired:
		err = errors.Wrapf(ErrCommitTimeout, "after %s", r.cfg.ClientReqTimeout)
	}
	if err != nil {
		code := ConsensusCodeOf(err)
		if code == store.ConsensusAmbiguous {
			r.logger.Warn("leadership lost while committing, outcome unknown", zap.Error(err))
		}
		return store.CommitResult{ConsensusRC: code, Message: err.Error()}, err
	}

	data, ok := future.Response().([]byte)
	if !ok {
		return store.CommitResult{ConsensusRC: store.ConsensusFailed, Message: "unexpected commit response"}, nil
	}
	rc, err := DecodeResult(data)
	if err != nil {
		return store.CommitResult{ConsensusRC: store.ConsensusFailed, Message: err.Error()}, nil
	}
	return store.CommitResult{StorageRC: rc}, nil
}

func notReady(state ReplicaState) store.CommitResult {
	return store.CommitResult{
		ConsensusRC: store.ConsensusCancelled,
		Message:     fmt.Sprintf("replica is %s", state),
	}
}

// ConsensusCodeOf maps an error of the consensus engine to a ConsensusCode.
func ConsensusCodeOf(err error) store.ConsensusCode {
	switch {
	case err == nil:
		return store.ConsensusOK
	case errors.Is(err, raft.ErrNotLeader),
		errors.Is(err, raft.ErrNotVoter),
		errors.Is(err, raft.ErrLeadershipTransferInProgress):
		return store.ConsensusNotLeader
	case errors.Is(err, raft.ErrRaftShutdown), errors.Is(err, raft.ErrAbortedByRestore):
		return store.ConsensusCancelled
	case errors.Is(err, raft.ErrEnqueueTimeout), errors.Is(err, ErrCommitTimeout):
		return store.ConsensusTimeout
	case errors.Is(err, raft.ErrLeadershipLost):
		return store.ConsensusAmbiguous
	default:
		return store.ConsensusFailed
	}
}

// Get implements store.IStore with a local read.
func (r *Replica) Get(key []byte) (store.ReadResult, error) {
	return r.Read(key), nil
}

// Put implements store.IStore.
func (r *Replica) Put(key, value []byte) (store.CommitResult, error) {
	return r.AppendLog(internal.NewPut(key, value)), nil
}

// Update implements store.IStore.
func (r *Replica) Update(key, value []byte) (store.CommitResult, error) {
	return r.AppendLog(internal.NewUpdate(key, value)), nil
}

// Delete implements store.IStore.
func (r *Replica) Delete(key []byte) (store.CommitResult, error) {
	return r.AppendLog(internal.NewDelete(key)), nil
}

// --------------------------------------------------------------------------
// Membership
// --------------------------------------------------------------------------

// AddServer proposes m as a new voting member. Only the leader accepts it.
func (r *Replica) AddServer(m statemgr.Member) (store.ConsensusCode, string) {
	if !r.ready() {
		return store.ConsensusCancelled, fmt.Sprintf("replica is %s", r.State())
	}
	if err := m.Validate(); err != nil {
		return store.ConsensusBadRequest, err.Error()
	}
	if r.raft.State() != raft.Leader {
		if addr, _ := r.raft.LeaderWithID(); addr != "" {
			return store.ConsensusNotLeader, string(addr)
		}
		return store.ConsensusNotLeader, "not the leader"
	}

	future := r.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return ConsensusCodeOf(err), err.Error()
	}
	for _, s := range future.Configuration().Servers {
		existing, err := statemgr.FromServer(s)
		if err != nil || existing.ID != m.ID {
			continue
		}
		if s.Suffrage != raft.Voter {
			return store.ConsensusServerIsJoining, fmt.Sprintf("server %d is joining", m.ID)
		}
		return store.ConsensusServerAlreadyExists, fmt.Sprintf("server %d already exists", m.ID)
	}

	err := r.raft.AddVoter(m.ServerID(), raft.ServerAddress(m.RaftEndpoint), 0, r.cfg.ClientReqTimeout).Error()
	if err != nil {
		code := ConsensusCodeOf(err)
		if code == store.ConsensusTimeout {
			// configuration changes are queued until the previous one is committed
			code = store.ConsensusConfigChanging
		}
		r.logger.Error("failed to add server", zap.Stringer("member", m), zap.Stringer("code", code), zap.Error(err))
		return code, err.Error()
	}
	r.logger.Info("added server", zap.Stringer("member", m))
	return store.ConsensusOK, fmt.Sprintf("server %d added", m.ID)
}

// --------------------------------------------------------------------------
// Cluster Information
// --------------------------------------------------------------------------

// ServerID returns the id of this replica.
func (r *Replica) ServerID() int32 {
	return r.cfg.Self.ID
}

// Self returns the member description of this replica.
func (r *Replica) Self() statemgr.Member {
	return r.cfg.Self
}

// LeaderID returns the id of the current leader or store.NoLiveLeader.
func (r *Replica) LeaderID() int32 {
	if r.raft == nil {
		return store.NoLiveLeader
	}
	_, id := r.raft.LeaderWithID()
	if id == "" {
		return store.NoLiveLeader
	}
	n, _, err := statemgr.ParseServerID(id)
	if err != nil {
		return store.NoLiveLeader
	}
	return n
}

// IsLeader reports whether this replica is the leader.
func (r *Replica) IsLeader() bool {
	return r.raft != nil && r.raft.State() == raft.Leader
}

// Members returns the current cluster members ordered by id.
func (r *Replica) Members() ([]statemgr.Member, error) {
	if r.raft == nil {
		return nil, ErrNotReady
	}
	future := r.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil, errors.Wrap(err, "read configuration")
	}
	return statemgr.Members(future.Configuration()), nil
}

// Endpoint returns the client endpoint of member id.
func (r *Replica) Endpoint(id int32) (string, error) {
	members, err := r.Members()
	if err != nil {
		return "", err
	}
	for _, m := range members {
		if m.ID == id {
			return m.ClientEndpoint, nil
		}
	}
	return "", errors.Errorf("unknown server id %d", id)
}

// Stats returns diagnostics of the consensus engine and the state machine.
func (r *Replica) Stats() map[string]string {
	stats := map[string]string{
		"replica_state":  r.State().String(),
		"last_committed": fmt.Sprint(r.fsm.LastCommitIndex()),
		"snapshots":      fmt.Sprint(r.fsm.RetainedSnapshots()),
	}
	if r.raft != nil {
		for k, v := range r.raft.Stats() {
			stats[k] = v
		}
	}
	term, cand := r.comps.State.LastVote()
	stats["last_vote"] = fmt.Sprintf("%d/%s", term, cand)
	return stats
}

// LastCommitIndex returns the index of the last entry applied to the storage engine.
func (r *Replica) LastCommitIndex() uint64 {
	return r.fsm.LastCommitIndex()
}

// --------------------------------------------------------------------------
// Administration
// --------------------------------------------------------------------------

// TakeSnapshot asks the consensus engine for a snapshot now and returns the
// log index it covers.
func (r *Replica) TakeSnapshot() (uint64, error) {
	if !r.ready() {
		return 0, ErrNotReady
	}
	if !r.fsm.SnapshotsEnabled() {
		return 0, ErrSnapshotsDisabled
	}
	future := r.raft.Snapshot()
	if err := future.Error(); err != nil {
		return 0, errors.Wrap(err, "take snapshot")
	}
	meta, rc, err := future.Open()
	if err != nil {
		return 0, errors.Wrap(err, "open snapshot")
	}
	_ = rc.Close()
	return meta.Index, nil
}

// DumpCache writes a diagnostic dump of the storage engine to w.
func (r *Replica) DumpCache(w io.Writer) error {
	return r.comps.DB.DumpCache(w)
}

// ClearCache drops the caches of the storage engine.
func (r *Replica) ClearCache() error {
	return r.comps.DB.ClearCache()
}

// DBInfo returns information about the storage engine.
func (r *Replica) DBInfo() db.DatabaseInfo {
	return r.comps.DB.GetInfo()
}

// Shutdown stops the consensus engine and releases every component. If the
// engine does not stop within timeout, ErrShutdownTimeout is returned right
// away and the components stay open, the caller is expected to exit.
func (r *Replica) Shutdown(timeout time.Duration) error {
	r.lifecycle.Lock()
	for {
		prev := r.state.Load()
		if prev == int32(StateShuttingDown) || prev == int32(StateStopped) {
			r.lifecycle.Unlock()
			return nil
		}
		if r.state.CompareAndSwap(prev, int32(StateShuttingDown)) {
			break
		}
	}
	r.lifecycle.Unlock()
	r.logger.Info("shutting down", zap.Duration("time_limit", timeout))

	var err error
	if r.raft != nil {
		done := make(chan error, 1)
		go func() { done <- r.raft.Shutdown().Error() }()
		select {
		case e := <-done:
			err = multierr.Append(err, e)
		case <-time.After(timeout):
			r.logger.Error("consensus engine did not stop in time")
			return errors.Wrapf(ErrShutdownTimeout, "after %s", timeout)
		}
	}
	r.completions.Wait()

	r.readMu.Lock()
	if r.readHandle != nil {
		r.readHandle.Deregister()
		r.readHandle = nil
	}
	r.readMu.Unlock()

	if closer, ok := r.comps.Transport.(io.Closer); ok {
		err = multierr.Append(err, closer.Close())
	}
	err = multierr.Append(err, r.fsm.Close())
	err = multierr.Append(err, r.comps.LogStore.Close())
	err = multierr.Append(err, r.comps.State.Close())

	r.state.Store(int32(StateStopped))
	if err != nil {
		r.logger.Error("shutdown finished with errors", zap.Error(err))
	}
	return err
}
