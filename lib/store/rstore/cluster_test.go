package rstore

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/rKV/lib/db"
	"github.com/ValentinKolb/rKV/lib/db/engines/btree"
	"github.com/ValentinKolb/rKV/lib/logstore"
	"github.com/ValentinKolb/rKV/lib/statemgr"
	"github.com/ValentinKolb/rKV/lib/store"
	"github.com/ValentinKolb/rKV/lib/store/rstore/internal"
	"github.com/hashicorp/raft"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// --------------------------------------------------------------------------
// In-process cluster
// --------------------------------------------------------------------------

type testNode struct {
	replica *Replica
	addr    raft.ServerAddress
	trans   *raft.InmemTransport
}

type testCluster struct {
	t     *testing.T
	mu    sync.Mutex
	nodes map[int32]*testNode
	tweak func(*Config)
}

func testConfig(id int32, addr raft.ServerAddress) Config {
	cfg := DefaultConfig(statemgr.Member{
		ID:             id,
		RaftEndpoint:   string(addr),
		ClientEndpoint: fmt.Sprintf("client-%d:10002", id),
	})
	cfg.Heartbeat = 50 * time.Millisecond
	cfg.ElectionTimeout = 150 * time.Millisecond
	cfg.ClientReqTimeout = 2 * time.Second
	cfg.InitRetries = 300
	cfg.InitDelay = 10 * time.Millisecond
	return cfg
}

// newCluster starts a cluster of n replicas: server 1 bootstraps, the others join
func newCluster(t *testing.T, n int, tweak func(*Config)) *testCluster {
	t.Helper()
	c := &testCluster{t: t, nodes: make(map[int32]*testNode), tweak: tweak}
	c.start(1, true)
	for id := int32(2); id <= int32(n); id++ {
		c.join(id)
	}
	return c
}

func (c *testCluster) start(id int32, bootstrap bool) *Replica {
	c.t.Helper()
	addr, trans := raft.NewInmemTransport(raft.ServerAddress(fmt.Sprintf("raft-%d", id)))

	c.mu.Lock()
	for _, other := range c.nodes {
		trans.Connect(other.addr, other.trans)
		other.trans.Connect(addr, trans)
	}
	c.mu.Unlock()

	cfg := testConfig(id, addr)
	cfg.Bootstrap = bootstrap
	if c.tweak != nil {
		c.tweak(&cfg)
	}
	logger := zaptest.NewLogger(c.t, zaptest.Level(zap.WarnLevel))
	r := NewReplica(cfg, Components{
		DB:        btree.NewBTreeDB(nil),
		LogStore:  logstore.NewMemoryLogStore(logger),
		State:     statemgr.NewInMemory(cfg.Self, logger),
		Snapshots: raft.NewInmemSnapshotStore(),
		Transport: trans,
	}, logger)
	if err := r.Initialize(); err != nil {
		c.t.Fatalf("Initialize() of server %d error = %v", id, err)
	}
	c.t.Cleanup(func() { _ = r.Shutdown(5 * time.Second) })

	c.mu.Lock()
	c.nodes[id] = &testNode{replica: r, addr: addr, trans: trans}
	c.mu.Unlock()
	return r
}

// join starts server id and adds it through the leader
func (c *testCluster) join(id int32) *Replica {
	c.t.Helper()
	r := c.start(id, false)
	eventually(c.t, 10*time.Second, func() bool {
		code, msg := c.leader().AddServer(r.Self())
		if code != store.ConsensusOK && code != store.ConsensusServerAlreadyExists {
			c.t.Logf("adding server %d: %s %s", id, code, msg)
			return false
		}
		return true
	}, fmt.Sprintf("server %d joined", id))
	return r
}

func (c *testCluster) node(id int32) *Replica {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nodes[id].replica
}

// leader waits for a live leader among the running replicas
func (c *testCluster) leader() *Replica {
	c.t.Helper()
	var leader *Replica
	eventually(c.t, 10*time.Second, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		for _, n := range c.nodes {
			if n.replica.State() == StateReady && n.replica.IsLeader() {
				leader = n.replica
				return true
			}
		}
		return false
	}, "leader elected")
	return leader
}

// kill shuts a replica down and cuts it off the network
func (c *testCluster) kill(id int32) {
	c.t.Helper()
	c.mu.Lock()
	victim := c.nodes[id]
	delete(c.nodes, id)
	for _, other := range c.nodes {
		other.trans.Disconnect(victim.addr)
	}
	c.mu.Unlock()
	if err := victim.replica.Shutdown(5 * time.Second); err != nil {
		c.t.Fatalf("Shutdown() of server %d error = %v", id, err)
	}
}

// isolate cuts server id off the network without stopping it
func (c *testCluster) isolate(id int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	victim := c.nodes[id]
	victim.trans.DisconnectAll()
	for otherID, other := range c.nodes {
		if otherID != id {
			other.trans.Disconnect(victim.addr)
		}
	}
}

func (c *testCluster) followers() []*Replica {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*Replica
	for _, n := range c.nodes {
		if !n.replica.IsLeader() {
			out = append(out, n.replica)
		}
	}
	return out
}

func eventually(t *testing.T, timeout time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for: %s", what)
}

func readsEventually(t *testing.T, r *Replica, key, want string) {
	t.Helper()
	eventually(t, 10*time.Second, func() bool {
		res := r.Read([]byte(key))
		return res.Found() && string(res.Value) == want
	}, fmt.Sprintf("server %d reads %s=%s", r.ServerID(), key, want))
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

// TestPutGet starts three replicas, writes through the leader and reads everywhere
func TestPutGet(t *testing.T) {
	c := newCluster(t, 3, nil)
	leader := c.leader()

	res := leader.AppendLog(internal.NewPut([]byte("a"), []byte("1")))
	if !res.IsSuccess() {
		t.Fatalf("put(a) = %s", res)
	}
	for id := int32(1); id <= 3; id++ {
		readsEventually(t, c.node(id), "a", "1")
	}

	members, err := leader.Members()
	if err != nil {
		t.Fatalf("Members() error = %v", err)
	}
	if len(members) != 3 {
		t.Fatalf("Members() = %v", members)
	}
	// followers learn about membership changes with the replicated log
	for id := int32(1); id <= 3; id++ {
		r := c.node(id)
		eventually(t, 5*time.Second, func() bool {
			ep, err := r.Endpoint(2)
			return err == nil && ep == "client-2:10002" && r.LeaderID() == leader.ServerID()
		}, fmt.Sprintf("server %d knows server 2 and the leader", id))
	}
	if _, err := leader.Endpoint(42); err == nil {
		t.Errorf("Endpoint(42) succeeded")
	}
}

// TestLeaderFailover kills the leader and updates through the new one
func TestLeaderFailover(t *testing.T) {
	c := newCluster(t, 3, nil)
	old := c.leader()

	if res := old.AppendLog(internal.NewPut([]byte("a"), []byte("1"))); !res.IsSuccess() {
		t.Fatalf("put(a) = %s", res)
	}
	for _, f := range c.followers() {
		readsEventually(t, f, "a", "1")
	}

	c.kill(old.ServerID())
	if res := old.AppendLog(internal.NewUpdate([]byte("a"), []byte("x"))); res.ConsensusRC != store.ConsensusCancelled {
		t.Errorf("update on a stopped replica = %s, want Cancelled", res)
	}

	leader := c.leader()
	if leader.ServerID() == old.ServerID() {
		t.Fatalf("old leader still leads")
	}
	res := leader.AppendLog(internal.NewUpdate([]byte("a"), []byte("2")))
	if !res.IsSuccess() {
		t.Fatalf("update(a) = %s", res)
	}
	for _, f := range c.followers() {
		readsEventually(t, f, "a", "2")
	}
}

// TestDeleteMissing tests that consensus succeeds while the storage engine reports not found
func TestDeleteMissing(t *testing.T) {
	c := newCluster(t, 3, nil)
	res := c.leader().AppendLog(internal.NewDelete([]byte("missing")))
	if !res.WasAccepted() {
		t.Fatalf("delete(missing) was not accepted: %s", res)
	}
	if res.StorageRC != db.RetCNotFound {
		t.Errorf("delete(missing) storage rc = %s, want NotFound", res.StorageRC)
	}
	if res.IsSuccess() {
		t.Errorf("delete(missing) reported success")
	}
}

// TestSnapshotCatchUp lets a new server catch up from a snapshot after the log was compacted
func TestSnapshotCatchUp(t *testing.T) {
	c := newCluster(t, 3, func(cfg *Config) {
		cfg.SnapshotFrequency = 1 << 20
		cfg.ReservedLogItems = 5
		cfg.SnapshotBatch = 8
	})
	leader := c.leader()

	for i := 0; i < 60; i++ {
		key := fmt.Sprintf("key-%02d", i)
		if res := leader.AppendLog(internal.NewPut([]byte(key), []byte(fmt.Sprint(i)))); !res.IsSuccess() {
			t.Fatalf("put(%s) = %s", key, res)
		}
	}
	index, err := leader.TakeSnapshot()
	if err != nil {
		t.Fatalf("TakeSnapshot() error = %v", err)
	}
	if index == 0 {
		t.Fatalf("TakeSnapshot() returned index 0")
	}

	newcomer := c.join(4)
	readsEventually(t, newcomer, "key-00", "0")
	readsEventually(t, newcomer, "key-59", "59")
	if meta, ok := newcomer.fsm.LastSnapshot(); !ok || meta.Index == 0 {
		t.Errorf("server 4 did not receive a snapshot: %+v, %v", meta, ok)
	}

	if res := c.leader().AppendLog(internal.NewPut([]byte("after"), []byte("join"))); !res.IsSuccess() {
		t.Fatalf("put(after) = %s", res)
	}
	readsEventually(t, newcomer, "after", "join")
}

// TestCommitTimeout isolates the leader: an enqueued entry cannot be
// committed, the call has to give up after the client request timeout
func TestCommitTimeout(t *testing.T) {
	const timeout = 100 * time.Millisecond
	// a long leader lease keeps the isolated leader in office past the timeout
	c := newCluster(t, 3, func(cfg *Config) {
		cfg.Heartbeat = time.Second
		cfg.ElectionTimeout = time.Second
	})
	leader := c.leader()
	if res := leader.AppendLog(internal.NewPut([]byte("a"), []byte("1"))); !res.IsSuccess() {
		t.Fatalf("put(a) = %s", res)
	}

	c.isolate(leader.ServerID())
	leader.cfg.ClientReqTimeout = timeout

	tests := []struct {
		name   string
		method ReturnMethod
	}{
		{"Blocking", ReturnBlocking},
		{"Async", ReturnAsync},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			leader.cfg.ReturnMethod = tt.method
			start := time.Now()
			res := leader.AppendLog(internal.NewUpdate([]byte("a"), []byte("2")))
			elapsed := time.Since(start)

			if res.ConsensusRC != store.ConsensusTimeout {
				t.Errorf("update on an isolated leader = %s, want Timeout", res)
			}
			if elapsed > timeout+500*time.Millisecond {
				t.Errorf("update returned after %s, timeout is %s", elapsed, timeout)
			}
		})
	}
}

func TestAsyncReturnMethod(t *testing.T) {
	c := newCluster(t, 1, func(cfg *Config) { cfg.ReturnMethod = ReturnAsync })
	leader := c.leader()

	if res := leader.AppendLog(internal.NewPut([]byte("k"), []byte("v"))); !res.IsSuccess() {
		t.Fatalf("put(k) = %s", res)
	}

	var wg sync.WaitGroup
	results := make([]store.CommitResult, 20)
	for i := range results {
		wg.Add(1)
		leader.AppendLogAsync(internal.NewUpdate([]byte(fmt.Sprint(i)), []byte("x")),
			func(elapsed time.Duration, result store.CommitResult, err error) {
				defer wg.Done()
				if err != nil || elapsed <= 0 {
					t.Errorf("handler: elapsed = %s, error = %v", elapsed, err)
				}
				results[i] = result
			})
	}
	wg.Wait()
	for i, res := range results {
		if !res.IsSuccess() {
			t.Errorf("async update %d = %s", i, res)
		}
	}
}

func TestAddServerErrors(t *testing.T) {
	c := newCluster(t, 2, nil)
	leader := c.leader()
	follower := c.followers()[0]

	tests := []struct {
		name    string
		replica *Replica
		member  statemgr.Member
		code    store.ConsensusCode
	}{
		{"Follower", follower, statemgr.Member{ID: 9, RaftEndpoint: "raft-9"}, store.ConsensusNotLeader},
		{"Existing", leader, follower.Self(), store.ConsensusServerAlreadyExists},
		{"Invalid id", leader, statemgr.Member{ID: 0, RaftEndpoint: "raft-0"}, store.ConsensusBadRequest},
		{"No endpoint", leader, statemgr.Member{ID: 9}, store.ConsensusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code, msg := tt.replica.AddServer(tt.member); code != tt.code {
				t.Errorf("AddServer() = %s (%s), want %s", code, msg, tt.code)
			}
		})
	}

	res := follower.AppendLog(internal.NewPut([]byte("a"), []byte("1")))
	if res.ConsensusRC != store.ConsensusNotLeader || !res.ConsensusRC.Retryable() {
		t.Errorf("put on a follower = %s, want NotLeader", res)
	}
}

func TestReplicaLifecycle(t *testing.T) {
	addr, trans := raft.NewInmemTransport("")
	cfg := testConfig(1, addr)
	r := NewReplica(cfg, Components{
		DB:        btree.NewBTreeDB(nil),
		LogStore:  logstore.NewMemoryLogStore(nil),
		State:     statemgr.NewInMemory(cfg.Self, nil),
		Snapshots: raft.NewInmemSnapshotStore(),
		Transport: trans,
	}, zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel)))

	if r.State() != StateConstructed {
		t.Errorf("State() = %s, want Constructed", r.State())
	}
	if r.LeaderID() != store.NoLiveLeader {
		t.Errorf("LeaderID() before Initialize() = %d", r.LeaderID())
	}
	if res := r.AppendLog(internal.NewPut([]byte("a"), []byte("1"))); res.ConsensusRC != store.ConsensusCancelled {
		t.Errorf("AppendLog() before Initialize() = %s", res)
	}
	if _, err := r.TakeSnapshot(); err == nil {
		t.Errorf("TakeSnapshot() before Initialize() succeeded")
	}

	if err := r.Initialize(); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if r.State() != StateReady {
		t.Errorf("State() = %s, want Ready", r.State())
	}
	if err := r.Initialize(); err == nil {
		t.Errorf("second Initialize() succeeded")
	}
	if _, err := r.TakeSnapshot(); err != ErrSnapshotsDisabled {
		t.Errorf("TakeSnapshot() error = %v, want ErrSnapshotsDisabled", err)
	}
	if stats := r.Stats(); stats["replica_state"] != "Ready" || stats["state"] != "Leader" {
		t.Errorf("Stats() = %v", stats)
	}

	if err := r.Shutdown(5 * time.Second); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if r.State() != StateStopped {
		t.Errorf("State() = %s, want Stopped", r.State())
	}
	if err := r.Shutdown(time.Second); err != nil {
		t.Errorf("second Shutdown() error = %v", err)
	}
}

func TestConcurrentShutdown(t *testing.T) {
	addr, trans := raft.NewInmemTransport("")
	cfg := testConfig(1, addr)
	r := NewReplica(cfg, Components{
		DB:        btree.NewBTreeDB(nil),
		LogStore:  logstore.NewMemoryLogStore(nil),
		State:     statemgr.NewInMemory(cfg.Self, nil),
		Snapshots: raft.NewInmemSnapshotStore(),
		Transport: trans,
	}, zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel)))
	if err := r.Initialize(); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	// a second shutdown would close the components twice and fail
	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = r.Shutdown(5 * time.Second)
		}()
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Errorf("Shutdown() #%d error = %v", i, err)
		}
	}
	if r.State() != StateShuttingDown && r.State() != StateStopped {
		t.Errorf("State() = %s", r.State())
	}
}

func TestRaftConfig(t *testing.T) {
	tests := []struct {
		name      string
		heartbeat time.Duration
		election  time.Duration
		lease     time.Duration
	}{
		{"Default", 100 * time.Millisecond, 300 * time.Millisecond, 100 * time.Millisecond},
		{"Equal", 300 * time.Millisecond, 300 * time.Millisecond, 300 * time.Millisecond},
		{"Heartbeat above election timeout", time.Second, 300 * time.Millisecond, 300 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig(statemgr.Member{ID: 1, RaftEndpoint: "raft-1"})
			cfg.Heartbeat = tt.heartbeat
			cfg.ElectionTimeout = tt.election
			conf, err := cfg.raftConfig(zaptest.NewLogger(t))
			if err != nil {
				t.Fatalf("raftConfig() error = %v", err)
			}
			if conf.LeaderLeaseTimeout != tt.lease {
				t.Errorf("LeaderLeaseTimeout = %s, want %s", conf.LeaderLeaseTimeout, tt.lease)
			}
			if conf.HeartbeatTimeout != tt.election || conf.ElectionTimeout != tt.election {
				t.Errorf("HeartbeatTimeout = %s, ElectionTimeout = %s, want %s",
					conf.HeartbeatTimeout, conf.ElectionTimeout, tt.election)
			}
		})
	}
}

func TestConsensusCodeOf(t *testing.T) {
	tests := []struct {
		err  error
		code store.ConsensusCode
	}{
		{nil, store.ConsensusOK},
		{raft.ErrNotLeader, store.ConsensusNotLeader},
		{raft.ErrNotVoter, store.ConsensusNotLeader},
		{raft.ErrLeadershipTransferInProgress, store.ConsensusNotLeader},
		{raft.ErrRaftShutdown, store.ConsensusCancelled},
		{raft.ErrAbortedByRestore, store.ConsensusCancelled},
		{raft.ErrEnqueueTimeout, store.ConsensusTimeout},
		{ErrCommitTimeout, store.ConsensusTimeout},
		{raft.ErrLeadershipLost, store.ConsensusAmbiguous},
		{fmt.Errorf("disk full"), store.ConsensusFailed},
		{fmt.Errorf("wrapped: %w", raft.ErrNotLeader), store.ConsensusNotLeader},
	}
	for _, tt := range tests {
		if got := ConsensusCodeOf(tt.err); got != tt.code {
			t.Errorf("ConsensusCodeOf(%v) = %s, want %s", tt.err, got, tt.code)
		}
	}
}
