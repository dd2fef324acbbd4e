package server

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/rKV/lib/db/engines/btree"
	"github.com/ValentinKolb/rKV/lib/logstore"
	"github.com/ValentinKolb/rKV/lib/statemgr"
	"github.com/ValentinKolb/rKV/lib/store"
	"github.com/ValentinKolb/rKV/lib/store/rstore"
	"github.com/ValentinKolb/rKV/rpc/client"
	"github.com/ValentinKolb/rKV/rpc/common"
	"github.com/ValentinKolb/rKV/rpc/serializer"
	"github.com/ValentinKolb/rKV/rpc/transport"
	"github.com/ValentinKolb/rKV/rpc/transport/tcp"
	"github.com/hashicorp/raft"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

// --------------------------------------------------------------------------
// Replica group behind real RPC servers
// --------------------------------------------------------------------------

type groupMember struct {
	replica *rstore.Replica
	server  *RPCServer
	served  chan error
	addr    raft.ServerAddress
	trans   *raft.InmemTransport
	stopped sync.Once
}

type replicaGroup struct {
	t       *testing.T
	mu      sync.Mutex
	members map[int32]*groupMember
}

func newReplicaGroup(t *testing.T, n int) *replicaGroup {
	g := &replicaGroup{t: t, members: make(map[int32]*groupMember)}
	g.start(1, true)
	for id := int32(2); id <= int32(n); id++ {
		m := g.start(id, false)
		g.eventually(func() bool {
			leader := g.leader()
			if leader == nil {
				return false
			}
			code, _ := leader.replica.AddServer(m.replica.Self())
			return code == store.ConsensusOK || code == store.ConsensusServerAlreadyExists
		}, fmt.Sprintf("server %d joined", id))
	}
	return g
}

// start initializes replica id and serves it on free tcp endpoints
func (g *replicaGroup) start(id int32, bootstrap bool) *groupMember {
	g.t.Helper()
	addr, trans := raft.NewInmemTransport(raft.ServerAddress(fmt.Sprintf("raft-%d", id)))
	g.mu.Lock()
	for _, other := range g.members {
		trans.Connect(other.addr, other.trans)
		other.trans.Connect(addr, trans)
	}
	g.mu.Unlock()

	self := statemgr.Member{ID: id, RaftEndpoint: string(addr), ClientEndpoint: freeEndpoint(g.t)}
	cfg := rstore.DefaultConfig(self)
	cfg.Bootstrap = bootstrap
	cfg.Heartbeat = 50 * time.Millisecond
	cfg.ElectionTimeout = 150 * time.Millisecond
	cfg.ClientReqTimeout = 2 * time.Second
	cfg.InitRetries = 300
	cfg.InitDelay = 10 * time.Millisecond

	logger := zaptest.NewLogger(g.t, zaptest.Level(zap.WarnLevel)).With(zap.Int32("server", id))
	replica := rstore.NewReplica(cfg, rstore.Components{
		DB:        btree.NewBTreeDB(nil),
		LogStore:  logstore.NewMemoryLogStore(logger),
		State:     statemgr.NewInMemory(self, logger),
		Snapshots: raft.NewInmemSnapshotStore(),
		Transport: trans,
	}, logger)
	if err := replica.Initialize(); err != nil {
		g.t.Fatalf("Initialize() of server %d error = %v", id, err)
	}

	config := common.ServerConfig{
		ServerID:       id,
		ClientEndpoint: self.ClientEndpoint,
		JoinEndpoint:   freeEndpoint(g.t),
		TransportConfig: common.ServerTransportConfig{
			SocketConf:    common.SocketConf{TCPNoDelay: true, TCPLingerSec: -1},
			Workers:       4,
			TimeoutSecond: 5,
		},
	}
	m := &groupMember{
		replica: replica,
		server: NewRPCServer(config, tcp.NewTCPServerTransport(logger), tcp.NewTCPServerTransport(logger),
			serializer.NewBinarySerializer(), replica, logger),
		served: make(chan error, 1),
		addr:   addr,
		trans:  trans,
	}
	go func() { m.served <- m.server.Serve() }()
	g.eventually(func() bool {
		conn, err := net.Dial("tcp", self.ClientEndpoint)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}, fmt.Sprintf("server %d listening", id))

	g.t.Cleanup(func() { g.stop(m) })
	g.mu.Lock()
	g.members[id] = m
	g.mu.Unlock()
	return m
}

func (g *replicaGroup) stop(m *groupMember) {
	m.stopped.Do(func() {
		if err := m.server.Close(); err != nil {
			g.t.Errorf("Close() error = %v", err)
		}
		<-m.served
		_ = m.replica.Shutdown(5 * time.Second)
	})
}

// kill stops the RPC server and the replica of id and cuts it off the network
func (g *replicaGroup) kill(id int32) {
	g.t.Helper()
	g.mu.Lock()
	victim := g.members[id]
	delete(g.members, id)
	for _, other := range g.members {
		other.trans.Disconnect(victim.addr)
	}
	g.mu.Unlock()
	victim.trans.DisconnectAll()
	g.stop(victim)
}

func (g *replicaGroup) leader() *groupMember {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, m := range g.members {
		if m.replica.State() == rstore.StateReady && m.replica.IsLeader() {
			return m
		}
	}
	return nil
}

func (g *replicaGroup) eventually(cond func() bool, what string) {
	g.t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	g.t.Fatalf("timed out waiting for: %s", what)
}

func (g *replicaGroup) seed() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.members[1].replica.Self().ClientEndpoint
}

// --------------------------------------------------------------------------
// Directory against the replica group
// --------------------------------------------------------------------------

// TestDirectoryLeaderFailover runs the client directory against three
// replicas over tcp and kills the leader between two mutations.
func TestDirectoryLeaderFailover(t *testing.T) {
	g := newReplicaGroup(t, 3)
	g.eventually(func() bool { return g.leader() != nil }, "leader elected")

	config := common.ClientConfig{
		Seed:    g.seed(),
		Retries: 20,
		TransportConfig: common.ClientTransportConfig{
			SocketConf:    common.SocketConf{TCPNoDelay: true, TCPLingerSec: -1},
			RetryCount:    1,
			TimeoutSecond: 5,
		},
	}
	factory := func() transport.IRPCClientTransport { return tcp.NewTCPClientTransport(zaptest.NewLogger(t)) }
	dial := client.NewDialer(config, factory, serializer.NewBinarySerializer())

	core, logs := observer.New(zap.InfoLevel)
	directory, err := client.NewDirectory(config, dial, zap.New(core))
	if err != nil {
		t.Fatalf("NewDirectory() error = %v", err)
	}
	t.Cleanup(func() { _ = directory.Close() })
	if got := len(directory.Servers()); got != 3 {
		t.Fatalf("directory connected to %d servers, want 3", got)
	}

	if r, err := directory.Put([]byte("a"), []byte("1")); err != nil || !r.IsSuccess() {
		t.Fatalf("Put(a) = %s, %v", r, err)
	}

	old := g.leader()
	if old == nil {
		t.Fatalf("no leader after the first mutation")
	}
	oldID := old.replica.ServerID()
	g.kill(oldID)

	r, err := directory.Update([]byte("a"), []byte("2"))
	if err != nil || !r.IsSuccess() {
		t.Fatalf("Update(a) after killing the leader = %s, %v", r, err)
	}
	if directory.Leader() == oldID {
		t.Errorf("Leader() = %d, the killed server", oldID)
	}

	changed := logs.FilterLevelExact(zap.WarnLevel).Filter(func(e observer.LoggedEntry) bool {
		return e.LoggerName == "client" && strings.HasPrefix(e.Message, "leader changed from ")
	})
	if changed.Len() == 0 {
		t.Errorf("no leader change was logged, warnings: %v", logs.FilterLevelExact(zap.WarnLevel).All())
	}

	// reads rotate over all servers including the killed one
	g.eventually(func() bool {
		res, err := directory.Get([]byte("a"))
		return err == nil && res.Found() && string(res.Value) == "2"
	}, "a=2 readable through the directory")
}
