package server

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/rKV/lib/db"
	"github.com/ValentinKolb/rKV/lib/db/engines/btree"
	"github.com/ValentinKolb/rKV/lib/statemgr"
	"github.com/ValentinKolb/rKV/lib/store"
	"github.com/ValentinKolb/rKV/rpc/common"
	"github.com/ValentinKolb/rKV/rpc/serializer"
	"github.com/ValentinKolb/rKV/rpc/transport/tcp"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

// --------------------------------------------------------------------------
// Fake replica
// --------------------------------------------------------------------------

// fakeReplica applies mutations directly to a btree database. The consensus
// code of every mutation is taken from code.
type fakeReplica struct {
	database db.KVDB
	members  []statemgr.Member
	leader   int32
	code     store.ConsensusCode

	mu      sync.Mutex
	writer  db.Handle
	handles atomic.Int32
	dumps   atomic.Int32
	joined  []statemgr.Member
}

func newFakeReplica(t *testing.T) *fakeReplica {
	t.Helper()
	database := btree.NewBTreeDB(nil)
	writer, err := database.Register()
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	t.Cleanup(func() {
		writer.Deregister()
		_ = database.Close()
	})
	return &fakeReplica{
		database: database,
		writer:   writer,
		leader:   1,
		members: []statemgr.Member{
			{ID: 1, RaftEndpoint: "raft-1", ClientEndpoint: "client-1:10002"},
			{ID: 2, RaftEndpoint: "raft-2", ClientEndpoint: "client-2:10002"},
		},
	}
}

func (f *fakeReplica) commit(apply func(h db.Handle) db.RetCode) (store.CommitResult, error) {
	if f.code != store.ConsensusOK {
		return store.CommitResult{ConsensusRC: f.code, Message: "rejected"}, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return store.CommitResult{StorageRC: apply(f.writer)}, nil
}

func (f *fakeReplica) Get(key []byte) (store.ReadResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ReadWith(f.writer, key), nil
}

func (f *fakeReplica) Put(key, value []byte) (store.CommitResult, error) {
	return f.commit(func(h db.Handle) db.RetCode { return h.Insert(key, value) })
}

func (f *fakeReplica) Update(key, value []byte) (store.CommitResult, error) {
	return f.commit(func(h db.Handle) db.RetCode { return h.Update(key, value) })
}

func (f *fakeReplica) Delete(key []byte) (store.CommitResult, error) {
	return f.commit(func(h db.Handle) db.RetCode { return h.Delete(key) })
}

func (f *fakeReplica) RegisterWorker() (db.Handle, error) {
	h, err := f.database.Register()
	if err != nil {
		return nil, err
	}
	f.handles.Add(1)
	return countedHandle{Handle: h, count: &f.handles}, nil
}

func (f *fakeReplica) ReadWith(h db.Handle, key []byte) store.ReadResult {
	value, rc := h.Lookup(key)
	return store.ReadResult{Value: value, StorageRC: rc}
}

func (f *fakeReplica) ServerID() int32 { return 1 }
func (f *fakeReplica) LeaderID() int32 { return f.leader }

func (f *fakeReplica) Members() ([]statemgr.Member, error) {
	return f.members, nil
}

func (f *fakeReplica) Endpoint(id int32) (string, error) {
	for _, m := range f.members {
		if m.ID == id {
			return m.ClientEndpoint, nil
		}
	}
	return "", fmt.Errorf("server %d not found", id)
}

func (f *fakeReplica) AddServer(m statemgr.Member) (store.ConsensusCode, string) {
	if err := m.Validate(); err != nil {
		return store.ConsensusBadRequest, err.Error()
	}
	for _, existing := range f.members {
		if existing.ID == m.ID {
			return store.ConsensusServerAlreadyExists, "exists"
		}
	}
	f.joined = append(f.joined, m)
	return store.ConsensusOK, "added"
}

func (f *fakeReplica) DumpCache(w io.Writer) error {
	f.dumps.Add(1)
	return f.database.DumpCache(w)
}

func (f *fakeReplica) ClearCache() error { return f.database.ClearCache() }

type countedHandle struct {
	db.Handle
	count *atomic.Int32
}

func (h countedHandle) Deregister() {
	h.count.Add(-1)
	h.Handle.Deregister()
}

// --------------------------------------------------------------------------
// Adapter tests
// --------------------------------------------------------------------------

func TestClientAdapter(t *testing.T) {
	replica := newFakeReplica(t)
	adapter := NewClientAdapter(replica, zaptest.NewLogger(t))

	cleanup, err := adapter.InitWorker(0)
	if err != nil {
		t.Fatalf("InitWorker() error = %v", err)
	}
	defer cleanup()

	tests := []struct {
		name  string
		req   *common.Message
		check func(t *testing.T, resp *common.Message)
	}{
		{"Ping", common.NewPingRequest(), func(t *testing.T, resp *common.Message) {
			if resp.Msg != common.PingReply {
				t.Errorf("Msg = %q, want %q", resp.Msg, common.PingReply)
			}
		}},
		{"ServerID", common.NewServerIDRequest(), func(t *testing.T, resp *common.Message) {
			if resp.ServerID != 1 {
				t.Errorf("ServerID = %d, want 1", resp.ServerID)
			}
		}},
		{"AllServers", common.NewAllServersRequest(), func(t *testing.T, resp *common.Message) {
			want := []common.ServerInfo{{ID: 1, Endpoint: "client-1:10002"}, {ID: 2, Endpoint: "client-2:10002"}}
			if fmt.Sprint(resp.Servers) != fmt.Sprint(want) {
				t.Errorf("Servers = %v, want %v", resp.Servers, want)
			}
		}},
		{"Endpoint", common.NewEndpointRequest(2), func(t *testing.T, resp *common.Message) {
			if resp.Endpoint != "client-2:10002" {
				t.Errorf("Endpoint = %q", resp.Endpoint)
			}
		}},
		{"EndpointUnknown", common.NewEndpointRequest(9), func(t *testing.T, resp *common.Message) {
			if resp.MsgType != common.MsgTError || resp.Err == "" {
				t.Errorf("expected error response, got %+v", resp)
			}
		}},
		{"Put", common.NewPutRequest([]byte("a"), []byte("1")), func(t *testing.T, resp *common.Message) {
			if !resp.CommitResult().IsSuccess() {
				t.Errorf("put result = %s", resp.CommitResult())
			}
		}},
		{"Get", common.NewGetRequest([]byte("a")), func(t *testing.T, resp *common.Message) {
			if r := resp.ReadResult(); !r.Found() || string(r.Value) != "1" {
				t.Errorf("get result = %q, %s", r.Value, r.StorageRC)
			}
		}},
		{"Update", common.NewUpdateRequest([]byte("a"), []byte("2")), func(t *testing.T, resp *common.Message) {
			if !resp.CommitResult().IsSuccess() {
				t.Errorf("update result = %s", resp.CommitResult())
			}
		}},
		{"Delete", common.NewDeleteRequest([]byte("a")), func(t *testing.T, resp *common.Message) {
			if !resp.CommitResult().IsSuccess() {
				t.Errorf("delete result = %s", resp.CommitResult())
			}
		}},
		{"DeleteMissing", common.NewDeleteRequest([]byte("a")), func(t *testing.T, resp *common.Message) {
			r := resp.CommitResult()
			if !r.WasAccepted() || r.StorageRC != db.RetCNotFound {
				t.Errorf("delete missing result = %s", r)
			}
		}},
		{"GetMissing", common.NewGetRequest([]byte("a")), func(t *testing.T, resp *common.Message) {
			if rc := resp.ReadResult().StorageRC; rc != db.RetCNotFound {
				t.Errorf("StorageRC = %s, want %s", rc, db.RetCNotFound)
			}
		}},
		{"ClearCache", common.NewClearCacheRequest(), func(t *testing.T, resp *common.Message) {
			if !resp.Ok || resp.Err != "" {
				t.Errorf("clear cache = %+v", resp)
			}
		}},
		{"Unsupported", common.NewJoinRequest(statemgr.Member{ID: 3}), func(t *testing.T, resp *common.Message) {
			if resp.MsgType != common.MsgTError {
				t.Errorf("MsgType = %s, want error", resp.MsgType)
			}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := adapter.Handle(0, tt.req)
			if resp.MsgType != tt.req.MsgType && resp.MsgType != common.MsgTError {
				t.Errorf("MsgType = %s, want %s", resp.MsgType, tt.req.MsgType)
			}
			tt.check(t, resp)
		})
	}
}

func TestClientAdapterLeaderID(t *testing.T) {
	replica := newFakeReplica(t)
	replica.leader = store.NoLiveLeader
	adapter := NewClientAdapter(replica, nil)

	if got := adapter.Handle(0, common.NewLeaderIDRequest()).ServerID; got != store.NoLiveLeader {
		t.Errorf("ServerID = %d, want %d", got, store.NoLiveLeader)
	}
}

func TestClientAdapterConsensusFailure(t *testing.T) {
	replica := newFakeReplica(t)
	replica.code = store.ConsensusNotLeader
	adapter := NewClientAdapter(replica, nil)

	r := adapter.Handle(0, common.NewPutRequest([]byte("k"), []byte("v"))).CommitResult()
	if r.ConsensusRC != store.ConsensusNotLeader || r.Message != "rejected" {
		t.Errorf("result = %s", r)
	}
}

func TestClientAdapterWorkerHandles(t *testing.T) {
	replica := newFakeReplica(t)
	adapter := NewClientAdapter(replica, nil)

	var cleanups []func()
	for i := 0; i < 4; i++ {
		cleanup, err := adapter.InitWorker(i)
		if err != nil {
			t.Fatalf("InitWorker(%d) error = %v", i, err)
		}
		cleanups = append(cleanups, cleanup)
	}
	if got := replica.handles.Load(); got != 4 {
		t.Fatalf("registered handles = %d, want 4", got)
	}

	// a worker without handle reads through the replica
	if _, err := replica.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatal(err)
	}
	if r := adapter.Handle(99, common.NewGetRequest([]byte("k"))).ReadResult(); !r.Found() {
		t.Errorf("read without worker handle = %s", r.StorageRC)
	}

	for _, cleanup := range cleanups {
		cleanup()
	}
	if got := replica.handles.Load(); got != 0 {
		t.Errorf("registered handles after cleanup = %d, want 0", got)
	}
}

func TestClientAdapterDumpCache(t *testing.T) {
	replica := newFakeReplica(t)
	core, logs := observer.New(zap.InfoLevel)
	adapter := NewClientAdapter(replica, zap.New(core))

	resp := adapter.Handle(0, common.NewDumpCacheRequest())
	if !resp.Ok {
		t.Fatalf("dump cache = %+v", resp)
	}
	adapter.Wait()

	if got := replica.dumps.Load(); got != 1 {
		t.Errorf("dumps = %d, want 1", got)
	}
	dumped := logs.Filter(func(e observer.LoggedEntry) bool { return e.LoggerName == "client.dumpcache" })
	if dumped.Len() == 0 {
		t.Errorf("dump was not written to the logger")
	}
}

func TestJoinAdapter(t *testing.T) {
	replica := newFakeReplica(t)
	core, logs := observer.New(zap.InfoLevel)
	adapter := NewJoinAdapter(replica, zap.New(core))

	tests := []struct {
		name   string
		member statemgr.Member
		want   store.ConsensusCode
	}{
		{"New", statemgr.Member{ID: 3, RaftEndpoint: "raft-3", ClientEndpoint: "client-3:10002"}, store.ConsensusOK},
		{"Existing", statemgr.Member{ID: 2, RaftEndpoint: "raft-2"}, store.ConsensusServerAlreadyExists},
		{"Invalid", statemgr.Member{ID: 0, RaftEndpoint: "raft-0"}, store.ConsensusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := adapter.Handle(0, common.NewJoinRequest(tt.member))
			if resp.MsgType != common.MsgTJoin {
				t.Fatalf("MsgType = %s", resp.MsgType)
			}
			if got := store.ConsensusCode(resp.ConsensusRC); got != tt.want {
				t.Errorf("code = %s, want %s", got, tt.want)
			}
		})
	}

	if len(replica.joined) != 1 || replica.joined[0].ID != 3 {
		t.Errorf("joined = %v", replica.joined)
	}
	if n := logs.FilterMessage("join rejected").Len(); n != 2 {
		t.Errorf("rejected joins logged = %d, want 2", n)
	}
	if n := logs.FilterMessage("server joined").Len(); n != 1 {
		t.Errorf("accepted joins logged = %d, want 1", n)
	}
}

// --------------------------------------------------------------------------
// Server tests
// --------------------------------------------------------------------------

func freeEndpoint(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find a free port: %v", err)
	}
	defer l.Close()
	return l.Addr().String()
}

func TestRPCServer(t *testing.T) {
	logger := zaptest.NewLogger(t)
	replica := newFakeReplica(t)
	ser := serializer.NewBinarySerializer()

	config := common.ServerConfig{
		ServerID:        1,
		ClientEndpoint:  freeEndpoint(t),
		JoinEndpoint:    freeEndpoint(t),
		MetricsEndpoint: freeEndpoint(t),
		TransportConfig: common.ServerTransportConfig{
			SocketConf:    common.SocketConf{TCPNoDelay: true, TCPLingerSec: -1},
			Workers:       4,
			TimeoutSecond: 5,
		},
	}

	s := NewRPCServer(config,
		tcp.NewTCPServerTransport(logger), tcp.NewTCPServerTransport(logger), ser, replica, logger)
	done := make(chan error, 1)
	go func() { done <- s.Serve() }()

	connect := func(endpoint string) func(req *common.Message) *common.Message {
		cli := tcp.NewTCPClientTransport(logger)
		conf := common.ClientTransportConfig{
			SocketConf:    common.SocketConf{TCPLingerSec: -1},
			Endpoints:     []string{endpoint},
			RetryCount:    1,
			TimeoutSecond: 5,
		}
		deadline := time.Now().Add(5 * time.Second)
		for err := cli.Connect(conf); err != nil; err = cli.Connect(conf) {
			if time.Now().After(deadline) {
				t.Fatalf("could not connect to %s: %v", endpoint, err)
			}
			time.Sleep(20 * time.Millisecond)
		}
		t.Cleanup(func() { _ = cli.Close() })

		return func(req *common.Message) *common.Message {
			data, err := ser.Serialize(*req)
			if err != nil {
				t.Fatalf("Serialize() error = %v", err)
			}
			raw, err := cli.Send(data)
			if err != nil {
				t.Fatalf("Send() error = %v", err)
			}
			var resp common.Message
			if err := ser.Deserialize(raw, &resp); err != nil {
				t.Fatalf("Deserialize() error = %v", err)
			}
			return &resp
		}
	}

	client := connect(config.ClientEndpoint)
	join := connect(config.JoinEndpoint)

	if r := client(common.NewPutRequest([]byte("a"), []byte("1"))).CommitResult(); !r.IsSuccess() {
		t.Errorf("put = %s", r)
	}
	if r := client(common.NewGetRequest([]byte("a"))).ReadResult(); string(r.Value) != "1" {
		t.Errorf("get = %q, %s", r.Value, r.StorageRC)
	}
	if got := replica.handles.Load(); got != int32(config.TransportConfig.WorkerCount()) {
		t.Errorf("worker handles = %d, want %d", got, config.TransportConfig.WorkerCount())
	}

	// join methods are only served by the join listener
	if resp := client(common.NewJoinRequest(statemgr.Member{ID: 5, RaftEndpoint: "raft-5"})); resp.MsgType != common.MsgTError {
		t.Errorf("join on client listener = %+v", resp)
	}
	if resp := join(common.NewJoinRequest(statemgr.Member{ID: 5, RaftEndpoint: "raft-5"})); resp.ConsensusRC != 0 {
		t.Errorf("join = %+v", resp)
	}

	t.Run("Metrics", func(t *testing.T) {
		resp, err := http.Get("http://" + config.MetricsEndpoint + MetricsPath)
		if err != nil {
			t.Fatalf("GET metrics error = %v", err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		for _, want := range []string{
			`rkv_requests_total{method="splinterdb_put"} 1`,
			`rkv_request_errors_total{method="join_replica_group"} 1`,
			`rkv_request_duration_seconds_count{method="splinterdb_get"} 1`,
			`rkv_is_leader 1`,
		} {
			if !strings.Contains(string(body), want) {
				t.Errorf("metrics do not contain %q:\n%s", want, body)
			}
		}
	})

	if err := s.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve() did not return after Close()")
	}
	if got := replica.handles.Load(); got != 0 {
		t.Errorf("worker handles after close = %d, want 0", got)
	}
}

func TestRPCServerMalformedRequest(t *testing.T) {
	replica := newFakeReplica(t)
	s := NewRPCServer(common.ServerConfig{}, nil, nil, serializer.NewJSONSerializer(), replica, nil)

	var resp common.Message
	raw := s.handler(s.clientAdapter)(0, []byte("{not json"))
	if err := s.serializer.Deserialize(raw, &resp); err != nil {
		t.Fatalf("Deserialize() error = %v", err)
	}
	if resp.MsgType != common.MsgTError || !strings.Contains(resp.Err, "deserialize") {
		t.Errorf("resp = %+v", resp)
	}
}
