package client

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/rKV/lib/store"
	"github.com/ValentinKolb/rKV/rpc/common"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var errClosed = store.NewError(store.RetCConnection, "directory is closed")

const (
	// initialBackoff is the first pause of the leader refresh and of mutation retries
	initialBackoff = 100 * time.Millisecond
	maxBackoff     = 5 * time.Second
)

// Directory is a client of a whole replica group. It keeps a connection to
// every member, sends reads round robin and mutations to the leader, and
// follows leader changes.
//
// A Directory is safe for concurrent use.
type Directory struct {
	config common.ClientConfig
	dial   Dialer
	logger *zap.Logger

	servers *xsync.MapOf[int32, Conn]
	order   []int32 // fixed read rotation, established at construction
	cursor  atomic.Uint64
	leader  atomic.Int32
	closed  atomic.Bool

	refreshMu sync.Mutex
	backoff   time.Duration
}

// NewDirectory connects to the replica group through the member listening on
// config.Seed. The seed has to answer the ping handshake; the server list and
// the leader are taken from it. Members that cannot be reached are skipped.
func NewDirectory(config common.ClientConfig, dial Dialer, logger *zap.Logger) (*Directory, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Directory{
		config:  config,
		dial:    dial,
		logger:  logger.Named("client"),
		servers: xsync.NewMapOf[int32, Conn](),
		backoff: initialBackoff,
	}

	seed, err := dial(config.Seed)
	if err != nil {
		return nil, store.NewError(store.RetCConnection, fmt.Sprintf("failed to connect to seed %s: %v", config.Seed, err))
	}

	servers, leader, err := handshake(seed)
	if err != nil {
		_ = seed.Close()
		return nil, store.NewError(store.RetCConnection, fmt.Sprintf("seed %s: %v", config.Seed, err))
	}
	d.leader.Store(leader)

	seedUsed := false
	for _, s := range servers {
		var conn Conn
		if s.Endpoint == config.Seed && !seedUsed {
			conn, seedUsed = seed, true
		} else if conn, err = dial(s.Endpoint); err != nil {
			d.logger.Warn("failed to connect, skipping",
				zap.Int32("server", s.ID), zap.String("endpoint", s.Endpoint), zap.Error(err))
			continue
		}
		d.servers.Store(s.ID, conn)
		d.order = append(d.order, s.ID)
	}
	if !seedUsed {
		_ = seed.Close()
	}

	if len(d.order) == 0 {
		return nil, store.NewError(store.RetCNoServerReachable, "failed to connect to any server")
	}
	d.logger.Debug("connected",
		zap.Int("servers", len(d.order)), zap.Int("members", len(servers)), zap.Int32("leader", leader))
	return d, nil
}

// handshake checks that conn answers the ping and returns the members and the
// leader it reports
func handshake(conn Conn) ([]common.ServerInfo, int32, error) {
	resp, err := conn.Call(common.NewPingRequest())
	if err != nil {
		return nil, 0, err
	}
	if resp.Msg != common.PingReply {
		return nil, 0, fmt.Errorf("unexpected ping response %q", resp.Msg)
	}
	resp, err = conn.Call(common.NewAllServersRequest())
	if err != nil {
		return nil, 0, err
	}
	servers := resp.Servers
	resp, err = conn.Call(common.NewLeaderIDRequest())
	if err != nil {
		return nil, 0, err
	}
	return servers, resp.ServerID, nil
}

// --------------------------------------------------------------------------
// Interface Methods (docu see the store package in interface.go)
// --------------------------------------------------------------------------

func (d *Directory) Get(key []byte) (store.ReadResult, error) {
	resp, err := d.call(d.nextServer(), common.NewGetRequest(key))
	if err != nil {
		return store.ReadResult{}, err
	}
	return resp.ReadResult(), nil
}

func (d *Directory) Put(key, value []byte) (store.CommitResult, error) {
	return d.mutate(common.NewPutRequest(key, value))
}

func (d *Directory) Update(key, value []byte) (store.CommitResult, error) {
	return d.mutate(common.NewUpdateRequest(key, value))
}

func (d *Directory) Delete(key []byte) (store.CommitResult, error) {
	return d.mutate(common.NewDeleteRequest(key))
}

// --------------------------------------------------------------------------
// Cluster Information
// --------------------------------------------------------------------------

// Servers returns the ids of the connected servers in read rotation order.
func (d *Directory) Servers() []int32 {
	return append([]int32(nil), d.order...)
}

// Leader returns the id of the server the directory currently sends
// mutations to.
func (d *Directory) Leader() int32 {
	return d.leader.Load()
}

// GetAllServers asks the connected servers in rotation order for the members
// of the group and returns the first answer.
func (d *Directory) GetAllServers() ([]common.ServerInfo, error) {
	for _, id := range d.order {
		conn, ok := d.servers.Load(id)
		if !ok {
			continue
		}
		resp, err := conn.Call(common.NewAllServersRequest())
		if err != nil {
			d.logger.Warn("failed to query server, skipping", zap.Int32("server", id), zap.Error(err))
			continue
		}
		return resp.Servers, nil
	}
	return nil, store.NewError(store.RetCNoServerReachable, "failed to connect to any server")
}

// GetLeaderID asks the connected servers in rotation order for the leader.
// A server that knows no live leader is asked again, up to the configured
// number of retries, with a pause that starts at 100ms and doubles after
// every unsuccessful answer. A server that fails is skipped.
func (d *Directory) GetLeaderID() (int32, error) {
	delay := d.backoff
	pause := func() {
		time.Sleep(delay)
		delay = min(2*delay, maxBackoff)
	}

	for _, id := range d.order {
		conn, ok := d.servers.Load(id)
		if !ok {
			continue
		}
		for i := 0; i < d.retries(); i++ {
			resp, err := conn.Call(common.NewLeaderIDRequest())
			if err != nil {
				d.logger.Warn("failed to query server, skipping", zap.Int32("server", id), zap.Error(err))
				pause()
				break
			}
			if resp.ServerID != store.NoLiveLeader {
				return resp.ServerID, nil
			}
			d.logger.Warn("no live leader, retrying", zap.Int32("server", id), zap.Duration("backoff", delay))
			pause()
		}
	}
	return store.NoLiveLeader, store.NewError(store.RetCNoLiveLeader, "no server reported a live leader")
}

// GetServerID asks the server id for its own id.
func (d *Directory) GetServerID(id int32) (int32, error) {
	resp, err := d.call(id, common.NewServerIDRequest())
	if err != nil {
		return 0, err
	}
	return resp.ServerID, nil
}

// GetEndpoint returns the client endpoint of the member id, asking the
// connected servers in rotation order.
func (d *Directory) GetEndpoint(id int32) (string, error) {
	var errs error
	for _, srv := range d.order {
		conn, ok := d.servers.Load(srv)
		if !ok {
			continue
		}
		resp, err := conn.Call(common.NewEndpointRequest(id))
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("server %d: %w", srv, err))
			continue
		}
		return resp.Endpoint, nil
	}
	if errs == nil {
		return "", store.NewError(store.RetCNoServerReachable, "no connected server")
	}
	return "", errs
}

// Ping checks that the server id answers.
func (d *Directory) Ping(id int32) error {
	resp, err := d.call(id, common.NewPingRequest())
	if err != nil {
		return err
	}
	if resp.Msg != common.PingReply {
		return fmt.Errorf("server %d: unexpected ping response %q", id, resp.Msg)
	}
	return nil
}

// --------------------------------------------------------------------------
// Administration
// --------------------------------------------------------------------------

// TriggerCacheDumps asks every connected server to dump its storage engine
// cache to its log. Failures are logged and returned combined.
func (d *Directory) TriggerCacheDumps() error {
	return d.broadcast(common.NewDumpCacheRequest(), "dump cache")
}

// ClearCaches asks every connected server to drop its storage engine cache.
func (d *Directory) ClearCaches() error {
	return d.broadcast(common.NewClearCacheRequest(), "clear cache")
}

func (d *Directory) broadcast(req *common.Message, what string) error {
	var errs error
	for _, id := range d.order {
		resp, err := d.call(id, req)
		if err == nil && !resp.Ok {
			err = fmt.Errorf("server %d: %s refused", id, what)
		}
		if err != nil {
			d.logger.Warn("failed to "+what, zap.Int32("server", id), zap.Error(err))
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// Close closes all connections. Later calls fail with RetCConnection.
func (d *Directory) Close() error {
	d.closed.Store(true)
	var errs error
	d.servers.Range(func(id int32, conn Conn) bool {
		errs = multierr.Append(errs, conn.Close())
		d.servers.Delete(id)
		return true
	})
	return errs
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (d *Directory) retries() int {
	return max(1, d.config.Retries)
}

// nextServer returns the next server of the read rotation. The rotation does
// not skip unreachable servers.
func (d *Directory) nextServer() int32 {
	n := uint64(len(d.order))
	return d.order[(d.cursor.Add(1)-1)%n]
}

func (d *Directory) call(id int32, req *common.Message) (*common.Message, error) {
	conn, err := d.conn(id)
	if err != nil {
		return nil, err
	}
	resp, err := conn.Call(req)
	if err != nil {
		return nil, fmt.Errorf("server %d: %w", id, err)
	}
	return resp, nil
}

// conn returns the connection to server id. A member that was not connected
// at construction, e.g. one that joined later, is looked up and connected.
func (d *Directory) conn(id int32) (Conn, error) {
	if d.closed.Load() {
		return nil, errClosed
	}
	if id == store.NoLiveLeader {
		return nil, store.NewError(store.RetCNoLiveLeader, "no live leader")
	}
	if conn, ok := d.servers.Load(id); ok {
		return conn, nil
	}
	endpoint, err := d.GetEndpoint(id)
	if err != nil {
		return nil, fmt.Errorf("no endpoint for server %d: %w", id, err)
	}
	conn, err := d.dial(endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server %d: %w", id, err)
	}
	if existing, loaded := d.servers.LoadOrStore(id, conn); loaded {
		_ = conn.Close()
		return existing, nil
	}
	d.logger.Info("connected to new server", zap.Int32("server", id), zap.String("endpoint", endpoint))
	return conn, nil
}

// refreshLeader replaces the believed leader old by the one the servers
// report. Concurrent refreshes of the same leader query the servers once.
func (d *Directory) refreshLeader(old int32) error {
	d.refreshMu.Lock()
	defer d.refreshMu.Unlock()
	if d.leader.Load() != old {
		return nil
	}
	leader, err := d.GetLeaderID()
	if err != nil {
		return err
	}
	d.leader.Store(leader)
	d.logger.Warn(fmt.Sprintf("leader changed from %d to %d", old, leader))
	return nil
}

// mutate sends a mutation to the leader. A request rejected because the server
// is not (or no longer) the leader is retried with the refreshed leader. An
// ambiguous outcome is returned as success after a warning, the caller must
// verify it instead of retrying.
func (d *Directory) mutate(req *common.Message) (store.CommitResult, error) {
	var result store.CommitResult
	if d.closed.Load() {
		return result, errClosed
	}
	attempts := d.retries()
	delay := d.backoff

	for i := 0; i < attempts; i++ {
		leader := d.leader.Load()
		resp, err := d.call(leader, req)
		if err == nil {
			result = resp.CommitResult()
			switch {
			case result.WasAccepted():
				return result, nil
			case result.ConsensusRC == store.ConsensusAmbiguous:
				d.logger.Warn("outcome is ambiguous, verify that the key exists",
					zap.Stringer("method", req.MsgType), zap.ByteString("key", req.Key), zap.String("msg", result.Message))
				result.ConsensusRC = store.ConsensusOK
				return result, nil
			case !result.ConsensusRC.Retryable():
				return result, nil
			}
			err = fmt.Errorf("server %d: %s", leader, result)
		}

		if i+1 == attempts {
			d.logger.Warn("request failed", zap.Stringer("method", req.MsgType), zap.Error(err))
			break
		}
		d.logger.Warn("request failed, retrying",
			zap.Stringer("method", req.MsgType), zap.Int("attempt", i+1), zap.Int("attempts", attempts), zap.Error(err))
		if err := d.refreshLeader(leader); err != nil {
			return result, err
		}
		time.Sleep(delay)
		delay = min(2*delay, maxBackoff)
	}

	return result, store.NewError(store.RetCRetriesExhausted,
		fmt.Sprintf("%s failed after %d attempts", req.MsgType, attempts))
}
