package server

import (
	"fmt"

	"github.com/ValentinKolb/rKV/lib/db"
	"github.com/ValentinKolb/rKV/lib/store"
	"github.com/ValentinKolb/rKV/rpc/common"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zapio"
)

// NewClientAdapter creates the adapter of the client listener. Reads go through
// the storage handle of the worker that serves them, see InitWorker.
func NewClientAdapter(replica IReplica, logger *zap.Logger) *ClientAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ClientAdapter{
		replica: replica,
		handles: xsync.NewMapOf[int, db.Handle](),
		logger:  logger.Named("client"),
	}
}

// ClientAdapter serves the client facing methods of one replica.
type ClientAdapter struct {
	replica IReplica
	handles *xsync.MapOf[int, db.Handle]
	dumps   conc.WaitGroup
	logger  *zap.Logger
}

// InitWorker registers a storage handle for the transport worker workerID. It
// is registered as the transport's worker init hook; the returned cleanup
// deregisters the handle.
func (a *ClientAdapter) InitWorker(workerID int) (func(), error) {
	h, err := a.replica.RegisterWorker()
	if err != nil {
		return nil, fmt.Errorf("failed to register storage handle for worker %d: %w", workerID, err)
	}
	a.handles.Store(workerID, h)
	return func() {
		if h, ok := a.handles.LoadAndDelete(workerID); ok {
			h.Deregister()
		}
	}, nil
}

func (a *ClientAdapter) Handle(workerID int, req *common.Message) *common.Message {
	switch req.MsgType {
	case common.MsgTPing:
		return common.NewPingResponse()

	case common.MsgTGetSrvID:
		return common.NewServerIDResponse(a.replica.ServerID())

	case common.MsgTGetLeaderID:
		return common.NewLeaderIDResponse(a.replica.LeaderID())

	case common.MsgTGetAllServers:
		members, err := a.replica.Members()
		if err != nil {
			return common.NewErrorResponse(err.Error())
		}
		servers := make([]common.ServerInfo, 0, len(members))
		for _, m := range members {
			servers = append(servers, common.ServerInfo{ID: m.ID, Endpoint: m.ClientEndpoint})
		}
		return common.NewAllServersResponse(servers)

	case common.MsgTGetSrvEndpoint:
		ep, err := a.replica.Endpoint(req.ServerID)
		if err != nil {
			return common.NewErrorResponse(err.Error())
		}
		return common.NewEndpointResponse(ep)

	case common.MsgTKVGet:
		return common.NewGetResponse(a.read(workerID, req.Key))

	case common.MsgTKVPut:
		return commitResponse(req.MsgType)(a.replica.Put(req.Key, req.Value))

	case common.MsgTKVUpdate:
		return commitResponse(req.MsgType)(a.replica.Update(req.Key, req.Value))

	case common.MsgTKVDelete:
		return commitResponse(req.MsgType)(a.replica.Delete(req.Key))

	case common.MsgTDumpCache:
		a.dumps.Go(a.dumpCache)
		return common.NewCacheResponse(req.MsgType, true, nil)

	case common.MsgTClearCache:
		err := a.replica.ClearCache()
		return common.NewCacheResponse(req.MsgType, err == nil, err)

	default:
		return common.NewErrorResponse(fmt.Sprintf("client adapter: unsupported message type: %s", req.MsgType))
	}
}

// Wait blocks until all running cache dumps are written.
func (a *ClientAdapter) Wait() {
	a.dumps.Wait()
}

// read uses the worker's own handle, workers of transports without init hook
// fall back to the replica's shared handle
func (a *ClientAdapter) read(workerID int, key []byte) store.ReadResult {
	if h, ok := a.handles.Load(workerID); ok {
		return a.replica.ReadWith(h, key)
	}
	result, err := a.replica.Get(key)
	if err != nil {
		a.logger.Error("read failed", zap.Error(err))
		return store.ReadResult{StorageRC: db.RetCIOError}
	}
	return result
}

func (a *ClientAdapter) dumpCache() {
	w := &zapio.Writer{Log: a.logger.Named("dumpcache"), Level: zapcore.InfoLevel}
	defer func() { _ = w.Close() }()
	if err := a.replica.DumpCache(w); err != nil {
		a.logger.Error("cache dump failed", zap.Error(err))
	}
}

func commitResponse(t common.MessageType) func(store.CommitResult, error) *common.Message {
	return func(result store.CommitResult, err error) *common.Message {
		if err != nil {
			return common.NewErrorResponse(err.Error())
		}
		return common.NewCommitResponse(t, result)
	}
}
