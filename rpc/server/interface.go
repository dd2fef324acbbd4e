package server

import (
	"io"

	"github.com/ValentinKolb/rKV/lib/db"
	"github.com/ValentinKolb/rKV/lib/statemgr"
	"github.com/ValentinKolb/rKV/lib/store"
	"github.com/ValentinKolb/rKV/rpc/common"
)

// IReplica is the part of a replica the RPC server serves. It is implemented
// by *rstore.Replica.
type IReplica interface {
	store.IStore

	// RegisterWorker creates a storage handle for one transport worker
	RegisterWorker() (db.Handle, error)
	// ReadWith reads key through a handle created by RegisterWorker
	ReadWith(h db.Handle, key []byte) store.ReadResult

	ServerID() int32
	LeaderID() int32
	Members() ([]statemgr.Member, error)
	Endpoint(id int32) (string, error)

	AddServer(m statemgr.Member) (store.ConsensusCode, string)

	DumpCache(w io.Writer) error
	ClearCache() error
}

// IRPCServerAdapter is the interface for all RPC server adapters
// It is responsible for handling requests and responses
type IRPCServerAdapter interface {
	// Handle handles a request received by the transport worker workerID and
	// returns a response. If an error occurs, it should be set in the response
	Handle(workerID int, req *common.Message) (resp *common.Message)
}
