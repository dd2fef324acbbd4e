package transport

import (
	"github.com/ValentinKolb/rKV/rpc/common"
)

// --------------------------------------------------------------------------
// Server Transport
// --------------------------------------------------------------------------

// ServerHandleFunc handles one request. It is called on a transport worker;
// workerID identifies the worker and is stable for the worker's lifetime.
type ServerHandleFunc func(workerID int, req []byte) (resp []byte)

// WorkerInitFunc runs once on every worker before it handles its first request.
// The returned cleanup runs when the transport is closed. An error stops the
// transport from serving.
type WorkerInitFunc func(workerID int) (cleanup func(), err error)

// IRPCServerTransport is the interface for the server side of the RPC transport layer
type IRPCServerTransport interface {
	// RegisterHandler registers the handler that is called for every request
	RegisterHandler(handler ServerHandleFunc)
	// RegisterWorkerInit registers a hook that runs on every worker at startup
	RegisterWorkerInit(init WorkerInitFunc)
	// Listen starts the workers and serves requests until Close is called. It
	// returns nil after Close.
	Listen(config common.ServerTransportConfig) error
	// Close stops accepting requests, waits for the workers and runs their cleanups
	Close() error
}

// --------------------------------------------------------------------------
// Client Transport
// --------------------------------------------------------------------------

// IRPCClientTransport is the interface for the RPC client transport
type IRPCClientTransport interface {
	// Connect initializes the transport with the given configuration
	Connect(config common.ClientTransportConfig) error
	// Send sends a request to the server and returns the response
	Send(req []byte) (resp []byte, err error)
	// Close closes the transport connection
	Close() error
}
