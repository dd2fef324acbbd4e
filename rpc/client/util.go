package client

import (
	"fmt"

	"github.com/ValentinKolb/rKV/rpc/common"
	"github.com/ValentinKolb/rKV/rpc/serializer"
	"github.com/ValentinKolb/rKV/rpc/transport"
)

// Conn is a connection to a single server.
type Conn interface {
	// Call sends req and returns the response. Error responses and responses
	// of an unexpected type are returned as errors.
	Call(req *common.Message) (*common.Message, error)
	// Close closes the connection
	Close() error
}

// Dialer opens a connection to the server listening on endpoint.
type Dialer func(endpoint string) (Conn, error)

// TransportFactory creates an unconnected client transport.
type TransportFactory func() transport.IRPCClientTransport

// NewDialer returns a Dialer that connects a new transport from newTransport
// per server, configured by config.
func NewDialer(config common.ClientConfig, newTransport TransportFactory, serializer serializer.IRPCSerializer) Dialer {
	return func(endpoint string) (Conn, error) {
		t := newTransport()
		if err := t.Connect(config.ForEndpoint(endpoint)); err != nil {
			return nil, err
		}
		return &rpcConn{endpoint: endpoint, transport: t, serializer: serializer}, nil
	}
}

// rpcConn sends messages over a connected transport
type rpcConn struct {
	endpoint   string
	transport  transport.IRPCClientTransport
	serializer serializer.IRPCSerializer
}

func (c *rpcConn) Call(req *common.Message) (*common.Message, error) {
	return invokeRPCRequest(req, c.transport, c.serializer)
}

func (c *rpcConn) Close() error {
	return c.transport.Close()
}

// invokeRPCRequest is a helper function used for all RPC Clients to send requests
// It takes a request message, a transport layer and a serializer as parameters
// It returns a response message and an error if any occurs
// This method also checks if the response is an error response and if the type of the response is the expected type
func invokeRPCRequest(req *common.Message, transport transport.IRPCClientTransport, serializer serializer.IRPCSerializer) (*common.Message, error) {
	// Serialize the request
	reqBytes, err := serializer.Serialize(*req)
	if err != nil {
		return nil, err
	}

	// Send the request
	respBytes, err := transport.Send(reqBytes)
	if err != nil {
		return nil, err
	}

	// Deserialize the response
	resp := &common.Message{}
	if err := serializer.Deserialize(respBytes, resp); err != nil {
		return nil, fmt.Errorf("%s: failed to decode response: %w", req.MsgType, err)
	}

	// Check if the response is an error response
	if resp.MsgType == common.MsgTError || resp.Err != "" {
		return nil, fmt.Errorf("%s: server error: %s", req.MsgType, resp.Err)
	}

	// Check if the type of the response is the expected type
	if resp.MsgType != req.MsgType {
		return nil, fmt.Errorf("%s: unexpected response type %s", req.MsgType, resp.MsgType)
	}

	return resp, nil
}
