// Package transport defines the interfaces of the RPC transport layer. A server
// transport hands every request to a fixed pool of workers; a client transport
// sends opaque request bytes and returns the response bytes.
//
// Implementations live in the subpackages tcp, unix and http; tcp and unix share
// the framed protocol of package base.
package transport
