// Package base implements the framed RPC transport shared by the tcp and unix
// transports. The protocol specific parts (dialing, listening, socket options)
// are injected through IClientConnector and IServerConnector.
//
// Frame Format:
//
//   - 8 bytes: Request ID (uint64, big endian)
//   - 4 bytes: Payload length (uint32, big endian)
//   - N bytes: Payload
//
// A response carries the id of its request, so a client can pipeline many
// requests over one connection and match the responses as they arrive.
//
// Server:
//
//	Every connection has a reader goroutine that hands each request to one fixed
//	WorkerPool. The pool size does not depend on the number of connections. Every
//	worker runs the registered WorkerInitFunc once before its first request, which
//	is where callers bind per-worker resources such as storage handles; the
//	cleanups run when the transport is closed. Request buffers are pooled.
//
// Client:
//
//	The client keeps one or more connections per endpoint and picks one round
//	robin for each request. When a connection breaks, all requests waiting on it
//	fail and the connection is dialed again once. Failed sends are retried with
//	exponential backoff up to RetryCount attempts.
package base
