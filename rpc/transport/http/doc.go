// Package http implements the RPC transport over HTTP. Every request is a POST of
// the serialized message to /rpc; the response body is the serialized reply.
//
// The server hands requests to the same fixed worker pool as the framed
// transports, so per-worker initialization works the same way. The client sends
// requests round-robin over its endpoints and retries failed posts.
//
// Requests are logged at debug level when the logger has debug enabled.
package http
