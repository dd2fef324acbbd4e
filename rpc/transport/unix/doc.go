// Package unix implements the framed RPC transport of package base over Unix
// domain sockets, for clients on the same machine as the server. The endpoint is
// the socket path; a stale socket file is removed before listening.
package unix
