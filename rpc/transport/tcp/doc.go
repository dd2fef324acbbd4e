// Package tcp implements the framed RPC transport of package base over TCP
// sockets. The socket options of common.SocketConf (no delay, keep alive, linger,
// buffer sizes) are applied to every accepted and dialed connection.
package tcp
