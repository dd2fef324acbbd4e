// Package internal defines the operation codec of the rstore package: the byte format
// of the client mutations that are proposed to the raft cluster and applied by the
// state machine.
//
// Operation Format:
//
//	- 1 byte: Operation type (Put, Update, Delete)
//	- 4 bytes: Key length (uint32, big endian)
//	- N bytes: Key data
//	- 4 bytes: Value length (uint32, big endian), only for Put and Update
//	- M bytes: Value data, only for Put and Update
//
// Decode is strict: a truncated length prefix, a length that overruns the buffer,
// an unknown type byte, a Put or Update without value and trailing bytes all
// produce an error wrapping ErrMalformedPayload. Inside the state machine such an
// error means the replicated log is corrupt.
//
// This package is intended for internal use by the rstore implementation and should
// not be imported directly by external code.
package internal
