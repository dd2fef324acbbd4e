// Package rstore implements the replicated key-value store: a state machine
// that applies committed operations to a db.KVDB, and the Replica that binds it
// to the hashicorp/raft consensus engine.
//
// Write path:
//
//	Replica.AppendLog(op) -> raft.Apply -> replication -> KVStateMachine.Apply
//	    -> db.Handle Insert/Update/Delete -> 4 byte storage return code
//
// The state machine applies entries strictly in log order and exactly once. A
// payload that does not decode or an index that is not above the last committed
// one means the log is corrupt and ends the process with a panic; a storage
// level failure (deleting a missing key) is an ordinary return code.
//
// Reads bypass consensus and go to the local storage engine, so a follower may
// return stale values.
//
// Snapshots are logical: object 0 is a header with index, term and pair count,
// the following objects carry batches of pairs. Captured snapshots are kept by
// index, at most three of them, and the oldest index is evicted first. Received
// objects are staged and only installed once the last object arrived. With
// asynchronous snapshots the objects are encoded on a worker pool owned by the
// state machine, Close waits for it.
//
// The storage engine starts empty on every start of a replica; its content is
// rebuilt from the latest snapshot and the log.
package rstore
