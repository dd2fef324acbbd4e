// Package logstore provides the replicated log storage of a replica: an ordered,
// gap free sequence of entries with indices in [StartIndex, NextSlot).
//
// Two implementations are available:
//
//   - NewMemoryLogStore keeps the log in memory. Nothing survives a restart.
//   - NewBoltLogStore keeps the log in a bbolt file named raft-log-<server id>.db
//     inside the data directory. The start index is persisted next to the
//     entries, so a compaction past the stored entries is recovered on reopen.
//
// Compaction beyond the stored entries (after a snapshot install) advances both
// StartIndex and NextSlot, so the next append continues right after the snapshot.
//
// Entries are exchanged in packs:
//
//	- 4 bytes: entry count (int32, big endian, > 0)
//	- per entry 4 bytes record size (int32, big endian, > 0) followed by the
//	  msgpack encoded entry
//
// RaftLogStore adapts an ILogStore to the raft.LogStore interface of the
// consensus engine.
//
// Usage:
//
//	store, err := logstore.NewBoltLogStore(logstore.BoltOptions{Path: logstore.FileName(dir, 1)}, logger)
//	if err != nil { ... }
//	logs := logstore.NewRaftLogStore(store)
//
// The conformance suite in logstore/testing is run against both implementations.
package logstore
