// Package db defines the storage engine interface consumed by the replicated
// state machine. The engine is a plain single node key-value store; replication,
// ordering and durability of the operation history are the job of the layers above.
//
// Key Components:
//
//   - KVDB Interface: registration of worker handles, point in time snapshots,
//     reset, diagnostic cache dumps and metadata reporting.
//
//   - Handle Interface: the worker local entry point for Insert, Update, Delete
//     and Lookup. Engines of this class commonly need per-thread registration; every
//     goroutine that touches the database registers once before its first operation
//     and deregisters when it stops. The number of concurrently registered handles
//     is bounded (ErrTooManyWorkers).
//
//   - Return Codes: every operation returns a RetCode. RetCSuccess is zero, the
//     other codes follow errno numbering (RetCNotFound for a missing key,
//     RetCInvalid for an empty key, RetCIOError for storage failures). A non-zero
//     code is an ordinary result, not a failure of the caller.
//
// Implementations:
//
//   - engines/bolt: durable, one bbolt file per server
//   - engines/btree: in-memory, copy-on-write b-tree
//
// The testing package (github.com/ValentinKolb/rKV/lib/db/testing) provides
// the conformance suite (RunKVDBTests) and benchmarks (RunKVDBBenchmarks)
// every implementation runs.
package db
