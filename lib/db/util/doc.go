// Package util provides building blocks shared by the storage engines in lib/db/engines.
//
// The package contains:
//   - tree: PairTree, an ordered copy-on-write b-tree of key/value pairs (google/btree),
//     and TreeSnapshot, the db.Snapshot implementation built on it
//   - workers: WorkerTable, the bounded slot table behind db.KVDB.Register
//   - histogram: SizeHistogram, a bucketed value size distribution used in cache dumps
package util
