// Package bolt implements db.KVDB on top of a single bbolt file (go.etcd.io/bbolt).
//
// Each server owns one file named after its server id (see FileName). The file is
// created at startup with an initial memory map of DBOptions.DiskSizeMB and grows
// when needed. Every write is its own bbolt transaction, so a successful Insert,
// Update or Delete is durable when it returns (unless NoSync is set).
//
// Snapshots copy one read transaction into an in-memory ordered tree; bbolt read
// transactions must not stay open for long because they pin pages and block
// remapping of the file.
package bolt
