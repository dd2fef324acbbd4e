// Package btree implements db.KVDB as an in-memory ordered b-tree
// (github.com/google/btree). Snapshots are copy-on-write clones of the tree, so
// capturing one does not block writers for longer than the clone call itself.
// The engine keeps nothing on disk; it is the engine of choice for tests and for
// clusters that rebuild state from raft snapshots and logs anyway.
package btree
