// Package statemgr holds the cluster identity of a server and the consensus
// state the engine persists between restarts.
//
// A Member is the triple (server id, raft endpoint, client endpoint). The raft
// configuration only knows ids and raft addresses, so the client endpoint travels
// inside the server id as "<id>/<client endpoint>" and is parsed back with
// FromServer. Because the configuration is replicated through the log, every
// server learns the client endpoints of all members without extra messages.
//
// Term and vote are kept in a raft.StableStore, either in memory or in a
// raft-boltdb file named raft-state-<server id>.db.
package statemgr
