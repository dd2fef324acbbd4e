// Package cmd implements the command-line interface of rKV. It provides a
// hierarchical command structure for running a replica and for talking to a
// replica group as a client.
//
// The package is organized into several subpackages:
//
//   - serve: Starts a replica (storage engine, raft log, RPC listeners)
//   - kv: Key-value operations (get, put, update, delete) and a benchmark
//   - cluster: Administration of a replica group (join, servers, leader, cache dumps)
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// See rkv -help for a list of all commands.
package cmd
