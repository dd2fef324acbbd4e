// Package common provides the data structures shared by the rKV RPC client and
// server: the message protocol, the configuration structs and the logger factory.
//
// Key Components:
//
//   - Message: One struct for every request and response. Which fields are set
//     depends on the MessageType. Factory functions build the requests and
//     responses of every RPC method.
//
//   - MessageType: The RPC methods. The string form of a type is the method name
//     (ping, get_srv_id, get_leader_id, get_all_servers, get_srv_endpoint,
//     splinterdb_get, splinterdb_put, splinterdb_update, splinterdb_delete,
//     splinterdb_dumpcache, splinterdb_clearcache, join_replica_group).
//
//   - ServerConfig / ClientConfig: Process configuration, filled from flags and
//     environment by the CLI. Both print a sectioned summary with String().
//
//   - NewLogger: Builds the zap logger that is passed to every component.
package common
