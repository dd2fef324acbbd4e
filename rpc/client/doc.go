// Package client implements the RPC client of an rKV replica group.
//
// The package focuses on:
//   - Making the replica group appear as a single store.IStore
//   - Following leader changes and retrying rejected mutations
//   - Integration with the transport and serialization layers
//
// Key Components:
//
//   - Directory: Connects to every member of the group. Construction starts at a
//     seed: the seed must answer the ping handshake with "pong", then the member
//     list and the leader are read from it and every member is connected; members
//     that cannot be reached are skipped. Reads go round robin over the connected
//     members in a fixed order. Mutations go to the leader; if it answers that it
//     is not the leader or that the request was cancelled, the directory asks the
//     members for the new leader and retries, up to ClientConfig.Retries times.
//     An ambiguous outcome is reported as success with a warning.
//
//   - Dialer / NewDialer: Opens a Conn to one server. NewDialer connects a fresh
//     transport per server; tests pass their own Dialer.
//
//   - JoinCluster: Asks a member's join listener to add a new member.
//
// Usage Example:
//
//	config := common.ClientConfig{
//	  Seed:    "localhost:10002",
//	  Retries: 5,
//	  TransportConfig: common.ClientTransportConfig{TimeoutSecond: 5},
//	}
//
//	dial := client.NewDialer(config, func() transport.IRPCClientTransport {
//	  return tcp.NewTCPClientTransport(logger)
//	}, serializer.NewBinarySerializer())
//
//	dir, err := client.NewDirectory(config, dial, logger)
//	if err != nil {
//	  return err
//	}
//	defer dir.Close()
//
//	result, err := dir.Put([]byte("a"), []byte("1"))
//
// Errors:
//
//	Failures of the client itself are *store.Error values: RetCConnection if the
//	seed fails the handshake, RetCNoServerReachable if no member answers,
//	RetCNoLiveLeader if no member reports a leader and RetCRetriesExhausted if a
//	mutation was rejected on every attempt. A storage failure of an accepted
//	mutation, e.g. the deletion of a missing key, is not an error: it is reported
//	in the StorageRC of the result.
package client
