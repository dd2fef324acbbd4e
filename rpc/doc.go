// Package rpc is the communication layer between rKV clients and replicas.
//
// The package is organized into several subpackages:
//
//   - common: The Message protocol, configuration structures and logging.
//
//   - transport: Network communication abstractions with pluggable implementations
//     (TCP, Unix sockets, HTTP). Server transports run a fixed pool of workers.
//
//   - serializer: Message serialization with multiple format options (Binary, JSON,
//     GOB, MessagePack) for converting between Message objects and byte arrays.
//
//   - client: The Directory, a client of a whole replica group that tracks the
//     leader and retries mutations on leader changes, and JoinCluster.
//
//   - server: The RPC server of a replica with its client and join listeners.
package rpc
