// Package server implements the RPC server of an rKV replica. It connects the
// transport and serialization layers to a replica through adapters.
//
// The package focuses on:
//   - Two independent listeners per replica: a client listener and a join listener
//   - Adapter pattern to decouple the replica from the RPC mechanisms
//   - Per-worker storage handles, registered by the transport's worker init hook
//   - Request metrics exported in the Prometheus text format
//
// Key Components:
//
//   - IReplica: The replica operations the server needs. Implemented by
//     rstore.Replica.
//
//   - IRPCServerAdapter: Interface of the adapters, Handle processes a decoded
//     request on a transport worker.
//
//   - ClientAdapter: Serves ping, get_srv_id, get_leader_id, get_all_servers,
//     get_srv_endpoint, the storage methods and the cache administration.
//     Mutations wrap the replica's log append and answer with the storage code,
//     the consensus code and a message; reads answer with the value and the
//     storage code. splinterdb_dumpcache starts the dump in the background and
//     answers right away.
//
//   - NewJoinAdapter: Serves join_replica_group by adding the server to the
//     replica group.
//
//   - NewRPCServer: Creates the server from a configuration, two transports, a
//     serializer and a replica.
//
// Usage Example:
//
//	s := server.NewRPCServer(
//	  config,
//	  tcp.NewTCPServerTransport(logger),
//	  tcp.NewTCPServerTransport(logger),
//	  serializer.NewBinarySerializer(),
//	  replica,
//	  logger,
//	)
//
//	go func() {
//	  <-ctx.Done()
//	  _ = s.Close()
//	}()
//
//	if err := s.Serve(); err != nil {
//	  logger.Fatal("server error", zap.Error(err))
//	}
//
// Metrics:
//
//	If config.MetricsEndpoint is set, the server exports rkv_requests_total,
//	rkv_request_errors_total, rkv_consensus_failures_total and
//	rkv_request_duration_seconds per method, plus rkv_leader_id and
//	rkv_is_leader, on http://<MetricsEndpoint>/metrics.
//
// Thread Safety:
//
//	Requests are handled concurrently by the transport workers. Serve must be
//	called only once; Close can be called from any goroutine.
package server
