// Package store defines the client view of the replicated key-value store:
// the IStore interface, the result types of reads and mutations and the typed
// Error returned by clients.
//
// A mutation carries two return codes. The consensus code (ConsensusCode) says
// whether the cluster committed the entry: NotLeader and Cancelled ask the
// caller to find the current leader and retry, Ambiguous means leadership was
// lost after the entry was appended and the caller has to verify the key
// instead of retrying. The storage code (db.RetCode) is the result of applying
// the committed entry to the storage engine and is final.
//
// The package is implemented by two types:
//
//   - rstore.Replica, the server side replica. Reads go to the local storage
//     engine, mutations through the consensus engine.
//   - client.Directory, the RPC client that tracks the cluster leader and
//     retries mutations on leader changes.
package store
