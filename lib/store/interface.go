package store

import (
	"fmt"

	"github.com/ValentinKolb/rKV/lib/db"
)

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// IStore is the interface of a replicated key–value store as seen by a client.
// Mutations report the outcome of both the consensus round and the storage
// engine (see CommitResult); reads report the storage code directly.
// The returned error is non-nil only if no result could be obtained at all.
type IStore interface {
	// Get returns the value for a key as stored by one of the replicas.
	Get(key []byte) (ReadResult, error)
	// Put inserts a key–value pair, overwriting an existing value.
	Put(key, value []byte) (CommitResult, error)
	// Update updates the value of a key, inserting it when absent.
	Update(key, value []byte) (CommitResult, error)
	// Delete deletes a key. Deleting a missing key is a storage level failure.
	Delete(key []byte) (CommitResult, error)
}

// --------------------------------------------------------------------------
// Results
// --------------------------------------------------------------------------

// CommitResult is the outcome of a mutation.
//
// A non-zero ConsensusRC means the entry was rejected or the outcome is not
// known (see ConsensusCode). A non-zero StorageRC on an accepted entry means
// the storage engine refused the operation, e.g. the deletion of a missing
// key; such failures are final and never retried.
type CommitResult struct {
	StorageRC   db.RetCode    `json:"storage_rc"`
	ConsensusRC ConsensusCode `json:"consensus_rc"`
	Message     string        `json:"message,omitempty"`
}

// IsSuccess reports whether consensus and storage both succeeded.
func (r CommitResult) IsSuccess() bool {
	return r.ConsensusRC == ConsensusOK && r.StorageRC == db.RetCSuccess
}

// WasAccepted reports whether the entry was committed by the cluster.
func (r CommitResult) WasAccepted() bool {
	return r.ConsensusRC == ConsensusOK
}

func (r CommitResult) String() string {
	if r.Message == "" {
		return fmt.Sprintf("storage=%s consensus=%s", r.StorageRC, r.ConsensusRC)
	}
	return fmt.Sprintf("storage=%s consensus=%s: %s", r.StorageRC, r.ConsensusRC, r.Message)
}

// ReadResult is the outcome of a local read on a replica.
type ReadResult struct {
	Value     []byte     `json:"value"`
	StorageRC db.RetCode `json:"storage_rc"`
}

// Found reports whether the key existed.
func (r ReadResult) Found() bool {
	return r.StorageRC == db.RetCSuccess
}

// --------------------------------------------------------------------------
// Consensus Codes
// --------------------------------------------------------------------------

// ConsensusCode classifies the consensus outcome of a mutation or membership change.
type ConsensusCode int32

const (
	ConsensusOK                  ConsensusCode = 0
	ConsensusCancelled           ConsensusCode = -1     // The request was dropped, e.g. by a shutdown or snapshot restore
	ConsensusTimeout             ConsensusCode = -2     // The entry was not enqueued or committed in time
	ConsensusNotLeader           ConsensusCode = -3     // The receiving server is not the leader
	ConsensusBadRequest          ConsensusCode = -4     // The request was malformed
	ConsensusServerAlreadyExists ConsensusCode = -5     // The server to add is already a member
	ConsensusConfigChanging      ConsensusCode = -6     // Another membership change is in progress
	ConsensusServerIsJoining     ConsensusCode = -7     // The server to add is still joining
	ConsensusServerNotFound      ConsensusCode = -8     // The referenced server is not a member
	ConsensusFailed              ConsensusCode = -32768 // Any other failure
	ConsensusAmbiguous           ConsensusCode = 999    // Leadership was lost after the entry was appended; it may or may not be applied
)

// NoLiveLeader is the leader id reported while no leader is known.
const NoLiveLeader int32 = -1

func (c ConsensusCode) String() string {
	switch c {
	case ConsensusOK:
		return "OK"
	case ConsensusCancelled:
		return "Cancelled"
	case ConsensusTimeout:
		return "Timeout"
	case ConsensusNotLeader:
		return "NotLeader"
	case ConsensusBadRequest:
		return "BadRequest"
	case ConsensusServerAlreadyExists:
		return "ServerAlreadyExists"
	case ConsensusConfigChanging:
		return "ConfigChanging"
	case ConsensusServerIsJoining:
		return "ServerIsJoining"
	case ConsensusServerNotFound:
		return "ServerNotFound"
	case ConsensusFailed:
		return "Failed"
	case ConsensusAmbiguous:
		return "Ambiguous"
	default:
		return fmt.Sprintf("ConsensusCode(%d)", int32(c))
	}
}

// Retryable reports whether a client should refresh the leader and try again.
func (c ConsensusCode) Retryable() bool {
	return c == ConsensusNotLeader || c == ConsensusCancelled
}

// --------------------------------------------------------------------------
// Custom Error Type
// --------------------------------------------------------------------------

// Error is a custom error type that wraps a return code (of type RetCode)
// and an error message.
type Error struct {
	Code RetCode // The return code
	Msg  string  // The error message.
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("rKV error (code %s): %s", e.Code, e.Msg)
}

// Is matches any *Error with the same code, so errors.Is(err, &Error{Code: c}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// NewError creates a new Error with the given code and message.
func NewError(code RetCode, msg string) *Error {
	return &Error{
		Code: code,
		Msg:  msg,
	}
}

// --------------------------------------------------------------------------
// Return Codes
// --------------------------------------------------------------------------

type RetCode uint64

const (
	RetCSuccess              RetCode = iota // 0: Command executed successfully.
	RetCInternalError                       // 1: Command failed due to an internal error.
	RetCUnsupportedOperation                // 2: Operation is not supported by the server.
	RetCInvalidOperation                    // 3: Invalid operation.
	RetCNoServerReachable                   // 4: None of the known servers answered.
	RetCNoLiveLeader                        // 5: No server reported a live leader.
	RetCRetriesExhausted                    // 6: The mutation was retried too often.
	RetCConnection                          // 7: The seed did not answer the handshake.
)

func (c RetCode) String() string {
	switch c {
	case RetCSuccess:
		return "Success"
	case RetCInternalError:
		return "InternalError"
	case RetCUnsupportedOperation:
		return "UnsupportedOperation"
	case RetCInvalidOperation:
		return "InvalidOperation"
	case RetCNoServerReachable:
		return "NoServerReachable"
	case RetCNoLiveLeader:
		return "NoLiveLeader"
	case RetCRetriesExhausted:
		return "RetriesExhausted"
	case RetCConnection:
		return "Connection"
	default:
		return "Unknown"
	}
}
