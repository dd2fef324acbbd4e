package common

import (
	"encoding/json"
	"fmt"

	"github.com/ValentinKolb/rKV/lib/db"
	"github.com/ValentinKolb/rKV/lib/statemgr"
	"github.com/ValentinKolb/rKV/lib/store"
)

// --------------------------------------------------------------------------
// Message Structure
// --------------------------------------------------------------------------

// ServerInfo is one entry of a get_all_servers response.
type ServerInfo struct {
	ID       int32  `json:"id" msgpack:"id"`
	Endpoint string `json:"endpoint" msgpack:"endpoint"`
}

// Message represents a single message used for both requests and responses.
// Which fields are used depends on the type of message.
type Message struct {
	// Type of message
	MsgType MessageType `json:"msg_type" msgpack:"msg_type"`

	// Storage fields
	Key   []byte `json:"key,omitempty" msgpack:"key,omitempty"`     // Used for: Get, Put, Update, Delete
	Value []byte `json:"value,omitempty" msgpack:"value,omitempty"` // Used for: Put, Update (request), Get (response)

	// Cluster fields
	ServerID       int32        `json:"server_id,omitempty" msgpack:"server_id,omitempty"`             // Used for: GetSrvID, GetLeaderID (response), GetSrvEndpoint, Join (request)
	Endpoint       string       `json:"endpoint,omitempty" msgpack:"endpoint,omitempty"`               // Used for: GetSrvEndpoint (response), Join (raft endpoint)
	ClientEndpoint string       `json:"client_endpoint,omitempty" msgpack:"client_endpoint,omitempty"` // Used for: Join (request)
	Servers        []ServerInfo `json:"servers,omitempty" msgpack:"servers,omitempty"`                 // Used for: GetAllServers (response)

	// Response only fields
	StorageRC   int32  `json:"storage_rc,omitempty" msgpack:"storage_rc,omitempty"`     // Used for: Get, Put, Update, Delete
	ConsensusRC int32  `json:"consensus_rc,omitempty" msgpack:"consensus_rc,omitempty"` // Used for: Put, Update, Delete, Join
	Msg         string `json:"msg,omitempty" msgpack:"msg,omitempty"`                   // Used for: Ping, Put, Update, Delete, Join
	Ok          bool   `json:"ok,omitempty" msgpack:"ok,omitempty"`                     // Used for: DumpCache, ClearCache
	Err         string `json:"err,omitempty" msgpack:"err,omitempty"`                   // Empty if no error, otherwise contains the error message
}

// CommitResult extracts the commit result of a mutation response.
func (m *Message) CommitResult() store.CommitResult {
	return store.CommitResult{
		StorageRC:   db.RetCode(m.StorageRC),
		ConsensusRC: store.ConsensusCode(m.ConsensusRC),
		Message:     m.Msg,
	}
}

// ReadResult extracts the read result of a get response.
func (m *Message) ReadResult() store.ReadResult {
	return store.ReadResult{Value: m.Value, StorageRC: db.RetCode(m.StorageRC)}
}

// Member extracts the member of a join request.
func (m *Message) Member() statemgr.Member {
	return statemgr.Member{ID: m.ServerID, RaftEndpoint: m.Endpoint, ClientEndpoint: m.ClientEndpoint}
}

// --------------------------------------------------------------------------
// Message Factory Functions
// --------------------------------------------------------------------------

// PingReply is the message of a ping response.
const PingReply = "pong"

// NewPingRequest creates a new Ping request
func NewPingRequest() *Message {
	return &Message{MsgType: MsgTPing}
}

// NewPingResponse creates a new Ping response
func NewPingResponse() *Message {
	return &Message{MsgType: MsgTPing, Msg: PingReply}
}

// NewServerIDRequest creates a new GetSrvID request
func NewServerIDRequest() *Message {
	return &Message{MsgType: MsgTGetSrvID}
}

// NewServerIDResponse creates a new GetSrvID response
func NewServerIDResponse(id int32) *Message {
	return &Message{MsgType: MsgTGetSrvID, ServerID: id}
}

// NewLeaderIDRequest creates a new GetLeaderID request
func NewLeaderIDRequest() *Message {
	return &Message{MsgType: MsgTGetLeaderID}
}

// NewLeaderIDResponse creates a new GetLeaderID response, id is store.NoLiveLeader
// if there is no leader
func NewLeaderIDResponse(id int32) *Message {
	return &Message{MsgType: MsgTGetLeaderID, ServerID: id}
}

// NewAllServersRequest creates a new GetAllServers request
func NewAllServersRequest() *Message {
	return &Message{MsgType: MsgTGetAllServers}
}

// NewAllServersResponse creates a new GetAllServers response
func NewAllServersResponse(servers []ServerInfo) *Message {
	return &Message{MsgType: MsgTGetAllServers, Servers: servers}
}

// NewEndpointRequest creates a new GetSrvEndpoint request
func NewEndpointRequest(id int32) *Message {
	return &Message{MsgType: MsgTGetSrvEndpoint, ServerID: id}
}

// NewEndpointResponse creates a new GetSrvEndpoint response
func NewEndpointResponse(endpoint string) *Message {
	return &Message{MsgType: MsgTGetSrvEndpoint, Endpoint: endpoint}
}

// NewGetRequest creates a new Get request
func NewGetRequest(key []byte) *Message {
	return &Message{MsgType: MsgTKVGet, Key: key}
}

// NewGetResponse creates a new Get response
func NewGetResponse(result store.ReadResult) *Message {
	return &Message{MsgType: MsgTKVGet, Value: result.Value, StorageRC: int32(result.StorageRC)}
}

// NewPutRequest creates a new Put request
func NewPutRequest(key, value []byte) *Message {
	return &Message{MsgType: MsgTKVPut, Key: key, Value: value}
}

// NewUpdateRequest creates a new Update request
func NewUpdateRequest(key, value []byte) *Message {
	return &Message{MsgType: MsgTKVUpdate, Key: key, Value: value}
}

// NewDeleteRequest creates a new Delete request
func NewDeleteRequest(key []byte) *Message {
	return &Message{MsgType: MsgTKVDelete, Key: key}
}

// NewCommitResponse creates the response of a Put, Update or Delete request
func NewCommitResponse(t MessageType, result store.CommitResult) *Message {
	return &Message{
		MsgType:     t,
		StorageRC:   int32(result.StorageRC),
		ConsensusRC: int32(result.ConsensusRC),
		Msg:         result.Message,
	}
}

// NewDumpCacheRequest creates a new DumpCache request
func NewDumpCacheRequest() *Message {
	return &Message{MsgType: MsgTDumpCache}
}

// NewClearCacheRequest creates a new ClearCache request
func NewClearCacheRequest() *Message {
	return &Message{MsgType: MsgTClearCache}
}

// NewCacheResponse creates the response of a DumpCache or ClearCache request
func NewCacheResponse(t MessageType, ok bool, err error) *Message {
	msg := &Message{MsgType: t, Ok: ok}
	if err != nil {
		msg.Err = err.Error()
	}
	return msg
}

// NewJoinRequest creates a new Join request for m
func NewJoinRequest(m statemgr.Member) *Message {
	return &Message{
		MsgType:        MsgTJoin,
		ServerID:       m.ID,
		Endpoint:       m.RaftEndpoint,
		ClientEndpoint: m.ClientEndpoint,
	}
}

// NewJoinResponse creates a new Join response
func NewJoinResponse(code store.ConsensusCode, msg string) *Message {
	return &Message{MsgType: MsgTJoin, ConsensusRC: int32(code), Msg: msg}
}

// NewErrorResponse creates a new Error response
func NewErrorResponse(err string) *Message {
	return &Message{
		MsgType: MsgTError,
		Err:     err,
	}
}

// --------------------------------------------------------------------------
// Message Type Definition
// --------------------------------------------------------------------------

// MessageType defines the type of message used in RPC communication. The string
// form of a type is the name of the RPC method.
type MessageType uint8

var messageTypeNames = map[MessageType]string{
	MsgTSuccess:        "success",
	MsgTError:          "error",
	MsgTPing:           "ping",
	MsgTGetSrvID:       "get_srv_id",
	MsgTGetLeaderID:    "get_leader_id",
	MsgTGetAllServers:  "get_all_servers",
	MsgTGetSrvEndpoint: "get_srv_endpoint",
	MsgTKVGet:          "splinterdb_get",
	MsgTKVPut:          "splinterdb_put",
	MsgTKVUpdate:       "splinterdb_update",
	MsgTKVDelete:       "splinterdb_delete",
	MsgTDumpCache:      "splinterdb_dumpcache",
	MsgTClearCache:     "splinterdb_clearcache",
	MsgTJoin:           "join_replica_group",
}

// String returns the string representation of a MessageType.
func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

// ParseMessageType returns the MessageType of a method name.
func ParseMessageType(name string) (MessageType, error) {
	for t, n := range messageTypeNames {
		if n == name {
			return t, nil
		}
	}
	return MsgTUnknown, fmt.Errorf("unknown message type: %s", name)
}

// MarshalJSON implements the json.Marshaller interface for MessageType.
// This allows MessageType to be serialized as a string in JSON.
func (t MessageType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for MessageType.
func (t *MessageType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseMessageType(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// --------------------------------------------------------------------------
// Message Type Constants
// --------------------------------------------------------------------------

const (
	// General message types

	MsgTUnknown MessageType = iota
	MsgTSuccess             // Indicates a successful operation
	MsgTError               // Indicates an error occurred

	// Cluster information

	MsgTPing           // Liveness check
	MsgTGetSrvID       // Id of the answering server
	MsgTGetLeaderID    // Id of the current leader
	MsgTGetAllServers  // Ids and client endpoints of all members
	MsgTGetSrvEndpoint // Client endpoint of one member

	// Storage operations

	MsgTKVGet    // Local read
	MsgTKVPut    // Insert or overwrite through consensus
	MsgTKVUpdate // Update or insert through consensus
	MsgTKVDelete // Delete through consensus

	// Administration

	MsgTDumpCache  // Diagnostic dump of the storage engine
	MsgTClearCache // Drop the caches of the storage engine
	MsgTJoin       // Add a server to the replica group
)
