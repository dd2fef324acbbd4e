package common

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MinTransportWorkers is the smallest worker pool a server transport runs with.
const MinTransportWorkers = 4

// --------------------------------------------------------------------------
// Transport configuration structs
// --------------------------------------------------------------------------

// SocketConf holds the socket options shared by clients and servers.
type SocketConf struct {
	TCPNoDelay      bool
	TCPKeepAliveSec int
	TCPLingerSec    int // negative leaves the system default
	ReadBufferSize  int
	WriteBufferSize int
}

// ServerTransportConfig configures a server transport.
type ServerTransportConfig struct {
	SocketConf
	Endpoint      string
	Workers       int // fixed number of request workers, at least MinTransportWorkers
	TimeoutSecond int64
	BufferSize    int // size of pooled request buffers
}

// WorkerCount returns the configured worker count with the minimum applied.
func (c ServerTransportConfig) WorkerCount() int {
	if c.Workers < MinTransportWorkers {
		return MinTransportWorkers
	}
	return c.Workers
}

// ClientTransportConfig configures a client transport.
type ClientTransportConfig struct {
	SocketConf
	Endpoints              []string
	ConnectionsPerEndpoint int
	RetryCount             int // attempts per request on connection errors
	TimeoutSecond          int
}

// Timeout returns the request timeout, zero means no timeout.
func (c ClientTransportConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecond) * time.Second
}

// --------------------------------------------------------------------------
// RPC server configuration struct
// --------------------------------------------------------------------------

// ServerConfig holds all configuration parameters of one replica process.
type ServerConfig struct {
	// Identity
	ServerID       int32
	RaftEndpoint   string
	ClientEndpoint string
	JoinEndpoint   string
	Join           string // join endpoint of a member to join, empty bootstraps a new cluster

	// Storage
	DataDir        string
	LogStore       string // bolt | memory
	StateStore     string // bolt | memory
	Engine         string // bolt | btree
	EngineDiskSize int    // MB
	EngineWorkers  int

	// Consensus parameters
	HeartbeatMs       int
	ElectionTimeoutMs int
	ReservedLogItems  uint64
	ClientReqTimeout  int // ms
	ReturnMethod      string
	SnapshotFrequency uint64
	AsyncSnapshots    bool
	SnapshotWorkers   int
	RaftPool          int
	InitRetries       int
	InitDelayMs       int
	ShutdownTimeout   int // seconds

	// RPC settings
	Transport       string
	Serializer      string
	TransportConfig ServerTransportConfig

	// Observability
	MetricsEndpoint string
	LogLevel        string
}

// ClientTransport returns the transport configuration of the client listener.
func (c *ServerConfig) ClientTransport() ServerTransportConfig {
	tc := c.TransportConfig
	tc.Endpoint = c.ClientEndpoint
	return tc
}

// JoinTransport returns the transport configuration of the join listener. The
// join listener runs a minimal worker pool.
func (c *ServerConfig) JoinTransport() ServerTransportConfig {
	tc := c.TransportConfig
	tc.Endpoint = c.JoinEndpoint
	tc.Workers = MinTransportWorkers
	return tc
}

// String returns a formatted string representation of the configuration
func (c *ServerConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Server Identity")
	addField("Server ID", strconv.Itoa(int(c.ServerID)))
	addField("Raft Endpoint", c.RaftEndpoint)
	addField("Client Endpoint", c.ClientEndpoint)
	addField("Join Endpoint", c.JoinEndpoint)
	if c.Join != "" {
		addField("Joining", c.Join)
	} else {
		addField("Joining", "no (bootstrap)")
	}

	addSection("Storage")
	addField("Data Directory", c.DataDir)
	addField("Log Store", c.LogStore)
	addField("State Store", c.StateStore)
	addField("Engine", c.Engine)
	addField("Engine Disk Size", fmt.Sprintf("%d MB", c.EngineDiskSize))
	addField("Engine Workers", strconv.Itoa(c.EngineWorkers))

	addSection("RAFT Parameters")
	addField("Heartbeat", fmt.Sprintf("%d ms", c.HeartbeatMs))
	addField("Election Timeout", fmt.Sprintf("%d ms", c.ElectionTimeoutMs))
	addField("Reserved Log Items", strconv.FormatUint(c.ReservedLogItems, 10))
	addField("Client Req Timeout", fmt.Sprintf("%d ms", c.ClientReqTimeout))
	addField("Return Method", c.ReturnMethod)
	if c.SnapshotFrequency == 0 {
		addField("Snapshots", "disabled")
	} else {
		addField("Snapshot Frequency", strconv.FormatUint(c.SnapshotFrequency, 10))
		addField("Async Snapshots", strconv.FormatBool(c.AsyncSnapshots))
		addField("Snapshot Workers", strconv.Itoa(c.SnapshotWorkers))
	}
	addField("Raft Pool", strconv.Itoa(c.RaftPool))
	addField("Init Retries", fmt.Sprintf("%d x %d ms", c.InitRetries, c.InitDelayMs))
	addField("Shutdown Timeout", fmt.Sprintf("%d sec", c.ShutdownTimeout))

	addSection("RPC Server")
	addField("Transport", c.Transport)
	addField("Serializer", c.Serializer)
	addField("Workers", strconv.Itoa(c.TransportConfig.WorkerCount()))
	addField("Timeout", fmt.Sprintf("%d sec", c.TransportConfig.TimeoutSecond))
	if c.Transport == "tcp" {
		addField("TCP No Delay", strconv.FormatBool(c.TransportConfig.TCPNoDelay))
		addField("TCP Keep Alive", fmt.Sprintf("%d sec", c.TransportConfig.TCPKeepAliveSec))
		addField("TCP Linger", fmt.Sprintf("%d sec", c.TransportConfig.TCPLingerSec))
	}

	addSection("Observability")
	if c.MetricsEndpoint != "" {
		addField("Metrics", c.MetricsEndpoint+"/metrics")
	} else {
		addField("Metrics", "disabled")
	}
	addField("Log Level", c.LogLevel)

	return sb.String()
}

// --------------------------------------------------------------------------
// RPC client configuration struct
// --------------------------------------------------------------------------

// ClientConfig configures the client directory.
type ClientConfig struct {
	Seed       string // client endpoint of any member
	Retries    int    // attempts of a mutation before giving up
	Transport  string
	Serializer string

	TransportConfig ClientTransportConfig
}

// ForEndpoint returns the transport configuration for one server.
func (c *ClientConfig) ForEndpoint(endpoint string) ClientTransportConfig {
	tc := c.TransportConfig
	tc.Endpoints = []string{endpoint}
	return tc
}

// String returns a formatted string representation of the client configuration
func (c *ClientConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Client Configuration")
	addField("Seed", c.Seed)
	addField("Retries", strconv.Itoa(c.Retries))
	addField("Transport", c.Transport)
	addField("Serializer", c.Serializer)
	addField("Timeout", fmt.Sprintf("%d sec", c.TransportConfig.TimeoutSecond))
	addField("Connections Per Server", strconv.Itoa(max(1, c.TransportConfig.ConnectionsPerEndpoint)))

	return sb.String()
}
