package base

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/rKV/rpc/common"
	"github.com/ValentinKolb/rKV/rpc/transport"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
)

// -----------------------------------------------------------
// Interface Definitions for dependency injection
// -----------------------------------------------------------

// IClientConnector defines the interface for transport-specific connection operations
type IClientConnector interface {
	// Connect establishes a single connection to endpoint
	Connect(endpoint string) (net.Conn, error)

	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string

	// UpgradeConnection applies protocol-specific settings to an established connection
	UpgradeConnection(conn net.Conn, config common.SocketConf) error
}

// -----------------------------------------------------------
// Helper Types
// -----------------------------------------------------------

// responseResult contains the result of a request
type responseResult struct {
	data []byte
	err  error
}

// clientConnection represents a single net connection with pipelined requests
type clientConnection struct {
	endpoint     string
	stopCh       chan struct{} // Close signal for the reader goroutine
	requestChans *xsync.MapOf[uint64, chan responseResult]
	parent       *clientTransport

	connMu sync.Mutex // Protects conn and writes to it
	conn   net.Conn
}

// clientTransport implements the core client transport functionality
// independent of the specific transport medium (unix, tcp, etc.)
type clientTransport struct {
	connector     IClientConnector
	config        common.ClientTransportConfig
	logger        *zap.Logger
	connections   []*clientConnection
	connectionsMu sync.RWMutex
	nextConnIndex atomic.Uint64 // Round robin counter
	nextRequestID atomic.Uint64
}

// -----------------------------------------------------------
// Transport Factory Method (used for tcp, unix, etc.)
// -----------------------------------------------------------

// NewBaseClientTransport creates a new base client transport with the specified connector
func NewBaseClientTransport(connector IClientConnector, logger *zap.Logger) transport.IRPCClientTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &clientTransport{
		connector: connector,
		logger:    logger.Named("transport").With(zap.String("transport", connector.GetName())),
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCClientTransport)
// --------------------------------------------------------------------------

func (t *clientTransport) Connect(config common.ClientTransportConfig) error {
	if len(config.Endpoints) == 0 {
		return fmt.Errorf("no endpoints provided")
	}

	t.closeConnections()
	t.config = config

	connectionsPerEP := max(1, config.ConnectionsPerEndpoint)
	connections := make([]*clientConnection, 0, len(config.Endpoints)*connectionsPerEP)

	for _, endpoint := range config.Endpoints {
		for i := 0; i < connectionsPerEP; i++ {
			clientConn := &clientConnection{
				endpoint:     endpoint,
				stopCh:       make(chan struct{}),
				requestChans: xsync.NewMapOf[uint64, chan responseResult](),
				parent:       t,
			}
			if err := clientConn.reconnect(); err != nil {
				t.logger.Warn("failed to connect",
					zap.String("endpoint", endpoint), zap.Int("connection", i+1), zap.Error(err))
				continue
			}
			connections = append(connections, clientConn)
			go clientConn.readResponses()
		}
	}

	if len(connections) == 0 {
		return fmt.Errorf("failed to connect to any of %v", config.Endpoints)
	}

	t.connectionsMu.Lock()
	t.connections = connections
	t.connectionsMu.Unlock()

	t.logger.Debug("connected",
		zap.Strings("endpoints", config.Endpoints), zap.Int("connections", len(connections)))
	return nil
}

func (t *clientTransport) Send(req []byte) (resp []byte, err error) {
	requestID := t.nextRequestID.Add(1)
	timeout := t.config.Timeout()

	send := func(connection *clientConnection) ([]byte, error) {
		respCh := make(chan responseResult, 1)
		connection.requestChans.Store(requestID, respCh)
		defer connection.requestChans.Delete(requestID)

		if err := connection.write(requestID, req, timeout); err != nil {
			return nil, err
		}

		var timeoutCh <-chan time.Time
		if timeout > 0 {
			timer := time.NewTimer(timeout)
			defer timer.Stop()
			timeoutCh = timer.C
		}

		select {
		case result := <-respCh:
			return result.data, result.err
		case <-timeoutCh:
			return nil, fmt.Errorf("request timed out after %s", timeout)
		}
	}

	// We always try at least once
	maxRetries := max(1, t.config.RetryCount)
	backoffMs := 50

	var lastErr error
	for i := 0; i < maxRetries; i++ {
		conn := t.getNextConnection()
		if conn == nil {
			return nil, fmt.Errorf("no active connections available")
		}

		data, err := send(conn)
		if err == nil {
			return data, nil
		}
		lastErr = err
		t.logger.Debug("request attempt failed",
			zap.Int("attempt", i+1), zap.Int("attempts", maxRetries), zap.Error(err))

		if i+1 < maxRetries {
			// Exponential backoff with a small random jitter (+-10%)
			jitter := float64(backoffMs) * (0.9 + 0.2*rand.Float64())
			time.Sleep(time.Duration(jitter) * time.Millisecond)
			backoffMs *= 2
		}
	}

	return nil, fmt.Errorf("failed to send request after %d attempts: %w", maxRetries, lastErr)
}

func (t *clientTransport) Close() error {
	t.closeConnections()
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// getNextConnection selects the next live connection via Round Robin
func (t *clientTransport) getNextConnection() *clientConnection {
	t.connectionsMu.RLock()
	defer t.connectionsMu.RUnlock()

	n := uint64(len(t.connections))
	if n == 0 {
		return nil
	}
	start := t.nextConnIndex.Add(1)
	for i := uint64(0); i < n; i++ {
		c := t.connections[(start+i)%n]
		if c.alive() {
			return c
		}
	}
	return nil
}

// closeConnections closes all active connections
func (t *clientTransport) closeConnections() {
	t.connectionsMu.Lock()
	connections := t.connections
	t.connections = nil
	t.connectionsMu.Unlock()

	for _, c := range connections {
		close(c.stopCh)
		c.connMu.Lock()
		if c.conn != nil {
			_ = c.conn.Close()
			c.conn = nil
		}
		c.connMu.Unlock()
		c.failPending(fmt.Errorf("transport closed"))
	}
}

func (c *clientConnection) alive() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn != nil
}

func (c *clientConnection) current() net.Conn {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn
}

func (c *clientConnection) write(requestID uint64, req []byte, timeout time.Duration) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("connection to %s is closed", c.endpoint)
	}
	if timeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
	}
	return writeFrame(c.conn, requestID, req)
}

// failPending delivers err to every request waiting on this connection
func (c *clientConnection) failPending(err error) {
	c.requestChans.Range(func(id uint64, ch chan responseResult) bool {
		c.requestChans.Delete(id)
		select {
		case ch <- responseResult{err: err}:
		default:
		}
		return true
	})
}

func (c *clientConnection) stopped() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

// readResponses reads responses in a loop and distributes them to waiting requests.
// A broken connection fails all pending requests and is reconnected once; if that
// fails the connection stays dead.
func (c *clientConnection) readResponses() {
	logger := c.parent.logger.With(zap.String("endpoint", c.endpoint))
	for {
		conn := c.current()
		if conn == nil || c.stopped() {
			return
		}

		requestID, data, err := readFrame(conn, nil)
		if err != nil {
			if c.stopped() {
				return
			}
			c.failPending(fmt.Errorf("error reading response: %w", err))
			logger.Warn("connection broken, reconnecting", zap.Error(err))
			if err := c.reconnect(); err != nil {
				logger.Error("failed to reconnect", zap.Error(err))
				return
			}
			continue
		}

		if respCh, found := c.requestChans.LoadAndDelete(requestID); found {
			respCh <- responseResult{data: data}
		} else {
			logger.Debug("response for unknown request", zap.Uint64("request", requestID))
		}
	}
}

// reconnect establishes or restores the connection to the endpoint
func (c *clientConnection) reconnect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}

	conn, err := c.parent.connector.Connect(c.endpoint)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.endpoint, err)
	}
	if err := c.parent.connector.UpgradeConnection(conn, c.parent.config.SocketConf); err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to upgrade connection to %s: %w", c.endpoint, err)
	}

	c.conn = conn
	return nil
}
