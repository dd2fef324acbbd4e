package base

import (
	"errors"
	"fmt"
	"io"
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

// IServerConnector defines the interface for transport-specific server operations
type IServerConnector interface {
	// Listen creates a listener and returns it
	Listen(config common.ServerTransportConfig) (net.Listener, error)

	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string

	// UpgradeConnection applies protocol-specific settings to an accepted connection
	UpgradeConnection(conn net.Conn, config common.SocketConf) error
}

// -----------------------------------------------------------
// Helper Types
// -----------------------------------------------------------

// serverTransport implements the core server transport functionality
type serverTransport struct {
	connector  IServerConnector
	handler    transport.ServerHandleFunc
	init       transport.WorkerInitFunc
	config     common.ServerTransportConfig
	logger     *zap.Logger
	bufferPool *sync.Pool

	mu       sync.Mutex
	listener net.Listener
	workers  *WorkerPool
	conns    *xsync.MapOf[net.Conn, struct{}]
	closed   atomic.Bool
}

// -----------------------------------------------------------
// Transport Factory Method (used for tcp, unix, etc.)
// -----------------------------------------------------------

// NewBaseServerTransport creates a new base server transport. Requests of all
// connections are served by one fixed worker pool.
func NewBaseServerTransport(connector IServerConnector, logger *zap.Logger) transport.IRPCServerTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &serverTransport{
		connector: connector,
		logger:    logger.Named("transport").With(zap.String("transport", connector.GetName())),
		conns:     xsync.NewMapOf[net.Conn, struct{}](),
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCServerTransport)
// --------------------------------------------------------------------------

func (t *serverTransport) RegisterHandler(handler transport.ServerHandleFunc) {
	t.handler = handler
}

func (t *serverTransport) RegisterWorkerInit(init transport.WorkerInitFunc) {
	t.init = init
}

func (t *serverTransport) Listen(config common.ServerTransportConfig) error {
	if t.handler == nil {
		return fmt.Errorf("no handler registered")
	}
	t.config = config
	bufferSize := config.BufferSize
	if bufferSize <= 0 {
		bufferSize = 64 * 1024
	}
	t.bufferPool = &sync.Pool{
		New: func() interface{} {
			return make([]byte, bufferSize)
		},
	}

	workers, err := StartWorkerPool(config.WorkerCount(), t.init, t.logger)
	if err != nil {
		return fmt.Errorf("failed to start workers: %w", err)
	}

	listener, err := t.connector.Listen(config)
	if err != nil {
		workers.Close()
		return fmt.Errorf("failed to create listener: %w", err)
	}

	t.mu.Lock()
	if t.closed.Load() {
		t.mu.Unlock()
		_ = listener.Close()
		workers.Close()
		return nil
	}
	t.listener = listener
	t.workers = workers
	t.mu.Unlock()

	t.logger.Info("listening",
		zap.String("endpoint", config.Endpoint), zap.Int("workers", config.WorkerCount()))

	for {
		conn, err := listener.Accept()
		if err != nil {
			if t.closed.Load() {
				return nil
			}
			t.logger.Error("accept failed", zap.Error(err))
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if err := t.connector.UpgradeConnection(conn, config.SocketConf); err != nil {
			t.logger.Warn("failed to upgrade connection", zap.Stringer("remote", conn.RemoteAddr()), zap.Error(err))
		}
		go t.handleConnection(conn)
	}
}

func (t *serverTransport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	t.mu.Lock()
	listener, workers := t.listener, t.workers
	t.mu.Unlock()

	var err error
	if listener != nil {
		err = listener.Close()
	}
	t.conns.Range(func(conn net.Conn, _ struct{}) bool {
		_ = conn.Close()
		return true
	})
	if workers != nil {
		workers.Close()
	}
	t.logger.Info("closed")
	return err
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// handleConnection reads the requests of one connection and hands them to the workers
func (t *serverTransport) handleConnection(conn net.Conn) {
	t.conns.Store(conn, struct{}{})
	defer func() {
		t.conns.Delete(conn)
		_ = conn.Close()
	}()

	timeout := time.Duration(t.config.TimeoutSecond) * time.Second

	// Wait for all jobs of this connection before closing it
	var wg sync.WaitGroup
	defer wg.Wait()

	// Protects writes to the connection
	var connMutex sync.Mutex

	respond := func(workerID int, requestID uint64, data []byte) {
		start := time.Now()
		resp := t.handler(workerID, data)
		t.logger.Debug("processed request",
			zap.Uint64("request", requestID), zap.Int("worker", workerID), zap.Duration("took", time.Since(start)))

		connMutex.Lock()
		defer connMutex.Unlock()
		if timeout > 0 {
			if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
				t.logger.Error("failed to set write deadline", zap.Error(err))
				return
			}
		}
		if err := writeFrame(conn, requestID, resp); err != nil {
			t.logger.Error("failed to write response", zap.Uint64("request", requestID), zap.Error(err))
		}
	}

	for {
		buf := t.bufferPool.Get().([]byte)
		requestID, data, err := readFrame(conn, buf)
		if err != nil {
			t.bufferPool.Put(buf)
			switch {
			case errors.Is(err, io.EOF):
				t.logger.Debug("connection closed by client", zap.Stringer("remote", conn.RemoteAddr()))
			case t.closed.Load():
			default:
				t.logger.Error("failed to read request", zap.Stringer("remote", conn.RemoteAddr()), zap.Error(err))
			}
			return
		}

		wg.Add(1)
		submitted := t.workers.Submit(func(workerID int) {
			defer wg.Done()
			defer t.bufferPool.Put(buf)
			respond(workerID, requestID, data)
		})
		if !submitted {
			wg.Done()
			t.bufferPool.Put(buf)
			return
		}
	}
}
