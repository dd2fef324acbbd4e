package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ValentinKolb/rKV/rpc/common"
	"github.com/ValentinKolb/rKV/rpc/transport"
	"github.com/ValentinKolb/rKV/rpc/transport/base"
	"go.uber.org/zap"
)

// Path is the URL path all requests are posted to.
const Path = "/rpc"

// NewHttpServerTransport creates a new HTTP server transport
func NewHttpServerTransport(logger *zap.Logger) transport.IRPCServerTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &httpServerTransport{logger: logger.Named("transport").With(zap.String("transport", "http"))}
}

type httpServerTransport struct {
	handler transport.ServerHandleFunc
	init    transport.WorkerInitFunc
	logger  *zap.Logger

	mu      sync.Mutex
	server  *http.Server
	workers *base.WorkerPool
	closed  bool
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCServerTransport)
// --------------------------------------------------------------------------

func (t *httpServerTransport) RegisterHandler(handler transport.ServerHandleFunc) {
	t.handler = handler
}

func (t *httpServerTransport) RegisterWorkerInit(init transport.WorkerInitFunc) {
	t.init = init
}

func (t *httpServerTransport) Listen(config common.ServerTransportConfig) error {
	if t.handler == nil {
		return fmt.Errorf("no handler registered")
	}
	workers, err := base.StartWorkerPool(config.WorkerCount(), t.init, t.logger)
	if err != nil {
		return fmt.Errorf("failed to start workers: %w", err)
	}

	mux := http.NewServeMux()
	handle := t.handleRequest(workers)
	if t.logger.Core().Enabled(zap.DebugLevel) {
		handle = loggerMiddleware(t.logger, handle)
	}
	mux.HandleFunc("POST "+Path, handle)

	timeout := time.Duration(config.TimeoutSecond) * time.Second
	server := &http.Server{
		Addr:         config.Endpoint,
		Handler:      mux,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	}

	listener, err := net.Listen("tcp", config.Endpoint)
	if err != nil {
		workers.Close()
		return fmt.Errorf("failed to listen on %s: %w", config.Endpoint, err)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = listener.Close()
		workers.Close()
		return nil
	}
	t.server, t.workers = server, workers
	t.mu.Unlock()

	t.logger.Info("listening", zap.String("endpoint", config.Endpoint), zap.Int("workers", config.WorkerCount()))
	if err := server.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (t *httpServerTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	server, workers := t.server, t.workers
	t.mu.Unlock()

	var err error
	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = server.Shutdown(ctx)
	}
	if workers != nil {
		workers.Close()
	}
	return err
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// handleRequest passes the request body to a worker and writes its response
func (t *httpServerTransport) handleRequest(workers *base.WorkerPool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		_ = r.Body.Close()
		if err != nil {
			http.Error(w, "Failed to read request body", http.StatusBadRequest)
			return
		}

		done := make(chan []byte, 1)
		if !workers.Submit(func(workerID int) { done <- t.handler(workerID, body) }) {
			http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
			return
		}

		select {
		case resp := <-done:
			w.Header().Set("Content-Type", "application/octet-stream")
			if _, err := w.Write(resp); err != nil {
				t.logger.Error("failed to write response", zap.Error(err))
			}
		case <-r.Context().Done():
		}
	}
}

// --------------------------------------------------------------------------
// Middleware (logging)
// --------------------------------------------------------------------------

// responseWriter is a custom ResponseWriter that captures status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// loggerMiddleware logs every request at debug level
func loggerMiddleware(logger *zap.Logger, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Debug("request",
			zap.String("method", r.Method), zap.String("path", r.URL.Path),
			zap.Int("status", rw.statusCode), zap.Duration("took", time.Since(start)))
	}
}
