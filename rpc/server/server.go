package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ValentinKolb/rKV/rpc/common"
	"github.com/ValentinKolb/rKV/rpc/serializer"
	"github.com/ValentinKolb/rKV/rpc/transport"
	"github.com/VictoriaMetrics/metrics"
	"github.com/sourcegraph/conc"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// MetricsPath is the path the metrics endpoint serves on.
const MetricsPath = "/metrics"

// NewRPCServer creates the RPC server of one replica. The server runs two
// listeners: the client listener serves the client methods on
// config.ClientEndpoint, the join listener serves join requests on
// config.JoinEndpoint.
//
// Usage:
//
//	s := server.NewRPCServer(
//		config,
//		tcp.NewTCPServerTransport(logger),
//		tcp.NewTCPServerTransport(logger),
//		serializer.NewBinarySerializer(),
//		replica,
//		logger,
//	)
//
//	if err := s.Serve(); err != nil {
//		logger.Fatal("server failed", zap.Error(err))
//	}
func NewRPCServer(
	config common.ServerConfig,
	clientTransport transport.IRPCServerTransport,
	joinTransport transport.IRPCServerTransport,
	serializer serializer.IRPCSerializer,
	replica IReplica,
	logger *zap.Logger,
) *RPCServer {
	// https://github.com/golang/go/issues/17393
	if runtime.GOOS == "darwin" {
		signal.Ignore(syscall.Signal(0xd))
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("rpc")

	s := &RPCServer{
		config:          config,
		clientTransport: clientTransport,
		joinTransport:   joinTransport,
		serializer:      serializer,
		clientAdapter:   NewClientAdapter(replica, logger),
		joinAdapter:     NewJoinAdapter(replica, logger),
		metrics:         metrics.NewSet(),
		logger:          logger,
	}

	s.metrics.NewGauge("rkv_leader_id", func() float64 {
		return float64(replica.LeaderID())
	})
	s.metrics.NewGauge("rkv_is_leader", func() float64 {
		if replica.LeaderID() == replica.ServerID() {
			return 1
		}
		return 0
	})

	if config.MetricsEndpoint != "" {
		mux := http.NewServeMux()
		mux.HandleFunc(MetricsPath, func(w http.ResponseWriter, _ *http.Request) {
			s.metrics.WritePrometheus(w)
		})
		s.metricsServer = &http.Server{
			Addr:              config.MetricsEndpoint,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	return s
}

// RPCServer serves the RPC methods of one replica.
type RPCServer struct {
	config          common.ServerConfig
	clientTransport transport.IRPCServerTransport
	joinTransport   transport.IRPCServerTransport
	serializer      serializer.IRPCSerializer
	clientAdapter   *ClientAdapter
	joinAdapter     IRPCServerAdapter
	metrics         *metrics.Set
	metricsServer   *http.Server
	logger          *zap.Logger
	closed          atomic.Bool
}

// Serve starts all listeners and blocks until they are closed. If one listener
// fails, the others are closed and the errors are returned.
func (s *RPCServer) Serve() error {
	s.clientTransport.RegisterHandler(s.handler(s.clientAdapter))
	s.clientTransport.RegisterWorkerInit(s.clientAdapter.InitWorker)
	s.joinTransport.RegisterHandler(s.handler(s.joinAdapter))

	var (
		wg   conc.WaitGroup
		mu   sync.Mutex
		errs error
	)
	run := func(name string, listen func() error) {
		wg.Go(func() {
			if err := listen(); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("%s listener: %w", name, err))
				mu.Unlock()
				s.logger.Error("listener failed", zap.String("listener", name), zap.Error(err))
				_ = s.Close()
			}
		})
	}

	run("join", func() error { return s.joinTransport.Listen(s.config.JoinTransport()) })
	run("client", func() error { return s.clientTransport.Listen(s.config.ClientTransport()) })
	if s.metricsServer != nil {
		run("metrics", func() error {
			s.logger.Info("serving metrics", zap.String("endpoint", s.config.MetricsEndpoint+MetricsPath))
			if err := s.metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	wg.Wait()
	return errs
}

// Close stops all listeners and waits for running cache dumps.
func (s *RPCServer) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	err := multierr.Combine(
		s.clientTransport.Close(),
		s.joinTransport.Close(),
	)
	if s.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = multierr.Append(err, s.metricsServer.Shutdown(ctx))
	}
	s.clientAdapter.Wait()
	s.logger.Info("rpc server closed")
	return err
}

// handler decodes a request, lets the adapter handle it and encodes the response
func (s *RPCServer) handler(adapter IRPCServerAdapter) transport.ServerHandleFunc {
	return func(workerID int, req []byte) []byte {
		start := time.Now()

		var msg common.Message
		var resp *common.Message
		if err := s.serializer.Deserialize(req, &msg); err != nil {
			resp = common.NewErrorResponse(fmt.Sprintf("failed to deserialize request: %s", err))
		} else {
			resp = adapter.Handle(workerID, &msg)
		}

		val, err := s.serializer.Serialize(*resp)
		if err != nil {
			s.logger.Error("failed to serialize response", zap.Stringer("method", msg.MsgType), zap.Error(err))
			resp = common.NewErrorResponse(fmt.Sprintf("failed to serialize response: %s", err))
			val, _ = s.serializer.Serialize(*resp)
		}

		s.observe(msg.MsgType, resp, start)
		return val
	}
}

// observe records one handled request
func (s *RPCServer) observe(method common.MessageType, resp *common.Message, start time.Time) {
	s.metrics.GetOrCreateCounter(fmt.Sprintf(`rkv_requests_total{method=%q}`, method)).Inc()
	s.metrics.GetOrCreateSummary(fmt.Sprintf(`rkv_request_duration_seconds{method=%q}`, method)).UpdateDuration(start)
	if resp.MsgType == common.MsgTError {
		s.metrics.GetOrCreateCounter(fmt.Sprintf(`rkv_request_errors_total{method=%q}`, method)).Inc()
	}
	if resp.ConsensusRC != 0 {
		s.metrics.GetOrCreateCounter(
			fmt.Sprintf(`rkv_consensus_failures_total{method=%q,code="%d"}`, method, resp.ConsensusRC)).Inc()
	}
}
