// Package testing provides a conformance suite for pairs of client and server
// transports.
package testing

import (
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/rKV/rpc/common"
	"github.com/ValentinKolb/rKV/rpc/transport"
)

// Factory creates a fresh server transport, a client transport and the endpoint
// they should use.
type Factory func(t *testing.T) (transport.IRPCServerTransport, transport.IRPCClientTransport, string)

// RunTransportTests runs the conformance suite against the transports of factory.
func RunTransportTests(t *testing.T, name string, factory Factory) {
	t.Run(name+"/Echo", func(t *testing.T) { testEcho(t, factory) })
	t.Run(name+"/EmptyPayload", func(t *testing.T) { testEmptyPayload(t, factory) })
	t.Run(name+"/LargePayload", func(t *testing.T) { testLargePayload(t, factory) })
	t.Run(name+"/Concurrent", func(t *testing.T) { testConcurrent(t, factory) })
	t.Run(name+"/WorkerInit", func(t *testing.T) { testWorkerInit(t, factory) })
	t.Run(name+"/Close", func(t *testing.T) { testClose(t, factory) })
}

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

func serverConfig(endpoint string, workers int) common.ServerTransportConfig {
	return common.ServerTransportConfig{
		SocketConf:    common.SocketConf{TCPNoDelay: true, TCPLingerSec: -1},
		Endpoint:      endpoint,
		Workers:       workers,
		TimeoutSecond: 5,
		BufferSize:    4096,
	}
}

func clientConfig(endpoint string) common.ClientTransportConfig {
	return common.ClientTransportConfig{
		SocketConf:             common.SocketConf{TCPNoDelay: true, TCPLingerSec: -1},
		Endpoints:              []string{endpoint},
		ConnectionsPerEndpoint: 2,
		RetryCount:             1,
		TimeoutSecond:          5,
	}
}

// start serves srv in the background and connects cli, retrying until the
// listener is up. The transports are closed when the test ends.
func start(t *testing.T, srv transport.IRPCServerTransport, cli transport.IRPCClientTransport, endpoint string, workers int) {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Listen(serverConfig(endpoint, workers)) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		err := cli.Connect(clientConfig(endpoint))
		if err == nil {
			// the http client connects lazily, send one request to check it
			if _, err = cli.Send([]byte("ping")); err == nil {
				break
			}
		}
		select {
		case lerr := <-errCh:
			t.Fatalf("Listen() returned early: %v", lerr)
		default:
		}
		if time.Now().After(deadline) {
			t.Fatalf("could not connect to %s: %v", endpoint, err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	t.Cleanup(func() {
		_ = cli.Close()
		if err := srv.Close(); err != nil {
			t.Errorf("server Close() error = %v", err)
		}
		select {
		case err := <-errCh:
			if err != nil {
				t.Errorf("Listen() error = %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Errorf("Listen() did not return after Close()")
		}
	})
}

func echo(workerID int, req []byte) []byte {
	return append([]byte(fmt.Sprintf("%d:", workerID)), req...)
}

func stripWorker(resp []byte) []byte {
	if i := bytes.IndexByte(resp, ':'); i >= 0 {
		return resp[i+1:]
	}
	return resp
}

// --------------------------------------------------------------------------
// Test Functions
// --------------------------------------------------------------------------

func testEcho(t *testing.T, factory Factory) {
	srv, cli, endpoint := factory(t)
	srv.RegisterHandler(echo)
	start(t, srv, cli, endpoint, 4)

	for _, req := range []string{"a", "hello world", "\x00\x01\x02"} {
		resp, err := cli.Send([]byte(req))
		if err != nil {
			t.Fatalf("Send(%q) error = %v", req, err)
		}
		if got := string(stripWorker(resp)); got != req {
			t.Errorf("Send(%q) = %q", req, got)
		}
	}
}

func testEmptyPayload(t *testing.T, factory Factory) {
	srv, cli, endpoint := factory(t)
	srv.RegisterHandler(func(_ int, req []byte) []byte {
		if len(req) == 0 {
			return []byte{}
		}
		return []byte("x")
	})
	start(t, srv, cli, endpoint, 4)

	resp, err := cli.Send([]byte{})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(resp) != 0 {
		t.Errorf("Send() = %q, want empty response", resp)
	}
}

func testLargePayload(t *testing.T, factory Factory) {
	srv, cli, endpoint := factory(t)
	srv.RegisterHandler(echo)
	start(t, srv, cli, endpoint, 4)

	// larger than the pooled request buffers
	req := bytes.Repeat([]byte("0123456789"), 100_000)
	resp, err := cli.Send(req)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if !bytes.Equal(stripWorker(resp), req) {
		t.Errorf("large payload corrupted: got %d bytes, want %d", len(stripWorker(resp)), len(req))
	}
}

func testConcurrent(t *testing.T, factory Factory) {
	srv, cli, endpoint := factory(t)
	srv.RegisterHandler(func(workerID int, req []byte) []byte {
		time.Sleep(time.Millisecond)
		return echo(workerID, req)
	})
	start(t, srv, cli, endpoint, 8)

	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				req := fmt.Sprintf("g%d-r%d", g, i)
				resp, err := cli.Send([]byte(req))
				if err != nil {
					t.Errorf("Send(%s) error = %v", req, err)
					return
				}
				if got := string(stripWorker(resp)); got != req {
					t.Errorf("Send(%s) = %s, responses mixed up", req, got)
					return
				}
			}
		}(g)
	}
	wg.Wait()
}

func testWorkerInit(t *testing.T, factory Factory) {
	const workers = 5
	srv, cli, endpoint := factory(t)

	var mu sync.Mutex
	initialized := make(map[int]bool)
	var cleanups atomic.Int32
	srv.RegisterWorkerInit(func(workerID int) (func(), error) {
		mu.Lock()
		defer mu.Unlock()
		initialized[workerID] = true
		return func() { cleanups.Add(1) }, nil
	})
	srv.RegisterHandler(func(workerID int, req []byte) []byte {
		mu.Lock()
		defer mu.Unlock()
		if !initialized[workerID] {
			return []byte("uninitialized")
		}
		return []byte("ok")
	})
	// registered before start's cleanup, so it runs after the server is closed
	t.Cleanup(func() {
		if got := cleanups.Load(); got != workers {
			t.Errorf("%d cleanups ran, want %d", got, workers)
		}
	})
	start(t, srv, cli, endpoint, workers)

	for i := 0; i < 20; i++ {
		resp, err := cli.Send([]byte("x"))
		if err != nil {
			t.Fatalf("Send() error = %v", err)
		}
		if string(resp) != "ok" {
			t.Fatalf("request handled by a worker that did not run init")
		}
	}
	mu.Lock()
	if len(initialized) != workers {
		t.Errorf("init ran for %d workers, want %d", len(initialized), workers)
	}
	mu.Unlock()
}

func testClose(t *testing.T, factory Factory) {
	srv, cli, endpoint := factory(t)
	srv.RegisterHandler(echo)
	start(t, srv, cli, endpoint, 4)

	if _, err := cli.Send([]byte("before")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if err := srv.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := cli.Send([]byte("after")); err == nil {
		t.Errorf("Send() after server Close() succeeded")
	}
}
