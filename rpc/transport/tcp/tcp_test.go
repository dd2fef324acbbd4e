package tcp

import (
	"net"
	"testing"

	"github.com/ValentinKolb/rKV/rpc/transport"
	transporttesting "github.com/ValentinKolb/rKV/rpc/transport/testing"
	"go.uber.org/zap/zaptest"
)

// freeEndpoint returns a loopback address that is free at the time of the call
func freeEndpoint(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find a free port: %v", err)
	}
	defer l.Close()
	return l.Addr().String()
}

func TestTCPTransport(t *testing.T) {
	transporttesting.RunTransportTests(t, "TCP",
		func(t *testing.T) (transport.IRPCServerTransport, transport.IRPCClientTransport, string) {
			logger := zaptest.NewLogger(t)
			return NewTCPServerTransport(logger), NewTCPClientTransport(logger), freeEndpoint(t)
		})
}
