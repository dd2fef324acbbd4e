package unix

import (
	"path/filepath"
	"testing"

	"github.com/ValentinKolb/rKV/rpc/transport"
	transporttesting "github.com/ValentinKolb/rKV/rpc/transport/testing"
	"go.uber.org/zap/zaptest"
)

func TestUnixTransport(t *testing.T) {
	transporttesting.RunTransportTests(t, "Unix",
		func(t *testing.T) (transport.IRPCServerTransport, transport.IRPCClientTransport, string) {
			logger := zaptest.NewLogger(t)
			socket := filepath.Join(t.TempDir(), "rkv.sock")
			return NewUnixServerTransport(logger), NewUnixClientTransport(logger), socket
		})
}
