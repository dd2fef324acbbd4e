package unix

import (
	"fmt"
	"net"
	"os"

	"github.com/ValentinKolb/rKV/rpc/common"
	"github.com/ValentinKolb/rKV/rpc/transport"
	"github.com/ValentinKolb/rKV/rpc/transport/base"
	"go.uber.org/zap"
)

// serverConnector implements the IServerConnector interface for Unix sockets
type serverConnector struct{}

// --------------------------------------------------------------------------
// Interface Methods (docu see base.IServerConnector)
// --------------------------------------------------------------------------

func (c *serverConnector) GetName() string {
	return "unix"
}

func (c *serverConnector) Listen(config common.ServerTransportConfig) (net.Listener, error) {
	socketPath := config.Endpoint

	// Remove a stale socket file of a previous run
	if err := os.RemoveAll(socketPath); err != nil {
		return nil, fmt.Errorf("failed to remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create Unix socket: %w", err)
	}
	return listener, nil
}

func (c *serverConnector) UpgradeConnection(net.Conn, common.SocketConf) error {
	return nil
}

// --------------------------------------------------------------------------
// Server Transport Factory Method
// --------------------------------------------------------------------------

// NewUnixServerTransport creates a new Unix server transport
func NewUnixServerTransport(logger *zap.Logger) transport.IRPCServerTransport {
	return base.NewBaseServerTransport(&serverConnector{}, logger)
}
