package tcp

import (
	"fmt"
	"net"

	"github.com/ValentinKolb/rKV/rpc/common"
	"github.com/ValentinKolb/rKV/rpc/transport"
	"github.com/ValentinKolb/rKV/rpc/transport/base"
	"go.uber.org/zap"
)

// serverConnector implements the IServerConnector interface for TCP sockets
type serverConnector struct{}

// --------------------------------------------------------------------------
// Interface Methods (docu see base.IServerConnector)
// --------------------------------------------------------------------------

func (c *serverConnector) GetName() string {
	return "tcp"
}

func (c *serverConnector) Listen(config common.ServerTransportConfig) (net.Listener, error) {
	listener, err := net.Listen("tcp", config.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create TCP socket: %w", err)
	}
	return listener, nil
}

func (c *serverConnector) UpgradeConnection(conn net.Conn, config common.SocketConf) error {
	return upgradeConnection(conn, config)
}

// --------------------------------------------------------------------------
// Server Transport Factory Method
// --------------------------------------------------------------------------

// NewTCPServerTransport creates a new TCP server transport
func NewTCPServerTransport(logger *zap.Logger) transport.IRPCServerTransport {
	return base.NewBaseServerTransport(&serverConnector{}, logger)
}
