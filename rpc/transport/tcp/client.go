package tcp

import (
	"net"

	"github.com/ValentinKolb/rKV/rpc/common"
	"github.com/ValentinKolb/rKV/rpc/transport"
	"github.com/ValentinKolb/rKV/rpc/transport/base"
	"go.uber.org/zap"
)

// clientConnector implements the IClientConnector interface for TCP sockets
type clientConnector struct{}

// --------------------------------------------------------------------------
// Interface Methods (docu see base.IClientConnector)
// --------------------------------------------------------------------------

func (c *clientConnector) GetName() string {
	return "tcp"
}

func (c *clientConnector) Connect(endpoint string) (net.Conn, error) {
	return net.DialTimeout("tcp", endpoint, dialTimeout)
}

func (c *clientConnector) UpgradeConnection(conn net.Conn, config common.SocketConf) error {
	return upgradeConnection(conn, config)
}

// --------------------------------------------------------------------------
// Client Transport Factory Method
// --------------------------------------------------------------------------

// NewTCPClientTransport creates a new TCP client transport
func NewTCPClientTransport(logger *zap.Logger) transport.IRPCClientTransport {
	return base.NewBaseClientTransport(&clientConnector{}, logger)
}
