package unix

import (
	"net"
	"time"

	"github.com/ValentinKolb/rKV/rpc/common"
	"github.com/ValentinKolb/rKV/rpc/transport"
	"github.com/ValentinKolb/rKV/rpc/transport/base"
	"go.uber.org/zap"
)

// clientConnector implements the IClientConnector interface for Unix sockets
type clientConnector struct{}

// --------------------------------------------------------------------------
// Interface Methods (docu see base.IClientConnector)
// --------------------------------------------------------------------------

func (c *clientConnector) GetName() string {
	return "unix"
}

func (c *clientConnector) Connect(endpoint string) (net.Conn, error) {
	return net.DialTimeout("unix", endpoint, time.Second)
}

func (c *clientConnector) UpgradeConnection(net.Conn, common.SocketConf) error {
	return nil
}

// --------------------------------------------------------------------------
// Client Transport Factory Method
// --------------------------------------------------------------------------

// NewUnixClientTransport creates a new Unix client transport
func NewUnixClientTransport(logger *zap.Logger) transport.IRPCClientTransport {
	return base.NewBaseClientTransport(&clientConnector{}, logger)
}
