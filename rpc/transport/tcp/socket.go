package tcp

import (
	"net"
	"time"

	"github.com/ValentinKolb/rKV/rpc/common"
)

const dialTimeout = 5 * time.Second

// upgradeConnection applies the socket options of config to a TCP connection.
// Other connection types are left untouched.
func upgradeConnection(conn net.Conn, config common.SocketConf) error {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}

	// Disable Nagle's algorithm if configured
	if err := tcpConn.SetNoDelay(config.TCPNoDelay); err != nil {
		return err
	}
	if config.WriteBufferSize > 0 {
		if err := tcpConn.SetWriteBuffer(config.WriteBufferSize); err != nil {
			return err
		}
	}
	if config.ReadBufferSize > 0 {
		if err := tcpConn.SetReadBuffer(config.ReadBufferSize); err != nil {
			return err
		}
	}
	if config.TCPKeepAliveSec > 0 {
		if err := tcpConn.SetKeepAlive(true); err != nil {
			return err
		}
		if err := tcpConn.SetKeepAlivePeriod(time.Duration(config.TCPKeepAliveSec) * time.Second); err != nil {
			return err
		}
	}
	if config.TCPLingerSec >= 0 {
		if err := tcpConn.SetLinger(config.TCPLingerSec); err != nil {
			return err
		}
	}
	return nil
}
