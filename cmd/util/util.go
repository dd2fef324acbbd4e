package util

import (
	"fmt"
	"strings"

	"github.com/ValentinKolb/rKV/rpc/client"
	"github.com/ValentinKolb/rKV/rpc/common"
	"github.com/ValentinKolb/rKV/rpc/serializer"
	"github.com/ValentinKolb/rKV/rpc/transport"
	"github.com/ValentinKolb/rKV/rpc/transport/http"
	"github.com/ValentinKolb/rKV/rpc/transport/tcp"
	"github.com/ValentinKolb/rKV/rpc/transport/unix"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50

	// EnvPrefix is the prefix of all environment variables read by the CLI
	EnvPrefix = "rkv"
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		// Check if we need to wrap
		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		// Add space before word (if not first word on line)
		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// SetupSocketFlags adds the socket flags shared by clients and servers to a command
func SetupSocketFlags(cmd *cobra.Command) {
	key := "transport-write-buffer"
	cmd.PersistentFlags().Int(key, 512, WrapString("The size of the write buffer for the transport (in KB, ignored for http)"))

	key = "transport-read-buffer"
	cmd.PersistentFlags().Int(key, 512, WrapString("The size of the read buffer for the transport (in KB, ignored for http)"))

	key = "transport-tcp-nodelay"
	cmd.PersistentFlags().Bool(key, true, WrapString("Whether to enable TCP_NODELAY for the transport (only for tcp)"))

	key = "transport-tcp-keepalive"
	cmd.PersistentFlags().Int(key, 0, WrapString("The keepalive interval for the transport (in seconds, only for tcp, 0 keeps the system default)"))

	key = "transport-tcp-linger"
	cmd.PersistentFlags().Int(key, -1, WrapString("The linger time for the transport (in seconds, only for tcp, negative keeps the system default)"))
}

// SetupRPCClientFlags adds common RPC connection flags to a command
func SetupRPCClientFlags(cmd *cobra.Command) {
	key := "seed"
	cmd.PersistentFlags().String(key, "localhost:10002", WrapString("The client endpoint of any member of the replica group. The other members are discovered through it"))

	key = "timeout"
	cmd.PersistentFlags().Int(key, 10, WrapString("The timeout in seconds of a single request"))

	key = "retries"
	cmd.PersistentFlags().Int(key, 5, WrapString("How many times a mutation is sent before giving up. Mutations are retried when the leader changed"))

	key = "transport-conn-per-endpoint"
	cmd.PersistentFlags().Int(key, 1, WrapString("Simultaneous connections per server - for transports that support this feature"))

	key = "transport-retries"
	cmd.PersistentFlags().Int(key, 3, WrapString("How many times to resend a request after a connection error"))

	key = "log-level"
	cmd.PersistentFlags().String(key, "warn", WrapString("The level of the client log written to stderr (debug, info, warn, error)"))

	SetupSocketFlags(cmd)
}

// InitConfig loads the env files and makes viper read the RKV_ environment variables
func InitConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}

// GetSocketConf reads the socket options from viper
func GetSocketConf() common.SocketConf {
	return common.SocketConf{
		WriteBufferSize: viper.GetInt("transport-write-buffer") * 1024,
		ReadBufferSize:  viper.GetInt("transport-read-buffer") * 1024,
		TCPKeepAliveSec: viper.GetInt("transport-tcp-keepalive"),
		TCPLingerSec:    viper.GetInt("transport-tcp-linger"),
		TCPNoDelay:      viper.GetBool("transport-tcp-nodelay"),
	}
}

// GetClientConfig reads client configuration from viper
func GetClientConfig() *common.ClientConfig {
	return &common.ClientConfig{
		Seed:       viper.GetString("seed"),
		Retries:    viper.GetInt("retries"),
		Transport:  viper.GetString("transport"),
		Serializer: viper.GetString("serializer"),
		TransportConfig: common.ClientTransportConfig{
			SocketConf:             GetSocketConf(),
			ConnectionsPerEndpoint: viper.GetInt("transport-conn-per-endpoint"),
			RetryCount:             viper.GetInt("transport-retries"),
			TimeoutSecond:          viper.GetInt("timeout"),
		},
	}
}

// GetLogger creates the logger at the configured level
func GetLogger() (*zap.Logger, error) {
	return common.NewLogger(viper.GetString("log-level"))
}

// GetSerializer creates a serializer based on configuration
func GetSerializer() (serializer.IRPCSerializer, error) {
	return serializer.New(viper.GetString("serializer"))
}

// GetTransportFactory returns a factory of client transports based on configuration
func GetTransportFactory(logger *zap.Logger) (client.TransportFactory, error) {
	switch name := viper.GetString("transport"); name {
	case "http":
		return func() transport.IRPCClientTransport { return http.NewHttpClientTransport(logger) }, nil
	case "tcp":
		return func() transport.IRPCClientTransport { return tcp.NewTCPClientTransport(logger) }, nil
	case "unix":
		return func() transport.IRPCClientTransport { return unix.NewUnixClientTransport(logger) }, nil
	default:
		return nil, fmt.Errorf("invalid transport %s", name)
	}
}

// GetServerTransport creates a server transport based on configuration
func GetServerTransport(logger *zap.Logger) (transport.IRPCServerTransport, error) {
	switch name := viper.GetString("transport"); name {
	case "http":
		return http.NewHttpServerTransport(logger), nil
	case "tcp":
		return tcp.NewTCPServerTransport(logger), nil
	case "unix":
		return unix.NewUnixServerTransport(logger), nil
	default:
		return nil, fmt.Errorf("invalid transport %s", name)
	}
}

// GetDialer creates a dialer for the configured transport and serializer
func GetDialer(config *common.ClientConfig, logger *zap.Logger) (client.Dialer, error) {
	s, err := GetSerializer()
	if err != nil {
		return nil, err
	}
	factory, err := GetTransportFactory(logger)
	if err != nil {
		return nil, err
	}
	return client.NewDialer(*config, factory, s), nil
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}
