package bootstrap

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/ValentinKolb/dIO/common"
)

// -----------------------------------------------------------
// Interface Definitions for dependency injection
// -----------------------------------------------------------

// IConnector defines the socket-domain specific operations of the bootstraps
type IConnector interface {
	// Connect establishes a single stream connection to address
	Connect(ctx context.Context, address string) (net.Conn, error)

	// Listen creates a listener on address
	Listen(address string) (net.Listener, error)

	// GetName returns the name of the socket domain (e.g., "unix", "tcp")
	GetName() string

	// UpgradeConnection applies domain specific socket options to an established connection
	UpgradeConnection(conn net.Conn, config common.TransportConfig) error
}

// ConnectorFor returns the connector of a socket domain
func ConnectorFor(domain string) (IConnector, error) {
	switch domain {
	case common.DomainTCP, "":
		return NewTCPConnector(), nil
	case common.DomainUnix:
		return NewUnixConnector(), nil
	default:
		return nil, common.Configuration("bootstrap.ConnectorFor", fmt.Sprintf("unknown socket domain %q", domain), nil)
	}
}

// --------------------------------------------------------------------------
// TCP
// --------------------------------------------------------------------------

// tcpConnector implements the IConnector interface for TCP sockets
type tcpConnector struct {
	dialer net.Dialer
}

// NewTCPConnector creates a connector for TCP sockets
func NewTCPConnector() IConnector {
	return &tcpConnector{}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see IConnector)
// --------------------------------------------------------------------------

func (c *tcpConnector) GetName() string {
	return common.DomainTCP
}

func (c *tcpConnector) Connect(ctx context.Context, address string) (net.Conn, error) {
	return c.dialer.DialContext(ctx, "tcp", address)
}

func (c *tcpConnector) Listen(address string) (net.Listener, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to create TCP socket: %w", err)
	}
	return listener, nil
}

// UpgradeConnection applies the TCPConf and SocketConf settings to a TCP connection
func (c *tcpConnector) UpgradeConnection(conn net.Conn, config common.TransportConfig) error {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return nil // Not a TCP connection, nothing to upgrade
	}

	// Disable Nagle's algorithm if configured
	if err := tcpConn.SetNoDelay(config.TCPNoDelay); err != nil {
		return err
	}

	if err := applySocketConf(tcpConn, config.SocketConf); err != nil {
		return err
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

// --------------------------------------------------------------------------
// Unix
// --------------------------------------------------------------------------

// unixConnector implements the IConnector interface for Unix sockets
type unixConnector struct {
	dialer net.Dialer
}

// NewUnixConnector creates a connector for Unix domain sockets
func NewUnixConnector() IConnector {
	return &unixConnector{}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see IConnector)
// --------------------------------------------------------------------------

func (c *unixConnector) GetName() string {
	return common.DomainUnix
}

func (c *unixConnector) Connect(ctx context.Context, socketPath string) (net.Conn, error) {
	return c.dialer.DialContext(ctx, "unix", socketPath)
}

func (c *unixConnector) Listen(socketPath string) (net.Listener, error) {
	// Remove existing socket file if it exists
	if err := os.RemoveAll(socketPath); err != nil {
		return nil, fmt.Errorf("failed to remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create Unix socket: %w", err)
	}
	return listener, nil
}

func (c *unixConnector) UpgradeConnection(conn net.Conn, config common.TransportConfig) error {
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return nil
	}
	return applySocketConf(unixConn, config.SocketConf)
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

type bufferedConn interface {
	SetReadBuffer(bytes int) error
	SetWriteBuffer(bytes int) error
}

func applySocketConf(conn bufferedConn, config common.SocketConf) error {
	if config.WriteBufferSize > 0 {
		if err := conn.SetWriteBuffer(config.WriteBufferSize); err != nil {
			return err
		}
	}
	if config.ReadBufferSize > 0 {
		if err := conn.SetReadBuffer(config.ReadBufferSize); err != nil {
			return err
		}
	}
	return nil
}
