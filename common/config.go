package common

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// Event loop group configuration struct
// --------------------------------------------------------------------------

// GroupConfig holds the parameters of an event loop group
type GroupConfig struct {
	// Name labels the group in logs and metrics
	Name string
	// Threads is the number of loops, 0 selects the platform default
	Threads int
	// ShutdownTimeoutSecond bounds how long a loop may drain before it is closed hard (0 = wait forever)
	ShutdownTimeoutSecond int
}

// ShutdownTimeout returns the drain timeout as a duration
func (c GroupConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSecond) * time.Second
}

// --------------------------------------------------------------------------
// Socket configuration structs
// --------------------------------------------------------------------------

// Socket domains supported by the connectors
const (
	DomainTCP  = "tcp"
	DomainUnix = "unix"
)

// SocketConf holds settings that apply to every stream socket
type SocketConf struct {
	WriteBufferSize int
	ReadBufferSize  int
}

// TCPConf holds TCP specific settings
type TCPConf struct {
	TCPNoDelay      bool
	TCPKeepAliveSec int
	TCPLingerSec    int
}

// TransportConfig describes how sockets are opened and tuned
type TransportConfig struct {
	// Domain is either DomainTCP or DomainUnix
	Domain string
	// ConnectTimeoutSecond bounds a single dial (0 = no timeout)
	ConnectTimeoutSecond int
	SocketConf
	TCPConf
}

// DefaultTransportConfig returns the settings used when nothing else is configured
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		Domain:               DomainTCP,
		ConnectTimeoutSecond: 10,
		TCPConf: TCPConf{
			TCPNoDelay:   true,
			TCPLingerSec: -1,
		},
	}
}

// ConnectTimeout returns the dial timeout as a duration
func (c TransportConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSecond) * time.Second
}

// ResolverConfig selects and tunes the host resolver of a client bootstrap
type ResolverConfig struct {
	// Nameserver to query directly (host:port). Empty uses the system resolver.
	Nameserver string
	// CacheSize is the number of hosts to cache, 0 disables caching
	CacheSize int
	// CacheTTLSecond is how long a cached result stays valid
	CacheTTLSecond int
}

// --------------------------------------------------------------------------
// Client configuration struct
// --------------------------------------------------------------------------

// ClientConfig holds all configuration parameters of a client
type ClientConfig struct {
	Group     GroupConfig
	Transport TransportConfig
	Resolver  ResolverConfig

	// Endpoints to connect to (host:port or socket path)
	Endpoints []string
	// ServerName overrides the SNI name, empty uses the endpoint host
	ServerName string
	// TimeoutSecond bounds a whole connect + handshake
	TimeoutSecond int
	// ConnectionsPerEndpoint is the number of channels opened per endpoint
	ConnectionsPerEndpoint int

	// Logging configuration
	LogLevel string
}

// String returns a formatted string representation of the client configuration
func (c *ClientConfig) String() string {
	var sb strings.Builder

	addSection, addField := formatHelpers(&sb)

	addSection("Event Loop Group")
	writeGroup(addField, c.Group)

	addSection("Client Configuration")
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("Connections Per Endpoint", strconv.Itoa(int(math.Max(1, float64(c.ConnectionsPerEndpoint)))))
	addField("Server Name", orDefault(c.ServerName, "(endpoint host)"))
	addField("Log Level", c.LogLevel)

	addSection("Transport")
	writeTransport(addField, c.Transport)

	addSection("Resolver")
	addField("Nameserver", orDefault(c.Resolver.Nameserver, "(system)"))
	addField("Cache Size", strconv.Itoa(c.Resolver.CacheSize))
	addField("Cache TTL", fmt.Sprintf("%d sec", c.Resolver.CacheTTLSecond))

	addSection("Endpoints")
	for i, endpoint := range c.Endpoints {
		addField(strconv.Itoa(i), endpoint)
	}

	return sb.String()
}

// --------------------------------------------------------------------------
// Server configuration struct
// --------------------------------------------------------------------------

// ServerConfig holds all configuration parameters of a server
type ServerConfig struct {
	Group     GroupConfig
	Transport TransportConfig

	// Endpoint is the address to listen on (host:port or socket path)
	Endpoint string
	// MetricsEndpoint exposes prometheus metrics over http if set
	MetricsEndpoint string
	// WatchTLS recompiles the TLS context when its files change
	WatchTLS bool

	// Logging configuration
	LogLevel string
}

// String returns a formatted string representation of the server configuration
func (c *ServerConfig) String() string {
	var sb strings.Builder

	addSection, addField := formatHelpers(&sb)

	addSection("Event Loop Group")
	writeGroup(addField, c.Group)

	addSection("Server")
	addField("Endpoint", c.Endpoint)
	addField("Metrics Endpoint", orDefault(c.MetricsEndpoint, "(disabled)"))
	addField("Watch TLS Files", fmt.Sprintf("%t", c.WatchTLS))
	addField("Log Level", c.LogLevel)

	addSection("Transport")
	writeTransport(addField, c.Transport)

	return sb.String()
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// formatHelpers creates helper functions for consistent formatting
func formatHelpers(sb *strings.Builder) (func(string), func(string, string)) {
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-26s: %s\n", name, value))
	}
	return addSection, addField
}

func writeGroup(addField func(string, string), g GroupConfig) {
	threads := strconv.Itoa(g.Threads)
	if g.Threads == 0 {
		threads = "0 (platform default)"
	}
	addField("Name", orDefault(g.Name, "default"))
	addField("Threads", threads)
	addField("Shutdown Timeout", fmt.Sprintf("%d sec", g.ShutdownTimeoutSecond))
}

func writeTransport(addField func(string, string), t TransportConfig) {
	addField("Domain", t.Domain)
	addField("Connect Timeout", fmt.Sprintf("%d sec", t.ConnectTimeoutSecond))
	addField("Write Buffer", fmt.Sprintf("%d bytes", t.WriteBufferSize))
	addField("Read Buffer", fmt.Sprintf("%d bytes", t.ReadBufferSize))
	if t.Domain == DomainTCP {
		addField("TCP NoDelay", fmt.Sprintf("%t", t.TCPNoDelay))
		addField("TCP KeepAlive", fmt.Sprintf("%d sec", t.TCPKeepAliveSec))
		addField("TCP Linger", fmt.Sprintf("%d sec", t.TCPLingerSec))
	}
}

func orDefault(value, def string) string {
	if value == "" {
		return def
	}
	return value
}
