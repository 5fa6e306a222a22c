package util

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/ValentinKolb/dIO/common"
	"github.com/ValentinKolb/dIO/lib/elg"
	"github.com/ValentinKolb/dIO/lib/tlsctx"
	"github.com/joho/godotenv"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var Logger = logger.GetLogger("cli")

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50
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

// --------------------------------------------------------------------------
// Flags
// --------------------------------------------------------------------------

// SetupGroupFlags adds the event loop group flags to a command
func SetupGroupFlags(cmd *cobra.Command) {
	key := "threads"
	cmd.PersistentFlags().Int(key, 0, WrapString("Number of event loops (0 = one per CPU)"))

	key = "group-name"
	cmd.PersistentFlags().String(key, "dio", WrapString("Name of the event loop group in logs and metrics"))

	key = "shutdown-timeout"
	cmd.PersistentFlags().Int(key, 5, WrapString("How long the loops may drain queued work on shutdown (in seconds, 0 = wait forever)"))
}

// SetupTransportFlags adds the socket flags to a command
func SetupTransportFlags(cmd *cobra.Command) {
	key := "transport"
	cmd.PersistentFlags().String(key, common.DomainTCP, WrapString("Socket domain to use (tcp, unix)"))

	key = "connect-timeout"
	cmd.PersistentFlags().Int(key, 10, WrapString("Timeout for connect and TLS handshake (in seconds, 0 = none)"))

	key = "transport-write-buffer"
	cmd.PersistentFlags().Int(key, 0, WrapString("The size of the socket write buffer (in KB, 0 = system default)"))

	key = "transport-read-buffer"
	cmd.PersistentFlags().Int(key, 0, WrapString("The size of the socket read buffer (in KB, 0 = system default)"))

	key = "transport-tcp-nodelay"
	cmd.PersistentFlags().Bool(key, true, WrapString("Whether to enable TCP_NODELAY (only for tcp)"))

	key = "transport-tcp-keepalive"
	cmd.PersistentFlags().Int(key, 0, WrapString("The keepalive interval (in seconds, 0 = disabled, only for tcp)"))

	key = "transport-tcp-linger"
	cmd.PersistentFlags().Int(key, -1, WrapString("The linger time (in seconds, -1 = system default, only for tcp)"))
}

// SetupResolverFlags adds the host resolver flags to a command
func SetupResolverFlags(cmd *cobra.Command) {
	key := "resolver-nameserver"
	cmd.PersistentFlags().String(key, "", WrapString("Nameserver to query directly (host[:port]), empty uses the system resolver"))

	key = "resolver-cache-size"
	cmd.PersistentFlags().Int(key, 256, WrapString("Number of resolved hosts to cache (0 = no cache)"))

	key = "resolver-cache-ttl"
	cmd.PersistentFlags().Int(key, 30, WrapString("How long a resolved host is cached (in seconds)"))
}

// SetupTLSFlags adds the TLS flags to a command
func SetupTLSFlags(cmd *cobra.Command) {
	key := "tls"
	cmd.PersistentFlags().Bool(key, false, WrapString("Enable TLS (implied by --tls-config and any certificate flag)"))

	key = "tls-config"
	cmd.PersistentFlags().String(key, "", WrapString("YAML file with the TLS options (min_version, ca_file, ca_path, alpn, cert_file, key_file, pkcs12_file, pkcs12_password, verify_peer). Other tls flags override its values"))

	key = "tls-min-version"
	cmd.PersistentFlags().String(key, "", WrapString("Minimum TLS version (TLSv1, TLSv1_1, TLSv1_2, TLSv1_3, Default)"))

	key = "tls-ca-file"
	cmd.PersistentFlags().String(key, "", WrapString("PEM bundle replacing the system trust store"))

	key = "tls-ca-path"
	cmd.PersistentFlags().String(key, "", WrapString("Directory of PEM certificates replacing the system trust store"))

	key = "tls-alpn"
	cmd.PersistentFlags().String(key, "", WrapString("Semicolon separated ALPN protocol list (e.g. h2;http/1.1)"))

	key = "tls-cert"
	cmd.PersistentFlags().String(key, "", WrapString("PEM certificate presented to the peer"))

	key = "tls-key"
	cmd.PersistentFlags().String(key, "", WrapString("PEM private key of --tls-cert"))

	key = "tls-pkcs12"
	cmd.PersistentFlags().String(key, "", WrapString("PKCS12 bundle presented to the peer (instead of --tls-cert/--tls-key)"))

	key = "tls-pkcs12-password"
	cmd.PersistentFlags().String(key, "", WrapString("Password of --tls-pkcs12"))

	key = "tls-verify-peer"
	cmd.PersistentFlags().String(key, "", WrapString("Verify the peer certificate (true, false). Defaults to true for clients and false for servers"))
}

// --------------------------------------------------------------------------
// Configuration
// --------------------------------------------------------------------------

// InitConfig loads .env files and binds environment variables with the DIO_ prefix
func InitConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("dio")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}

// BindCommandFlags binds a command's flags to viper and applies the log level
func BindCommandFlags(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	return common.InitLoggers(viper.GetString("log-level"))
}

// GetGroupConfig reads the event loop group configuration from viper
func GetGroupConfig() common.GroupConfig {
	return common.GroupConfig{
		Name:                  viper.GetString("group-name"),
		Threads:               viper.GetInt("threads"),
		ShutdownTimeoutSecond: viper.GetInt("shutdown-timeout"),
	}
}

// GetTransportConfig reads the socket configuration from viper
func GetTransportConfig() common.TransportConfig {
	return common.TransportConfig{
		Domain:               viper.GetString("transport"),
		ConnectTimeoutSecond: viper.GetInt("connect-timeout"),
		SocketConf: common.SocketConf{
			WriteBufferSize: viper.GetInt("transport-write-buffer") * 1024,
			ReadBufferSize:  viper.GetInt("transport-read-buffer") * 1024,
		},
		TCPConf: common.TCPConf{
			TCPNoDelay:      viper.GetBool("transport-tcp-nodelay"),
			TCPKeepAliveSec: viper.GetInt("transport-tcp-keepalive"),
			TCPLingerSec:    viper.GetInt("transport-tcp-linger"),
		},
	}
}

// GetClientConfig reads the client configuration from viper
func GetClientConfig() *common.ClientConfig {
	var endpoints []string
	for _, endpoint := range strings.Split(viper.GetString("endpoints"), ",") {
		if endpoint = strings.TrimSpace(endpoint); endpoint != "" {
			endpoints = append(endpoints, endpoint)
		}
	}

	return &common.ClientConfig{
		Group:     GetGroupConfig(),
		Transport: GetTransportConfig(),
		Resolver: common.ResolverConfig{
			Nameserver:     viper.GetString("resolver-nameserver"),
			CacheSize:      viper.GetInt("resolver-cache-size"),
			CacheTTLSecond: viper.GetInt("resolver-cache-ttl"),
		},
		Endpoints:              endpoints,
		ServerName:             viper.GetString("server-name"),
		TimeoutSecond:          viper.GetInt("timeout"),
		ConnectionsPerEndpoint: viper.GetInt("conn-per-endpoint"),
		LogLevel:               viper.GetString("log-level"),
	}
}

// GetServerConfig reads the server configuration from viper
func GetServerConfig() *common.ServerConfig {
	return &common.ServerConfig{
		Group:           GetGroupConfig(),
		Transport:       GetTransportConfig(),
		Endpoint:        viper.GetString("endpoint"),
		MetricsEndpoint: viper.GetString("metrics-endpoint"),
		WatchTLS:        viper.GetBool("tls-watch"),
		LogLevel:        viper.GetString("log-level"),
	}
}

// GetTLSOptions builds the TLS options from --tls-config and the tls flags.
// enabled is false if no TLS flag was given.
func GetTLSOptions(defaultVerify bool) (opts tlsctx.Options, enabled bool, err error) {
	var flat tlsctx.FileOptions
	if path := viper.GetString("tls-config"); path != "" {
		if flat, err = tlsctx.LoadOptionsFile(path); err != nil {
			return tlsctx.Options{}, false, err
		}
	}

	// flags override the file
	override := func(target *string, key string) {
		if v := viper.GetString(key); v != "" {
			*target = v
		}
	}
	override(&flat.MinVersion, "tls-min-version")
	override(&flat.CAFile, "tls-ca-file")
	override(&flat.CAPath, "tls-ca-path")
	override(&flat.ALPN, "tls-alpn")
	override(&flat.CertFile, "tls-cert")
	override(&flat.KeyFile, "tls-key")
	override(&flat.PKCS12File, "tls-pkcs12")
	override(&flat.PKCS12Password, "tls-pkcs12-password")
	if v := viper.GetString("tls-verify-peer"); v != "" {
		verify, err := strconv.ParseBool(v)
		if err != nil {
			return tlsctx.Options{}, false, fmt.Errorf("invalid value for tls-verify-peer: %w", err)
		}
		flat.VerifyPeer = &verify
	}

	enabled = viper.GetBool("tls") || !flat.IsZero()
	if !enabled {
		return tlsctx.Options{}, false, nil
	}

	opts, err = flat.Build(defaultVerify)
	return opts, true, err
}

// NewGroup creates the event loop group described by config
func NewGroup(config common.GroupConfig) (*elg.EventLoopGroup, error) {
	return elg.New(config.Threads, elg.WithConfig(config))
}

// SplitEndpoint splits a host:port endpoint. For unix sockets the endpoint is returned as host.
func SplitEndpoint(endpoint, domain string) (string, int, error) {
	if domain == common.DomainUnix {
		return endpoint, 0, nil
	}
	host, portStr, err := net.SplitHostPort(endpoint)
	if err != nil {
		return "", 0, fmt.Errorf("invalid endpoint %s: %w", endpoint, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port in endpoint %s: %w", endpoint, err)
	}
	return host, port, nil
}
