package tlsctx

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/dIO/common"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("tlsctx")

// Mode selects the side of the handshake a context is compiled for
type Mode int

const (
	ModeClient Mode = iota
	ModeServer
)

// String returns the string representation of the mode
func (m Mode) String() string {
	if m == ModeServer {
		return "server"
	}
	return "client"
}

// State is the compilation state of a Compiler
type State int32

const (
	StateUncompiled State = iota
	StateCompiling
	StateReady
	StateFailed
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateUncompiled:
		return "uncompiled"
	case StateCompiling:
		return "compiling"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// --------------------------------------------------------------------------
// Compile Options
// --------------------------------------------------------------------------

// CompileOption configures the compilation of a context
type CompileOption func(*compileOptions)

type compileOptions struct {
	backend Backend
}

// WithBackend compiles against backend instead of the default backend
func WithBackend(backend Backend) CompileOption {
	return func(o *compileOptions) {
		if backend != nil {
			o.backend = backend
		}
	}
}

// --------------------------------------------------------------------------
// Context
// --------------------------------------------------------------------------

// Context is a compiled, immutable TLS configuration. It is safe to share
// between any number of connections and goroutines.
type Context struct {
	mode    Mode
	options Options
	backend string
	config  *tls.Config
}

// NewClientContext compiles opts for the client side of a handshake
func NewClientContext(opts Options, compileOpts ...CompileOption) (*Context, error) {
	return NewCompiler(ModeClient, opts, compileOpts...).Compile()
}

// NewServerContext compiles opts for the server side of a handshake.
// Server contexts require an identity.
func NewServerContext(opts Options, compileOpts ...CompileOption) (*Context, error) {
	return NewCompiler(ModeServer, opts, compileOpts...).Compile()
}

// Mode returns the side the context was compiled for
func (c *Context) Mode() Mode { return c.mode }

// MinVersion returns the minimum protocol version
func (c *Context) MinVersion() Version { return c.options.MinVersion }

// ALPN returns a copy of the offered protocols
func (c *Context) ALPN() []string { return slices.Clone(c.options.ALPN) }

// VerifyPeer reports whether the peer certificate is verified
func (c *Context) VerifyPeer() bool { return c.options.VerifyPeer }

// HasIdentity reports whether the context presents a certificate
func (c *Context) HasIdentity() bool { return c.options.Identity != nil }

// Options returns a copy of the options the context was compiled from
func (c *Context) Options() Options { return c.options.Clone() }

// Backend returns the name of the backend the context was compiled against
func (c *Context) Backend() string { return c.backend }

// Config returns a private copy of the compiled crypto/tls configuration
func (c *Context) Config() *tls.Config {
	cfg := c.config.Clone()
	cfg.NextProtos = slices.Clone(c.config.NextProtos)
	cfg.Certificates = slices.Clone(c.config.Certificates)
	return cfg
}

// ClientConfig returns a private copy of the configuration with ServerName set
// to serverName, unless the context already pins a server name
func (c *Context) ClientConfig(serverName string) *tls.Config {
	cfg := c.Config()
	if cfg.ServerName == "" {
		cfg.ServerName = serverName
	}
	return cfg
}

func (c *Context) String() string {
	return fmt.Sprintf("tlsctx.Context(mode=%s, backend=%s, min=%s, alpn=%v, verify=%t, identity=%t)",
		c.mode, c.backend, c.options.MinVersion, c.options.ALPN, c.options.VerifyPeer, c.HasIdentity())
}

// --------------------------------------------------------------------------
// Compiler
// --------------------------------------------------------------------------

// Compiler compiles one Options snapshot into a Context.
//
// The compiler moves from StateUncompiled through StateCompiling to either
// StateReady or StateFailed. Both final states are sticky: further calls to
// Compile return the same context or error without compiling again.
type Compiler struct {
	mode    Mode
	options Options
	backend Backend

	mu    sync.Mutex
	state atomic.Int32
	ctx   *Context
	err   error
}

// NewCompiler creates a compiler for a snapshot of opts
func NewCompiler(mode Mode, opts Options, compileOpts ...CompileOption) *Compiler {
	o := compileOptions{backend: DefaultBackend()}
	for _, opt := range compileOpts {
		opt(&o)
	}
	return &Compiler{
		mode:    mode,
		options: opts.Clone(),
		backend: o.backend,
	}
}

// State returns the current state of the compiler
func (c *Compiler) State() State {
	return State(c.state.Load())
}

// Compile compiles the options, or returns the result of the first compilation
func (c *Compiler) Compile() (*Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.State() {
	case StateReady:
		return c.ctx, nil
	case StateFailed:
		return nil, c.err
	}

	c.state.Store(int32(StateCompiling))
	ctx, err := c.compile()
	result := "success"
	if err != nil {
		result = "failure"
		c.err = err
		c.state.Store(int32(StateFailed))
		Logger.Warningf("Failed to compile %s TLS context: %v", c.mode, err)
	} else {
		c.ctx = ctx
		c.state.Store(int32(StateReady))
		Logger.Debugf("Compiled %s", ctx)
	}
	metrics.GetOrCreateCounter(fmt.Sprintf(`dio_tlsctx_compile_total{mode=%q,result=%q}`, c.mode, result)).Inc()

	return c.ctx, err
}

func (c *Compiler) compile() (*Context, error) {
	op := fmt.Sprintf("tlsctx.Compile(%s)", c.mode)
	opts := c.options

	cfg := &tls.Config{}

	// identity
	if opts.Identity == nil && c.mode == ModeServer {
		return nil, common.Configuration(op, "a server context requires an identity", nil)
	}
	if opts.Identity != nil {
		cert, err := c.loadIdentity(opts.Identity)
		if err != nil {
			return nil, common.Configuration(op, fmt.Sprintf("cannot load identity %s", opts.Identity), err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	// trust store
	roots, err := c.trustStore(opts)
	if err != nil {
		return nil, err
	}

	// minimum version
	if !opts.MinVersion.IsValid() || !c.backend.SupportsVersion(opts.MinVersion) {
		return nil, common.Configuration(op, fmt.Sprintf("minimum version %s is not supported by %s", opts.MinVersion, c.backend.Name()), nil)
	}
	cfg.MinVersion = opts.MinVersion.ProtocolVersion()

	// alpn
	if len(opts.ALPN) > 0 {
		if !c.backend.ALPNAvailable() {
			return nil, common.Configuration(op, "ALPN requested",
				common.PlatformUnsupported(op, fmt.Sprintf("backend %s cannot negotiate ALPN", c.backend.Name())))
		}
		cfg.NextProtos = slices.Clone(opts.ALPN)
	}

	switch c.mode {
	case ModeClient:
		cfg.RootCAs = roots
		if !opts.VerifyPeer {
			Logger.Warningf("Client TLS context does not verify the server certificate")
			cfg.InsecureSkipVerify = true
		}
	case ModeServer:
		if opts.VerifyPeer {
			cfg.ClientAuth = tls.RequireAndVerifyClientCert
			cfg.ClientCAs = roots
		}
	}

	return &Context{
		mode:    c.mode,
		options: opts.Clone(),
		backend: c.backend.Name(),
		config:  cfg,
	}, nil
}

func (c *Compiler) loadIdentity(id Identity) (tls.Certificate, error) {
	switch id := id.(type) {
	case PEMIdentity:
		return c.backend.LoadPEMIdentity(id.CertificatePath, id.PrivateKeyPath)
	case PKCS12Identity:
		return c.backend.LoadPKCS12Identity(id.Path, id.Password)
	default:
		return tls.Certificate{}, fmt.Errorf("unknown identity type %T", id)
	}
}

// trustStore returns the override pool if one is configured, else the platform roots.
// Only the client side (and a verifying server) needs a pool.
func (c *Compiler) trustStore(opts Options) (*x509.CertPool, error) {
	if opts.HasTrustStoreOverride() {
		return loadTrustStore(opts.CAFile, opts.CAPath)
	}
	if c.mode == ModeServer && !opts.VerifyPeer {
		return nil, nil
	}
	roots, err := c.backend.SystemRoots()
	if err != nil {
		return nil, common.Configuration("tlsctx.Compile", "cannot load platform trust store", err)
	}
	return roots, nil
}

// --------------------------------------------------------------------------
// Capability Probe
// --------------------------------------------------------------------------

var alpnAvailable = sync.OnceValue(func() bool {
	return DefaultBackend().ALPNAvailable()
})

// IsALPNAvailable reports whether the default TLS backend supports ALPN.
// The answer is computed once and does not change during the process lifetime.
func IsALPNAvailable() bool {
	return alpnAvailable()
}
