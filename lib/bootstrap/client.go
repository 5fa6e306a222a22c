package bootstrap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dIO/common"
	"github.com/ValentinKolb/dIO/lib/elg"
	"github.com/ValentinKolb/dIO/lib/resolver"
	"github.com/ValentinKolb/dIO/lib/tlsctx"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("bootstrap")

// defaultResolverConfig is used when no resolver is injected
var defaultResolverConfig = common.ResolverConfig{CacheSize: 256, CacheTTLSecond: 30}

// --------------------------------------------------------------------------
// Options
// --------------------------------------------------------------------------

// ClientOption configures a ClientBootstrap
type ClientOption func(*clientOptions)

type clientOptions struct {
	resolver  resolver.IHostResolver
	connector IConnector
	transport common.TransportConfig
}

// WithResolver makes the bootstrap use (and own) r
func WithResolver(r resolver.IHostResolver) ClientOption {
	return func(o *clientOptions) {
		o.resolver = r
	}
}

// WithConnector replaces the connector selected from the socket domain
func WithConnector(c IConnector) ClientOption {
	return func(o *clientOptions) {
		o.connector = c
	}
}

// WithSocketOptions sets the socket domain, connect timeout and socket options
func WithSocketOptions(config common.TransportConfig) ClientOption {
	return func(o *clientOptions) {
		o.transport = config
	}
}

// --------------------------------------------------------------------------
// Client Bootstrap
// --------------------------------------------------------------------------

// ConnectRequest describes one outgoing connection
type ConnectRequest struct {
	// Host is a host name or IP literal for TCP, the socket path for Unix sockets
	Host string
	// Port is required for TCP and ignored for Unix sockets
	Port int
	// TLS is the client context used for the handshake, nil for plain connections
	TLS *tlsctx.Context
	// ServerName overrides the name sent via SNI and verified (default: Host).
	// Required for TLS over Unix sockets, where Host is a path.
	ServerName string
}

// address returns the printable address of the request
func (r ConnectRequest) address() string {
	if r.Port == 0 {
		return r.Host
	}
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// attempt is one in-flight Connect
type attempt struct {
	cancel context.CancelFunc
}

// ClientBootstrap creates client connections on the loops of a group.
//
// The bootstrap holds a reference on the group, so the group stays alive at
// least until the bootstrap is released.
type ClientBootstrap struct {
	group     *elg.EventLoopGroup
	resolver  resolver.IHostResolver
	connector IConnector
	transport common.TransportConfig

	nextLoop  atomic.Uint64
	nextID    atomic.Uint64
	inFlight  *xsync.MapOf[uint64, *attempt]
	wg        sync.WaitGroup
	mu        sync.RWMutex // guards released against concurrent wg.Add
	released  atomic.Bool
	ctx       context.Context
	cancelAll context.CancelFunc
}

// NewClientBootstrap creates a client bootstrap on group.
// Fails with InvalidState if the group is already destroyed.
func NewClientBootstrap(group *elg.EventLoopGroup, opts ...ClientOption) (*ClientBootstrap, error) {
	if group == nil {
		return nil, common.Configuration("bootstrap.NewClientBootstrap", "event loop group is required", nil)
	}

	options := clientOptions{transport: common.DefaultTransportConfig()}
	for _, opt := range opts {
		opt(&options)
	}

	if options.connector == nil {
		connector, err := ConnectorFor(options.transport.Domain)
		if err != nil {
			return nil, err
		}
		options.connector = connector
	}

	if err := group.Acquire(); err != nil {
		return nil, err
	}

	if options.resolver == nil {
		r, err := resolver.New(defaultResolverConfig)
		if err != nil {
			_ = group.Release()
			return nil, common.Configuration("bootstrap.NewClientBootstrap", "cannot create host resolver", err)
		}
		options.resolver = r
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &ClientBootstrap{
		group:     group,
		resolver:  options.resolver,
		connector: options.connector,
		transport: options.transport,
		inFlight:  xsync.NewMapOf[uint64, *attempt](),
		ctx:       ctx,
		cancelAll: cancel,
	}

	Logger.Infof("Created client bootstrap on group %s (%s, resolver %s)", group.Name(), b.connector.GetName(), b.resolver.GetName())
	return b, nil
}

// Group returns the event loop group of the bootstrap
func (b *ClientBootstrap) Group() *elg.EventLoopGroup {
	return b.group
}

// NextLoop returns the loop for the next connection (round robin)
func (b *ClientBootstrap) NextLoop() *elg.Loop {
	return nextLoop(b.group, &b.nextLoop)
}

// InFlight returns the number of connection attempts that have not completed
func (b *ClientBootstrap) InFlight() int {
	return b.inFlight.Size()
}

// Connect establishes a connection asynchronously.
//
// The request is validated synchronously. Resolution, dialing and the TLS
// handshake happen off-loop; onSetup is then called exactly once on the loop
// the attempt was assigned to, either with the new channel or with the error.
// onSetup is never called after Release started.
func (b *ClientBootstrap) Connect(req ConnectRequest, onSetup func(*Channel, error)) error {
	const op = "bootstrap.ClientBootstrap.Connect"

	if onSetup == nil {
		return common.Configuration(op, "setup callback is required", nil)
	}
	if req.Host == "" {
		return common.Configuration(op, "host is empty", nil)
	}
	if b.connector.GetName() == common.DomainTCP && (req.Port <= 0 || req.Port > 65535) {
		return common.Configuration(op, fmt.Sprintf("invalid port %d", req.Port), nil)
	}
	if req.TLS != nil && req.TLS.Mode() != tlsctx.ModeClient {
		return common.Configuration(op, "TLS context was not compiled for the client side", nil)
	}
	if req.TLS != nil && req.ServerName == "" && b.connector.GetName() == common.DomainUnix {
		return common.Configuration(op, "server name is required for TLS over unix sockets", nil)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.released.Load() {
		return common.InvalidState(op, "client bootstrap is released")
	}

	loop := b.NextLoop()
	id := b.nextID.Add(1)

	ctx, cancel := context.WithCancel(b.ctx)
	if timeout := b.transport.ConnectTimeout(); timeout > 0 {
		ctx, cancel = withTimeout(ctx, cancel, timeout)
	}

	b.wg.Add(1)
	b.inFlight.Store(id, &attempt{cancel: cancel})

	go func() {
		defer b.wg.Done()
		defer cancel()

		start := time.Now()
		ch, err := b.establish(ctx, loop, req)
		b.complete(id, loop, req, ch, err, onSetup, time.Since(start))
	}()

	return nil
}

// Release cancels all in-flight connection attempts (their callbacks are never
// delivered), waits for their goroutines and drops the group reference.
// Channels that were already delivered stay open.
//
// If the bootstrap holds the last group reference, Release must not be called
// from one of the group's loops; it then fails with InvalidState and the
// bootstrap stays usable.
func (b *ClientBootstrap) Release() error {
	const op = "bootstrap.ClientBootstrap.Release"

	b.mu.Lock()
	if b.released.Load() {
		b.mu.Unlock()
		return common.InvalidState(op, "client bootstrap is already released")
	}
	if lastReleaseOnLoop(b.group) {
		b.mu.Unlock()
		return common.InvalidState(op, "the last group reference cannot be released from a loop of the group")
	}
	b.released.Store(true)
	b.mu.Unlock()

	cancelled := 0
	b.inFlight.Range(func(id uint64, a *attempt) bool {
		if _, ok := b.inFlight.LoadAndDelete(id); ok {
			a.cancel()
			cancelled++
		}
		return true
	})
	b.cancelAll()
	b.wg.Wait()

	if err := b.resolver.Close(); err != nil {
		Logger.Warningf("Failed to close resolver: %v", err)
	}

	Logger.Infof("Released client bootstrap on group %s (%d attempts cancelled)", b.group.Name(), cancelled)
	return b.group.Release()
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// establish resolves, dials, applies socket options and performs the TLS handshake
func (b *ClientBootstrap) establish(ctx context.Context, loop *elg.Loop, req ConnectRequest) (*Channel, error) {
	conn, err := b.dial(ctx, req)
	if err != nil {
		return nil, err
	}

	if err := b.connector.UpgradeConnection(conn, b.transport); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to apply socket options: %w", err)
	}

	if req.TLS != nil {
		serverName := req.ServerName
		if serverName == "" {
			serverName = req.Host
		}
		tlsConn := tls.Client(conn, req.TLS.ClientConfig(serverName))
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("TLS handshake with %s failed: %w", req.address(), err)
		}
		conn = tlsConn
	}

	return newChannel(loop, conn), nil
}

// dial connects to the first reachable address of the request
func (b *ClientBootstrap) dial(ctx context.Context, req ConnectRequest) (net.Conn, error) {
	if b.connector.GetName() != common.DomainTCP {
		return b.connector.Connect(ctx, req.Host)
	}

	ips, err := b.resolver.Resolve(ctx, req.Host)
	if err != nil {
		return nil, err
	}

	var errs []error
	for _, ip := range ips {
		conn, err := b.connector.Connect(ctx, net.JoinHostPort(ip.String(), strconv.Itoa(req.Port)))
		if err == nil {
			return conn, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("failed to connect to %s: %w", req.address(), errors.Join(errs...))
}

// complete hands the outcome of attempt id to its loop, unless the attempt was cancelled
func (b *ClientBootstrap) complete(id uint64, loop *elg.Loop, req ConnectRequest, ch *Channel, err error, onSetup func(*Channel, error), took time.Duration) {
	if _, ok := b.inFlight.LoadAndDelete(id); !ok {
		// cancelled by Release
		if ch != nil {
			_ = ch.Close()
		}
		connectResult("cancelled").Inc()
		return
	}

	if err != nil {
		connectResult("failure").Inc()
		Logger.Debugf("Connect to %s failed after %s: %v", req.address(), took, err)
	} else {
		connectResult("success").Inc()
		Logger.Debugf("Connected channel %s to %s on loop %d in %s", ch.ID(), req.address(), loop.Index(), took)
	}

	submitErr := loop.Submit(func() {
		if b.released.Load() {
			if ch != nil {
				_ = ch.Close()
			}
			return
		}
		onSetup(ch, err)
	})
	if submitErr != nil {
		Logger.Warningf("Dropping connect completion for %s: %v", req.address(), submitErr)
		if ch != nil {
			_ = ch.Close()
		}
	}
}

func connectResult(result string) *metrics.Counter {
	return metrics.GetOrCreateCounter(fmt.Sprintf(`dio_bootstrap_connect_total{result=%q}`, result))
}

// nextLoop selects loops of group in round-robin order
// lastReleaseOnLoop reports whether releasing one reference would destroy group
// from one of its own loops
func lastReleaseOnLoop(group *elg.EventLoopGroup) bool {
	if group.RefCount() > 1 {
		return false
	}
	for _, l := range group.Loops() {
		if l.OnLoop() {
			return true
		}
	}
	return false
}

func nextLoop(group *elg.EventLoopGroup, counter *atomic.Uint64) *elg.Loop {
	n := uint64(group.LoopCount())
	return group.Loop(int((counter.Add(1) - 1) % n))
}

// withTimeout adds a timeout to ctx and returns a cancel func releasing both contexts
func withTimeout(ctx context.Context, parentCancel context.CancelFunc, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	return ctx, func() {
		cancel()
		parentCancel()
	}
}

// isCleanClose reports whether err marks a regular end of the connection
func isCleanClose(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
