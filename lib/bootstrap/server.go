package bootstrap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dIO/common"
	"github.com/ValentinKolb/dIO/lib/elg"
	"github.com/ValentinKolb/dIO/lib/tlsctx"
	"github.com/VictoriaMetrics/metrics"
	"github.com/puzpuzpuz/xsync/v3"
)

// acceptRetryDelay is the pause after a temporary accept error
const acceptRetryDelay = 5 * time.Millisecond

// --------------------------------------------------------------------------
// Options
// --------------------------------------------------------------------------

// ServerOption configures a ServerBootstrap
type ServerOption func(*serverOptions)

type serverOptions struct {
	connector IConnector
	transport common.TransportConfig
}

// WithServerConnector replaces the connector selected from the socket domain
func WithServerConnector(c IConnector) ServerOption {
	return func(o *serverOptions) {
		o.connector = c
	}
}

// WithServerSocketOptions sets the socket domain, handshake timeout and socket options
// applied to accepted connections
func WithServerSocketOptions(config common.TransportConfig) ServerOption {
	return func(o *serverOptions) {
		o.transport = config
	}
}

// --------------------------------------------------------------------------
// Server Bootstrap
// --------------------------------------------------------------------------

// ListenRequest describes a listening socket
type ListenRequest struct {
	// Address is host:port for TCP, the socket path for Unix sockets
	Address string
	// TLS is the server context used for handshakes, nil for plain connections
	TLS *tlsctx.Context
	// TLSSource, if set, is asked for the context of every handshake and
	// takes precedence over TLS (e.g. tlsctx.Watcher.Current)
	TLSSource func() *tlsctx.Context
}

// source returns the context provider of the request
func (r ListenRequest) source() func() *tlsctx.Context {
	if r.TLSSource != nil {
		return r.TLSSource
	}
	if r.TLS != nil {
		tlsCtx := r.TLS
		return func() *tlsctx.Context { return tlsCtx }
	}
	return nil
}

// ServerBootstrap accepts connections and distributes them over the loops of a group
type ServerBootstrap struct {
	group     *elg.EventLoopGroup
	connector IConnector
	transport common.TransportConfig

	nextLoop   atomic.Uint64
	nextID     atomic.Uint64
	listeners  *xsync.MapOf[uint64, *Listener]
	mu         sync.RWMutex
	released   atomic.Bool
	acceptedOK *metrics.Counter
	acceptedKO *metrics.Counter
}

// NewServerBootstrap creates a server bootstrap on group.
// Fails with InvalidState if the group is already destroyed.
func NewServerBootstrap(group *elg.EventLoopGroup, opts ...ServerOption) (*ServerBootstrap, error) {
	if group == nil {
		return nil, common.Configuration("bootstrap.NewServerBootstrap", "event loop group is required", nil)
	}

	options := serverOptions{transport: common.DefaultTransportConfig()}
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

	return &ServerBootstrap{
		group:      group,
		connector:  options.connector,
		transport:  options.transport,
		listeners:  xsync.NewMapOf[uint64, *Listener](),
		acceptedOK: metrics.GetOrCreateCounter(`dio_bootstrap_accept_total{result="success"}`),
		acceptedKO: metrics.GetOrCreateCounter(`dio_bootstrap_accept_total{result="failure"}`),
	}, nil
}

// Group returns the event loop group of the bootstrap
func (b *ServerBootstrap) Group() *elg.EventLoopGroup {
	return b.group
}

// NextLoop returns the loop for the next accepted connection (round robin)
func (b *ServerBootstrap) NextLoop() *elg.Loop {
	return nextLoop(b.group, &b.nextLoop)
}

// Listen starts accepting connections on req.Address.
//
// Every accepted connection is assigned to one loop, the TLS handshake (if
// any) runs off-loop and onAccept is called on the assigned loop with the
// new channel. Failed handshakes are reported to onAccept with a nil channel.
func (b *ServerBootstrap) Listen(req ListenRequest, onAccept func(*Channel, error)) (*Listener, error) {
	const op = "bootstrap.ServerBootstrap.Listen"

	if onAccept == nil {
		return nil, common.Configuration(op, "accept callback is required", nil)
	}
	if req.Address == "" {
		return nil, common.Configuration(op, "address is empty", nil)
	}
	source := req.source()
	if source != nil {
		if current := source(); current == nil || current.Mode() != tlsctx.ModeServer {
			return nil, common.Configuration(op, "TLS context was not compiled for the server side", nil)
		}
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.released.Load() {
		return nil, common.InvalidState(op, "server bootstrap is released")
	}

	ln, err := b.connector.Listen(req.Address)
	if err != nil {
		return nil, common.Configuration(op, fmt.Sprintf("cannot listen on %s", req.Address), err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &Listener{
		id:       b.nextID.Add(1),
		parent:   b,
		listener: ln,
		tls:      source,
		onAccept: onAccept,
		ctx:      ctx,
		cancel:   cancel,
	}
	b.listeners.Store(l.id, l)

	l.wg.Add(1)
	go l.acceptLoop()

	Logger.Infof("Listening on %s (%s, tls=%t)", ln.Addr(), b.connector.GetName(), source != nil)
	return l, nil
}

// Release closes all listeners and drops the group reference.
// Channels that were already delivered stay open.
// Like ClientBootstrap.Release it fails with InvalidState, leaving the
// bootstrap untouched, when it would drop the last group reference from a loop.
func (b *ServerBootstrap) Release() error {
	const op = "bootstrap.ServerBootstrap.Release"

	b.mu.Lock()
	if b.released.Load() {
		b.mu.Unlock()
		return common.InvalidState(op, "server bootstrap is already released")
	}
	if lastReleaseOnLoop(b.group) {
		b.mu.Unlock()
		return common.InvalidState(op, "the last group reference cannot be released from a loop of the group")
	}
	b.released.Store(true)
	b.mu.Unlock()

	b.listeners.Range(func(_ uint64, l *Listener) bool {
		_ = l.Close()
		return true
	})

	Logger.Infof("Released server bootstrap on group %s", b.group.Name())
	return b.group.Release()
}

// --------------------------------------------------------------------------
// Listener
// --------------------------------------------------------------------------

// Listener is a listening socket created by ServerBootstrap.Listen
type Listener struct {
	id       uint64
	parent   *ServerBootstrap
	listener net.Listener
	tls      func() *tlsctx.Context
	onAccept func(*Channel, error)

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Addr returns the address the listener is bound to
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

// Close stops accepting, aborts running handshakes and waits for the accept
// goroutine. Callbacks of handshakes that did not complete are not delivered.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		l.cancel()
		l.closeErr = l.listener.Close()
		l.wg.Wait()
		l.parent.listeners.Delete(l.id)
		Logger.Infof("Closed listener on %s", l.listener.Addr())
	})
	return l.closeErr
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (l *Listener) acceptLoop() {
	defer l.wg.Done()

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			if l.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			Logger.Errorf("Accept error: %v", err)
			time.Sleep(acceptRetryDelay)
			continue
		}

		loop := l.parent.NextLoop()
		l.wg.Add(1)
		go l.handleConnection(loop, conn)
	}
}

// handleConnection prepares one accepted connection and hands it to its loop
func (l *Listener) handleConnection(loop *elg.Loop, conn net.Conn) {
	defer l.wg.Done()

	ch, err := l.prepare(loop, conn)
	if err != nil {
		l.parent.acceptedKO.Inc()
		Logger.Debugf("Rejected connection from %s: %v", conn.RemoteAddr(), err)
	} else {
		l.parent.acceptedOK.Inc()
	}

	submitErr := loop.Submit(func() {
		if l.closed.Load() {
			if ch != nil {
				_ = ch.Close()
			}
			return
		}
		l.onAccept(ch, err)
	})
	if submitErr != nil && ch != nil {
		_ = ch.Close()
	}
}

func (l *Listener) prepare(loop *elg.Loop, conn net.Conn) (*Channel, error) {
	cfg := l.parent.transport
	if err := l.parent.connector.UpgradeConnection(conn, cfg); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to apply socket options: %w", err)
	}

	if l.tls != nil {
		ctx := l.ctx
		if timeout := cfg.ConnectTimeout(); timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		tlsCtx := l.tls()
		if tlsCtx == nil || tlsCtx.Mode() != tlsctx.ModeServer {
			_ = conn.Close()
			return nil, common.InvalidState("bootstrap.Listener.prepare", "no server TLS context available")
		}
		tlsConn := tls.Server(conn, tlsCtx.Config())
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("TLS handshake with %s failed: %w", conn.RemoteAddr(), err)
		}
		conn = tlsConn
	}

	return newChannel(loop, conn), nil
}
