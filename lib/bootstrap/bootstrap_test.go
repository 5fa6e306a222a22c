package bootstrap

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/dIO/common"
	"github.com/ValentinKolb/dIO/lib/elg"
	"github.com/ValentinKolb/dIO/lib/tlsctx"
	"github.com/ValentinKolb/dIO/lib/tlsctx/tlstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 5 * time.Second

// --------------------------------------------------------------------------
// Test Doubles
// --------------------------------------------------------------------------

// failingResolver never resolves anything
type failingResolver struct{}

func (failingResolver) GetName() string { return "failing" }
func (failingResolver) Close() error    { return nil }
func (failingResolver) Resolve(_ context.Context, host string) ([]net.IP, error) {
	return nil, errors.New("no such host " + host)
}

// blockingConnector blocks every Connect until its context ends
type blockingConnector struct {
	IConnector
	started   chan struct{}
	cancelled atomic.Int32
}

func (c *blockingConnector) Connect(ctx context.Context, _ string) (net.Conn, error) {
	c.started <- struct{}{}
	<-ctx.Done()
	c.cancelled.Add(1)
	return nil, ctx.Err()
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func newGroup(t *testing.T, loops int) *elg.EventLoopGroup {
	t.Helper()
	group, err := elg.New(loops, elg.WithName(t.Name()))
	require.NoError(t, err)
	t.Cleanup(func() {
		if group.Alive() {
			_ = group.Close()
		}
	})
	return group
}

type setupResult struct {
	ch     *Channel
	err    error
	onLoop bool
}

// connect runs Connect and waits for its callback
func connect(t *testing.T, b *ClientBootstrap, req ConnectRequest) setupResult {
	t.Helper()
	done := make(chan setupResult, 1)
	require.NoError(t, b.Connect(req, func(ch *Channel, err error) {
		res := setupResult{ch: ch, err: err}
		if ch != nil {
			res.onLoop = ch.Loop().OnLoop()
		} else {
			for _, l := range b.Group().Loops() {
				res.onLoop = res.onLoop || l.OnLoop()
			}
		}
		done <- res
	}))
	select {
	case res := <-done:
		return res
	case <-time.After(waitTimeout):
		t.Fatal("setup callback was not delivered")
		return setupResult{}
	}
}

// echoServer starts a server bootstrap that echoes every channel's input
func echoServer(t *testing.T, group *elg.EventLoopGroup, tlsCtx *tlsctx.Context, opts ...ServerOption) (*ServerBootstrap, *Listener, chan *Channel) {
	t.Helper()
	server, err := NewServerBootstrap(group, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = server.Release() })

	address := "127.0.0.1:0"
	if server.connector.GetName() == common.DomainUnix {
		address = filepath.Join(t.TempDir(), "dio.sock")
	}

	accepted := make(chan *Channel, 16)
	ln, err := server.Listen(ListenRequest{Address: address, TLS: tlsCtx}, func(ch *Channel, err error) {
		if err != nil {
			return
		}
		accepted <- ch
		_ = ch.StartReading(func(data []byte) {
			_ = ch.Write(data, nil)
		}, nil)
	})
	require.NoError(t, err)
	return server, ln, accepted
}

func port(t *testing.T, ln *Listener) int {
	t.Helper()
	_, p, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	n, err := strconv.Atoi(p)
	require.NoError(t, err)
	return n
}

// roundTrip writes msg and waits until the same number of bytes came back
func roundTrip(t *testing.T, ch *Channel, msg string) string {
	t.Helper()
	var mu sync.Mutex
	var received []byte
	got := make(chan struct{})
	var once sync.Once

	require.NoError(t, ch.StartReading(func(data []byte) {
		assert.True(t, ch.Loop().OnLoop())
		mu.Lock()
		received = append(received, data...)
		complete := len(received) >= len(msg)
		mu.Unlock()
		if complete {
			once.Do(func() { close(got) })
		}
	}, nil))

	written := make(chan error, 1)
	require.NoError(t, ch.Write([]byte(msg), func(n int, err error) {
		assert.True(t, ch.Loop().OnLoop())
		assert.Equal(t, len(msg), n)
		written <- err
	}))

	select {
	case err := <-written:
		require.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("write completion was not delivered")
	}
	select {
	case <-got:
	case <-time.After(waitTimeout):
		t.Fatal("echo was not received")
	}

	mu.Lock()
	defer mu.Unlock()
	return string(received)
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

func TestNextLoopIsRoundRobin(t *testing.T) {
	group := newGroup(t, 3)
	b, err := NewClientBootstrap(group)
	require.NoError(t, err)
	defer b.Release()

	var indices []int
	for i := 0; i < 7; i++ {
		indices = append(indices, b.NextLoop().Index())
	}
	assert.Equal(t, []int{0, 1, 2, 0, 1, 2, 0}, indices)
}

func TestConnectDeliversOnAssignedLoop(t *testing.T) {
	group := newGroup(t, 2)
	_, ln, accepted := echoServer(t, group, nil)

	client, err := NewClientBootstrap(group)
	require.NoError(t, err)
	defer client.Release()

	perLoop := map[int]int{}
	for i := 0; i < 4; i++ {
		res := connect(t, client, ConnectRequest{Host: "127.0.0.1", Port: port(t, ln)})
		require.NoError(t, res.err)
		assert.True(t, res.onLoop)
		assert.False(t, res.ch.TLS())
		assert.Empty(t, res.ch.NegotiatedProtocol())
		assert.NotEmpty(t, res.ch.ID())
		perLoop[res.ch.Loop().Index()]++
		defer res.ch.Close()
	}
	assert.Equal(t, map[int]int{0: 2, 1: 2}, perLoop)

	for i := 0; i < 4; i++ {
		select {
		case ch := <-accepted:
			assert.NotNil(t, ch)
		case <-time.After(waitTimeout):
			t.Fatal("server did not accept")
		}
	}
}

func TestConnectWithTLSAndALPN(t *testing.T) {
	certs := tlstest.MustGenerate(t)
	group := newGroup(t, 2)

	serverOpts, err := tlsctx.NewServerMTLS(certs.ServerCertFile, certs.ServerKeyFile)
	require.NoError(t, err)
	serverCtx, err := tlsctx.NewServerContext(serverOpts.WithALPN("h2", "http/1.1"))
	require.NoError(t, err)
	_, ln, _ := echoServer(t, group, serverCtx)

	clientCtx, err := tlsctx.NewClientContext(tlsctx.NewClientDefault().
		OverrideDefaultTrustStore("", certs.CAFile).
		WithALPN("h2"))
	require.NoError(t, err)

	client, err := NewClientBootstrap(group)
	require.NoError(t, err)
	defer client.Release()

	// both connections share the same compiled context
	for i := 0; i < 2; i++ {
		res := connect(t, client, ConnectRequest{Host: "localhost", Port: port(t, ln), TLS: clientCtx})
		require.NoError(t, res.err)
		assert.True(t, res.onLoop)
		assert.True(t, res.ch.TLS())
		assert.Equal(t, "h2", res.ch.NegotiatedProtocol())
		assert.Equal(t, "ping", roundTrip(t, res.ch, "ping"))
		require.NoError(t, res.ch.Close())
	}

	// wrong server name fails verification, reported through the callback
	res := connect(t, client, ConnectRequest{Host: "127.0.0.1", Port: port(t, ln), TLS: clientCtx, ServerName: "other.example"})
	assert.Error(t, res.err)
	assert.Nil(t, res.ch)
	assert.True(t, res.onLoop)
}

func TestListenWithTLSSource(t *testing.T) {
	certs := tlstest.MustGenerate(t)
	group := newGroup(t, 2)

	serverOpts, err := tlsctx.NewServerMTLS(certs.ServerCertFile, certs.ServerKeyFile)
	require.NoError(t, err)
	first, err := tlsctx.NewServerContext(serverOpts.WithALPN("h2"))
	require.NoError(t, err)
	second, err := tlsctx.NewServerContext(serverOpts.WithALPN("http/1.1"))
	require.NoError(t, err)

	var current atomic.Pointer[tlsctx.Context]
	current.Store(first)

	server, err := NewServerBootstrap(group)
	require.NoError(t, err)
	defer server.Release()

	// a client context is rejected up front
	clientCtx, err := tlsctx.NewClientContext(tlsctx.NewClientDefault().
		OverrideDefaultTrustStore("", certs.CAFile).
		WithALPN("h2", "http/1.1"))
	require.NoError(t, err)
	_, err = server.Listen(ListenRequest{Address: "127.0.0.1:0", TLSSource: func() *tlsctx.Context { return clientCtx }}, func(*Channel, error) {})
	assert.ErrorIs(t, err, common.ErrConfiguration)

	ln, err := server.Listen(ListenRequest{Address: "127.0.0.1:0", TLS: second, TLSSource: current.Load}, func(ch *Channel, err error) {
		if err == nil {
			_ = ch.StartReading(func(data []byte) { _ = ch.Write(data, nil) }, nil)
		}
	})
	require.NoError(t, err)

	client, err := NewClientBootstrap(group)
	require.NoError(t, err)
	defer client.Release()

	// the source takes precedence over TLS
	res := connect(t, client, ConnectRequest{Host: "localhost", Port: port(t, ln), TLS: clientCtx})
	require.NoError(t, res.err)
	assert.Equal(t, "h2", res.ch.NegotiatedProtocol())
	require.NoError(t, res.ch.Close())

	// later handshakes see the swapped context
	current.Store(second)
	res = connect(t, client, ConnectRequest{Host: "localhost", Port: port(t, ln), TLS: clientCtx})
	require.NoError(t, res.err)
	assert.Equal(t, "http/1.1", res.ch.NegotiatedProtocol())
	assert.Equal(t, "pong", roundTrip(t, res.ch, "pong"))
	require.NoError(t, res.ch.Close())
}

func TestServerRejectsFailedHandshake(t *testing.T) {
	certs := tlstest.MustGenerate(t)
	group := newGroup(t, 1)

	serverOpts, err := tlsctx.NewServerMTLSPKCS12(certs.ServerPKCS12, tlstest.PKCS12Password)
	require.NoError(t, err)
	serverCtx, err := tlsctx.NewServerContext(serverOpts)
	require.NoError(t, err)

	server, err := NewServerBootstrap(group)
	require.NoError(t, err)
	defer server.Release()

	rejected := make(chan error, 1)
	ln, err := server.Listen(ListenRequest{Address: "127.0.0.1:0", TLS: serverCtx}, func(ch *Channel, err error) {
		assert.Nil(t, ch)
		rejected <- err
	})
	require.NoError(t, err)

	// plain text client
	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	_, _ = conn.Write([]byte("GET / HTTP/1.0\r\n\r\n"))

	select {
	case err := <-rejected:
		assert.Error(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("failed handshake was not reported")
	}
	_ = conn.Close()
}

func TestConnectOverUnixSocket(t *testing.T) {
	group := newGroup(t, 1)
	unix := common.DefaultTransportConfig()
	unix.Domain = common.DomainUnix

	_, ln, _ := echoServer(t, group, nil, WithServerSocketOptions(unix))

	client, err := NewClientBootstrap(group, WithSocketOptions(unix))
	require.NoError(t, err)
	defer client.Release()

	res := connect(t, client, ConnectRequest{Host: ln.Addr().String()})
	require.NoError(t, res.err)
	defer res.ch.Close()
	assert.Equal(t, "hello unix", roundTrip(t, res.ch, "hello unix"))
}

func TestResolutionFailureIsDeliveredThroughCallback(t *testing.T) {
	group := newGroup(t, 2)
	client, err := NewClientBootstrap(group, WithResolver(failingResolver{}))
	require.NoError(t, err)
	defer client.Release()

	res := connect(t, client, ConnectRequest{Host: "does-not-exist.invalid", Port: 443})
	require.Error(t, res.err)
	assert.Contains(t, res.err.Error(), "no such host")
	assert.Nil(t, res.ch)
	assert.True(t, res.onLoop)
}

func TestConnectValidation(t *testing.T) {
	certs := tlstest.MustGenerate(t)
	group := newGroup(t, 1)
	client, err := NewClientBootstrap(group)
	require.NoError(t, err)
	defer client.Release()

	noop := func(*Channel, error) {}

	err = client.Connect(ConnectRequest{Port: 80}, noop)
	assert.ErrorIs(t, err, common.ErrConfiguration)

	err = client.Connect(ConnectRequest{Host: "localhost", Port: 70000}, noop)
	assert.ErrorIs(t, err, common.ErrConfiguration)

	err = client.Connect(ConnectRequest{Host: "localhost", Port: 80}, nil)
	assert.ErrorIs(t, err, common.ErrConfiguration)

	serverOpts, err := tlsctx.NewServerMTLS(certs.ServerCertFile, certs.ServerKeyFile)
	require.NoError(t, err)
	serverCtx, err := tlsctx.NewServerContext(serverOpts)
	require.NoError(t, err)
	err = client.Connect(ConnectRequest{Host: "localhost", Port: 80, TLS: serverCtx}, noop)
	assert.ErrorIs(t, err, common.ErrConfiguration)

	// TLS over unix sockets needs an explicit server name
	unix := common.DefaultTransportConfig()
	unix.Domain = common.DomainUnix
	unixClient, err := NewClientBootstrap(group, WithSocketOptions(unix))
	require.NoError(t, err)
	defer unixClient.Release()
	clientCtx, err := tlsctx.NewClientContext(tlsctx.NewClientDefault().OverrideDefaultTrustStore("", certs.CAFile))
	require.NoError(t, err)
	err = unixClient.Connect(ConnectRequest{Host: "/tmp/dio.sock", TLS: clientCtx}, noop)
	assert.ErrorIs(t, err, common.ErrConfiguration)
	assert.Zero(t, unixClient.InFlight())
}

func TestReleaseCancelsInFlightAttempts(t *testing.T) {
	group := newGroup(t, 2)
	connector := &blockingConnector{IConnector: NewTCPConnector(), started: make(chan struct{}, 8)}

	client, err := NewClientBootstrap(group, WithConnector(connector))
	require.NoError(t, err)

	var delivered atomic.Int32
	for i := 0; i < 3; i++ {
		require.NoError(t, client.Connect(ConnectRequest{Host: "127.0.0.1", Port: 9}, func(*Channel, error) {
			delivered.Add(1)
		}))
	}
	for i := 0; i < 3; i++ {
		select {
		case <-connector.started:
		case <-time.After(waitTimeout):
			t.Fatal("connect did not start")
		}
	}
	assert.Equal(t, 3, client.InFlight())

	require.NoError(t, client.Release())
	assert.Equal(t, int32(3), connector.cancelled.Load())
	assert.Equal(t, 0, client.InFlight())

	// flush both loops, nothing may have been delivered
	for _, l := range group.Loops() {
		flushed := make(chan struct{})
		require.NoError(t, l.Submit(func() { close(flushed) }))
		<-flushed
	}
	assert.Equal(t, int32(0), delivered.Load())

	err = client.Connect(ConnectRequest{Host: "127.0.0.1", Port: 9}, func(*Channel, error) {})
	assert.ErrorIs(t, err, common.ErrInvalidState)
	assert.ErrorIs(t, client.Release(), common.ErrInvalidState)
}

func TestBootstrapKeepsGroupAlive(t *testing.T) {
	group, err := elg.New(1)
	require.NoError(t, err)

	client, err := NewClientBootstrap(group)
	require.NoError(t, err)
	server, err := NewServerBootstrap(group)
	require.NoError(t, err)
	assert.Equal(t, int64(3), group.RefCount())

	require.NoError(t, group.Close())
	assert.True(t, group.Alive())

	require.NoError(t, client.Release())
	assert.True(t, group.Alive())
	require.NoError(t, server.Release())

	select {
	case <-group.Done():
	case <-time.After(waitTimeout):
		t.Fatal("group was not destroyed")
	}
	assert.False(t, group.Alive())
}

func TestLastReleaseFromLoopKeepsBootstrap(t *testing.T) {
	group, err := elg.New(2)
	require.NoError(t, err)

	client, err := NewClientBootstrap(group)
	require.NoError(t, err)
	server, err := NewServerBootstrap(group)
	require.NoError(t, err)

	// the client holds the last reference after these
	require.NoError(t, group.Close())
	require.NoError(t, server.Release())
	assert.Equal(t, int64(1), group.RefCount())

	onLoop := make(chan error, 1)
	require.NoError(t, group.Loop(0).Submit(func() { onLoop <- client.Release() }))
	select {
	case err := <-onLoop:
		assert.ErrorIs(t, err, common.ErrInvalidState)
	case <-time.After(waitTimeout):
		t.Fatal("release on loop did not return")
	}
	assert.True(t, group.Alive())
	assert.Equal(t, int64(1), group.RefCount())

	// still usable and releasable from outside the loops
	require.NoError(t, client.Connect(ConnectRequest{Host: "127.0.0.1", Port: 1}, func(*Channel, error) {}))
	require.NoError(t, client.Release())
	select {
	case <-group.Done():
	case <-time.After(waitTimeout):
		t.Fatal("group was not destroyed")
	}
}

func TestServerLastReleaseFromLoopKeepsBootstrap(t *testing.T) {
	group, err := elg.New(1)
	require.NoError(t, err)
	server, err := NewServerBootstrap(group)
	require.NoError(t, err)
	require.NoError(t, group.Close())

	onLoop := make(chan error, 1)
	require.NoError(t, group.Loop(0).Submit(func() { onLoop <- server.Release() }))
	select {
	case err := <-onLoop:
		assert.ErrorIs(t, err, common.ErrInvalidState)
	case <-time.After(waitTimeout):
		t.Fatal("release on loop did not return")
	}

	require.NoError(t, server.Release())
	select {
	case <-group.Done():
	case <-time.After(waitTimeout):
		t.Fatal("group was not destroyed")
	}
}

func TestNewBootstrapOnDestroyedGroup(t *testing.T) {
	group, err := elg.New(1)
	require.NoError(t, err)
	require.NoError(t, group.Close())

	_, err = NewClientBootstrap(group)
	assert.ErrorIs(t, err, common.ErrInvalidState)

	_, err = NewServerBootstrap(group)
	assert.ErrorIs(t, err, common.ErrInvalidState)
}

func TestChannelLifecycle(t *testing.T) {
	group := newGroup(t, 1)
	_, ln, accepted := echoServer(t, group, nil)

	client, err := NewClientBootstrap(group)
	require.NoError(t, err)
	defer client.Release()

	res := connect(t, client, ConnectRequest{Host: "127.0.0.1", Port: port(t, ln)})
	require.NoError(t, res.err)
	ch := res.ch

	closed := make(chan error, 1)
	require.NoError(t, ch.StartReading(func([]byte) {}, func(err error) {
		assert.True(t, ch.Loop().OnLoop())
		closed <- err
	}))
	assert.ErrorIs(t, ch.StartReading(func([]byte) {}, nil), common.ErrInvalidState)

	executed := make(chan bool, 1)
	require.NoError(t, ch.Execute(func() { executed <- ch.Loop().OnLoop() }))
	assert.True(t, <-executed)

	// the peer closes, the channel reports a clean close
	var serverSide *Channel
	select {
	case serverSide = <-accepted:
	case <-time.After(waitTimeout):
		t.Fatal("server did not accept")
	}
	require.NoError(t, serverSide.Close())

	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("close was not reported")
	}

	assert.True(t, ch.Closed())
	assert.NoError(t, ch.Close())
	assert.ErrorIs(t, ch.Write([]byte("x"), nil), common.ErrInvalidState)
}

func TestListenerClose(t *testing.T) {
	group := newGroup(t, 1)
	server, ln, _ := echoServer(t, group, nil)
	addr := ln.Addr().String()

	require.NoError(t, ln.Close())
	_ = ln.Close()

	_, err := net.DialTimeout("tcp", addr, time.Second)
	assert.Error(t, err)
	assert.Equal(t, 0, server.listeners.Size())
}
