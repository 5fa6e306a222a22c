package tlsctx

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/ValentinKolb/dIO/common"
	"github.com/ValentinKolb/dIO/lib/tlsctx/tlstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// noALPNBackend is a backend without ALPN support
type noALPNBackend struct {
	StdBackend
}

func (noALPNBackend) Name() string        { return "no-alpn" }
func (noALPNBackend) ALPNAvailable() bool { return false }

// countingBackend counts identity loads
type countingBackend struct {
	StdBackend
	loads int
}

func (b *countingBackend) LoadPEMIdentity(certPath, keyPath string) (tls.Certificate, error) {
	b.loads++
	return b.StdBackend.LoadPEMIdentity(certPath, keyPath)
}

func leafSerial(t *testing.T, cfg *tls.Config) string {
	t.Helper()
	require.Len(t, cfg.Certificates, 1)
	leaf, err := x509.ParseCertificate(cfg.Certificates[0].Certificate[0])
	require.NoError(t, err)
	return leaf.SerialNumber.String()
}

// handshake runs both sides of a TLS handshake over a loopback connection
func handshake(t *testing.T, client, server *tls.Config) (tls.ConnectionState, error) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serverErr := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			serverErr <- err
			return
		}
		defer conn.Close()
		srv := tls.Server(conn, server)
		_ = srv.SetDeadline(time.Now().Add(5 * time.Second))
		serverErr <- srv.Handshake()
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	cli := tls.Client(conn, client)
	_ = cli.SetDeadline(time.Now().Add(5 * time.Second))
	clientErr := cli.Handshake()
	if err := <-serverErr; err != nil {
		return tls.ConnectionState{}, err
	}
	if clientErr != nil {
		return tls.ConnectionState{}, clientErr
	}
	return cli.ConnectionState(), nil
}

func TestClientContextFromPEM(t *testing.T) {
	certs := tlstest.MustGenerate(t)

	opts, err := NewClientMTLS(certs.ClientCertFile, certs.ClientKeyFile)
	require.NoError(t, err)
	opts = opts.OverrideDefaultTrustStore("", certs.CAFile).WithALPN("h2").WithMinVersion(VersionTLSv1_2)

	ctx, err := NewClientContext(opts)
	require.NoError(t, err)

	assert.Equal(t, ModeClient, ctx.Mode())
	assert.True(t, ctx.HasIdentity())
	assert.True(t, ctx.VerifyPeer())
	assert.Equal(t, VersionTLSv1_2, ctx.MinVersion())
	assert.Equal(t, []string{"h2"}, ctx.ALPN())
	assert.Equal(t, "crypto/tls", ctx.Backend())

	cfg := ctx.Config()
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	assert.False(t, cfg.InsecureSkipVerify)
	assert.NotNil(t, cfg.RootCAs)
	assert.Equal(t, []string{"h2"}, cfg.NextProtos)

	assert.Equal(t, "example.com", ctx.ClientConfig("example.com").ServerName)
}

func TestServerContextFromPKCS12(t *testing.T) {
	certs := tlstest.MustGenerate(t)

	opts, err := NewServerMTLSPKCS12(certs.ServerPKCS12, tlstest.PKCS12Password)
	require.NoError(t, err)

	ctx, err := NewServerContext(opts)
	require.NoError(t, err)
	assert.Equal(t, ModeServer, ctx.Mode())
	assert.False(t, ctx.VerifyPeer())

	cfg := ctx.Config()
	assert.Equal(t, tls.NoClientCert, cfg.ClientAuth)
	assert.Equal(t, certs.ServerSerial.String(), leafSerial(t, cfg))
	// leaf plus the CA from the bundle
	assert.Len(t, cfg.Certificates[0].Certificate, 2)
}

func TestMutualTLSHandshake(t *testing.T) {
	certs := tlstest.MustGenerate(t)

	serverOpts, err := NewServerMTLS(certs.ServerCertFile, certs.ServerKeyFile)
	require.NoError(t, err)
	serverOpts = serverOpts.OverrideDefaultTrustStore("", certs.CAFile).WithVerifyPeer(true).WithALPN("h2", "http/1.1")
	server, err := NewServerContext(serverOpts)
	require.NoError(t, err)
	assert.Equal(t, tls.RequireAndVerifyClientCert, server.Config().ClientAuth)

	clientOpts, err := NewClientMTLSPKCS12(certs.ClientPKCS12, tlstest.PKCS12Password)
	require.NoError(t, err)
	clientOpts = clientOpts.OverrideDefaultTrustStore(certs.Dir, "").WithALPN("http/1.1")
	client, err := NewClientContext(clientOpts)
	require.NoError(t, err)

	state, err := handshake(t, client.ClientConfig("localhost"), server.Config())
	require.NoError(t, err)
	assert.Equal(t, "http/1.1", state.NegotiatedProtocol)
	assert.True(t, state.HandshakeComplete)

	// a client without identity is rejected by the verifying server
	anon, err := NewClientContext(NewClientDefault().OverrideDefaultTrustStore("", certs.CAFile))
	require.NoError(t, err)
	_, err = handshake(t, anon.ClientConfig("localhost"), server.Config())
	assert.Error(t, err)
}

func TestClientWithoutVerification(t *testing.T) {
	ctx, err := NewClientContext(Options{})
	require.NoError(t, err)
	assert.True(t, ctx.Config().InsecureSkipVerify)
	assert.False(t, ctx.HasIdentity())
}

func TestCompileFailures(t *testing.T) {
	certs := tlstest.MustGenerate(t)
	missing := filepath.Join(t.TempDir(), "missing.pem")

	t.Run("missing certificate", func(t *testing.T) {
		opts, err := NewClientMTLS(missing, certs.ClientKeyFile)
		require.NoError(t, err)
		_, err = NewClientContext(opts)
		assert.ErrorIs(t, err, common.ErrConfiguration)
	})

	t.Run("mismatched key", func(t *testing.T) {
		opts, err := NewClientMTLS(certs.ClientCertFile, certs.ServerKeyFile)
		require.NoError(t, err)
		_, err = NewClientContext(opts)
		assert.ErrorIs(t, err, common.ErrConfiguration)
	})

	t.Run("wrong pkcs12 password", func(t *testing.T) {
		opts, err := NewClientMTLSPKCS12(certs.ClientPKCS12, "wrong")
		require.NoError(t, err)
		_, err = NewClientContext(opts)
		assert.ErrorIs(t, err, common.ErrConfiguration)
		assert.Contains(t, err.Error(), "password rejected")
	})

	t.Run("server without identity", func(t *testing.T) {
		_, err := NewServerContext(Options{})
		assert.ErrorIs(t, err, common.ErrConfiguration)
	})

	t.Run("sslv3", func(t *testing.T) {
		_, err := NewClientContext(NewClientDefault().WithMinVersion(VersionSSLv3))
		assert.ErrorIs(t, err, common.ErrConfiguration)
	})

	t.Run("invalid version", func(t *testing.T) {
		_, err := NewClientContext(NewClientDefault().WithMinVersion(Version(99)))
		assert.ErrorIs(t, err, common.ErrConfiguration)
	})

	t.Run("missing CA file", func(t *testing.T) {
		_, err := NewClientContext(NewClientDefault().OverrideDefaultTrustStore("", missing))
		assert.ErrorIs(t, err, common.ErrConfiguration)
	})

	t.Run("CA directory without certificates", func(t *testing.T) {
		_, err := NewClientContext(NewClientDefault().OverrideDefaultTrustStore(t.TempDir(), ""))
		assert.ErrorIs(t, err, common.ErrConfiguration)
	})

	t.Run("alpn unsupported by backend", func(t *testing.T) {
		_, err := NewClientContext(NewClientDefault().WithALPN("h2"), WithBackend(noALPNBackend{}))
		assert.ErrorIs(t, err, common.ErrConfiguration)
		assert.ErrorIs(t, err, common.ErrPlatformUnsupported)
		assert.Equal(t, common.KindConfiguration, common.KindOf(err))
	})

	t.Run("no alpn needed", func(t *testing.T) {
		ctx, err := NewClientContext(NewClientDefault(), WithBackend(noALPNBackend{}))
		require.NoError(t, err)
		assert.Equal(t, "no-alpn", ctx.Backend())
	})
}

func TestCompilerStateIsSticky(t *testing.T) {
	certs := tlstest.MustGenerate(t)

	backend := &countingBackend{}
	opts, err := NewClientMTLS(certs.ClientCertFile, certs.ClientKeyFile)
	require.NoError(t, err)

	c := NewCompiler(ModeClient, opts, WithBackend(backend))
	assert.Equal(t, StateUncompiled, c.State())

	first, err := c.Compile()
	require.NoError(t, err)
	assert.Equal(t, StateReady, c.State())

	second, err := c.Compile()
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, backend.loads)

	failing := NewCompiler(ModeServer, Options{})
	_, err1 := failing.Compile()
	_, err2 := failing.Compile()
	assert.Equal(t, StateFailed, failing.State())
	assert.True(t, errors.Is(err1, common.ErrConfiguration))
	assert.Same(t, err1, err2)
}

func TestContextsAreIndependent(t *testing.T) {
	certs := tlstest.MustGenerate(t)
	opts, err := NewClientMTLS(certs.ClientCertFile, certs.ClientKeyFile)
	require.NoError(t, err)
	opts = opts.WithALPN("h2")

	a, err := NewClientContext(opts)
	require.NoError(t, err)
	b, err := NewClientContext(opts)
	require.NoError(t, err)
	assert.NotSame(t, a, b)

	// modifying the options after compilation has no effect
	opts.ALPN[0] = "changed"
	assert.Equal(t, []string{"h2"}, a.ALPN())

	// modifying a handed out config has no effect either
	cfg := a.Config()
	cfg.NextProtos[0] = "changed"
	cfg.ServerName = "evil"
	cfg.Certificates = nil
	fresh := a.Config()
	assert.Equal(t, []string{"h2"}, fresh.NextProtos)
	assert.Empty(t, fresh.ServerName)
	assert.Len(t, fresh.Certificates, 1)

	assert.Equal(t, leafSerial(t, a.Config()), leafSerial(t, b.Config()))
}

func TestIsALPNAvailableIsStable(t *testing.T) {
	first := IsALPNAvailable()
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, IsALPNAvailable())
	}
	assert.True(t, first)
}
