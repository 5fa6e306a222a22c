package tlsctx

import (
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ValentinKolb/dIO/common"
	"software.sslmate.com/src/go-pkcs12"
)

// Backend is the TLS implementation a context is compiled against.
// It is injected with WithBackend; StdBackend is used when none is given.
type Backend interface {
	// Name returns the name of the backend
	Name() string
	// ALPNAvailable reports whether the backend can negotiate ALPN
	ALPNAvailable() bool
	// SupportsVersion reports whether the backend can enforce v as minimum version
	SupportsVersion(v Version) bool
	// LoadPEMIdentity loads a certificate chain and private key from two PEM files
	LoadPEMIdentity(certPath, keyPath string) (tls.Certificate, error)
	// LoadPKCS12Identity loads a certificate chain and private key from a PKCS12 bundle
	LoadPKCS12Identity(path, password string) (tls.Certificate, error)
	// SystemRoots returns the platform trust store
	SystemRoots() (*x509.CertPool, error)
}

// StdBackend implements Backend with crypto/tls
type StdBackend struct{}

var defaultBackend Backend = StdBackend{}

// DefaultBackend returns the backend used when no backend is injected
func DefaultBackend() Backend {
	return defaultBackend
}

// --------------------------------------------------------------------------
// Interface Methods (docu see Backend)
// --------------------------------------------------------------------------

func (StdBackend) Name() string {
	return "crypto/tls"
}

func (StdBackend) ALPNAvailable() bool {
	return true
}

func (StdBackend) SupportsVersion(v Version) bool {
	switch v {
	case VersionDefault, VersionTLSv1, VersionTLSv1_1, VersionTLSv1_2, VersionTLSv1_3:
		return true
	default:
		return false
	}
}

func (StdBackend) LoadPEMIdentity(certPath, keyPath string) (tls.Certificate, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to read certificate %s: %w", certPath, err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to read private key %s: %w", keyPath, err)
	}
	defer clear(keyPEM)

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to parse key pair %s / %s: %w", certPath, keyPath, err)
	}
	return cert, nil
}

func (StdBackend) LoadPKCS12Identity(path, password string) (tls.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to read pkcs12 bundle %s: %w", path, err)
	}
	defer clear(data)

	key, leaf, chain, err := pkcs12.DecodeChain(data, password)
	if errors.Is(err, pkcs12.ErrIncorrectPassword) {
		return tls.Certificate{}, fmt.Errorf("pkcs12 bundle %s: password rejected: %w", path, err)
	}
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to decode pkcs12 bundle %s: %w", path, err)
	}

	signer, ok := key.(crypto.Signer)
	if !ok {
		return tls.Certificate{}, fmt.Errorf("pkcs12 bundle %s: unsupported private key type %T", path, key)
	}
	pub, ok := leaf.PublicKey.(interface{ Equal(crypto.PublicKey) bool })
	if !ok || !pub.Equal(signer.Public()) {
		return tls.Certificate{}, fmt.Errorf("pkcs12 bundle %s: private key does not match certificate", path)
	}

	cert := tls.Certificate{
		Certificate: [][]byte{leaf.Raw},
		PrivateKey:  key,
		Leaf:        leaf,
	}
	for _, ca := range chain {
		cert.Certificate = append(cert.Certificate, ca.Raw)
	}
	return cert, nil
}

func (StdBackend) SystemRoots() (*x509.CertPool, error) {
	return x509.SystemCertPool()
}

// --------------------------------------------------------------------------
// Trust Store
// --------------------------------------------------------------------------

// loadTrustStore builds a pool from caFile and/or every PEM file in caPath
func loadTrustStore(caFile, caPath string) (*x509.CertPool, error) {
	const op = "tlsctx.loadTrustStore"
	pool := x509.NewCertPool()

	if caFile != "" {
		data, err := os.ReadFile(caFile)
		if err != nil {
			return nil, common.Configuration(op, fmt.Sprintf("cannot read CA file %s", caFile), err)
		}
		if !pool.AppendCertsFromPEM(data) {
			return nil, common.Configuration(op, fmt.Sprintf("CA file %s contains no PEM certificates", caFile), nil)
		}
	}

	if caPath != "" {
		entries, err := os.ReadDir(caPath)
		if err != nil {
			return nil, common.Configuration(op, fmt.Sprintf("cannot read CA directory %s", caPath), err)
		}
		loaded := 0
		for _, entry := range entries {
			if !entry.Type().IsRegular() {
				continue
			}
			data, err := os.ReadFile(filepath.Join(caPath, entry.Name()))
			if err != nil {
				Logger.Warningf("Skipping unreadable CA file %s: %v", entry.Name(), err)
				continue
			}
			if pool.AppendCertsFromPEM(data) {
				loaded++
			}
		}
		if loaded == 0 {
			return nil, common.Configuration(op, fmt.Sprintf("CA directory %s contains no PEM certificates", caPath), nil)
		}
	}

	return pool, nil
}
