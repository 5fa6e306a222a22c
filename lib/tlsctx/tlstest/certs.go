// Package tlstest generates throw-away certificate fixtures for tests.
package tlstest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"software.sslmate.com/src/go-pkcs12"
)

// PKCS12Password protects the generated PKCS12 bundles
const PKCS12Password = "dio-test"

// Certificates is a CA plus a server and a client certificate signed by it, written to Dir
type Certificates struct {
	Dir string

	CACert *x509.Certificate
	caKey  *ecdsa.PrivateKey

	// CAFile is the PEM encoded CA certificate
	CAFile string

	ServerCertFile string
	ServerKeyFile  string
	ServerPKCS12   string

	ClientCertFile string
	ClientKeyFile  string
	ClientPKCS12   string

	// ServerSerial is the serial number of the current server certificate
	ServerSerial *big.Int
}

// Generate creates fresh fixtures in dir. The server certificate is valid
// for localhost, 127.0.0.1 and ::1.
func Generate(dir string) (*Certificates, error) {
	c := &Certificates{
		Dir:            dir,
		CAFile:         filepath.Join(dir, "ca.pem"),
		ServerCertFile: filepath.Join(dir, "server.pem"),
		ServerKeyFile:  filepath.Join(dir, "server-key.pem"),
		ServerPKCS12:   filepath.Join(dir, "server.p12"),
		ClientCertFile: filepath.Join(dir, "client.pem"),
		ClientKeyFile:  filepath.Join(dir, "client-key.pem"),
		ClientPKCS12:   filepath.Join(dir, "client.p12"),
	}

	if err := c.generateCA(); err != nil {
		return nil, fmt.Errorf("failed to generate CA: %w", err)
	}
	if err := c.ReissueServer(); err != nil {
		return nil, fmt.Errorf("failed to generate server certificate: %w", err)
	}
	if _, err := c.issue("dio-test-client", x509.ExtKeyUsageClientAuth, c.ClientCertFile, c.ClientKeyFile, c.ClientPKCS12); err != nil {
		return nil, fmt.Errorf("failed to generate client certificate: %w", err)
	}
	return c, nil
}

// MustGenerate creates fixtures in a temporary directory of t
func MustGenerate(t testing.TB) *Certificates {
	t.Helper()
	c, err := Generate(t.TempDir())
	if err != nil {
		t.Fatalf("tlstest: %v", err)
	}
	return c
}

// ReissueServer replaces the server certificate, key and PKCS12 bundle with new ones
func (c *Certificates) ReissueServer() error {
	serial, err := c.issue("localhost", x509.ExtKeyUsageServerAuth, c.ServerCertFile, c.ServerKeyFile, c.ServerPKCS12)
	if err != nil {
		return err
	}
	c.ServerSerial = serial
	return nil
}

func (c *Certificates) generateCA() error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return err
	}
	serial, err := newSerial()
	if err != nil {
		return err
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "dio-test-ca", Organization: []string{"dIO"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return err
	}

	c.CACert = cert
	c.caKey = key
	return writePEM(c.CAFile, "CERTIFICATE", der)
}

// issue signs a leaf certificate and writes it as PEM pair and PKCS12 bundle
func (c *Certificates) issue(cn string, usage x509.ExtKeyUsage, certFile, keyFile, p12File string) (*big.Int, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	serial, err := newSerial()
	if err != nil {
		return nil, err
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: cn, Organization: []string{"dIO"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{usage},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1"), net.IPv6loopback},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, c.CACert, &key.PublicKey, c.caKey)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, err
	}

	if err := writePEM(certFile, "CERTIFICATE", der); err != nil {
		return nil, err
	}
	if err := writePEM(keyFile, "PRIVATE KEY", keyDER); err != nil {
		return nil, err
	}

	pfx, err := pkcs12.Modern.Encode(key, cert, []*x509.Certificate{c.CACert}, PKCS12Password)
	if err != nil {
		return nil, fmt.Errorf("failed to encode pkcs12: %w", err)
	}
	if err := writeAtomic(p12File, pfx); err != nil {
		return nil, err
	}
	return serial, nil
}

func newSerial() (*big.Int, error) {
	return rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
}

func writePEM(path, blockType string, der []byte) error {
	return writeAtomic(path, pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der}))
}

// writeAtomic replaces path in one rename so watchers never see a half written file
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
