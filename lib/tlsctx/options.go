package tlsctx

import (
	"fmt"
	"slices"
	"strings"

	"github.com/ValentinKolb/dIO/common"
)

// --------------------------------------------------------------------------
// Options
// --------------------------------------------------------------------------

// Options is the description of a TLS context before compilation.
//
// Options is a plain value: assigning it or passing it to a function copies it,
// and every With... modifier returns a new value. Nothing here touches the
// filesystem, paths are only checked when a context is compiled.
type Options struct {
	// MinVersion is the lowest protocol version that is negotiated
	MinVersion Version
	// CAFile is a PEM bundle that replaces the platform trust store
	CAFile string
	// CAPath is a directory of PEM certificates that replaces the platform trust store
	CAPath string
	// ALPN is the ordered list of application protocols to offer
	ALPN []string
	// Identity is the certificate presented to the peer, nil for none
	Identity Identity
	// VerifyPeer requires and verifies the peer certificate
	VerifyPeer bool
}

// NewClientDefault returns options for a client that verifies the server against the platform trust store
func NewClientDefault() Options {
	return Options{VerifyPeer: true}
}

// NewClientMTLS returns options for a mutual-TLS client presenting a PEM certificate and key
func NewClientMTLS(certPath, keyPath string) (Options, error) {
	id, err := newPEMIdentity("tlsctx.NewClientMTLS", certPath, keyPath)
	if err != nil {
		return Options{}, err
	}
	return Options{Identity: id, VerifyPeer: true}, nil
}

// NewClientMTLSPKCS12 returns options for a mutual-TLS client presenting a PKCS12 bundle
func NewClientMTLSPKCS12(path, password string) (Options, error) {
	id, err := newPKCS12Identity("tlsctx.NewClientMTLSPKCS12", path, password)
	if err != nil {
		return Options{}, err
	}
	return Options{Identity: id, VerifyPeer: true}, nil
}

// NewServerMTLS returns options for a server presenting a PEM certificate and key.
// Client certificates are not requested until VerifyPeer is enabled.
func NewServerMTLS(certPath, keyPath string) (Options, error) {
	id, err := newPEMIdentity("tlsctx.NewServerMTLS", certPath, keyPath)
	if err != nil {
		return Options{}, err
	}
	return Options{Identity: id, VerifyPeer: false}, nil
}

// NewServerMTLSPKCS12 returns options for a server presenting a PKCS12 bundle
func NewServerMTLSPKCS12(path, password string) (Options, error) {
	id, err := newPKCS12Identity("tlsctx.NewServerMTLSPKCS12", path, password)
	if err != nil {
		return Options{}, err
	}
	return Options{Identity: id, VerifyPeer: false}, nil
}

func newPEMIdentity(op, certPath, keyPath string) (PEMIdentity, error) {
	if certPath == "" {
		return PEMIdentity{}, common.Configuration(op, "certificate path is empty", nil)
	}
	if keyPath == "" {
		return PEMIdentity{}, common.Configuration(op, "private key path is empty", nil)
	}
	return PEMIdentity{CertificatePath: certPath, PrivateKeyPath: keyPath}, nil
}

func newPKCS12Identity(op, path, password string) (PKCS12Identity, error) {
	if path == "" {
		return PKCS12Identity{}, common.Configuration(op, "pkcs12 path is empty", nil)
	}
	return PKCS12Identity{Path: path, Password: password}, nil
}

// --------------------------------------------------------------------------
// Modifiers
// --------------------------------------------------------------------------

// OverrideDefaultTrustStore returns a copy whose trust store is exactly caPath and caFile.
// Calling it again replaces the previous override, empty strings clear it.
func (o Options) OverrideDefaultTrustStore(caPath, caFile string) Options {
	out := o.Clone()
	out.CAPath = caPath
	out.CAFile = caFile
	return out
}

// WithALPN returns a copy offering the given protocols in order
func (o Options) WithALPN(protocols ...string) Options {
	out := o.Clone()
	out.ALPN = slices.Clone(protocols)
	return out
}

// WithMinVersion returns a copy with the given minimum version
func (o Options) WithMinVersion(v Version) Options {
	out := o.Clone()
	out.MinVersion = v
	return out
}

// WithVerifyPeer returns a copy with peer verification switched on or off
func (o Options) WithVerifyPeer(verify bool) Options {
	out := o.Clone()
	out.VerifyPeer = verify
	return out
}

// WithIdentity returns a copy presenting id (nil removes the identity)
func (o Options) WithIdentity(id Identity) Options {
	out := o.Clone()
	out.Identity = id
	return out
}

// Clone returns a deep copy of the options
func (o Options) Clone() Options {
	out := o
	out.ALPN = slices.Clone(o.ALPN)
	return out
}

// HasTrustStoreOverride reports whether the platform trust store is replaced
func (o Options) HasTrustStoreOverride() bool {
	return o.CAFile != "" || o.CAPath != ""
}

// Files returns every path the options reference
func (o Options) Files() []string {
	var files []string
	if o.Identity != nil {
		files = append(files, o.Identity.Files()...)
	}
	if o.CAFile != "" {
		files = append(files, o.CAFile)
	}
	if o.CAPath != "" {
		files = append(files, o.CAPath)
	}
	return files
}

// ParseALPNList splits a ';' separated protocol list ("h2;http/1.1"), dropping empty entries
func ParseALPNList(list string) []string {
	var protocols []string
	for _, p := range strings.Split(list, ";") {
		if p = strings.TrimSpace(p); p != "" {
			protocols = append(protocols, p)
		}
	}
	return protocols
}

// String returns a human-readable representation of the options, secrets are redacted
func (o Options) String() string {
	var sb strings.Builder

	addField := func(name string, value any) {
		sb.WriteString(fmt.Sprintf("  %-16s %v\n", name+":", value))
	}

	sb.WriteString("TLS Options:\n")
	addField("Min Version", o.MinVersion)
	if o.Identity != nil {
		addField("Identity", o.Identity)
	} else {
		addField("Identity", "(none)")
	}
	addField("Verify Peer", o.VerifyPeer)
	addField("CA File", orNone(o.CAFile))
	addField("CA Path", orNone(o.CAPath))
	if len(o.ALPN) > 0 {
		addField("ALPN", strings.Join(o.ALPN, ";"))
	} else {
		addField("ALPN", "(none)")
	}

	return sb.String()
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
