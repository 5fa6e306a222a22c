package tlsctx

import "fmt"

// IdentityKind discriminates the identity variants
type IdentityKind int

const (
	IdentityNone IdentityKind = iota
	IdentityPEM
	IdentityPKCS12
)

// String returns the string representation of the identity kind
func (k IdentityKind) String() string {
	switch k {
	case IdentityPEM:
		return "pem"
	case IdentityPKCS12:
		return "pkcs12"
	default:
		return "none"
	}
}

// Identity is the certificate and private key a context presents to its peer.
// It is a closed union: PEMIdentity or PKCS12Identity.
type Identity interface {
	// Kind returns the variant of the identity
	Kind() IdentityKind
	// Files returns the paths the identity is loaded from
	Files() []string
	// String returns a description with secrets redacted
	String() string

	isIdentity()
}

// PEMIdentity is a certificate chain and private key stored as two PEM files
type PEMIdentity struct {
	CertificatePath string
	PrivateKeyPath  string
}

func (PEMIdentity) isIdentity() {}

// Kind returns IdentityPEM
func (PEMIdentity) Kind() IdentityKind { return IdentityPEM }

// Files returns the certificate and key paths
func (i PEMIdentity) Files() []string { return []string{i.CertificatePath, i.PrivateKeyPath} }

func (i PEMIdentity) String() string {
	return fmt.Sprintf("pem(cert=%s, key=%s)", i.CertificatePath, i.PrivateKeyPath)
}

// PKCS12Identity is a password protected PKCS12 bundle
type PKCS12Identity struct {
	Path     string
	Password string
}

func (PKCS12Identity) isIdentity() {}

// Kind returns IdentityPKCS12
func (PKCS12Identity) Kind() IdentityKind { return IdentityPKCS12 }

// Files returns the bundle path
func (i PKCS12Identity) Files() []string { return []string{i.Path} }

func (i PKCS12Identity) String() string {
	return fmt.Sprintf("pkcs12(path=%s, password=%s)", i.Path, redact(i.Password))
}

func redact(secret string) string {
	if secret == "" {
		return "(none)"
	}
	return "****"
}
