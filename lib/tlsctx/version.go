package tlsctx

import (
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/ValentinKolb/dIO/common"
)

// Version is the minimum TLS protocol version of a context.
// The zero value is VersionDefault.
type Version int

// TLS version constants.
const (
	// VersionDefault lets the backend choose its default range
	VersionDefault Version = iota
	VersionSSLv3
	VersionTLSv1
	VersionTLSv1_1
	VersionTLSv1_2
	VersionTLSv1_3
)

// versionNames is the canonical spelling of each version
var versionNames = map[Version]string{
	VersionDefault: "Default",
	VersionSSLv3:   "SSLv3",
	VersionTLSv1:   "TLSv1",
	VersionTLSv1_1: "TLSv1_1",
	VersionTLSv1_2: "TLSv1_2",
	VersionTLSv1_3: "TLSv1_3",
}

// versionAliases maps lower-cased spellings to versions
var versionAliases = map[string]Version{
	"":        VersionDefault,
	"default": VersionDefault,
	"auto":    VersionDefault,
	"sslv3":   VersionSSLv3,
	"ssl3":    VersionSSLv3,
	"tlsv1":   VersionTLSv1,
	"tls1":    VersionTLSv1,
	"tls10":   VersionTLSv1,
	"tls1.0":  VersionTLSv1,
	"tlsv1_1": VersionTLSv1_1,
	"tls11":   VersionTLSv1_1,
	"tls1.1":  VersionTLSv1_1,
	"tlsv1_2": VersionTLSv1_2,
	"tls12":   VersionTLSv1_2,
	"tls1.2":  VersionTLSv1_2,
	"tlsv1_3": VersionTLSv1_3,
	"tls13":   VersionTLSv1_3,
	"tls1.3":  VersionTLSv1_3,
}

// String returns the canonical name of the version
func (v Version) String() string {
	if name, ok := versionNames[v]; ok {
		return name
	}
	return fmt.Sprintf("Version(%d)", int(v))
}

// IsValid returns true if v is one of the declared versions
func (v Version) IsValid() bool {
	_, ok := versionNames[v]
	return ok
}

// ProtocolVersion returns the crypto/tls constant, 0 for VersionDefault
func (v Version) ProtocolVersion() uint16 {
	switch v {
	case VersionSSLv3:
		return 0x0300
	case VersionTLSv1:
		return tls.VersionTLS10
	case VersionTLSv1_1:
		return tls.VersionTLS11
	case VersionTLSv1_2:
		return tls.VersionTLS12
	case VersionTLSv1_3:
		return tls.VersionTLS13
	default:
		return 0
	}
}

// ParseVersion parses a version name (e.g. "TLSv1_2", "tls1.3", "default")
func ParseVersion(s string) (Version, error) {
	if v, ok := versionAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return v, nil
	}
	return VersionDefault, common.Configuration("tlsctx.ParseVersion", fmt.Sprintf("unknown TLS version %q", s), nil)
}

// VersionFromCode converts the numeric wire codes used by other CRT bindings
// (SSLv3=0 ... TLSv1_3=4, Default=128) into a Version
func VersionFromCode(code int) (Version, error) {
	switch code {
	case 0:
		return VersionSSLv3, nil
	case 1:
		return VersionTLSv1, nil
	case 2:
		return VersionTLSv1_1, nil
	case 3:
		return VersionTLSv1_2, nil
	case 4:
		return VersionTLSv1_3, nil
	case 128:
		return VersionDefault, nil
	default:
		return VersionDefault, common.Configuration("tlsctx.VersionFromCode", fmt.Sprintf("unknown TLS version code %d", code), nil)
	}
}

// MarshalText implements encoding.TextMarshaler
func (v Version) MarshalText() ([]byte, error) {
	if !v.IsValid() {
		return nil, common.Configuration("tlsctx.Version.MarshalText", fmt.Sprintf("invalid TLS version %d", int(v)), nil)
	}
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (v *Version) UnmarshalText(text []byte) error {
	parsed, err := ParseVersion(string(text))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
