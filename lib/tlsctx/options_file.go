package tlsctx

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/ValentinKolb/dIO/common"
	"gopkg.in/yaml.v3"
)

// FileOptions is the flat, serializable form of Options as it appears in
// YAML files, environment variables and command line flags.
//
// Unlike Options it can express a PEM identity and a PKCS12 identity at the
// same time; Build rejects that combination.
type FileOptions struct {
	MinVersion     string `yaml:"min_version" json:"min_version" mapstructure:"min_version"`
	CAFile         string `yaml:"ca_file" json:"ca_file" mapstructure:"ca_file"`
	CAPath         string `yaml:"ca_path" json:"ca_path" mapstructure:"ca_path"`
	ALPN           string `yaml:"alpn" json:"alpn" mapstructure:"alpn"`
	CertFile       string `yaml:"cert_file" json:"cert_file" mapstructure:"cert_file"`
	KeyFile        string `yaml:"key_file" json:"key_file" mapstructure:"key_file"`
	PKCS12File     string `yaml:"pkcs12_file" json:"pkcs12_file" mapstructure:"pkcs12_file"`
	PKCS12Password string `yaml:"pkcs12_password" json:"pkcs12_password" mapstructure:"pkcs12_password"`
	VerifyPeer     *bool  `yaml:"verify_peer" json:"verify_peer" mapstructure:"verify_peer"`
}

// IsZero reports whether nothing is set
func (s FileOptions) IsZero() bool {
	return s == FileOptions{}
}

// Build validates the flat options and converts them into Options.
// defaultVerify is used when VerifyPeer is not set.
func (s FileOptions) Build(defaultVerify bool) (Options, error) {
	const op = "tlsctx.FileOptions.Build"

	version, err := ParseVersion(s.MinVersion)
	if err != nil {
		return Options{}, err
	}

	hasPEM := s.CertFile != "" || s.KeyFile != ""
	hasPKCS12 := s.PKCS12File != "" || s.PKCS12Password != ""

	var id Identity
	switch {
	case hasPEM && hasPKCS12:
		return Options{}, common.Configuration(op, "a PEM identity and a PKCS12 identity are mutually exclusive", nil)
	case hasPEM:
		if id, err = newPEMIdentity(op, s.CertFile, s.KeyFile); err != nil {
			return Options{}, err
		}
	case hasPKCS12:
		if id, err = newPKCS12Identity(op, s.PKCS12File, s.PKCS12Password); err != nil {
			return Options{}, err
		}
	}

	verify := defaultVerify
	if s.VerifyPeer != nil {
		verify = *s.VerifyPeer
	}

	return Options{
		MinVersion: version,
		CAFile:     s.CAFile,
		CAPath:     s.CAPath,
		ALPN:       ParseALPNList(s.ALPN),
		Identity:   id,
		VerifyPeer: verify,
	}, nil
}

// LoadOptionsFile reads a FileOptions from a YAML file. Unknown keys are rejected.
func LoadOptionsFile(path string) (FileOptions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return FileOptions{}, common.Configuration("tlsctx.LoadOptionsFile", fmt.Sprintf("cannot read %s", path), err)
	}
	return ParseOptionsYAML(data)
}

// ParseOptionsYAML decodes a FileOptions from YAML
func ParseOptionsYAML(data []byte) (FileOptions, error) {
	var flat FileOptions

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&flat); err != nil && !errors.Is(err, io.EOF) {
		return FileOptions{}, common.Configuration("tlsctx.ParseOptionsYAML", "invalid TLS options", err)
	}
	return flat, nil
}
