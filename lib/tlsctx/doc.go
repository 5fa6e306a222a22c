// Package tlsctx describes and compiles TLS configurations.
//
// A TLS configuration is built in two steps. First an Options value is
// assembled, usually through one of the named constructors (NewClientMTLS,
// NewServerMTLSPKCS12, ...) and the copy-on-write modifiers. No file is
// touched in this step. Then the options are compiled into a Context, which
// loads the identity and trust store, checks the capabilities of the TLS
// backend and freezes the result.
//
// The package focuses on:
//   - Options as plain values: copying is cheap and a compiled Context can
//     never observe later modifications
//   - Compilation failures as typed errors (common.ErrConfiguration, wrapping
//     common.ErrPlatformUnsupported where a backend capability is missing)
//   - Immutable contexts that hand out private *tls.Config clones
//
// Key Components:
//
//   - Options / FileOptions: The in-memory description and its flat form for
//     YAML files and flags. FileOptions.Build rejects combinations Options
//     cannot express, e.g. a PEM and a PKCS12 identity at the same time.
//
//   - Compiler / Context: Compiler runs the compilation once and remembers
//     its outcome. NewClientContext and NewServerContext are shortcuts.
//
//   - Backend: Injection point for the TLS implementation. StdBackend uses
//     crypto/tls and software.sslmate.com/src/go-pkcs12.
//
//   - Watcher: Recompiles a new Context when referenced files change
//     (github.com/fsnotify/fsnotify).
//
//   - IsALPNAvailable: Capability probe of the default backend.
//
// Usage:
//
//	opts, err := tlsctx.NewClientMTLS("client.pem", "client-key.pem")
//	if err != nil {
//		return err
//	}
//	opts = opts.OverrideDefaultTrustStore("", "ca.pem").WithALPN("h2", "http/1.1")
//
//	ctx, err := tlsctx.NewClientContext(opts)
//	if err != nil {
//		return err
//	}
//	conn := tls.Client(raw, ctx.ClientConfig("example.com"))
package tlsctx
