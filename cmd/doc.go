// Package cmd implements the dio command-line interface. It exposes the
// event loop group, the bootstraps and the TLS contexts of dIO.
//
// The package is organized into several subpackages:
//
//   - probe: Reports the capabilities of the TLS backend (e.g. ALPN)
//   - connect: Opens client connections and optionally exchanges a message
//   - serve: Runs an echo server, optionally with TLS and metrics
//   - perf: Measures connect and handshake latency against a server
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// All flags can also be set through environment variables with the DIO_
// prefix (e.g. DIO_TLS_CA_FILE), .env and .env.local files are loaded first.
//
// See dio -help for a list of all commands.
package cmd
