// Package common provides the data structures and utilities shared by every
// dIO package. It defines the error taxonomy, configuration structures and
// the logging setup used by the event loop group, the bootstraps and the TLS
// context compiler.
//
// The package focuses on:
//   - A small, closed error taxonomy that callers match with errors.Is
//   - Configuration structures for loop groups, clients and servers
//   - Custom logging implementation integrated with Dragonboat's logger facade
//
// Key Components:
//
//   - Error: Typed error carrying a Kind (resource exhaustion, invalid state,
//     configuration, platform unsupported), the failing operation and an
//     optional cause. Matches both its kind sentinel and its cause.
//
//   - GroupConfig, ClientConfig, ServerConfig: Configuration values built by
//     the command line layer. Each provides a String method that renders a
//     human-readable overview.
//
//   - Logger: Zap-backed implementation of Dragonboat's ILogger. Every package
//     obtains its logger with logger.GetLogger and InitLoggers switches the
//     factory and level for all of them at once.
package common
