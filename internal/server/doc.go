// Package server implements the chatrelay core: a connection registry and
// room directory behind a dispatching hub, the WebSocket transport feeding
// it, and the HTTP surface around both.
//
// The implementation is organized into specialized files for configuration,
// the hub, clients, the event protocol, dispatching, and HTTP handlers to
// keep the codebase maintainable and testable as the project grows.
package server
