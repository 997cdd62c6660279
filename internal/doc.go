// Package internal contains the core implementation packages for previewd.
//
// This package follows Go's internal package convention, making these
// packages unavailable for import by external modules while providing all
// the functionality behind the previewd daemon and CLI.
//
// # Package Organization
//
// The internal packages are organized by functional domain:
//
//   - api: management HTTP API the IDE talks to (register, list, rebuild)
//   - config: daemon configuration with defaults, env overrides, validation
//   - debounce: per-project coalescing of file events into change batches
//   - errors: structured error taxonomy shared by every package
//   - hub: bounded-mailbox broadcast of preview messages over WebSocket
//   - logging: slog-backed structured logging with optional file rotation
//   - project: descriptor validation and the registered Project type
//   - rebuild: compile-step scheduling with one running job per project
//   - registry: session lifecycle tying watcher, scheduler, server, and hub
//   - scaffolding: starter files written by the init command
//   - security: path normalization and root-confinement checks
//   - server: per-project HTTP server (static files, proxy, reload client)
//   - version: build metadata stamped at link time
//   - watcher: file system monitoring feeding the debouncer
//
// # Data Flow
//
// Each registered project runs an independent pipeline:
//
//	watcher -> debounce -> rebuild -> hub
//
// The watcher turns OS notifications into change events, the debouncer
// coalesces them into batches, the scheduler runs the optional compile step
// with at most one job in flight, and the hub fans results out to preview
// channels. The per-project server serves the root directory and injects the
// reload client into HTML; the registry owns the lifecycle of all of it.
//
// # Error Handling
//
// Packages return structured errors from the errors package. Failures are
// confined to the session they belong to: a broken watcher or a failing
// compile step degrades one project and never the registry.
package internal
