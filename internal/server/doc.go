// Package server implements the relay: the session registry (hub), the
// per-connection handshake and read loop, broadcast fan-out, eviction, and
// the admin HTTP surface with its WebSocket endpoint.
//
// The implementation is split into files by concern (configuration, hub,
// sessions, rate limiting, HTTP handlers) so each piece stays small and
// testable.
package server
