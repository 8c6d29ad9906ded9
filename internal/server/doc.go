// Package server implements the WebSocket edge of a relay node.
//
// The handshake authenticates the bearer token before a connection is
// registered; an active connection runs a read pump (decode, admit, dispatch)
// and a write pump (send queue, pings, idle checks). The Hub tracks live
// connections for shutdown. Routing and fanout live in the router, registry
// and broker packages.
package server
