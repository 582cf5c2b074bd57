// Package server hosts the coordination relay: a websocket listener, a
// registry of live identified sessions, and the dispatcher that drives
// the handshake and routes established-session traffic to handlers.
package server
