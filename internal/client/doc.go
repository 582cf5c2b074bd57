// Package client implements the relay-facing side of the protocol: the
// identification and trust handshake, session establishment against the
// platform credential, and the group operations available afterwards.
package client
