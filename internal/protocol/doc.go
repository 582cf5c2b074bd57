// Package protocol defines the wire messages exchanged between clients
// and the relay, the CBOR framing that switches between plaintext
// handshake packets and per-recipient encrypted packets, and the batch
// fan-out the group coordinator hands back to the transport.
package protocol
