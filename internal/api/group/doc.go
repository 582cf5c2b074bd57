// Package group defines the group membership aggregate shared by the
// server coordinator, the wire protocol, and the client.
package group
