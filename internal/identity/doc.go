// Package identity defines the principal value type shared by the
// wire protocol, the cipher layer, and both ends of a connection.
package identity
