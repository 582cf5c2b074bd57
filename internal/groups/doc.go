// Package groups implements the membership coordination engine: group
// aggregates are read-modify-written through a Store, and every
// operation yields a batch of addressed responses for the transport to
// fan out.
package groups
