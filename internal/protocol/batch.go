package protocol

import "github.com/orsondmc/coordshare/internal/identity"

// Unit addresses one response payload to one destination identity.
// The same Message value may appear in several units; sealing still
// happens per destination at send time.
type Unit struct {
	Message   Message
	Recipient identity.Identity
}

// Batch is an ordered fan-out of response units. The transport resolves
// each unit against the live session registry and silently drops units
// whose recipient has no connection.
type Batch struct {
	units []Unit
}

// NewBatch returns an empty fan-out.
func NewBatch() *Batch { return &Batch{} }

// One returns a fan-out with a single addressed unit.
func One(recipient identity.Identity, msg Message) *Batch {
	b := NewBatch()
	b.Add(recipient, msg)
	return b
}

// Add appends a unit addressed to recipient.
func (b *Batch) Add(recipient identity.Identity, msg Message) {
	b.units = append(b.units, Unit{Message: msg, Recipient: recipient})
}

// Concat merges other's units onto the end of b.
func (b *Batch) Concat(other *Batch) {
	if other == nil {
		return
	}
	b.units = append(b.units, other.units...)
}

// Units returns the units in insertion order.
func (b *Batch) Units() []Unit {
	if b == nil {
		return nil
	}
	return b.units
}

// Len reports the number of units.
func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.units)
}
