package protocol

import "sync/atomic"

// Sequencer stamps events belonging to a single command's correlation
// with strictly increasing sequence numbers, starting at 0 for the
// leading ack.
type Sequencer struct {
	correlationID string
	next          int64
}

// NewSequencer returns a Sequencer for the given command id.
func NewSequencer(correlationID string) *Sequencer {
	return &Sequencer{correlationID: correlationID}
}

// Stamp assigns the next sequence number to e and sets its correlation id.
func (s *Sequencer) Stamp(e Event) Event {
	seq := int(atomic.AddInt64(&s.next, 1) - 1)
	return e.Correlated(s.correlationID, seq)
}
