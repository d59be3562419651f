package delivery

import (
	"fmt"
)

// Status is a delivery record's position in its lifecycle.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSent       Status = "sent"
	StatusDelivered  Status = "delivered"
	StatusRead       Status = "read"
	StatusResponded  Status = "responded"
	StatusFailed     Status = "failed"
)

// ErrIllegalTransition is wrapped by Transition for every rejected move.
var ErrIllegalTransition = fmt.Errorf("illegal delivery status transition")

// transitions is the whole state machine. Moves are forward-only; the one
// loop-back is processing -> pending, which is how a transient dispatch
// failure re-queues a record for retry.
var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing},
	StatusProcessing: {StatusSent, StatusPending, StatusFailed},
	// A read receipt or an inbound reply can overtake the delivery ack, so
	// sent may jump straight to read or responded.
	StatusSent:      {StatusDelivered, StatusRead, StatusResponded},
	StatusDelivered: {StatusRead, StatusResponded},
	StatusRead:      {StatusResponded},
	StatusResponded: {},
	StatusFailed:    {},
}

// Transition validates a status move. Every status mutation in the ledger
// goes through this single function so the lifecycle invariant is checked
// in one place instead of scattered across conditional updates.
func Transition(from, to Status) error {
	for _, next := range transitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
}

// Terminal reports whether the dispatch and reply pipelines are done with
// a record in this status.
func (s Status) Terminal() bool {
	return s == StatusResponded || s == StatusFailed
}

// CanReceiveReply reports whether an inbound reply may attach to a record
// in this status.
func (s Status) CanReceiveReply() bool {
	return s == StatusSent || s == StatusDelivered || s == StatusRead
}
