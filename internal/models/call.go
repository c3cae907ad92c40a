package models

import (
	"time"

	"github.com/google/uuid"
)

type CallStatus string

const (
	CallPending   CallStatus = "pending"
	CallAccepted  CallStatus = "accepted"
	CallRejected  CallStatus = "rejected"
	CallEnded     CallStatus = "ended"
	CallCancelled CallStatus = "cancelled"
)

// Resolved reports whether the status is terminal. A conversation may hold
// at most one unresolved call request at a time.
func (s CallStatus) Resolved() bool {
	switch s {
	case CallRejected, CallEnded, CallCancelled:
		return true
	}
	return false
}

// CanTransition encodes the status graph: pending may resolve any way or be
// accepted; accepted may only end. Everything else is rejected.
func (s CallStatus) CanTransition(to CallStatus) bool {
	switch s {
	case CallPending:
		return to == CallAccepted || to == CallRejected || to == CallCancelled
	case CallAccepted:
		return to == CallEnded
	}
	return false
}

// CallRequest is the persisted record for one proposed or ongoing 1:1 call.
// Status moves monotonically along the transition graph and the record is
// never deleted.
type CallRequest struct {
	ID             int64      `json:"id" db:"id"`
	ConversationID uuid.UUID  `json:"conversation_id" db:"conversation_id"`
	RequesterID    uuid.UUID  `json:"requester_id" db:"requester_id"`
	AcceptedBy     *uuid.UUID `json:"accepted_by" db:"accepted_by"`
	Status         CallStatus `json:"status" db:"status"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
}

// CounterpartOf returns the other party's identity from the local actor's
// point of view: the accepting party for the requester, the requester
// otherwise.
func (c *CallRequest) CounterpartOf(self uuid.UUID) uuid.UUID {
	if c.RequesterID == self {
		if c.AcceptedBy != nil {
			return *c.AcceptedBy
		}
		return uuid.Nil
	}
	return c.RequesterID
}

// IsParty reports whether the given actor is on either side of the call.
func (c *CallRequest) IsParty(id uuid.UUID) bool {
	if c.RequesterID == id {
		return true
	}
	return c.AcceptedBy != nil && *c.AcceptedBy == id
}

// Request DTOs
type RequestCallDTO struct {
	ConversationID string `json:"conversation_id" validate:"required,uuid"`
}
