package models

import "github.com/google/uuid"

// Realtime event type names published on per-user channels. The call request
// events are the persisted-state change notifications the lifecycle
// controller treats as ground truth; everything a signal envelope carries is
// only acceleration on top of these.
const (
	EventReady             = "READY"
	EventMessageCreate     = "MESSAGE_CREATE"
	EventCallRequestCreate = "CALL_REQUEST_CREATE"
	EventCallRequestUpdate = "CALL_REQUEST_UPDATE"
	EventPresenceUpdate    = "PRESENCE_UPDATE"
)

// ReadyEvent is sent when a client connects, carrying all initial state.
type ReadyEvent struct {
	User          *User                  `json:"user"`
	Conversations []*ConversationSummary `json:"conversations"`
	PendingCalls  []*CallRequest         `json:"pending_calls"`
}

type MessageCreateEvent struct {
	Message        *Message  `json:"message"`
	ConversationID uuid.UUID `json:"conversation_id"`
}

// CallRequestEvent wraps an insert or update of a call request record.
type CallRequestEvent struct {
	Call *CallRequest `json:"call"`
}

type PresenceUpdateEvent struct {
	UserID uuid.UUID `json:"user_id"`
	Status string    `json:"status"`
}
