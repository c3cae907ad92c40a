package models

import (
	"time"

	"github.com/google/uuid"
)

// Message content limits, enforced both client-side (before any network
// call) and by the persistence layer.
const (
	MessageMinLen = 1
	MessageMaxLen = 4000
)

// Message ids are server-assigned positive integers. The message sync engine
// uses negative ids for optimistic placeholders that have not been persisted
// yet; a persisted message never carries one.
type Message struct {
	ID             int64     `json:"id" db:"id"`
	ConversationID uuid.UUID `json:"conversation_id" db:"conversation_id"`
	SenderID       uuid.UUID `json:"sender_id" db:"sender_id"`
	Content        string    `json:"content" db:"content"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`

	// Joined fields
	Sender      *User         `json:"sender,omitempty"`
	Attachments []*Attachment `json:"attachments,omitempty"`
}

// Pending reports whether this is an optimistic placeholder awaiting its
// server-assigned id.
func (m *Message) Pending() bool { return m.ID < 0 }

type Attachment struct {
	ID        int64     `json:"id" db:"id"`
	MessageID *int64    `json:"message_id" db:"message_id"`
	Type      string    `json:"type" db:"type"` // "image", "file"
	URL       string    `json:"url" db:"url"`
	Filename  string    `json:"filename" db:"filename"`
	Size      int64     `json:"size" db:"size"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type Conversation struct {
	ID        uuid.UUID `json:"id" db:"id"`
	Type      string    `json:"type" db:"type"` // "dm" or "group"
	Name      *string   `json:"name" db:"name"`
	AvatarURL *string   `json:"avatar_url" db:"avatar_url"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`

	// Joined fields
	Participants []*User  `json:"participants,omitempty"`
	LastMessage  *Message `json:"last_message,omitempty"`
}

// ConversationSummary is the list-view projection: preview of the latest
// message, latest-activity timestamp for sorting, unread counter.
type ConversationSummary struct {
	ID             uuid.UUID `json:"id"`
	Type           string    `json:"type"`
	Name           *string   `json:"name"`
	AvatarURL      *string   `json:"avatar_url"`
	Participants   []*User   `json:"participants"`
	LastMessage    *Message  `json:"last_message"`
	LastActivityAt time.Time `json:"last_activity_at"`
	Unread         int       `json:"unread"`
}

// Request DTOs
type SendMessageRequest struct {
	Content       string  `json:"content" validate:"required,min=1,max=4000"`
	AttachmentIDs []int64 `json:"attachment_ids,omitempty"`
}

type CreateDMRequest struct {
	UserID string `json:"user_id" validate:"required,uuid"`
}

type CreateGroupRequest struct {
	Name           string   `json:"name" validate:"required,max=100"`
	ParticipantIDs []string `json:"participant_ids" validate:"required,min=1,dive,uuid"`
}
