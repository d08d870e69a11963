package models

import (
	"strings"
	"time"
)

type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageVideo MessageType = "video"
	MessageVoice MessageType = "voice"
	MessageFile  MessageType = "file"
)

// TempIDPrefix marks client-generated ids on optimistic messages. Temporary
// ids are never persisted and are replaced by the server id on confirmation.
const TempIDPrefix = "temp-"

func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageVideo, MessageVoice, MessageFile:
		return true
	}
	return false
}

type Message struct {
	ID                string      `json:"id"`
	ConversationID    string      `json:"conversation_id"`
	SenderID          string      `json:"sender_id"`
	Content           *string     `json:"content"`
	MessageType       MessageType `json:"message_type"`
	MediaURL          *string     `json:"media_url,omitempty"`
	MediaThumbnailURL *string     `json:"media_thumbnail_url,omitempty"`
	FileName          *string     `json:"file_name,omitempty"`
	FileSize          *int64      `json:"file_size,omitempty"`
	Duration          *int        `json:"duration,omitempty"`
	ReplyToID         *string     `json:"reply_to_id,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
	DeletedAt         *time.Time  `json:"deleted_at,omitempty"`
	ReadBy            []string    `json:"read_by,omitempty"`

	// IsOptimistic is true only on the sending client before the server
	// confirms the message. Never transmitted.
	IsOptimistic bool `json:"is_optimistic,omitempty"`
}

// IsTemp reports whether the message still carries a client-generated id.
func (m *Message) IsTemp() bool {
	return strings.HasPrefix(m.ID, TempIDPrefix)
}

// Deleted reports whether the message has been soft-deleted. The row stays
// in the cache for ordering and reply threading; its content is withdrawn.
func (m *Message) Deleted() bool {
	return m.DeletedAt != nil
}

// ReadByUser reports whether userID appears in the message's read set.
func (m *Message) ReadByUser(userID string) bool {
	for _, id := range m.ReadBy {
		if id == userID {
			return true
		}
	}
	return false
}

// Before is the total order on messages within a conversation: by created_at,
// ties broken by id.
func (m *Message) Before(other *Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}

// Draft is the client-supplied content of an outgoing message.
type Draft struct {
	Content           *string     `json:"content,omitempty"`
	MessageType       MessageType `json:"message_type"`
	MediaURL          *string     `json:"media_url,omitempty"`
	MediaThumbnailURL *string     `json:"media_thumbnail_url,omitempty"`
	FileName          *string     `json:"file_name,omitempty"`
	FileSize          *int64      `json:"file_size,omitempty"`
	Duration          *int        `json:"duration,omitempty"`
	ReplyToID         *string     `json:"reply_to_id,omitempty"`
}

// MessagePatch carries the mutable fields of a message. Nil fields are left
// untouched on merge.
type MessagePatch struct {
	Content   *string    `json:"content,omitempty"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// Apply merges the patch into the message.
func (p MessagePatch) Apply(m *Message) {
	if p.Content != nil {
		m.Content = p.Content
	}
	if p.DeletedAt != nil {
		m.DeletedAt = p.DeletedAt
	}
	if p.UpdatedAt != nil {
		m.UpdatedAt = *p.UpdatedAt
	}
}
