package models

import "time"

type ConversationType string

const (
	ConversationDirect ConversationType = "direct"
	ConversationGroup  ConversationType = "group"
)

func (t ConversationType) Valid() bool {
	return t == ConversationDirect || t == ConversationGroup
}

type Conversation struct {
	ID            string           `json:"id"`
	Type          ConversationType `json:"type"`
	Name          *string          `json:"name"`
	AvatarURL     *string          `json:"avatar_url"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
	LastMessageAt *time.Time       `json:"last_message_at"`
	Participants  []Participant    `json:"participants,omitempty"`
	LastMessage   *Message         `json:"last_message,omitempty"`
	UnreadCount   int              `json:"unread_count"`
}

type Participant struct {
	ConversationID string     `json:"conversation_id"`
	UserID         string     `json:"user_id"`
	Username       *string    `json:"username,omitempty"`
	AvatarURL      *string    `json:"avatar_url,omitempty"`
	JoinedAt       time.Time  `json:"joined_at"`
	LeftAt         *time.Time `json:"left_at,omitempty"`
}

// DisplayName returns the conversation name shown to viewerID. Direct
// conversations have no name of their own and borrow the other
// participant's.
func (c *Conversation) DisplayName(viewerID string) string {
	if c.Type == ConversationGroup {
		if c.Name != nil {
			return *c.Name
		}
		return ""
	}
	if other := c.OtherParticipant(viewerID); other != nil && other.Username != nil {
		return *other.Username
	}
	return ""
}

// DisplayAvatar mirrors DisplayName for the avatar URL.
func (c *Conversation) DisplayAvatar(viewerID string) *string {
	if c.Type == ConversationGroup {
		return c.AvatarURL
	}
	if other := c.OtherParticipant(viewerID); other != nil {
		return other.AvatarURL
	}
	return nil
}

// OtherParticipant returns the participant that is not viewerID, or nil.
// Only meaningful for direct conversations.
func (c *Conversation) OtherParticipant(viewerID string) *Participant {
	for i := range c.Participants {
		if c.Participants[i].UserID != viewerID {
			return &c.Participants[i]
		}
	}
	return nil
}

type User struct {
	ID       string  `json:"id"`
	Username *string `json:"username,omitempty"`
}
