package models

import "time"

// TypingIndicator is ephemeral: most recent wins, and the client drops it
// after a local timeout even without a stop event.
type TypingIndicator struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	Username       *string   `json:"username,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}
