// Package backend declares the contract the chat core requires from the
// hosted backend: a relational query surface, a realtime change feed, and
// the current user's identity. The core never talks to a vendor SDK
// directly; everything arrives through these interfaces already narrowed
// into the typed records in internal/models.
package backend

import (
	"context"
	"errors"

	"chat-core/internal/models"
)

// ErrNotFound is returned by Conversation for ids the backend does not know.
var ErrNotFound = errors.New("not found")

// Querier is the request/response surface of the backend.
type Querier interface {
	// Conversations returns every conversation the user participates in,
	// with participants, denormalized last message and unread count.
	Conversations(ctx context.Context, userID string) ([]models.Conversation, error)

	// Conversation fetches a single conversation, for deep links into
	// conversations not present in the bulk list.
	Conversation(ctx context.Context, id string) (*models.Conversation, error)

	// Messages returns up to limit messages strictly older than beforeID
	// (or the newest page when beforeID is empty), newest first.
	Messages(ctx context.Context, conversationID string, limit int, beforeID string) ([]models.Message, error)

	// InsertMessage persists a draft and returns the confirmed row with its
	// server-assigned id and timestamps.
	InsertMessage(ctx context.Context, conversationID, senderID string, draft models.Draft) (*models.Message, error)

	// UpdateMessage applies an edit or soft delete to an existing row.
	UpdateMessage(ctx context.Context, messageID string, patch models.MessagePatch) error

	// MarkRead advances the user's read position to the newest message in
	// the conversation.
	MarkRead(ctx context.Context, conversationID, userID string) error

	// SetTyping upserts the user's typing indicator for the conversation.
	SetTyping(ctx context.Context, conversationID, userID string, isTyping bool) error

	// TypingUsers returns the authoritative set of currently-typing users.
	TypingUsers(ctx context.Context, conversationID string) ([]models.TypingIndicator, error)
}

type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
	EventTyping EventType = "typing"
)

// Event is one row-level change delivered by the feed. Insert events carry
// the full message; update events carry the message id and a patch; typing
// events carry neither (the receiver re-fetches the authoritative set).
type Event struct {
	Type           EventType
	ConversationID string
	Message        *models.Message
	MessageID      string
	Patch          *models.MessagePatch
}

// Subscription is a handle on an active change-feed subscription.
type Subscription interface {
	// Unsubscribe tears the subscription down synchronously. Safe to call
	// more than once.
	Unsubscribe()
}

// ChangeFeed delivers row-level events for a conversation, in backend commit
// order, at least once. Duplicate delivery must be tolerated downstream.
// Feed failures after a successful Subscribe are reported through onError;
// the feed does not retry on the caller's behalf.
type ChangeFeed interface {
	Subscribe(ctx context.Context, conversationID string, onEvent func(Event), onError func(error)) (Subscription, error)
}

// Identity supplies the current user, used to stamp senderId and to tell
// own messages from peers' for read-state purposes.
type Identity interface {
	CurrentUser() models.User
}

// StaticIdentity is an Identity fixed at construction time, e.g. decoded
// from a session token.
type StaticIdentity struct {
	User models.User
}

func (s StaticIdentity) CurrentUser() models.User { return s.User }
