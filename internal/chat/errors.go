package chat

import (
	"fmt"

	"chat-core/internal/backend"
)

// ErrNotFound is returned by Resolve for unknown conversation ids.
var ErrNotFound = backend.ErrNotFound

// FetchError wraps a transport failure on a read path. The local cache is
// left unchanged; the caller may retry.
type FetchError struct {
	Op  string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Op, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// SendError wraps a failure to persist a sent message. By the time the
// caller sees it the optimistic record has been rolled back; Draft carries
// the original content so the UI can offer a retry.
type SendError struct {
	ConversationID string
	Err            error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to %s: %v", e.ConversationID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// SubscriptionError wraps a realtime channel failure. Cached data is
// unaffected; resubscription policy is the caller's.
type SubscriptionError struct {
	ConversationID string
	Err            error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscription %s: %v", e.ConversationID, e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }
