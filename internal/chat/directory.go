package chat

import (
	"context"
	"sort"
	"sync"

	"chat-core/internal/backend"
	"chat-core/internal/models"

	"go.uber.org/zap"
)

// ConversationDirectory caches the current user's conversation list and
// keeps its denormalized summaries (last message, lastMessageAt, unread
// count) in sync with the realtime event stream. The bulk list is fetched
// once; everything after that is deltas.
type ConversationDirectory struct {
	querier  backend.Querier
	identity backend.Identity
	logger   *zap.Logger

	mu     sync.Mutex
	byID   map[string]*models.Conversation
	loaded bool
	active string
	// readConfirmed marks conversations whose zero unread count has already
	// been confirmed to the backend, making MarkRead idempotent. Cleared
	// whenever a new incoming message touches the conversation.
	readConfirmed map[string]bool
}

func NewConversationDirectory(q backend.Querier, id backend.Identity, logger *zap.Logger) *ConversationDirectory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConversationDirectory{
		querier:       q,
		identity:      id,
		logger:        logger,
		byID:          make(map[string]*models.Conversation),
		readConfirmed: make(map[string]bool),
	}
}

// List returns the user's conversations sorted by lastMessageAt descending.
// The first call hits the backend; later calls serve the cache as refined by
// realtime deltas.
func (d *ConversationDirectory) List(ctx context.Context) ([]models.Conversation, error) {
	d.mu.Lock()
	if !d.loaded {
		d.mu.Unlock()
		convs, err := d.querier.Conversations(ctx, d.identity.CurrentUser().ID)
		if err != nil {
			return nil, &FetchError{Op: "conversations", Err: err}
		}
		d.mu.Lock()
		for i := range convs {
			c := convs[i]
			d.byID[c.ID] = &c
		}
		d.loaded = true
	}
	out := d.snapshotLocked()
	d.mu.Unlock()
	return out, nil
}

// Resolve returns the conversation from cache, or fetches it individually
// for deep links into conversations outside the cached list.
func (d *ConversationDirectory) Resolve(ctx context.Context, conversationID string) (*models.Conversation, error) {
	d.mu.Lock()
	if c, ok := d.byID[conversationID]; ok {
		out := *c
		d.mu.Unlock()
		return &out, nil
	}
	d.mu.Unlock()

	c, err := d.querier.Conversation(ctx, conversationID)
	if err != nil {
		if err == backend.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, &FetchError{Op: "conversation", Err: err}
	}

	d.mu.Lock()
	d.byID[c.ID] = c
	out := *c
	d.mu.Unlock()
	return &out, nil
}

// SetActive records which conversation is currently open. Incoming messages
// for the active conversation suppress the unread increment and trigger an
// immediate mark-read instead.
func (d *ConversationDirectory) SetActive(conversationID string) {
	d.mu.Lock()
	d.active = conversationID
	d.mu.Unlock()
}

// ActiveID returns the currently open conversation id, or "".
func (d *ConversationDirectory) ActiveID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// ApplyIncoming folds a batch of peer messages into the conversation
// summary: last carries the new lastMessage, count how many arrived. For
// the active conversation the unread count stays at zero and a mark-read
// confirmation is issued instead.
func (d *ConversationDirectory) ApplyIncoming(conversationID string, last *models.Message, count int) {
	if last == nil || count <= 0 {
		return
	}
	d.mu.Lock()
	c, ok := d.byID[conversationID]
	if !ok {
		d.mu.Unlock()
		d.logger.Debug("incoming message for unlisted conversation",
			zap.String("conversation_id", conversationID))
		return
	}
	c.LastMessage = last
	at := last.CreatedAt
	c.LastMessageAt = &at
	delete(d.readConfirmed, conversationID)
	isActive := d.active == conversationID
	if !isActive {
		c.UnreadCount += count
	}
	d.mu.Unlock()

	if isActive {
		if err := d.MarkRead(context.Background(), conversationID); err != nil {
			d.logger.Warn("mark read after incoming message failed",
				zap.String("conversation_id", conversationID), zap.Error(err))
		}
	}
}

// MarkRead zeroes the local unread count and confirms the read position to
// the backend. Idempotent: a second call with nothing new to read is a
// no-op and performs no network request.
func (d *ConversationDirectory) MarkRead(ctx context.Context, conversationID string) error {
	d.mu.Lock()
	if d.readConfirmed[conversationID] {
		d.mu.Unlock()
		return nil
	}
	if c, ok := d.byID[conversationID]; ok {
		c.UnreadCount = 0
	}
	d.readConfirmed[conversationID] = true
	d.mu.Unlock()

	if err := d.querier.MarkRead(ctx, conversationID, d.identity.CurrentUser().ID); err != nil {
		// Allow a retry to re-issue the confirmation.
		d.mu.Lock()
		delete(d.readConfirmed, conversationID)
		d.mu.Unlock()
		return err
	}
	return nil
}

// applyOptimisticSend updates the summary for a message the local user just
// sent, before the backend has confirmed it. The returned rollback restores
// the pre-send summary if the send fails.
func (d *ConversationDirectory) applyOptimisticSend(conversationID string, msg *models.Message) (rollback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.byID[conversationID]
	if !ok {
		return func() {}
	}
	prevLast := c.LastMessage
	prevAt := c.LastMessageAt
	c.LastMessage = msg
	at := msg.CreatedAt
	c.LastMessageAt = &at
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if c, ok := d.byID[conversationID]; ok {
			c.LastMessage = prevLast
			c.LastMessageAt = prevAt
		}
	}
}

// applyConfirmedSend replaces the optimistic summary with the confirmed
// record. Own sends never touch the unread count.
func (d *ConversationDirectory) applyConfirmedSend(conversationID string, msg *models.Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.byID[conversationID]
	if !ok {
		return
	}
	c.LastMessage = msg
	at := msg.CreatedAt
	c.LastMessageAt = &at
}

// Summary returns a copy of the cached conversation, or nil if unknown.
func (d *ConversationDirectory) Summary(conversationID string) *models.Conversation {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.byID[conversationID]
	if !ok {
		return nil
	}
	out := *c
	return &out
}

func (d *ConversationDirectory) snapshotLocked() []models.Conversation {
	out := make([]models.Conversation, 0, len(d.byID))
	for _, c := range d.byID {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].LastMessageAt, out[j].LastMessageAt
		switch {
		case a == nil && b == nil:
			return out[i].ID < out[j].ID
		case a == nil:
			return false
		case b == nil:
			return true
		case !a.Equal(*b):
			return a.After(*b)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
