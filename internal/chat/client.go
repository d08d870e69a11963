package chat

import (
	"context"
	"time"

	"chat-core/internal/backend"
	"chat-core/internal/models"

	"go.uber.org/zap"
)

// Options tunes a Client. Zero values fall back to the defaults.
type Options struct {
	PageSize    int
	BatchWindow time.Duration
	TypingTTL   time.Duration
	Logger      *zap.Logger
}

// Client composes the four chat components for one user session. Each
// Client owns its own caches; nothing is ambient, so tests and concurrent
// sessions get isolated instances.
type Client struct {
	Directory *ConversationDirectory
	Store     *MessageStore
	Ingestor  *RealtimeIngestor
	Typing    *PresenceAndTyping

	logger *zap.Logger
}

func NewClient(q backend.Querier, feed backend.ChangeFeed, id backend.Identity, opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dir := NewConversationDirectory(q, id, logger)
	store := NewMessageStore(q, id, dir, opts.PageSize, logger)
	typing := NewPresenceAndTyping(q, id, opts.TypingTTL, logger)
	ingestor := NewRealtimeIngestor(feed, store, dir, typing, opts.BatchWindow, logger)
	return &Client{
		Directory: dir,
		Store:     store,
		Ingestor:  ingestor,
		Typing:    typing,
		logger:    logger,
	}
}

// OpenConversation runs the conversation-open flow: resolve, load the most
// recent page (cache-first), subscribe to the change feed, mark the
// conversation active and read. A subscription failure is returned last so
// the caller still gets the resolved conversation and page; retry policy is
// the caller's.
func (c *Client) OpenConversation(ctx context.Context, conversationID string) (*models.Conversation, []models.Message, error) {
	conv, err := c.Directory.Resolve(ctx, conversationID)
	if err != nil {
		return nil, nil, err
	}
	msgs, err := c.Store.FetchPage(ctx, conversationID, "")
	if err != nil {
		return conv, nil, err
	}

	c.Directory.SetActive(conversationID)
	if err := c.Directory.MarkRead(ctx, conversationID); err != nil {
		c.logger.Warn("mark read on open failed", zap.String("conversation_id", conversationID), zap.Error(err))
	}

	if err := c.Ingestor.Subscribe(ctx, conversationID); err != nil {
		return conv, msgs, err
	}
	return conv, msgs, nil
}

// CloseConversation unsubscribes synchronously and clears the active
// conversation. The message cache is retained: switching back must not
// refetch already-loaded ranges.
func (c *Client) CloseConversation(conversationID string) {
	if c.Directory.ActiveID() == conversationID {
		c.Directory.SetActive("")
	}
	c.Ingestor.Unsubscribe(conversationID)
	c.Typing.Clear(conversationID)
}

// Close tears down every subscription and timer.
func (c *Client) Close() {
	c.Ingestor.Close()
	c.Typing.Close()
}
