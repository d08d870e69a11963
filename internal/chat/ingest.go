package chat

import (
	"context"
	"sync"
	"time"

	"chat-core/internal/backend"

	"go.uber.org/zap"
)

// DefaultBatchWindow is the coalescing delay between the first queued
// realtime event and the flush that commits the batch.
const DefaultBatchWindow = 100 * time.Millisecond

// SubscriptionState is the per-conversation subscription lifecycle.
type SubscriptionState int

const (
	Unsubscribed SubscriptionState = iota
	Subscribing
	Subscribed
)

type subEntry struct {
	state  SubscriptionState
	handle backend.Subscription
}

type pendingBatch struct {
	events []backend.Event
	timer  *time.Timer
	// scheduled guards against a second timer while one is pending: events
	// accumulate until the existing timer fires, bounding added latency at
	// one window regardless of burst length.
	scheduled bool
}

// RealtimeIngestor owns the change-feed subscriptions and batches
// rapid-fire inserts/updates over a short window before committing them to
// the MessageStore, so a burst costs one directory update instead of one
// per message. Batches are per conversation; bursts in different
// conversations do not block each other.
type RealtimeIngestor struct {
	feed      backend.ChangeFeed
	store     *MessageStore
	directory *ConversationDirectory
	typing    *PresenceAndTyping
	logger    *zap.Logger
	window    time.Duration

	// OnError receives subscription failures. Cached data is unaffected and
	// no automatic retry happens; resubscription policy belongs to the
	// caller. Set before the first Subscribe.
	OnError func(conversationID string, err error)
	// OnFlush, when set, observes each committed batch after it has been
	// applied. The gateway uses it to push events to the client.
	OnFlush func(conversationID string, events []backend.Event)

	mu      sync.Mutex
	subs    map[string]*subEntry
	pending map[string]*pendingBatch
}

func NewRealtimeIngestor(feed backend.ChangeFeed, store *MessageStore, dir *ConversationDirectory, typing *PresenceAndTyping, window time.Duration, logger *zap.Logger) *RealtimeIngestor {
	if window <= 0 {
		window = DefaultBatchWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RealtimeIngestor{
		feed:      feed,
		store:     store,
		directory: dir,
		typing:    typing,
		logger:    logger,
		window:    window,
		subs:      make(map[string]*subEntry),
		pending:   make(map[string]*pendingBatch),
	}
}

// Subscribe opens the change feed for a conversation. An existing
// subscription for the same id is torn down first; there is never more than
// one live listener per conversation.
func (in *RealtimeIngestor) Subscribe(ctx context.Context, conversationID string) error {
	in.Unsubscribe(conversationID)

	in.mu.Lock()
	entry := &subEntry{state: Subscribing}
	in.subs[conversationID] = entry
	in.mu.Unlock()

	handle, err := in.feed.Subscribe(ctx, conversationID,
		func(ev backend.Event) { in.handleEvent(conversationID, ev) },
		func(err error) { in.reportError(conversationID, err) },
	)
	if err != nil {
		in.mu.Lock()
		if in.subs[conversationID] == entry {
			delete(in.subs, conversationID)
		}
		in.mu.Unlock()
		return &SubscriptionError{ConversationID: conversationID, Err: err}
	}

	in.mu.Lock()
	if in.subs[conversationID] != entry {
		// Torn down while the subscribe call was in flight.
		in.mu.Unlock()
		handle.Unsubscribe()
		return nil
	}
	entry.state = Subscribed
	entry.handle = handle
	in.mu.Unlock()
	return nil
}

// Unsubscribe synchronously tears down the subscription and drops any
// not-yet-flushed events for the conversation. No-op when not subscribed.
func (in *RealtimeIngestor) Unsubscribe(conversationID string) {
	in.mu.Lock()
	entry := in.subs[conversationID]
	delete(in.subs, conversationID)
	if b, ok := in.pending[conversationID]; ok {
		if b.timer != nil {
			b.timer.Stop()
		}
		delete(in.pending, conversationID)
	}
	in.mu.Unlock()

	if entry != nil && entry.handle != nil {
		entry.handle.Unsubscribe()
	}
}

// State returns the subscription state for a conversation.
func (in *RealtimeIngestor) State(conversationID string) SubscriptionState {
	in.mu.Lock()
	defer in.mu.Unlock()
	if entry, ok := in.subs[conversationID]; ok {
		return entry.state
	}
	return Unsubscribed
}

// Close tears down every subscription.
func (in *RealtimeIngestor) Close() {
	in.mu.Lock()
	ids := make([]string, 0, len(in.subs))
	for id := range in.subs {
		ids = append(ids, id)
	}
	in.mu.Unlock()
	for _, id := range ids {
		in.Unsubscribe(id)
	}
}

func (in *RealtimeIngestor) handleEvent(conversationID string, ev backend.Event) {
	if ev.Type == backend.EventTyping {
		// Typing is an ephemeral refresh trigger, not a cache mutation;
		// it bypasses the batch queue.
		if in.typing != nil {
			go in.typing.HandleTypingEvent(context.Background(), conversationID)
		}
		return
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	if _, ok := in.subs[conversationID]; !ok {
		return
	}
	b, ok := in.pending[conversationID]
	if !ok {
		b = &pendingBatch{}
		in.pending[conversationID] = b
	}
	b.events = append(b.events, ev)
	if !b.scheduled {
		b.scheduled = true
		b.timer = time.AfterFunc(in.window, func() { in.flush(conversationID) })
	}
}

// flush drains the pending queue in arrival order, applies every event to
// the store, then performs exactly one directory update for the batch using
// the last inserted message.
func (in *RealtimeIngestor) flush(conversationID string) {
	in.mu.Lock()
	b := in.pending[conversationID]
	delete(in.pending, conversationID)
	_, subscribed := in.subs[conversationID]
	in.mu.Unlock()
	if b == nil || !subscribed {
		return
	}

	var lastInsert *backend.Event
	inserts := 0
	for i := range b.events {
		ev := b.events[i]
		switch ev.Type {
		case backend.EventInsert:
			in.store.ApplyRemoteInsert(conversationID, ev.Message)
			inserts++
			lastInsert = &b.events[i]
		case backend.EventUpdate:
			if ev.Patch != nil {
				in.store.ApplyRemoteUpdate(conversationID, ev.MessageID, *ev.Patch)
			}
		}
	}

	if lastInsert != nil && in.directory != nil {
		in.directory.ApplyIncoming(conversationID, lastInsert.Message, inserts)
	}
	if in.OnFlush != nil {
		in.OnFlush(conversationID, b.events)
	}
}

func (in *RealtimeIngestor) reportError(conversationID string, err error) {
	serr := &SubscriptionError{ConversationID: conversationID, Err: err}
	if in.OnError != nil {
		in.OnError(conversationID, serr)
		return
	}
	in.logger.Warn("subscription error", zap.String("conversation_id", conversationID), zap.Error(err))
}
