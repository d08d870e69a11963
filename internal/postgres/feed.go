package postgres

import (
	"context"
	"sync"

	"chat-core/internal/backend"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// notifyChannel is the single LISTEN channel the schema triggers publish to.
const notifyChannel = "chat_events"

type feedHandler struct {
	onEvent func(backend.Event)
	onError func(error)
}

// Feed implements backend.ChangeFeed on LISTEN/NOTIFY. One dedicated
// connection listens on the shared channel and demultiplexes notifications
// to per-conversation subscribers; the listener starts with the first
// subscription and stops with the last. Insert notifications carry only
// ids, so the feed hydrates the full row through the store before
// dispatching.
type Feed struct {
	pool   *pgxpool.Pool
	store  *Store
	logger *zap.Logger

	mu        sync.RWMutex
	handlers  map[string]map[int]*feedHandler
	nextToken int
	listening bool
	cancel    context.CancelFunc
	// gen identifies the current listener goroutine. A stale goroutine
	// waking up after its cancellation must not clear state a replacement
	// listener now owns.
	gen int
}

var _ backend.ChangeFeed = (*Feed)(nil)

func NewFeed(pool *pgxpool.Pool, store *Store, logger *zap.Logger) *Feed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Feed{
		pool:     pool,
		store:    store,
		logger:   logger,
		handlers: make(map[string]map[int]*feedHandler),
	}
}

func (f *Feed) Subscribe(ctx context.Context, conversationID string, onEvent func(backend.Event), onError func(error)) (backend.Subscription, error) {
	f.mu.Lock()
	if !f.listening {
		listenCtx, cancel := context.WithCancel(context.Background())
		conn, err := f.pool.Acquire(ctx)
		if err != nil {
			cancel()
			f.mu.Unlock()
			return nil, err
		}
		if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
			conn.Release()
			cancel()
			f.mu.Unlock()
			return nil, err
		}
		f.listening = true
		f.cancel = cancel
		f.gen++
		go f.listen(listenCtx, conn, f.gen)
	}

	f.nextToken++
	token := f.nextToken
	if f.handlers[conversationID] == nil {
		f.handlers[conversationID] = make(map[int]*feedHandler)
	}
	f.handlers[conversationID][token] = &feedHandler{onEvent: onEvent, onError: onError}
	f.mu.Unlock()

	return &feedSubscription{feed: f, conversationID: conversationID, token: token}, nil
}

// Close stops the listener and drops all subscribers.
func (f *Feed) Close() {
	f.mu.Lock()
	f.handlers = make(map[string]map[int]*feedHandler)
	f.stopListenerLocked()
	f.mu.Unlock()
}

func (f *Feed) listen(ctx context.Context, conn *pgxpool.Conn, gen int) {
	defer conn.Release()
	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			owned := f.releaseListener(gen)
			if ctx.Err() != nil {
				return
			}
			if owned {
				f.reportError(err)
			}
			return
		}
		f.dispatch(ctx, []byte(n.Payload))
	}
}

// releaseListener clears the listener state if generation gen still owns it.
// A canceled listener can lose the race against a replacement started by a
// later Subscribe; its state then belongs to the replacement and must stay.
func (f *Feed) releaseListener(gen int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gen != gen {
		return false
	}
	f.listening = false
	f.cancel = nil
	return true
}

func (f *Feed) dispatch(ctx context.Context, payload []byte) {
	p, err := parseNotifyPayload(payload)
	if err != nil {
		f.logger.Warn("bad notify payload", zap.Error(err))
		return
	}

	f.mu.RLock()
	subscribed := len(f.handlers[p.ConversationID]) > 0
	f.mu.RUnlock()
	if !subscribed {
		return
	}

	ev := backend.Event{ConversationID: p.ConversationID}
	switch p.Kind {
	case "insert":
		msg, err := f.store.Message(ctx, p.MessageID)
		if err != nil {
			f.logger.Warn("hydrate inserted message failed",
				zap.String("message_id", p.MessageID), zap.Error(err))
			return
		}
		if err := validateMessage(msg); err != nil {
			f.logger.Warn("dropping invalid message", zap.Error(err))
			return
		}
		if msg.Deleted() {
			return
		}
		ev.Type = backend.EventInsert
		ev.Message = msg
	case "update":
		patch := p.patch()
		ev.Type = backend.EventUpdate
		ev.MessageID = p.MessageID
		ev.Patch = &patch
	case "typing":
		ev.Type = backend.EventTyping
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, h := range f.handlers[p.ConversationID] {
		h.onEvent(ev)
	}
}

func (f *Feed) reportError(err error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, byToken := range f.handlers {
		for _, h := range byToken {
			if h.onError != nil {
				h.onError(err)
			}
		}
	}
}

func (f *Feed) remove(conversationID string, token int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	byToken, ok := f.handlers[conversationID]
	if !ok {
		return
	}
	delete(byToken, token)
	if len(byToken) == 0 {
		delete(f.handlers, conversationID)
	}
	if len(f.handlers) == 0 {
		f.stopListenerLocked()
	}
}

func (f *Feed) stopListenerLocked() {
	if f.cancel != nil {
		f.cancel()
		f.cancel = nil
	}
	f.listening = false
}

type feedSubscription struct {
	feed           *Feed
	conversationID string
	token          int
	once           sync.Once
}

func (s *feedSubscription) Unsubscribe() {
	s.once.Do(func() {
		s.feed.remove(s.conversationID, s.token)
	})
}
