package chat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"chat-core/internal/backend"
	"chat-core/internal/models"
)

// fakeQuerier is an in-memory backend.Querier that records calls and can be
// told to fail per operation.
type fakeQuerier struct {
	mu sync.Mutex

	conversations []models.Conversation
	// history holds every message per conversation, newest first, the way
	// the wire delivers pages.
	history map[string][]models.Message

	conversationsErr error
	messagesErr      error
	insertErr        error
	markReadErr      error
	setTypingErr     error
	typingErr        error

	typingUsers map[string][]models.TypingIndicator

	// onInsert runs while a send is in flight, before the confirmed record
	// is returned, so tests can observe the optimistic state.
	onInsert func()

	conversationsCalls int
	messagesCalls      int
	markReadCalls      []string
	setTypingCalls     []string
	updatePatches      map[string]models.MessagePatch
	nextID             int
	serverNow          time.Time
}

func newFakeQuerier() *fakeQuerier {
	return &fakeQuerier{
		history:       make(map[string][]models.Message),
		typingUsers:   make(map[string][]models.TypingIndicator),
		updatePatches: make(map[string]models.MessagePatch),
		serverNow:     time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (q *fakeQuerier) Conversations(ctx context.Context, userID string) ([]models.Conversation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.conversationsCalls++
	if q.conversationsErr != nil {
		return nil, q.conversationsErr
	}
	out := make([]models.Conversation, len(q.conversations))
	copy(out, q.conversations)
	return out, nil
}

func (q *fakeQuerier) Conversation(ctx context.Context, id string) (*models.Conversation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.conversations {
		if q.conversations[i].ID == id {
			c := q.conversations[i]
			return &c, nil
		}
	}
	return nil, backend.ErrNotFound
}

func (q *fakeQuerier) Messages(ctx context.Context, conversationID string, limit int, beforeID string) ([]models.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.messagesCalls++
	if q.messagesErr != nil {
		return nil, q.messagesErr
	}
	all := q.history[conversationID]
	start := 0
	if beforeID != "" {
		for i, m := range all {
			if m.ID == beforeID {
				start = i + 1
				break
			}
		}
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	out := make([]models.Message, end-start)
	copy(out, all[start:end])
	return out, nil
}

func (q *fakeQuerier) InsertMessage(ctx context.Context, conversationID, senderID string, draft models.Draft) (*models.Message, error) {
	q.mu.Lock()
	hook := q.onInsert
	q.mu.Unlock()
	if hook != nil {
		hook()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.insertErr != nil {
		return nil, q.insertErr
	}
	q.nextID++
	q.serverNow = q.serverNow.Add(time.Second)
	m := models.Message{
		ID:             fmt.Sprintf("srv-%03d", q.nextID),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        draft.Content,
		MessageType:    draft.MessageType,
		ReplyToID:      draft.ReplyToID,
		CreatedAt:      q.serverNow,
		UpdatedAt:      q.serverNow,
	}
	q.history[conversationID] = append([]models.Message{m}, q.history[conversationID]...)
	out := m
	return &out, nil
}

func (q *fakeQuerier) UpdateMessage(ctx context.Context, messageID string, patch models.MessagePatch) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.updatePatches[messageID] = patch
	return nil
}

func (q *fakeQuerier) MarkRead(ctx context.Context, conversationID, userID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.markReadErr != nil {
		return q.markReadErr
	}
	q.markReadCalls = append(q.markReadCalls, conversationID)
	return nil
}

func (q *fakeQuerier) SetTyping(ctx context.Context, conversationID, userID string, isTyping bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.setTypingCalls = append(q.setTypingCalls, fmt.Sprintf("%s:%s:%t", conversationID, userID, isTyping))
	return q.setTypingErr
}

func (q *fakeQuerier) TypingUsers(ctx context.Context, conversationID string) ([]models.TypingIndicator, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.typingErr != nil {
		return nil, q.typingErr
	}
	out := make([]models.TypingIndicator, len(q.typingUsers[conversationID]))
	copy(out, q.typingUsers[conversationID])
	return out, nil
}

func (q *fakeQuerier) markReadCount(conversationID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, id := range q.markReadCalls {
		if id == conversationID {
			n++
		}
	}
	return n
}

// fakeFeed is an in-memory backend.ChangeFeed tests drive by hand.
type fakeFeed struct {
	mu             sync.Mutex
	subs           map[string][]*fakeFeedSub
	subscribeErr   error
	subscribeCalls int
}

type fakeFeedSub struct {
	feed           *fakeFeed
	conversationID string
	onEvent        func(backend.Event)
	onError        func(error)
	closed         bool
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{subs: make(map[string][]*fakeFeedSub)}
}

func (f *fakeFeed) Subscribe(ctx context.Context, conversationID string, onEvent func(backend.Event), onError func(error)) (backend.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribeCalls++
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	sub := &fakeFeedSub{feed: f, conversationID: conversationID, onEvent: onEvent, onError: onError}
	f.subs[conversationID] = append(f.subs[conversationID], sub)
	return sub, nil
}

func (s *fakeFeedSub) Unsubscribe() {
	s.feed.mu.Lock()
	defer s.feed.mu.Unlock()
	s.closed = true
}

func (f *fakeFeed) emit(conversationID string, ev backend.Event) {
	f.mu.Lock()
	var targets []func(backend.Event)
	for _, sub := range f.subs[conversationID] {
		if !sub.closed {
			targets = append(targets, sub.onEvent)
		}
	}
	f.mu.Unlock()
	for _, fn := range targets {
		fn(ev)
	}
}

func (f *fakeFeed) fail(conversationID string, err error) {
	f.mu.Lock()
	var targets []func(error)
	for _, sub := range f.subs[conversationID] {
		if !sub.closed && sub.onError != nil {
			targets = append(targets, sub.onError)
		}
	}
	f.mu.Unlock()
	for _, fn := range targets {
		fn(err)
	}
}

func (f *fakeFeed) activeSubs(conversationID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, sub := range f.subs[conversationID] {
		if !sub.closed {
			n++
		}
	}
	return n
}

var testIdentity = backend.StaticIdentity{User: models.User{ID: "me"}}

func textMsg(id, conversationID, senderID string, at time.Time) models.Message {
	content := "message " + id
	return models.Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        &content,
		MessageType:    models.MessageText,
		CreatedAt:      at,
		UpdatedAt:      at,
	}
}

func textDraft(s string) models.Draft {
	return models.Draft{Content: &s, MessageType: models.MessageText}
}

func seedConversation(q *fakeQuerier, id string) {
	q.conversations = append(q.conversations, models.Conversation{
		ID:   id,
		Type: models.ConversationDirect,
		Participants: []models.Participant{
			{ConversationID: id, UserID: "me"},
			{ConversationID: id, UserID: "peer"},
		},
	})
}

func insertOf(m models.Message) backend.Event {
	msg := m
	return backend.Event{Type: backend.EventInsert, ConversationID: m.ConversationID, Message: &msg}
}
