package handlers

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"chat-core/internal/backend"
	"chat-core/internal/chat"
	"chat-core/internal/models"
)

// WSRequest is one inbound client event.
type WSRequest struct {
	Event          string        `json:"event"`
	ConversationID string        `json:"conversation_id,omitempty"`
	Before         string        `json:"before,omitempty"`
	MessageID      string        `json:"message_id,omitempty"`
	Text           string        `json:"text,omitempty"`
	IsTyping       bool          `json:"is_typing,omitempty"`
	Draft          *models.Draft `json:"draft,omitempty"`
}

// WSResponse is one outbound server event.
type WSResponse struct {
	Event          string                   `json:"event"`
	ConversationID string                   `json:"conversation_id,omitempty"`
	Conversation   *models.Conversation     `json:"conversation,omitempty"`
	Conversations  []models.Conversation    `json:"conversations,omitempty"`
	Message        *models.Message          `json:"message,omitempty"`
	Messages       []models.Message         `json:"messages,omitempty"`
	HasMore        *bool                    `json:"has_more,omitempty"`
	MessageID      string                   `json:"message_id,omitempty"`
	Typing         []models.TypingIndicator `json:"typing,omitempty"`
	Error          string                   `json:"error,omitempty"`
}

// session binds one websocket connection to one chat.Client. Realtime
// pushes arrive from the client's callbacks on timer and feed goroutines,
// so writes go through a mutex; the fiber websocket conn is not safe for
// concurrent writers.
type session struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	client  *chat.Client
	user    models.User
	logger  *zap.Logger
}

func newSession(conn *websocket.Conn, g *Gateway, user models.User) *session {
	s := &session{
		conn:   conn,
		user:   user,
		logger: g.logger.With(zap.String("user_id", user.ID)),
	}
	s.client = chat.NewClient(g.querier, g.feed, backend.StaticIdentity{User: user}, g.opts)

	s.client.Ingestor.OnFlush = s.pushBatch
	s.client.Ingestor.OnError = func(conversationID string, err error) {
		s.logger.Warn("realtime subscription failed", zap.String("conversation_id", conversationID), zap.Error(err))
		s.push(WSResponse{Event: "subscription_error", ConversationID: conversationID, Error: err.Error()})
	}
	s.client.Typing.OnChange = func(conversationID string, users []models.TypingIndicator) {
		s.push(WSResponse{Event: "typing", ConversationID: conversationID, Typing: users})
	}
	return s
}

func (s *session) close() {
	s.client.Close()
	s.conn.Close()
}

func (s *session) push(v WSResponse) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteJSON(v); err != nil {
		s.logger.Debug("websocket write failed", zap.Error(err))
	}
}

// pushBatch forwards one committed realtime batch to the client in arrival
// order, after the core has applied it.
func (s *session) pushBatch(conversationID string, events []backend.Event) {
	for _, ev := range events {
		switch ev.Type {
		case backend.EventInsert:
			s.push(WSResponse{Event: "chat", ConversationID: conversationID, Message: ev.Message})
		case backend.EventUpdate:
			msgs := s.client.Store.Messages(conversationID)
			for i := range msgs {
				if msgs[i].ID == ev.MessageID {
					s.push(WSResponse{Event: "message_update", ConversationID: conversationID, Message: &msgs[i]})
					break
				}
			}
		}
	}
}

func (s *session) handle(raw []byte) {
	var req WSRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		s.push(WSResponse{Event: "error", Error: "invalid request"})
		return
	}

	ctx := context.Background()
	switch req.Event {
	case "list":
		s.handleList(ctx)
	case "join":
		s.handleJoin(ctx, req)
	case "leave":
		s.client.CloseConversation(req.ConversationID)
	case "chat":
		s.handleChat(ctx, req)
	case "page":
		s.handlePage(ctx, req)
	case "seen":
		s.handleSeen(ctx, req)
	case "typing":
		s.client.Typing.SetTyping(ctx, req.ConversationID, req.IsTyping)
	case "edit":
		s.handleEdit(ctx, req)
	case "delete":
		s.handleDelete(ctx, req)
	default:
		s.logger.Debug("unknown event", zap.String("event", req.Event))
	}
}

func (s *session) handleList(ctx context.Context) {
	convs, err := s.client.Directory.List(ctx)
	if err != nil {
		s.push(WSResponse{Event: "error", Error: "failed to fetch conversations"})
		return
	}
	if convs == nil {
		convs = []models.Conversation{}
	}
	s.push(WSResponse{Event: "list", Conversations: convs})
}

func (s *session) handleJoin(ctx context.Context, req WSRequest) {
	if req.ConversationID == "" {
		return
	}
	// One open conversation per session; joining another closes the first.
	if active := s.client.Directory.ActiveID(); active != "" && active != req.ConversationID {
		s.client.CloseConversation(active)
	}

	conv, msgs, err := s.client.OpenConversation(ctx, req.ConversationID)
	if err != nil && conv == nil {
		if err == chat.ErrNotFound {
			s.push(WSResponse{Event: "error", ConversationID: req.ConversationID, Error: "conversation not found"})
		} else {
			s.push(WSResponse{Event: "error", ConversationID: req.ConversationID, Error: "failed to open conversation"})
		}
		return
	}
	if err != nil {
		// Resolved and loaded but the feed is down: deliver the page and let
		// the client show a reconnect affordance.
		s.push(WSResponse{Event: "subscription_error", ConversationID: req.ConversationID, Error: err.Error()})
	}
	hasMore := s.client.Store.HasMore(req.ConversationID)
	s.push(WSResponse{
		Event:          "joined",
		ConversationID: req.ConversationID,
		Conversation:   conv,
		Messages:       msgs,
		HasMore:        &hasMore,
	})
}

func (s *session) handleChat(ctx context.Context, req WSRequest) {
	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = s.client.Directory.ActiveID()
	}
	if conversationID == "" {
		return
	}

	draft := models.Draft{MessageType: models.MessageText}
	if req.Draft != nil {
		draft = *req.Draft
	}
	if req.Text != "" {
		text := req.Text
		draft.Content = &text
	}

	msg, err := s.client.Store.Send(ctx, conversationID, draft)
	if err != nil {
		s.logger.Warn("send failed", zap.String("conversation_id", conversationID), zap.Error(err))
		s.push(WSResponse{Event: "send_failed", ConversationID: conversationID, Error: err.Error()})
		return
	}
	s.push(WSResponse{Event: "chat", ConversationID: conversationID, Message: msg})
}

func (s *session) handlePage(ctx context.Context, req WSRequest) {
	if req.ConversationID == "" {
		return
	}
	msgs, err := s.client.Store.FetchPage(ctx, req.ConversationID, req.Before)
	if err != nil {
		s.push(WSResponse{Event: "error", ConversationID: req.ConversationID, Error: "failed to fetch messages"})
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	hasMore := s.client.Store.HasMore(req.ConversationID)
	s.push(WSResponse{Event: "page", ConversationID: req.ConversationID, Messages: msgs, HasMore: &hasMore})
}

func (s *session) handleSeen(ctx context.Context, req WSRequest) {
	if req.ConversationID == "" {
		return
	}
	if err := s.client.Directory.MarkRead(ctx, req.ConversationID); err != nil {
		s.push(WSResponse{Event: "seen_failed", ConversationID: req.ConversationID, Error: err.Error()})
		return
	}
	s.client.Store.MarkAsReadLocally(req.ConversationID, s.user.ID)
	s.push(WSResponse{Event: "seen_successful", ConversationID: req.ConversationID})
}

func (s *session) handleEdit(ctx context.Context, req WSRequest) {
	if req.MessageID == "" || req.Text == "" {
		return
	}
	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = s.client.Directory.ActiveID()
	}
	text := req.Text
	now := time.Now()
	patch := models.MessagePatch{Content: &text, UpdatedAt: &now}
	if err := s.client.Store.Edit(ctx, conversationID, req.MessageID, patch); err != nil {
		s.push(WSResponse{Event: "error", MessageID: req.MessageID, Error: "failed to edit message"})
	}
}

func (s *session) handleDelete(ctx context.Context, req WSRequest) {
	if req.MessageID == "" {
		return
	}
	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = s.client.Directory.ActiveID()
	}
	now := time.Now()
	patch := models.MessagePatch{DeletedAt: &now, UpdatedAt: &now}
	if err := s.client.Store.Edit(ctx, conversationID, req.MessageID, patch); err != nil {
		s.push(WSResponse{Event: "error", MessageID: req.MessageID, Error: "failed to delete message"})
	}
}
