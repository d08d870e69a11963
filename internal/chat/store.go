package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"chat-core/internal/backend"
	"chat-core/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultPageSize is the message page size used when none is configured.
const DefaultPageSize = 50

type conversationCache struct {
	// msgs is kept oldest-first, sorted by (created_at, id). Optimistic
	// records sit where they were appended until confirmed or rolled back.
	msgs    []*models.Message
	hasMore bool
	loaded  bool
	// pending holds the temporary ids of in-flight sends; an entry is
	// removed once the send is confirmed or rolled back.
	pending map[string]struct{}
}

func (cc *conversationCache) indexOf(messageID string) int {
	for i, m := range cc.msgs {
		if m.ID == messageID {
			return i
		}
	}
	return -1
}

// insert places m at its sorted (created_at, id) position unless the id is
// already cached. Reports whether the message was added.
func (cc *conversationCache) insert(m *models.Message) bool {
	if cc.indexOf(m.ID) >= 0 {
		return false
	}
	i := len(cc.msgs)
	for i > 0 && m.Before(cc.msgs[i-1]) {
		i--
	}
	cc.msgs = append(cc.msgs, nil)
	copy(cc.msgs[i+1:], cc.msgs[i:])
	cc.msgs[i] = m
	return true
}

// MessageStore is the per-conversation ordered message cache. It owns
// optimistic send and reconciliation, backward pagination, and the
// application of remote inserts and updates. Already-loaded ranges are
// authoritative: switching back to a conversation never refetches them.
type MessageStore struct {
	querier   backend.Querier
	identity  backend.Identity
	directory *ConversationDirectory
	logger    *zap.Logger
	pageSize  int
	now       func() time.Time

	mu     sync.Mutex
	byConv map[string]*conversationCache
}

func NewMessageStore(q backend.Querier, id backend.Identity, dir *ConversationDirectory, pageSize int, logger *zap.Logger) *MessageStore {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MessageStore{
		querier:   q,
		identity:  id,
		directory: dir,
		logger:    logger,
		pageSize:  pageSize,
		now:       time.Now,
		byConv:    make(map[string]*conversationCache),
	}
}

func (s *MessageStore) cacheLocked(conversationID string) *conversationCache {
	cc, ok := s.byConv[conversationID]
	if !ok {
		cc = &conversationCache{hasMore: true, pending: make(map[string]struct{})}
		s.byConv[conversationID] = cc
	}
	return cc
}

// FetchPage loads up to one page of messages older than beforeID, or the
// newest page when beforeID is empty. The newest page is served from cache
// once loaded; only pagination goes to the network. hasMore turns false
// exactly when a page comes back shorter than the page size, and a
// pagination call after that returns empty without a request.
func (s *MessageStore) FetchPage(ctx context.Context, conversationID, beforeID string) ([]models.Message, error) {
	s.mu.Lock()
	cc := s.cacheLocked(conversationID)
	if beforeID == "" && cc.loaded {
		out := snapshot(cc.msgs)
		s.mu.Unlock()
		return out, nil
	}
	if beforeID != "" && !cc.hasMore {
		s.mu.Unlock()
		return nil, nil
	}
	s.mu.Unlock()

	page, err := s.querier.Messages(ctx, conversationID, s.pageSize, beforeID)
	if err != nil {
		return nil, &FetchError{Op: "messages", Err: err}
	}

	// Wire order is newest-first; the cache is oldest-first.
	ordered := make([]*models.Message, 0, len(page))
	for i := len(page) - 1; i >= 0; i-- {
		m := page[i]
		ordered = append(ordered, &m)
	}

	// Merge by sorted insertion rather than assignment: realtime inserts may
	// have landed while the fetch was in flight, and pages can overlap the
	// cached window after a reconnect. Duplicates are dropped, and the
	// ordering guarantee holds even when the cursor falls mid-window.
	s.mu.Lock()
	cc = s.cacheLocked(conversationID)
	cc.hasMore = len(page) == s.pageSize
	merged := make([]*models.Message, 0, len(ordered))
	for _, m := range ordered {
		if cc.insert(m) {
			merged = append(merged, m)
		}
	}
	cc.loaded = true
	var out []models.Message
	if beforeID == "" {
		out = snapshot(cc.msgs)
	} else {
		out = snapshot(merged)
	}
	s.mu.Unlock()
	return out, nil
}

// Messages returns the cached sequence for the conversation, oldest first.
func (s *MessageStore) Messages(conversationID string) []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	cc, ok := s.byConv[conversationID]
	if !ok {
		return nil
	}
	return snapshot(cc.msgs)
}

// HasMore reports whether older pages may remain for the conversation.
func (s *MessageStore) HasMore(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cc, ok := s.byConv[conversationID]
	if !ok {
		return true
	}
	return cc.hasMore
}

// Send appends an optimistic record immediately and then persists the draft.
// On success the temporary record is swapped in place for the confirmed one,
// same position, so the UI sees an atomic replacement rather than a
// delete+insert. On failure the record is removed, the directory summary is
// rolled back, and a SendError is returned with the draft intact.
func (s *MessageStore) Send(ctx context.Context, conversationID string, draft models.Draft) (*models.Message, error) {
	if draft.MessageType == "" {
		draft.MessageType = models.MessageText
	}
	if err := validateDraft(draft); err != nil {
		return nil, &SendError{ConversationID: conversationID, Err: err}
	}

	user := s.identity.CurrentUser()
	now := s.now()
	temp := &models.Message{
		ID:                models.TempIDPrefix + uuid.NewString(),
		ConversationID:    conversationID,
		SenderID:          user.ID,
		Content:           draft.Content,
		MessageType:       draft.MessageType,
		MediaURL:          draft.MediaURL,
		MediaThumbnailURL: draft.MediaThumbnailURL,
		FileName:          draft.FileName,
		FileSize:          draft.FileSize,
		Duration:          draft.Duration,
		ReplyToID:         draft.ReplyToID,
		CreatedAt:         now,
		UpdatedAt:         now,
		IsOptimistic:      true,
	}

	s.mu.Lock()
	cc := s.cacheLocked(conversationID)
	cc.msgs = append(cc.msgs, temp)
	cc.pending[temp.ID] = struct{}{}
	s.mu.Unlock()

	rollbackDirectory := func() {}
	if s.directory != nil {
		rollbackDirectory = s.directory.applyOptimisticSend(conversationID, temp)
	}

	confirmed, err := s.querier.InsertMessage(ctx, conversationID, user.ID, draft)
	if err != nil {
		s.mu.Lock()
		cc = s.cacheLocked(conversationID)
		if i := cc.indexOf(temp.ID); i >= 0 {
			cc.msgs = append(cc.msgs[:i], cc.msgs[i+1:]...)
		}
		delete(cc.pending, temp.ID)
		s.mu.Unlock()
		rollbackDirectory()
		return nil, &SendError{ConversationID: conversationID, Err: err}
	}
	confirmed.IsOptimistic = false

	s.mu.Lock()
	cc = s.cacheLocked(conversationID)
	delete(cc.pending, temp.ID)
	if i := cc.indexOf(temp.ID); i >= 0 {
		if cc.indexOf(confirmed.ID) >= 0 {
			// The feed echoed the confirmed row before the send returned;
			// keeping both would show the message twice.
			cc.msgs = append(cc.msgs[:i], cc.msgs[i+1:]...)
		} else {
			cc.msgs[i] = confirmed
		}
	}
	s.mu.Unlock()

	if s.directory != nil {
		s.directory.applyConfirmedSend(conversationID, confirmed)
	}
	out := *confirmed
	return &out, nil
}

// ApplyRemoteInsert merges a confirmed message from the realtime feed into
// sorted (created_at, id) position. Duplicates are ignored, which also
// absorbs the feed echoing back a message this client already reconciled.
func (s *MessageStore) ApplyRemoteInsert(conversationID string, msg *models.Message) {
	if msg == nil || msg.IsTemp() {
		return
	}
	m := *msg
	m.IsOptimistic = false

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cacheLocked(conversationID).insert(&m)
}

// Edit persists an edit or soft delete and folds it into the cache. The
// feed echoes the update shortly after; re-applying the same patch is
// harmless.
func (s *MessageStore) Edit(ctx context.Context, conversationID, messageID string, patch models.MessagePatch) error {
	if err := s.querier.UpdateMessage(ctx, messageID, patch); err != nil {
		return &SendError{ConversationID: conversationID, Err: err}
	}
	s.ApplyRemoteUpdate(conversationID, messageID, patch)
	return nil
}

// ApplyRemoteUpdate merges an edit or soft delete into the cached record.
// Messages outside the loaded window are silently skipped.
func (s *MessageStore) ApplyRemoteUpdate(conversationID, messageID string, patch models.MessagePatch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cc, ok := s.byConv[conversationID]
	if !ok {
		return
	}
	if i := cc.indexOf(messageID); i >= 0 {
		patch.Apply(cc.msgs[i])
	}
}

// MarkAsReadLocally records readerUserID as having read every cached peer
// message in the conversation. This reflects a server-confirmed read
// receipt; it never triggers one.
func (s *MessageStore) MarkAsReadLocally(conversationID, readerUserID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cc, ok := s.byConv[conversationID]
	if !ok {
		return
	}
	for _, m := range cc.msgs {
		if m.SenderID == readerUserID || m.ReadByUser(readerUserID) {
			continue
		}
		m.ReadBy = append(m.ReadBy, readerUserID)
	}
}

// Clear drops the cached window for a conversation.
func (s *MessageStore) Clear(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byConv, conversationID)
}

func validateDraft(d models.Draft) error {
	if !d.MessageType.Valid() {
		return errors.New("invalid message type")
	}
	switch d.MessageType {
	case models.MessageText:
		if d.Content == nil || *d.Content == "" {
			return errors.New("text message requires content")
		}
	default:
		if d.MediaURL == nil || *d.MediaURL == "" {
			return errors.New("media message requires media_url")
		}
	}
	return nil
}

func snapshot(msgs []*models.Message) []models.Message {
	out := make([]models.Message, len(msgs))
	for i, m := range msgs {
		out[i] = *m
	}
	return out
}
