package chat

import (
	"context"
	"sort"
	"sync"
	"time"

	"chat-core/internal/backend"
	"chat-core/internal/models"

	"go.uber.org/zap"
)

// DefaultTypingTTL is how long a typing indicator stays visible without a
// refresh before the client drops it on its own.
const DefaultTypingTTL = 5 * time.Second

type typingEntry struct {
	indicator models.TypingIndicator
	timer     *time.Timer
}

// PresenceAndTyping tracks the ephemeral per-conversation typing set.
// Notifications out are fire-and-forget; state in is always a full
// authoritative re-fetch, so a missed "stopped typing" event can at worst
// linger one TTL. Each indicator also carries a local expiry timer as a
// deliberate tolerance for missed cancellation signals.
type PresenceAndTyping struct {
	querier  backend.Querier
	identity backend.Identity
	logger   *zap.Logger
	ttl      time.Duration

	// OnChange, when set, observes every change to a conversation's visible
	// typing set, including expiries.
	OnChange func(conversationID string, users []models.TypingIndicator)

	mu     sync.Mutex
	byConv map[string]map[string]*typingEntry
}

func NewPresenceAndTyping(q backend.Querier, id backend.Identity, ttl time.Duration, logger *zap.Logger) *PresenceAndTyping {
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PresenceAndTyping{
		querier:  q,
		identity: id,
		logger:   logger,
		ttl:      ttl,
		byConv:   make(map[string]map[string]*typingEntry),
	}
}

// SetTyping notifies the backend that the current user started or stopped
// typing. Best effort: failures are swallowed, never retried, never block.
func (p *PresenceAndTyping) SetTyping(ctx context.Context, conversationID string, isTyping bool) {
	user := p.identity.CurrentUser()
	if err := p.querier.SetTyping(ctx, conversationID, user.ID, isTyping); err != nil {
		p.logger.Debug("set typing failed", zap.String("conversation_id", conversationID), zap.Error(err))
	}
}

// HandleTypingEvent re-fetches the authoritative typing set for the
// conversation. A full refresh is cheap and cannot leave stale "still
// typing" entries behind the way incremental patching could.
func (p *PresenceAndTyping) HandleTypingEvent(ctx context.Context, conversationID string) {
	users, err := p.querier.TypingUsers(ctx, conversationID)
	if err != nil {
		p.logger.Debug("typing fetch failed", zap.String("conversation_id", conversationID), zap.Error(err))
		return
	}
	self := p.identity.CurrentUser().ID

	p.mu.Lock()
	if old, ok := p.byConv[conversationID]; ok {
		for _, e := range old {
			e.timer.Stop()
		}
	}
	set := make(map[string]*typingEntry, len(users))
	for _, u := range users {
		if u.UserID == self {
			continue
		}
		u := u
		userID := u.UserID
		set[userID] = &typingEntry{
			indicator: u,
			timer: time.AfterFunc(p.ttl, func() {
				p.expire(conversationID, userID)
			}),
		}
	}
	p.byConv[conversationID] = set
	p.mu.Unlock()

	p.notify(conversationID)
}

// TypingUsers returns the visible typing set for a conversation, excluding
// the current user, ordered by user id for stable rendering.
func (p *PresenceAndTyping) TypingUsers(conversationID string) []models.TypingIndicator {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.visibleLocked(conversationID)
}

// Clear drops all typing state for a conversation and stops its timers.
func (p *PresenceAndTyping) Clear(conversationID string) {
	p.mu.Lock()
	if set, ok := p.byConv[conversationID]; ok {
		for _, e := range set {
			e.timer.Stop()
		}
		delete(p.byConv, conversationID)
	}
	p.mu.Unlock()
}

// Close stops every expiry timer.
func (p *PresenceAndTyping) Close() {
	p.mu.Lock()
	for id, set := range p.byConv {
		for _, e := range set {
			e.timer.Stop()
		}
		delete(p.byConv, id)
	}
	p.mu.Unlock()
}

func (p *PresenceAndTyping) expire(conversationID, userID string) {
	p.mu.Lock()
	set, ok := p.byConv[conversationID]
	if !ok {
		p.mu.Unlock()
		return
	}
	if _, ok := set[userID]; !ok {
		p.mu.Unlock()
		return
	}
	delete(set, userID)
	p.mu.Unlock()

	p.notify(conversationID)
}

func (p *PresenceAndTyping) notify(conversationID string) {
	if p.OnChange == nil {
		return
	}
	p.mu.Lock()
	users := p.visibleLocked(conversationID)
	p.mu.Unlock()
	p.OnChange(conversationID, users)
}

func (p *PresenceAndTyping) visibleLocked(conversationID string) []models.TypingIndicator {
	set, ok := p.byConv[conversationID]
	if !ok || len(set) == 0 {
		return nil
	}
	out := make([]models.TypingIndicator, 0, len(set))
	for _, e := range set {
		out = append(out, e.indicator)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
