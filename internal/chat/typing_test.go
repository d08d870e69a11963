package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"chat-core/internal/models"
)

func typingIndicator(conversationID, userID string) models.TypingIndicator {
	return models.TypingIndicator{ConversationID: conversationID, UserID: userID, UpdatedAt: time.Now()}
}

func TestTypingExpiresWithoutRefresh(t *testing.T) {
	q := newFakeQuerier()
	p := NewPresenceAndTyping(q, testIdentity, 60*time.Millisecond, nil)
	defer p.Close()
	q.typingUsers["conv1"] = []models.TypingIndicator{typingIndicator("conv1", "peer")}

	p.HandleTypingEvent(context.Background(), "conv1")
	if got := len(p.TypingUsers("conv1")); got != 1 {
		t.Fatalf("visible set = %d, want 1", got)
	}

	// No refresh: the indicator must drop on its own, with no server signal.
	time.Sleep(150 * time.Millisecond)
	if got := len(p.TypingUsers("conv1")); got != 0 {
		t.Errorf("indicator still visible after TTL: %d", got)
	}
}

func TestTypingRefreshExtendsVisibility(t *testing.T) {
	q := newFakeQuerier()
	p := NewPresenceAndTyping(q, testIdentity, 80*time.Millisecond, nil)
	defer p.Close()
	q.typingUsers["conv1"] = []models.TypingIndicator{typingIndicator("conv1", "peer")}

	p.HandleTypingEvent(context.Background(), "conv1")
	time.Sleep(50 * time.Millisecond)
	p.HandleTypingEvent(context.Background(), "conv1")
	time.Sleep(50 * time.Millisecond)

	// 100ms after the first event but only 50ms after the refresh.
	if got := len(p.TypingUsers("conv1")); got != 1 {
		t.Errorf("refreshed indicator expired early: %d", got)
	}

	time.Sleep(100 * time.Millisecond)
	if got := len(p.TypingUsers("conv1")); got != 0 {
		t.Errorf("indicator survived past refreshed TTL: %d", got)
	}
}

func TestTypingFullRefreshReplacesSet(t *testing.T) {
	q := newFakeQuerier()
	p := NewPresenceAndTyping(q, testIdentity, time.Second, nil)
	defer p.Close()

	q.typingUsers["conv1"] = []models.TypingIndicator{
		typingIndicator("conv1", "alice"),
		typingIndicator("conv1", "bob"),
	}
	p.HandleTypingEvent(context.Background(), "conv1")
	if got := len(p.TypingUsers("conv1")); got != 2 {
		t.Fatalf("visible set = %d, want 2", got)
	}

	// A stop event arrives as a smaller authoritative set, not a patch.
	q.typingUsers["conv1"] = []models.TypingIndicator{typingIndicator("conv1", "bob")}
	p.HandleTypingEvent(context.Background(), "conv1")

	users := p.TypingUsers("conv1")
	if len(users) != 1 || users[0].UserID != "bob" {
		t.Errorf("stale entry survived full refresh: %+v", users)
	}
}

func TestTypingExcludesSelf(t *testing.T) {
	q := newFakeQuerier()
	p := NewPresenceAndTyping(q, testIdentity, time.Second, nil)
	defer p.Close()

	q.typingUsers["conv1"] = []models.TypingIndicator{
		typingIndicator("conv1", "me"),
		typingIndicator("conv1", "peer"),
	}
	p.HandleTypingEvent(context.Background(), "conv1")

	users := p.TypingUsers("conv1")
	if len(users) != 1 || users[0].UserID != "peer" {
		t.Errorf("own indicator not filtered: %+v", users)
	}
}

func TestSetTypingSwallowsErrors(t *testing.T) {
	q := newFakeQuerier()
	q.setTypingErr = errors.New("backend down")
	p := NewPresenceAndTyping(q, testIdentity, time.Second, nil)
	defer p.Close()

	// Must not panic, return, or surface anything.
	p.SetTyping(context.Background(), "conv1", true)
	p.SetTyping(context.Background(), "conv1", false)

	if len(q.setTypingCalls) != 2 {
		t.Errorf("notifications sent = %d, want 2", len(q.setTypingCalls))
	}
}

func TestTypingFetchErrorKeepsVisibleSet(t *testing.T) {
	q := newFakeQuerier()
	p := NewPresenceAndTyping(q, testIdentity, time.Second, nil)
	defer p.Close()

	q.typingUsers["conv1"] = []models.TypingIndicator{typingIndicator("conv1", "peer")}
	p.HandleTypingEvent(context.Background(), "conv1")

	q.typingErr = errors.New("backend down")
	p.HandleTypingEvent(context.Background(), "conv1")

	if got := len(p.TypingUsers("conv1")); got != 1 {
		t.Errorf("failed refresh clobbered the visible set: %d", got)
	}
}

func TestTypingOnChangeObservesExpiry(t *testing.T) {
	q := newFakeQuerier()
	p := NewPresenceAndTyping(q, testIdentity, 50*time.Millisecond, nil)
	defer p.Close()

	changes := make(chan int, 8)
	p.OnChange = func(_ string, users []models.TypingIndicator) {
		changes <- len(users)
	}

	q.typingUsers["conv1"] = []models.TypingIndicator{typingIndicator("conv1", "peer")}
	p.HandleTypingEvent(context.Background(), "conv1")

	if got := <-changes; got != 1 {
		t.Fatalf("first change = %d users, want 1", got)
	}
	select {
	case got := <-changes:
		if got != 0 {
			t.Errorf("expiry change = %d users, want 0", got)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expiry never notified")
	}
}
