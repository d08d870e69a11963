package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"chat-core/internal/models"
)

func TestListSortedByLastMessageAt(t *testing.T) {
	q := newFakeQuerier()
	old := baseTime
	mid := baseTime.Add(time.Hour)
	recent := baseTime.Add(2 * time.Hour)
	q.conversations = []models.Conversation{
		{ID: "conv-old", Type: models.ConversationDirect, LastMessageAt: &old},
		{ID: "conv-recent", Type: models.ConversationDirect, LastMessageAt: &recent},
		{ID: "conv-empty", Type: models.ConversationGroup},
		{ID: "conv-mid", Type: models.ConversationDirect, LastMessageAt: &mid},
	}
	dir := NewConversationDirectory(q, testIdentity, nil)

	got, err := dir.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{"conv-recent", "conv-mid", "conv-old", "conv-empty"}
	if len(got) != len(want) {
		t.Fatalf("got %d conversations, want %d", len(got), len(want))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("position %d: got %s, want %s", i, got[i].ID, id)
		}
	}

	// Second call serves the cache.
	if _, err := dir.List(context.Background()); err != nil {
		t.Fatalf("second list: %v", err)
	}
	if q.conversationsCalls != 1 {
		t.Errorf("bulk fetch ran %d times, want 1", q.conversationsCalls)
	}
}

func TestListFetchErrorAllowsRetry(t *testing.T) {
	q := newFakeQuerier()
	seedConversation(q, "conv1")
	q.conversationsErr = errors.New("transport failure")
	dir := NewConversationDirectory(q, testIdentity, nil)

	_, err := dir.List(context.Background())
	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("error type %T, want *FetchError", err)
	}

	q.conversationsErr = nil
	got, err := dir.List(context.Background())
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("retry returned %d conversations, want 1", len(got))
	}
}

func TestResolveDeepLink(t *testing.T) {
	q := newFakeQuerier()
	seedConversation(q, "conv1")
	dir := NewConversationDirectory(q, testIdentity, nil)

	// Not in any cached list yet: single-item fetch.
	c, err := dir.Resolve(context.Background(), "conv1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if c.ID != "conv1" {
		t.Fatalf("resolved %s, want conv1", c.ID)
	}

	if _, err := dir.Resolve(context.Background(), "conv-missing"); err != ErrNotFound {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestMarkReadIdempotent(t *testing.T) {
	q := newFakeQuerier()
	seedConversation(q, "conv1")
	dir := NewConversationDirectory(q, testIdentity, nil)
	if _, err := dir.List(context.Background()); err != nil {
		t.Fatalf("list: %v", err)
	}

	m := textMsg("m-1", "conv1", "peer", baseTime)
	dir.ApplyIncoming("conv1", &m, 1)
	if dir.Summary("conv1").UnreadCount != 1 {
		t.Fatal("unread not incremented")
	}

	if err := dir.MarkRead(context.Background(), "conv1"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if err := dir.MarkRead(context.Background(), "conv1"); err != nil {
		t.Fatalf("second mark read: %v", err)
	}

	if dir.Summary("conv1").UnreadCount != 0 {
		t.Error("unread not zeroed")
	}
	if got := q.markReadCount("conv1"); got != 1 {
		t.Errorf("backend confirmations: got %d, want 1", got)
	}
}

func TestMarkReadFailureAllowsRetry(t *testing.T) {
	q := newFakeQuerier()
	seedConversation(q, "conv1")
	dir := NewConversationDirectory(q, testIdentity, nil)
	if _, err := dir.List(context.Background()); err != nil {
		t.Fatalf("list: %v", err)
	}
	m := textMsg("m-1", "conv1", "peer", baseTime)
	dir.ApplyIncoming("conv1", &m, 1)

	q.markReadErr = errors.New("backend down")
	if err := dir.MarkRead(context.Background(), "conv1"); err == nil {
		t.Fatal("mark read succeeded, want error")
	}

	q.markReadErr = nil
	if err := dir.MarkRead(context.Background(), "conv1"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if got := q.markReadCount("conv1"); got != 1 {
		t.Errorf("backend confirmations after retry: got %d, want 1", got)
	}
}

func TestApplyIncomingClosedConversationIncrements(t *testing.T) {
	q := newFakeQuerier()
	seedConversation(q, "conv1")
	dir := NewConversationDirectory(q, testIdentity, nil)
	if _, err := dir.List(context.Background()); err != nil {
		t.Fatalf("list: %v", err)
	}

	m := textMsg("m-1", "conv1", "peer", baseTime)
	dir.ApplyIncoming("conv1", &m, 1)

	summary := dir.Summary("conv1")
	if summary.UnreadCount != 1 {
		t.Errorf("unread = %d, want 1", summary.UnreadCount)
	}
	if summary.LastMessage == nil || summary.LastMessage.ID != "m-1" {
		t.Error("lastMessage not updated")
	}
	if len(q.markReadCalls) != 0 {
		t.Error("closed conversation triggered a mark-read")
	}
}

func TestApplyIncomingActiveConversationMarksRead(t *testing.T) {
	q := newFakeQuerier()
	seedConversation(q, "conv1")
	dir := NewConversationDirectory(q, testIdentity, nil)
	if _, err := dir.List(context.Background()); err != nil {
		t.Fatalf("list: %v", err)
	}
	dir.SetActive("conv1")

	m := textMsg("m-1", "conv1", "peer", baseTime)
	dir.ApplyIncoming("conv1", &m, 1)

	summary := dir.Summary("conv1")
	if summary.UnreadCount != 0 {
		t.Errorf("unread = %d, want 0 for active conversation", summary.UnreadCount)
	}
	if got := q.markReadCount("conv1"); got != 1 {
		t.Errorf("mark-read calls: got %d, want 1", got)
	}
}

func TestApplyIncomingBatchCount(t *testing.T) {
	q := newFakeQuerier()
	seedConversation(q, "conv1")
	dir := NewConversationDirectory(q, testIdentity, nil)
	if _, err := dir.List(context.Background()); err != nil {
		t.Fatalf("list: %v", err)
	}

	last := textMsg("m-7", "conv1", "peer", baseTime.Add(7*time.Second))
	dir.ApplyIncoming("conv1", &last, 7)

	summary := dir.Summary("conv1")
	if summary.UnreadCount != 7 {
		t.Errorf("unread = %d, want 7", summary.UnreadCount)
	}
	if summary.LastMessageAt == nil || !summary.LastMessageAt.Equal(last.CreatedAt) {
		t.Error("lastMessageAt not taken from the batch's last message")
	}
}
