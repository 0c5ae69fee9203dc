package enrich

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dmoura/convo/internal/convo"
	"github.com/dmoura/convo/internal/docstore"
	"github.com/dmoura/convo/internal/docstore/memstore"
)

func seedMessage(t *testing.T, store docstore.Store, path string, data map[string]any) {
	t.Helper()
	if _, err := store.Add(context.Background(), path, data); err != nil {
		t.Fatalf("Add(%s): %v", path, err)
	}
}

func TestEnrichLastMessage(t *testing.T) {
	store := memstore.New()
	seedMessage(t, store, "chats/alice_bob/messages", map[string]any{
		"type":      "text",
		"text":      "hello",
		"createdAt": time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
	})
	seedMessage(t, store, "chats/alice_bob/messages", map[string]any{
		"type":      "text",
		"text":      "newer",
		"createdAt": time.Date(2026, 8, 1, 11, 0, 0, 0, time.UTC),
	})

	p := New(store, zap.NewNop())
	results := p.EnrichBatch(context.Background(), []Request{{
		ConversationID: "alice_bob",
		Path:           "chats/alice_bob",
		Key:            "bob",
		Unread:         2,
	}})
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	s := results[0].Summary
	if s.LastMessage != "newer" {
		t.Errorf("LastMessage = %q, want %q", s.LastMessage, "newer")
	}
	if s.Timestamp == nil || s.Timestamp.Hour() != 11 {
		t.Errorf("Timestamp = %v, want the newer message time", s.Timestamp)
	}
	if s.UnreadCount != 2 {
		t.Errorf("UnreadCount = %d, want 2", s.UnreadCount)
	}
}

func TestEnrichPreviews(t *testing.T) {
	store := memstore.New()
	seedMessage(t, store, "chats/a_b/messages", map[string]any{
		"type":      "image",
		"createdAt": time.Now(),
	})
	seedMessage(t, store, "chats/a_c/messages", map[string]any{
		"type":      "location",
		"createdAt": time.Now(),
	})

	p := New(store, zap.NewNop())
	results := p.EnrichBatch(context.Background(), []Request{
		{ConversationID: "a_b", Path: "chats/a_b", Key: "b"},
		{ConversationID: "a_c", Path: "chats/a_c", Key: "c"},
	})
	if got := results[0].Summary.LastMessage; got != convo.ImagePreviewText {
		t.Errorf("image preview = %q, want %q", got, convo.ImagePreviewText)
	}
	if got := results[1].Summary.LastMessage; got != convo.LocationPreviewText {
		t.Errorf("location preview = %q, want %q", got, convo.LocationPreviewText)
	}
}

func TestEnrichEmptyConversation(t *testing.T) {
	store := memstore.New()
	created := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

	p := New(store, zap.NewNop())
	results := p.EnrichBatch(context.Background(), []Request{
		{ConversationID: "a_b", Path: "chats/a_b", Key: "b"},
		{ConversationID: "g1", Path: "groups/g1", Key: "g1", CreatedAt: &created},
	})

	chat := results[0].Summary
	if chat.LastMessage != convo.NoMessagesPlaceholder {
		t.Errorf("chat placeholder = %q, want %q", chat.LastMessage, convo.NoMessagesPlaceholder)
	}
	if chat.Timestamp != nil {
		t.Errorf("empty chat timestamp = %v, want nil", chat.Timestamp)
	}

	group := results[1].Summary
	if group.Timestamp == nil || !group.Timestamp.Equal(created) {
		t.Errorf("empty group timestamp = %v, want creation time %v", group.Timestamp, created)
	}
}

type failingStore struct {
	docstore.Store
	failPath string
}

func (f *failingStore) Query(ctx context.Context, q docstore.Query) ([]docstore.Document, error) {
	if q.Path == f.failPath {
		return nil, errors.New("backend unavailable")
	}
	return f.Store.Query(ctx, q)
}

func TestEnrichPartialFailure(t *testing.T) {
	mem := memstore.New()
	seedMessage(t, mem, "chats/a_c/messages", map[string]any{
		"type":      "text",
		"text":      "still here",
		"createdAt": time.Now(),
	})
	store := &failingStore{Store: mem, failPath: "chats/a_b/messages"}

	p := New(store, zap.NewNop())
	results := p.EnrichBatch(context.Background(), []Request{
		{ConversationID: "a_b", Path: "chats/a_b", Key: "b"},
		{ConversationID: "a_c", Path: "chats/a_c", Key: "c"},
	})
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if got := results[0].Summary.LastMessage; got != convo.NoMessagesPlaceholder {
		t.Errorf("failed fetch summary = %q, want placeholder", got)
	}
	if got := results[1].Summary.LastMessage; got != "still here" {
		t.Errorf("healthy fetch summary = %q, want %q", got, "still here")
	}
}

func TestEnrichCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := New(memstore.New(), zap.NewNop())
	results := p.EnrichBatch(ctx, []Request{{ConversationID: "a_b", Path: "chats/a_b"}})
	if results != nil {
		t.Errorf("cancelled batch results = %v, want nil", results)
	}
}
