package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dmoura/convo/internal/docstore"
)

func TestSetGetRoundtrip(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.Set(ctx, "chats/a_b", map[string]any{"lastMessage": "hi"}, false); err != nil {
		t.Fatal(err)
	}

	doc, err := s.Get(ctx, "chats/a_b")
	if err != nil {
		t.Fatal(err)
	}
	if doc.Data["lastMessage"] != "hi" {
		t.Errorf("lastMessage = %v, want hi", doc.Data["lastMessage"])
	}
}

func TestGetMissing(t *testing.T) {
	s := New()
	_, err := s.Get(context.Background(), "chats/nope")
	if !errors.Is(err, docstore.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestSetMergePreservesFields(t *testing.T) {
	s := New()
	ctx := context.Background()

	_ = s.Set(ctx, "chats/a_b", map[string]any{"users": []string{"a", "b"}, "lastMessage": "hi"}, false)
	_ = s.Set(ctx, "chats/a_b", map[string]any{"lastMessage": "yo"}, true)

	doc, _ := s.Get(ctx, "chats/a_b")
	if doc.Data["lastMessage"] != "yo" {
		t.Errorf("lastMessage = %v, want yo", doc.Data["lastMessage"])
	}
	if len(docstore.StringSlice(doc.Data, "users")) != 2 {
		t.Error("merge dropped the users field")
	}
}

func TestSetOverwriteReplaces(t *testing.T) {
	s := New()
	ctx := context.Background()

	_ = s.Set(ctx, "chats/a_b", map[string]any{"users": []string{"a", "b"}}, false)
	_ = s.Set(ctx, "chats/a_b", map[string]any{"lastMessage": "yo"}, false)

	doc, _ := s.Get(ctx, "chats/a_b")
	if _, ok := doc.Data["users"]; ok {
		t.Error("overwrite kept the users field")
	}
}

func TestUpdateMissing(t *testing.T) {
	s := New()
	err := s.Update(context.Background(), "chats/nope", map[string]any{"x": 1})
	if !errors.Is(err, docstore.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestServerTimestampResolved(t *testing.T) {
	s := New()
	ctx := context.Background()

	before := time.Now()
	_ = s.Set(ctx, "chats/a_b", map[string]any{"updatedAt": docstore.ServerTimestamp}, false)

	doc, _ := s.Get(ctx, "chats/a_b")
	ts := docstore.Time(doc.Data, "updatedAt")
	if ts == nil {
		t.Fatal("updatedAt not resolved to a time")
	}
	if ts.Before(before.Add(-time.Second)) || ts.After(time.Now().Add(time.Second)) {
		t.Errorf("updatedAt = %v, want around now", ts)
	}
}

func TestQueryFilterOrderLimit(t *testing.T) {
	s := New()
	ctx := context.Background()

	base := time.Now()
	for i, id := range []string{"m1", "m2", "m3"} {
		_ = s.Set(ctx, "chats/a_b/messages/"+id, map[string]any{
			"sender":    "a",
			"createdAt": base.Add(time.Duration(i) * time.Minute),
		}, false)
	}
	_ = s.Set(ctx, "chats/a_b/messages/other", map[string]any{
		"sender":    "b",
		"createdAt": base.Add(time.Hour),
	}, false)

	docs, err := s.Query(ctx, docstore.Query{
		Path:    "chats/a_b/messages",
		Filters: []docstore.Filter{{Field: "sender", Op: "==", Value: "a"}},
		OrderBy: "createdAt",
		Desc:    true,
		Limit:   1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 1 || docs[0].ID != "m3" {
		t.Fatalf("query = %+v, want single doc m3", docs)
	}
}

func TestQueryArrayContains(t *testing.T) {
	s := New()
	ctx := context.Background()

	_ = s.Set(ctx, "groups/g1", map[string]any{"participants": []string{"u1", "u2"}}, false)
	_ = s.Set(ctx, "groups/g2", map[string]any{"participants": []string{"u2", "u3"}}, false)

	docs, _ := s.Query(ctx, docstore.Query{
		Path:    "groups",
		Filters: []docstore.Filter{{Field: "participants", Op: "array-contains", Value: "u1"}},
	})
	if len(docs) != 1 || docs[0].ID != "g1" {
		t.Fatalf("query = %+v, want single doc g1", docs)
	}
}

func collectSnapshots(t *testing.T) (func(docstore.Snapshot), <-chan docstore.Snapshot) {
	t.Helper()
	ch := make(chan docstore.Snapshot, 16)
	return func(s docstore.Snapshot) { ch <- s }, ch
}

func waitSnapshot(t *testing.T, ch <-chan docstore.Snapshot) docstore.Snapshot {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for snapshot")
		return docstore.Snapshot{}
	}
}

func TestSubscribeInitialSnapshot(t *testing.T) {
	s := New()
	ctx := context.Background()
	_ = s.Set(ctx, "users/u1", map[string]any{"userId": "u1"}, false)

	onNext, ch := collectSnapshots(t)
	unsub, err := s.Subscribe(docstore.Query{Path: "users"}, onNext, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer unsub()

	snap := waitSnapshot(t, ch)
	if len(snap.Docs) != 1 || len(snap.Changes) != 1 || snap.Changes[0].Kind != docstore.Added {
		t.Fatalf("initial snapshot = %+v, want one Added doc", snap)
	}
}

func TestSubscribeChangeKinds(t *testing.T) {
	s := New()
	ctx := context.Background()

	onNext, ch := collectSnapshots(t)
	unsub, _ := s.Subscribe(docstore.Query{Path: "chats"}, onNext, nil)
	defer unsub()

	waitSnapshot(t, ch) // empty initial

	_ = s.Set(ctx, "chats/c1", map[string]any{"lastMessage": "hi"}, false)
	snap := waitSnapshot(t, ch)
	if snap.Changes[0].Kind != docstore.Added {
		t.Errorf("kind = %v, want Added", snap.Changes[0].Kind)
	}

	_ = s.Update(ctx, "chats/c1", map[string]any{"lastMessage": "yo"})
	snap = waitSnapshot(t, ch)
	if snap.Changes[0].Kind != docstore.Modified {
		t.Errorf("kind = %v, want Modified", snap.Changes[0].Kind)
	}

	_ = s.Delete(ctx, "chats/c1")
	snap = waitSnapshot(t, ch)
	if snap.Changes[0].Kind != docstore.Removed {
		t.Errorf("kind = %v, want Removed", snap.Changes[0].Kind)
	}
	if len(snap.Docs) != 0 {
		t.Errorf("docs after removal = %d, want 0", len(snap.Docs))
	}
}

func TestSubscribeFilterScopes(t *testing.T) {
	s := New()
	ctx := context.Background()

	onNext, ch := collectSnapshots(t)
	unsub, _ := s.Subscribe(docstore.Query{
		Path:    "users",
		Filters: []docstore.Filter{{Field: "userId", Op: "!=", Value: "me"}},
	}, onNext, nil)
	defer unsub()

	waitSnapshot(t, ch)

	_ = s.Set(ctx, "users/me", map[string]any{"userId": "me"}, false)
	_ = s.Set(ctx, "users/u2", map[string]any{"userId": "u2"}, false)

	snap := waitSnapshot(t, ch)
	if len(snap.Docs) != 1 || snap.Docs[0].ID != "u2" {
		t.Fatalf("snapshot docs = %+v, want only u2", snap.Docs)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	s := New()
	ctx := context.Background()

	onNext, ch := collectSnapshots(t)
	unsub, _ := s.Subscribe(docstore.Query{Path: "chats"}, onNext, nil)
	waitSnapshot(t, ch)
	unsub()
	unsub() // idempotent

	_ = s.Set(ctx, "chats/c1", map[string]any{"x": 1}, false)

	select {
	case snap := <-ch:
		t.Errorf("received snapshot after unsubscribe: %+v", snap)
	case <-time.After(100 * time.Millisecond):
	}

	if s.SubscriberCount("chats") != 0 {
		t.Errorf("SubscriberCount = %d, want 0", s.SubscriberCount("chats"))
	}
}
