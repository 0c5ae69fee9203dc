// Package memstore is an in-memory document store backend. It backs the
// "memory" provider mode and the test suite: live subscriptions see
// every mutation in commit order, and server timestamps resolve to the
// local clock at commit.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmoura/convo/internal/docstore"
)

type document struct {
	data map[string]any
	rev  uint64
}

type subscription struct {
	id     int
	query  docstore.Query
	onNext func(docstore.Snapshot)
	// seen maps doc id to the revision last reported to the subscriber.
	seen map[string]uint64
	ch   chan docstore.Snapshot
	done chan struct{}
}

// Store implements docstore.Store in memory.
type Store struct {
	mu sync.Mutex
	// collections maps a collection path ("chats", "chats/a_b/messages")
	// to its documents by id.
	collections map[string]map[string]*document
	subs        map[int]*subscription
	nextSub     int
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		collections: make(map[string]map[string]*document),
		subs:        make(map[int]*subscription),
	}
}

var _ docstore.Store = (*Store)(nil)

func splitPath(path string) (collection, id string, err error) {
	i := strings.LastIndex(path, "/")
	if i <= 0 || i == len(path)-1 {
		return "", "", fmt.Errorf("invalid document path %q", path)
	}
	return path[:i], path[i+1:], nil
}

// Get reads one document by path.
func (s *Store) Get(_ context.Context, path string) (docstore.Document, error) {
	coll, id, err := splitPath(path)
	if err != nil {
		return docstore.Document{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.collections[coll][id]
	if !ok {
		return docstore.Document{}, docstore.ErrNotFound
	}
	return docstore.Document{ID: id, Data: copyData(doc.data)}, nil
}

// Set writes a document, merging or replacing existing fields.
func (s *Store) Set(_ context.Context, path string, data map[string]any, merge bool) error {
	coll, id, err := splitPath(path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	docs := s.collections[coll]
	if docs == nil {
		docs = make(map[string]*document)
		s.collections[coll] = docs
	}
	resolved := resolveTimestamps(data)
	if existing, ok := docs[id]; ok && merge {
		for k, v := range resolved {
			existing.data[k] = v
		}
		existing.rev++
	} else {
		var rev uint64 = 1
		if existing, ok := docs[id]; ok {
			rev = existing.rev + 1
		}
		docs[id] = &document{data: resolved, rev: rev}
	}
	s.notifyLocked(coll)
	return nil
}

// Update applies a partial update; the document must exist.
func (s *Store) Update(_ context.Context, path string, data map[string]any) error {
	coll, id, err := splitPath(path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.collections[coll][id]
	if !ok {
		return docstore.ErrNotFound
	}
	for k, v := range resolveTimestamps(data) {
		doc.data[k] = v
	}
	doc.rev++
	s.notifyLocked(coll)
	return nil
}

// Delete removes a document if present.
func (s *Store) Delete(_ context.Context, path string) error {
	coll, id, err := splitPath(path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if docs, ok := s.collections[coll]; ok {
		delete(docs, id)
		s.notifyLocked(coll)
	}
	return nil
}

// Add creates a document with a generated id.
func (s *Store) Add(_ context.Context, collection string, data map[string]any) (string, error) {
	id := uuid.NewString()
	s.mu.Lock()
	defer s.mu.Unlock()

	docs := s.collections[collection]
	if docs == nil {
		docs = make(map[string]*document)
		s.collections[collection] = docs
	}
	docs[id] = &document{data: resolveTimestamps(data), rev: 1}
	s.notifyLocked(collection)
	return id, nil
}

// Query runs a one-shot read.
func (s *Store) Query(_ context.Context, q docstore.Query) ([]docstore.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.matchLocked(q), nil
}

// Subscribe opens a live query delivering snapshots in commit order.
func (s *Store) Subscribe(q docstore.Query, onNext func(docstore.Snapshot), onError func(error)) (func(), error) {
	s.mu.Lock()
	sub := &subscription{
		id:     s.nextSub,
		query:  q,
		onNext: onNext,
		seen:   make(map[string]uint64),
		ch:     make(chan docstore.Snapshot, 256),
		done:   make(chan struct{}),
	}
	s.nextSub++
	s.subs[sub.id] = sub

	// Initial snapshot reports everything as Added, even when empty.
	first := s.snapshotLocked(sub)
	sub.ch <- first
	s.mu.Unlock()

	go func() {
		for {
			select {
			case snap := <-sub.ch:
				sub.onNext(snap)
			case <-sub.done:
				return
			}
		}
	}()

	return func() {
		s.mu.Lock()
		if _, ok := s.subs[sub.id]; ok {
			delete(s.subs, sub.id)
			close(sub.done)
		}
		s.mu.Unlock()
	}, nil
}

// SubscriberCount reports live subscriptions on a collection path.
// Test helper.
func (s *Store) SubscriberCount(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sub := range s.subs {
		if sub.query.Path == path {
			n++
		}
	}
	return n
}

func (s *Store) notifyLocked(collection string) {
	for _, sub := range s.subs {
		if sub.query.Path != collection {
			continue
		}
		snap := s.snapshotLocked(sub)
		if len(snap.Changes) == 0 {
			continue
		}
		select {
		case sub.ch <- snap:
		case <-sub.done:
		}
	}
}

// snapshotLocked computes the matching set for sub, diffs it against
// what the subscriber last saw, and records the new revisions.
func (s *Store) snapshotLocked(sub *subscription) docstore.Snapshot {
	docs := s.matchLocked(sub.query)

	var changes []docstore.Change
	current := make(map[string]uint64, len(docs))
	for _, d := range docs {
		rev := s.collections[sub.query.Path][d.ID].rev
		current[d.ID] = rev
		prev, ok := sub.seen[d.ID]
		switch {
		case !ok:
			changes = append(changes, docstore.Change{Kind: docstore.Added, Doc: d})
		case prev != rev:
			changes = append(changes, docstore.Change{Kind: docstore.Modified, Doc: d})
		}
	}
	for id := range sub.seen {
		if _, ok := current[id]; !ok {
			changes = append(changes, docstore.Change{Kind: docstore.Removed, Doc: docstore.Document{ID: id}})
		}
	}
	sub.seen = current
	return docstore.Snapshot{Docs: docs, Changes: changes}
}

func (s *Store) matchLocked(q docstore.Query) []docstore.Document {
	var out []docstore.Document
	for id, doc := range s.collections[q.Path] {
		if matches(doc.data, q.Filters) {
			out = append(out, docstore.Document{ID: id, Data: copyData(doc.data)})
		}
	}
	if q.OrderBy != "" {
		sort.SliceStable(out, func(i, j int) bool {
			c := compare(out[i].Data[q.OrderBy], out[j].Data[q.OrderBy])
			if q.Desc {
				return c > 0
			}
			return c < 0
		})
	} else {
		sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

func matches(data map[string]any, filters []docstore.Filter) bool {
	for _, f := range filters {
		switch f.Op {
		case "==":
			if compare(data[f.Field], f.Value) != 0 {
				return false
			}
		case "!=":
			if compare(data[f.Field], f.Value) == 0 {
				return false
			}
		case "array-contains":
			found := false
			for _, v := range docstore.StringSlice(data, f.Field) {
				if v == f.Value {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func compare(a, b any) int {
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		if !ok {
			return -1
		}
		return strings.Compare(av, bv)
	case time.Time:
		bv, ok := b.(time.Time)
		if !ok {
			return -1
		}
		return av.Compare(bv)
	case int:
		if bv, ok := b.(int); ok {
			return av - bv
		}
	case float64:
		if bv, ok := b.(float64); ok {
			switch {
			case av < bv:
				return -1
			case av > bv:
				return 1
			}
			return 0
		}
	case nil:
		if b == nil {
			return 0
		}
		return -1
	}
	return 1
}

func resolveTimestamps(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	now := time.Now()
	for k, v := range data {
		if v == docstore.ServerTimestamp {
			out[k] = now
			continue
		}
		out[k] = v
	}
	return out
}

func copyData(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		switch vv := v.(type) {
		case []string:
			out[k] = append([]string(nil), vv...)
		case []any:
			out[k] = append([]any(nil), vv...)
		case map[string]any:
			out[k] = copyData(vv)
		case map[string]int:
			m := make(map[string]int, len(vv))
			for mk, mv := range vv {
				m[mk] = mv
			}
			out[k] = m
		default:
			out[k] = v
		}
	}
	return out
}
