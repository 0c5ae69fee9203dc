// Package docstore defines the contract with the remote document store
// provider: path-addressed documents grouped in collections, merge or
// overwrite writes, server-assigned timestamps, and live query
// subscriptions that push change batches.
package docstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get for a missing document.
var ErrNotFound = errors.New("document not found")

// serverTimestamp is the sentinel type replaced with the server's clock
// at write time.
type serverTimestamp struct{}

// ServerTimestamp is a write-time placeholder resolved to the server's
// clock when the write commits.
var ServerTimestamp = serverTimestamp{}

// Document is a stored document with its collection-scoped id.
type Document struct {
	ID   string
	Data map[string]any
}

// ChangeKind describes one entry of a change batch.
type ChangeKind int

const (
	Added ChangeKind = iota
	Modified
	Removed
)

func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "added"
	case Modified:
		return "modified"
	case Removed:
		return "removed"
	}
	return "unknown"
}

// Change is a single document change within a snapshot.
type Change struct {
	Kind ChangeKind
	Doc  Document
}

// Snapshot is one notification from a live query: the full matching
// document set plus the changes since the previous notification. The
// first snapshot reports every document as Added.
type Snapshot struct {
	Docs    []Document
	Changes []Change
}

// Filter is a single query predicate. Supported ops: "==", "!=",
// "array-contains".
type Filter struct {
	Field string
	Op    string
	Value any
}

// Query scopes reads and subscriptions to a collection path such as
// "chats" or "chats/a_b/messages".
type Query struct {
	Path    string
	Filters []Filter
	OrderBy string
	Desc    bool
	Limit   int
}

// Store is the remote document store. All methods are safe for
// concurrent use. Implementations resolve ServerTimestamp sentinels to
// their own clock at commit.
type Store interface {
	// Get reads one document by slash path ("chats/a_b").
	Get(ctx context.Context, path string) (Document, error)
	// Set writes a document. With merge, existing fields not present in
	// data are preserved; otherwise the document is replaced.
	Set(ctx context.Context, path string, data map[string]any, merge bool) error
	// Update applies a partial update to an existing document.
	Update(ctx context.Context, path string, data map[string]any) error
	// Add creates a document with a generated id and returns the id.
	Add(ctx context.Context, collection string, data map[string]any) (string, error)
	// Query runs a one-shot read.
	Query(ctx context.Context, q Query) ([]Document, error)
	// Subscribe opens a live query. onNext receives snapshots in commit
	// order until the returned unsubscribe function is called. onError
	// receives transient subscription failures; the subscription keeps
	// retrying per the provider's policy.
	Subscribe(q Query, onNext func(Snapshot), onError func(error)) (func(), error)
}

// Time extracts a timestamp field from document data, tolerating the
// provider's native representations.
func Time(data map[string]any, field string) *time.Time {
	switch v := data[field].(type) {
	case time.Time:
		return &v
	case *time.Time:
		return v
	}
	return nil
}

// String extracts a string field, returning "" when absent.
func String(data map[string]any, field string) string {
	s, _ := data[field].(string)
	return s
}

// StringSlice extracts a string-slice field, tolerating []any storage.
func StringSlice(data map[string]any, field string) []string {
	switch v := data[field].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// IntMap extracts a map[string]int field, tolerating map[string]any
// storage with numeric values.
func IntMap(data map[string]any, field string) map[string]int {
	switch v := data[field].(type) {
	case map[string]int:
		return v
	case map[string]any:
		out := make(map[string]int, len(v))
		for k, e := range v {
			switch n := e.(type) {
			case int:
				out[k] = n
			case int32:
				out[k] = int(n)
			case int64:
				out[k] = int(n)
			case float64:
				out[k] = int(n)
			}
		}
		return out
	}
	return nil
}
