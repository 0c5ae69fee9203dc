// Package enrich derives conversation summary fields from message
// history: the most recent message, its type and timestamp, and the
// unread count carried on the conversation document.
package enrich

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dmoura/convo/internal/convo"
	"github.com/dmoura/convo/internal/docstore"
)

// concurrency caps in-flight message fetches per batch.
const concurrency = 8

// Request identifies one changed conversation to enrich.
type Request struct {
	// ConversationID is the chat or group document id.
	ConversationID string
	// Path is the conversation document path ("chats/u1_u2", "groups/g").
	Path string
	// Key is the merge key for the caller's summary map: the peer user
	// id for 1:1 chats, the group id for groups.
	Key string
	// CreatedAt, when set, is used as the placeholder timestamp for
	// conversations with no history (group creation time).
	CreatedAt *time.Time
	// Unread is the viewer's unread count from the conversation doc.
	Unread int
}

// Result pairs a request with its resolved summary.
type Result struct {
	Request
	Summary convo.Summary
}

// Pipeline fetches last messages for changed conversations.
type Pipeline struct {
	store  docstore.Store
	logger *zap.Logger
}

// New creates an enrichment pipeline reading from store.
func New(store docstore.Store, logger *zap.Logger) *Pipeline {
	return &Pipeline{store: store, logger: logger}
}

// EnrichBatch resolves summaries for every request concurrently. One
// conversation's fetch failure yields its placeholder summary without
// affecting the rest of the batch; the next feed notification retries
// it. A cancelled context aborts the batch and returns nil so stale
// results are never applied after teardown.
func (p *Pipeline) EnrichBatch(ctx context.Context, reqs []Request) []Result {
	if len(reqs) == 0 {
		return nil
	}
	results := make([]Result, len(reqs))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, req := range reqs {
		g.Go(func() error {
			results[i] = Result{Request: req, Summary: p.enrichOne(ctx, req)}
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		return nil
	}
	return results
}

func (p *Pipeline) enrichOne(ctx context.Context, req Request) convo.Summary {
	summary := convo.Summary{
		ConversationID: req.ConversationID,
		LastMessage:    convo.NoMessagesPlaceholder,
		Timestamp:      req.CreatedAt,
		UnreadCount:    req.Unread,
	}
	if ctx.Err() != nil {
		return summary
	}

	docs, err := p.store.Query(ctx, docstore.Query{
		Path:    req.Path + "/messages",
		OrderBy: "createdAt",
		Desc:    true,
		Limit:   1,
	})
	if err != nil {
		if p.logger != nil {
			p.logger.Warn("last message fetch failed",
				zap.String("conversation", req.ConversationID), zap.Error(err))
		}
		return summary
	}
	if len(docs) == 0 {
		return summary
	}

	msg := docs[0]
	msgType := convo.MessageType(docstore.String(msg.Data, "type"))
	summary.LastMessageType = msgType
	summary.LastMessage = Preview(msgType, docstore.String(msg.Data, "text"))
	if ts := docstore.Time(msg.Data, "createdAt"); ts != nil {
		summary.Timestamp = ts
	}
	return summary
}

// Preview returns the list-row text for a message.
func Preview(msgType convo.MessageType, text string) string {
	switch msgType {
	case convo.TypeImage:
		return convo.ImagePreviewText
	case convo.TypeLocation:
		return convo.LocationPreviewText
	default:
		if text == "" {
			return convo.NoMessagesPlaceholder
		}
		return text
	}
}
