// Package feed owns the provider subscriptions behind the merged
// conversation view: the contact directory, the viewer's 1:1 chats and
// the groups the viewer belongs to. Each feed fails independently; a
// broken subscription surfaces as a notice while its siblings keep
// streaming.
package feed

import (
	"time"

	"go.uber.org/zap"

	"github.com/dmoura/convo/internal/bus"
	"github.com/dmoura/convo/internal/convo"
	"github.com/dmoura/convo/internal/docstore"
	"github.com/dmoura/convo/internal/identity"
)

// Handlers receive parsed feed notifications. Callbacks run on the
// store's delivery goroutine; consumers hand results off rather than
// blocking in them.
type Handlers struct {
	// Contacts receives the full contact list on every directory change.
	Contacts func(contacts []convo.Contact)
	// ChatChanges receives incremental changes to the viewer's chats.
	ChatChanges func(changes []docstore.Change)
	// Groups receives the full set of groups the viewer belongs to.
	Groups func(groups []convo.Group)
}

// Manager runs the three live feeds for one signed-in identity.
type Manager struct {
	store    docstore.Store
	bus      *bus.Bus
	logger   *zap.Logger
	handlers Handlers

	stops []func()
}

// NewManager creates a stopped feed manager.
func NewManager(store docstore.Store, b *bus.Bus, logger *zap.Logger, h Handlers) *Manager {
	return &Manager{store: store, bus: b, logger: logger, handlers: h}
}

// Start opens the feeds scoped to id. Any feeds from a previous
// identity are torn down first, so at most one subscription per feed
// exists at a time. The caller serializes Start and Stop.
func (m *Manager) Start(id *identity.Identity) {
	m.Stop()
	m.logger.Info("starting feeds", zap.String("uid", id.UID))

	m.open("contacts", docstore.Query{
		Path:    "users",
		Filters: []docstore.Filter{{Field: "userId", Op: "!=", Value: id.UID}},
	}, func(snap docstore.Snapshot) {
		if m.handlers.Contacts != nil {
			m.handlers.Contacts(parseContacts(snap.Docs))
		}
	})

	m.open("chats", docstore.Query{
		Path:    "chats",
		Filters: []docstore.Filter{{Field: "users", Op: "array-contains", Value: id.UID}},
	}, func(snap docstore.Snapshot) {
		if m.handlers.ChatChanges != nil {
			m.handlers.ChatChanges(snap.Changes)
		}
	})

	m.open("groups", docstore.Query{
		Path:    "groups",
		Filters: []docstore.Filter{{Field: "participants", Op: "array-contains", Value: id.UID}},
	}, func(snap docstore.Snapshot) {
		if m.handlers.Groups != nil {
			m.handlers.Groups(parseGroups(snap.Docs, id.UID))
		}
	})
}

// Stop tears down all feeds. Safe to call repeatedly and while stopped.
func (m *Manager) Stop() {
	for _, stop := range m.stops {
		stop()
	}
	m.stops = nil
}

func (m *Manager) open(name string, q docstore.Query, onNext func(docstore.Snapshot)) {
	unsub, err := m.store.Subscribe(q, onNext, func(err error) {
		m.notifyError(name, err)
	})
	if err != nil {
		m.notifyError(name, err)
		return
	}
	m.stops = append(m.stops, unsub)
}

func (m *Manager) notifyError(feed string, err error) {
	m.logger.Warn("feed error", zap.String("feed", feed), zap.Error(err))
	m.bus.Publish(bus.Event{
		Kind:      "notice.feed_error",
		Timestamp: time.Now(),
		Payload:   &convo.FeedError{Feed: feed, Err: err},
	})
}

func parseContacts(docs []docstore.Document) []convo.Contact {
	contacts := make([]convo.Contact, 0, len(docs))
	for _, doc := range docs {
		id := docstore.String(doc.Data, "userId")
		if id == "" {
			id = doc.ID
		}
		contacts = append(contacts, convo.Contact{
			ID:    id,
			Name:  docstore.String(doc.Data, "name"),
			Email: docstore.String(doc.Data, "email"),
		})
	}
	return contacts
}

func parseGroups(docs []docstore.Document, self string) []convo.Group {
	groups := make([]convo.Group, 0, len(docs))
	for _, doc := range docs {
		g := convo.Group{
			ID:           doc.ID,
			Name:         docstore.String(doc.Data, "name"),
			CreatedBy:    docstore.String(doc.Data, "createdBy"),
			CreatedAt:    docstore.Time(doc.Data, "createdAt"),
			Participants: docstore.StringSlice(doc.Data, "participants"),
			Admins:       docstore.StringSlice(doc.Data, "admins"),
		}
		g.Summary = convo.Summary{
			ConversationID:  doc.ID,
			LastMessage:     docstore.String(doc.Data, "lastMessage"),
			LastMessageType: convo.MessageType(docstore.String(doc.Data, "lastMessageType")),
			Timestamp:       docstore.Time(doc.Data, "lastMessageTime"),
			UnreadCount:     docstore.IntMap(doc.Data, "unreadCount")[self],
		}
		if g.Summary.LastMessage == "" {
			g.Summary.LastMessage = convo.NoMessagesPlaceholder
		}
		if g.Summary.Timestamp == nil {
			g.Summary.Timestamp = g.CreatedAt
		}
		groups = append(groups, g)
	}
	return groups
}
