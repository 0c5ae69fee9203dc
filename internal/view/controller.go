package view

import (
	"sync"
	"time"

	"github.com/dmoura/convo/internal/bus"
	"github.com/dmoura/convo/internal/convo"
)

// Controller owns the latest per-feed snapshots and the active tab and
// search term. Every mutation goes through one recompute step; the
// merged list is single-owner and only ever replaced wholesale, so
// racing feed updates can interleave in any order without corrupting
// the view (last write per feed wins).
type Controller struct {
	mu sync.Mutex

	contacts      []convo.Contact
	chatSummaries map[string]convo.Summary
	groups        []convo.Group
	tab           convo.Tab
	search        string

	entries []convo.Entry
	bus     *bus.Bus
}

// NewController creates a controller publishing merged lists on b.
func NewController(b *bus.Bus) *Controller {
	return &Controller{
		chatSummaries: make(map[string]convo.Summary),
		tab:           convo.TabPeople,
		bus:           b,
	}
}

// SetContacts replaces the contact snapshot.
func (c *Controller) SetContacts(contacts []convo.Contact) {
	c.mu.Lock()
	c.contacts = contacts
	c.recomputeLocked()
	c.mu.Unlock()
}

// SetChatSummary merges one enriched chat summary, keyed by peer id.
func (c *Controller) SetChatSummary(peerID string, s convo.Summary) {
	c.mu.Lock()
	c.chatSummaries[peerID] = s
	c.recomputeLocked()
	c.mu.Unlock()
}

// RemoveChatSummary drops the summary for a removed conversation.
func (c *Controller) RemoveChatSummary(peerID string) {
	c.mu.Lock()
	delete(c.chatSummaries, peerID)
	c.recomputeLocked()
	c.mu.Unlock()
}

// SetGroups replaces the group snapshot.
func (c *Controller) SetGroups(groups []convo.Group) {
	c.mu.Lock()
	c.groups = groups
	c.recomputeLocked()
	c.mu.Unlock()
}

// SetTab switches the active tab.
func (c *Controller) SetTab(tab convo.Tab) {
	c.mu.Lock()
	c.tab = tab
	c.recomputeLocked()
	c.mu.Unlock()
}

// SetSearch updates the filter term.
func (c *Controller) SetSearch(term string) {
	c.mu.Lock()
	c.search = term
	c.recomputeLocked()
	c.mu.Unlock()
}

// Reset clears all snapshots, used on identity teardown.
func (c *Controller) Reset() {
	c.mu.Lock()
	c.contacts = nil
	c.chatSummaries = make(map[string]convo.Summary)
	c.groups = nil
	c.recomputeLocked()
	c.mu.Unlock()
}

// Entries returns the current merged list.
func (c *Controller) Entries() []convo.Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]convo.Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

func (c *Controller) recomputeLocked() {
	c.entries = Recompute(c.contacts, c.chatSummaries, c.groups, c.tab, c.search)
	if c.bus != nil {
		out := make([]convo.Entry, len(c.entries))
		copy(out, c.entries)
		c.bus.Publish(bus.Event{
			Kind:      "view.updated",
			Timestamp: time.Now(),
			Payload:   out,
		})
	}
}
