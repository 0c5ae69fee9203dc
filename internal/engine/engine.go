// Package engine runs the conversation synchronization loop: it reacts
// to identity transitions, drives the feeds and enrichment into the
// view controller, and hands out message channels and group operations
// scoped to the signed-in user.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dmoura/convo/internal/bus"
	"github.com/dmoura/convo/internal/channel"
	"github.com/dmoura/convo/internal/config"
	"github.com/dmoura/convo/internal/convo"
	"github.com/dmoura/convo/internal/docstore"
	"github.com/dmoura/convo/internal/enrich"
	"github.com/dmoura/convo/internal/feed"
	"github.com/dmoura/convo/internal/group"
	"github.com/dmoura/convo/internal/identity"
	"github.com/dmoura/convo/internal/kv"
	"github.com/dmoura/convo/internal/status"
	"github.com/dmoura/convo/internal/view"
)

// Engine owns the synchronization loop for one profile. All feed and
// enrichment results are applied on a single goroutine; an epoch
// counter invalidates work that was in flight when the identity that
// requested it went away.
type Engine struct {
	store   docstore.Store
	bus     *bus.Bus
	logger  *zap.Logger
	cfg     config.Config
	kvs     *kv.Store
	locator channel.Locator

	watcher *identity.Watcher
	machine *status.Machine
	ctrl    *view.Controller
	enrich  *enrich.Pipeline
	feeds   *feed.Manager

	tasks chan func()
	done  chan struct{}
	wg    sync.WaitGroup
	epoch atomic.Uint64

	mu           sync.Mutex
	self         *identity.Identity
	groupMgr     *group.Manager
	channels     []*channel.Channel
	enrichCtx    context.Context
	enrichCancel context.CancelFunc

	// Loop-owned state, touched only from run().
	peerByChat map[string]string
	groups     []convo.Group
	synced     bool
}

// New wires an engine from its collaborators. Call Start to run it.
func New(store docstore.Store, b *bus.Bus, logger *zap.Logger, cfg config.Config,
	provider identity.Provider, kvs *kv.Store, locator channel.Locator) *Engine {
	e := &Engine{
		store:      store,
		bus:        b,
		logger:     logger,
		cfg:        cfg,
		kvs:        kvs,
		locator:    locator,
		watcher:    identity.NewWatcher(provider, logger),
		machine:    status.NewMachine(b),
		ctrl:       view.NewController(b),
		enrich:     enrich.New(store, logger),
		tasks:      make(chan func(), 64),
		done:       make(chan struct{}),
		peerByChat: make(map[string]string),
	}
	e.feeds = feed.NewManager(store, b, logger, feed.Handlers{
		Contacts:    e.onContacts,
		ChatChanges: e.onChatChanges,
		Groups:      e.onGroups,
	})
	return e
}

// Start runs the synchronization loop until Stop.
func (e *Engine) Start() {
	ids, stopObserve := e.watcher.Observe()
	notices, stopNotices := e.bus.Subscribe("notice.", 16)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer stopObserve()
		defer stopNotices()
		e.run(ids, notices)
	}()
}

// Stop tears down feeds, open channels and the loop. Idempotent.
func (e *Engine) Stop() {
	select {
	case <-e.done:
		return
	default:
	}
	close(e.done)

	// Unblock in-flight enrichment before waiting on it.
	e.mu.Lock()
	if e.enrichCancel != nil {
		e.enrichCancel()
	}
	e.mu.Unlock()

	e.wg.Wait()
	e.teardown()
}

func (e *Engine) run(ids <-chan *identity.Identity, notices <-chan bus.Event) {
	for {
		select {
		case id := <-ids:
			e.handleIdentity(id)
		case evt := <-notices:
			if _, ok := evt.Payload.(*convo.FeedError); ok && e.machine.Current() == status.Ready {
				e.transition(status.Degraded)
			}
		case task := <-e.tasks:
			task()
		case <-e.done:
			return
		}
	}
}

// enqueue hands work to the loop goroutine. Dropped once stopped.
func (e *Engine) enqueue(task func()) {
	select {
	case e.tasks <- task:
	case <-e.done:
	}
}

func (e *Engine) handleIdentity(id *identity.Identity) {
	e.teardown()
	if id == nil {
		e.transition(status.SignedOut)
		return
	}

	e.logger.Info("identity signed in", zap.String("uid", id.UID))
	e.transition(status.Starting)

	ctx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.self = id
	e.groupMgr = group.NewManager(e.store, e.kvs, e.logger, id.UID)
	e.enrichCtx, e.enrichCancel = ctx, cancel
	e.mu.Unlock()

	if flag, _ := e.kvs.GetItem(kv.KeySignedInBefore); flag != "true" {
		if err := e.kvs.SetItem(kv.KeySignedInBefore, "true"); err != nil {
			e.logger.Warn("persisting sign-in flag failed", zap.Error(err))
		}
	}

	e.synced = false
	e.transition(status.Syncing)
	e.feeds.Start(id)
}

// teardown reverses a sign-in: feeds down, in-flight enrichment
// invalidated, open channels closed, view cleared. Feeds stop before
// the epoch advances so every callback they delivered carries the old
// epoch and gets dropped.
func (e *Engine) teardown() {
	e.feeds.Stop()
	e.epoch.Add(1)

	e.mu.Lock()
	if e.enrichCancel != nil {
		e.enrichCancel()
		e.enrichCancel = nil
		e.enrichCtx = nil
	}
	channels := e.channels
	e.channels = nil
	e.self = nil
	e.groupMgr = nil
	e.mu.Unlock()

	for _, c := range channels {
		c.Close()
	}
	e.peerByChat = map[string]string{}
	e.groups = nil
	e.ctrl.Reset()
}

func (e *Engine) transition(to status.State) {
	if err := e.machine.Transition(to); err != nil {
		e.logger.Warn("status transition rejected", zap.Error(err))
	}
}

// markSynced moves Syncing to Ready on the first applied feed result,
// and recovers from Degraded once results flow again.
func (e *Engine) markSynced() {
	switch e.machine.Current() {
	case status.Syncing:
		if !e.synced {
			e.synced = true
			e.transition(status.Ready)
		}
	case status.Degraded:
		e.transition(status.Ready)
	}
}

func (e *Engine) onContacts(contacts []convo.Contact) {
	epoch := e.epoch.Load()
	e.enqueue(func() {
		if e.epoch.Load() != epoch {
			return
		}
		e.ctrl.SetContacts(contacts)
		e.markSynced()
	})
}

func (e *Engine) onChatChanges(changes []docstore.Change) {
	epoch := e.epoch.Load()
	e.enqueue(func() {
		if e.epoch.Load() != epoch {
			return
		}
		e.applyChatChanges(changes, epoch)
		e.markSynced()
	})
}

func (e *Engine) onGroups(groups []convo.Group) {
	epoch := e.epoch.Load()
	e.enqueue(func() {
		if e.epoch.Load() != epoch {
			return
		}
		// Stored summary fields render immediately; enrichment refreshes
		// them from the actual message history.
		e.groups = groups
		e.ctrl.SetGroups(groups)
		e.markSynced()
		e.enrichGroups(groups, epoch)
	})
}

// applyChatChanges resolves each changed chat to its peer, removes
// vanished chats from the view and enriches the rest.
func (e *Engine) applyChatChanges(changes []docstore.Change, epoch uint64) {
	self := e.selfUID()
	if self == "" {
		return
	}

	var reqs []enrich.Request
	for _, ch := range changes {
		if ch.Kind == docstore.Removed {
			if peer, ok := e.peerByChat[ch.Doc.ID]; ok {
				delete(e.peerByChat, ch.Doc.ID)
				e.ctrl.RemoveChatSummary(peer)
			}
			continue
		}
		peer := chatPeer(ch.Doc, self)
		if peer == "" {
			continue
		}
		e.peerByChat[ch.Doc.ID] = peer
		reqs = append(reqs, enrich.Request{
			ConversationID: ch.Doc.ID,
			Path:           "chats/" + ch.Doc.ID,
			Key:            peer,
			Unread:         docstore.IntMap(ch.Doc.Data, "unreadCount")[self],
		})
	}
	if len(reqs) == 0 {
		return
	}

	ctx := e.enrichContext()
	if ctx == nil {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		results := e.enrich.EnrichBatch(ctx, reqs)
		if results == nil {
			return
		}
		e.enqueue(func() {
			if e.epoch.Load() != epoch {
				return
			}
			for _, res := range results {
				e.ctrl.SetChatSummary(res.Key, res.Summary)
			}
		})
	}()
}

func (e *Engine) enrichGroups(groups []convo.Group, epoch uint64) {
	if len(groups) == 0 {
		return
	}
	reqs := make([]enrich.Request, 0, len(groups))
	for _, g := range groups {
		reqs = append(reqs, enrich.Request{
			ConversationID: g.ID,
			Path:           "groups/" + g.ID,
			Key:            g.ID,
			CreatedAt:      g.CreatedAt,
			Unread:         g.Summary.UnreadCount,
		})
	}

	ctx := e.enrichContext()
	if ctx == nil {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		results := e.enrich.EnrichBatch(ctx, reqs)
		if results == nil {
			return
		}
		e.enqueue(func() {
			if e.epoch.Load() != epoch {
				return
			}
			byID := make(map[string]convo.Summary, len(results))
			for _, res := range results {
				byID[res.Key] = res.Summary
			}
			updated := make([]convo.Group, len(e.groups))
			copy(updated, e.groups)
			for i := range updated {
				if s, ok := byID[updated[i].ID]; ok {
					updated[i].Summary = s
				}
			}
			e.groups = updated
			e.ctrl.SetGroups(updated)
		})
	}()
}

func (e *Engine) enrichContext() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enrichCtx
}

func (e *Engine) selfUID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.self == nil {
		return ""
	}
	return e.self.UID
}

// chatPeer extracts the other participant of a 1:1 chat, falling back
// to the deterministic id format when the users array is absent.
func chatPeer(doc docstore.Document, self string) string {
	for _, u := range docstore.StringSlice(doc.Data, "users") {
		if u != self {
			return u
		}
	}
	for _, part := range strings.SplitN(doc.ID, "_", 2) {
		if part != self {
			return part
		}
	}
	return ""
}

// Updates streams merged view models. The returned stop function
// releases the subscription.
func (e *Engine) Updates() (<-chan []convo.Entry, func()) {
	events, unsub := e.bus.Subscribe("view.updated", 16)
	out := make(chan []convo.Entry, 16)
	done := make(chan struct{})
	go func() {
		defer close(out)
		for {
			select {
			case evt := <-events:
				entries, ok := evt.Payload.([]convo.Entry)
				if !ok {
					continue
				}
				select {
				case out <- entries:
				default:
					// Stale view models are worthless; drop for the next one.
				}
			case <-done:
				return
			}
		}
	}()
	var once sync.Once
	return out, func() {
		once.Do(func() {
			unsub()
			close(done)
		})
	}
}

// Notices streams passive failure notices (feed errors).
func (e *Engine) Notices() (<-chan bus.Event, func()) {
	return e.bus.Subscribe("notice.", 16)
}

// Entries returns the current merged view model.
func (e *Engine) Entries() []convo.Entry {
	return e.ctrl.Entries()
}

// Status reports the engine runtime state.
func (e *Engine) Status() status.State {
	return e.machine.Current()
}

// SetActiveTab switches the view between people and groups.
func (e *Engine) SetActiveTab(tab convo.Tab) {
	e.ctrl.SetTab(tab)
}

// SetSearchTerm filters the view by a case-insensitive name substring.
func (e *Engine) SetSearchTerm(term string) {
	e.ctrl.SetSearch(term)
}

// OpenChat opens the 1:1 conversation with peerID, creating its
// document on first contact. The channel is live on return.
func (e *Engine) OpenChat(ctx context.Context, peerID string) (*channel.Channel, error) {
	self := e.selfUID()
	if self == "" {
		return nil, fmt.Errorf("open chat: signed out")
	}
	chatID := convo.ChatID(self, peerID)
	c := channel.New(e.store, e.bus, e.logger, channel.Options{
		Path:             "chats/" + chatID,
		SelfID:           self,
		Metadata:         map[string]any{"users": []string{self, peerID}},
		SummaryTimeField: "updatedAt",

		MaxAttachmentBytes: e.cfg.Limits.AttachmentMaxBytes,
		LocationTimeout:    time.Duration(e.cfg.Limits.LocationTimeoutSecs) * time.Second,
		LocationMaxAge:     time.Duration(e.cfg.Limits.LocationMaxAgeSecs) * time.Second,
		SendPerMinute:      e.cfg.Limits.SendPerMinute,
		SendBurst:          e.cfg.Limits.SendBurst,
		Locator:            e.locator,
	})
	if err := c.Open(ctx); err != nil {
		return nil, err
	}
	e.track(c)
	return c, nil
}

// OpenGroup opens an existing group conversation. A missing group
// yields convo.ErrNotFound.
func (e *Engine) OpenGroup(ctx context.Context, groupID string) (*channel.Channel, error) {
	self, groups := e.selfUID(), e.groupManager()
	if self == "" || groups == nil {
		return nil, fmt.Errorf("open group: signed out")
	}
	if _, err := groups.Get(ctx, groupID); err != nil {
		return nil, err
	}
	c := channel.New(e.store, e.bus, e.logger, channel.Options{
		Path:             "groups/" + groupID,
		SelfID:           self,
		SummaryTimeField: "lastMessageTime",

		MaxAttachmentBytes: e.cfg.Limits.AttachmentMaxBytes,
		LocationTimeout:    time.Duration(e.cfg.Limits.LocationTimeoutSecs) * time.Second,
		LocationMaxAge:     time.Duration(e.cfg.Limits.LocationMaxAgeSecs) * time.Second,
		SendPerMinute:      e.cfg.Limits.SendPerMinute,
		SendBurst:          e.cfg.Limits.SendBurst,
		Locator:            e.locator,
	})
	if err := c.Open(ctx); err != nil {
		return nil, err
	}
	e.track(c)
	return c, nil
}

// CreateGroup creates a group with the signed-in user as creator and
// immediately opens its message channel.
func (e *Engine) CreateGroup(ctx context.Context, name string, memberIDs []string) (string, *channel.Channel, error) {
	groups := e.groupManager()
	if groups == nil {
		return "", nil, fmt.Errorf("create group: signed out")
	}
	id, err := groups.Create(ctx, name, memberIDs)
	if err != nil {
		return "", nil, err
	}
	c, err := e.OpenGroup(ctx, id)
	if err != nil {
		return id, nil, err
	}
	return id, c, nil
}

func (e *Engine) groupManager() *group.Manager {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.groupMgr
}

func (e *Engine) track(c *channel.Channel) {
	e.mu.Lock()
	e.channels = append(e.channels, c)
	e.mu.Unlock()
}
