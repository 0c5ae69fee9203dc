// Package channel manages one open conversation: the live message
// subscription, optimistic local echoes for outgoing sends, and their
// reconciliation against confirmed server documents.
package channel

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dmoura/convo/internal/bus"
	"github.com/dmoura/convo/internal/convo"
	"github.com/dmoura/convo/internal/docstore"
)

// State is the channel lifecycle phase. Sends are accepted in Live only.
type State string

const (
	Idle       State = "IDLE"
	SettingUp  State = "SETTING_UP"
	Live       State = "LIVE"
	ClosedDown State = "CLOSED"
)

// ErrNotLive is returned by sends attempted before Open completes.
var ErrNotLive = errors.New("message channel is not live")

// reconcileWindow bounds the heuristic echo match for confirmed
// messages that arrive without a usable client id.
const reconcileWindow = 2 * time.Minute

// Locator resolves the device position for location sends.
type Locator interface {
	Locate(ctx context.Context) (lat, lng float64, err error)
}

// Options configure a channel for one conversation.
type Options struct {
	// Path is the conversation document path ("chats/a_b", "groups/g1").
	Path string
	// SelfID is the sender written on outgoing messages.
	SelfID string
	// Metadata is merge-set on the conversation document during Open.
	// Nil skips the write (groups are created elsewhere).
	Metadata map[string]any
	// SummaryTimeField names the conversation's last-activity field:
	// "updatedAt" for chats, "lastMessageTime" for groups.
	SummaryTimeField string

	MaxAttachmentBytes int64
	LocationTimeout    time.Duration
	// LocationMaxAge lets a recent fix be reused instead of asking the
	// locator again. Zero disables reuse.
	LocationMaxAge time.Duration
	SendPerMinute  int
	SendBurst      int
	Locator        Locator
}

// Channel is one open conversation. All methods are safe for
// concurrent use.
type Channel struct {
	store   docstore.Store
	bus     *bus.Bus
	logger  *zap.Logger
	opts    Options
	limiter *rate.Limiter

	mu        sync.Mutex
	state     State
	confirmed []convo.Message
	pending   []convo.Message
	unsub     func()

	lastFix   *fix
	lastFixMu sync.Mutex
}

type fix struct {
	lat, lng float64
	at       time.Time
}

// New creates an Idle channel. Call Open to go live.
func New(store docstore.Store, b *bus.Bus, logger *zap.Logger, opts Options) *Channel {
	perMinute := opts.SendPerMinute
	if perMinute <= 0 {
		perMinute = 60
	}
	burst := opts.SendBurst
	if burst <= 0 {
		burst = 10
	}
	return &Channel{
		store:   store,
		bus:     b,
		logger:  logger,
		opts:    opts,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), burst),
		state:   Idle,
	}
}

// State reports the current lifecycle phase.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Open ensures the conversation document exists and subscribes to its
// messages. On return the channel is Live; a failure leaves it Idle.
func (c *Channel) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.state != Idle {
		c.mu.Unlock()
		return fmt.Errorf("open: channel is %s", c.state)
	}
	c.state = SettingUp
	c.mu.Unlock()

	if c.opts.Metadata != nil {
		if err := c.store.Set(ctx, c.opts.Path, c.opts.Metadata, true); err != nil {
			c.setState(Idle)
			return &convo.WriteError{Op: "open", Err: err}
		}
	}

	// Live begins at the first delivered snapshot, possibly empty.
	ready := make(chan struct{})
	var first sync.Once
	unsub, err := c.store.Subscribe(docstore.Query{
		Path:    c.opts.Path + "/messages",
		OrderBy: "createdAt",
	}, func(snap docstore.Snapshot) {
		c.onSnapshot(snap)
		first.Do(func() { close(ready) })
	}, func(err error) {
		c.logger.Warn("message subscription error",
			zap.String("conversation", c.opts.Path), zap.Error(err))
		c.bus.Publish(bus.Event{
			Kind:      "notice.feed_error",
			Timestamp: time.Now(),
			Payload:   &convo.FeedError{Feed: "messages", Err: err},
		})
	})
	if err != nil {
		c.setState(Idle)
		return &convo.WriteError{Op: "subscribe", Err: err}
	}

	select {
	case <-ready:
	case <-ctx.Done():
		unsub()
		c.setState(Idle)
		return ctx.Err()
	}

	c.mu.Lock()
	if c.state != SettingUp {
		// Closed while setting up.
		c.mu.Unlock()
		unsub()
		return convo.ErrChannelClosed
	}
	c.unsub = unsub
	c.state = Live
	c.mu.Unlock()
	return nil
}

// Close tears down the subscription. Further sends fail with
// ErrChannelClosed. Safe to call repeatedly.
func (c *Channel) Close() {
	c.mu.Lock()
	unsub := c.unsub
	c.unsub = nil
	c.state = ClosedDown
	c.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// Messages returns the current transcript: confirmed messages in server
// order followed by unconfirmed local echoes in send order.
func (c *Channel) Messages() []convo.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]convo.Message, 0, len(c.confirmed)+len(c.pending))
	out = append(out, c.confirmed...)
	out = append(out, c.pending...)
	return out
}

// SendText sends a text message. The echo is visible in Messages
// immediately; a write failure marks it failed and returns WriteError.
func (c *Channel) SendText(ctx context.Context, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", convo.ErrEmptyMessage
	}
	return c.send(ctx, convo.Message{Type: convo.TypeText, Text: text}, map[string]any{
		"type": string(convo.TypeText),
		"text": text,
	}, text)
}

// SendImage sends a base64-encoded image. Payloads whose decoded size
// exceeds the configured cap are rejected before any write.
func (c *Channel) SendImage(ctx context.Context, imageData string) (string, error) {
	if imageData == "" {
		return "", convo.ErrEmptyMessage
	}
	max := c.opts.MaxAttachmentBytes
	if max <= 0 {
		max = 5 << 20
	}
	if int64(base64.StdEncoding.DecodedLen(len(imageData))) > max {
		return "", convo.ErrAttachmentTooLarge
	}
	return c.send(ctx, convo.Message{Type: convo.TypeImage, ImageData: imageData}, map[string]any{
		"type":      string(convo.TypeImage),
		"imageData": imageData,
	}, convo.ImagePreviewText)
}

// SendLocation acquires the device position under the configured
// timeout and sends it. A locator failure fails the send with no echo
// left behind, since nothing was appended yet.
func (c *Channel) SendLocation(ctx context.Context) (string, error) {
	if c.opts.Locator == nil {
		return "", &convo.WriteError{Op: "locate", Err: errors.New("no locator configured")}
	}
	lat, lng, err := c.currentPosition(ctx)
	if err != nil {
		return "", &convo.WriteError{Op: "locate", Err: err}
	}
	return c.send(ctx, convo.Message{Type: convo.TypeLocation, Latitude: lat, Longitude: lng}, map[string]any{
		"type":      string(convo.TypeLocation),
		"latitude":  lat,
		"longitude": lng,
	}, convo.LocationPreviewText)
}

// currentPosition reuses a sufficiently fresh fix or acquires a new one
// under the configured timeout.
func (c *Channel) currentPosition(ctx context.Context) (float64, float64, error) {
	c.lastFixMu.Lock()
	if f := c.lastFix; f != nil && c.opts.LocationMaxAge > 0 && time.Since(f.at) <= c.opts.LocationMaxAge {
		c.lastFixMu.Unlock()
		return f.lat, f.lng, nil
	}
	c.lastFixMu.Unlock()

	timeout := c.opts.LocationTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	lctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	lat, lng, err := c.opts.Locator.Locate(lctx)
	if err != nil {
		return 0, 0, err
	}
	c.lastFixMu.Lock()
	c.lastFix = &fix{lat: lat, lng: lng, at: time.Now()}
	c.lastFixMu.Unlock()
	return lat, lng, nil
}

// send appends the local echo, writes the message document and then the
// conversation summary. The two writes are not atomic: a summary write
// that fails after a successful message write leaves the list row
// stale until the next enrichment pass heals it.
func (c *Channel) send(ctx context.Context, msg convo.Message, payload map[string]any, preview string) (string, error) {
	c.mu.Lock()
	switch c.state {
	case ClosedDown:
		c.mu.Unlock()
		return "", convo.ErrChannelClosed
	case Live:
	default:
		c.mu.Unlock()
		return "", ErrNotLive
	}
	c.mu.Unlock()

	if err := c.limiter.Wait(ctx); err != nil {
		return "", &convo.WriteError{Op: "throttle", Err: err}
	}

	msg.ClientID = uuid.NewString()
	msg.SenderID = c.opts.SelfID
	msg.Status = convo.StatusPending
	msg.LocalTime = time.Now()

	c.mu.Lock()
	c.pending = append(c.pending, msg)
	c.mu.Unlock()
	c.publishUpdate()

	payload["clientId"] = msg.ClientID
	payload["sender"] = msg.SenderID
	payload["createdAt"] = docstore.ServerTimestamp

	if _, err := c.store.Add(ctx, c.opts.Path+"/messages", payload); err != nil {
		c.markFailed(msg.ClientID)
		return msg.ClientID, &convo.WriteError{Op: "send", Err: err}
	}

	timeField := c.opts.SummaryTimeField
	if timeField == "" {
		timeField = "updatedAt"
	}
	summary := map[string]any{
		"lastMessage":     preview,
		"lastMessageType": string(msg.Type),
		timeField:         docstore.ServerTimestamp,
	}
	if err := c.store.Set(ctx, c.opts.Path, summary, true); err != nil {
		// The message itself landed; only the list row is stale.
		c.logger.Warn("summary update failed",
			zap.String("conversation", c.opts.Path), zap.Error(err))
	}
	return msg.ClientID, nil
}

func (c *Channel) markFailed(clientID string) {
	c.mu.Lock()
	for i := range c.pending {
		if c.pending[i].ClientID == clientID {
			c.pending[i].Status = convo.StatusFailed
			break
		}
	}
	c.mu.Unlock()
	c.publishUpdate()
}

// onSnapshot replaces the confirmed transcript and reconciles echoes:
// a pending message leaves the tail when its client id shows up
// confirmed, or, for payloads confirmed without one, when a confirmed
// message from the viewer matches its content within a short window.
func (c *Channel) onSnapshot(snap docstore.Snapshot) {
	confirmed := make([]convo.Message, 0, len(snap.Docs))
	for _, doc := range snap.Docs {
		confirmed = append(confirmed, parseMessage(doc))
	}
	sort.SliceStable(confirmed, func(i, j int) bool {
		a, b := confirmed[i].ServerTime, confirmed[j].ServerTime
		if a == nil || b == nil {
			return b == nil && a != nil
		}
		return a.Before(*b)
	})

	c.mu.Lock()
	c.confirmed = confirmed
	var remaining []convo.Message
	for _, p := range c.pending {
		if !isConfirmed(p, confirmed) {
			remaining = append(remaining, p)
		}
	}
	c.pending = remaining
	c.mu.Unlock()
	c.publishUpdate()
}

func isConfirmed(p convo.Message, confirmed []convo.Message) bool {
	for _, m := range confirmed {
		if m.ClientID != "" && m.ClientID == p.ClientID {
			return true
		}
	}
	for _, m := range confirmed {
		if m.ClientID != "" || m.SenderID != p.SenderID || m.Type != p.Type {
			continue
		}
		if m.Text != p.Text || m.ImageData != p.ImageData {
			continue
		}
		if m.ServerTime == nil || absDuration(m.ServerTime.Sub(p.LocalTime)) <= reconcileWindow {
			return true
		}
	}
	return false
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func (c *Channel) publishUpdate() {
	c.bus.Publish(bus.Event{
		Kind:      "message.updated",
		Timestamp: time.Now(),
		Payload:   c.opts.Path,
	})
}

func parseMessage(doc docstore.Document) convo.Message {
	msg := convo.Message{
		ID:        doc.ID,
		ClientID:  docstore.String(doc.Data, "clientId"),
		SenderID:  docstore.String(doc.Data, "sender"),
		Type:      convo.MessageType(docstore.String(doc.Data, "type")),
		Text:      docstore.String(doc.Data, "text"),
		ImageData: docstore.String(doc.Data, "imageData"),
		Status:    convo.StatusConfirmed,
	}
	if lat, ok := doc.Data["latitude"].(float64); ok {
		msg.Latitude = lat
	}
	if lng, ok := doc.Data["longitude"].(float64); ok {
		msg.Longitude = lng
	}
	msg.ServerTime = docstore.Time(doc.Data, "createdAt")
	return msg
}
