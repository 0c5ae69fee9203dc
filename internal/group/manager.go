// Package group handles group conversation lifecycle: creation with the
// creator as first admin, and lookup for opening.
package group

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/dmoura/convo/internal/convo"
	"github.com/dmoura/convo/internal/docstore"
	"github.com/dmoura/convo/internal/kv"
)

// Manager creates and resolves group conversations for one identity.
type Manager struct {
	store  docstore.Store
	kv     *kv.Store
	logger *zap.Logger
	selfID string
}

// NewManager creates a group manager acting as selfID.
func NewManager(store docstore.Store, kvs *kv.Store, logger *zap.Logger, selfID string) *Manager {
	return &Manager{store: store, kv: kvs, logger: logger, selfID: selfID}
}

// Create validates and writes a new group in a single set: the creator
// is always a participant and the sole initial admin. Validation
// failures happen before any write. Returns the new group id.
func (m *Manager) Create(ctx context.Context, name string, memberIDs []string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", convo.ErrEmptyName
	}

	participants := []string{m.selfID}
	seen := map[string]bool{m.selfID: true}
	for _, id := range memberIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		participants = append(participants, id)
	}
	if len(participants) < 2 {
		return "", convo.ErrNoMembers
	}

	id := convo.GroupID()
	err := m.store.Set(ctx, "groups/"+id, map[string]any{
		"name":         name,
		"createdBy":    m.selfID,
		"createdAt":    docstore.ServerTimestamp,
		"participants": participants,
		"admins":       []string{m.selfID},
		"unreadCount":  map[string]int{},
	}, false)
	if err != nil {
		return "", &convo.WriteError{Op: "create_group", Err: err}
	}

	if err := m.kv.SetItem(kv.KeyLastGroupID, id); err != nil {
		// Local bookkeeping only; the group itself exists.
		m.logger.Warn("persisting last group id failed", zap.Error(err))
	}
	m.logger.Info("group created",
		zap.String("group", id), zap.Int("participants", len(participants)))
	return id, nil
}

// Get resolves a group document, returning convo.ErrNotFound when the
// group does not exist or the id is stale.
func (m *Manager) Get(ctx context.Context, id string) (*convo.Group, error) {
	doc, err := m.store.Get(ctx, "groups/"+id)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, convo.ErrNotFound
		}
		return nil, err
	}
	return &convo.Group{
		ID:           doc.ID,
		Name:         docstore.String(doc.Data, "name"),
		CreatedBy:    docstore.String(doc.Data, "createdBy"),
		CreatedAt:    docstore.Time(doc.Data, "createdAt"),
		Participants: docstore.StringSlice(doc.Data, "participants"),
		Admins:       docstore.StringSlice(doc.Data, "admins"),
	}, nil
}
