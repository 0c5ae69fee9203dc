// Package view builds the merged, ordered, de-duplicated conversation
// list consumed by the presentation layer.
package view

import (
	"sort"
	"strings"

	"github.com/dmoura/convo/internal/convo"
)

// Recompute merges the current feed snapshots into the final ordered
// entry list. It is pure: identical inputs always produce identical
// output, so callers can skip re-renders on equal results.
//
// On the people tab, contacts are joined with chat summaries by peer
// user id; a contact with no summary still appears, carrying a
// start-a-conversation placeholder. On the groups tab, group summaries
// are listed directly. The search term filters by case-insensitive
// substring on the name; ordering is most-recent-activity first with
// nil timestamps last, ties broken by name for determinism.
func Recompute(contacts []convo.Contact, chatSummaries map[string]convo.Summary, groups []convo.Group, tab convo.Tab, search string) []convo.Entry {
	var entries []convo.Entry
	switch tab {
	case convo.TabGroups:
		entries = groupEntries(groups)
	default:
		entries = peopleEntries(contacts, chatSummaries)
	}

	entries = dedupe(filter(entries, search))

	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		switch {
		case a.Timestamp == nil && b.Timestamp == nil:
			return a.Name < b.Name
		case a.Timestamp == nil:
			return false
		case b.Timestamp == nil:
			return true
		case a.Timestamp.Equal(*b.Timestamp):
			return a.Name < b.Name
		default:
			return a.Timestamp.After(*b.Timestamp)
		}
	})
	return entries
}

func peopleEntries(contacts []convo.Contact, chatSummaries map[string]convo.Summary) []convo.Entry {
	entries := make([]convo.Entry, 0, len(contacts))
	for _, c := range contacts {
		e := convo.Entry{
			ID:          c.ID,
			Name:        c.Name,
			Kind:        convo.KindContact,
			LastMessage: convo.NoChatPlaceholder,
		}
		if s, ok := chatSummaries[c.ID]; ok {
			e.LastMessage = s.LastMessage
			e.LastMessageType = s.LastMessageType
			e.Timestamp = s.Timestamp
			e.UnreadCount = s.UnreadCount
		}
		entries = append(entries, e)
	}
	return entries
}

func groupEntries(groups []convo.Group) []convo.Entry {
	entries := make([]convo.Entry, 0, len(groups))
	for _, g := range groups {
		e := convo.Entry{
			ID:              g.ID,
			Name:            g.Name,
			Kind:            convo.KindGroup,
			LastMessage:     g.Summary.LastMessage,
			LastMessageType: g.Summary.LastMessageType,
			Timestamp:       g.Summary.Timestamp,
			UnreadCount:     g.Summary.UnreadCount,
		}
		if e.LastMessage == "" {
			e.LastMessage = convo.NoMessagesPlaceholder
		}
		entries = append(entries, e)
	}
	return entries
}

func filter(entries []convo.Entry, search string) []convo.Entry {
	if search == "" {
		return entries
	}
	needle := strings.ToLower(search)
	out := entries[:0]
	for _, e := range entries {
		if strings.Contains(strings.ToLower(e.Name), needle) {
			out = append(out, e)
		}
	}
	return out
}

// dedupe keeps the first occurrence of every id, preserving order.
func dedupe(entries []convo.Entry) []convo.Entry {
	seen := make(map[string]bool, len(entries))
	out := entries[:0]
	for _, e := range entries {
		if seen[e.ID] {
			continue
		}
		seen[e.ID] = true
		out = append(out, e)
	}
	return out
}
