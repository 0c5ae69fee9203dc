package convo

import (
	"errors"
	"fmt"
)

// Validation errors are resolved locally, before any network call.
var (
	ErrEmptyName          = errors.New("group name must not be empty")
	ErrNoMembers          = errors.New("group must have at least one member")
	ErrEmptyMessage       = errors.New("message must not be empty")
	ErrAttachmentTooLarge = errors.New("attachment exceeds the 5 MiB limit")
)

// ErrChannelClosed is returned by sends on a closed message channel.
var ErrChannelClosed = errors.New("message channel is closed")

// ErrNotFound indicates the conversation or group document disappeared.
var ErrNotFound = errors.New("conversation not found")

// FeedError is a transient subscription failure. The provider keeps
// retrying; the error is surfaced as a passive notice and never tears
// down sibling feeds.
type FeedError struct {
	Feed string
	Err  error
}

func (e *FeedError) Error() string {
	return fmt.Sprintf("feed %s: %v", e.Feed, e.Err)
}

func (e *FeedError) Unwrap() error { return e.Err }

// WriteError is a failed send or create. The caller's optimistic state
// must be rolled back or marked failed, never silently dropped.
type WriteError struct {
	Op  string
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }
