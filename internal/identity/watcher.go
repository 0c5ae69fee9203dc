package identity

import (
	"go.uber.org/zap"
)

// Watcher adapts provider callbacks into a transition stream. A nil
// identity on the stream means signed out. Provider errors collapse to
// signed out: the engine fails safe to the logged-out state rather
// than crashing.
type Watcher struct {
	provider Provider
	logger   *zap.Logger
}

// NewWatcher creates a watcher over the given provider.
func NewWatcher(provider Provider, logger *zap.Logger) *Watcher {
	return &Watcher{provider: provider, logger: logger}
}

// Observe returns a stream of identity transitions, starting with the
// current state, and a stop function. The channel holds only the
// latest transition: intermediate states are superseded, never queued.
func (w *Watcher) Observe() (<-chan *Identity, func()) {
	ch := make(chan *Identity, 1)

	push := func(id *Identity) {
		// Latest wins: drain a stale transition before sending.
		select {
		case <-ch:
		default:
		}
		ch <- id
	}

	current, err := w.provider.Current()
	if err != nil {
		if w.logger != nil {
			w.logger.Warn("identity provider unavailable, treating as signed out", zap.Error(err))
		}
		current = nil
	}
	push(current)

	unsub := w.provider.OnChange(push)
	return ch, unsub
}
