package checkpoint

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/MrWong99/echoforge/pkg/memory"
)

// Adapter serves checkpoints from a [memory.ConversationStore].
//
// While disabled every read returns an empty result without touching the
// store. All methods are safe for concurrent use.
type Adapter struct {
	store   memory.ConversationStore
	enabled atomic.Bool
}

// NewAdapter returns an enabled [Adapter] backed by store.
func NewAdapter(store memory.ConversationStore) *Adapter {
	a := &Adapter{store: store}
	a.enabled.Store(true)
	return a
}

// SetEnabled toggles durable reads.
func (a *Adapter) SetEnabled(enabled bool) {
	a.enabled.Store(enabled)
}

// Enabled implements [Saver].
func (a *Adapter) Enabled() bool {
	return a.enabled.Load()
}

// Get implements [Saver].
func (a *Adapter) Get(ctx context.Context, key ThreadKey) (*Checkpoint, error) {
	cps, _ := a.List(ctx, key, 1)
	if len(cps) == 0 {
		return nil, nil
	}
	return &cps[0], nil
}

// List implements [Saver].
func (a *Adapter) List(ctx context.Context, key ThreadKey, limit int) ([]Checkpoint, error) {
	if !a.Enabled() {
		return []Checkpoint{}, nil
	}
	sums, err := a.store.Summaries(ctx, key.Filter(), limit)
	if err != nil {
		slog.Warn("checkpoint: list failed, returning empty",
			"character", key.Character,
			"thread", key.Thread,
			"session", memory.SessionValue(key.Session),
			"error", err,
		)
		return []Checkpoint{}, nil
	}
	cps := make([]Checkpoint, 0, len(sums))
	for _, s := range sums {
		cps = append(cps, FromSummary(s))
	}
	return cps, nil
}

// Put implements [Saver].
func (a *Adapter) Put(context.Context, ThreadKey, Checkpoint) error {
	return nil
}

// ListSessionIDs implements [Saver].
func (a *Adapter) ListSessionIDs(ctx context.Context) ([]string, error) {
	if !a.Enabled() {
		return []string{}, nil
	}
	ids, err := a.store.SessionIDs(ctx)
	if err != nil {
		slog.Warn("checkpoint: list sessions failed, returning empty", "error", err)
		return []string{}, nil
	}
	return ids, nil
}

// Noop is a [Saver] without storage.
type Noop struct{}

// Get implements [Saver].
func (Noop) Get(context.Context, ThreadKey) (*Checkpoint, error) { return nil, nil }

// List implements [Saver].
func (Noop) List(context.Context, ThreadKey, int) ([]Checkpoint, error) {
	return []Checkpoint{}, nil
}

// Put implements [Saver].
func (Noop) Put(context.Context, ThreadKey, Checkpoint) error { return nil }

// ListSessionIDs implements [Saver].
func (Noop) ListSessionIDs(context.Context) ([]string, error) { return []string{}, nil }

// Enabled implements [Saver].
func (Noop) Enabled() bool { return false }

// Select pings store exactly once. It returns an [Adapter] when the ping
// succeeds and [Noop] otherwise, together with the ping outcome.
func Select(ctx context.Context, store memory.ConversationStore) (Saver, bool) {
	if store == nil {
		return Noop{}, false
	}
	if err := store.Ping(ctx); err != nil {
		slog.Warn("checkpoint: store unreachable, checkpointing disabled", "error", err)
		return Noop{}, false
	}
	return NewAdapter(store), true
}

var (
	_ Saver = (*Adapter)(nil)
	_ Saver = Noop{}
)
