// Package occupancy applies voice membership transitions to the resource
// store as incremental occupancy updates.
package occupancy

import (
	"context"
	"log/slog"

	"github.com/haasonsaas/ephemera/internal/observability"
	"github.com/haasonsaas/ephemera/internal/platform"
	"github.com/haasonsaas/ephemera/internal/storage"
)

// Tracker turns membership transitions into store increments and decrements.
// It never calls the platform; the store's per-row atomicity is the only
// synchronization it relies on.
type Tracker struct {
	store   storage.ResourceStore
	logger  *slog.Logger
	metrics *observability.Metrics
}

// Option configures the tracker.
type Option func(*Tracker)

// WithLogger configures the tracker logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger.With("component", "occupancy")
		}
	}
}

// WithMetrics configures metrics collection.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(t *Tracker) {
		t.metrics = metrics
	}
}

// NewTracker creates a tracker writing to store.
func NewTracker(store storage.ResourceStore, opts ...Option) *Tracker {
	t := &Tracker{
		store:  store,
		logger: slog.Default().With("component", "occupancy"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Handle applies one transition. A join increments the destination, a
// leave decrements the origin, and a move does both. Transitions that stay
// in the same channel (mute, deafen, stream toggles) change nothing.
// Untracked channels are ignored by the store itself.
func (t *Tracker) Handle(ctx context.Context, tr platform.MembershipTransition) {
	if tr.From == tr.To {
		return
	}
	if tr.To != "" {
		if err := t.store.IncrementOccupancy(ctx, tr.To); err != nil {
			t.storeFailed(ctx, "increment", tr.To, err)
		} else {
			t.metrics.OccupancyEvent("join")
		}
	}
	if tr.From != "" {
		if err := t.store.DecrementOccupancy(ctx, tr.From); err != nil {
			t.storeFailed(ctx, "decrement", tr.From, err)
		} else {
			t.metrics.OccupancyEvent("leave")
		}
	}
}

func (t *Tracker) storeFailed(ctx context.Context, op, resourceID string, err error) {
	t.metrics.StoreError(op)
	t.logger.WarnContext(ctx, "occupancy update failed",
		"op", op,
		"resource_id", resourceID,
		"error", err,
	)
}

// Run consumes transitions until ctx is cancelled or the stream closes.
func (t *Tracker) Run(ctx context.Context, transitions <-chan platform.MembershipTransition) {
	for {
		select {
		case <-ctx.Done():
			return
		case tr, ok := <-transitions:
			if !ok {
				t.logger.Debug("transition stream closed")
				return
			}
			t.Handle(ctx, tr)
		}
	}
}
