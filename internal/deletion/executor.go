package deletion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/haasonsaas/ephemera/internal/observability"
	"github.com/haasonsaas/ephemera/internal/platform"
	"github.com/haasonsaas/ephemera/internal/storage"
)

// DefaultReason is the audit log reason attached to platform deletes.
const DefaultReason = "ephemeral voice channel idle past timeout"

// Outcome describes what Process did with a request.
type Outcome string

const (
	OutcomeDeleted         Outcome = "deleted"
	OutcomeAlreadyGone     Outcome = "already_gone"
	OutcomeSkippedOccupied Outcome = "skipped_occupied"
	OutcomeSkippedAbsent   Outcome = "skipped_absent"
	OutcomeFailed          Outcome = "failed"
)

// Executor consumes deletion requests and deletes channels that are still
// empty. Failed deletions are dropped; the next reconciler pass finds the
// row again.
type Executor struct {
	queue    *Queue
	store    storage.ResourceStore
	platform platform.Platform
	reason   string
	logger   *slog.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer
}

// Option configures the executor.
type Option func(*Executor)

// WithLogger configures the executor logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger.With("component", "deletion")
		}
	}
}

// WithMetrics configures metrics collection.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(e *Executor) {
		e.metrics = metrics
	}
}

// WithTracer configures tracing.
func WithTracer(tracer *observability.Tracer) Option {
	return func(e *Executor) {
		e.tracer = tracer
	}
}

// WithReason overrides the audit log reason.
func WithReason(reason string) Option {
	return func(e *Executor) {
		if reason != "" {
			e.reason = reason
		}
	}
}

// NewExecutor creates an executor reading from queue.
func NewExecutor(queue *Queue, store storage.ResourceStore, p platform.Platform, opts ...Option) *Executor {
	e := &Executor{
		queue:    queue,
		store:    store,
		platform: p,
		reason:   DefaultReason,
		logger:   slog.Default().With("component", "deletion"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run processes requests until ctx is cancelled or the queue is closed and
// drained.
func (e *Executor) Run(ctx context.Context) {
	for {
		req, err := e.queue.Pop(ctx)
		if err != nil {
			return
		}
		e.metrics.SetDeletionQueueDepth(e.queue.Len())
		e.safeProcess(ctx, req)
	}
}

func (e *Executor) safeProcess(ctx context.Context, req Request) {
	defer func() {
		if rec := recover(); rec != nil {
			e.metrics.DeletionFinished(string(OutcomeFailed))
			e.logger.Error("deletion panicked",
				"resource_id", req.ResourceID,
				"panic", fmt.Sprint(rec),
				"stack", string(debug.Stack()),
			)
		}
	}()
	e.Process(ctx, req)
}

// Process handles one request: re-read the row, skip it if absent or
// occupied, otherwise delete the channel and then the row.
func (e *Executor) Process(ctx context.Context, req Request) Outcome {
	ctx = observability.AddResourceID(ctx, req.ResourceID)
	ctx, span := e.tracer.TraceDeletion(ctx, req.ResourceID)
	defer span.End()

	outcome, err := e.process(ctx, req)
	if err != nil {
		e.tracer.RecordError(span, err)
	}
	e.tracer.SetAttributes(span, "deletion.outcome", string(outcome))
	e.metrics.DeletionFinished(string(outcome))
	return outcome
}

func (e *Executor) process(ctx context.Context, req Request) (Outcome, error) {
	res, err := e.store.Get(ctx, req.ResourceID)
	if errors.Is(err, storage.ErrNotFound) {
		e.logger.DebugContext(ctx, "resource already removed")
		return OutcomeSkippedAbsent, nil
	}
	if err != nil {
		e.metrics.StoreError("get")
		e.logger.WarnContext(ctx, "failed to read resource before delete", "error", err)
		return OutcomeFailed, err
	}
	if res.Occupancy > 0 {
		e.logger.InfoContext(ctx, "resource active again, skipping delete", "occupancy", res.Occupancy)
		return OutcomeSkippedOccupied, nil
	}

	guildID := res.GuildID
	if guildID == "" {
		guildID = req.GuildID
	}

	outcome := OutcomeDeleted
	if err := e.platform.DeleteChannel(ctx, guildID, req.ResourceID, e.reason); err != nil {
		if !errors.Is(err, platform.ErrNotFound) {
			e.logger.WarnContext(ctx, "platform delete failed, deferring to next reconcile", "error", err)
			return OutcomeFailed, err
		}
		outcome = OutcomeAlreadyGone
	}

	if err := e.store.Delete(ctx, req.ResourceID); err != nil {
		e.metrics.StoreError("delete")
		e.logger.ErrorContext(ctx, "channel deleted but row removal failed", "error", err)
		return OutcomeFailed, err
	}
	e.logger.InfoContext(ctx, "ephemeral channel deleted", "outcome", string(outcome))
	return outcome, nil
}
