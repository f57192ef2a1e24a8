// Package reconcile runs the periodic pass that corrects occupancy drift
// against the platform and queues idle channels for deletion.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/ephemera/internal/deletion"
	"github.com/haasonsaas/ephemera/internal/observability"
	"github.com/haasonsaas/ephemera/internal/platform"
	"github.com/haasonsaas/ephemera/internal/storage"
)

const (
	DefaultIdleTimeout          = 300 * time.Second
	DefaultDriftCheckMultiplier = 4
)

// Enqueuer accepts deletion requests. *deletion.Queue implements it.
type Enqueuer interface {
	Push(req deletion.Request) bool
}

// Report summarizes one tick.
type Report struct {
	Tick       uint64
	DriftCheck bool
	// Checked is the number of resources recounted in the drift phase.
	Checked int
	// Corrected is the number of stored counts that were overwritten.
	Corrected int
	// Skipped is the number of resources whose recount failed.
	Skipped int
	// Enqueued is the number of deletion requests emitted.
	Enqueued int
	Err      error
}

// Reconciler ticks once per idle timeout. Every tick queues idle resources
// for deletion; the first tick and every Nth after it also recount occupancy
// from the platform first.
type Reconciler struct {
	store    storage.ResourceStore
	platform platform.Platform
	queue    Enqueuer

	timeout    time.Duration
	driftEvery uint64
	interval   time.Duration

	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
	now     func() time.Time

	tickMu sync.Mutex
	ticks  uint64

	mu      sync.Mutex
	started bool
	wg      sync.WaitGroup
}

// Option configures the reconciler.
type Option func(*Reconciler)

// WithLogger configures the reconciler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reconciler) {
		if logger != nil {
			r.logger = logger.With("component", "reconciler")
		}
	}
}

// WithMetrics configures metrics collection.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(r *Reconciler) {
		r.metrics = metrics
	}
}

// WithTracer configures tracing.
func WithTracer(tracer *observability.Tracer) Option {
	return func(r *Reconciler) {
		r.tracer = tracer
	}
}

// WithNow overrides the clock used for tick durations.
func WithNow(now func() time.Time) Option {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

// WithIdleTimeout sets how long an empty resource may live.
func WithIdleTimeout(timeout time.Duration) Option {
	return func(r *Reconciler) {
		if timeout > 0 {
			r.timeout = timeout
		}
	}
}

// WithDriftCheckMultiplier sets how many ticks pass between recounts.
func WithDriftCheckMultiplier(n int) Option {
	return func(r *Reconciler) {
		if n > 0 {
			r.driftEvery = uint64(n)
		}
	}
}

// WithTickInterval overrides the loop interval. It defaults to the idle timeout.
func WithTickInterval(interval time.Duration) Option {
	return func(r *Reconciler) {
		if interval > 0 {
			r.interval = interval
		}
	}
}

// New creates a reconciler.
func New(store storage.ResourceStore, p platform.Platform, queue Enqueuer, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:      store,
		platform:   p,
		queue:      queue,
		timeout:    DefaultIdleTimeout,
		driftEvery: DefaultDriftCheckMultiplier,
		logger:     slog.Default().With("component", "reconciler"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.interval == 0 {
		r.interval = r.timeout
	}
	return r
}

// Start runs the reconcile loop until ctx is cancelled. Calling Start while
// the loop runs is a no-op; once it has exited, Start launches a new one.
func (r *Reconciler) Start(ctx context.Context) error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = true
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			r.started = false
			r.mu.Unlock()
		}()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.tick(ctx)
			}
		}
	}()
	return nil
}

// Stop waits for the reconcile loop to exit.
func (r *Reconciler) Stop(ctx context.Context) error {
	if r == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce executes one tick synchronously.
func (r *Reconciler) RunOnce(ctx context.Context) Report {
	if r == nil {
		return Report{}
	}
	return r.tick(ctx)
}

func (r *Reconciler) tick(ctx context.Context) Report {
	r.tickMu.Lock()
	defer r.tickMu.Unlock()

	start := r.now()
	tick := r.ticks
	r.ticks++

	report := Report{Tick: tick, DriftCheck: tick%r.driftEvery == 0}
	ctx, span := r.tracer.TraceReconcileTick(ctx, tick, report.DriftCheck)
	defer span.End()

	if report.DriftCheck {
		r.metrics.ReconcilePhase("drift")
		if err := r.correctDrift(ctx, &report); err != nil {
			// The idle scan still runs on stale counts; the executor
			// re-reads occupancy before deleting.
			report.Err = err
			r.metrics.StoreError("list")
			r.logger.WarnContext(ctx, "drift correction aborted", "error", err)
		}
	}

	r.metrics.ReconcilePhase("idle")
	if err := r.enqueueIdle(ctx, &report); err != nil {
		report.Err = errors.Join(report.Err, err)
		r.metrics.StoreError("scan")
		r.logger.WarnContext(ctx, "idle scan failed", "error", err)
	}

	r.tracer.SetAttributes(span,
		"reconcile.corrected", report.Corrected,
		"reconcile.enqueued", report.Enqueued,
	)
	if report.Err != nil {
		r.tracer.RecordError(span, report.Err)
	}
	r.metrics.ReconcileFinished(r.now().Sub(start).Seconds())
	r.logger.DebugContext(ctx, "reconcile tick finished",
		"tick", tick,
		"drift_check", report.DriftCheck,
		"checked", report.Checked,
		"corrected", report.Corrected,
		"skipped", report.Skipped,
		"enqueued", report.Enqueued,
	)
	return report
}

// correctDrift overwrites stored counts with the platform's. A channel the
// platform no longer knows is treated as empty so it ages out normally.
func (r *Reconciler) correctDrift(ctx context.Context, report *Report) error {
	resources, err := r.store.List(ctx)
	if err != nil {
		return err
	}
	r.metrics.SetTrackedResources(len(resources))

	for _, res := range resources {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		actual, err := r.platform.CountOccupants(ctx, res.GuildID, res.ID)
		if errors.Is(err, platform.ErrNotFound) {
			actual, err = 0, nil
		}
		if err != nil {
			report.Skipped++
			r.logger.WarnContext(ctx, "occupancy recount failed, skipping",
				"resource_id", res.ID,
				"error", err,
			)
			continue
		}
		report.Checked++
		if actual == res.Occupancy {
			continue
		}
		if err := r.store.SetOccupancy(ctx, res.ID, actual); err != nil {
			report.Skipped++
			r.metrics.StoreError("set_occupancy")
			r.logger.WarnContext(ctx, "occupancy correction failed",
				"resource_id", res.ID,
				"error", err,
			)
			continue
		}
		report.Corrected++
		r.metrics.DriftCorrected()
		r.logger.InfoContext(ctx, "occupancy drift corrected",
			"resource_id", res.ID,
			"stored", res.Occupancy,
			"actual", actual,
		)
	}
	return nil
}

func (r *Reconciler) enqueueIdle(ctx context.Context, report *Report) error {
	for res, err := range r.store.ScanIdleCandidates(ctx, r.timeout) {
		if err != nil {
			return err
		}
		if !r.queue.Push(deletion.Request{ResourceID: res.ID, GuildID: res.GuildID}) {
			r.logger.WarnContext(ctx, "deletion queue closed, stopping idle scan")
			return nil
		}
		report.Enqueued++
	}
	if l, ok := r.queue.(interface{ Len() int }); ok {
		r.metrics.SetDeletionQueueDepth(l.Len())
	}
	return nil
}
