// Package lifecycle creates ephemeral voice channels on request and runs
// the background loops that track and reclaim them.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/haasonsaas/ephemera/internal/deletion"
	"github.com/haasonsaas/ephemera/internal/observability"
	"github.com/haasonsaas/ephemera/internal/occupancy"
	"github.com/haasonsaas/ephemera/internal/platform"
	"github.com/haasonsaas/ephemera/internal/policy"
	"github.com/haasonsaas/ephemera/internal/reconcile"
	"github.com/haasonsaas/ephemera/internal/storage"
)

// MaxNameLength is the longest channel name Discord accepts.
const MaxNameLength = 100

// DefaultNoPermissionMessage is shown when the requester fails the role check.
const DefaultNoPermissionMessage = "You do not have permission to create voice channels."

const rollbackReason = "Voice channel could not be tracked"

// Settings is the immutable configuration the manager runs with.
type Settings struct {
	IdleTimeout          time.Duration
	DriftCheckMultiplier int
	ModeratorRoles       []string
	ModeratorUsers       []string
	MandatoryRoles       []string
	NoPermissionMessage  string
	NamePrefix           string
	NameSuffix           string
	DeletionReason       string
}

// CreateRequest is a channel creation request from the command surface.
type CreateRequest struct {
	RequesterID string
	// GuildID is empty when the command was used outside a server.
	GuildID    string
	Visibility string
	// Name overrides the generated channel name when non-empty.
	Name string
	// Invitees are raw mention strings such as <@123> or <@&456>.
	Invitees []string
}

// CreateResult describes a created channel.
type CreateResult struct {
	ResourceID         string
	Name               string
	Visibility         policy.Visibility
	DeniedInviteeNames []string
}

// Manager owns channel creation and wires the tracker, reconciler and
// deletion executor together.
type Manager struct {
	settings    Settings
	store       storage.ResourceStore
	platform    platform.Platform
	transitions platform.TransitionSource

	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
	now     func() time.Time

	queue      *deletion.Queue
	tracker    *occupancy.Tracker
	reconciler *reconcile.Reconciler
	executor   *deletion.Executor

	runMu   sync.Mutex
	running bool
	stopped bool
}

// Option configures the manager.
type Option func(*Manager)

// WithLogger configures the manager logger. Components derive their own.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics configures metrics collection.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// WithTracer configures tracing.
func WithTracer(tracer *observability.Tracer) Option {
	return func(m *Manager) {
		m.tracer = tracer
	}
}

// WithNow overrides the clock used for channel names and activity times.
func WithNow(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithTransitionSource sets the membership stream consumed by Run. When
// unset, the platform is used if it implements platform.TransitionSource.
func WithTransitionSource(source platform.TransitionSource) Option {
	return func(m *Manager) {
		m.transitions = source
	}
}

// NewManager creates a manager and its background components.
func NewManager(settings Settings, store storage.ResourceStore, p platform.Platform, opts ...Option) *Manager {
	m := &Manager{
		settings: settings,
		store:    store,
		platform: p,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.settings.NoPermissionMessage == "" {
		m.settings.NoPermissionMessage = DefaultNoPermissionMessage
	}
	if m.transitions == nil {
		if src, ok := p.(platform.TransitionSource); ok {
			m.transitions = src
		}
	}

	m.queue = deletion.NewQueue()
	m.tracker = occupancy.NewTracker(store,
		occupancy.WithLogger(m.logger),
		occupancy.WithMetrics(m.metrics),
	)
	m.reconciler = reconcile.New(store, p, m.queue,
		reconcile.WithLogger(m.logger),
		reconcile.WithMetrics(m.metrics),
		reconcile.WithTracer(m.tracer),
		reconcile.WithNow(m.now),
		reconcile.WithIdleTimeout(settings.IdleTimeout),
		reconcile.WithDriftCheckMultiplier(settings.DriftCheckMultiplier),
	)
	m.executor = deletion.NewExecutor(m.queue, store, p,
		deletion.WithLogger(m.logger),
		deletion.WithMetrics(m.metrics),
		deletion.WithTracer(m.tracer),
		deletion.WithReason(settings.DeletionReason),
	)
	m.logger = m.logger.With("component", "lifecycle")
	return m
}

// Reconciler exposes the reconciler for one-shot runs.
func (m *Manager) Reconciler() *reconcile.Reconciler {
	return m.reconciler
}

// Executor exposes the deletion executor for one-shot runs.
func (m *Manager) Executor() *deletion.Executor {
	return m.executor
}

// Queue exposes the deletion queue.
func (m *Manager) Queue() *deletion.Queue {
	return m.queue
}

// CreateResource validates the request, builds the access list, creates the
// channel and records it. Nothing is stored unless the platform call succeeds.
func (m *Manager) CreateResource(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	if req.GuildID == "" {
		return nil, ValidationError(ErrNoScopeContext.Error(), ErrNoScopeContext)
	}
	visibility, err := policy.ParseVisibility(req.Visibility)
	if err != nil {
		return nil, ValidationError(ErrInvalidVisibility.Error(), errors.Join(ErrInvalidVisibility, err))
	}
	if len(req.Invitees) > policy.MaxInvitees {
		return nil, ValidationError(fmt.Sprintf("at most %d invitees are allowed", policy.MaxInvitees), nil)
	}

	requestID := uuid.NewString()
	ctx = observability.AddRequestID(ctx, requestID)
	ctx = observability.AddGuildID(ctx, req.GuildID)
	ctx, span := m.tracer.TraceCreateResource(ctx, req.GuildID, string(visibility))
	defer span.End()

	result, err := m.create(ctx, req, visibility)
	if err != nil {
		m.tracer.RecordError(span, err)
		m.logger.WarnContext(ctx, "create resource failed",
			"requester_id", req.RequesterID,
			"code", string(GetErrorCode(err)),
			"error", err,
		)
		return nil, err
	}
	m.tracer.SetAttributes(span, "resource.id", result.ResourceID, "resource.denied", len(result.DeniedInviteeNames))
	return result, nil
}

func (m *Manager) create(ctx context.Context, req CreateRequest, visibility policy.Visibility) (*CreateResult, error) {
	requester, err := m.authorize(ctx, req)
	if err != nil {
		return nil, err
	}

	invitees := m.resolveInvitees(ctx, req.GuildID, req.Invitees)
	built := policy.Build(policy.Request{
		RequesterID:      req.RequesterID,
		Visibility:       visibility,
		Invitees:         invitees,
		ModeratorRoles:   m.settings.ModeratorRoles,
		ModeratorUsers:   m.settings.ModeratorUsers,
		MandatoryRoles:   m.settings.MandatoryRoles,
		ServiceAccountID: m.platform.ServiceAccountID(),
		EveryoneID:       req.GuildID,
	})
	m.metrics.InviteeDenied(len(built.Denied))

	now := m.now()
	name := m.channelName(req.Name, requester, visibility, now)

	resourceID, err := m.platform.CreateChannel(ctx, req.GuildID, name, built.Grants)
	if err != nil {
		return nil, PlatformError("Could not create the voice channel. Please try again later.", err)
	}
	ctx = observability.AddResourceID(ctx, resourceID)

	err = m.store.Insert(ctx, storage.Resource{
		ID:             resourceID,
		GuildID:        req.GuildID,
		LastActivityAt: now,
		Occupancy:      0,
	})
	if err != nil {
		m.metrics.StoreError("insert")
		if errors.Is(err, storage.ErrAlreadyExists) {
			m.logger.ErrorContext(ctx, "platform returned an id that is already tracked", "error", err)
			return nil, StoreInvariantViolation("The channel was created but could not be tracked.", err)
		}
		return nil, m.rollbackCreate(ctx, req.GuildID, resourceID, err)
	}

	m.metrics.ResourceCreated(string(visibility))
	m.logger.InfoContext(ctx, "ephemeral channel created",
		"name", name,
		"visibility", string(visibility),
		"grants", len(built.Grants),
		"denied", len(built.Denied),
	)
	return &CreateResult{
		ResourceID:         resourceID,
		Name:               name,
		Visibility:         visibility,
		DeniedInviteeNames: built.Denied,
	}, nil
}

// rollbackCreate deletes a channel whose row could not be written. The
// reconciler only sees stored rows, so an untracked channel would never be
// reclaimed.
func (m *Manager) rollbackCreate(ctx context.Context, guildID, resourceID string, insertErr error) error {
	err := fmt.Errorf("record resource %s: %w", resourceID, insertErr)
	delErr := m.platform.DeleteChannel(ctx, guildID, resourceID, rollbackReason)
	switch {
	case delErr == nil, errors.Is(delErr, platform.ErrNotFound):
		m.logger.WarnContext(ctx, "channel removed after store insert failed", "error", insertErr)
	default:
		m.logger.ErrorContext(ctx, "untracked channel left on platform",
			"insert_error", insertErr,
			"delete_error", delErr,
		)
		err = errors.Join(err, fmt.Errorf("roll back channel %s: %w", resourceID, delErr))
	}
	return PlatformError("Could not create the voice channel. Please try again later.", err)
}

// authorize resolves the requester and applies the mandatory role check.
// It returns the name used in generated channel names.
func (m *Manager) authorize(ctx context.Context, req CreateRequest) (string, error) {
	member, err := m.platform.ResolveMember(ctx, req.GuildID, req.RequesterID)
	switch {
	case errors.Is(err, platform.ErrNotFound):
		member = nil
	case err != nil:
		return "", PlatformError("Could not look up your server membership.", err)
	}

	if len(m.settings.MandatoryRoles) > 0 {
		allowed := slices.Contains(m.settings.ModeratorUsers, req.RequesterID)
		if !allowed && member != nil {
			allowed = policy.Eligible(member.Roles, m.settings.MandatoryRoles) ||
				holdsAny(member.Roles, m.settings.ModeratorRoles)
		}
		if !allowed {
			return "", PermissionDenied(m.settings.NoPermissionMessage)
		}
	}

	if member == nil || member.DisplayName == "" {
		return req.RequesterID, nil
	}
	return member.DisplayName, nil
}

func holdsAny(roles, wanted []string) bool {
	return slices.ContainsFunc(roles, func(r string) bool {
		return slices.Contains(wanted, r)
	})
}

// resolveInvitees looks up individual mentions one at a time, in input
// order, so denials are reported in the order they were given.
func (m *Manager) resolveInvitees(ctx context.Context, guildID string, mentions []string) []policy.Invitee {
	out := make([]policy.Invitee, 0, len(mentions))
	for _, raw := range mentions {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		inv, ok := policy.ParseMention(raw)
		if !ok {
			m.logger.DebugContext(ctx, "ignoring invitee that is not a mention", "value", raw)
			continue
		}
		if inv.Kind == policy.PrincipalIndividual {
			member, err := m.platform.ResolveMember(ctx, guildID, inv.ID)
			switch {
			case errors.Is(err, platform.ErrNotFound):
				m.logger.DebugContext(ctx, "invitee not found, dropping", "invitee_id", inv.ID)
			case err != nil:
				inv.LookupFailed = true
				inv.DisplayName = raw
				m.logger.WarnContext(ctx, "invitee lookup failed", "invitee_id", inv.ID, "error", err)
			default:
				inv.Resolved = true
				inv.DisplayName = member.DisplayName
				inv.Roles = member.Roles
			}
		}
		out = append(out, inv)
	}
	return out
}

func (m *Manager) channelName(explicit, requester string, visibility policy.Visibility, now time.Time) string {
	base := strings.TrimSpace(explicit)
	if base == "" {
		base = fmt.Sprintf("%s_%s_%d", requester, visibility, now.Unix())
	}
	name := m.settings.NamePrefix + base + m.settings.NameSuffix
	if utf8.RuneCountInString(name) > MaxNameLength {
		name = string([]rune(name)[:MaxNameLength])
	}
	return name
}

// ErrManagerStopped is returned by Run after a previous Run has returned.
var ErrManagerStopped = errors.New("lifecycle manager stopped; create a new one to run again")

// Run starts the tracker, reconciler and deletion executor and blocks until
// ctx is cancelled. In-flight deletions finish on their own. A Manager runs
// once.
func (m *Manager) Run(ctx context.Context) error {
	m.runMu.Lock()
	switch {
	case m.running:
		m.runMu.Unlock()
		return errors.New("lifecycle manager already running")
	case m.stopped:
		// The deletion queue is closed on the way out.
		m.runMu.Unlock()
		return ErrManagerStopped
	}
	m.running = true
	m.runMu.Unlock()
	defer func() {
		m.runMu.Lock()
		m.running = false
		m.stopped = true
		m.runMu.Unlock()
	}()

	if resources, err := m.store.List(ctx); err == nil {
		m.metrics.SetTrackedResources(len(resources))
		m.logger.InfoContext(ctx, "lifecycle manager starting", "tracked", len(resources))
	}

	var wg sync.WaitGroup
	if m.transitions != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.tracker.Run(ctx, m.transitions.Transitions())
		}()
	} else {
		m.logger.Warn("no membership transition source, occupancy relies on recounts only")
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		m.executor.Run(ctx)
	}()

	// Recount right away so state left by a previous process is corrected
	// before the first timer tick.
	m.reconciler.RunOnce(ctx)
	if err := m.reconciler.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	m.queue.Close()

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.reconciler.Stop(stopCtx); err != nil {
		m.logger.Warn("reconciler did not stop in time", "error", err)
	}
	wg.Wait()
	m.logger.Info("lifecycle manager stopped")
	return nil
}
