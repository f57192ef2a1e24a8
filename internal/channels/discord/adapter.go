// Package discord implements the platform capabilities on top of the Discord
// gateway and REST API, and serves the /createvc slash command.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/time/rate"

	"github.com/haasonsaas/ephemera/internal/backoff"
	"github.com/haasonsaas/ephemera/internal/observability"
	"github.com/haasonsaas/ephemera/internal/platform"
	"github.com/haasonsaas/ephemera/internal/policy"
)

// ErrNotReady is returned by CountOccupants until the session state holds
// the voice states of every guild announced in the Ready event.
var ErrNotReady = errors.New("discord: voice state cache not ready")

// Intents are the gateway intents the adapter needs: guild metadata, voice
// state changes and member lookups.
const Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates | discordgo.IntentsGuildMembers

// discordSession interface allows for mocking the Discord session in tests.
type discordSession interface {
	Open() error
	Close() error
	AddHandler(handler interface{}) func()
	GuildChannelCreateComplex(guildID string, data discordgo.GuildChannelCreateData, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelDelete(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	GuildMember(guildID, userID string, options ...discordgo.RequestOption) (*discordgo.Member, error)
	ApplicationCommandBulkOverwrite(appID, guildID string, commands []*discordgo.ApplicationCommand, options ...discordgo.RequestOption) ([]*discordgo.ApplicationCommand, error)
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
	InteractionResponseEdit(interaction *discordgo.Interaction, newresp *discordgo.WebhookEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Config holds configuration for the Discord adapter.
type Config struct {
	// Token is the bot token from Discord Developer Portal (required)
	Token string

	// AppID is the application id used to register slash commands (required)
	AppID string

	// CommandGuildID scopes command registration to one guild. Empty registers globally.
	CommandGuildID string

	// CategoryID is the parent category for created channels. Empty creates them at the top level.
	CategoryID string

	// RulesLink is appended to creation confirmations when set.
	RulesLink string

	// RateLimit configures rate limiting for REST calls (operations per second)
	RateLimit float64

	// RateBurst configures the burst capacity for rate limiting
	RateBurst int

	// ConnectAttempts is the maximum number of gateway connection attempts at startup
	ConnectAttempts int

	// ConnectBackoff paces connection attempts
	ConnectBackoff backoff.Policy

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// Validate checks if the configuration is valid and applies defaults.
func (c *Config) Validate() error {
	if c.Token == "" {
		return errors.New("discord: token is required")
	}
	if c.AppID == "" {
		return errors.New("discord: app id is required")
	}
	if c.RateLimit == 0 {
		c.RateLimit = 5
	}
	if c.RateBurst == 0 {
		c.RateBurst = 10
	}
	if c.ConnectAttempts == 0 {
		c.ConnectAttempts = 5
	}
	if c.ConnectBackoff == (backoff.Policy{}) {
		c.ConnectBackoff = backoff.DefaultPolicy()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Adapter implements platform.Platform and platform.TransitionSource for Discord.
type Adapter struct {
	config  Config
	session discordSession
	limiter *rate.Limiter
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
	creator Creator

	// state is the session's gateway cache. discordgo applies every event to
	// it before dispatching handlers, so it is the authoritative view of who
	// sits in which voice channel.
	state *discordgo.State

	mu       sync.RWMutex
	started  bool
	selfID   string
	handlers []func()

	readyOnce sync.Once
	ready     chan struct{}
	seen      bool
	pending   map[string]bool
	seeded    map[string]bool

	ctx    context.Context
	cancel context.CancelFunc

	sendMu      sync.RWMutex
	closed      bool
	transitions chan platform.MembershipTransition
}

// NewAdapter creates a new Discord adapter with the given configuration.
func NewAdapter(config Config) (*Adapter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Adapter{
		config:      config,
		limiter:     rate.NewLimiter(rate.Limit(config.RateLimit), config.RateBurst),
		logger:      config.Logger.With("component", "discord"),
		metrics:     config.Metrics,
		tracer:      config.Tracer,
		state:       discordgo.NewState(),
		ready:       make(chan struct{}),
		pending:     make(map[string]bool),
		seeded:      make(map[string]bool),
		ctx:         ctx,
		cancel:      cancel,
		transitions: make(chan platform.MembershipTransition, 256),
	}, nil
}

// SetCreator installs the handler for /createvc. It must be called before Start.
func (a *Adapter) SetCreator(c Creator) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.creator = c
}

// Start opens the gateway connection, registers event handlers and the
// slash command.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return errors.New("discord: adapter already started")
	}
	if a.session == nil {
		dg, err := discordgo.New("Bot " + a.config.Token)
		if err != nil {
			a.mu.Unlock()
			return fmt.Errorf("discord: create session: %w", err)
		}
		dg.Identify.Intents = Intents
		// Handlers run in gateway order so transitions leave in the order
		// Discord sent them. Slow handlers spawn their own goroutine.
		dg.SyncEvents = true
		dg.StateEnabled = true
		a.state.TrackVoice = true
		dg.State = a.state
		a.session = dg
	}
	a.handlers = append(a.handlers,
		a.session.AddHandler(a.handleReady),
		a.session.AddHandler(a.handleGuildCreate),
		a.session.AddHandler(a.handleGuildDelete),
		a.session.AddHandler(a.handleVoiceStateUpdate),
		a.session.AddHandler(a.handleInteractionCreate),
	)
	a.mu.Unlock()

	a.logger.Info("starting discord adapter", "rate_limit", a.config.RateLimit, "rate_burst", a.config.RateBurst)

	err := backoff.Retry(ctx, a.config.ConnectBackoff, a.config.ConnectAttempts,
		func(int) error { return a.session.Open() },
		func(attempt int, err error, wait time.Duration) {
			a.logger.Warn("connection failed, retrying",
				"error", err,
				"attempt", attempt,
				"max_attempts", a.config.ConnectAttempts,
				"backoff_ms", wait.Milliseconds())
		},
	)
	if err != nil {
		return fmt.Errorf("discord: connect: %w", err)
	}

	if err := a.registerCommands(ctx); err != nil {
		_ = a.session.Close()
		return err
	}

	a.mu.Lock()
	a.started = true
	a.mu.Unlock()
	a.logger.Info("discord adapter started")
	return nil
}

// Stop closes the transition stream and the gateway connection.
func (a *Adapter) Stop() error {
	a.cancel()

	a.sendMu.Lock()
	if !a.closed {
		a.closed = true
		close(a.transitions)
	}
	a.sendMu.Unlock()

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, remove := range a.handlers {
		remove()
	}
	a.handlers = nil
	if !a.started {
		return nil
	}
	a.started = false
	if err := a.session.Close(); err != nil {
		a.logger.Error("failed to close Discord session", "error", err)
		return fmt.Errorf("discord: close session: %w", err)
	}
	a.logger.Info("discord adapter stopped")
	return nil
}

// Ready is closed once every guild from the Ready event has delivered its
// voice states.
func (a *Adapter) Ready() <-chan struct{} {
	return a.ready
}

// WaitReady blocks until Ready is closed or ctx is done.
func (a *Adapter) WaitReady(ctx context.Context) error {
	select {
	case <-a.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Transitions implements platform.TransitionSource.
func (a *Adapter) Transitions() <-chan platform.MembershipTransition {
	return a.transitions
}

// ServiceAccountID returns the bot user id, or the application id before
// the gateway reports ready.
func (a *Adapter) ServiceAccountID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.selfID != "" {
		return a.selfID
	}
	return a.config.AppID
}

// CreateChannel creates a voice channel under the configured category.
func (a *Adapter) CreateChannel(ctx context.Context, guildID, name string, grants []policy.AccessGrant) (string, error) {
	data := discordgo.GuildChannelCreateData{
		Name:                 name,
		Type:                 discordgo.ChannelTypeGuildVoice,
		ParentID:             a.config.CategoryID,
		PermissionOverwrites: overwrites(guildID, grants),
	}
	var ch *discordgo.Channel
	err := a.call(ctx, "create_channel", func(opts []discordgo.RequestOption) error {
		var err error
		ch, err = a.session.GuildChannelCreateComplex(guildID, data, opts...)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("create channel %q: %w", name, err)
	}
	return ch.ID, nil
}

// DeleteChannel deletes a channel, recording reason in the audit log.
func (a *Adapter) DeleteChannel(ctx context.Context, guildID, channelID, reason string) error {
	err := a.call(ctx, "delete_channel", func(opts []discordgo.RequestOption) error {
		if reason != "" {
			opts = append(opts, discordgo.WithAuditLogReason(reason))
		}
		_, err := a.session.ChannelDelete(channelID, opts...)
		return err
	})
	if isNotFound(err) {
		return fmt.Errorf("channel %s: %w", channelID, platform.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("delete channel %s: %w", channelID, err)
	}
	return nil
}

// ResolveMember looks up a guild member over REST.
func (a *Adapter) ResolveMember(ctx context.Context, guildID, userID string) (*platform.Member, error) {
	var m *discordgo.Member
	err := a.call(ctx, "resolve_member", func(opts []discordgo.RequestOption) error {
		var err error
		m, err = a.session.GuildMember(guildID, userID, opts...)
		return err
	})
	if isNotFound(err) {
		return nil, fmt.Errorf("member %s: %w", userID, platform.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve member %s: %w", userID, err)
	}
	return &platform.Member{
		ID:          userID,
		DisplayName: displayName(m),
		Roles:       m.Roles,
	}, nil
}

// CountOccupants counts distinct users the session state places in
// channelID. An empty channel is confirmed over REST so a deleted one yields
// ErrNotFound.
func (a *Adapter) CountOccupants(ctx context.Context, guildID, channelID string) (int, error) {
	select {
	case <-a.ready:
	default:
		return 0, ErrNotReady
	}

	if n := a.occupants(guildID, channelID); n > 0 {
		return n, nil
	}

	err := a.call(ctx, "get_channel", func(opts []discordgo.RequestOption) error {
		_, err := a.session.Channel(channelID, opts...)
		return err
	})
	if isNotFound(err) {
		return 0, fmt.Errorf("channel %s: %w", channelID, platform.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("get channel %s: %w", channelID, err)
	}
	return 0, nil
}

func (a *Adapter) occupants(guildID, channelID string) int {
	g, err := a.state.Guild(guildID)
	if err != nil {
		return 0
	}
	a.state.RLock()
	defer a.state.RUnlock()
	users := make(map[string]struct{})
	for _, vs := range g.VoiceStates {
		if vs != nil && vs.ChannelID == channelID {
			users[vs.UserID] = struct{}{}
		}
	}
	return len(users)
}

// call paces a REST request through the limiter and records its outcome.
func (a *Adapter) call(ctx context.Context, op string, fn func(opts []discordgo.RequestOption) error) error {
	ctx, span := a.tracer.TracePlatformCall(ctx, op)
	defer span.End()

	if err := a.limiter.Wait(ctx); err != nil {
		a.metrics.RecordPlatformRequest(op, "rate_limited", 0)
		return fmt.Errorf("rate limit wait cancelled: %w", err)
	}

	start := time.Now()
	err := fn([]discordgo.RequestOption{discordgo.WithContext(ctx)})
	status := "ok"
	switch {
	case err == nil:
	case isNotFound(err):
		status = "not_found"
	default:
		status = "error"
		a.tracer.RecordError(span, err)
	}
	a.metrics.RecordPlatformRequest(op, status, time.Since(start).Seconds())
	return err
}

func (a *Adapter) registerCommands(ctx context.Context) error {
	cmds := Commands()
	a.logger.Info("registering slash commands",
		"guild_id", a.config.CommandGuildID,
		"command_count", len(cmds))
	err := a.call(ctx, "register_commands", func(opts []discordgo.RequestOption) error {
		_, err := a.session.ApplicationCommandBulkOverwrite(a.config.AppID, a.config.CommandGuildID, cmds, opts...)
		return err
	})
	if err != nil {
		a.logger.Error("failed to register slash commands", "error", err)
		return fmt.Errorf("discord: register commands: %w", err)
	}
	return nil
}

// Event handlers

func (a *Adapter) handleReady(_ *discordgo.Session, r *discordgo.Ready) {
	if r.User == nil {
		return
	}
	a.mu.Lock()
	a.selfID = r.User.ID
	a.seen = true
	for _, g := range r.Guilds {
		if !a.seeded[g.ID] {
			a.pending[g.ID] = true
		}
	}
	done := len(a.pending) == 0
	a.mu.Unlock()
	if done {
		a.markReady()
	}
	a.logger.Info("discord connection ready",
		"user", r.User.Username,
		"guilds", len(r.Guilds))
}

func (a *Adapter) markReady() {
	a.readyOnce.Do(func() {
		close(a.ready)
		a.logger.Info("voice state cache ready")
	})
}

func (a *Adapter) handleGuildCreate(_ *discordgo.Session, g *discordgo.GuildCreate) {
	if g.Guild == nil {
		return
	}
	a.guildSeeded(g.ID, len(g.VoiceStates))
}

func (a *Adapter) handleGuildDelete(_ *discordgo.Session, g *discordgo.GuildDelete) {
	if g.Guild == nil {
		return
	}
	a.mu.Lock()
	delete(a.seeded, g.ID)
	delete(a.pending, g.ID)
	done := a.seen && len(a.pending) == 0
	a.mu.Unlock()
	if done {
		a.markReady()
	}
}

func (a *Adapter) handleVoiceStateUpdate(_ *discordgo.Session, v *discordgo.VoiceStateUpdate) {
	a.applyVoiceState(v)
}

// guildSeeded records that the session state received a guild's voice
// states. No transitions are emitted; the reconciler's recount covers
// whatever changed while offline.
func (a *Adapter) guildSeeded(guildID string, connected int) {
	a.mu.Lock()
	a.seeded[guildID] = true
	delete(a.pending, guildID)
	done := a.seen && len(a.pending) == 0
	a.mu.Unlock()
	a.logger.Debug("voice states seeded", "guild_id", guildID, "connected", connected)
	if done {
		a.markReady()
	}
}

// applyVoiceState emits a transition when the user's channel changed. The
// previous channel comes from BeforeUpdate, which the session state fills
// in while applying the event. Mute and deafen updates emit nothing.
func (a *Adapter) applyVoiceState(v *discordgo.VoiceStateUpdate) {
	if v == nil || v.VoiceState == nil || v.GuildID == "" || v.UserID == "" {
		return
	}
	var before string
	if v.BeforeUpdate != nil {
		before = v.BeforeUpdate.ChannelID
	}
	if before == v.ChannelID {
		return
	}
	a.emit(platform.MembershipTransition{
		GuildID:     v.GuildID,
		PrincipalID: v.UserID,
		From:        before,
		To:          v.ChannelID,
	})
}

func (a *Adapter) emit(t platform.MembershipTransition) {
	a.sendMu.RLock()
	defer a.sendMu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.transitions <- t:
	case <-a.ctx.Done():
	}
}

// Helpers

func overwrites(guildID string, grants []policy.AccessGrant) []*discordgo.PermissionOverwrite {
	merged := policy.Merge(grants)
	out := make([]*discordgo.PermissionOverwrite, 0, len(merged))
	for _, g := range merged {
		ow := &discordgo.PermissionOverwrite{
			ID:    g.PrincipalID,
			Type:  discordgo.PermissionOverwriteTypeRole,
			Allow: permissionBits(g.Allow),
			Deny:  permissionBits(g.Deny),
		}
		switch g.Kind {
		case policy.PrincipalIndividual:
			ow.Type = discordgo.PermissionOverwriteTypeMember
		case policy.PrincipalEveryone:
			// @everyone is the role whose id equals the guild id.
			ow.ID = guildID
		}
		out = append(out, ow)
	}
	return out
}

func permissionBits(p policy.Permission) int64 {
	var bits int64
	if p.Has(policy.PermView) {
		bits |= discordgo.PermissionViewChannel | discordgo.PermissionVoiceConnect
	}
	if p.Has(policy.PermManage) {
		bits |= discordgo.PermissionManageChannels | discordgo.PermissionVoiceMoveMembers
	}
	return bits
}

func displayName(m *discordgo.Member) string {
	if m == nil {
		return ""
	}
	if m.Nick != "" {
		return m.Nick
	}
	if m.User == nil {
		return ""
	}
	if m.User.GlobalName != "" {
		return m.User.GlobalName
	}
	return m.User.Username
}

// isNotFound reports whether err is a Discord 404 or an unknown-entity API error.
func isNotFound(err error) bool {
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) {
		return false
	}
	if restErr.Response != nil && restErr.Response.StatusCode == http.StatusNotFound {
		return true
	}
	if restErr.Message != nil {
		switch restErr.Message.Code {
		case discordgo.ErrCodeUnknownChannel, discordgo.ErrCodeUnknownMember, discordgo.ErrCodeUnknownUser:
			return true
		}
	}
	return false
}
