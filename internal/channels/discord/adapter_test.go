package discord

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/haasonsaas/ephemera/internal/backoff"
	"github.com/haasonsaas/ephemera/internal/deletion"
	"github.com/haasonsaas/ephemera/internal/occupancy"
	"github.com/haasonsaas/ephemera/internal/platform"
	"github.com/haasonsaas/ephemera/internal/policy"
	"github.com/haasonsaas/ephemera/internal/reconcile"
	"github.com/haasonsaas/ephemera/internal/storage"
)

// mockDiscordSession is a mock implementation for testing
type mockDiscordSession struct {
	mu sync.Mutex

	openErrs    []error
	openCalls   int
	closeCalled bool
	handlers    int
	removed     int

	created      []discordgo.GuildChannelCreateData
	createdGuild string
	createErr    error

	deleted     []string
	deleteOpts  []discordgo.RequestOption
	deleteErr   error
	channelErr  error
	channelGets []string

	members   map[string]*discordgo.Member
	memberErr error

	registeredApp   string
	registeredGuild string
	registered      []*discordgo.ApplicationCommand

	responses []*discordgo.InteractionResponse
	edits     []string
}

func (m *mockDiscordSession) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openCalls++
	if len(m.openErrs) > 0 {
		err := m.openErrs[0]
		m.openErrs = m.openErrs[1:]
		return err
	}
	return nil
}

func (m *mockDiscordSession) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCalled = true
	return nil
}

func (m *mockDiscordSession) AddHandler(handler interface{}) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers++
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.removed++
	}
}

func (m *mockDiscordSession) GuildChannelCreateComplex(guildID string, data discordgo.GuildChannelCreateData, options ...discordgo.RequestOption) (*discordgo.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return nil, m.createErr
	}
	m.createdGuild = guildID
	m.created = append(m.created, data)
	return &discordgo.Channel{ID: "900", GuildID: guildID, Name: data.Name, Type: data.Type}, nil
}

func (m *mockDiscordSession) ChannelDelete(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return nil, m.deleteErr
	}
	m.deleted = append(m.deleted, channelID)
	m.deleteOpts = options
	return &discordgo.Channel{ID: channelID}, nil
}

func (m *mockDiscordSession) Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channelGets = append(m.channelGets, channelID)
	if m.channelErr != nil {
		return nil, m.channelErr
	}
	return &discordgo.Channel{ID: channelID}, nil
}

func (m *mockDiscordSession) GuildMember(guildID, userID string, options ...discordgo.RequestOption) (*discordgo.Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.memberErr != nil {
		return nil, m.memberErr
	}
	member, ok := m.members[userID]
	if !ok {
		return nil, restError(http.StatusNotFound, discordgo.ErrCodeUnknownMember)
	}
	return member, nil
}

func (m *mockDiscordSession) ApplicationCommandBulkOverwrite(appID, guildID string, commands []*discordgo.ApplicationCommand, options ...discordgo.RequestOption) ([]*discordgo.ApplicationCommand, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registeredApp = appID
	m.registeredGuild = guildID
	m.registered = commands
	return commands, nil
}

func (m *mockDiscordSession) InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, resp)
	return nil
}

func (m *mockDiscordSession) InteractionResponseEdit(interaction *discordgo.Interaction, newresp *discordgo.WebhookEdit, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if newresp.Content != nil {
		m.edits = append(m.edits, *newresp.Content)
	}
	return &discordgo.Message{}, nil
}

func restError(status, code int) error {
	return &discordgo.RESTError{
		Response: &http.Response{StatusCode: status, Status: http.StatusText(status)},
		Message:  &discordgo.APIErrorMessage{Code: code, Message: "unknown"},
	}
}

func newTestAdapter(t *testing.T, mock *mockDiscordSession) *Adapter {
	t.Helper()
	a, err := NewAdapter(Config{
		Token:          "test-token",
		AppID:          "42",
		CategoryID:     "700",
		RateLimit:      1000,
		RateBurst:      1000,
		ConnectBackoff: backoff.Policy{Initial: time.Millisecond, Max: time.Millisecond, Factor: 1},
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewAdapter() error = %v", err)
	}
	a.session = mock
	return a
}

func TestConfig_Validate(t *testing.T) {
	if err := (&Config{AppID: "1"}).Validate(); err == nil {
		t.Error("expected error without token")
	}
	if err := (&Config{Token: "t"}).Validate(); err == nil {
		t.Error("expected error without app id")
	}
	cfg := Config{Token: "t", AppID: "1"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if cfg.RateLimit != 5 || cfg.RateBurst != 10 || cfg.ConnectAttempts != 5 {
		t.Errorf("defaults not applied: %+v", cfg)
	}
	if cfg.ConnectBackoff != backoff.DefaultPolicy() {
		t.Errorf("ConnectBackoff = %+v", cfg.ConnectBackoff)
	}
}

func TestAdapter_StartStop(t *testing.T) {
	mock := &mockDiscordSession{openErrs: []error{errors.New("gateway down"), errors.New("gateway down")}}
	a := newTestAdapter(t, mock)
	a.config.CommandGuildID = "1"

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if mock.openCalls != 3 {
		t.Errorf("Open called %d times, want 3", mock.openCalls)
	}
	if mock.handlers != 5 {
		t.Errorf("registered %d handlers, want 5", mock.handlers)
	}
	if mock.registeredApp != "42" || mock.registeredGuild != "1" || len(mock.registered) != 1 {
		t.Errorf("commands registered as app=%q guild=%q n=%d", mock.registeredApp, mock.registeredGuild, len(mock.registered))
	}
	if err := a.Start(context.Background()); err == nil {
		t.Error("second Start should fail")
	}

	if err := a.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if !mock.closeCalled {
		t.Error("Expected session.Close to be called")
	}
	if mock.removed != 5 {
		t.Errorf("removed %d handlers, want 5", mock.removed)
	}
	if _, ok := <-a.Transitions(); ok {
		t.Error("transitions channel should be closed after Stop")
	}
	if err := a.Stop(); err != nil {
		t.Errorf("second Stop error = %v", err)
	}
}

func TestAdapter_StartGivesUp(t *testing.T) {
	boom := errors.New("gateway down")
	mock := &mockDiscordSession{openErrs: []error{boom, boom, boom}}
	a := newTestAdapter(t, mock)
	a.config.ConnectAttempts = 2

	err := a.Start(context.Background())
	if !errors.Is(err, backoff.ErrMaxAttemptsExhausted) || !errors.Is(err, boom) {
		t.Fatalf("Start() error = %v", err)
	}
	if mock.openCalls != 2 {
		t.Errorf("Open called %d times, want 2", mock.openCalls)
	}
}

func TestOverwrites(t *testing.T) {
	view := int64(discordgo.PermissionViewChannel | discordgo.PermissionVoiceConnect)
	manage := int64(discordgo.PermissionManageChannels | discordgo.PermissionVoiceMoveMembers)

	grants := []policy.AccessGrant{
		{Kind: policy.PrincipalEveryone, PrincipalID: "1", Deny: policy.PermView},
		{Kind: policy.PrincipalIndividual, PrincipalID: "10", Allow: policy.PermView | policy.PermManage},
		{Kind: policy.PrincipalRole, PrincipalID: "20", Allow: policy.PermView},
		{Kind: policy.PrincipalIndividual, PrincipalID: "10", Allow: policy.PermView},
	}
	got := overwrites("1", grants)

	want := []discordgo.PermissionOverwrite{
		{ID: "1", Type: discordgo.PermissionOverwriteTypeRole, Deny: view},
		{ID: "10", Type: discordgo.PermissionOverwriteTypeMember, Allow: view},
		{ID: "20", Type: discordgo.PermissionOverwriteTypeRole, Allow: view},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d overwrites, want %d", len(got), len(want))
	}
	for i := range want {
		if *got[i] != want[i] {
			t.Errorf("overwrite[%d] = %+v, want %+v", i, *got[i], want[i])
		}
	}
	if permissionBits(policy.PermView|policy.PermManage) != view|manage {
		t.Error("view|manage bits mismatch")
	}
}

func TestAdapter_CreateChannel(t *testing.T) {
	mock := &mockDiscordSession{}
	a := newTestAdapter(t, mock)

	id, err := a.CreateChannel(context.Background(), "1", "alice_private_100", []policy.AccessGrant{
		{Kind: policy.PrincipalEveryone, PrincipalID: "1", Deny: policy.PermView},
	})
	if err != nil {
		t.Fatalf("CreateChannel() error = %v", err)
	}
	if id != "900" {
		t.Errorf("id = %q", id)
	}
	if len(mock.created) != 1 {
		t.Fatalf("created %d channels", len(mock.created))
	}
	data := mock.created[0]
	if data.Type != discordgo.ChannelTypeGuildVoice || data.ParentID != "700" || data.Name != "alice_private_100" {
		t.Errorf("create data = %+v", data)
	}
	if len(data.PermissionOverwrites) != 1 {
		t.Errorf("overwrites = %d", len(data.PermissionOverwrites))
	}

	mock.createErr = restError(http.StatusForbidden, 50013)
	if _, err := a.CreateChannel(context.Background(), "1", "x", nil); err == nil {
		t.Error("expected error")
	}
}

func TestAdapter_DeleteChannel(t *testing.T) {
	mock := &mockDiscordSession{}
	a := newTestAdapter(t, mock)

	if err := a.DeleteChannel(context.Background(), "1", "900", "idle"); err != nil {
		t.Fatalf("DeleteChannel() error = %v", err)
	}
	if len(mock.deleted) != 1 || mock.deleted[0] != "900" {
		t.Fatalf("deleted = %v", mock.deleted)
	}

	cfg := &discordgo.RequestConfig{Request: httptest.NewRequest(http.MethodDelete, "/channels/900", nil)}
	for _, opt := range mock.deleteOpts {
		opt(cfg)
	}
	reason, _ := url.PathUnescape(cfg.Request.Header.Get("X-Audit-Log-Reason"))
	if reason != "idle" {
		t.Errorf("audit log reason = %q, want idle", reason)
	}

	mock.deleteErr = restError(http.StatusNotFound, discordgo.ErrCodeUnknownChannel)
	if err := a.DeleteChannel(context.Background(), "1", "900", "idle"); !errors.Is(err, platform.ErrNotFound) {
		t.Errorf("404 error = %v, want platform.ErrNotFound", err)
	}

	mock.deleteErr = restError(http.StatusInternalServerError, 0)
	err := a.DeleteChannel(context.Background(), "1", "900", "idle")
	if err == nil || errors.Is(err, platform.ErrNotFound) {
		t.Errorf("500 error = %v", err)
	}
}

func TestAdapter_ResolveMember(t *testing.T) {
	mock := &mockDiscordSession{members: map[string]*discordgo.Member{
		"1": {Nick: "nick", User: &discordgo.User{ID: "1", Username: "user1", GlobalName: "Global"}, Roles: []string{"r1"}},
		"2": {User: &discordgo.User{ID: "2", Username: "user2", GlobalName: "Global Two"}},
		"3": {User: &discordgo.User{ID: "3", Username: "user3"}},
	}}
	a := newTestAdapter(t, mock)

	tests := []struct {
		id   string
		want string
	}{
		{id: "1", want: "nick"},
		{id: "2", want: "Global Two"},
		{id: "3", want: "user3"},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			m, err := a.ResolveMember(context.Background(), "g", tt.id)
			if err != nil {
				t.Fatalf("ResolveMember() error = %v", err)
			}
			if m.DisplayName != tt.want || m.ID != tt.id {
				t.Errorf("member = %+v, want display %q", m, tt.want)
			}
		})
	}

	m, _ := a.ResolveMember(context.Background(), "g", "1")
	if len(m.Roles) != 1 || m.Roles[0] != "r1" {
		t.Errorf("roles = %v", m.Roles)
	}

	if _, err := a.ResolveMember(context.Background(), "g", "404"); !errors.Is(err, platform.ErrNotFound) {
		t.Errorf("missing member error = %v", err)
	}

	mock.memberErr = errors.New("connection reset")
	if _, err := a.ResolveMember(context.Background(), "g", "1"); err == nil || errors.Is(err, platform.ErrNotFound) {
		t.Errorf("transport error = %v", err)
	}
}

// stateSession stands in for the live session when applying events to the
// adapter's state; discordgo only reads StateEnabled from it.
var stateSession = &discordgo.Session{StateEnabled: true}

// seedGuild applies a GUILD_CREATE to the state and then runs the handler,
// the order discordgo's handleEvent uses.
func seedGuild(a *Adapter, guildID string, states ...*discordgo.VoiceState) {
	ev := &discordgo.GuildCreate{Guild: &discordgo.Guild{ID: guildID, VoiceStates: states}}
	_ = a.state.OnInterface(stateSession, ev)
	a.handleGuildCreate(nil, ev)
}

// applyToState applies a VOICE_STATE_UPDATE to the state only. The returned
// event carries BeforeUpdate and can be handed to the handler later.
func applyToState(a *Adapter, vs *discordgo.VoiceState) *discordgo.VoiceStateUpdate {
	ev := &discordgo.VoiceStateUpdate{VoiceState: vs}
	_ = a.state.OnInterface(stateSession, ev)
	return ev
}

func nextTransition(a *Adapter) (platform.MembershipTransition, bool) {
	select {
	case got := <-a.Transitions():
		return got, true
	default:
		return platform.MembershipTransition{}, false
	}
}

func TestAdapter_VoiceStateTransitions(t *testing.T) {
	a := newTestAdapter(t, &mockDiscordSession{})

	seedGuild(a, "g",
		&discordgo.VoiceState{UserID: "u1", ChannelID: "c1"},
	)

	steps := []struct {
		name  string
		state *discordgo.VoiceState
		want  *platform.MembershipTransition
	}{
		{
			name:  "seeded user leaves",
			state: &discordgo.VoiceState{GuildID: "g", UserID: "u1"},
			want:  &platform.MembershipTransition{GuildID: "g", PrincipalID: "u1", From: "c1"},
		},
		{
			name:  "join",
			state: &discordgo.VoiceState{GuildID: "g", UserID: "u2", ChannelID: "c2"},
			want:  &platform.MembershipTransition{GuildID: "g", PrincipalID: "u2", To: "c2"},
		},
		{
			name:  "mute toggle emits nothing",
			state: &discordgo.VoiceState{GuildID: "g", UserID: "u2", ChannelID: "c2", SelfMute: true},
		},
		{
			name:  "move",
			state: &discordgo.VoiceState{GuildID: "g", UserID: "u2", ChannelID: "c3"},
			want:  &platform.MembershipTransition{GuildID: "g", PrincipalID: "u2", From: "c2", To: "c3"},
		},
		{
			name:  "unknown guild join",
			state: &discordgo.VoiceState{GuildID: "h", UserID: "u9", ChannelID: "c9"},
			want:  &platform.MembershipTransition{GuildID: "h", PrincipalID: "u9", To: "c9"},
		},
		{
			name:  "missing user ignored",
			state: &discordgo.VoiceState{GuildID: "g", ChannelID: "c1"},
		},
	}
	for _, step := range steps {
		a.handleVoiceStateUpdate(nil, applyToState(a, step.state))
		got, ok := nextTransition(a)
		if ok && step.want == nil {
			t.Fatalf("%s: unexpected transition %+v", step.name, got)
		}
		if !ok && step.want != nil {
			t.Fatalf("%s: no transition emitted", step.name)
		}
		if ok && got != *step.want {
			t.Fatalf("%s: got %+v, want %+v", step.name, got, *step.want)
		}
	}
}

func TestAdapter_HandlersOutOfOrder(t *testing.T) {
	mock := &mockDiscordSession{}
	a := newTestAdapter(t, mock)
	readyWith(a, "g")
	seedGuild(a, "g")

	// The state sees join A then move to B in gateway order; the handlers
	// run in the opposite order.
	join := applyToState(a, &discordgo.VoiceState{GuildID: "g", UserID: "u", ChannelID: "A"})
	move := applyToState(a, &discordgo.VoiceState{GuildID: "g", UserID: "u", ChannelID: "B"})
	a.handleVoiceStateUpdate(nil, move)
	a.handleVoiceStateUpdate(nil, join)

	want := []platform.MembershipTransition{
		{GuildID: "g", PrincipalID: "u", From: "A", To: "B"},
		{GuildID: "g", PrincipalID: "u", To: "A"},
	}
	for i, w := range want {
		got, ok := nextTransition(a)
		if !ok || got != w {
			t.Fatalf("transition %d = %+v (%v), want %+v", i, got, ok, w)
		}
	}

	// The tracker would now hold A=1 after flooring the early decrement. The
	// recount reads the state, which places the user in B.
	ctx := context.Background()
	if n, err := a.CountOccupants(ctx, "g", "B"); err != nil || n != 1 {
		t.Errorf("CountOccupants(B) = %d, %v, want 1", n, err)
	}
	if n, err := a.CountOccupants(ctx, "g", "A"); err != nil || n != 0 {
		t.Errorf("CountOccupants(A) = %d, %v, want 0", n, err)
	}
}

func TestAdapter_DriftCorrectionAfterReorderedEvents(t *testing.T) {
	mock := &mockDiscordSession{}
	a := newTestAdapter(t, mock)
	readyWith(a, "g")
	seedGuild(a, "g")

	now := time.Unix(1_700_000_000, 0)
	store := storage.NewMemoryStore(func() time.Time { return now })
	ctx := context.Background()
	for _, id := range []string{"A", "B"} {
		if err := store.Insert(ctx, storage.Resource{ID: id, GuildID: "g", LastActivityAt: now}); err != nil {
			t.Fatalf("Insert(%s) error = %v", id, err)
		}
	}
	tracker := occupancy.NewTracker(store)

	join := applyToState(a, &discordgo.VoiceState{GuildID: "g", UserID: "u", ChannelID: "A"})
	move := applyToState(a, &discordgo.VoiceState{GuildID: "g", UserID: "u", ChannelID: "B"})
	a.handleVoiceStateUpdate(nil, move)
	a.handleVoiceStateUpdate(nil, join)
	for {
		tr, ok := nextTransition(a)
		if !ok {
			break
		}
		tracker.Handle(ctx, tr)
	}

	r := reconcile.New(store, a, deletion.NewQueue(), reconcile.WithIdleTimeout(time.Minute))
	report := r.RunOnce(ctx)
	if !report.DriftCheck || report.Skipped != 0 {
		t.Fatalf("report = %+v", report)
	}

	for id, want := range map[string]int{"A": 0, "B": 1} {
		res, err := store.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get(%s) error = %v", id, err)
		}
		if res.Occupancy != want {
			t.Errorf("occupancy(%s) = %d, want %d", id, res.Occupancy, want)
		}
	}
}

func TestAdapter_EmitAfterStopIsDropped(t *testing.T) {
	a := newTestAdapter(t, &mockDiscordSession{})
	if err := a.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	// Must not panic on a closed channel.
	a.handleVoiceStateUpdate(nil, &discordgo.VoiceStateUpdate{
		VoiceState: &discordgo.VoiceState{GuildID: "g", UserID: "u", ChannelID: "c"},
	})
}

func readyWith(a *Adapter, guildIDs ...string) {
	guilds := make([]*discordgo.Guild, 0, len(guildIDs))
	for _, id := range guildIDs {
		guilds = append(guilds, &discordgo.Guild{ID: id, Unavailable: true})
	}
	a.handleReady(nil, &discordgo.Ready{User: &discordgo.User{ID: "77"}, Guilds: guilds})
}

func isReady(a *Adapter) bool {
	select {
	case <-a.Ready():
		return true
	default:
		return false
	}
}

func TestAdapter_ReadyAfterAllGuildsSeeded(t *testing.T) {
	a := newTestAdapter(t, &mockDiscordSession{})
	if _, err := a.CountOccupants(context.Background(), "g1", "c"); !errors.Is(err, ErrNotReady) {
		t.Fatalf("CountOccupants before ready = %v, want ErrNotReady", err)
	}

	seedGuild(a, "g0")
	if isReady(a) {
		t.Fatal("ready before the Ready event")
	}
	readyWith(a, "g0", "g1", "g2")
	if isReady(a) {
		t.Fatal("ready with guilds still pending")
	}
	seedGuild(a, "g1")
	a.handleGuildDelete(nil, &discordgo.GuildDelete{Guild: &discordgo.Guild{ID: "g2"}})
	if !isReady(a) {
		t.Fatal("expected ready once every guild is seeded or gone")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := a.WaitReady(ctx); err != nil {
		t.Errorf("WaitReady() = %v", err)
	}
}

func TestAdapter_ReadyWithoutGuilds(t *testing.T) {
	a := newTestAdapter(t, &mockDiscordSession{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.WaitReady(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("WaitReady before ready = %v", err)
	}
	readyWith(a)
	if !isReady(a) {
		t.Error("a session with no guilds is ready immediately")
	}
}

func TestAdapter_CountOccupants(t *testing.T) {
	mock := &mockDiscordSession{}
	a := newTestAdapter(t, mock)
	readyWith(a, "g")
	seedGuild(a, "g",
		&discordgo.VoiceState{UserID: "u1", ChannelID: "c1"},
		&discordgo.VoiceState{UserID: "u2", ChannelID: "c1"},
		&discordgo.VoiceState{UserID: "u3", ChannelID: "c2"},
	)

	n, err := a.CountOccupants(context.Background(), "g", "c1")
	if err != nil || n != 2 {
		t.Fatalf("CountOccupants(c1) = %d, %v", n, err)
	}
	if len(mock.channelGets) != 0 {
		t.Error("occupied channel should not hit REST")
	}

	n, err = a.CountOccupants(context.Background(), "g", "empty")
	if err != nil || n != 0 {
		t.Fatalf("CountOccupants(empty) = %d, %v", n, err)
	}
	if len(mock.channelGets) != 1 {
		t.Errorf("empty channel should be confirmed over REST, got %v", mock.channelGets)
	}

	mock.channelErr = restError(http.StatusNotFound, discordgo.ErrCodeUnknownChannel)
	if _, err := a.CountOccupants(context.Background(), "g", "gone"); !errors.Is(err, platform.ErrNotFound) {
		t.Errorf("deleted channel error = %v", err)
	}

	mock.channelErr = errors.New("timeout")
	if _, err := a.CountOccupants(context.Background(), "g", "gone"); err == nil || errors.Is(err, platform.ErrNotFound) {
		t.Errorf("transport error = %v", err)
	}
}

func TestAdapter_ServiceAccountID(t *testing.T) {
	a := newTestAdapter(t, &mockDiscordSession{})
	if got := a.ServiceAccountID(); got != "42" {
		t.Errorf("before ready = %q, want app id", got)
	}
	a.handleReady(nil, &discordgo.Ready{User: &discordgo.User{ID: "77", Username: "ephemera"}})
	if got := a.ServiceAccountID(); got != "77" {
		t.Errorf("after ready = %q", got)
	}
}

func TestAdapter_GuildDeleteDropsCache(t *testing.T) {
	mock := &mockDiscordSession{}
	a := newTestAdapter(t, mock)
	readyWith(a, "g")
	seedGuild(a, "g", &discordgo.VoiceState{UserID: "u1", ChannelID: "c1"})
	ev := &discordgo.GuildDelete{Guild: &discordgo.Guild{ID: "g"}}
	_ = a.state.OnInterface(stateSession, ev)
	a.handleGuildDelete(nil, ev)

	n, err := a.CountOccupants(context.Background(), "g", "c1")
	if err != nil || n != 0 {
		t.Errorf("CountOccupants after guild delete = %d, %v", n, err)
	}
}

func TestIsNotFound(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil},
		{name: "plain", err: errors.New("404")},
		{name: "http 404", err: restError(http.StatusNotFound, 0), want: true},
		{name: "unknown member code", err: restError(http.StatusBadRequest, discordgo.ErrCodeUnknownMember), want: true},
		{name: "forbidden", err: restError(http.StatusForbidden, 50013)},
		{name: "wrapped", err: errors.Join(errors.New("ctx"), restError(http.StatusNotFound, 0)), want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isNotFound(tt.err); got != tt.want {
				t.Errorf("isNotFound() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAdapter_ImplementsPlatform(t *testing.T) {
	var _ platform.Platform = (*Adapter)(nil)
	var _ platform.TransitionSource = (*Adapter)(nil)
}
