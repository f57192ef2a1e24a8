package platform

import (
	"context"
	"fmt"
	"sync"

	"github.com/haasonsaas/ephemera/internal/policy"
)

// CreateCall records one CreateChannel invocation.
type CreateCall struct {
	GuildID string
	Name    string
	Grants  []policy.AccessGrant
}

// DeleteCall records one DeleteChannel invocation.
type DeleteCall struct {
	GuildID   string
	ChannelID string
	Reason    string
}

// Fake is an in-memory Platform for tests. Zero value is not usable; call NewFake.
type Fake struct {
	mu sync.Mutex

	ServiceID string
	nextID    int
	channels  map[string]string // channel id -> guild id
	members   map[string]*Member
	occupants map[string]int

	CreateErr   error
	DeleteErr   error
	ResolveErrs map[string]error
	CountErrs   map[string]error

	Creates  []CreateCall
	Deletes  []DeleteCall
	Resolves []string

	transitions chan MembershipTransition
}

// NewFake returns a Fake acting as serviceID.
func NewFake(serviceID string) *Fake {
	return &Fake{
		ServiceID:   serviceID,
		channels:    make(map[string]string),
		members:     make(map[string]*Member),
		occupants:   make(map[string]int),
		ResolveErrs: make(map[string]error),
		CountErrs:   make(map[string]error),
		transitions: make(chan MembershipTransition, 64),
	}
}

// AddMember registers a resolvable guild member.
func (f *Fake) AddMember(guildID string, m Member) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members[guildID+"/"+m.ID] = &m
}

// AddChannel registers an existing channel.
func (f *Fake) AddChannel(guildID, channelID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels[channelID] = guildID
}

// SetOccupants sets the authoritative occupant count of a channel.
func (f *Fake) SetOccupants(channelID string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.occupants[channelID] = n
}

// HasChannel reports whether the channel still exists.
func (f *Fake) HasChannel(channelID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.channels[channelID]
	return ok
}

// DeleteCount returns how many DeleteChannel calls targeted channelID.
func (f *Fake) DeleteCount(channelID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, d := range f.Deletes {
		if d.ChannelID == channelID {
			n++
		}
	}
	return n
}

// LastCreate returns the most recent CreateChannel call.
func (f *Fake) LastCreate() (CreateCall, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Creates) == 0 {
		return CreateCall{}, false
	}
	return f.Creates[len(f.Creates)-1], true
}

// Emit queues a membership transition on the Transitions stream.
func (f *Fake) Emit(t MembershipTransition) {
	f.transitions <- t
}

// CloseTransitions closes the Transitions stream.
func (f *Fake) CloseTransitions() {
	close(f.transitions)
}

func (f *Fake) Transitions() <-chan MembershipTransition {
	return f.transitions
}

func (f *Fake) CreateChannel(ctx context.Context, guildID, name string, grants []policy.AccessGrant) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Creates = append(f.Creates, CreateCall{GuildID: guildID, Name: name, Grants: append([]policy.AccessGrant(nil), grants...)})
	if f.CreateErr != nil {
		return "", f.CreateErr
	}
	f.nextID++
	id := fmt.Sprintf("vc-%d", f.nextID)
	f.channels[id] = guildID
	return id, nil
}

func (f *Fake) DeleteChannel(ctx context.Context, guildID, channelID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Deletes = append(f.Deletes, DeleteCall{GuildID: guildID, ChannelID: channelID, Reason: reason})
	if f.DeleteErr != nil {
		return f.DeleteErr
	}
	if _, ok := f.channels[channelID]; !ok {
		return ErrNotFound
	}
	delete(f.channels, channelID)
	delete(f.occupants, channelID)
	return nil
}

func (f *Fake) ResolveMember(ctx context.Context, guildID, userID string) (*Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Resolves = append(f.Resolves, userID)
	if err := f.ResolveErrs[userID]; err != nil {
		return nil, err
	}
	m, ok := f.members[guildID+"/"+userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	cp.Roles = append([]string(nil), m.Roles...)
	return &cp, nil
}

func (f *Fake) CountOccupants(ctx context.Context, guildID, channelID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.CountErrs[channelID]; err != nil {
		return 0, err
	}
	if _, ok := f.channels[channelID]; !ok {
		return 0, ErrNotFound
	}
	return f.occupants[channelID], nil
}

func (f *Fake) ServiceAccountID() string {
	return f.ServiceID
}

var (
	_ Platform         = (*Fake)(nil)
	_ TransitionSource = (*Fake)(nil)
)
