// Package platform describes the chat platform capabilities the lifecycle
// core consumes. The Discord adapter implements it in production; Fake
// implements it for tests.
package platform

import (
	"context"
	"errors"

	"github.com/haasonsaas/ephemera/internal/policy"
)

// ErrNotFound is returned when a member or channel does not exist.
var ErrNotFound = errors.New("platform: not found")

// Member is a resolved guild member.
type Member struct {
	ID          string
	DisplayName string
	Roles       []string
}

// MembershipTransition reports a principal moving between voice locations.
// An empty From or To means "not in any channel".
type MembershipTransition struct {
	GuildID     string
	PrincipalID string
	From        string
	To          string
}

// Platform is the set of calls the lifecycle core makes against the chat platform.
type Platform interface {
	// CreateChannel creates a voice channel with the given grants and returns its id.
	CreateChannel(ctx context.Context, guildID, name string, grants []policy.AccessGrant) (string, error)
	// DeleteChannel deletes a channel. A missing channel yields ErrNotFound.
	DeleteChannel(ctx context.Context, guildID, channelID, reason string) error
	// ResolveMember looks up a guild member. A missing member yields ErrNotFound.
	ResolveMember(ctx context.Context, guildID, userID string) (*Member, error)
	// CountOccupants returns the authoritative number of distinct users in a channel.
	CountOccupants(ctx context.Context, guildID, channelID string) (int, error)
	// ServiceAccountID is the id the service acts as on the platform.
	ServiceAccountID() string
}

// TransitionSource delivers membership transitions. The channel closes when
// the source shuts down.
type TransitionSource interface {
	Transitions() <-chan MembershipTransition
}
