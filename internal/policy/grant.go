// Package policy builds the access-control list for a new ephemeral channel.
//
// Everything in this package is pure: member lookups happen in the caller and
// arrive here as resolved Invitee values, so the same request always yields
// the same grants in the same order.
package policy

import (
	"fmt"
	"strings"
)

// PrincipalKind identifies what kind of identity a grant applies to.
type PrincipalKind int

const (
	// PrincipalIndividual is a single user.
	PrincipalIndividual PrincipalKind = iota + 1
	// PrincipalRole is a group role inside the guild.
	PrincipalRole
	// PrincipalEveryone is the wildcard scope covering every guild member.
	PrincipalEveryone
)

func (k PrincipalKind) String() string {
	switch k {
	case PrincipalIndividual:
		return "individual"
	case PrincipalRole:
		return "role"
	case PrincipalEveryone:
		return "everyone"
	default:
		return "unknown"
	}
}

// Permission is a platform-neutral permission bit set.
type Permission uint8

const (
	// PermView lets a principal see and join the channel.
	PermView Permission = 1 << iota
	// PermManage lets a principal edit, move members out of, or delete the channel.
	PermManage
)

// Has reports whether every bit of other is set.
func (p Permission) Has(other Permission) bool {
	return p&other == other
}

func (p Permission) String() string {
	if p == 0 {
		return "none"
	}
	parts := make([]string, 0, 2)
	if p.Has(PermView) {
		parts = append(parts, "view")
	}
	if p.Has(PermManage) {
		parts = append(parts, "manage")
	}
	return strings.Join(parts, "|")
}

// AccessGrant is a single allow/deny entry for one principal.
type AccessGrant struct {
	Kind        PrincipalKind
	PrincipalID string
	Allow       Permission
	Deny        Permission
}

func (g AccessGrant) String() string {
	return fmt.Sprintf("%s:%s allow=%s deny=%s", g.Kind, g.PrincipalID, g.Allow, g.Deny)
}

// Visibility is the requested audience of a new channel.
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityPublic  Visibility = "public"
)

// ParseVisibility accepts "private" or "public" in any case.
func ParseVisibility(s string) (Visibility, error) {
	switch Visibility(strings.ToLower(strings.TrimSpace(s))) {
	case VisibilityPrivate:
		return VisibilityPrivate, nil
	case VisibilityPublic:
		return VisibilityPublic, nil
	default:
		return "", fmt.Errorf("unknown visibility %q", s)
	}
}

// Merge collapses repeated principals. Each principal keeps the position of
// its first entry and the flags of its last one, so later entries still win.
func Merge(grants []AccessGrant) []AccessGrant {
	type key struct {
		kind PrincipalKind
		id   string
	}
	index := make(map[key]int, len(grants))
	merged := make([]AccessGrant, 0, len(grants))
	for _, g := range grants {
		k := key{g.Kind, g.PrincipalID}
		if i, ok := index[k]; ok {
			merged[i] = g
			continue
		}
		index[k] = len(merged)
		merged = append(merged, g)
	}
	return merged
}
