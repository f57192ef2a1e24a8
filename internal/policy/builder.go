package policy

import (
	"regexp"
	"slices"
)

// MaxInvitees is the most invitees a single creation request may carry.
const MaxInvitees = 5

var mentionPattern = regexp.MustCompile(`^<@(!|&)?(\d+)>$`)

// Invitee is one mention from a creation request. Individuals are resolved
// against guild membership by the caller before Build sees them.
type Invitee struct {
	Kind     PrincipalKind
	ID       string
	Mention  string
	Resolved bool
	// LookupFailed marks an individual whose membership lookup errored for a
	// reason other than not-found. Such invitees are denied, not dropped.
	LookupFailed bool
	DisplayName  string
	Roles        []string
}

// ParseMention classifies a mention string. User mentions look like <@id> or
// <@!id>, role mentions like <@&id>. Anything else is not a mention.
func ParseMention(s string) (Invitee, bool) {
	m := mentionPattern.FindStringSubmatch(s)
	if m == nil {
		return Invitee{}, false
	}
	kind := PrincipalIndividual
	if m[1] == "&" {
		kind = PrincipalRole
	}
	return Invitee{Kind: kind, ID: m[2], Mention: s}, true
}

// Request is everything Build needs to produce the grant list.
type Request struct {
	RequesterID      string
	Visibility       Visibility
	Invitees         []Invitee
	ModeratorRoles   []string
	ModeratorUsers   []string
	MandatoryRoles   []string
	ServiceAccountID string
	// EveryoneID is the id of the wildcard scope. On Discord this is the guild id.
	EveryoneID string
}

// Result holds the ordered grants and the display names of rejected invitees.
type Result struct {
	Grants []AccessGrant
	Denied []string
}

// Build produces the access-control list for a new channel. Entries are
// ordered by precedence: wildcard, invitees, moderators, requester, service
// account. A later entry for the same principal overrides an earlier one.
func Build(req Request) Result {
	var res Result

	everyone := AccessGrant{Kind: PrincipalEveryone, PrincipalID: req.EveryoneID}
	if req.Visibility == VisibilityPublic {
		everyone.Allow = PermView
	} else {
		everyone.Deny = PermView
	}
	res.Grants = append(res.Grants, everyone)

	for _, inv := range req.Invitees {
		switch inv.Kind {
		case PrincipalRole:
			res.Grants = append(res.Grants, AccessGrant{Kind: PrincipalRole, PrincipalID: inv.ID, Allow: PermView})
		case PrincipalIndividual:
			if inv.LookupFailed {
				res.Denied = append(res.Denied, inv.DisplayName)
				continue
			}
			if !inv.Resolved {
				continue
			}
			if !Eligible(inv.Roles, req.MandatoryRoles) {
				res.Denied = append(res.Denied, inv.DisplayName)
				continue
			}
			res.Grants = append(res.Grants, AccessGrant{Kind: PrincipalIndividual, PrincipalID: inv.ID, Allow: PermView})
		}
	}

	for _, role := range req.ModeratorRoles {
		res.Grants = append(res.Grants, AccessGrant{Kind: PrincipalRole, PrincipalID: role, Allow: PermView | PermManage})
	}
	for _, user := range req.ModeratorUsers {
		res.Grants = append(res.Grants, AccessGrant{Kind: PrincipalIndividual, PrincipalID: user, Allow: PermView | PermManage})
	}

	res.Grants = append(res.Grants,
		AccessGrant{Kind: PrincipalIndividual, PrincipalID: req.RequesterID, Allow: PermView},
		AccessGrant{Kind: PrincipalIndividual, PrincipalID: req.ServiceAccountID, Allow: PermView | PermManage},
	)
	return res
}

// Eligible reports whether a member holding roles passes the mandatory-role
// allow-list. An empty allow-list admits everyone.
func Eligible(roles, mandatory []string) bool {
	if len(mandatory) == 0 {
		return true
	}
	for _, r := range roles {
		if slices.Contains(mandatory, r) {
			return true
		}
	}
	return false
}
