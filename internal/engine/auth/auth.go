// Package auth checks match roles that an upstream identity layer has
// already attached to a request.
package auth

import (
	"context"
	"fmt"
)

type Role string

const (
	RoleOwner       Role = "owner"
	RoleCaptain     Role = "captain"
	RoleViceCaptain Role = "vice_captain"
	RoleViewer      Role = "viewer"
)

// AnyMatch grants a role on every match.
const AnyMatch = "*"

const (
	PermissionScore = "match.score"
	PermissionRead  = "match.read"
)

// ScoringRoles may propose operations for a match.
var ScoringRoles = []Role{RoleOwner, RoleCaptain, RoleViceCaptain}

// ForbiddenError indicates a missing match role.
type ForbiddenError struct {
	Permission string
	MatchID    string
}

func (e ForbiddenError) Error() string {
	if e.MatchID == "" {
		return fmt.Sprintf("permission %s required", e.Permission)
	}
	return fmt.Sprintf("permission %s required on match %s", e.Permission, e.MatchID)
}

// Principal is an authenticated actor and its roles keyed by match id.
type Principal struct {
	ActorID string
	Matches map[string]Role
}

// RoleFor returns the actor's role on a match, falling back to AnyMatch.
func (p Principal) RoleFor(matchID string) (Role, bool) {
	if r, ok := p.Matches[matchID]; ok {
		return r, true
	}
	r, ok := p.Matches[AnyMatch]
	return r, ok
}

// Require returns ForbiddenError unless the principal holds one of roles on
// the match.
func (p Principal) Require(matchID, permission string, roles ...Role) error {
	if p.ActorID != "" {
		if have, ok := p.RoleFor(matchID); ok {
			for _, r := range roles {
				if have == r {
					return nil
				}
			}
		}
	}
	return ForbiddenError{Permission: permission, MatchID: matchID}
}

// CanScore reports whether the principal may propose operations on a match.
func (p Principal) CanScore(matchID string) error {
	return p.Require(matchID, PermissionScore, ScoringRoles...)
}

// CanRead reports whether the principal holds any role on a match.
func (p Principal) CanRead(matchID string) error {
	return p.Require(matchID, PermissionRead, RoleOwner, RoleCaptain, RoleViceCaptain, RoleViewer)
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
