// Package access resolves callers into actors carrying an explicit
// permission set. Engines receive an Actor per call and never look up
// roles themselves.
package access

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fiomkt/market-engine/internal/model"
)

// Permission keys checked by the engines.
const (
	PlaceInternal = "reservations.place_internal"
	PlacePartner  = "reservations.place_partner"
	PostInternal  = "orders.post_internal"
	PostPartner   = "orders.post_partner"
	Admin         = "admin"
)

// Actor is the authenticated caller of an operation.
type Actor struct {
	UserID      string
	permissions map[string]bool
}

// NewActor creates an actor holding exactly the given permissions.
func NewActor(userID string, permissions ...string) Actor {
	a := Actor{UserID: userID, permissions: make(map[string]bool, len(permissions))}
	for _, p := range permissions {
		a.permissions[p] = true
	}
	return a
}

// HasPermission reports whether the actor holds key.
func (a Actor) HasPermission(key string) bool {
	return a.permissions[key]
}

// Permissions returns the actor's permission keys, sorted.
func (a Actor) Permissions() []string {
	out := make([]string, 0, len(a.permissions))
	for p := range a.permissions {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// PlacePermission is the permission needed to reserve against an order of
// visibility v.
func PlacePermission(v model.Visibility) string {
	if v == model.VisibilityPartner {
		return PlacePartner
	}
	return PlaceInternal
}

// PostPermission is the permission needed to post an order of visibility v.
func PostPermission(v model.Visibility) string {
	if v == model.VisibilityPartner {
		return PostPartner
	}
	return PostInternal
}

// Policy maps role names to the permissions they grant.
type Policy map[string][]string

// DefaultPolicy grants members internal trading and partners partner
// trading. Admins get everything.
func DefaultPolicy() Policy {
	return Policy{
		"member":  {PlaceInternal, PostInternal},
		"partner": {PlacePartner, PostPartner},
		"admin":   {PlaceInternal, PlacePartner, PostInternal, PostPartner, Admin},
	}
}

// Actor resolves the union of permissions granted by roles. Unknown roles
// grant nothing.
func (p Policy) Actor(userID string, roles []string) Actor {
	var perms []string
	for _, role := range roles {
		perms = append(perms, p[strings.TrimSpace(role)]...)
	}
	return NewActor(userID, perms...)
}

// ParsePolicy parses "role=perm|perm;role=perm".
func ParsePolicy(s string) (Policy, error) {
	p := make(Policy)
	for _, entry := range strings.Split(s, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		role, perms, ok := strings.Cut(entry, "=")
		role = strings.TrimSpace(role)
		if !ok || role == "" {
			return nil, fmt.Errorf("invalid role entry %q: want role=perm|perm", entry)
		}
		for _, perm := range strings.Split(perms, "|") {
			if perm = strings.TrimSpace(perm); perm != "" {
				p[role] = append(p[role], perm)
			}
		}
	}
	return p, nil
}
