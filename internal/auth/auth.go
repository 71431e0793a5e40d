// Package auth is the capability port. Identity and permission storage
// live outside this service; the engines only ask whether a user holds a
// capability for a sensitive operation.
package auth

import (
	"context"
	"slices"
)

type Capability string

const (
	ManageWorkModes Capability = "manage_work_modes"
	ForceDisconnect Capability = "force_disconnect"
	ManageCalls     Capability = "manage_calls"
	ViewQueue       Capability = "view_queue"
)

// User is the current caller as supplied by the identity provider.
type User struct {
	ID          string
	Permissions []string
}

// System is the actor used by background loops.
var System = User{ID: "system", Permissions: []string{"*"}}

// Checker answers capability questions.
type Checker interface {
	Can(u User, c Capability) bool
}

// PermissionChecker maps capabilities onto upstream permission strings.
// A "*" permission grants everything.
type PermissionChecker struct {
	Grants map[Capability][]string
}

// DefaultChecker uses the permission names of the surrounding help-desk.
func DefaultChecker() *PermissionChecker {
	return &PermissionChecker{Grants: map[Capability][]string{
		ManageWorkModes: {"livechat.manage_work_modes", "livechat.admin"},
		ForceDisconnect: {"livechat.force_disconnect", "livechat.admin"},
		ManageCalls:     {"calls.manage", "livechat.admin"},
		ViewQueue:       {"livechat.view_queue", "livechat.staff", "livechat.admin"},
	}}
}

func (p *PermissionChecker) Can(u User, c Capability) bool {
	if slices.Contains(u.Permissions, "*") {
		return true
	}
	for _, perm := range p.Grants[c] {
		if slices.Contains(u.Permissions, perm) {
			return true
		}
	}
	return false
}

type ctxKey struct{}

// WithUser stores u in ctx.
func WithUser(ctx context.Context, u User) context.Context {
	return context.WithValue(ctx, ctxKey{}, u)
}

// CurrentUser returns the user stored by WithUser.
func CurrentUser(ctx context.Context) (User, bool) {
	u, ok := ctx.Value(ctxKey{}).(User)
	return u, ok
}
