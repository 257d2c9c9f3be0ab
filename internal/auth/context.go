// ABOUTME: Identity carried through request handlers
// ABOUTME: Provides WithIdentity/FromContext for propagating the caller's user id

package auth

import (
	"context"
)

// Identity is the authenticated caller of a request.
type Identity struct {
	UserID string
	Role   string // RoleAgent or empty for customers
}

type identityKey struct{}

// WithIdentity returns a new context with id attached.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext retrieves the Identity from ctx, returning nil if not present.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}

// UserID returns the authenticated user id in ctx, or "" for anonymous callers.
func UserID(ctx context.Context) string {
	if id := FromContext(ctx); id != nil {
		return id.UserID
	}
	return ""
}

// IsAgent reports whether the authenticated caller holds the agent role.
func IsAgent(ctx context.Context) bool {
	id := FromContext(ctx)
	return id != nil && id.Role == RoleAgent
}
