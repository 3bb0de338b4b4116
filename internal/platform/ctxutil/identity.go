package ctxutil

import (
	"context"
	"strings"
)

type identityKey struct{}

// Identity is the caller as asserted by the fronting proxy. Verification of
// that assertion happens upstream; handlers only consume it.
type Identity struct {
	Email   string
	Name    string
	IsAdmin bool
}

func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

func GetIdentity(ctx context.Context) *Identity {
	if ctx == nil {
		return nil
	}
	if id, ok := ctx.Value(identityKey{}).(*Identity); ok {
		return id
	}
	return nil
}

// CanAccess reports whether the identity may read or mutate a run owned by owner.
func (i *Identity) CanAccess(owner string) bool {
	if i == nil {
		return false
	}
	if i.IsAdmin {
		return true
	}
	return strings.EqualFold(strings.TrimSpace(i.Email), strings.TrimSpace(owner))
}
