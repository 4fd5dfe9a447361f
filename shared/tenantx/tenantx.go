// Package tenantx carries the active tenant and actor through every call
// chain, including across goroutine and task boundaries. Persistence code
// must treat a missing tenant as "no rows" on reads and a rejected write on
// writes; it must never fall back to a default tenant.
package tenantx

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrNoTenant = errors.New("no tenant in context")

type contextKey struct{}

type TenantContext struct {
	ID            uuid.UUID
	Slug          string
	UserID        uuid.UUID
	CorrelationID string
}

func WithTenant(ctx context.Context, tenant TenantContext) context.Context {
	return context.WithValue(ctx, contextKey{}, tenant)
}

// Clear drops any tenant from the context. Used when an execution context is
// reused for work on behalf of a different caller.
func Clear(ctx context.Context) context.Context {
	return context.WithValue(ctx, contextKey{}, TenantContext{})
}

func FromContext(ctx context.Context) (TenantContext, bool) {
	if v := ctx.Value(contextKey{}); v != nil {
		if t, ok := v.(TenantContext); ok && t.ID != uuid.Nil {
			return t, true
		}
	}
	return TenantContext{}, false
}

// Require returns the tenant or ErrNoTenant. Write paths call this so that a
// forged or absent tenant context fails closed instead of writing cross-tenant.
func Require(ctx context.Context) (TenantContext, error) {
	t, ok := FromContext(ctx)
	if !ok {
		return TenantContext{}, ErrNoTenant
	}
	return t, nil
}

func TenantIDFromContext(ctx context.Context) uuid.UUID {
	if t, ok := FromContext(ctx); ok {
		return t.ID
	}
	return uuid.Nil
}

func CorrelationIDFromContext(ctx context.Context) string {
	if t, ok := FromContext(ctx); ok {
		return t.CorrelationID
	}
	return ""
}
