package auth

import (
	"context"

	"github.com/AppLetico/clasper/pkg/errs"
)

type contextKey string

const identityKey contextKey = "identity"

// WithIdentity attaches a verified Identity to the context.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// GetIdentity retrieves the Identity from the context.
func GetIdentity(ctx context.Context) (*Identity, error) {
	id, ok := ctx.Value(identityKey).(*Identity)
	if !ok || id == nil {
		return nil, errs.New(errs.KindMissingToken, "no identity in context")
	}
	return id, nil
}

// GetTenantID returns the tenant bound to the request context.
func GetTenantID(ctx context.Context) (string, error) {
	id, err := GetIdentity(ctx)
	if err != nil {
		return "", err
	}
	if id.TenantID == "" {
		return "", errs.New(errs.KindMissingTenant, "identity has no tenant binding")
	}
	return id.TenantID, nil
}
