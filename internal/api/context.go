package api

import (
	"context"

	"github.com/terra-clan/matrix-engine/internal/models"
)

type contextKey string

const (
	clientContextKey   contextKey = "api_client"
	identityContextKey contextKey = "caller_identity"
)

// ClientFromContext extracts ApiClient from context
func ClientFromContext(ctx context.Context) *models.ApiClient {
	client, ok := ctx.Value(clientContextKey).(*models.ApiClient)
	if !ok {
		return nil
	}
	return client
}

// ContextWithClient adds ApiClient to context
func ContextWithClient(ctx context.Context, client *models.ApiClient) context.Context {
	return context.WithValue(ctx, clientContextKey, client)
}

// IdentityFromContext returns the normalized caller identity, or ""
func IdentityFromContext(ctx context.Context) string {
	identity, _ := ctx.Value(identityContextKey).(string)
	return identity
}

// ContextWithIdentity adds the normalized caller identity to context
func ContextWithIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, identityContextKey, identity)
}
