package middleware

import (
	"context"
	"net/http"
)

type contextKey string

const (
	tenantIDKey  contextKey = "tenant_id"
	keyPrefixKey contextKey = "key_prefix"
)

func SetTenantID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, tenantIDKey, id)
}

// GetTenantID returns the tenant the request was authenticated for.
func GetTenantID(r *http.Request) (string, bool) {
	id, ok := r.Context().Value(tenantIDKey).(string)
	return id, ok && id != ""
}

// SetKeyPrefix records the API key prefix the rate limiter counts against.
func SetKeyPrefix(ctx context.Context, prefix string) context.Context {
	return context.WithValue(ctx, keyPrefixKey, prefix)
}

func getKeyPrefix(r *http.Request) (string, bool) {
	prefix, ok := r.Context().Value(keyPrefixKey).(string)
	return prefix, ok
}
