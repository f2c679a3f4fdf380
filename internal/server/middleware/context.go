package middleware

import (
	"context"
	"fmt"

	"github.com/gosuda/netpanel/internal/domain"
)

type contextKey string

const (
	ContextKeySessionID contextKey = "session_id"
)

// WithSessionID returns a copy of ctx carrying the capture session id.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, ContextKeySessionID, sessionID)
}

func SessionIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ContextKeySessionID).(string)
	return v, ok && v != ""
}

// ResolveSession adapts SessionIDFromContext to the interceptor's resolver
// signature.
func ResolveSession(ctx context.Context) (string, error) {
	id, ok := SessionIDFromContext(ctx)
	if !ok {
		return "", fmt.Errorf("middleware.ResolveSession: %w", domain.ErrMissingSession)
	}
	return id, nil
}
