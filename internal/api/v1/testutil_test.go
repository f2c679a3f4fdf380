package v1_test

import (
	"context"
	"net/http"

	"github.com/gosuda/netpanel/internal/server/middleware"
	"github.com/gosuda/netpanel/internal/session"
)

// ---------------------------------------------------------------------------
// Context helpers
// ---------------------------------------------------------------------------

func sessionCtx(sessionID string) context.Context {
	return middleware.WithSessionID(context.Background(), sessionID)
}

// ---------------------------------------------------------------------------
// Stub StoreProvider
// ---------------------------------------------------------------------------

type stubProvider struct {
	store *session.Store
}

func (p *stubProvider) Store() (*session.Store, bool) {
	return p.store, p.store != nil
}

// ---------------------------------------------------------------------------
// Mock Doer
// ---------------------------------------------------------------------------

type doerFunc func(req *http.Request) (*http.Response, error)

func (f doerFunc) Do(req *http.Request) (*http.Response, error) {
	return f(req)
}
