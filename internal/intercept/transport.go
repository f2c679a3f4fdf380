// Package intercept observes outgoing HTTP calls without changing them.
//
// Transport is the server-side interceptor: it tags calls with the session
// resolved from the request context and appends settled records to a Sink.
// ClientTransport is the in-page counterpart: it reports the call lifecycle
// as local messages.
package intercept

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/gosuda/netpanel/internal/domain"
)

// Sink receives settled server-origin records.
type Sink interface {
	AddLog(sessionID string, call domain.CapturedCall)
}

// Resolver finds the session for the calling context. An empty id or an
// error means the call is not attributable to a session.
type Resolver func(ctx context.Context) (string, error)

// Transport is an http.RoundTripper that records every call made under a
// resolvable session. Calls without a session, and calls to SkipPaths, go to
// Base untouched. A skip path matches itself and anything below it; one
// ending in "/" matches only what is below it.
type Transport struct {
	Base         http.RoundTripper
	Sink         Sink
	Resolve      Resolver
	SkipPaths    []string
	MaxBodyBytes int64
	Logger       zerolog.Logger
	Debug        bool

	now func() time.Time
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *Transport) clock() time.Time {
	if t.now != nil {
		return t.now()
	}
	return time.Now()
}

func (t *Transport) maxBody() int64 {
	if t.MaxBodyBytes > 0 {
		return t.MaxBodyBytes
	}
	return DefaultMaxBodyBytes
}

// RoundTrip implements http.RoundTripper. The caller receives exactly what
// Base returned: the same response (with a fully readable body) or the same
// error value.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.skipped(req) {
		return t.base().RoundTrip(req)
	}

	sessionID := t.resolve(req.Context())
	if sessionID == "" {
		return t.base().RoundTrip(req)
	}

	started := t.clock()
	call := startCall(req, domain.OriginServer, started, t.maxBody())
	call.SessionID = sessionID

	resp, err := t.base().RoundTrip(req)
	elapsed := t.clock().Sub(started)

	if err != nil {
		call.Settle(failed(err, elapsed))
		t.Sink.AddLog(sessionID, call)
		if t.Debug {
			t.Logger.Debug().Err(err).Str("session_id", sessionID).Str("url", call.URL).Msg("intercept: call failed")
		}
		return nil, err
	}

	call.Settle(completed(resp, elapsed, t.maxBody()))
	t.Sink.AddLog(sessionID, call)
	if t.Debug {
		t.Logger.Debug().
			Str("session_id", sessionID).
			Str("method", call.Method).
			Str("url", call.URL).
			Int("status", resp.StatusCode).
			Dur("elapsed", elapsed).
			Msg("intercept: call captured")
	}
	return resp, nil
}

func (t *Transport) skipped(req *http.Request) bool {
	if req.URL == nil {
		return true
	}
	for _, p := range t.SkipPaths {
		if underPath(req.URL.Path, p) {
			return true
		}
	}
	return false
}

func underPath(path, prefix string) bool {
	switch {
	case prefix == "":
		return false
	case strings.HasSuffix(prefix, "/"):
		return strings.HasPrefix(path, prefix)
	default:
		return path == prefix || strings.HasPrefix(path, prefix+"/")
	}
}

// resolve never fails: resolver errors and panics both mean "no session".
func (t *Transport) resolve(ctx context.Context) (sessionID string) {
	if t.Resolve == nil || t.Sink == nil {
		return ""
	}
	defer func() {
		if r := recover(); r != nil {
			sessionID = ""
			if t.Debug {
				t.Logger.Debug().Str("panic", fmt.Sprint(r)).Msg("intercept: session resolver panicked")
			}
		}
	}()

	id, err := t.Resolve(ctx)
	if err != nil {
		if t.Debug {
			t.Logger.Debug().Err(err).Msg("intercept: no session for call")
		}
		return ""
	}
	return id
}
