package intercept

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/gosuda/netpanel/internal/domain"
)

// ClientTransport reports each call as request-start followed by exactly one
// of request-complete or request-error, posted through Post. It has no
// reference to whoever consumes the messages.
type ClientTransport struct {
	Base         http.RoundTripper
	Post         domain.Poster
	MaxBodyBytes int64
	Logger       zerolog.Logger

	now func() time.Time
}

// RoundTrip implements http.RoundTripper and returns Base's response or
// error unchanged.
func (t *ClientTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	if t.Post == nil {
		return base.RoundTrip(req)
	}

	maxBytes := t.MaxBodyBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBodyBytes
	}
	now := t.now
	if now == nil {
		now = time.Now
	}

	started := now()
	call := startCall(req, domain.OriginClient, started, maxBytes)
	t.Post(domain.NewMessage(domain.MessageRequestStart, call))

	resp, err := base.RoundTrip(req)
	elapsed := now().Sub(started)

	update := domain.CapturedCall{ID: call.ID, State: domain.StatePending}
	if err != nil {
		update.Settle(failed(err, elapsed))
		t.Post(domain.NewMessage(domain.MessageRequestError, update))
		t.Logger.Debug().Err(err).Str("call_id", call.ID).Str("url", call.URL).Msg("intercept: client call failed")
		return nil, err
	}

	update.Settle(completed(resp, elapsed, maxBytes))
	t.Post(domain.NewMessage(domain.MessageRequestComplete, update))
	t.Logger.Debug().
		Str("call_id", call.ID).
		Str("method", call.Method).
		Str("url", call.URL).
		Int("status", resp.StatusCode).
		Dur("elapsed", elapsed).
		Msg("intercept: client call reported")
	return resp, nil
}
