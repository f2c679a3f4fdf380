// Package client merges server-origin records from the streaming endpoint
// and client-origin records from the local interceptor into one collection.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/gosuda/netpanel/internal/domain"
	"github.com/gosuda/netpanel/internal/intercept"
)

// Defaults applied when a Config field is zero.
const (
	DefaultStreamPath     = "/__netpanel/stream"
	DefaultCookieName     = "netpanel_session"
	DefaultReconnectDelay = 2 * time.Second

	maxFrameBytes = 8 << 20
)

// ErrStreamStatus is returned when the stream endpoint answers with a
// non-200 status.
var ErrStreamStatus = errors.New("client: unexpected stream status")

// Config locates the companion server.
type Config struct {
	BaseURL    string
	StreamPath string
	CookieName string
	// ReconnectDelay is the pause before reopening a dropped stream. A
	// negative value disables reconnection.
	ReconnectDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.StreamPath == "" {
		c.StreamPath = DefaultStreamPath
	}
	if c.CookieName == "" {
		c.CookieName = DefaultCookieName
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	return c
}

// Option customizes an Aggregator.
type Option func(*Aggregator)

// WithTransport sets the round tripper used for the stream and as the base
// of Client. Defaults to http.DefaultTransport.
func WithTransport(rt http.RoundTripper) Option {
	return func(a *Aggregator) { a.transport = rt }
}

// WithLogger sets the aggregator logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(a *Aggregator) { a.logger = logger }
}

// WithCollection makes the aggregator append into c.
func WithCollection(c *Collection) Option {
	return func(a *Aggregator) { a.records = c }
}

// Aggregator owns one session identity and feeds a Collection from the
// stream and from local interceptor messages.
type Aggregator struct {
	cfg       Config
	base      *url.URL
	sessionID string
	jar       http.CookieJar
	transport http.RoundTripper
	records   *Collection
	logger    zerolog.Logger
}

// New resolves the session token through tokens and plants it as a cookie
// for the companion origin, so calls made through Client are attributed to
// the same session server-side.
func New(cfg Config, tokens TokenStore, opts ...Option) (*Aggregator, error) {
	cfg = cfg.withDefaults()
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("client.New: invalid base url %q", cfg.BaseURL)
	}

	sessionID, err := SessionToken(tokens)
	if err != nil {
		return nil, fmt.Errorf("client.New: %w", err)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("client.New: %w", err)
	}
	jar.SetCookies(base, []*http.Cookie{{
		Name:     cfg.CookieName,
		Value:    sessionID,
		Path:     "/",
		SameSite: http.SameSiteLaxMode,
	}})

	a := &Aggregator{
		cfg:       cfg,
		base:      base,
		sessionID: sessionID,
		jar:       jar,
		transport: http.DefaultTransport,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.records == nil {
		a.records = NewCollection()
	}
	return a, nil
}

// SessionID returns the session token in use.
func (a *Aggregator) SessionID() string {
	return a.sessionID
}

// Records returns the merged collection.
func (a *Aggregator) Records() *Collection {
	return a.records
}

// Client returns an HTTP client that carries the session cookie and reports
// every call it makes to Deliver.
func (a *Aggregator) Client() *http.Client {
	return &http.Client{
		Jar: a.jar,
		Transport: &intercept.ClientTransport{
			Base:   a.transport,
			Post:   a.Deliver,
			Logger: a.logger,
		},
	}
}

// Deliver applies one local interceptor message. Messages from other
// sources, and settlements for unknown ids, are ignored.
func (a *Aggregator) Deliver(msg domain.Message) {
	if msg.Source != domain.MessageSource {
		return
	}

	switch msg.Type {
	case domain.MessageRequestStart:
		call := msg.Payload.Clone()
		call.Origin = domain.OriginClient
		call.State = domain.StatePending
		a.records.Append(call)
	case domain.MessageRequestComplete, domain.MessageRequestError:
		a.records.Settle(msg.Payload.ID, msg.Payload.Settlement())
	}
}

// Ingest decodes one stream payload. Error frames are logged and dropped;
// records are tagged server-origin and appended under a prefixed id.
func (a *Aggregator) Ingest(payload []byte) {
	var probe struct {
		ID    *string `json:"id"`
		Error *string `json:"error"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		a.logger.Debug().Err(err).Msg("client: undecodable frame")
		return
	}
	if probe.ID == nil {
		if probe.Error != nil {
			a.logger.Debug().Str("error", *probe.Error).Msg("client: stream reported an error")
		}
		return
	}

	var call domain.CapturedCall
	if err := json.Unmarshal(payload, &call); err != nil {
		a.logger.Debug().Err(err).Msg("client: undecodable record")
		return
	}
	call.ID = domain.ServerIDPrefix + call.ID
	call.Origin = domain.OriginServer
	a.records.Append(call)
}

// Consume ingests payloads from ch until it is closed or ctx is done.
func (a *Aggregator) Consume(ctx context.Context, ch <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-ch:
			if !ok {
				return
			}
			a.Ingest(payload)
		}
	}
}

// Run follows the stream until ctx is done, reopening it after each
// disconnect. Disconnects are not errors; records replayed on reconnect are
// deduplicated by id.
func (a *Aggregator) Run(ctx context.Context) error {
	for {
		err := a.follow(ctx)
		if ctx.Err() != nil {
			return nil
		}
		a.logger.Debug().Err(err).Str("session_id", a.sessionID).Msg("client: stream closed")

		if a.cfg.ReconnectDelay < 0 {
			return nil
		}
		timer := time.NewTimer(a.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (a *Aggregator) streamURL() string {
	u := a.base.JoinPath(a.cfg.StreamPath)
	u.RawQuery = url.Values{"session": {a.sessionID}}.Encode()
	return u.String()
}

// follow reads one stream connection to its end.
func (a *Aggregator) follow(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.streamURL(), http.NoBody)
	if err != nil {
		return fmt.Errorf("client.Aggregator.follow: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := (&http.Client{Transport: a.transport, Jar: a.jar}).Do(req)
	if err != nil {
		return fmt.Errorf("client.Aggregator.follow: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("client.Aggregator.follow: %w: %d", ErrStreamStatus, resp.StatusCode)
	}

	return readEvents(resp.Body, a.Ingest)
}

// readEvents splits an event stream into data payloads. Comment lines are
// skipped; multi-line data fields are joined with "\n".
func readEvents(r io.Reader, emit func([]byte)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameBytes)

	var data bytes.Buffer
	pending := false
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if pending {
				emit(bytes.Clone(data.Bytes()))
				data.Reset()
				pending = false
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "data:"):
			if pending {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
			pending = true
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("client.readEvents: %w", err)
	}
	return io.EOF
}
