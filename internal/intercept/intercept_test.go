package intercept_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/netpanel/internal/domain"
	"github.com/gosuda/netpanel/internal/intercept"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type sinkStub struct {
	mu    sync.Mutex
	calls map[string][]domain.CapturedCall
}

func newSink() *sinkStub {
	return &sinkStub{calls: make(map[string][]domain.CapturedCall)}
}

func (s *sinkStub) AddLog(sessionID string, call domain.CapturedCall) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[sessionID] = append(s.calls[sessionID], call)
}

func (s *sinkStub) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += len(c)
	}
	return n
}

func (s *sinkStub) only(t *testing.T, sessionID string) domain.CapturedCall {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.Len(t, s.calls[sessionID], 1)
	return s.calls[sessionID][0]
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func fixedSession(id string) intercept.Resolver {
	return func(context.Context) (string, error) { return id, nil }
}

func newBackend(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/echo":
			body, _ := io.ReadAll(r.Body)
			w.Header().Set("Content-Type", "text/plain")
			w.Header().Set("X-Echo-Method", r.Method)
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write(body)
		case "/big":
			_, _ = w.Write([]byte(strings.Repeat("x", 64)))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte("missing"))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, rt http.RoundTripper, req *http.Request) (*http.Response, string) {
	t.Helper()
	resp, err := (&http.Client{Transport: rt}).Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

// ---------------------------------------------------------------------------
// Transport
// ---------------------------------------------------------------------------

func TestTransport_CapturesSuccessfulCall(t *testing.T) {
	t.Parallel()

	srv := newBackend(t)
	sink := newSink()
	tr := &intercept.Transport{Base: srv.Client().Transport, Sink: sink, Resolve: fixedSession("s1")}

	req, err := intercept.NewRequest(context.Background(), http.MethodPost, srv.URL+"/echo",
		intercept.HeaderMap{"x-trace": "abc"}, intercept.TextBody(`{"q":1}`))
	require.NoError(t, err)

	resp, body := do(t, tr, req)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, `{"q":1}`, body, "caller still reads the full response")

	call := sink.only(t, "s1")
	assert.Equal(t, "s1", call.SessionID)
	assert.Equal(t, domain.OriginServer, call.Origin)
	assert.Equal(t, domain.StateCompleted, call.State)
	assert.NotEmpty(t, call.ID)
	assert.Positive(t, call.Timestamp)
	assert.Equal(t, http.MethodPost, call.Method)
	assert.Equal(t, srv.URL+"/echo", call.URL)
	assert.Equal(t, "abc", call.RequestHeaders["X-Trace"])
	require.NotNil(t, call.RequestBody)
	assert.Equal(t, `{"q":1}`, *call.RequestBody)
	assert.Equal(t, 201, *call.Status)
	assert.Equal(t, "Created", call.StatusText)
	assert.Equal(t, "POST", call.ResponseHeaders["X-Echo-Method"])
	assert.Equal(t, `{"q":1}`, *call.ResponseBody)
	assert.GreaterOrEqual(t, *call.Duration, int64(0))
}

func TestTransport_PassthroughWithoutSession(t *testing.T) {
	t.Parallel()

	srv := newBackend(t)

	resolvers := map[string]intercept.Resolver{
		"empty id":  fixedSession(""),
		"error":     func(context.Context) (string, error) { return "", errors.New("no cookie") },
		"panics":    func(context.Context) (string, error) { panic("boom") },
		"no lookup": nil,
	}

	for name, resolve := range resolvers {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			sink := newSink()
			tr := &intercept.Transport{Base: srv.Client().Transport, Sink: sink, Resolve: resolve, Debug: true}

			req, err := http.NewRequest(http.MethodGet, srv.URL+"/nope", nil)
			require.NoError(t, err)
			resp, body := do(t, tr, req)

			assert.Equal(t, http.StatusNotFound, resp.StatusCode)
			assert.Equal(t, "missing", body)
			assert.Zero(t, sink.total())
		})
	}
}

func TestTransport_PassthroughErrorUnchanged(t *testing.T) {
	t.Parallel()

	wantErr := errors.New("dial failed")
	sink := newSink()
	tr := &intercept.Transport{
		Base:    roundTripFunc(func(*http.Request) (*http.Response, error) { return nil, wantErr }),
		Sink:    sink,
		Resolve: fixedSession(""),
	}

	req := httptest.NewRequest(http.MethodGet, "http://example.invalid/", nil)
	resp, err := tr.RoundTrip(req)
	assert.Nil(t, resp)
	assert.Same(t, wantErr, err)
	assert.Zero(t, sink.total())
}

func TestTransport_SkipsStreamPath(t *testing.T) {
	t.Parallel()

	sink := newSink()
	tr := &intercept.Transport{
		Base: roundTripFunc(func(*http.Request) (*http.Response, error) {
			return &http.Response{StatusCode: 200, Body: http.NoBody, Header: http.Header{}}, nil
		}),
		Sink:      sink,
		Resolve:   fixedSession("s1"),
		SkipPaths: []string{"/__netpanel/"},
	}

	req := httptest.NewRequest(http.MethodGet, "http://localhost/__netpanel/stream?session=s1", nil)
	_, err := tr.RoundTrip(req)
	require.NoError(t, err)
	assert.Zero(t, sink.total())
}

func TestTransport_SkipPathBoundary(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path     string
		recorded bool
	}{
		{"/__netpanel/stream", false},
		{"/__netpanel/stream/", false},
		{"/__netpanel/stream/sub", false},
		{"/__netpanel/streamer", true},
		{"/__netpanel/ws", false},
		{"/__netpanel/wsx", true},
		{"/api/users", true},
	}

	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			t.Parallel()

			sink := newSink()
			tr := &intercept.Transport{
				Base: roundTripFunc(func(*http.Request) (*http.Response, error) {
					return &http.Response{StatusCode: 200, Body: http.NoBody, Header: http.Header{}}, nil
				}),
				Sink:      sink,
				Resolve:   fixedSession("s1"),
				SkipPaths: []string{"/__netpanel/stream", "/__netpanel/ws"},
			}

			req := httptest.NewRequest(http.MethodGet, "http://localhost"+tc.path, nil)
			_, err := tr.RoundTrip(req)
			require.NoError(t, err)
			if tc.recorded {
				assert.Equal(t, 1, sink.total())
			} else {
				assert.Zero(t, sink.total())
			}
		})
	}
}

func TestTransport_FailureTransparency(t *testing.T) {
	t.Parallel()

	wantErr := errors.New("connection reset")
	sink := newSink()
	tr := &intercept.Transport{
		Base:    roundTripFunc(func(*http.Request) (*http.Response, error) { return nil, wantErr }),
		Sink:    sink,
		Resolve: fixedSession("s1"),
	}

	req := httptest.NewRequest(http.MethodDelete, "http://example.invalid/items/1", nil)
	resp, err := tr.RoundTrip(req)
	assert.Nil(t, resp)
	assert.Same(t, wantErr, err, "the original error is returned unchanged")

	call := sink.only(t, "s1")
	assert.Equal(t, domain.StateError, call.State)
	assert.Equal(t, 0, *call.Status)
	assert.Equal(t, domain.ErrorStatusText, call.StatusText)
	assert.Empty(t, call.ResponseHeaders)
	assert.Nil(t, call.ResponseBody)
	assert.Equal(t, "connection reset", call.Error)
	assert.GreaterOrEqual(t, *call.Duration, int64(0))
}

func TestTransport_TruncatesCaptureButNotCaller(t *testing.T) {
	t.Parallel()

	srv := newBackend(t)
	sink := newSink()
	tr := &intercept.Transport{Base: srv.Client().Transport, Sink: sink, Resolve: fixedSession("s1"), MaxBodyBytes: 10}

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/big", nil)
	require.NoError(t, err)
	_, body := do(t, tr, req)

	assert.Len(t, body, 64)
	call := sink.only(t, "s1")
	assert.Equal(t, strings.Repeat("x", 10)+intercept.TruncatedSuffix, *call.ResponseBody)
}

func TestTransport_UnreadableResponseBody(t *testing.T) {
	t.Parallel()

	readErr := errors.New("stream broke")
	sink := newSink()
	tr := &intercept.Transport{
		Base: roundTripFunc(func(*http.Request) (*http.Response, error) {
			return &http.Response{
				StatusCode: 200,
				Status:     "200 OK",
				Header:     http.Header{},
				Body:       io.NopCloser(io.MultiReader(strings.NewReader("part"), failingReader{readErr})),
			}, nil
		}),
		Sink:    sink,
		Resolve: fixedSession("s1"),
	}

	resp, err := tr.RoundTrip(httptest.NewRequest(http.MethodGet, "http://example.invalid/", nil))
	require.NoError(t, err)

	got, err := io.ReadAll(resp.Body)
	assert.Equal(t, "part", string(got))
	assert.ErrorIs(t, err, readErr, "the caller observes the same read failure")

	call := sink.only(t, "s1")
	assert.Equal(t, domain.StateCompleted, call.State)
	assert.Equal(t, domain.UnreadableBodySentinel, *call.ResponseBody)
}

func TestTransport_BinaryResponse(t *testing.T) {
	t.Parallel()

	sink := newSink()
	tr := &intercept.Transport{
		Base: roundTripFunc(func(*http.Request) (*http.Response, error) {
			return &http.Response{StatusCode: 200, Header: http.Header{}, Body: io.NopCloser(strings.NewReader("\xff\xfe\x00"))}, nil
		}),
		Sink:    sink,
		Resolve: fixedSession("s1"),
	}

	resp, err := tr.RoundTrip(httptest.NewRequest(http.MethodGet, "http://example.invalid/img", nil))
	require.NoError(t, err)
	_ = resp.Body.Close()

	call := sink.only(t, "s1")
	assert.Equal(t, domain.BinaryBodySentinel, *call.ResponseBody)
	assert.Equal(t, "OK", call.StatusText)
}

type failingReader struct{ err error }

func (r failingReader) Read([]byte) (int, error) { return 0, r.err }

// ---------------------------------------------------------------------------
// Install
// ---------------------------------------------------------------------------

func TestInstall_Idempotent(t *testing.T) {
	// Not parallel: swaps http.DefaultTransport.
	before := http.DefaultTransport
	first := &intercept.Transport{Sink: newSink(), Resolve: fixedSession("s1")}
	second := &intercept.Transport{Sink: newSink(), Resolve: fixedSession("s2")}

	require.True(t, intercept.Install(first))
	defer intercept.Uninstall()

	assert.True(t, intercept.Installed())
	assert.Same(t, first, http.DefaultTransport)
	assert.Same(t, before, first.Base)

	assert.False(t, intercept.Install(second))
	assert.Same(t, first, http.DefaultTransport)

	intercept.Uninstall()
	assert.False(t, intercept.Installed())
	assert.Same(t, before, http.DefaultTransport)
}

// ---------------------------------------------------------------------------
// ClientTransport
// ---------------------------------------------------------------------------

type postbox struct {
	mu       sync.Mutex
	messages []domain.Message
}

func (p *postbox) post(m domain.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, m)
}

func TestClientTransport_Lifecycle(t *testing.T) {
	t.Parallel()

	srv := newBackend(t)
	box := &postbox{}
	tr := &intercept.ClientTransport{Base: srv.Client().Transport, Post: box.post}

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/big", nil)
	require.NoError(t, err)
	_, body := do(t, tr, req)
	assert.Len(t, body, 64)

	require.Len(t, box.messages, 2)
	start, done := box.messages[0], box.messages[1]

	assert.Equal(t, domain.MessageSource, start.Source)
	assert.Equal(t, domain.MessageRequestStart, start.Type)
	assert.Equal(t, domain.StatePending, start.Payload.State)
	assert.Equal(t, domain.OriginClient, start.Payload.Origin)
	assert.Nil(t, start.Payload.Status)

	assert.Equal(t, domain.MessageRequestComplete, done.Type)
	assert.Equal(t, start.Payload.ID, done.Payload.ID)
	assert.Equal(t, domain.StateCompleted, done.Payload.State)
	assert.Equal(t, 200, *done.Payload.Status)
}

func TestClientTransport_Error(t *testing.T) {
	t.Parallel()

	wantErr := errors.New("offline")
	box := &postbox{}
	var logs bytes.Buffer
	tr := &intercept.ClientTransport{
		Base:   roundTripFunc(func(*http.Request) (*http.Response, error) { return nil, wantErr }),
		Post:   box.post,
		Logger: zerolog.New(&logs),
	}

	_, err := tr.RoundTrip(httptest.NewRequest(http.MethodGet, "http://example.invalid/", nil))
	assert.Same(t, wantErr, err)
	assert.Contains(t, logs.String(), "intercept: client call failed")
	assert.Contains(t, logs.String(), `"error":"offline"`)

	require.Len(t, box.messages, 2)
	assert.Equal(t, domain.MessageRequestError, box.messages[1].Type)
	assert.Equal(t, "offline", box.messages[1].Payload.Error)
	assert.Equal(t, domain.StateError, box.messages[1].Payload.State)
}
