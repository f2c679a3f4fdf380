package server_test

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/netpanel/internal/config"
	"github.com/gosuda/netpanel/internal/domain"
	"github.com/gosuda/netpanel/internal/intercept"
	"github.com/gosuda/netpanel/internal/observability"
	"github.com/gosuda/netpanel/internal/server"
	"github.com/gosuda/netpanel/internal/server/middleware"
	"github.com/gosuda/netpanel/internal/session"
)

func testConfig() *config.Config {
	return &config.Config{
		Store:   config.StoreConfig{MaxLogsPerSession: 10, TTLSeconds: 60, SweepInterval: time.Minute},
		Capture: config.CaptureConfig{SessionCookie: "netpanel_session", MaxBodyBytes: 1024},
		Stream:  config.StreamConfig{Path: "/__netpanel/stream", WSPath: "/__netpanel/ws", Heartbeat: time.Minute},
		Server: config.ServerConfig{
			ReadTimeout:  time.Second,
			WriteTimeout: time.Second,
			CORSOrigins:  []string{"http://localhost:3000"},
		},
		RateLimit: config.RateLimitConfig{RequestsPerSecond: 100, Burst: 100},
	}
}

func newTestServer(t *testing.T, cfg *config.Config, deps server.Deps) (*server.Server, *httptest.Server) {
	t.Helper()

	if deps.Provider == nil {
		deps.Provider = session.NewProvider()
	}
	deps.Logger = zerolog.Nop()
	srv := server.New(t.Context(), cfg, deps)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func initProvider(t *testing.T) (*session.Provider, *session.Store) {
	t.Helper()

	p := session.NewProvider()
	store := p.Init(t.Context(), session.Config{})
	t.Cleanup(p.Close)
	return p, store
}

func call(id string) domain.CapturedCall {
	return domain.CapturedCall{ID: id, Method: http.MethodGet, URL: "https://api.test/" + id, Origin: domain.OriginServer}
}

func get(t *testing.T, url string) *http.Response {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, url, http.NoBody)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	t.Run("not_initialized", func(t *testing.T) {
		t.Parallel()

		_, ts := newTestServer(t, testConfig(), server.Deps{})
		resp := get(t, ts.URL+"/healthz")
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})

	t.Run("ok", func(t *testing.T) {
		t.Parallel()

		p, _ := initProvider(t)
		_, ts := newTestServer(t, testConfig(), server.Deps{Provider: p})
		resp := get(t, ts.URL+"/healthz")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		body, _ := io.ReadAll(resp.Body)
		assert.JSONEq(t, `{"status":"ok"}`, string(body))
	})
}

func TestStats_MountedUnderAPIPrefix(t *testing.T) {
	t.Parallel()

	p, store := initProvider(t)
	store.AddLog("s1", call("a"))

	_, ts := newTestServer(t, testConfig(), server.Deps{Provider: p})
	resp := get(t, ts.URL+"/api/v1/stats")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var st struct {
		Initialized bool `json:"initialized"`
		Records     int  `json:"records"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.True(t, st.Initialized)
	assert.Equal(t, 1, st.Records)
}

func TestStream_Mounted(t *testing.T) {
	t.Parallel()

	p, _ := initProvider(t)
	_, ts := newTestServer(t, testConfig(), server.Deps{Provider: p})

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/__netpanel/stream?session=s1", http.NoBody)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": connected\n", line)
}

func TestReplay_DisabledByDefault(t *testing.T) {
	t.Parallel()

	p, _ := initProvider(t)
	_, ts := newTestServer(t, testConfig(), server.Deps{Provider: p, Replay: http.DefaultClient})

	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, ts.URL+"/api/v1/replay", strings.NewReader(`{"method":"GET","url":"http://example.test"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Contains(t, []int{http.StatusNotFound, http.StatusMethodNotAllowed}, resp.StatusCode)
}

func TestMetrics_Mounted(t *testing.T) {
	t.Parallel()

	metrics := observability.NewMetrics()
	p := session.NewProvider()
	store := p.Init(t.Context(), session.Config{}, session.WithMetrics(metrics))
	t.Cleanup(p.Close)
	store.AddLog("s1", call("a"))

	_, ts := newTestServer(t, testConfig(), server.Deps{Provider: p, Metrics: metrics})
	resp := get(t, ts.URL+"/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "netpanel_records_total 1")
}

// A host route behind the session middleware has its outgoing calls recorded
// under the cookie's session.
func TestSessionCookie_AttributesOutgoingCalls(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"user":"ada"}`))
	}))
	defer upstream.Close()

	p, store := initProvider(t)
	client := &http.Client{Transport: &intercept.Transport{
		Base:    upstream.Client().Transport,
		Sink:    p,
		Resolve: middleware.ResolveSession,
	}}

	srv, ts := newTestServer(t, testConfig(), server.Deps{Provider: p})
	srv.Router().Get("/profile", func(w http.ResponseWriter, r *http.Request) {
		req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, upstream.URL+"/user", http.NoBody)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		resp, err := client.Do(req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		defer resp.Body.Close()
		_, _ = io.Copy(w, resp.Body)
	})

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, ts.URL+"/profile", http.NoBody)
	require.NoError(t, err)
	req.AddCookie(&http.Cookie{Name: "netpanel_session", Value: "tok-1"})
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, `{"user":"ada"}`, string(body), "host response passes through untouched")

	logs := store.GetBufferedLogs("tok-1")
	require.Len(t, logs, 1)
	assert.Equal(t, upstream.URL+"/user", logs[0].URL)
	require.NotNil(t, logs[0].ResponseBody)
	assert.JSONEq(t, `{"user":"ada"}`, *logs[0].ResponseBody)

	// A request without the cookie is not recorded.
	req2, err := http.NewRequestWithContext(t.Context(), http.MethodGet, ts.URL+"/profile", http.NoBody)
	require.NoError(t, err)
	resp2, err := http.DefaultClient.Do(req2)
	require.NoError(t, err)
	_ = resp2.Body.Close()
	assert.Equal(t, 1, store.Stats().Records)
}

func TestShutdown_EndsOpenStreams(t *testing.T) {
	t.Parallel()

	p, store := initProvider(t)
	store.AddLog("s1", call("A"))

	srv := server.New(t.Context(), testConfig(), server.Deps{Provider: p, Logger: zerolog.Nop()})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()

	resp := get(t, "http://"+ln.Addr().String()+"/__netpanel/stream?session=s1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": connected\n", line)

	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()

	start := time.Now()
	require.NoError(t, srv.Shutdown(ctx))
	assert.Less(t, time.Since(start), time.Second)
	require.NoError(t, <-served)

	rest, _ := io.ReadAll(reader)
	assert.Contains(t, string(rest), `"id":"A"`, "queued records are flushed before the stream ends")
}
