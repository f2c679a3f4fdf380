package stream

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gosuda/netpanel/internal/session"
)

// DefaultHeartbeat is the keep-alive comment interval.
const DefaultHeartbeat = 15 * time.Second

// errNotInitialized is the payload sent when the process has no store.
var errNotInitialized = []byte(`{"error":"not initialized"}`) //nolint:gochecknoglobals // fixed frame

// Handler serves session streams from the provider's store.
type Handler struct {
	provider  *session.Provider
	heartbeat time.Duration
	logger    zerolog.Logger

	done      chan struct{}
	closeOnce sync.Once
}

// NewHandler creates a Handler. A non-positive heartbeat uses DefaultHeartbeat.
func NewHandler(provider *session.Provider, heartbeat time.Duration, logger zerolog.Logger) *Handler {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	return &Handler{
		provider:  provider,
		heartbeat: heartbeat,
		logger:    logger,
		done:      make(chan struct{}),
	}
}

// Close ends every open stream after flushing its queued records. Streams
// opened later end once their backlog is written.
func (h *Handler) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// ServeSSE streams ?session=<id> as server-sent events. Each record is one
// "data: <json>" frame; comments keep the connection alive. The store
// subscription is released on every exit path.
func (h *Handler) ServeSSE(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		http.Error(w, `{"title":"Bad Request","status":400,"detail":"session query parameter is required"}`, http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"title":"Internal Server Error","status":500,"detail":"streaming unsupported"}`, http.StatusInternalServerError)
		return
	}

	// The server write timeout would otherwise cut long-lived streams.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache, no-transform")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if writeComment(w, "connected") != nil {
		return
	}
	flusher.Flush()

	store, ok := h.provider.Store()
	if !ok {
		_ = writeData(w, errNotInitialized)
		flusher.Flush()
		return
	}

	f := openFeed(store, sessionID)
	defer f.close()

	log := h.logger.With().Str("session_id", sessionID).Logger()
	log.Debug().Msg("stream: sse subscriber connected")

	ctx := r.Context()
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("stream: sse subscriber disconnected")
			return
		case <-h.done:
			if h.drain(w, f, log) {
				flusher.Flush()
			}
			return
		case <-f.sub.Evicted():
			log.Debug().Msg("stream: session expired, closing")
			if h.drain(w, f, log) {
				flusher.Flush()
			}
			return
		case <-f.lagged:
			log.Warn().Msg("stream: subscriber fell behind, closing")
			return
		case <-ticker.C:
			if err := writeComment(w, "ping"); err != nil {
				return
			}
			flusher.Flush()
		case call := <-f.records:
			payload, err := json.Marshal(call)
			if err != nil {
				log.Error().Err(err).Str("call_id", call.ID).Msg("stream: marshal record")
				continue
			}
			if err := writeData(w, payload); err != nil {
				log.Debug().Err(err).Msg("stream: sse write")
				return
			}
			// Drain whatever else is queued before flushing once.
			if !h.drain(w, f, log) {
				return
			}
			flusher.Flush()
		}
	}
}

func (h *Handler) drain(w http.ResponseWriter, f *feed, log zerolog.Logger) bool {
	for {
		select {
		case call := <-f.records:
			payload, err := json.Marshal(call)
			if err != nil {
				log.Error().Err(err).Str("call_id", call.ID).Msg("stream: marshal record")
				continue
			}
			if err := writeData(w, payload); err != nil {
				log.Debug().Err(err).Msg("stream: sse write")
				return false
			}
		default:
			return true
		}
	}
}

func writeComment(w http.ResponseWriter, text string) error {
	_, err := fmt.Fprintf(w, ": %s\n\n", text)
	return err
}

func writeData(w http.ResponseWriter, payload []byte) error {
	_, err := fmt.Fprintf(w, "data: %s\n\n", payload)
	return err
}
