package stream

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"

	"github.com/gosuda/netpanel/internal/domain"
)

// ServeWS streams ?session=<id> over a WebSocket, one JSON text message per
// record, with the same replay-then-live ordering as ServeSSE.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		http.Error(w, `{"title":"Bad Request","status":400,"detail":"session query parameter is required"}`, http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("websocket accept")
		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(r.Context())

	store, ok := h.provider.Store()
	if !ok {
		_ = conn.Write(ctx, websocket.MessageText, errNotInitialized)
		_ = conn.Close(websocket.StatusInternalError, "not initialized")
		return
	}

	f := openFeed(store, sessionID)
	defer f.close()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "connection closed")
			return
		case <-h.done:
			if h.drainWS(ctx, conn, f) {
				_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
			}
			return
		case <-f.sub.Evicted():
			if h.drainWS(ctx, conn, f) {
				_ = conn.Close(websocket.StatusNormalClosure, "session expired")
			}
			return
		case <-f.lagged:
			_ = conn.Close(websocket.StatusTryAgainLater, "subscriber fell behind")
			return
		case call := <-f.records:
			if !h.writeWS(ctx, conn, call) {
				return
			}
		}
	}
}

// drainWS writes whatever the feed still holds. It reports false when the
// connection failed.
func (h *Handler) drainWS(ctx context.Context, conn *websocket.Conn, f *feed) bool {
	for {
		select {
		case call := <-f.records:
			if !h.writeWS(ctx, conn, call) {
				return false
			}
		default:
			return true
		}
	}
}

func (h *Handler) writeWS(ctx context.Context, conn *websocket.Conn, call domain.CapturedCall) bool {
	payload, err := json.Marshal(call)
	if err != nil {
		h.logger.Error().Err(err).Str("call_id", call.ID).Msg("websocket marshal")
		return true
	}
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		h.logger.Debug().Err(err).Msg("websocket write")
		return false
	}
	return true
}
