package server

import (
	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	v1 "github.com/gosuda/netpanel/internal/api/v1"
	"github.com/gosuda/netpanel/internal/api/stream"
	"github.com/gosuda/netpanel/internal/config"
)

func registerAPIRoutes(api huma.API, cfg *config.Config, deps Deps) {
	v1.RegisterSessionRoutes(api, deps.Provider)
	if cfg.Capture.ReplayEnabled && deps.Replay != nil {
		v1.RegisterReplayRoutes(api, deps.Replay, cfg.Capture.MaxBodyBytes)
	}
}

func registerStreamRoutes(r chi.Router, cfg *config.Config, h *stream.Handler) {
	r.Get(cfg.Stream.Path, h.ServeSSE)
	r.Get(cfg.Stream.WSPath, h.ServeWS)
}
