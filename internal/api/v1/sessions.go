package v1

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/gosuda/netpanel/internal/domain"
)

type GetSessionLogsInput struct {
	SessionID string `path:"id" minLength:"1" doc:"Capture session id"`
}

type SessionLogs struct {
	SessionID string                `json:"sessionId"`
	Logs      []domain.CapturedCall `json:"logs"`
}

type GetSessionLogsOutput struct {
	Body *SessionLogs
}

type StoreStats struct {
	Initialized       bool  `json:"initialized"`
	Sessions          int   `json:"sessions"`
	Subscribers       int   `json:"subscribers"`
	Records           int   `json:"records"`
	MaxLogsPerSession int   `json:"maxLogsPerSession"`
	TTLSeconds        int64 `json:"ttlSeconds"`
}

type GetStatsOutput struct {
	Body *StoreStats
}

func RegisterSessionRoutes(api huma.API, provider StoreProvider) {
	huma.Register(api, huma.Operation{
		OperationID: "get-session-logs",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}/logs",
		Summary:     "Get buffered calls for a session",
		Tags:        []string{"Sessions"},
	}, func(_ context.Context, input *GetSessionLogsInput) (*GetSessionLogsOutput, error) {
		store, ok := provider.Store()
		if !ok {
			return nil, huma.Error503ServiceUnavailable("session store not initialized")
		}

		return &GetSessionLogsOutput{Body: &SessionLogs{
			SessionID: input.SessionID,
			Logs:      store.GetBufferedLogs(input.SessionID),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-stats",
		Method:      http.MethodGet,
		Path:        "/stats",
		Summary:     "Get session store statistics",
		Tags:        []string{"Sessions"},
	}, func(_ context.Context, _ *struct{}) (*GetStatsOutput, error) {
		store, ok := provider.Store()
		if !ok {
			return &GetStatsOutput{Body: &StoreStats{}}, nil
		}

		st := store.Stats()
		cfg := store.Config()
		return &GetStatsOutput{Body: &StoreStats{
			Initialized:       true,
			Sessions:          st.Sessions,
			Subscribers:       st.Subscribers,
			Records:           st.Records,
			MaxLogsPerSession: cfg.MaxLogsPerSession,
			TTLSeconds:        int64(cfg.TTL.Seconds()),
		}}, nil
	})
}
