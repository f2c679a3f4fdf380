package v1

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"time"
	"unicode/utf8"

	"github.com/danielgtaylor/huma/v2"

	"github.com/gosuda/netpanel/internal/domain"
	"github.com/gosuda/netpanel/internal/intercept"
	"github.com/gosuda/netpanel/internal/server/middleware"
)

type ReplayInput struct {
	Body struct {
		Method  string            `json:"method" enum:"GET,HEAD,POST,PUT,PATCH,DELETE,OPTIONS" doc:"HTTP method"`
		URL     string            `json:"url" minLength:"1" doc:"Absolute http(s) URL"`
		Headers map[string]string `json:"headers,omitempty" doc:"Request headers"`
		Body    *string           `json:"body,omitempty" doc:"Request body"`
	}
}

type ReplayResult struct {
	Status     int               `json:"status"`
	StatusText string            `json:"statusText"`
	Headers    map[string]string `json:"headers"`
	Body       *string           `json:"body"`
	Duration   int64             `json:"duration"`
}

type ReplayOutput struct {
	Body *ReplayResult
}

// RegisterReplayRoutes mounts POST /replay. The call is issued with the
// caller's request context, so the interceptor records it under the caller's
// capture session. Response bodies are returned up to maxBody bytes.
func RegisterReplayRoutes(api huma.API, client Doer, maxBody int64) {
	if maxBody <= 0 {
		maxBody = intercept.DefaultMaxBodyBytes
	}

	huma.Register(api, huma.Operation{
		OperationID: "replay-call",
		Method:      http.MethodPost,
		Path:        "/replay",
		Summary:     "Re-issue a call under the caller's capture session",
		Tags:        []string{"Replay"},
	}, func(ctx context.Context, input *ReplayInput) (*ReplayOutput, error) {
		if _, ok := middleware.SessionIDFromContext(ctx); !ok {
			return nil, huma.Error400BadRequest("missing capture session cookie")
		}

		u, err := url.Parse(input.Body.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, huma.Error422UnprocessableEntity("url must be an absolute http or https URL")
		}

		var body intercept.Body
		if input.Body.Body != nil {
			body = intercept.TextBody(*input.Body.Body)
		}

		req, err := intercept.NewRequest(ctx, input.Body.Method, u.String(), intercept.HeaderMap(input.Body.Headers), body)
		if err != nil {
			return nil, huma.Error422UnprocessableEntity("invalid replay request", err)
		}

		started := time.Now()
		resp, err := client.Do(req)
		if err != nil {
			return nil, huma.Error502BadGateway("replayed call failed", err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
		if err != nil {
			return nil, huma.Error502BadGateway("failed to read replayed response", err)
		}

		text := string(raw)
		if !utf8.Valid(raw) {
			text = domain.BinaryBodySentinel
		}

		return &ReplayOutput{Body: &ReplayResult{
			Status:     resp.StatusCode,
			StatusText: http.StatusText(resp.StatusCode),
			Headers:    intercept.HeaderObject(resp.Header).Normalize(),
			Body:       &text,
			Duration:   time.Since(started).Milliseconds(),
		}}, nil
	})
}
