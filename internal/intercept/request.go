package intercept

import (
	"context"
	"fmt"
	"net/http"
)

// NewRequest builds an outgoing request from header and body variants.
// Bodies other than OpaqueBody are replayable through GetBody. A Content-Type
// supplied in h wins over the one implied by b.
func NewRequest(ctx context.Context, method, rawURL string, h Headers, b Body) (*http.Request, error) {
	if b == nil {
		req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
		if err != nil {
			return nil, fmt.Errorf("intercept.NewRequest: %w", err)
		}
		apply(req.Header, h)
		return req, nil
	}

	r, contentType, err := b.open()
	if err != nil {
		return nil, fmt.Errorf("intercept.NewRequest: encode body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, r)
	if err != nil {
		return nil, fmt.Errorf("intercept.NewRequest: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	apply(req.Header, h)
	return req, nil
}
