package intercept

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/gosuda/netpanel/internal/domain"
)

// DefaultMaxBodyBytes caps how much of each body is kept in a record.
const DefaultMaxBodyBytes int64 = 1 << 20

// TruncatedSuffix marks a body snapshot cut at the capture limit.
const TruncatedSuffix = "\n[truncated]"

// startCall builds the pending record for req.
func startCall(req *http.Request, origin domain.Origin, started time.Time, maxBytes int64) domain.CapturedCall {
	call := domain.CapturedCall{
		ID:             uuid.NewString(),
		Timestamp:      domain.Millis(started),
		Method:         requestMethod(req),
		URL:            req.URL.String(),
		RequestHeaders: HeaderObject(req.Header).Normalize(),
		Origin:         origin,
		State:          domain.StatePending,
	}
	if b := ClassifyBody(req, maxBytes); b != nil {
		call.RequestBody = b.Snapshot()
	}
	return call
}

func requestMethod(req *http.Request) string {
	if req.Method == "" {
		return http.MethodGet
	}
	return req.Method
}

// completed captures resp. The response body is read up to maxBytes and the
// consumed prefix is stitched back in front of the unread remainder, so the
// caller still reads the complete original body. A read error is replayed to
// the caller at the same position.
func completed(resp *http.Response, elapsed time.Duration, maxBytes int64) domain.Settlement {
	s := domain.Settlement{
		State:           domain.StateCompleted,
		Status:          resp.StatusCode,
		StatusText:      statusText(resp),
		ResponseHeaders: HeaderObject(resp.Header).Normalize(),
		Duration:        elapsed.Milliseconds(),
	}

	if resp.Body == nil || resp.Body == http.NoBody {
		s.ResponseBody = domain.StringPtr("")
		return s
	}

	orig := resp.Body
	prefix, err := io.ReadAll(io.LimitReader(orig, maxBytes+1))

	var tail io.Reader = orig
	if err != nil {
		tail = errReader{err: err}
	}
	resp.Body = &stitchedBody{Reader: io.MultiReader(bytes.NewReader(prefix), tail), closer: orig}

	switch {
	case err != nil:
		s.ResponseBody = domain.StringPtr(domain.UnreadableBodySentinel)
	case int64(len(prefix)) > maxBytes:
		s.ResponseBody = domain.StringPtr(textOf(trimPartialRune(prefix[:maxBytes])) + TruncatedSuffix)
	default:
		s.ResponseBody = domain.StringPtr(textOf(prefix))
	}
	return s
}

// failed captures a call whose transport returned err.
func failed(err error, elapsed time.Duration) domain.Settlement {
	return domain.Settlement{
		State:           domain.StateError,
		Status:          0,
		StatusText:      domain.ErrorStatusText,
		ResponseHeaders: map[string]string{},
		ResponseBody:    nil,
		Duration:        elapsed.Milliseconds(),
		Error:           err.Error(),
	}
}

func statusText(resp *http.Response) string {
	if text, ok := strings.CutPrefix(resp.Status, strconv.Itoa(resp.StatusCode)+" "); ok {
		return text
	}
	return http.StatusText(resp.StatusCode)
}

func textOf(b []byte) string {
	if !utf8.Valid(b) {
		return domain.BinaryBodySentinel
	}
	return string(b)
}

// trimPartialRune drops a multi-byte sequence cut off at the end of b.
func trimPartialRune(b []byte) []byte {
	for i := 0; i < utf8.UTFMax && len(b) > 0; i++ {
		r, size := utf8.DecodeLastRune(b)
		if r != utf8.RuneError || size > 1 {
			return b
		}
		b = b[:len(b)-1]
	}
	return b
}

type stitchedBody struct {
	io.Reader
	closer io.Closer
}

func (b *stitchedBody) Close() error { return b.closer.Close() }

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }
