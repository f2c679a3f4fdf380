package intercept

import (
	"bytes"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/gosuda/netpanel/internal/domain"
)

// Body is one of the accepted request body representations. The set is
// closed: TextBody, FormBody, ParamsBody and OpaqueBody.
type Body interface {
	// Snapshot returns the textual form recorded for the body.
	Snapshot() *string
	open() (r io.Reader, contentType string, err error)
}

// TextBody is a raw string body.
type TextBody string

// FormField is one multipart form entry. A non-empty FileName marks a file
// part whose Value is the file content.
type FormField struct {
	Name     string
	Value    string
	FileName string
}

// FormBody is multipart form data.
type FormBody []FormField

// ParamsBody is URL-encoded form parameters.
type ParamsBody url.Values

// OpaqueBody is any stream that must not be read for capture.
type OpaqueBody struct {
	R           io.Reader
	ContentType string
}

func (b TextBody) Snapshot() *string { return domain.StringPtr(string(b)) }

func (b TextBody) open() (io.Reader, string, error) {
	return strings.NewReader(string(b)), "text/plain; charset=utf-8", nil
}

// Snapshot renders "key: value" lines joined by newlines.
func (b FormBody) Snapshot() *string {
	lines := make([]string, 0, len(b))
	for _, f := range b {
		v := f.Value
		if f.FileName != "" {
			v = "[File: " + f.FileName + "]"
		}
		lines = append(lines, f.Name+": "+v)
	}
	return domain.StringPtr(strings.Join(lines, "\n"))
}

func (b FormBody) open() (io.Reader, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, f := range b {
		if f.FileName != "" {
			fw, err := mw.CreateFormFile(f.Name, f.FileName)
			if err != nil {
				return nil, "", err
			}
			if _, err := io.WriteString(fw, f.Value); err != nil {
				return nil, "", err
			}
			continue
		}
		if err := mw.WriteField(f.Name, f.Value); err != nil {
			return nil, "", err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}

func (b ParamsBody) Snapshot() *string { return domain.StringPtr(url.Values(b).Encode()) }

func (b ParamsBody) open() (io.Reader, string, error) {
	return strings.NewReader(url.Values(b).Encode()), "application/x-www-form-urlencoded", nil
}

func (OpaqueBody) Snapshot() *string { return domain.StringPtr(domain.BinaryBodySentinel) }

func (b OpaqueBody) open() (io.Reader, string, error) {
	ct := b.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	return b.R, ct, nil
}

// ClassifyBody maps an outgoing request body to a Body variant. It reads only
// through req.GetBody, so the body the transport sends is never consumed; a
// body without GetBody is OpaqueBody. A request with no body yields nil.
//
// A textual or URL-encoded body longer than maxBytes is kept as a TextBody
// cut on a rune boundary and ending in TruncatedSuffix.
func ClassifyBody(req *http.Request, maxBytes int64) Body {
	if req.Body == nil || req.Body == http.NoBody {
		return nil
	}
	if req.GetBody == nil {
		return OpaqueBody{}
	}

	mediaType, params, err := mime.ParseMediaType(req.Header.Get("Content-Type"))
	if err != nil {
		mediaType = ""
	}

	raw, truncated, ok := readCopy(req, maxBytes)
	if !ok {
		return OpaqueBody{}
	}

	switch {
	case truncated && mediaType == "multipart/form-data":
		return OpaqueBody{}
	case truncated && (mediaType == "application/x-www-form-urlencoded" || isTextual(mediaType)):
		raw = trimPartialRune(raw)
		if !utf8.Valid(raw) {
			return OpaqueBody{}
		}
		return TextBody(string(raw) + TruncatedSuffix)
	case mediaType == "application/x-www-form-urlencoded":
		values, parseErr := url.ParseQuery(string(raw))
		if parseErr != nil {
			return TextBody(raw)
		}
		return ParamsBody(values)
	case mediaType == "multipart/form-data":
		fields, parseErr := parseMultipart(raw, params["boundary"])
		if parseErr != nil {
			return OpaqueBody{}
		}
		return fields
	case isTextual(mediaType) && utf8.Valid(raw):
		return TextBody(raw)
	default:
		return OpaqueBody{}
	}
}

// readCopy reads at most maxBytes of a fresh copy of the body and reports
// whether more was available.
func readCopy(req *http.Request, maxBytes int64) (raw []byte, truncated, ok bool) {
	rc, err := req.GetBody()
	if err != nil {
		return nil, false, false
	}
	defer rc.Close()

	raw, err = io.ReadAll(io.LimitReader(rc, maxBytes+1))
	if err != nil {
		return nil, false, false
	}
	if int64(len(raw)) > maxBytes {
		return raw[:maxBytes], true, true
	}
	return raw, false, true
}

func parseMultipart(raw []byte, boundary string) (FormBody, error) {
	mr := multipart.NewReader(bytes.NewReader(raw), boundary)
	var fields FormBody
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return fields, nil
		}
		if err != nil {
			return nil, err
		}
		value, err := io.ReadAll(part)
		if err != nil {
			return nil, err
		}
		fields = append(fields, FormField{
			Name:     part.FormName(),
			Value:    string(value),
			FileName: part.FileName(),
		})
	}
}

func isTextual(mediaType string) bool {
	switch {
	case mediaType == "":
		return true
	case strings.HasPrefix(mediaType, "text/"):
		return true
	case mediaType == "application/json",
		mediaType == "application/xml",
		mediaType == "application/javascript",
		mediaType == "application/graphql":
		return true
	case strings.HasSuffix(mediaType, "+json"), strings.HasSuffix(mediaType, "+xml"):
		return true
	}
	return false
}
