package intercept

import (
	"net/http"
	"strings"
)

// Headers is one of the accepted request header representations. The set is
// closed: HeaderMap, HeaderPairs and HeaderObject.
type Headers interface {
	// Normalize returns a canonical-name → value mapping. Later writes of the
	// same name overwrite earlier ones.
	Normalize() map[string]string
	isHeaders()
}

// HeaderMap is a plain name → value mapping.
type HeaderMap map[string]string

// HeaderPairs is an ordered list of name/value pairs.
type HeaderPairs [][2]string

// HeaderObject is a multi-valued header set as used by net/http.
type HeaderObject http.Header

func (HeaderMap) isHeaders()    {}
func (HeaderPairs) isHeaders()  {}
func (HeaderObject) isHeaders() {}

func (h HeaderMap) Normalize() map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[http.CanonicalHeaderKey(k)] = v
	}
	return out
}

func (h HeaderPairs) Normalize() map[string]string {
	out := make(map[string]string, len(h))
	for _, kv := range h {
		out[http.CanonicalHeaderKey(kv[0])] = kv[1]
	}
	return out
}

// Normalize joins repeated values with ", ", matching how a header object
// reports a multi-valued field.
func (h HeaderObject) Normalize() map[string]string {
	out := make(map[string]string, len(h))
	for k, vs := range h {
		out[http.CanonicalHeaderKey(k)] = strings.Join(vs, ", ")
	}
	return out
}

// apply writes h onto dst, replacing any existing values for each name.
func apply(dst http.Header, h Headers) {
	if h == nil {
		return
	}
	for k, v := range h.Normalize() {
		dst.Set(k, v)
	}
}
