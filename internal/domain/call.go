package domain

import (
	"maps"
	"strconv"
	"time"
)

// Origin identifies which interceptor produced a record.
type Origin string

const (
	OriginClient Origin = "client"
	OriginServer Origin = "server"
)

// State is the lifecycle position of a captured call.
type State string

const (
	StatePending   State = "pending"
	StateCompleted State = "completed"
	StateError     State = "error"
)

// Terminal reports whether no further transitions are allowed.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateError
}

// Placeholder values substituted when a payload cannot be captured as text.
const (
	BinaryBodySentinel     = "[Binary Data]"
	UnreadableBodySentinel = "[Unable to read body]"
	ErrorStatusText        = "Network Error"
)

// ServerIDPrefix is prepended to server-origin ids once they enter a merged
// collection, so they cannot collide with client-origin ids.
const ServerIDPrefix = "server-"

// CapturedCall is one observed request/response (or request/failure) pair.
// Settlement fields stay nil while the call is pending.
type CapturedCall struct {
	ID              string            `json:"id"`
	SessionID       string            `json:"sessionId,omitempty"`
	Timestamp       int64             `json:"timestamp"`
	Method          string            `json:"method"`
	URL             string            `json:"url"`
	RequestHeaders  map[string]string `json:"requestHeaders"`
	RequestBody     *string           `json:"requestBody,omitempty"`
	Status          *int              `json:"status,omitempty"`
	StatusText      string            `json:"statusText,omitempty"`
	ResponseHeaders map[string]string `json:"responseHeaders,omitzero"`
	ResponseBody    *string           `json:"responseBody"`
	Duration        *int64            `json:"duration,omitempty"`
	Origin          Origin            `json:"origin"`
	State           State             `json:"state"`
	Error           string            `json:"error,omitempty"`
}

// Settlement carries the fields that become known once a call settles.
type Settlement struct {
	State           State
	Status          int
	StatusText      string
	ResponseHeaders map[string]string
	ResponseBody    *string
	Duration        int64
	Error           string
}

// Settle merges s into c and moves c out of the pending state. It returns
// false and leaves c untouched when c is already terminal or s does not name
// a terminal state.
func (c *CapturedCall) Settle(s Settlement) bool {
	if c.State.Terminal() || !s.State.Terminal() {
		return false
	}

	status := s.Status
	duration := max(s.Duration, 0)

	c.State = s.State
	c.Status = &status
	c.StatusText = s.StatusText
	c.ResponseHeaders = s.ResponseHeaders
	c.ResponseBody = s.ResponseBody
	c.Duration = &duration
	if s.State == StateError {
		c.Error = s.Error
	}
	return true
}

// Settlement extracts the settlement fields of a terminal record.
func (c *CapturedCall) Settlement() Settlement {
	s := Settlement{
		State:           c.State,
		StatusText:      c.StatusText,
		ResponseHeaders: c.ResponseHeaders,
		ResponseBody:    c.ResponseBody,
		Error:           c.Error,
	}
	if c.Status != nil {
		s.Status = *c.Status
	}
	if c.Duration != nil {
		s.Duration = *c.Duration
	}
	return s
}

// StatusString renders the status for display and filtering; empty while pending.
func (c *CapturedCall) StatusString() string {
	if c.Status == nil {
		return ""
	}
	return strconv.Itoa(*c.Status)
}

// Clone returns a copy that shares no mutable state with c.
func (c CapturedCall) Clone() CapturedCall {
	out := c
	out.RequestHeaders = maps.Clone(c.RequestHeaders)
	out.ResponseHeaders = maps.Clone(c.ResponseHeaders)
	if c.RequestBody != nil {
		v := *c.RequestBody
		out.RequestBody = &v
	}
	if c.ResponseBody != nil {
		v := *c.ResponseBody
		out.ResponseBody = &v
	}
	if c.Status != nil {
		v := *c.Status
		out.Status = &v
	}
	if c.Duration != nil {
		v := *c.Duration
		out.Duration = &v
	}
	return out
}

// Millis converts t to integer epoch milliseconds.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// StringPtr returns a pointer to a copy of s.
func StringPtr(s string) *string {
	return &s
}
