// Package session holds captured calls per browsing session in bounded,
// idle-expiring buffers and fans each new record out to live listeners.
package session

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gosuda/netpanel/internal/domain"
)

// Defaults applied when a Config field is zero.
const (
	DefaultMaxLogsPerSession = 100
	DefaultTTL               = 60 * time.Second
	DefaultSweepInterval     = 30 * time.Second
)

// Config bounds every session buffer.
type Config struct {
	MaxLogsPerSession int
	TTL               time.Duration
	SweepInterval     time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxLogsPerSession <= 0 {
		c.MaxLogsPerSession = DefaultMaxLogsPerSession
	}
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	return c
}

// Listener receives records for one session. It runs while the store lock is
// held and must not block or call back into the store.
type Listener func(domain.CapturedCall)

// Mirror receives a copy of every appended record after the store lock is
// released. Implementations must not block.
type Mirror interface {
	Mirror(sessionID string, call domain.CapturedCall)
}

// Metrics observes store activity.
type Metrics interface {
	SessionCreated()
	SessionsExpired(n int)
	RecordAdded()
	RecordEvicted()
	SubscriberAdded()
	SubscribersRemoved(n int)
}

// Stats is a point-in-time summary of the store.
type Stats struct {
	Sessions    int `json:"sessions"`
	Subscribers int `json:"subscribers"`
	Records     int `json:"records"`
}

// Option customizes a Store.
type Option func(*Store)

// WithClock replaces time.Now, mainly for driving expiry in tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the store logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithMirror forwards appended records to m.
func WithMirror(m Mirror) Option {
	return func(s *Store) { s.mirror = m }
}

// WithMetrics reports store activity to m.
func WithMetrics(m Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

type buffer struct {
	entries        []domain.CapturedCall
	lastAccessedAt time.Time
	subscribers    []*Subscription
	evicted        chan struct{}
}

// Store multiplexes sessions into independent FIFO buffers. A single mutex
// linearises AddLog, Subscribe and Sweep, so a subscriber's backlog replay
// can never interleave with a live append.
type Store struct {
	cfg     Config
	now     func() time.Time
	logger  zerolog.Logger
	mirror  Mirror
	metrics Metrics

	mu       sync.Mutex
	sessions map[string]*buffer
	closed   bool
}

// New creates an empty Store.
func New(cfg Config, opts ...Option) *Store {
	s := &Store{
		cfg:      cfg.withDefaults(),
		now:      time.Now,
		logger:   zerolog.Nop(),
		sessions: make(map[string]*buffer),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the effective configuration.
func (s *Store) Config() Config {
	return s.cfg
}

// bufferLocked returns the buffer for id, creating it when absent.
func (s *Store) bufferLocked(sessionID string) *buffer {
	b, ok := s.sessions[sessionID]
	if !ok {
		b = &buffer{
			entries: make([]domain.CapturedCall, 0, s.cfg.MaxLogsPerSession),
			evicted: make(chan struct{}),
		}
		s.sessions[sessionID] = b
		if s.metrics != nil {
			s.metrics.SessionCreated()
		}
	}
	return b
}

// AddLog appends call to the session buffer, evicting the oldest entry first
// when the buffer is full, and hands the record to every listener in
// registration order before returning.
func (s *Store) AddLog(sessionID string, call domain.CapturedCall) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	b := s.bufferLocked(sessionID)
	b.lastAccessedAt = s.now()

	if len(b.entries) >= s.cfg.MaxLogsPerSession {
		drop := len(b.entries) - s.cfg.MaxLogsPerSession + 1
		b.entries = slices.Delete(b.entries, 0, drop)
		if s.metrics != nil {
			for range drop {
				s.metrics.RecordEvicted()
			}
		}
	}
	b.entries = append(b.entries, call)
	if s.metrics != nil {
		s.metrics.RecordAdded()
	}

	for _, sub := range b.subscribers {
		sub.listener(call.Clone())
	}
	s.mu.Unlock()

	if s.mirror != nil {
		s.mirror.Mirror(sessionID, call.Clone())
	}
}

// Subscribe registers listener for sessionID. The current backlog is replayed
// to listener, oldest first, before Subscribe returns; every later AddLog for
// the session reaches it until Unsubscribe is called or the session expires.
func (s *Store) Subscribe(sessionID string, listener Listener) *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub := &Subscription{store: s, sessionID: sessionID, listener: listener}
	if s.closed {
		sub.evicted = closedChan()
		sub.once.Do(func() {})
		return sub
	}

	b := s.bufferLocked(sessionID)
	b.lastAccessedAt = s.now()

	for _, call := range b.entries {
		listener(call.Clone())
	}

	sub.evicted = b.evicted
	b.subscribers = append(b.subscribers, sub)
	if s.metrics != nil {
		s.metrics.SubscriberAdded()
	}

	s.logger.Debug().Str("session_id", sessionID).Int("backlog", len(b.entries)).Msg("session: subscriber attached")
	return sub
}

func (s *Store) unsubscribe(sub *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.sessions[sub.sessionID]
	if !ok {
		return
	}
	idx := slices.Index(b.subscribers, sub)
	if idx < 0 {
		return
	}
	b.subscribers = slices.Delete(b.subscribers, idx, idx+1)
	if s.metrics != nil {
		s.metrics.SubscribersRemoved(1)
	}
}

// GetBufferedLogs returns a copy of the session buffer, oldest first. Unknown
// sessions yield an empty slice and are not created.
func (s *Store) GetBufferedLogs(sessionID string) []domain.CapturedCall {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.sessions[sessionID]
	if !ok {
		return []domain.CapturedCall{}
	}
	b.lastAccessedAt = s.now()

	out := make([]domain.CapturedCall, len(b.entries))
	for i, call := range b.entries {
		out[i] = call.Clone()
	}
	return out
}

// Sweep deletes every session idle for longer than the TTL, closing the
// Evicted channel of its subscriptions. It returns the number of sessions
// removed.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-s.cfg.TTL)
	removed := 0
	for id, b := range s.sessions {
		if !b.lastAccessedAt.Before(cutoff) {
			continue
		}
		s.dropLocked(id, b)
		removed++
	}

	if removed > 0 {
		s.logger.Debug().Int("sessions", removed).Msg("session: expired idle sessions")
		if s.metrics != nil {
			s.metrics.SessionsExpired(removed)
		}
	}
	return removed
}

func (s *Store) dropLocked(id string, b *buffer) {
	if s.metrics != nil && len(b.subscribers) > 0 {
		s.metrics.SubscribersRemoved(len(b.subscribers))
	}
	b.subscribers = nil
	close(b.evicted)
	delete(s.sessions, id)
}

// Run sweeps on the configured interval until ctx is done.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-ctx.Done():
			return
		}
	}
}

// Close drops every session and rejects further writes. Live subscriptions
// observe it through Evicted.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	n := len(s.sessions)
	for id, b := range s.sessions {
		s.dropLocked(id, b)
	}
	if s.metrics != nil && n > 0 {
		s.metrics.SessionsExpired(n)
	}
	s.closed = true
}

// Stats summarises the store contents.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{Sessions: len(s.sessions)}
	for _, b := range s.sessions {
		st.Subscribers += len(b.subscribers)
		st.Records += len(b.entries)
	}
	return st
}

// Subscription is a live listener registration.
type Subscription struct {
	store     *Store
	sessionID string
	listener  Listener
	evicted   <-chan struct{}
	once      sync.Once
}

// Unsubscribe detaches the listener. Calls after the first are no-ops.
func (sub *Subscription) Unsubscribe() {
	sub.once.Do(func() {
		sub.store.unsubscribe(sub)
	})
}

// Evicted is closed once the session is removed by the sweep or the store is
// closed; the listener receives nothing further after that.
func (sub *Subscription) Evicted() <-chan struct{} {
	return sub.evicted
}

// SessionID returns the session the subscription is attached to.
func (sub *Subscription) SessionID() string {
	return sub.sessionID
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
