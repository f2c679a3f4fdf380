package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/gosuda/netpanel/internal/domain"
)

// Provider owns the lifecycle of the process's Store. It is constructed
// empty; Init must run before MustStore or AddLog are used.
type Provider struct {
	mu     sync.RWMutex
	store  *Store
	cancel context.CancelFunc
}

// NewProvider returns a Provider with no store.
func NewProvider() *Provider {
	return &Provider{}
}

// Init builds a new Store and starts its sweep loop bound to ctx. Calling
// Init again discards the previous store, its sessions and its listeners.
func (p *Provider) Init(ctx context.Context, cfg Config, opts ...Option) *Store {
	store := New(cfg, opts...)
	sweepCtx, cancel := context.WithCancel(ctx)

	p.mu.Lock()
	prev, prevCancel := p.store, p.cancel
	p.store, p.cancel = store, cancel
	p.mu.Unlock()

	if prev != nil {
		discarded := prev.Stats()
		prevCancel()
		prev.Close()
		store.logger.Warn().
			Int("sessions", discarded.Sessions).
			Int("subscribers", discarded.Subscribers).
			Int("records", discarded.Records).
			Msg("session: store re-initialized, previous state discarded")
	}

	store.logger.Info().
		Int("max_logs_per_session", store.cfg.MaxLogsPerSession).
		Dur("ttl", store.cfg.TTL).
		Msg("session: store initialized")

	go store.Run(sweepCtx)
	return store
}

// Store returns the current store and whether Init has run.
func (p *Provider) Store() (*Store, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.store, p.store != nil
}

// MustStore returns the current store. Using the store before Init is a
// programming error and panics.
func (p *Provider) MustStore() *Store {
	s, ok := p.Store()
	if !ok {
		panic(fmt.Errorf("session.Provider.MustStore: %w", domain.ErrNotInitialized))
	}
	return s
}

// AddLog appends to the current store.
func (p *Provider) AddLog(sessionID string, call domain.CapturedCall) {
	p.MustStore().AddLog(sessionID, call)
}

// Close stops the sweep loop and drops all state.
func (p *Provider) Close() {
	p.mu.Lock()
	store, cancel := p.store, p.cancel
	p.store, p.cancel = nil, nil
	p.mu.Unlock()

	if store != nil {
		cancel()
		store.Close()
		store.logger.Debug().Msg("session: store closed")
	}
}
