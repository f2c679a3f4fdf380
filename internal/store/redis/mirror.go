// Package redis publishes appended records to Redis so processes other than
// the companion server can follow a session.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/gosuda/netpanel/internal/domain"
)

// DefaultQueueSize bounds records waiting to be published.
const DefaultQueueSize = 1024

type entry struct {
	sessionID string
	call      domain.CapturedCall
}

// Mirror forwards records to per-session Redis channels. Enqueueing never
// blocks; records arriving while the queue is full are counted and dropped.
type Mirror struct {
	client  *redis.Client
	queue   chan entry
	logger  zerolog.Logger
	dropped atomic.Int64
}

// New connects to Redis and verifies the connection with PING.
func New(ctx context.Context, addr, password string, db int, logger zerolog.Logger) (*Mirror, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis.New: ping: %w", err)
	}

	return NewWithClient(client, DefaultQueueSize, logger), nil
}

// NewWithClient wraps an existing client without contacting the server.
func NewWithClient(client *redis.Client, queueSize int, logger zerolog.Logger) *Mirror {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Mirror{
		client: client,
		queue:  make(chan entry, queueSize),
		logger: logger,
	}
}

// Mirror implements session.Mirror.
func (m *Mirror) Mirror(sessionID string, call domain.CapturedCall) {
	select {
	case m.queue <- entry{sessionID: sessionID, call: call}:
	default:
		m.dropped.Add(1)
	}
}

// Dropped returns the number of records discarded because the queue was full.
func (m *Mirror) Dropped() int64 {
	return m.dropped.Load()
}

// Run publishes queued records until ctx is done.
func (m *Mirror) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-m.queue:
			payload, err := json.Marshal(e.call)
			if err != nil {
				m.logger.Error().Err(err).Str("call_id", e.call.ID).Msg("redis mirror: encode record")
				continue
			}
			if err := m.Publish(ctx, SessionChannel(e.sessionID), payload); err != nil {
				m.logger.Warn().Err(err).Str("session_id", e.sessionID).Msg("redis mirror: publish failed")
			}
		}
	}
}

func (m *Mirror) Close() error {
	if err := m.client.Close(); err != nil {
		return fmt.Errorf("redis.Mirror.Close: %w", err)
	}
	return nil
}

func (m *Mirror) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := m.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis.Mirror.Publish: %w", err)
	}
	return nil
}

// Subscribe follows channel until ctx is done or cleanup is called. Payloads
// are delivered in publish order.
func (m *Mirror) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	sub := m.client.Subscribe(ctx, channel)

	// Wait for subscription confirmation.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("redis.Mirror.Subscribe: receive confirmation: %w", err)
	}

	out := make(chan []byte, 64)
	redisCh := sub.Channel()

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-redisCh:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	cleanup := func() {
		_ = sub.Close()
	}

	return out, cleanup, nil
}

// SessionChannel returns the Redis channel name for a capture session.
func SessionChannel(sessionID string) string {
	return "netpanel:session:" + sessionID
}
