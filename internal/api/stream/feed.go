// Package stream delivers one session's records to a remote subscriber:
// buffered history first, then live records, until the client goes away.
package stream

import (
	"sync"

	"github.com/gosuda/netpanel/internal/domain"
	"github.com/gosuda/netpanel/internal/session"
)

// liveSlack is the queue headroom for live records beyond a full backlog.
const liveSlack = 64

// feed adapts a store subscription to a channel the connection loop drains.
// The listener never blocks the store: when the queue is full the feed is
// marked lagged and the connection is closed so the client reconnects and
// replays instead of silently missing records.
type feed struct {
	sub     *session.Subscription
	records chan domain.CapturedCall
	lagged  chan struct{}
	lagOnce sync.Once
}

func openFeed(store *session.Store, sessionID string) *feed {
	f := &feed{
		records: make(chan domain.CapturedCall, store.Config().MaxLogsPerSession+liveSlack),
		lagged:  make(chan struct{}),
	}
	f.sub = store.Subscribe(sessionID, f.push)
	return f
}

func (f *feed) push(call domain.CapturedCall) {
	select {
	case f.records <- call:
	default:
		f.lagOnce.Do(func() { close(f.lagged) })
	}
}

// close detaches from the store. Safe to call more than once.
func (f *feed) close() {
	f.sub.Unsubscribe()
}
