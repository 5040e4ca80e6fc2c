package feed

import (
	"context"
	"log/slog"
	"sync"

	"roomsync/internal/chat/models"
)

// MemoryFeed fans events out to in-process subscribers. Used with the memory
// store and in tests.
type MemoryFeed struct {
	mu     sync.RWMutex
	subs   map[*subscription]struct{}
	logger *slog.Logger
}

func NewMemoryFeed() *MemoryFeed {
	return &MemoryFeed{
		subs:   make(map[*subscription]struct{}),
		logger: slog.Default(),
	}
}

func (f *MemoryFeed) Publish(ctx context.Context, ev models.ChangeEvent) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for sub := range f.subs {
		if !sub.deliver(ev) {
			f.logger.Debug("feed_event_dropped", "table", ev.Table, "type", ev.Type)
		}
	}
	return nil
}

func (f *MemoryFeed) Subscribe(ctx context.Context, tables ...models.Table) (Subscription, error) {
	var sub *subscription
	sub = newSubscription(tables, func() error {
		f.mu.Lock()
		delete(f.subs, sub)
		f.mu.Unlock()
		return nil
	})
	f.mu.Lock()
	f.subs[sub] = struct{}{}
	f.mu.Unlock()
	return sub, nil
}

// Subscribers is the number of open subscriptions.
func (f *MemoryFeed) Subscribers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

// Drop ends every open subscription as a transport failure would.
func (f *MemoryFeed) Drop() {
	f.mu.Lock()
	subs := f.subs
	f.subs = make(map[*subscription]struct{})
	f.mu.Unlock()
	for sub := range subs {
		sub.end()
	}
}

func (f *MemoryFeed) Close() error {
	f.Drop()
	return nil
}
