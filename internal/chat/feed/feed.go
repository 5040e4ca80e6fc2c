// Package feed delivers best-effort change notifications for the chat tables.
// Events may be dropped, duplicated or reordered; subscribers treat each one as
// a hint to re-fetch, never as data.
package feed

import (
	"context"
	"sync"

	"roomsync/internal/chat/models"
)

// subscriptionBuffer bounds how far a slow subscriber can fall behind before
// events are dropped.
const subscriptionBuffer = 64

type Feed interface {
	// Publish is used by writers whose store does not emit notifications itself.
	Publish(ctx context.Context, ev models.ChangeEvent) error
	// Subscribe starts delivery for the given tables. The Events channel is
	// closed when the subscription ends for any reason, including transport loss.
	Subscribe(ctx context.Context, tables ...models.Table) (Subscription, error)
	Close() error
}

type Subscription interface {
	Events() <-chan models.ChangeEvent
	Close() error
}

// subscription is the channel plumbing shared by every driver.
type subscription struct {
	tables map[models.Table]struct{}
	out    chan models.ChangeEvent

	mu      sync.Mutex
	closed  bool
	onClose func() error
}

func newSubscription(tables []models.Table, onClose func() error) *subscription {
	if len(tables) == 0 {
		tables = models.AllTables
	}
	set := make(map[models.Table]struct{}, len(tables))
	for _, t := range tables {
		set[t] = struct{}{}
	}
	return &subscription{
		tables:  set,
		out:     make(chan models.ChangeEvent, subscriptionBuffer),
		onClose: onClose,
	}
}

func (s *subscription) wants(t models.Table) bool {
	_, ok := s.tables[t]
	return ok
}

// deliver forwards ev without blocking and reports whether it was accepted.
func (s *subscription) deliver(ev models.ChangeEvent) bool {
	if !s.wants(ev.Table) {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.out <- ev:
		return true
	default:
		return false
	}
}

func (s *subscription) Events() <-chan models.ChangeEvent {
	return s.out
}

// end closes the channel without running the driver teardown.
func (s *subscription) end() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	close(s.out)
	return true
}

func (s *subscription) Close() error {
	if !s.end() {
		return nil
	}
	if s.onClose != nil {
		return s.onClose()
	}
	return nil
}
