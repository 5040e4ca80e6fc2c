package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"roomsync/internal/chat/models"

	"github.com/nats-io/nats.go"
)

const natsSubjectPrefix = "chat.changes."

// NATSFeed carries change events over core NATS subjects, one per table.
type NATSFeed struct {
	conn   *nats.Conn
	logger *slog.Logger
}

func NewNATSFeed(conn *nats.Conn) *NATSFeed {
	return &NATSFeed{conn: conn, logger: slog.Default()}
}

func natsSubject(t models.Table) string {
	return natsSubjectPrefix + string(t)
}

func (f *NATSFeed) Publish(ctx context.Context, ev models.ChangeEvent) error {
	payload, err := ev.ToJSON()
	if err != nil {
		return err
	}
	if err := f.conn.Publish(natsSubject(ev.Table), payload); err != nil {
		return fmt.Errorf("nats publish %s: %w", ev.Table, err)
	}
	return nil
}

func (f *NATSFeed) Subscribe(ctx context.Context, tables ...models.Table) (Subscription, error) {
	if len(tables) == 0 {
		tables = models.AllTables
	}

	var natsSubs []*nats.Subscription
	unsubscribe := func() error {
		var errs []error
		for _, s := range natsSubs {
			if err := s.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
	sub := newSubscription(tables, unsubscribe)

	handler := func(msg *nats.Msg) {
		ev, err := models.ChangeEventFromJSON(msg.Data)
		if err != nil {
			f.logger.Warn("feed_event_malformed", "subject", msg.Subject, "error", err)
			return
		}
		if !sub.deliver(ev) {
			f.logger.Debug("feed_event_dropped", "table", ev.Table, "type", ev.Type)
		}
	}

	for _, t := range tables {
		s, err := f.conn.Subscribe(natsSubject(t), handler)
		if err != nil {
			_ = sub.Close()
			return nil, fmt.Errorf("nats subscribe %s: %w", t, err)
		}
		natsSubs = append(natsSubs, s)
	}
	if err := f.conn.Flush(); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("nats flush: %w", err)
	}
	return sub, nil
}

// Close is a no-op; the connection is owned by the caller.
func (f *NATSFeed) Close() error {
	return nil
}
