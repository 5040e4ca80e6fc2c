package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"roomsync/internal/chat/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// NotifyChannel is the LISTEN channel the chat table triggers notify on.
const NotifyChannel = "chat_changes"

// PGFeed listens to the notifications emitted by the chat table triggers. Each
// subscription holds one dedicated connection taken out of the pool.
type PGFeed struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewPGFeed(pool *pgxpool.Pool) *PGFeed {
	return &PGFeed{pool: pool, logger: slog.Default()}
}

// Publish sends through pg_notify; the triggers already cover store writes so
// this is only needed for out-of-band events.
func (f *PGFeed) Publish(ctx context.Context, ev models.ChangeEvent) error {
	payload, err := ev.ToJSON()
	if err != nil {
		return err
	}
	if _, err := f.pool.Exec(ctx, "SELECT pg_notify($1, $2)", NotifyChannel, string(payload)); err != nil {
		return fmt.Errorf("pg_notify: %w", err)
	}
	return nil
}

func (f *PGFeed) Subscribe(ctx context.Context, tables ...models.Table) (Subscription, error) {
	pooled, err := f.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listen connection: %w", err)
	}
	// The connection stays in LISTEN state, so it never goes back to the pool.
	conn := pooled.Hijack()
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{NotifyChannel}.Sanitize()); err != nil {
		_ = conn.Close(context.Background())
		return nil, fmt.Errorf("listen %s: %w", NotifyChannel, err)
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	sub := newSubscription(tables, func() error {
		cancel()
		<-done
		return nil
	})

	go func() {
		defer close(done)
		defer conn.Close(context.Background())
		defer sub.end()
		for {
			n, err := conn.WaitForNotification(listenCtx)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					f.logger.Warn("feed_listen_lost", "error", err)
				}
				return
			}
			ev, err := models.ChangeEventFromJSON([]byte(n.Payload))
			if err != nil {
				f.logger.Warn("feed_event_malformed", "channel", n.Channel, "error", err)
				continue
			}
			if !sub.deliver(ev) {
				f.logger.Debug("feed_event_dropped", "table", ev.Table, "type", ev.Type)
			}
		}
	}()
	return sub, nil
}

// Close is a no-op; the pool is owned by the caller.
func (f *PGFeed) Close() error {
	return nil
}
