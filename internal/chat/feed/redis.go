package feed

import (
	"context"
	"fmt"
	"log/slog"

	"roomsync/internal/chat/models"

	"github.com/redis/go-redis/v9"
)

const redisChannelPrefix = "chat:changes:"

// RedisFeed carries change events over Redis pub/sub, one channel per table.
type RedisFeed struct {
	client *redis.Client
	logger *slog.Logger
}

func NewRedisFeed(client *redis.Client) *RedisFeed {
	return &RedisFeed{client: client, logger: slog.Default()}
}

func redisChannel(t models.Table) string {
	return redisChannelPrefix + string(t)
}

func (f *RedisFeed) Publish(ctx context.Context, ev models.ChangeEvent) error {
	payload, err := ev.ToJSON()
	if err != nil {
		return err
	}
	if err := f.client.Publish(ctx, redisChannel(ev.Table), payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", ev.Table, err)
	}
	return nil
}

func (f *RedisFeed) Subscribe(ctx context.Context, tables ...models.Table) (Subscription, error) {
	if len(tables) == 0 {
		tables = models.AllTables
	}
	channels := make([]string, 0, len(tables))
	for _, t := range tables {
		channels = append(channels, redisChannel(t))
	}

	pubsub := f.client.Subscribe(ctx, channels...)
	// Receive waits for the subscription confirmation so errors surface here.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	sub := newSubscription(tables, pubsub.Close)
	go func() {
		defer sub.end()
		for msg := range pubsub.Channel() {
			ev, err := models.ChangeEventFromJSON([]byte(msg.Payload))
			if err != nil {
				f.logger.Warn("feed_event_malformed", "channel", msg.Channel, "error", err)
				continue
			}
			if !sub.deliver(ev) {
				f.logger.Debug("feed_event_dropped", "table", ev.Table, "type", ev.Type)
			}
		}
	}()
	return sub, nil
}

// Close is a no-op; the client is owned by the caller.
func (f *RedisFeed) Close() error {
	return nil
}
