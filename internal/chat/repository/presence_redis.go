package repository

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"roomsync/internal/chat/models"

	"github.com/redis/go-redis/v9"
)

const presenceKeyPrefix = "chat:presence:"

// mergePresence applies the same merge rule as the SQL upsert atomically on the hash.
// ARGV: user_id, last_seen_ms, is_typing, typing_updated_ms, ttl_ms
var mergePresence = redis.NewScript(`
local cur = redis.call('HMGET', KEYS[1], 'last_seen_at', 'typing_updated_at')
local seen = ARGV[2]
if cur[1] and tonumber(cur[1]) > tonumber(seen) then
	seen = cur[1]
end
redis.call('HSET', KEYS[1], 'user_id', ARGV[1], 'last_seen_at', seen)
if (not cur[2]) or tonumber(cur[2]) <= tonumber(ARGV[4]) then
	redis.call('HSET', KEYS[1], 'is_typing', ARGV[3], 'typing_updated_at', ARGV[4])
end
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return 1
`)

// PresenceRedisRepo keeps presence as Redis hashes that expire on their own once
// heartbeats stop, so crashed clients vanish without a final write.
type PresenceRedisRepo struct {
	client *redis.Client
	ttl    time.Duration
}

// NewPresenceRedisRepo stores records with a key TTL equal to the liveness window.
func NewPresenceRedisRepo(client *redis.Client, ttl time.Duration) *PresenceRedisRepo {
	return &PresenceRedisRepo{client: client, ttl: ttl}
}

func presenceKey(userID string) string {
	return presenceKeyPrefix + userID
}

func (r *PresenceRedisRepo) Upsert(ctx context.Context, rec *models.PresenceRecord) error {
	typing := "0"
	if rec.IsTyping {
		typing = "1"
	}
	err := mergePresence.Run(ctx, r.client, []string{presenceKey(rec.UserID)},
		rec.UserID,
		rec.LastSeenAt.UnixMilli(),
		typing,
		rec.TypingUpdatedAt.UnixMilli(),
		r.ttl.Milliseconds(),
	).Err()
	if err != nil {
		return fmt.Errorf("redis upsert presence for %s: %w", rec.UserID, err)
	}
	return nil
}

func (r *PresenceRedisRepo) ListSince(ctx context.Context, since time.Time) ([]models.PresenceRecord, error) {
	var keys []string
	var cursor uint64
	for {
		// SCAN returns keys in batches without blocking
		batch, next, err := r.client.Scan(ctx, cursor, presenceKeyPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("redis scan presence: %w", err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if len(keys) == 0 {
		return []models.PresenceRecord{}, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, 0, len(keys))
	for _, key := range keys {
		cmds = append(cmds, pipe.HGetAll(ctx, key))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("redis read presence: %w", err)
	}

	records := make([]models.PresenceRecord, 0, len(cmds))
	for _, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil || len(fields) == 0 {
			// expired between SCAN and HGETALL
			continue
		}
		rec, ok := parsePresenceHash(fields)
		if !ok || rec.LastSeenAt.Before(since) {
			continue
		}
		records = append(records, rec)
	}
	sortPresence(records)
	return records, nil
}

func parsePresenceHash(fields map[string]string) (models.PresenceRecord, bool) {
	seen, err := strconv.ParseInt(fields["last_seen_at"], 10, 64)
	if err != nil {
		return models.PresenceRecord{}, false
	}
	rec := models.PresenceRecord{
		UserID:     fields["user_id"],
		LastSeenAt: time.UnixMilli(seen).UTC(),
		IsTyping:   fields["is_typing"] == "1",
	}
	if ts, err := strconv.ParseInt(fields["typing_updated_at"], 10, 64); err == nil {
		rec.TypingUpdatedAt = time.UnixMilli(ts).UTC()
	}
	return rec, rec.UserID != ""
}
