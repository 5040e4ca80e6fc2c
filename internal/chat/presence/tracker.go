// Package presence tracks who is in the room and who is typing. Records expire
// passively; there is no offline signal.
package presence

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"roomsync/internal/chat/chaterr"
	"roomsync/internal/chat/models"
	"roomsync/internal/chat/repository"
)

const (
	DefaultLivenessWindow = 5 * time.Minute
	DefaultTypingWindow   = 3 * time.Second
)

// RosterEntry is one online user as rendered.
type RosterEntry struct {
	UserID     string    `json:"user_id"`
	IsTyping   bool      `json:"is_typing"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

type Tracker struct {
	repo         repository.PresenceRepository
	liveness     time.Duration
	typingWindow time.Duration
	now          func() time.Time
	logger       *slog.Logger
}

func NewTracker(repo repository.PresenceRepository, liveness, typingWindow time.Duration) *Tracker {
	if liveness <= 0 {
		liveness = DefaultLivenessWindow
	}
	if typingWindow <= 0 {
		typingWindow = DefaultTypingWindow
	}
	return &Tracker{
		repo:         repo,
		liveness:     liveness,
		typingWindow: typingWindow,
		now:          func() time.Time { return time.Now().UTC() },
		logger:       slog.Default(),
	}
}

func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

func (t *Tracker) LivenessWindow() time.Duration { return t.liveness }

func (t *Tracker) TypingWindow() time.Duration { return t.typingWindow }

// Heartbeat refreshes the user's liveness and records their typing state.
// Calling it repeatedly with the same arguments is harmless.
func (t *Tracker) Heartbeat(ctx context.Context, userID string, isTyping bool) error {
	if userID == "" {
		return fmt.Errorf("heartbeat without user: %w", chaterr.ErrValidation)
	}
	now := t.now()
	rec := &models.PresenceRecord{
		UserID:          userID,
		LastSeenAt:      now,
		IsTyping:        isTyping,
		TypingUpdatedAt: now,
	}
	if err := t.repo.Upsert(ctx, rec); err != nil {
		return chaterr.Transient("presence heartbeat", err)
	}
	return nil
}

// Records returns the raw rows that may still be live. Callers render them
// through FilterRoster at their own clock.
func (t *Tracker) Records(ctx context.Context) ([]models.PresenceRecord, error) {
	recs, err := t.repo.ListSince(ctx, t.now().Add(-t.liveness))
	if err != nil {
		return nil, chaterr.Transient("list presence", err)
	}
	return recs, nil
}

func (t *Tracker) Roster(ctx context.Context) ([]RosterEntry, error) {
	recs, err := t.Records(ctx)
	if err != nil {
		return nil, err
	}
	return FilterRoster(recs, t.now(), t.liveness, t.typingWindow), nil
}

// FilterRoster keeps users seen within the liveness window and clears typing
// flags older than the typing window. It never trusts the store to have
// filtered already. Repeated user ids are merged.
func FilterRoster(records []models.PresenceRecord, now time.Time, liveness, typingWindow time.Duration) []RosterEntry {
	merged := make(map[string]models.PresenceRecord, len(records))
	for _, rec := range records {
		if cur, ok := merged[rec.UserID]; ok {
			rec = cur.Merge(rec)
		}
		merged[rec.UserID] = rec
	}

	roster := make([]RosterEntry, 0, len(merged))
	for _, rec := range merged {
		if now.Sub(rec.LastSeenAt) >= liveness {
			continue
		}
		roster = append(roster, RosterEntry{
			UserID:     rec.UserID,
			IsTyping:   rec.IsTyping && !now.After(rec.TypingUpdatedAt.Add(typingWindow)),
			LastSeenAt: rec.LastSeenAt,
		})
	}
	sort.Slice(roster, func(i, j int) bool { return roster[i].UserID < roster[j].UserID })
	return roster
}
