// Package reaction implements emoji reactions with toggle semantics. Counts
// are always recomputed from the full row set, so racing toggles heal on the
// next read.
package reaction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode"

	"roomsync/internal/chat/chaterr"
	"roomsync/internal/chat/models"
	"roomsync/internal/chat/repository"
)

const MaxEmojiBytes = 64

// ValidationError reports a toggle rejected before any store call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == chaterr.ErrValidation
}

// Summary is the aggregated count of one emoji on one message.
type Summary struct {
	Emoji string `json:"emoji"`
	Count int    `json:"count"`
	Mine  bool   `json:"mine"`
}

type Aggregator struct {
	repo   repository.ReactionRepository
	logger *slog.Logger
}

func NewAggregator(repo repository.ReactionRepository) *Aggregator {
	return &Aggregator{repo: repo, logger: slog.Default()}
}

func ValidateEmoji(emoji string) error {
	switch {
	case emoji == "":
		return &ValidationError{Field: "emoji", Reason: "required"}
	case len(emoji) > MaxEmojiBytes:
		return &ValidationError{Field: "emoji", Reason: fmt.Sprintf("must be at most %d bytes", MaxEmojiBytes)}
	case strings.IndexFunc(emoji, unicode.IsSpace) >= 0:
		return &ValidationError{Field: "emoji", Reason: "must not contain whitespace"}
	}
	return nil
}

// Toggle removes the reaction if it exists and adds it otherwise, reporting
// whether it is now present. Find and write are separate calls; a concurrent
// toggle by the same user can interleave, and the next Load shows the result.
func (a *Aggregator) Toggle(ctx context.Context, messageID, userID, emoji string) (bool, error) {
	if err := ValidateEmoji(emoji); err != nil {
		return false, err
	}
	if messageID == "" || models.IsTempID(messageID) {
		return false, &ValidationError{Field: "message_id", Reason: "must reference a confirmed message"}
	}
	key := models.ReactionKey{MessageID: messageID, UserID: userID, Emoji: emoji}

	_, err := a.repo.Find(ctx, key)
	switch {
	case err == nil:
		if _, err := a.repo.Delete(ctx, key); err != nil {
			return false, chaterr.Transient("remove reaction", err)
		}
		return false, nil
	case errors.Is(err, chaterr.ErrNotFound):
		inserted, err := a.repo.Insert(ctx, &models.Reaction{MessageID: messageID, UserID: userID, Emoji: emoji})
		if err != nil {
			return false, chaterr.Transient("add reaction", err)
		}
		if !inserted {
			a.logger.Debug("reaction_already_present", "message_id", messageID, "user_id", userID)
		}
		return true, nil
	default:
		return false, chaterr.Transient("find reaction", err)
	}
}

// Load returns every reaction row on the given messages.
func (a *Aggregator) Load(ctx context.Context, messageIDs []string) ([]models.Reaction, error) {
	ids := make([]string, 0, len(messageIDs))
	for _, id := range messageIDs {
		if !models.IsTempID(id) {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return []models.Reaction{}, nil
	}
	rows, err := a.repo.ListByMessages(ctx, ids)
	if err != nil {
		return nil, chaterr.Transient("load reactions", err)
	}
	return rows, nil
}

// Aggregate counts rows per message and emoji. Duplicate triples count once.
// Summaries are ordered by the emoji's first appearance on the message.
func Aggregate(rows []models.Reaction, currentUserID string) map[string][]Summary {
	type bucket struct {
		summary Summary
		first   time.Time
	}
	seen := make(map[models.ReactionKey]struct{}, len(rows))
	buckets := make(map[string]map[string]*bucket)

	for _, row := range rows {
		if _, dup := seen[row.Key()]; dup {
			continue
		}
		seen[row.Key()] = struct{}{}

		byEmoji, ok := buckets[row.MessageID]
		if !ok {
			byEmoji = make(map[string]*bucket)
			buckets[row.MessageID] = byEmoji
		}
		b, ok := byEmoji[row.Emoji]
		if !ok {
			b = &bucket{summary: Summary{Emoji: row.Emoji}, first: row.CreatedAt}
			byEmoji[row.Emoji] = b
		}
		b.summary.Count++
		if row.UserID == currentUserID {
			b.summary.Mine = true
		}
		if row.CreatedAt.Before(b.first) {
			b.first = row.CreatedAt
		}
	}

	out := make(map[string][]Summary, len(buckets))
	for messageID, byEmoji := range buckets {
		list := make([]*bucket, 0, len(byEmoji))
		for _, b := range byEmoji {
			list = append(list, b)
		}
		sort.Slice(list, func(i, j int) bool {
			if !list[i].first.Equal(list[j].first) {
				return list[i].first.Before(list[j].first)
			}
			return list[i].summary.Emoji < list[j].summary.Emoji
		})
		summaries := make([]Summary, len(list))
		for i, b := range list {
			summaries[i] = b.summary
		}
		out[messageID] = summaries
	}
	return out
}
