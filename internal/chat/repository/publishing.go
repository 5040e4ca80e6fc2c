package repository

import (
	"context"
	"log/slog"
	"time"

	"roomsync/internal/chat/feed"
	"roomsync/internal/chat/models"
)

// WithPublishing wraps every repository so that successful writes announce a
// change event on f. Stores backed by postgres triggers do not need this.
func WithPublishing(s Store, f feed.Feed) Store {
	p := publisher{feed: f, logger: slog.Default()}
	return Store{
		Messages:  publishingMessages{MessageRepository: s.Messages, pub: p},
		Presence:  publishingPresence{PresenceRepository: s.Presence, pub: p},
		Reactions: publishingReactions{ReactionRepository: s.Reactions, pub: p},
	}
}

// PublishingPresence wraps a presence repository kept outside the main store,
// such as the Redis one, whose writes no database trigger sees.
func PublishingPresence(r PresenceRepository, f feed.Feed) PresenceRepository {
	return publishingPresence{PresenceRepository: r, pub: publisher{feed: f, logger: slog.Default()}}
}

type publisher struct {
	feed   feed.Feed
	logger *slog.Logger
}

// publish never fails the write it follows; a lost event is covered by the
// subscribers' periodic resync.
func (p publisher) publish(ctx context.Context, t models.ChangeType, table models.Table, record any) {
	ev, err := models.NewChangeEvent(t, table, record)
	if err != nil {
		p.logger.Error("change_event_encode_failed", "table", table, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := p.feed.Publish(ctx, ev); err != nil {
		p.logger.Warn("change_event_publish_failed", "table", table, "type", t, "error", err)
	}
}

type publishingMessages struct {
	MessageRepository
	pub publisher
}

func (r publishingMessages) Insert(ctx context.Context, msg *models.ChatMessage) error {
	if err := r.MessageRepository.Insert(ctx, msg); err != nil {
		return err
	}
	r.pub.publish(ctx, models.ChangeInsert, models.TableMessages, map[string]string{"id": msg.ID})
	return nil
}

func (r publishingMessages) Update(ctx context.Context, msg *models.ChatMessage) error {
	if err := r.MessageRepository.Update(ctx, msg); err != nil {
		return err
	}
	r.pub.publish(ctx, models.ChangeUpdate, models.TableMessages, map[string]string{"id": msg.ID})
	return nil
}

type publishingPresence struct {
	PresenceRepository
	pub publisher
}

func (r publishingPresence) Upsert(ctx context.Context, rec *models.PresenceRecord) error {
	if err := r.PresenceRepository.Upsert(ctx, rec); err != nil {
		return err
	}
	r.pub.publish(ctx, models.ChangeUpdate, models.TablePresence, map[string]string{"user_id": rec.UserID})
	return nil
}

type publishingReactions struct {
	ReactionRepository
	pub publisher
}

func (r publishingReactions) Insert(ctx context.Context, reaction *models.Reaction) (bool, error) {
	inserted, err := r.ReactionRepository.Insert(ctx, reaction)
	if err != nil || !inserted {
		return inserted, err
	}
	r.pub.publish(ctx, models.ChangeInsert, models.TableReactions, reactionRef(reaction.Key(), reaction.ID))
	return true, nil
}

func (r publishingReactions) Delete(ctx context.Context, key models.ReactionKey) (bool, error) {
	deleted, err := r.ReactionRepository.Delete(ctx, key)
	if err != nil || !deleted {
		return deleted, err
	}
	r.pub.publish(ctx, models.ChangeDelete, models.TableReactions, reactionRef(key, ""))
	return true, nil
}

func reactionRef(key models.ReactionKey, id string) map[string]string {
	return map[string]string{"id": id, "message_id": key.MessageID, "user_id": key.UserID, "emoji": key.Emoji}
}
