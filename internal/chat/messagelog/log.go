// Package messagelog is the append-only, ordered message sequence of the chat
// room, backed by a MessageRepository.
package messagelog

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"roomsync/internal/chat/chaterr"
	"roomsync/internal/chat/models"
	"roomsync/internal/chat/repository"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
)

const (
	MaxBodyLength   = 4000
	DefaultPageSize = 50
)

// Draft is a message as submitted, before the store assigns its id.
type Draft struct {
	AuthorID     string
	Body         string
	ReplyToID    *string
	SubmissionID string
}

type Log struct {
	repo     repository.MessageRepository
	policy   *bluemonday.Policy
	pageSize int
	now      func() time.Time
	logger   *slog.Logger
}

func New(repo repository.MessageRepository, pageSize int) *Log {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Log{
		repo:     repo,
		policy:   bluemonday.StrictPolicy(),
		pageSize: pageSize,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   slog.Default(),
	}
}

// WithClock sets the clock used to stamp edits.
func (l *Log) WithClock(now func() time.Time) *Log {
	l.now = now
	return l
}

func (l *Log) PageSize() int {
	return l.pageSize
}

// NormalizeBody strips markup and surrounding whitespace and enforces the body
// rules. The sanitizer escapes the text it keeps, so the result is unescaped
// again: bodies are stored as plain text.
func (l *Log) NormalizeBody(body string) (string, error) {
	clean := strings.TrimSpace(html.UnescapeString(l.policy.Sanitize(body)))
	if clean == "" {
		return "", invalid("body", "must not be empty")
	}
	if utf8.RuneCountInString(clean) > MaxBodyLength {
		return "", invalid("body", fmt.Sprintf("must be at most %d characters", MaxBodyLength))
	}
	return clean, nil
}

// Prepare validates a draft without touching the store. Reply targets are only
// checked for shape here; Append checks that they exist.
func (l *Log) Prepare(d Draft) (Draft, error) {
	if d.AuthorID == "" {
		return d, invalid("author_id", "required")
	}
	body, err := l.NormalizeBody(d.Body)
	if err != nil {
		return d, err
	}
	d.Body = body
	if d.ReplyToID != nil {
		reply := strings.TrimSpace(*d.ReplyToID)
		switch {
		case reply == "":
			d.ReplyToID = nil
		case models.IsTempID(reply):
			return d, invalid("reply_to_id", "cannot reply to an unconfirmed message")
		default:
			d.ReplyToID = &reply
		}
	}
	return d, nil
}

// Append validates and stores a draft. The returned row is authoritative. A
// SubmissionID that is already stored returns the earlier row instead of a duplicate.
func (l *Log) Append(ctx context.Context, d Draft) (*models.ChatMessage, error) {
	d, err := l.Prepare(d)
	if err != nil {
		return nil, err
	}
	if d.ReplyToID != nil {
		if _, err := l.repo.Get(ctx, *d.ReplyToID); err != nil {
			if errors.Is(err, chaterr.ErrNotFound) {
				return nil, invalid("reply_to_id", "message does not exist")
			}
			return nil, chaterr.Transient("check reply target", err)
		}
	}
	if d.SubmissionID == "" {
		d.SubmissionID = uuid.NewString()
	}

	msg := &models.ChatMessage{
		AuthorID:     d.AuthorID,
		Body:         d.Body,
		ReplyToID:    d.ReplyToID,
		SubmissionID: d.SubmissionID,
	}
	err = l.repo.Insert(ctx, msg)
	if errors.Is(err, chaterr.ErrDuplicate) {
		return l.resubmitted(ctx, d)
	}
	if err != nil {
		return nil, chaterr.Transient("append message", err)
	}
	return msg, nil
}

func (l *Log) resubmitted(ctx context.Context, d Draft) (*models.ChatMessage, error) {
	existing, err := l.repo.GetBySubmission(ctx, d.SubmissionID)
	if err != nil {
		return nil, chaterr.Transient("load resubmitted message", err)
	}
	if existing.AuthorID != d.AuthorID {
		return nil, fmt.Errorf("submission %s belongs to another author: %w", d.SubmissionID, chaterr.ErrForbidden)
	}
	l.logger.Info("message_resubmitted", "submission_id", d.SubmissionID, "message_id", existing.ID)
	return existing, nil
}

// List returns up to limit messages strictly after since, or from the beginning
// when since is nil. Feeding the last returned message back as the cursor
// resumes the sequence.
func (l *Log) List(ctx context.Context, since *models.MessageCursor, limit int) ([]models.ChatMessage, error) {
	var cursor models.MessageCursor
	if since != nil {
		cursor = *since
	}
	msgs, err := l.repo.ListAfter(ctx, cursor, l.limit(limit))
	if err != nil {
		return nil, chaterr.Transient("list messages", err)
	}
	return Sort(msgs), nil
}

// Recent returns the newest limit messages in ascending order.
func (l *Log) Recent(ctx context.Context, limit int) ([]models.ChatMessage, error) {
	msgs, err := l.repo.ListLatest(ctx, l.limit(limit))
	if err != nil {
		return nil, chaterr.Transient("list recent messages", err)
	}
	return Sort(msgs), nil
}

// Before returns the page of history that ends just before cursor.
func (l *Log) Before(ctx context.Context, cursor models.MessageCursor, limit int) ([]models.ChatMessage, error) {
	if cursor.IsZero() {
		return l.Recent(ctx, limit)
	}
	msgs, err := l.repo.ListBefore(ctx, cursor, l.limit(limit))
	if err != nil {
		return nil, chaterr.Transient("list older messages", err)
	}
	return Sort(msgs), nil
}

// Edit replaces the body of a message. Only the author may edit, and only once.
func (l *Log) Edit(ctx context.Context, id, authorID, body string) (*models.ChatMessage, error) {
	if models.IsTempID(id) {
		return nil, invalid("id", "cannot edit an unconfirmed message")
	}
	clean, err := l.NormalizeBody(body)
	if err != nil {
		return nil, err
	}
	msg, err := l.repo.Get(ctx, id)
	if err != nil {
		return nil, chaterr.Transient("load message for edit", err)
	}
	if msg.AuthorID != authorID {
		return nil, fmt.Errorf("edit message %s: %w", id, chaterr.ErrForbidden)
	}
	if msg.EditedAt != nil {
		return nil, fmt.Errorf("edit message %s: %w", id, chaterr.ErrAlreadyEdited)
	}

	editedAt := l.now()
	msg.Body = clean
	msg.EditedAt = &editedAt
	if err := l.repo.Update(ctx, msg); err != nil {
		return nil, chaterr.Transient("edit message", err)
	}
	return msg, nil
}

// MaxPageSize is the largest page a caller may ask for.
func (l *Log) MaxPageSize() int {
	return l.pageSize * 4
}

func (l *Log) limit(n int) int {
	if n <= 0 {
		return l.pageSize
	}
	return min(n, l.MaxPageSize())
}
