package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"roomsync/internal/chat/chaterr"
	"roomsync/internal/chat/models"

	"github.com/google/uuid"
)

// MemoryStore is an in-process implementation of all three repositories. It
// enforces the same constraints as the SQL schema and backs development mode
// and the engine tests.
type MemoryStore struct {
	mu        sync.RWMutex
	now       func() time.Time
	messages  map[string]models.ChatMessage
	bySubmit  map[string]string
	presence  map[string]models.PresenceRecord
	reactions map[models.ReactionKey]models.Reaction
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:       func() time.Time { return time.Now().UTC() },
		messages:  make(map[string]models.ChatMessage),
		bySubmit:  make(map[string]string),
		presence:  make(map[string]models.PresenceRecord),
		reactions: make(map[models.ReactionKey]models.Reaction),
	}
}

// WithClock replaces the clock used to stamp created_at.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

// Store exposes the memory store through the repository bundle.
func (s *MemoryStore) Store() Store {
	return Store{
		Messages:  memoryMessages{s},
		Presence:  memoryPresence{s},
		Reactions: memoryReactions{s},
	}
}

type memoryMessages struct{ s *MemoryStore }

func (m memoryMessages) Insert(ctx context.Context, msg *models.ChatMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	if msg.SubmissionID != "" {
		if _, exists := m.s.bySubmit[msg.SubmissionID]; exists {
			return fmt.Errorf("insert message: %w", chaterr.ErrDuplicate)
		}
	}
	if msg.ID == "" || models.IsTempID(msg.ID) {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = m.s.now()
	}
	m.s.messages[msg.ID] = *msg
	if msg.SubmissionID != "" {
		m.s.bySubmit[msg.SubmissionID] = msg.ID
	}
	return nil
}

func (m memoryMessages) Get(ctx context.Context, id string) (*models.ChatMessage, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	msg, ok := m.s.messages[id]
	if !ok {
		return nil, fmt.Errorf("get message %s: %w", id, chaterr.ErrNotFound)
	}
	return &msg, nil
}

func (m memoryMessages) GetBySubmission(ctx context.Context, submissionID string) (*models.ChatMessage, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	id, ok := m.s.bySubmit[submissionID]
	if !ok {
		return nil, fmt.Errorf("get message by submission %s: %w", submissionID, chaterr.ErrNotFound)
	}
	msg := m.s.messages[id]
	return &msg, nil
}

func (m memoryMessages) Update(ctx context.Context, msg *models.ChatMessage) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	cur, ok := m.s.messages[msg.ID]
	if !ok {
		return fmt.Errorf("update message %s: %w", msg.ID, chaterr.ErrNotFound)
	}
	cur.Body = msg.Body
	cur.EditedAt = msg.EditedAt
	m.s.messages[msg.ID] = cur
	return nil
}

func (m memoryMessages) sorted() []models.ChatMessage {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	out := make([]models.ChatMessage, 0, len(m.s.messages))
	for _, msg := range m.s.messages {
		out = append(out, msg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

func (m memoryMessages) ListAfter(ctx context.Context, cursor models.MessageCursor, limit int) ([]models.ChatMessage, error) {
	out := make([]models.ChatMessage, 0, limit)
	for _, msg := range m.sorted() {
		if len(out) == limit {
			break
		}
		if cursor.IsZero() || cursor.After(msg) {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (m memoryMessages) ListBefore(ctx context.Context, cursor models.MessageCursor, limit int) ([]models.ChatMessage, error) {
	all := m.sorted()
	end := 0
	for end < len(all) && all[end].Less(models.ChatMessage{ID: cursor.ID, CreatedAt: cursor.CreatedAt}) {
		end++
	}
	return tail(all[:end], limit), nil
}

func (m memoryMessages) ListLatest(ctx context.Context, limit int) ([]models.ChatMessage, error) {
	return tail(m.sorted(), limit), nil
}

func tail(messages []models.ChatMessage, limit int) []models.ChatMessage {
	if len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	out := make([]models.ChatMessage, len(messages))
	copy(out, messages)
	return out
}

type memoryPresence struct{ s *MemoryStore }

func (p memoryPresence) Upsert(ctx context.Context, rec *models.PresenceRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	cur, ok := p.s.presence[rec.UserID]
	if !ok {
		p.s.presence[rec.UserID] = *rec
		return nil
	}
	p.s.presence[rec.UserID] = cur.Merge(*rec)
	return nil
}

func (p memoryPresence) ListSince(ctx context.Context, since time.Time) ([]models.PresenceRecord, error) {
	p.s.mu.RLock()
	defer p.s.mu.RUnlock()
	out := make([]models.PresenceRecord, 0, len(p.s.presence))
	for _, rec := range p.s.presence {
		if !rec.LastSeenAt.Before(since) {
			out = append(out, rec)
		}
	}
	sortPresence(out)
	return out, nil
}

type memoryReactions struct{ s *MemoryStore }

func (r memoryReactions) Find(ctx context.Context, key models.ReactionKey) (*models.Reaction, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	reaction, ok := r.s.reactions[key]
	if !ok {
		return nil, fmt.Errorf("find reaction: %w", chaterr.ErrNotFound)
	}
	return &reaction, nil
}

func (r memoryReactions) Insert(ctx context.Context, reaction *models.Reaction) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, exists := r.s.reactions[reaction.Key()]; exists {
		return false, nil
	}
	if reaction.ID == "" {
		reaction.ID = uuid.NewString()
	}
	if reaction.CreatedAt.IsZero() {
		reaction.CreatedAt = r.s.now()
	}
	r.s.reactions[reaction.Key()] = *reaction
	return true, nil
}

func (r memoryReactions) Delete(ctx context.Context, key models.ReactionKey) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, exists := r.s.reactions[key]; !exists {
		return false, nil
	}
	delete(r.s.reactions, key)
	return true, nil
}

func (r memoryReactions) ListByMessages(ctx context.Context, messageIDs []string) ([]models.Reaction, error) {
	want := make(map[string]struct{}, len(messageIDs))
	for _, id := range messageIDs {
		want[id] = struct{}{}
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := make([]models.Reaction, 0)
	for _, reaction := range r.s.reactions {
		if _, ok := want[reaction.MessageID]; ok {
			out = append(out, reaction)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func sortPresence(records []models.PresenceRecord) {
	sort.Slice(records, func(i, j int) bool { return records[i].UserID < records[j].UserID })
}
