package repository

import (
	"context"
	"errors"
	"fmt"

	"roomsync/internal/chat/chaterr"
	"roomsync/internal/chat/models"

	"gorm.io/gorm"
)

type messageRepository struct {
	db *gorm.DB
}

func NewMessageRepository(db *gorm.DB) MessageRepository {
	return &messageRepository{db: db}
}

func (r *messageRepository) Insert(ctx context.Context, msg *models.ChatMessage) error {
	err := r.db.WithContext(ctx).Create(msg).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("insert message: %w", chaterr.ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (r *messageRepository) Get(ctx context.Context, id string) (*models.ChatMessage, error) {
	var msg models.ChatMessage
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&msg).Error; err != nil {
		return nil, translate("get message", err)
	}
	return &msg, nil
}

func (r *messageRepository) GetBySubmission(ctx context.Context, submissionID string) (*models.ChatMessage, error) {
	var msg models.ChatMessage
	if err := r.db.WithContext(ctx).Where("submission_id = ?", submissionID).First(&msg).Error; err != nil {
		return nil, translate("get message by submission", err)
	}
	return &msg, nil
}

func (r *messageRepository) Update(ctx context.Context, msg *models.ChatMessage) error {
	result := r.db.WithContext(ctx).
		Model(&models.ChatMessage{}).
		Where("id = ?", msg.ID).
		Updates(map[string]any{"body": msg.Body, "edited_at": msg.EditedAt})
	if result.Error != nil {
		return fmt.Errorf("update message: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("update message %s: %w", msg.ID, chaterr.ErrNotFound)
	}
	return nil
}

func (r *messageRepository) ListAfter(ctx context.Context, cursor models.MessageCursor, limit int) ([]models.ChatMessage, error) {
	var messages []models.ChatMessage
	q := r.db.WithContext(ctx).Order("created_at ASC, id ASC").Limit(limit)
	if !cursor.IsZero() {
		q = q.Where("created_at > ? OR (created_at = ? AND id > ?)", cursor.CreatedAt, cursor.CreatedAt, cursor.ID)
	}
	if err := q.Find(&messages).Error; err != nil {
		return nil, fmt.Errorf("list messages after cursor: %w", err)
	}
	return messages, nil
}

func (r *messageRepository) ListBefore(ctx context.Context, cursor models.MessageCursor, limit int) ([]models.ChatMessage, error) {
	var messages []models.ChatMessage
	err := r.db.WithContext(ctx).
		Where("created_at < ? OR (created_at = ? AND id < ?)", cursor.CreatedAt, cursor.CreatedAt, cursor.ID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&messages).Error
	if err != nil {
		return nil, fmt.Errorf("list messages before cursor: %w", err)
	}
	reverse(messages)
	return messages, nil
}

func (r *messageRepository) ListLatest(ctx context.Context, limit int) ([]models.ChatMessage, error) {
	var messages []models.ChatMessage
	err := r.db.WithContext(ctx).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&messages).Error
	if err != nil {
		return nil, fmt.Errorf("list latest messages: %w", err)
	}
	reverse(messages)
	return messages, nil
}

func reverse(messages []models.ChatMessage) {
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
}

func translate(op string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", op, chaterr.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}
