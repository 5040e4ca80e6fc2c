package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Reaction is a single (message, user, emoji) row. The store keeps the triple unique.
type Reaction struct {
	ID        string    `gorm:"type:uuid;primaryKey" json:"id"`
	MessageID string    `gorm:"type:uuid;not null;uniqueIndex:ux_chat_reactions_triple,priority:1" json:"message_id"`
	UserID    string    `gorm:"type:uuid;not null;uniqueIndex:ux_chat_reactions_triple,priority:2" json:"user_id"`
	Emoji     string    `gorm:"type:varchar(64);not null;uniqueIndex:ux_chat_reactions_triple,priority:3" json:"emoji"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (Reaction) TableName() string {
	return "chat_reactions"
}

func (r *Reaction) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return nil
}

// ReactionKey identifies a reaction independently of its row id.
type ReactionKey struct {
	MessageID string
	UserID    string
	Emoji     string
}

func (r Reaction) Key() ReactionKey {
	return ReactionKey{MessageID: r.MessageID, UserID: r.UserID, Emoji: r.Emoji}
}
