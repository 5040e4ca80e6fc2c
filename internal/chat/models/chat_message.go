package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// TempIDPrefix marks ids that only exist in a client's optimistic view.
const TempIDPrefix = "tmp-"

type ChatMessage struct {
	ID           string     `gorm:"type:uuid;primaryKey" json:"id"`
	AuthorID     string     `gorm:"type:uuid;not null;index" json:"author_id"`
	Body         string     `gorm:"type:text;not null" json:"body"`
	ReplyToID    *string    `gorm:"type:uuid;index" json:"reply_to_id,omitempty"`
	SubmissionID string     `gorm:"type:uuid;uniqueIndex:ux_chat_messages_submission" json:"submission_id,omitempty"`
	CreatedAt    time.Time  `gorm:"not null;index:idx_chat_messages_order,priority:1" json:"created_at"`
	EditedAt     *time.Time `json:"edited_at,omitempty"`
}

func (ChatMessage) TableName() string {
	return "chat_messages"
}

// BeforeCreate assigns the server-side id; clients never pick it.
func (m *ChatMessage) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" || IsTempID(m.ID) {
		m.ID = uuid.NewString()
	}
	return nil
}

// IsTemp reports whether the message is an unconfirmed local echo.
func (m ChatMessage) IsTemp() bool {
	return IsTempID(m.ID)
}

func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// NewTempID returns a temporary id that is never reused.
func NewTempID() string {
	return TempIDPrefix + uuid.NewString()
}

// Less orders messages by (created_at, id) ascending.
func (m ChatMessage) Less(o ChatMessage) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.ID < o.ID
}

// MessageCursor is a position in the (created_at, id) order.
type MessageCursor struct {
	CreatedAt time.Time `json:"created_at"`
	ID        string    `json:"id"`
}

// CursorOf returns the cursor positioned at m.
func CursorOf(m ChatMessage) MessageCursor {
	return MessageCursor{CreatedAt: m.CreatedAt, ID: m.ID}
}

// IsZero reports whether the cursor points before the first message.
func (c MessageCursor) IsZero() bool {
	return c.CreatedAt.IsZero() && c.ID == ""
}

// After reports whether m sorts strictly after the cursor.
func (c MessageCursor) After(m ChatMessage) bool {
	return ChatMessage{ID: c.ID, CreatedAt: c.CreatedAt}.Less(m)
}
