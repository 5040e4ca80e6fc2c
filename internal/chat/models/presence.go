package models

import "time"

// PresenceRecord is one user's liveness row, overwritten by its owner on every heartbeat.
type PresenceRecord struct {
	UserID          string    `gorm:"type:uuid;primaryKey" json:"user_id"`
	LastSeenAt      time.Time `gorm:"not null;index" json:"last_seen_at"`
	IsTyping        bool      `gorm:"not null;default:false" json:"is_typing"`
	TypingUpdatedAt time.Time `gorm:"not null" json:"typing_updated_at"`
}

func (PresenceRecord) TableName() string {
	return "chat_presence"
}

// Merge applies an incoming heartbeat to the stored record the way the store upsert does:
// last_seen_at never moves backwards and a stale typing update never wins.
func (p PresenceRecord) Merge(in PresenceRecord) PresenceRecord {
	out := p
	if in.LastSeenAt.After(out.LastSeenAt) {
		out.LastSeenAt = in.LastSeenAt
	}
	if !in.TypingUpdatedAt.Before(out.TypingUpdatedAt) {
		out.IsTyping = in.IsTyping
		out.TypingUpdatedAt = in.TypingUpdatedAt
	}
	return out
}
