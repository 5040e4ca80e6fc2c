package dispatcher

import (
	"time"

	"roomsync/internal/chat/messagelog"
	"roomsync/internal/chat/models"
	"roomsync/internal/chat/presence"
	"roomsync/internal/chat/reaction"
)

// ClientView is the rendered state of one session. It is derived data only.
type ClientView struct {
	UserID      string                        `json:"user_id"`
	State       string                        `json:"state"`
	Messages    []models.ChatMessage          `json:"messages"`
	Roster      []presence.RosterEntry        `json:"roster"`
	Reactions   map[string][]reaction.Summary `json:"reactions"`
	Stale       bool                          `json:"stale"`
	GeneratedAt time.Time                     `json:"generated_at"`
}

// Inputs is everything a ClientView is computed from.
type Inputs struct {
	UserID         string
	State          State
	Stale          bool
	Messages       []models.ChatMessage
	Presence       []models.PresenceRecord
	Reactions      []models.Reaction
	LivenessWindow time.Duration
	TypingWindow   time.Duration
}

// Project computes a ClientView from in at the given clock. It does not
// modify in, and equal inputs always give equal views.
func Project(in Inputs, now time.Time) ClientView {
	msgs := messagelog.Sort(append([]models.ChatMessage(nil), in.Messages...))

	visible := make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		visible[m.ID] = struct{}{}
	}
	rows := make([]models.Reaction, 0, len(in.Reactions))
	for _, r := range in.Reactions {
		if _, ok := visible[r.MessageID]; ok {
			rows = append(rows, r)
		}
	}

	return ClientView{
		UserID:      in.UserID,
		State:       in.State.String(),
		Messages:    msgs,
		Roster:      presence.FilterRoster(in.Presence, now, in.LivenessWindow, in.TypingWindow),
		Reactions:   reaction.Aggregate(rows, in.UserID),
		Stale:       in.Stale,
		GeneratedAt: now,
	}
}
