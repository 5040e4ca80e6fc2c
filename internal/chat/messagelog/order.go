package messagelog

import (
	"encoding/base64"
	"encoding/json"
	"sort"

	"roomsync/internal/chat/models"
)

// Sort orders messages by (created_at, id) in place, dropping repeated ids.
// When an id repeats, the later occurrence wins.
func Sort(msgs []models.ChatMessage) []models.ChatMessage {
	if len(msgs) < 2 {
		return msgs
	}
	last := make(map[string]int, len(msgs))
	for i, m := range msgs {
		last[m.ID] = i
	}
	out := msgs[:0]
	for i, m := range msgs {
		if last[m.ID] == i {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// EncodeCursor renders a cursor as an opaque URL-safe token.
func EncodeCursor(c models.MessageCursor) string {
	raw, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(raw)
}

func DecodeCursor(token string) (models.MessageCursor, error) {
	var c models.MessageCursor
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return c, invalid("cursor", "malformed")
	}
	if err := json.Unmarshal(raw, &c); err != nil || c.ID == "" {
		return c, invalid("cursor", "malformed")
	}
	return c, nil
}
