// Package echo stages a session's own messages for immediate display and
// reconciles them with the authoritative rows once the store confirms them.
package echo

import (
	"sort"
	"sync"
	"time"

	"roomsync/internal/chat/models"

	"github.com/google/uuid"
)

const DefaultMatchWindow = 10 * time.Second

type State int

const (
	Pending State = iota
	Confirmed
	RolledBack
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Confirmed:
		return "confirmed"
	case RolledBack:
		return "rolled_back"
	default:
		return "unknown"
	}
}

// Entry is one staged submission. Temp is what renders while Pending; Message
// replaces it once Confirmed.
type Entry struct {
	SubmissionID string
	State        State
	Temp         models.ChatMessage
	Message      *models.ChatMessage
	Err          error
}

// visible returns what the entry renders as.
func (e *Entry) visible() models.ChatMessage {
	if e.State == Confirmed && e.Message != nil {
		return *e.Message
	}
	return e.Temp
}

// Pipeline holds the staged submissions of one author. Safe for concurrent use.
// claimed holds the ids of rows already owned by an entry; a row is never
// matched twice.
type Pipeline struct {
	mu       sync.Mutex
	authorID string
	window   time.Duration
	now      func() time.Time
	order    []string
	entries  map[string]*Entry
	claimed  map[string]struct{}
}

func NewPipeline(authorID string, matchWindow time.Duration) *Pipeline {
	if matchWindow <= 0 {
		matchWindow = DefaultMatchWindow
	}
	return &Pipeline{
		authorID: authorID,
		window:   matchWindow,
		now:      func() time.Time { return time.Now().UTC() },
		entries:  make(map[string]*Entry),
		claimed:  make(map[string]struct{}),
	}
}

func (p *Pipeline) WithClock(now func() time.Time) *Pipeline {
	p.now = now
	return p
}

// Stage creates a temporary message under a fresh submission id.
func (p *Pipeline) Stage(body string, replyTo *string) *Entry {
	p.mu.Lock()
	defer p.mu.Unlock()

	e := &Entry{
		SubmissionID: uuid.NewString(),
		State:        Pending,
		Temp: models.ChatMessage{
			ID:        models.NewTempID(),
			AuthorID:  p.authorID,
			Body:      body,
			ReplyToID: replyTo,
			CreatedAt: p.now(),
		},
	}
	e.Temp.SubmissionID = e.SubmissionID
	p.entries[e.SubmissionID] = e
	p.order = append(p.order, e.SubmissionID)
	cp := *e
	return &cp
}

// Confirm replaces the temporary message with msg. It reports false when the
// entry is unknown or already resolved, so a duplicate echo changes nothing.
func (p *Pipeline) Confirm(submissionID string, msg models.ChatMessage) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[submissionID]
	if !ok || e.State != Pending {
		return false
	}
	e.State = Confirmed
	e.Message = &msg
	p.claimed[msg.ID] = struct{}{}
	return true
}

// RollBack removes a pending entry after its append failed.
func (p *Pipeline) RollBack(submissionID string, err error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[submissionID]
	if !ok || e.State != Pending {
		return false
	}
	e.State = RolledBack
	e.Err = err
	p.remove(submissionID)
	return true
}

// Len is the number of entries still overlaid.
func (p *Pipeline) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Overlay merges the staged entries onto an authoritative message list and
// returns the list to render, ordered by (created_at, id) with unique ids.
//
// A pending entry whose echo is already in the list is confirmed and hidden.
// The echo is found by submission id, or by author, body and a created_at
// within the match window when the row carries no submission id. A confirmed
// entry stays visible until the list contains its row, then it is retired.
func (p *Pipeline) Overlay(authoritative []models.ChatMessage) []models.ChatMessage {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]models.ChatMessage, 0, len(authoritative)+len(p.entries))
	byID := make(map[string]struct{}, len(authoritative))
	bySubmission := make(map[string]models.ChatMessage)
	for _, m := range authoritative {
		if _, dup := byID[m.ID]; dup {
			continue
		}
		byID[m.ID] = struct{}{}
		if m.SubmissionID != "" {
			bySubmission[m.SubmissionID] = m
		}
		out = append(out, m)
	}
	rows := out[:len(out):len(out)]

	var retired []string
	for _, sid := range p.order {
		e := p.entries[sid]
		if e.State == Pending {
			if row, ok := bySubmission[sid]; ok {
				e.State, e.Message = Confirmed, &row
			} else if row, ok := p.matchTuple(e, rows); ok {
				e.State, e.Message = Confirmed, &row
			}
		}
		if e.State == Confirmed {
			if _, present := byID[e.Message.ID]; present || p.beforeWindow(*e.Message, rows) {
				retired = append(retired, sid)
				continue
			}
		}
		out = append(out, e.visible())
	}
	for _, sid := range retired {
		p.remove(sid)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

func (p *Pipeline) matchTuple(e *Entry, rows []models.ChatMessage) (models.ChatMessage, bool) {
	for _, row := range rows {
		if row.SubmissionID != "" || row.AuthorID != e.Temp.AuthorID || row.Body != e.Temp.Body {
			continue
		}
		if _, taken := p.claimed[row.ID]; taken {
			continue
		}
		delta := row.CreatedAt.Sub(e.Temp.CreatedAt)
		if delta < 0 {
			delta = -delta
		}
		if delta <= p.window {
			p.claimed[row.ID] = struct{}{}
			return row, true
		}
	}
	return models.ChatMessage{}, false
}

// beforeWindow reports whether msg sorts before every authoritative row, which
// means the re-fetch window has already moved past it.
func (p *Pipeline) beforeWindow(msg models.ChatMessage, rows []models.ChatMessage) bool {
	if len(rows) == 0 {
		return false
	}
	first := rows[0]
	for _, r := range rows[1:] {
		if r.Less(first) {
			first = r
		}
	}
	return msg.Less(first)
}

func (p *Pipeline) remove(sid string) {
	delete(p.entries, sid)
	for i, s := range p.order {
		if s == sid {
			p.order = append(p.order[:i], p.order[i+1:]...)
			return
		}
	}
}
