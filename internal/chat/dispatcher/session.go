// Package dispatcher runs one synchronization session per connected client.
// A session merges change feed triggers and a fallback re-fetch timer into a
// single ClientView. Feed events only decide what to re-fetch; the re-fetched
// rows always replace the corresponding slice.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"roomsync/internal/chat/chaterr"
	"roomsync/internal/chat/echo"
	"roomsync/internal/chat/feed"
	"roomsync/internal/chat/messagelog"
	"roomsync/internal/chat/models"
	"roomsync/internal/chat/presence"
	"roomsync/internal/chat/reaction"

	"github.com/google/uuid"
)

type State int

const (
	Idle State = iota
	Subscribed
	Resyncing
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Subscribed:
		return "subscribed"
	case Resyncing:
		return "resyncing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// slice is a bit set of the independently re-fetched parts of the view.
type slice uint8

const (
	sliceMessages slice = 1 << iota
	slicePresence
	sliceReactions

	allSlices = sliceMessages | slicePresence | sliceReactions
)

func sliceFor(t models.Table) slice {
	switch t {
	case models.TableMessages:
		return sliceMessages
	case models.TablePresence:
		return slicePresence
	case models.TableReactions:
		return sliceReactions
	default:
		return 0
	}
}

// Engine opens sessions that share one set of collaborators.
type Engine struct {
	deps Deps
	opts Options
}

func NewEngine(deps Deps, opts Options) *Engine {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Engine{deps: deps, opts: opts.withDefaults()}
}

func (e *Engine) Options() Options {
	return e.opts
}

// pendingReaction is a toggle shown before the reaction slice reflects it.
// Once confirmed it is kept until a re-fetch that started after the
// confirmation has merged.
type pendingReaction struct {
	present      bool
	confirmed    bool
	confirmedGen uint64
}

type Session struct {
	id     string
	userID string
	deps   Deps
	opts   Options
	logger *slog.Logger

	pipeline *echo.Pipeline
	typist   *presence.Typist

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	// owned by the run goroutine until it exits
	sub feed.Subscription

	wake      chan struct{}
	heartbeat chan struct{}

	mu          sync.Mutex
	state       State
	closed      bool
	requested   slice
	stale       slice
	messages    []models.ChatMessage
	presence    []models.PresenceRecord
	reactions   []models.Reaction
	overlay     map[models.ReactionKey]*pendingReaction
	reactionGen uint64
	updates     chan ClientView
}

// Open starts a session for userID. The session subscribes to the feed,
// sends its room-visit heartbeat and loads every slice in the background.
// A feed that cannot be reached leaves the session Idle on timer re-fetches
// until a later subscribe succeeds.
func (e *Engine) Open(ctx context.Context, userID string) (*Session, error) {
	if userID == "" {
		return nil, fmt.Errorf("open session without user: %w", chaterr.ErrValidation)
	}
	s := &Session{
		id:        uuid.NewString(),
		userID:    userID,
		deps:      e.deps,
		opts:      e.opts,
		pipeline:  echo.NewPipeline(userID, e.opts.EchoMatchWindow).WithClock(e.opts.Clock),
		wake:      make(chan struct{}, 1),
		heartbeat: make(chan struct{}, 1),
		state:     Idle,
		overlay:   make(map[models.ReactionKey]*pendingReaction),
		updates:   make(chan ClientView, 1),
	}
	s.logger = e.deps.Logger.With("session_id", s.id, "user_id", userID)
	s.typist = presence.NewTypist(e.opts.TypingThrottle, e.opts.TypingQuietPeriod, func(bool) {
		signal(s.heartbeat)
	})
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))

	s.subscribe()

	s.wg.Add(2)
	go s.run()
	go s.heartbeats()

	e.deps.Metrics.SessionOpened()
	s.logger.Info("session_opened", "state", s.State().String())
	return s, nil
}

func (s *Session) ID() string { return s.id }

func (s *Session) UserID() string { return s.userID }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Updates delivers the latest view after every change. Only the newest view
// is kept when the reader falls behind. The channel is closed by Close.
func (s *Session) Updates() <-chan ClientView {
	return s.updates
}

// View projects the current slices at the current clock, so typing flags
// expire even when nothing was re-fetched.
func (s *Session) View() ClientView {
	s.mu.Lock()
	in := s.inputsLocked()
	s.mu.Unlock()
	return Project(in, s.opts.Clock())
}

func (s *Session) inputsLocked() Inputs {
	return Inputs{
		UserID:         s.userID,
		State:          s.state,
		Stale:          s.stale != 0,
		Messages:       s.pipeline.Overlay(s.messages),
		Presence:       append([]models.PresenceRecord(nil), s.presence...),
		Reactions:      s.reactionsWithOverlayLocked(),
		LivenessWindow: s.deps.Presence.LivenessWindow(),
		TypingWindow:   s.deps.Presence.TypingWindow(),
	}
}

func (s *Session) reactionsWithOverlayLocked() []models.Reaction {
	rows := make([]models.Reaction, 0, len(s.reactions)+len(s.overlay))
	for _, r := range s.reactions {
		if _, shadowed := s.overlay[r.Key()]; !shadowed {
			rows = append(rows, r)
		}
	}
	for key, p := range s.overlay {
		if !p.present {
			continue
		}
		rows = append(rows, models.Reaction{
			MessageID: key.MessageID,
			UserID:    key.UserID,
			Emoji:     key.Emoji,
			CreatedAt: s.firstReactionLocked(key),
		})
	}
	return rows
}

// firstReactionLocked keeps an optimistic reaction in its emoji's existing slot.
func (s *Session) firstReactionLocked(key models.ReactionKey) time.Time {
	first := s.opts.Clock()
	for _, r := range s.reactions {
		if r.MessageID == key.MessageID && r.Emoji == key.Emoji && r.CreatedAt.Before(first) {
			first = r.CreatedAt
		}
	}
	return first
}

// publish offers the current view to Updates, replacing an unread one.
func (s *Session) publish() {
	view := s.View()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.updates <- view:
		return
	default:
	}
	select {
	case <-s.updates:
	default:
	}
	select {
	case s.updates <- view:
	default:
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.state = st
	}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// request schedules a re-fetch of the given slices on the run loop.
func (s *Session) request(sl slice) {
	s.mu.Lock()
	s.requested |= sl
	s.mu.Unlock()
	signal(s.wake)
}

func (s *Session) takeRequested() slice {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl := s.requested
	s.requested = 0
	return sl
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// SubmitMessage stages body for immediate display, appends it and reconciles
// the staged entry with the stored row. Validation failures never stage. A
// failed append removes the staged entry and returns the error; it is not
// retried. If the session closes meanwhile the append still completes but its
// result is not applied.
func (s *Session) SubmitMessage(ctx context.Context, body string, replyTo *string) (*models.ChatMessage, error) {
	if s.isClosed() {
		return nil, chaterr.ErrSessionClosed
	}
	draft, err := s.deps.Log.Prepare(messagelog.Draft{AuthorID: s.userID, Body: body, ReplyToID: replyTo})
	if err != nil {
		return nil, err
	}
	if draft.ReplyToID != nil && !s.isVisible(*draft.ReplyToID) {
		return nil, &messagelog.ValidationError{Field: "reply_to_id", Reason: "message is not visible"}
	}

	entry := s.pipeline.Stage(draft.Body, draft.ReplyToID)
	draft.SubmissionID = entry.SubmissionID
	s.typist.Stop()
	s.publish()

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.SubmitTimeout)
	defer cancel()
	msg, err := s.deps.Log.Append(wctx, draft)

	if s.isClosed() {
		s.logger.Info("submission_after_close", "submission_id", entry.SubmissionID, "stored", err == nil)
		if err != nil {
			return nil, err
		}
		return msg, nil
	}
	if err != nil {
		s.pipeline.RollBack(entry.SubmissionID, err)
		s.deps.Metrics.EchoOutcome("rolled_back")
		s.logger.Warn("submission_failed", "submission_id", entry.SubmissionID, "error", err)
		s.publish()
		return nil, err
	}
	if s.pipeline.Confirm(entry.SubmissionID, *msg) {
		s.deps.Metrics.EchoOutcome("confirmed")
	} else {
		s.deps.Metrics.EchoOutcome("duplicate_echo")
	}
	s.publish()
	return msg, nil
}

// isVisible reports whether messageID is a confirmed message in the view.
func (s *Session) isVisible(messageID string) bool {
	if models.IsTempID(messageID) {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.pipeline.Overlay(s.messages) {
		if m.ID == messageID {
			return true
		}
	}
	return false
}

// Keystroke feeds one unit of input into the typing debouncer.
func (s *Session) Keystroke() {
	s.typist.Keystroke()
}

// SetTyping marks the user as typing, or clears the flag at once.
func (s *Session) SetTyping(typing bool) {
	if typing {
		s.typist.Keystroke()
		return
	}
	s.typist.Stop()
}

// ToggleReaction flips the user's emoji on a message. The new state shows
// immediately and is reverted if the store call fails.
func (s *Session) ToggleReaction(ctx context.Context, messageID, emoji string) (bool, error) {
	if s.isClosed() {
		return false, chaterr.ErrSessionClosed
	}
	if err := reaction.ValidateEmoji(emoji); err != nil {
		return false, err
	}
	if !s.isVisible(messageID) {
		return false, &reaction.ValidationError{Field: "message_id", Reason: "message is not visible"}
	}
	key := models.ReactionKey{MessageID: messageID, UserID: s.userID, Emoji: emoji}

	s.mu.Lock()
	p := &pendingReaction{present: !s.reactionPresentLocked(key)}
	s.overlay[key] = p
	s.mu.Unlock()
	s.publish()

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.SubmitTimeout)
	defer cancel()
	added, err := s.deps.Reactions.Toggle(wctx, messageID, s.userID, emoji)

	s.mu.Lock()
	if s.overlay[key] == p {
		if err != nil {
			delete(s.overlay, key)
		} else {
			p.present = added
			p.confirmed = true
			p.confirmedGen = s.reactionGen
		}
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("reaction_toggle_failed", "message_id", messageID, "error", err)
		s.publish()
		return false, err
	}
	s.publish()
	return added, nil
}

func (s *Session) reactionPresentLocked(key models.ReactionKey) bool {
	if p, ok := s.overlay[key]; ok {
		return p.present
	}
	for _, r := range s.reactions {
		if r.Key() == key {
			return true
		}
	}
	return false
}

// EditMessage replaces the body of one of the user's own messages.
func (s *Session) EditMessage(ctx context.Context, messageID, body string) (*models.ChatMessage, error) {
	if s.isClosed() {
		return nil, chaterr.ErrSessionClosed
	}
	msg, err := s.deps.Log.Edit(ctx, messageID, s.userID, body)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	for i := range s.messages {
		if s.messages[i].ID == msg.ID {
			s.messages[i] = *msg
		}
	}
	s.mu.Unlock()
	s.publish()
	return msg, nil
}

// Close unsubscribes from the feed, stops every timer and goroutine of the
// session and closes Updates. It is safe to call more than once.
func (s *Session) Close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.state = Closed
		s.mu.Unlock()

		s.typist.Close()
		s.cancel()
		s.wg.Wait()

		if s.sub != nil {
			err = s.sub.Close()
			s.sub = nil
		}

		s.mu.Lock()
		close(s.updates)
		s.mu.Unlock()

		s.deps.Metrics.SessionClosed()
		s.logger.Info("session_closed", "unconfirmed_submissions", s.pipeline.Len())
	})
	return err
}

func (s *Session) subscribe() {
	if s.deps.Feed == nil {
		return
	}
	sub, err := s.deps.Feed.Subscribe(s.ctx, models.AllTables...)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.logger.Warn("feed_subscribe_failed", "error", err)
		}
		return
	}
	s.sub = sub
	s.setState(Subscribed)
}
