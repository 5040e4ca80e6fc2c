package dispatcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"roomsync/internal/chat/chaterr"
	"roomsync/internal/chat/feed"
	"roomsync/internal/chat/messagelog"
	"roomsync/internal/chat/models"
	"roomsync/internal/chat/presence"
	"roomsync/internal/chat/reaction"
	"roomsync/internal/chat/repository"
	"roomsync/internal/chat/repository/mocks"
	"roomsync/internal/metrics"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	store   repository.Store
	feed    *feed.MemoryFeed
	metrics *metrics.Metrics
	engine  *Engine
	log     *messagelog.Log
}

// newHarness wires the memory drivers the way the server does for
// STORE_DRIVER=memory. Timers are long so that only the feed drives updates
// unless a test shortens them.
func newHarness(t *testing.T, opts Options, publish bool) *harness {
	t.Helper()
	f := feed.NewMemoryFeed()
	store := repository.NewMemoryStore().Store()
	if publish {
		store = repository.WithPublishing(store, f)
	}
	return newHarnessWithStore(t, store, f, opts)
}

func newHarnessWithStore(t *testing.T, store repository.Store, f *feed.MemoryFeed, opts Options) *harness {
	t.Helper()
	if opts.ResyncInterval == 0 {
		opts.ResyncInterval = time.Hour
	}
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = time.Hour
	}
	if opts.TypingQuietPeriod == 0 {
		opts.TypingQuietPeriod = time.Hour
	}
	tracker := presence.NewTracker(store.Presence, 5*time.Minute, 3*time.Second)
	if opts.Clock != nil {
		tracker.WithClock(opts.Clock)
	}
	m := metrics.New()
	log := messagelog.New(store.Messages, 50)
	engine := NewEngine(Deps{
		Log:       log,
		Presence:  tracker,
		Reactions: reaction.NewAggregator(store.Reactions),
		Feed:      f,
		Metrics:   m,
	}, opts)
	return &harness{store: store, feed: f, metrics: m, engine: engine, log: log}
}

func (h *harness) open(t *testing.T, userID string) *Session {
	t.Helper()
	s, err := h.engine.Open(context.Background(), userID)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func eventually(t *testing.T, s *Session, cond func(ClientView) bool, msg string) ClientView {
	t.Helper()
	var last ClientView
	require.Eventually(t, func() bool {
		last = s.View()
		return cond(last)
	}, waitFor, tick, msg)
	return last
}

func hasBody(body string) func(ClientView) bool {
	return func(v ClientView) bool {
		for _, m := range v.Messages {
			if m.Body == body && !m.IsTemp() {
				return true
			}
		}
		return false
	}
}

func rosterEntry(v ClientView, userID string) (presence.RosterEntry, bool) {
	for _, e := range v.Roster {
		if e.UserID == userID {
			return e, true
		}
	}
	return presence.RosterEntry{}, false
}

func summary(v ClientView, messageID, emoji string) (reaction.Summary, bool) {
	for _, s := range v.Reactions[messageID] {
		if s.Emoji == emoji {
			return s, true
		}
	}
	return reaction.Summary{}, false
}

func TestSession_HelloReplyAndDoubleToggle(t *testing.T) {
	h := newHarness(t, Options{}, true)
	ctx := context.Background()
	alice := h.open(t, "alice")
	bob := h.open(t, "bob")

	hello, err := alice.SubmitMessage(ctx, "Hello", nil)
	require.NoError(t, err)
	assert.Nil(t, hello.ReplyToID)

	view := eventually(t, alice, func(v ClientView) bool {
		e, ok := rosterEntry(v, "alice")
		return ok && !e.IsTyping && hasBody("Hello")(v)
	}, "alice sees her message and herself online")
	require.Len(t, view.Messages, 1)
	assert.Equal(t, "alice", view.Messages[0].AuthorID)

	eventually(t, bob, hasBody("Hello"), "bob receives Hello through the feed")
	hiBack, err := bob.SubmitMessage(ctx, "Hi back", &hello.ID)
	require.NoError(t, err)

	msgs, err := h.log.List(ctx, nil, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hello", msgs[0].Body)
	assert.Equal(t, "Hi back", msgs[1].Body)
	require.NotNil(t, msgs[1].ReplyToID)
	assert.Equal(t, msgs[0].ID, *msgs[1].ReplyToID)

	eventually(t, alice, hasBody("Hi back"), "alice receives the reply")
	added, err := alice.ToggleReaction(ctx, hiBack.ID, "👍")
	require.NoError(t, err)
	assert.True(t, added)
	added, err = alice.ToggleReaction(ctx, hiBack.ID, "👍")
	require.NoError(t, err)
	assert.False(t, added)

	for _, s := range []*Session{alice, bob} {
		eventually(t, s, func(v ClientView) bool {
			_, ok := summary(v, hiBack.ID, "👍")
			return !ok && len(v.Messages) == 2
		}, "no thumbs up after an even number of toggles")
	}
}

func TestSession_OptimisticEchoIsReplacedOnce(t *testing.T) {
	h := newHarness(t, Options{}, true)
	alice := h.open(t, "alice")

	msg, err := alice.SubmitMessage(context.Background(), "only once", nil)
	require.NoError(t, err)

	view := eventually(t, alice, hasBody("only once"), "confirmed message visible")
	count := 0
	for _, m := range view.Messages {
		if m.Body == "only once" {
			count++
			assert.Equal(t, msg.ID, m.ID)
		}
	}
	assert.Equal(t, 1, count)

	// a duplicate feed notification changes nothing
	ev, err := models.NewChangeEvent(models.ChangeInsert, models.TableMessages, map[string]string{"id": msg.ID})
	require.NoError(t, err)
	require.NoError(t, h.feed.Publish(context.Background(), ev))
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, alice.View().Messages, 1)
	assert.Equal(t, 0, alice.pipeline.Len())
}

func TestSession_FailedSubmitLeavesNoEntry(t *testing.T) {
	messages := new(mocks.MockMessageRepository)
	messages.On("ListLatest", mock.Anything, mock.Anything).Return([]models.ChatMessage{}, nil).Maybe()
	messages.On("Insert", mock.Anything, mock.AnythingOfType("*models.ChatMessage")).
		Return(errors.New("connection reset by peer"))

	mem := repository.NewMemoryStore().Store()
	store := repository.Store{Messages: messages, Presence: mem.Presence, Reactions: mem.Reactions}
	h := newHarnessWithStore(t, store, feed.NewMemoryFeed(), Options{})
	s := h.open(t, "alice")

	_, err := s.SubmitMessage(context.Background(), "x", nil)
	require.Error(t, err)
	assert.True(t, chaterr.IsTransient(err))

	for _, m := range s.View().Messages {
		assert.NotEqual(t, "x", m.Body)
	}
	assert.Equal(t, 0, s.pipeline.Len())
	messages.AssertCalled(t, "Insert", mock.Anything, mock.AnythingOfType("*models.ChatMessage"))
}

func TestSession_ValidationNeverStages(t *testing.T) {
	h := newHarness(t, Options{}, true)
	s := h.open(t, "alice")
	ctx := context.Background()

	_, err := s.SubmitMessage(ctx, "   ", nil)
	assert.True(t, errors.Is(err, chaterr.ErrValidation))

	missing := "00000000-0000-0000-0000-000000000000"
	_, err = s.SubmitMessage(ctx, "reply", &missing)
	assert.True(t, errors.Is(err, chaterr.ErrValidation))

	temp := models.NewTempID()
	_, err = s.SubmitMessage(ctx, "reply", &temp)
	assert.True(t, errors.Is(err, chaterr.ErrValidation))

	assert.Equal(t, 0, s.pipeline.Len())
	assert.Empty(t, s.View().Messages)
}

func TestSession_FallbackTimerIsTheBackstop(t *testing.T) {
	// writes are not published, so only the timer can surface them
	h := newHarness(t, Options{ResyncInterval: 30 * time.Millisecond}, false)
	s := h.open(t, "alice")

	_, err := h.log.Append(context.Background(), messagelog.Draft{AuthorID: "bob", Body: "quiet write"})
	require.NoError(t, err)

	eventually(t, s, hasBody("quiet write"), "timer re-fetch picks up the message")
}

func TestSession_ResubscribesAfterFeedLoss(t *testing.T) {
	h := newHarness(t, Options{ResyncInterval: 30 * time.Millisecond}, true)
	s := h.open(t, "alice")
	require.Equal(t, 1, h.feed.Subscribers())

	h.feed.Drop()
	require.Eventually(t, func() bool { return h.feed.Subscribers() == 1 }, waitFor, tick)

	_, err := h.log.Append(context.Background(), messagelog.Draft{AuthorID: "bob", Body: "after reconnect"})
	require.NoError(t, err)
	eventually(t, s, hasBody("after reconnect"), "session keeps converging")
}

func TestSession_StaleWhenSliceFails(t *testing.T) {
	presenceRepo := new(mocks.MockPresenceRepository)
	presenceRepo.On("Upsert", mock.Anything, mock.Anything).Return(nil).Maybe()
	presenceRepo.On("ListSince", mock.Anything, mock.Anything).Return(nil, errors.New("store unreachable"))

	mem := repository.NewMemoryStore().Store()
	store := repository.Store{Messages: mem.Messages, Presence: presenceRepo, Reactions: mem.Reactions}
	h := newHarnessWithStore(t, store, feed.NewMemoryFeed(), Options{})
	s := h.open(t, "alice")

	view := eventually(t, s, func(v ClientView) bool { return v.Stale }, "failed slice marks the view stale")
	assert.Empty(t, view.Roster)

	// submissions still go through
	_, err := s.SubmitMessage(context.Background(), "still works", nil)
	require.NoError(t, err)
	assert.True(t, hasBody("still works")(s.View()))
}

func TestSession_TypingAutoClearsInView(t *testing.T) {
	clock := newTestClock()
	h := newHarness(t, Options{Clock: clock.Now}, true)
	alice := h.open(t, "alice")
	bob := h.open(t, "bob")

	alice.Keystroke()
	eventually(t, bob, func(v ClientView) bool {
		e, ok := rosterEntry(v, "alice")
		return ok && e.IsTyping
	}, "bob sees alice typing")

	// no new heartbeat and no re-fetch, only time passes
	clock.Advance(3*time.Second + time.Millisecond)
	e, ok := rosterEntry(bob.View(), "alice")
	require.True(t, ok)
	assert.False(t, e.IsTyping)
}

func TestSession_ExplicitStopClearsTyping(t *testing.T) {
	h := newHarness(t, Options{}, true)
	alice := h.open(t, "alice")

	alice.SetTyping(true)
	eventually(t, alice, func(v ClientView) bool {
		e, ok := rosterEntry(v, "alice")
		return ok && e.IsTyping
	}, "typing shown")

	alice.SetTyping(false)
	eventually(t, alice, func(v ClientView) bool {
		e, ok := rosterEntry(v, "alice")
		return ok && !e.IsTyping
	}, "typing cleared")
}

func TestSession_FailedToggleIsRolledBack(t *testing.T) {
	reactions := new(mocks.MockReactionRepository)
	reactions.On("ListByMessages", mock.Anything, mock.Anything).Return([]models.Reaction{}, nil).Maybe()
	reactions.On("Find", mock.Anything, mock.Anything).Return(nil, chaterr.ErrNotFound)
	reactions.On("Insert", mock.Anything, mock.Anything).Return(false, errors.New("timeout"))

	mem := repository.NewMemoryStore().Store()
	f := feed.NewMemoryFeed()
	store := repository.WithPublishing(repository.Store{Messages: mem.Messages, Presence: mem.Presence, Reactions: reactions}, f)
	h := newHarnessWithStore(t, store, f, Options{})
	s := h.open(t, "alice")

	msg, err := s.SubmitMessage(context.Background(), "react to me", nil)
	require.NoError(t, err)
	eventually(t, s, hasBody("react to me"), "message confirmed")

	_, err = s.ToggleReaction(context.Background(), msg.ID, "🎉")
	require.Error(t, err)
	assert.True(t, chaterr.IsTransient(err))

	_, ok := summary(s.View(), msg.ID, "🎉")
	assert.False(t, ok)
}

func TestSession_ReactionShownBeforeConfirmation(t *testing.T) {
	h := newHarness(t, Options{}, false)
	s := h.open(t, "alice")
	ctx := context.Background()

	msg, err := s.SubmitMessage(ctx, "hi", nil)
	require.NoError(t, err)
	s.request(sliceMessages)
	eventually(t, s, hasBody("hi"), "message fetched")

	added, err := s.ToggleReaction(ctx, msg.ID, "👍")
	require.NoError(t, err)
	require.True(t, added)

	// the store write is not published, yet the overlay keeps the reaction visible
	sum, ok := summary(s.View(), msg.ID, "👍")
	require.True(t, ok)
	assert.Equal(t, reaction.Summary{Emoji: "👍", Count: 1, Mine: true}, sum)

	s.request(sliceReactions)
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.overlay) == 0 && len(s.reactions) == 1
	}, waitFor, tick, "overlay retired after a later re-fetch")
	_, ok = summary(s.View(), msg.ID, "👍")
	assert.True(t, ok)
}

func TestSession_AnomalyIsCountedNotApplied(t *testing.T) {
	h := newHarness(t, Options{}, true)
	s := h.open(t, "alice")
	eventually(t, s, func(v ClientView) bool { return len(v.Roster) == 1 }, "session loaded")

	ev, err := models.NewChangeEvent(models.ChangeInsert, models.TableReactions, map[string]string{"id": "ghost", "message_id": "gone"})
	require.NoError(t, err)
	require.NoError(t, h.feed.Publish(context.Background(), ev))

	require.Eventually(t, func() bool {
		rec := httptest.NewRecorder()
		h.metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		return strings.Contains(rec.Body.String(), `roomsync_reconciliation_anomalies_total{table="chat_reactions"} 1`)
	}, waitFor, tick)
	assert.Empty(t, s.View().Reactions)
}

func TestSession_CloseTearsDown(t *testing.T) {
	h := newHarness(t, Options{ResyncInterval: 10 * time.Millisecond, HeartbeatInterval: 10 * time.Millisecond}, true)
	s, err := h.engine.Open(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, 1, h.feed.Subscribers())
	require.Eventually(t, func() bool {
		recs, err := h.store.Presence.ListSince(context.Background(), time.Time{})
		return err == nil && len(recs) == 1
	}, waitFor, tick, "room visit heartbeat")

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.Equal(t, Closed, s.State())
	assert.Equal(t, 0, h.feed.Subscribers())

	// Updates is drained then closed
	for range s.Updates() {
	}

	_, err = s.SubmitMessage(context.Background(), "late", nil)
	assert.True(t, errors.Is(err, chaterr.ErrSessionClosed))
	_, err = s.ToggleReaction(context.Background(), "m", "👍")
	assert.True(t, errors.Is(err, chaterr.ErrSessionClosed))

	// no heartbeat after close
	recs, err := h.store.Presence.ListSince(context.Background(), time.Time{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	seen := recs[0].LastSeenAt
	time.Sleep(50 * time.Millisecond)
	recs, err = h.store.Presence.ListSince(context.Background(), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, seen, recs[0].LastSeenAt)
}

func TestSession_UpdatesCoalesce(t *testing.T) {
	h := newHarness(t, Options{}, true)
	s := h.open(t, "alice")
	ctx := context.Background()

	for _, body := range []string{"one", "two", "three"} {
		_, err := s.SubmitMessage(ctx, body, nil)
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return hasBody("three")(s.View()) }, waitFor, tick)

	var last ClientView
	require.Eventually(t, func() bool {
		select {
		case v := <-s.Updates():
			last = v
		default:
		}
		return len(last.Messages) == 3
	}, waitFor, tick)
}

func TestEngine_OpenRequiresUser(t *testing.T) {
	h := newHarness(t, Options{}, true)
	_, err := h.engine.Open(context.Background(), "")
	assert.True(t, errors.Is(err, chaterr.ErrValidation))
}
