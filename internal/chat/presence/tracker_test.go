package presence

import (
	"context"
	"errors"
	"testing"
	"time"

	"roomsync/internal/chat/chaterr"
	"roomsync/internal/chat/models"
	"roomsync/internal/chat/repository"
	"roomsync/internal/chat/repository/mocks"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTracker(t *testing.T) (*Tracker, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)}
	repo := repository.NewMemoryStore().Store().Presence
	return NewTracker(repo, 5*time.Minute, 3*time.Second).WithClock(clock.Now), clock
}

func TestRoster_ExpiresWithoutOfflineSignal(t *testing.T) {
	tr, clock := newTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.Heartbeat(ctx, "alice", false))
	clock.Advance(time.Minute)
	require.NoError(t, tr.Heartbeat(ctx, "bob", false))

	roster, err := tr.Roster(ctx)
	require.NoError(t, err)
	assert.Len(t, roster, 2)

	// alice never says goodbye
	clock.Advance(4*time.Minute + time.Second)
	roster, err = tr.Roster(ctx)
	require.NoError(t, err)
	require.Len(t, roster, 1)
	assert.Equal(t, "bob", roster[0].UserID)
}

func TestRoster_ReconnectAfterExpiryReappears(t *testing.T) {
	tr, clock := newTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.Heartbeat(ctx, "alice", false))
	clock.Advance(10 * time.Minute)
	roster, err := tr.Roster(ctx)
	require.NoError(t, err)
	assert.Empty(t, roster)

	require.NoError(t, tr.Heartbeat(ctx, "alice", false))
	roster, err = tr.Roster(ctx)
	require.NoError(t, err)
	require.Len(t, roster, 1)
	assert.Equal(t, "alice", roster[0].UserID)
}

func TestRoster_TypingAutoClears(t *testing.T) {
	tr, clock := newTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.Heartbeat(ctx, "alice", true))
	roster, err := tr.Roster(ctx)
	require.NoError(t, err)
	require.Len(t, roster, 1)
	assert.True(t, roster[0].IsTyping)

	clock.Advance(3 * time.Second)
	roster, err = tr.Roster(ctx)
	require.NoError(t, err)
	assert.True(t, roster[0].IsTyping)

	clock.Advance(time.Millisecond)
	roster, err = tr.Roster(ctx)
	require.NoError(t, err)
	assert.False(t, roster[0].IsTyping)
	assert.Equal(t, "alice", roster[0].UserID)
}

func TestFilterRoster_IgnoresStorePrefiltering(t *testing.T) {
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	records := []models.PresenceRecord{
		{UserID: "c", LastSeenAt: now.Add(-time.Second)},
		{UserID: "a", LastSeenAt: now.Add(-5 * time.Minute)},
		{UserID: "b", LastSeenAt: now.Add(-2 * time.Minute), IsTyping: true, TypingUpdatedAt: now.Add(-2 * time.Minute)},
		{UserID: "c", LastSeenAt: now.Add(-time.Hour)},
	}
	roster := FilterRoster(records, now, 5*time.Minute, 3*time.Second)
	require.Len(t, roster, 2)
	assert.Equal(t, "b", roster[0].UserID)
	assert.False(t, roster[0].IsTyping)
	assert.Equal(t, "c", roster[1].UserID)
	assert.Equal(t, now.Add(-time.Second), roster[1].LastSeenAt)
}

func TestHeartbeat_StoreFailureIsTransient(t *testing.T) {
	repo := new(mocks.MockPresenceRepository)
	repo.On("Upsert", mock.Anything, mock.AnythingOfType("*models.PresenceRecord")).Return(errors.New("timeout"))

	tr := NewTracker(repo, time.Minute, time.Second)
	err := tr.Heartbeat(context.Background(), "alice", true)
	assert.True(t, chaterr.IsTransient(err))
	repo.AssertExpectations(t)
}
