package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "a-test-secret-that-is-at-least-32-chars"

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("JWT_SECRET", testSecret)
	for _, key := range []string{"GO_ENV", "STORE_DRIVER", "FEED_DRIVER", "PRESENCE_DRIVER", "CHAT_PAGE_SIZE"} {
		t.Setenv(key, "")
	}

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 5*time.Minute, cfg.LivenessWindow)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 1500*time.Millisecond, cfg.TypingQuietPeriod)
	assert.Equal(t, 3*time.Second, cfg.TypingWindow)
	assert.Equal(t, time.Second, cfg.TypingThrottle)
	assert.Equal(t, 5*time.Second, cfg.ResyncInterval)
	assert.Equal(t, 50, cfg.PageSize)
	assert.Equal(t, 10*time.Second, cfg.EchoMatchWindow)
	assert.Equal(t, StoreDriverPostgres, cfg.StoreDriver)
	assert.Equal(t, FeedDriverPostgres, cfg.FeedDriver)
	assert.Equal(t, PresenceDriverStore, cfg.PresenceDriver)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("JWT_SECRET", testSecret)
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("FEED_DRIVER", "nats")
	t.Setenv("CHAT_TYPING_WINDOW", "5s")
	t.Setenv("CHAT_MESSAGE_RATE", "2.5")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, StoreDriverMemory, cfg.StoreDriver)
	assert.Equal(t, FeedDriverNATS, cfg.FeedDriver)
	assert.Equal(t, 5*time.Second, cfg.TypingWindow)
	assert.InDelta(t, 2.5, cfg.MessageRate, 0.001)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
}

func TestLoadConfig_Errors(t *testing.T) {
	t.Run("missing secret", func(t *testing.T) {
		t.Setenv("JWT_SECRET", "")
		_, err := LoadConfig()
		assert.ErrorContains(t, err, "JWT_SECRET")
	})
	t.Run("bad duration", func(t *testing.T) {
		t.Setenv("JWT_SECRET", testSecret)
		t.Setenv("CHAT_RESYNC_INTERVAL", "soon")
		_, err := LoadConfig()
		assert.ErrorContains(t, err, "CHAT_RESYNC_INTERVAL")
	})
}

func TestValidate_CollectsProblems(t *testing.T) {
	t.Setenv("JWT_SECRET", testSecret)
	cfg, err := LoadConfig()
	require.NoError(t, err)

	cfg.FeedDriver = "kafka"
	cfg.StoreDriver = StoreDriverMemory
	cfg.TypingThrottle = 10 * time.Second
	cfg.PageSize = 0
	cfg.JWTSecret = "short"
	cfg.CORSOrigins = []string{"app.example"}

	err = cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"FEED_DRIVER", "CHAT_TYPING_THROTTLE", "CHAT_PAGE_SIZE", "JWT_SECRET", "CORS_ORIGINS"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidate_PostgresFeedNeedsPostgresStore(t *testing.T) {
	t.Setenv("JWT_SECRET", testSecret)
	t.Setenv("STORE_DRIVER", "memory")
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.ErrorContains(t, cfg.Validate(), "FEED_DRIVER=postgres requires STORE_DRIVER=postgres")
}
