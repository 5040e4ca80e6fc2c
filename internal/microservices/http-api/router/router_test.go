package router

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"roomsync/internal/chat/dispatcher"
	"roomsync/internal/chat/feed"
	"roomsync/internal/chat/messagelog"
	"roomsync/internal/chat/presence"
	"roomsync/internal/chat/reaction"
	"roomsync/internal/chat/repository"
	"roomsync/internal/config"
	"roomsync/internal/metrics"
	"roomsync/internal/microservices/http-api/handler"
	"roomsync/internal/microservices/http-api/middleware"
	"roomsync/internal/microservices/websocket"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "a-test-secret-that-is-at-least-32-chars"

func newTestRouter(t *testing.T, prometheus bool) (*gin.Engine, *middleware.TokenValidator) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := repository.NewMemoryStore().Store()
	log := messagelog.New(store.Messages, 50)
	tracker := presence.NewTracker(store.Presence, 0, 0)
	agg := reaction.NewAggregator(store.Reactions)
	m := metrics.New()
	validator := middleware.NewTokenValidator(testSecret)

	r := New(Deps{
		Config: &config.Config{
			GoEnv:             "test",
			CORSOrigins:       []string{"https://app.example"},
			PrometheusEnabled: prometheus,
			MessageRate:       5,
			MessageBurst:      10,
		},
		Engine: dispatcher.NewEngine(dispatcher.Deps{
			Log: log, Presence: tracker, Reactions: agg, Feed: feed.NewMemoryFeed(), Metrics: m,
		}, dispatcher.Options{}),
		Chat:      handler.NewChatHandler(log, tracker, agg),
		Hub:       websocket.NewHub(),
		Validator: validator,
		Metrics:   m,
	})
	return r, validator
}

func TestRouter_HealthIsPublic(t *testing.T) {
	r, _ := newTestRouter(t, false)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/check-conn", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"clients":0`)
}

func TestRouter_APIRequiresToken(t *testing.T) {
	r, validator := newTestRouter(t, false)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/chat/roster", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	token, err := validator.IssueToken("alice", "alice", time.Minute)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/api/chat/roster", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRouter_MetricsOnlyWhenEnabled(t *testing.T) {
	off, _ := newTestRouter(t, false)
	w := httptest.NewRecorder()
	off.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	on, _ := newTestRouter(t, true)
	w = httptest.NewRecorder()
	on.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "roomsync_sessions_active")
}

func TestRouter_CORS(t *testing.T) {
	r, _ := newTestRouter(t, false)

	req := httptest.NewRequest(http.MethodOptions, "/api/chat/messages", nil)
	req.Header.Set("Origin", "https://app.example")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://app.example", w.Header().Get("Access-Control-Allow-Origin"))

	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "Authorization")

	req = httptest.NewRequest(http.MethodGet, "/check-conn", nil)
	req.Header.Set("Origin", "https://evil.example")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/check-conn", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
