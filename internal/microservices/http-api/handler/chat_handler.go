package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"roomsync/internal/chat/chaterr"
	"roomsync/internal/chat/messagelog"
	"roomsync/internal/chat/models"
	"roomsync/internal/chat/presence"
	"roomsync/internal/chat/reaction"
	"roomsync/internal/microservices/http-api/middleware"

	"github.com/gin-gonic/gin"
)

type ChatHandler struct {
	log       *messagelog.Log
	presence  *presence.Tracker
	reactions *reaction.Aggregator
}

func NewChatHandler(log *messagelog.Log, tracker *presence.Tracker, reactions *reaction.Aggregator) *ChatHandler {
	return &ChatHandler{
		log:       log,
		presence:  tracker,
		reactions: reactions,
	}
}

// RegisterRoutes registers chat routes (already authenticated by parent middleware)
func (h *ChatHandler) RegisterRoutes(router *gin.RouterGroup) {
	chat := router.Group("/chat")
	{
		chat.GET("/messages", h.ListMessages) // history page, ?before= or ?after= cursor
		chat.GET("/roster", h.Roster)         // users present right now
	}
}

// MessagePage is one page of history with the cursors to continue from.
type MessagePage struct {
	Messages  []models.ChatMessage          `json:"messages"`
	Reactions map[string][]reaction.Summary `json:"reactions"`
	Before    string                        `json:"before,omitempty"`
	After     string                        `json:"after,omitempty"`
}

// ListMessages returns a page of history
// GET /api/chat/messages?before=<cursor>|after=<cursor>&limit=<n>
func (h *ChatHandler) ListMessages(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
			return
		}
		limit = n
	}

	before, after := c.Query("before"), c.Query("after")
	if before != "" && after != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "use either before or after, not both"})
		return
	}

	var (
		msgs []models.ChatMessage
		err  error
	)
	switch {
	case before != "":
		cursor, derr := messagelog.DecodeCursor(before)
		if derr != nil {
			respondError(c, derr)
			return
		}
		msgs, err = h.log.Before(c.Request.Context(), cursor, limit)
	case after != "":
		cursor, derr := messagelog.DecodeCursor(after)
		if derr != nil {
			respondError(c, derr)
			return
		}
		msgs, err = h.log.List(c.Request.Context(), &cursor, limit)
	default:
		msgs, err = h.log.Recent(c.Request.Context(), limit)
	}
	if err != nil {
		respondError(c, err)
		return
	}

	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	rows, err := h.reactions.Load(c.Request.Context(), ids)
	if err != nil {
		respondError(c, err)
		return
	}

	page := MessagePage{
		Messages:  msgs,
		Reactions: reaction.Aggregate(rows, userID),
	}
	if len(msgs) > 0 {
		page.Before = messagelog.EncodeCursor(models.CursorOf(msgs[0]))
		page.After = messagelog.EncodeCursor(models.CursorOf(msgs[len(msgs)-1]))
	}
	c.JSON(http.StatusOK, page)
}

// Roster returns the users seen within the liveness window
// GET /api/chat/roster
func (h *ChatHandler) Roster(c *gin.Context) {
	roster, err := h.presence.Roster(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"roster": roster})
}

// respondError maps the chat error kinds to HTTP status codes.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, chaterr.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, chaterr.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, chaterr.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, chaterr.ErrAlreadyEdited):
		status = http.StatusConflict
	case errors.Is(err, chaterr.ErrTransient):
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		slog.Error("chat_request_failed", "path", c.FullPath(), "error", err)
		c.JSON(status, gin.H{"error": "temporarily unavailable", "code": chaterr.Code(err)})
		return
	}
	c.JSON(status, gin.H{"error": err.Error(), "code": chaterr.Code(err)})
}
