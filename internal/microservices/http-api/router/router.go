// Package router assembles the HTTP surface of the chat server.
package router

import (
	"net/http"

	"roomsync/internal/chat/dispatcher"
	"roomsync/internal/config"
	"roomsync/internal/metrics"
	"roomsync/internal/microservices/http-api/handler"
	"roomsync/internal/microservices/http-api/middleware"
	"roomsync/internal/microservices/websocket"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

type Deps struct {
	Config    *config.Config
	Engine    *dispatcher.Engine
	Chat      *handler.ChatHandler
	Hub       *websocket.Hub
	Validator *middleware.TokenValidator
	Metrics   *metrics.Metrics
}

func New(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if d.Config.IsDevelopment() {
		r.Use(gin.Logger())
	}
	r.Use(middleware.CORSMiddleware(d.Config.CORSOrigins))

	r.GET("/check-conn", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "chat server is alive",
			"clients": d.Hub.ClientCount(),
		})
	})

	if d.Config.PrometheusEnabled && d.Metrics != nil {
		r.GET("/metrics", gin.WrapH(d.Metrics.Handler()))
	}

	auth := middleware.AuthMiddleware(d.Validator)
	clientCfg := websocket.ClientConfig{
		MessageRate:  rate.Limit(d.Config.MessageRate),
		MessageBurst: d.Config.MessageBurst,
	}
	r.GET("/ws", auth, websocket.WSHandler(d.Hub, d.Engine, websocket.NewUpgrader(d.Config.CORSOrigins), clientCfg, d.Metrics))

	api := r.Group("/api", auth)
	d.Chat.RegisterRoutes(api)

	return r
}
