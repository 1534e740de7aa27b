package server

import (
	"context"
	"net/http"
	"time"

	"chatsync/internal/auth"
	"chatsync/internal/config"
	"chatsync/internal/metrics"
	"chatsync/internal/mw"
	"chatsync/internal/presence"
	"chatsync/internal/service"
	"chatsync/internal/typing"
	"chatsync/internal/upload"
	"chatsync/internal/ws"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

// Deps 是组装路由所需的运行时组件。
type Deps struct {
	Conversations *service.ConversationService
	Messages      *service.MessageService
	Users         *service.UserService
	Guard         *service.Guard
	Hub           *ws.Hub
	Presence      *presence.Tracker
	Typing        *typing.Broker
}

func corsConfig(cfg config.Config) cors.Config {
	cc := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", auth.UserHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if cfg.Env == "dev" || len(cfg.AllowedOrigins) == 0 {
		cc.AllowOriginFunc = func(string) bool { return true }
	} else {
		cc.AllowOrigins = cfg.AllowedOrigins
	}
	return cc
}

// SetupRouter 统一初始化 Gin 中间件、REST API 以及 WebSocket 端点。
// 限速器的后台回收随 ctx 结束。
func SetupRouter(ctx context.Context, cfg config.Config, d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(cors.New(corsConfig(cfg)))
	// 控制单个 IP+路由的速率。
	r.Use(mw.RateLimit(ctx, rate.Every(time.Second/20), 40, mw.ByIP))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"connections": d.Hub.Connections(),
			"online":      d.Presence.OnlineCount(),
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.Static(upload.PublicPrefix, cfg.UploadDir)

	h := NewHandler(d.Conversations, d.Messages, d.Users, d.Presence)
	api := r.Group("/api/v1")
	api.Use(auth.AuthMiddleware(cfg))

	api.GET("/conversations", h.ListConversations)
	api.POST("/conversations", h.EnsureDirect)
	api.POST("/conversations/group", h.CreateGroup)
	api.GET("/conversations/:id", h.ConversationDetail)

	api.GET("/messages/:conversationId", h.History)
	// 发送按用户限速，单条连接刷屏不影响他人。
	api.POST("/messages", mw.RateLimit(ctx, rate.Every(time.Second/5), 20, mw.ByUser), h.SendMessage)
	api.POST("/messages/:messageId/reaction", h.React)

	api.POST("/upload", upload.NewHandler(cfg.UploadDir, cfg.UploadMaxBytes).Upload)

	api.GET("/users", h.Directory)
	api.POST("/users/sync", h.SyncProfile)
	api.GET("/presence", h.Presence)

	r.GET("/ws", ws.Serve(&ws.Gateway{
		Hub:      d.Hub,
		Guard:    d.Guard,
		Presence: d.Presence,
		Typing:   d.Typing,
		Users:    d.Users,
		Config:   cfg,
	}))
	return r
}
