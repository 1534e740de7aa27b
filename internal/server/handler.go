package server

import (
	"errors"
	"net/http"
	"strconv"

	"chatsync/internal/auth"
	"chatsync/internal/presence"
	"chatsync/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Handler 聚合所有 HTTP handler，依赖注入 service 层。
type Handler struct {
	convSvc  *service.ConversationService
	msgSvc   *service.MessageService
	userSvc  *service.UserService
	presence *presence.Tracker
}

func NewHandler(convSvc *service.ConversationService, msgSvc *service.MessageService, userSvc *service.UserService, tracker *presence.Tracker) *Handler {
	return &Handler{convSvc: convSvc, msgSvc: msgSvc, userSvc: userSvc, presence: tracker}
}

// fail 把业务错误映射为 HTTP 状态码。无权访问与不存在统一返回 404，避免泄露会话是否存在。
func fail(c *gin.Context, op string, err error) {
	var verr *service.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error(), "field": verr.Field})
	case errors.Is(err, service.ErrNotFound), errors.Is(err, service.ErrAccessDenied):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	default:
		log.Error().Err(err).Str("user_id", auth.GetUserID(c)).Str("op", op).Msg("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// ListConversations 返回调用者的会话列表。
func (h *Handler) ListConversations(c *gin.Context) {
	out, err := h.convSvc.List(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		fail(c, "list conversations", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": out})
}

// EnsureDirect 打开或创建一对一会话，新建时返回 201。
func (h *Handler) EnsureDirect(c *gin.Context) {
	var req struct {
		TargetUserID string `json:"targetUserId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	out, created, err := h.convSvc.EnsureDirect(c.Request.Context(), auth.GetUserID(c), req.TargetUserID)
	if err != nil {
		fail(c, "ensure direct conversation", err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"conversation": out})
}

func (h *Handler) ConversationDetail(c *gin.Context) {
	out, err := h.convSvc.Detail(c.Request.Context(), auth.GetUserID(c), c.Param("id"))
	if err != nil {
		fail(c, "conversation detail", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation": out})
}

func (h *Handler) CreateGroup(c *gin.Context) {
	var req struct {
		Name      string   `json:"name"`
		MemberIDs []string `json:"memberIds"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	out, err := h.convSvc.CreateGroup(c.Request.Context(), auth.GetUserID(c), req.Name, req.MemberIDs)
	if err != nil {
		fail(c, "create group", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"conversation": out})
}

// History 拉取一页消息，同时把返回的消息标记为已读。
func (h *Handler) History(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(service.DefaultPageSize)))
	out, err := h.msgSvc.History(c.Request.Context(), c.Param("conversationId"), auth.GetUserID(c), page, limit)
	if err != nil {
		fail(c, "message history", err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) SendMessage(c *gin.Context) {
	var in service.SendInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	in.SenderID = auth.GetUserID(c)
	msg, err := h.msgSvc.Send(c.Request.Context(), in)
	if err != nil {
		fail(c, "send message", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

func (h *Handler) React(c *gin.Context) {
	var req struct {
		Reaction string `json:"reaction"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	msg, err := h.msgSvc.React(c.Request.Context(), c.Param("messageId"), auth.GetUserID(c), req.Reaction)
	if err != nil {
		fail(c, "react", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": msg})
}

func (h *Handler) Directory(c *gin.Context) {
	out, err := h.userSvc.Directory(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		fail(c, "user directory", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": out})
}

// SyncProfile 由外部身份系统在登录后调用，写入展示资料。
func (h *Handler) SyncProfile(c *gin.Context) {
	var in service.ProfileInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	out, err := h.userSvc.SyncProfile(c.Request.Context(), auth.GetUserID(c), in)
	if err != nil {
		fail(c, "sync profile", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": out})
}

func (h *Handler) Presence(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"users": h.presence.Snapshot()})
}
