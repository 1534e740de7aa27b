package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"chatsync/internal/auth"
	"chatsync/internal/config"
	"chatsync/internal/event"
	"chatsync/internal/metrics"
	"chatsync/internal/models"
	"chatsync/internal/presence"
	"chatsync/internal/service"
	"chatsync/internal/typing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 1 << 20 // 1MB
	sendBuffer     = 256
	joinTimeout    = 5 * time.Second
)

// Authorizer 校验用户能否加入会话房间，由 service.Guard 实现。
type Authorizer interface {
	Authorize(ctx context.Context, conversationID, userID string) (*models.Conversation, error)
}

// SeenRecorder 在用户完全离线时记录最后在线时间。
type SeenRecorder interface {
	MarkSeen(ctx context.Context, userID string, at time.Time) error
}

// Gateway 聚合实时连接所需的依赖。
type Gateway struct {
	Hub      *Hub
	Guard    Authorizer
	Presence *presence.Tracker
	Typing   *typing.Broker
	Users    SeenRecorder
	Config   config.Config
}

type Client struct {
	id      string
	userID  string
	gw      *Gateway
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	rooms   map[string]*RoomHub
	limiter *rate.Limiter
}

func newUpgrader(cfg config.Config) websocket.Upgrader {
	allowed := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		allowed[strings.TrimRight(o, "/")] = struct{}{}
	}
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if cfg.Env == "dev" || origin == "" {
				return true
			}
			if _, ok := allowed["*"]; ok {
				return true
			}
			_, ok := allowed[origin]
			return ok
		},
	}
}

// Serve 升级 WebSocket。带合法凭证的连接加入个人房间并上线；
// 无凭证的连接只接收大厅广播，不能加入会话。
func Serve(gw *Gateway) gin.HandlerFunc {
	upgrader := newUpgrader(gw.Config)
	return func(c *gin.Context) {
		userID, err := auth.Identify(c.Request, gw.Config)
		if err != nil && !errors.Is(err, auth.ErrMissingCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warn().Err(err).Msg("ws upgrade")
			return
		}
		client := &Client{
			id:      uuid.NewString(),
			userID:  userID,
			gw:      gw,
			conn:    conn,
			send:    make(chan []byte, sendBuffer),
			done:    make(chan struct{}),
			rooms:   make(map[string]*RoomHub),
			limiter: rate.NewLimiter(rate.Every(50*time.Millisecond), 40),
		}
		client.open()
		go client.writePump()
		client.readPump()
	}
}

func (c *Client) open() {
	c.gw.Hub.track(c)
	metrics.WsConnections.Inc()
	c.enter(LobbyRoom)
	if c.userID == "" {
		log.Debug().Str("conn_id", c.id).Msg("anonymous ws connected")
		return
	}
	c.enter(UserRoom(c.userID))
	online, at := c.gw.Presence.Connect(c.userID, c.id)
	if online {
		c.gw.Hub.ToAll(event.UserStatus, event.UserStatusPayload{UserID: c.userID, Status: event.StatusOnline, LastSeen: at})
	}
	log.Info().Str("conn_id", c.id).Str("user_id", c.userID).Msg("ws connected")
}

// close 退出所有房间后再广播离线，保证本连接不会再收到事件。
func (c *Client) close() {
	for key, room := range c.rooms {
		room.leave(c)
		delete(c.rooms, key)
	}
	if c.userID != "" {
		c.gw.Typing.StopConnection(c.id)
		offline, at := c.gw.Presence.Disconnect(c.userID, c.id)
		if offline {
			c.gw.Hub.ToAll(event.UserStatus, event.UserStatusPayload{UserID: c.userID, Status: event.StatusOffline, LastSeen: at})
			c.markSeen(at)
		}
		log.Info().Str("conn_id", c.id).Str("user_id", c.userID).Bool("offline", offline).Msg("ws disconnected")
	}
	c.gw.Hub.untrack(c)
	metrics.WsConnections.Dec()
	close(c.done)
	_ = c.conn.Close()
}

func (c *Client) markSeen(at time.Time) {
	if c.gw.Users == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), joinTimeout)
	defer cancel()
	if err := c.gw.Users.MarkSeen(ctx, c.userID, at); err != nil {
		log.Warn().Err(err).Str("user_id", c.userID).Msg("mark last seen")
	}
}

func (c *Client) enter(key string) bool {
	if _, ok := c.rooms[key]; ok {
		return true
	}
	room := c.gw.Hub.join(key, c)
	if room == nil {
		return false
	}
	c.rooms[key] = room
	return true
}

func (c *Client) readPump() {
	defer c.close()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("conn_id", c.id).Msg("ws read")
			}
			return
		}
		if !c.limiter.Allow() {
			metrics.EventsDroppedTotal.WithLabelValues("inbound").Inc()
			continue
		}
		env, err := event.Decode(data)
		if err != nil {
			c.fail("bad_request", "malformed event")
			continue
		}
		c.handle(env)
	}
}

func (c *Client) handle(env event.Envelope) {
	switch env.Event {
	case event.ConversationJoin:
		c.join(conversationID(env.Data))
	case event.ConversationLeave:
		c.leave(conversationID(env.Data))
	case event.TypingStart, event.TypingStop:
		id := conversationID(env.Data)
		if c.userID == "" || id == "" {
			return
		}
		if _, ok := c.rooms[ConversationRoom(id)]; !ok {
			return
		}
		if env.Event == event.TypingStart {
			c.gw.Typing.Start(id, c.userID, c.id)
		} else {
			c.gw.Typing.Relay(id, c.userID, c.id)
		}
	default:
		c.fail("unknown_event", "unsupported event "+env.Event)
	}
}

// conversationID 兼容两种载荷：直接的字符串 id，或 {"conversationId": "..."}。
func conversationID(raw json.RawMessage) string {
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return strings.TrimSpace(id)
	}
	var req event.TypingRequest
	if err := json.Unmarshal(raw, &req); err == nil {
		return strings.TrimSpace(req.ConversationID)
	}
	return ""
}

// join 经 Guard 授权后加入会话房间，并补发当前正在输入的用户。
func (c *Client) join(id string) {
	if c.userID == "" {
		c.fail("unauthenticated", "sign in to join conversations")
		return
	}
	if id == "" {
		c.fail("bad_request", "conversationId is required")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), joinTimeout)
	defer cancel()
	conv, err := c.gw.Guard.Authorize(ctx, id, c.userID)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) || errors.Is(err, service.ErrAccessDenied) {
			c.fail("not_found", "conversation not found")
			return
		}
		log.Error().Err(err).Str("conversation_id", id).Str("user_id", c.userID).Msg("ws join")
		c.fail("unavailable", "try again later")
		return
	}
	if !c.enter(ConversationRoom(conv.ID)) {
		return
	}
	for _, u := range c.gw.Typing.Typing(conv.ID) {
		if u == c.userID {
			continue
		}
		c.deliver(event.TypingStart, event.TypingPayload{UserID: u, ConversationID: conv.ID})
	}
}

func (c *Client) leave(id string) {
	key := ConversationRoom(id)
	room, ok := c.rooms[key]
	if !ok {
		return
	}
	room.leave(c)
	delete(c.rooms, key)
	c.gw.Typing.StopConn(id, c.userID, c.id)
}

func (c *Client) fail(code, msg string) {
	c.deliver(event.Error, event.ErrorPayload{Code: code, Message: msg})
}

// deliver 直接写入本连接的发送队列，满时丢弃。
func (c *Client) deliver(name string, data any) {
	b, err := event.Encode(name, data)
	if err != nil {
		log.Error().Err(err).Str("event", name).Msg("encode event")
		return
	}
	select {
	case c.send <- b:
	default:
		metrics.EventsDroppedTotal.WithLabelValues("client").Inc()
	}
}

// writePump 独占写端；send 通道从不关闭，连接结束以 done 为准。
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
