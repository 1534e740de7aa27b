package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"chatsync/internal/event"
	"chatsync/internal/models"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait   = 10 * time.Second
	httpTimeout = 15 * time.Second
)

// Client 维护一条到 /ws 的连接，把收到的事件合并进 State；
// 同一 header 也用于拉取 REST 快照。
type Client struct {
	conn   *websocket.Conn
	state  *State
	wmu    sync.Mutex
	api    string
	header http.Header
	httpc  *http.Client
}

// Dial 建立连接。header 用于携带 Authorization，或在受信任网关模式下携带 X-User-Id。
// 重连时传入同一个 State，再调用 Sync 或 Open 补齐断线期间的数据。
func Dial(ctx context.Context, wsURL string, header http.Header, state *State) (*Client, error) {
	api, err := apiBase(wsURL)
	if err != nil {
		return nil, err
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", wsURL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}
	return &Client{
		conn:   conn,
		state:  state,
		api:    api,
		header: header.Clone(),
		httpc:  &http.Client{Timeout: httpTimeout},
	}, nil
}

// apiBase 由 ws 地址推出 REST 前缀：ws://host/ws -> http://host/api/v1。
func apiBase(wsURL string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", fmt.Errorf("parse %s: %w", wsURL, err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(strings.TrimSuffix(u.Path, "/"), "/ws") + "/api/v1"
	u.RawQuery = ""
	return u.String(), nil
}

// getJSON 以连接相同的凭证请求 REST 接口。
func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.api+path, nil)
	if err != nil {
		return err
	}
	for k, v := range c.header {
		req.Header[k] = v
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return fmt.Errorf("get %s: status %d: %s", path, resp.StatusCode, body.Error)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// SyncConversations 拉取会话列表覆盖本地视图。
func (c *Client) SyncConversations(ctx context.Context) error {
	var body struct {
		Conversations []Conversation `json:"conversations"`
	}
	if err := c.getJSON(ctx, "/conversations", &body); err != nil {
		return err
	}
	c.state.LoadConversations(body.Conversations)
	return nil
}

// SyncHistory 拉取最新一页历史并以快照为准合并；服务端同时把这些消息记为已读。
func (c *Client) SyncHistory(ctx context.Context, conversationID string) error {
	var body struct {
		Messages []models.Message `json:"messages"`
	}
	if err := c.getJSON(ctx, "/messages/"+url.PathEscape(conversationID), &body); err != nil {
		return err
	}
	c.state.LoadHistory(conversationID, body.Messages)
	return nil
}

// Sync 刷新会话列表，conversationID 非空时再刷新该会话的历史。
// 断线重连后调用，REST 快照覆盖断线期间可能错过的事件。
func (c *Client) Sync(ctx context.Context, conversationID string) error {
	if err := c.SyncConversations(ctx); err != nil {
		return err
	}
	if conversationID == "" {
		return nil
	}
	return c.SyncHistory(ctx, conversationID)
}

// Open 选中一个会话：先加入房间再拉取历史，两者之间到达的事件与快照按 id 去重。
func (c *Client) Open(ctx context.Context, conversationID string) error {
	if err := c.Join(conversationID); err != nil {
		return err
	}
	return c.SyncHistory(ctx, conversationID)
}

func (c *Client) State() *State { return c.state }

func (c *Client) emit(name string, data any) error {
	b, err := event.Encode(name, data)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

// Join 打开会话时加入会话房间。
func (c *Client) Join(conversationID string) error {
	return c.emit(event.ConversationJoin, conversationID)
}

func (c *Client) Leave(conversationID string) error {
	return c.emit(event.ConversationLeave, conversationID)
}

func (c *Client) StartTyping(conversationID string) error {
	return c.emit(event.TypingStart, event.TypingRequest{ConversationID: conversationID})
}

func (c *Client) StopTyping(conversationID string) error {
	return c.emit(event.TypingStop, event.TypingRequest{ConversationID: conversationID})
}

// Run 读取事件直到连接关闭或 ctx 取消；每条事件合并后回调 onEvent（可为 nil）。
func (c *Client) Run(ctx context.Context, onEvent func(event.Envelope)) error {
	stop := context.AfterFunc(ctx, func() { _ = c.conn.Close() })
	defer stop()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		env, err := event.Decode(data)
		if err != nil {
			log.Warn().Err(err).Msg("drop malformed event")
			continue
		}
		if err := c.state.Apply(env); err != nil {
			log.Warn().Err(err).Str("event", env.Event).Msg("merge event")
			continue
		}
		if onEvent != nil {
			onEvent(env)
		}
	}
}

// Close 发送关闭帧并断开连接。
func (c *Client) Close() error {
	c.wmu.Lock()
	err := c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	c.wmu.Unlock()
	if cerr := c.conn.Close(); err == nil || errors.Is(err, websocket.ErrCloseSent) {
		err = cerr
	}
	return err
}
