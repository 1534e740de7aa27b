// Package event defines the live-channel vocabulary: event names, payloads,
// the {event, data} envelope, and the Broadcaster that components use to emit.
package event

import (
	"encoding/json"
	"time"

	"chatsync/internal/models"
)

// 客户端 -> 服务端
const (
	ConversationJoin  = "conversation:join"
	ConversationLeave = "conversation:leave"
	TypingStart       = "typing:start"
	TypingStop        = "typing:stop"
)

// 服务端 -> 客户端
const (
	MessageNew         = "message:new"
	ConversationUpdate = "conversation:update"
	NotificationNew    = "notification:new"
	MessageReact       = "message:react"
	UserStatus         = "user:status"
	Error              = "error"
)

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Envelope 是线上传输的统一外层结构。
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode 把事件序列化为 envelope JSON。
func Encode(name string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: name, Data: raw})
}

// Decode 解析 envelope，data 保持原始 JSON 由调用方按事件名再解码。
func Decode(b []byte) (Envelope, error) {
	var env Envelope
	err := json.Unmarshal(b, &env)
	return env, err
}

type MessageNewPayload struct {
	ConversationID string          `json:"conversationId"`
	Message        *models.Message `json:"message"`
}

type ConversationUpdatePayload struct {
	ConversationID string `json:"conversationId"`
	UnreadCount    int    `json:"unreadCount"`
}

type NotificationPreview struct {
	Text       string `json:"text"`
	SenderName string `json:"senderName"`
}

type NotificationPayload struct {
	Type           string              `json:"type"`
	ConversationID string              `json:"conversationId"`
	Message        NotificationPreview `json:"message"`
}

type ReactionPayload struct {
	MessageID      string `json:"messageId"`
	UserID         string `json:"userId"`
	Reaction       string `json:"reaction"`
	ConversationID string `json:"conversationId"`
}

type TypingPayload struct {
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
}

// TypingRequest 是客户端发来的 typing:start / typing:stop 数据。
type TypingRequest struct {
	ConversationID string `json:"conversationId"`
}

type UserStatusPayload struct {
	UserID   string    `json:"userId"`
	Status   string    `json:"status"`
	LastSeen time.Time `json:"lastSeen"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Broadcaster 由实时路由实现并注入到需要发事件的组件中。投递是尽力而为的，
// 调用方不会得到失败反馈。
type Broadcaster interface {
	ToConversation(conversationID, name string, data any)
	// ToConversationExcept 跳过指定连接，用于把 typing 转发给房间里的其他人。
	ToConversationExcept(conversationID, exceptConnID, name string, data any)
	ToUser(userID, name string, data any)
	ToAll(name string, data any)
}
