package models

import (
	"sort"
	"time"
)

type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageFile  MessageType = "file"
)

// Valid 报告类型是否属于 text/image/file 之一。
func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageFile:
		return true
	}
	return false
}

type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusSeen      MessageStatus = "seen"
)

// UnreadCounts 是会话内成员到未读数的唯一计数容器，JSON 输出时键按字典序排列。
type UnreadCounts map[string]int

// Get 返回成员的未读数，缺失视为 0。
func (u UnreadCounts) Get(userID string) int {
	if u == nil {
		return 0
	}
	return u[userID]
}

// Keys 返回排序后的成员 id。
func (u UnreadCounts) Keys() []string {
	keys := make([]string, 0, len(u))
	for k := range u {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// LastMessage 是会话列表展示用的最后一条消息快照，不与原消息校验一致性。
type LastMessage struct {
	Text         string      `json:"text"`
	SenderID     string      `json:"senderId"`
	SenderName   string      `json:"senderName"`
	SenderAvatar string      `json:"senderAvatar"`
	Type         MessageType `json:"type"`
	CreatedAt    time.Time   `json:"createdAt"`
}

type Conversation struct {
	ID            string       `json:"id"`
	Members       []string     `json:"members"`
	IsGroup       bool         `json:"isGroup"`
	IsGlobal      bool         `json:"isGlobal"`
	AdminID       string       `json:"adminId,omitempty"`
	Name          string       `json:"name,omitempty"`
	LastMessage   *LastMessage `json:"lastMessage,omitempty"`
	LastMessageAt *time.Time   `json:"lastMessageAt,omitempty"`
	UnreadCounts  UnreadCounts `json:"unreadCounts"`
	CreatedAt     time.Time    `json:"createdAt"`
	UpdatedAt     time.Time    `json:"updatedAt"`
}

// HasMember 判断用户是否已是会话成员。
func (c *Conversation) HasMember(userID string) bool {
	for _, m := range c.Members {
		if m == userID {
			return true
		}
	}
	return false
}

// ActivityAt 用于会话排序：有消息时取最后消息时间，否则取创建时间。
func (c *Conversation) ActivityAt() time.Time {
	if c.LastMessageAt != nil {
		return *c.LastMessageAt
	}
	return c.CreatedAt
}

type Reaction struct {
	UserID    string    `json:"userId"`
	Reaction  string    `json:"reaction"`
	CreatedAt time.Time `json:"createdAt"`
}

type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	SenderName     string        `json:"senderName"`
	SenderAvatar   string        `json:"senderAvatar"`
	Type           MessageType   `json:"type"`
	Text           string        `json:"text"`
	FileURL        string        `json:"fileUrl"`
	FileName       string        `json:"fileName"`
	FileSize       int64         `json:"fileSize"`
	Status         MessageStatus `json:"status"`
	ReadBy         []string      `json:"readBy"`
	Reactions      []Reaction    `json:"reactions"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

// ReadByUser 判断用户是否已在 readBy 中。
func (m *Message) ReadByUser(userID string) bool {
	for _, id := range m.ReadBy {
		if id == userID {
			return true
		}
	}
	return false
}

// Preview 生成会话列表中的最后消息文本，非文本消息显示为 "Sent a <type>"。
func (m *Message) Preview() string {
	if m.Type == MessageText {
		return m.Text
	}
	return "Sent a " + string(m.Type)
}

// Snapshot 把消息投影为会话的 lastMessage。
func (m *Message) Snapshot() LastMessage {
	return LastMessage{
		Text:         m.Preview(),
		SenderID:     m.SenderID,
		SenderName:   m.SenderName,
		SenderAvatar: m.SenderAvatar,
		Type:         m.Type,
		CreatedAt:    m.CreatedAt,
	}
}

// ReactionCount 是按表情值聚合后的结果。
type ReactionCount struct {
	Reaction string   `json:"reaction"`
	Count    int      `json:"count"`
	UserIDs  []string `json:"userIds"`
}

// GroupReactions 按表情值分组计数，顺序为各值首次出现的顺序。
func GroupReactions(reactions []Reaction) []ReactionCount {
	idx := make(map[string]int, len(reactions))
	out := make([]ReactionCount, 0, len(reactions))
	for _, r := range reactions {
		i, ok := idx[r.Reaction]
		if !ok {
			i = len(out)
			idx[r.Reaction] = i
			out = append(out, ReactionCount{Reaction: r.Reaction})
		}
		out[i].Count++
		out[i].UserIDs = append(out[i].UserIDs, r.UserID)
	}
	return out
}

type UserProfile struct {
	UserID      string     `json:"userId"`
	DisplayName string     `json:"displayName"`
	AvatarURL   string     `json:"avatarUrl"`
	Email       string     `json:"email,omitempty"`
	LastSeenAt  *time.Time `json:"lastSeenAt,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}
