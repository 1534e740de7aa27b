// Package syncclient is the reference client adapter: it merges REST snapshots with
// live events so that duplicate or reordered deliveries converge on the same view.
package syncclient

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"chatsync/internal/event"
	"chatsync/internal/models"
)

const (
	// TypingWindow 是客户端侧的输入状态过期时间。
	TypingWindow = 3 * time.Second

	maxNotifications = 50
)

// Conversation 是客户端持有的会话视图，字段与 REST 摘要同名。
type Conversation struct {
	ID            string              `json:"id"`
	Name          string              `json:"name"`
	IsGlobal      bool                `json:"isGlobal"`
	UnreadCount   int                 `json:"unreadCount"`
	LastMessage   *models.LastMessage `json:"lastMessage"`
	LastMessageAt time.Time           `json:"lastMessageAt"`
	CreatedAt     time.Time           `json:"createdAt"`
}

func (c *Conversation) activity() time.Time {
	if c.LastMessageAt.IsZero() {
		return c.CreatedAt
	}
	return c.LastMessageAt
}

// State 是幂等合并后的本地状态，可被多个 goroutine 并发读写。
type State struct {
	mu            sync.RWMutex
	self          string
	conversations map[string]*Conversation
	messages      map[string][]models.Message
	owner         map[string]string
	typing        map[string]map[string]time.Time
	online        map[string]bool
	notifications []event.NotificationPayload
	lastErr       *event.ErrorPayload
	now           func() time.Time
}

func NewState(selfID string) *State {
	return &State{
		self:          selfID,
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]models.Message),
		owner:         make(map[string]string),
		typing:        make(map[string]map[string]time.Time),
		online:        make(map[string]bool),
		now:           time.Now,
	}
}

// LoadConversations 用 REST 列表覆盖会话视图，未出现在列表中的会话保留。
func (s *State) LoadConversations(list []Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range list {
		c := list[i]
		s.conversations[c.ID] = &c
	}
}

// LoadHistory 合并一页历史。REST 是事实来源：同 id 的消息以快照为准。
// 拉取历史会在服务端清零自己的未读数，本地同步清零。
func (s *State) LoadHistory(conversationID string, page []models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range page {
		s.upsert(m, true)
	}
	if c, ok := s.conversations[conversationID]; ok {
		c.UnreadCount = 0
	}
}

// upsert 按 id 去重插入并保持 (createdAt, id) 顺序，返回是否新增。
func (s *State) upsert(m models.Message, replace bool) bool {
	list := s.messages[m.ConversationID]
	if _, ok := s.owner[m.ID]; ok {
		if replace {
			for i := range list {
				if list[i].ID == m.ID {
					list[i] = m
					break
				}
			}
		}
		return false
	}
	i := sort.Search(len(list), func(i int) bool {
		if list[i].CreatedAt.Equal(m.CreatedAt) {
			return list[i].ID > m.ID
		}
		return list[i].CreatedAt.After(m.CreatedAt)
	})
	list = append(list, models.Message{})
	copy(list[i+1:], list[i:])
	list[i] = m
	s.messages[m.ConversationID] = list
	s.owner[m.ID] = m.ConversationID
	return true
}

// Apply 合并一条实时事件。未知事件忽略，载荷无法解析时返回错误。
func (s *State) Apply(env event.Envelope) error {
	switch env.Event {
	case event.MessageNew:
		var p event.MessageNewPayload
		if err := decode(env, &p); err != nil {
			return err
		}
		if p.Message == nil {
			return fmt.Errorf("%s: missing message", env.Event)
		}
		s.addMessage(*p.Message)
	case event.ConversationUpdate:
		var p event.ConversationUpdatePayload
		if err := decode(env, &p); err != nil {
			return err
		}
		s.mu.Lock()
		s.conversation(p.ConversationID).UnreadCount = p.UnreadCount
		s.mu.Unlock()
	case event.MessageReact:
		var p event.ReactionPayload
		if err := decode(env, &p); err != nil {
			return err
		}
		s.react(p)
	case event.TypingStart, event.TypingStop:
		var p event.TypingPayload
		if err := decode(env, &p); err != nil {
			return err
		}
		s.setTyping(p, env.Event == event.TypingStart)
	case event.UserStatus:
		var p event.UserStatusPayload
		if err := decode(env, &p); err != nil {
			return err
		}
		s.mu.Lock()
		s.online[p.UserID] = p.Status == event.StatusOnline
		s.mu.Unlock()
	case event.NotificationNew:
		var p event.NotificationPayload
		if err := decode(env, &p); err != nil {
			return err
		}
		s.mu.Lock()
		s.notifications = append(s.notifications, p)
		if len(s.notifications) > maxNotifications {
			s.notifications = s.notifications[len(s.notifications)-maxNotifications:]
		}
		s.mu.Unlock()
	case event.Error:
		var p event.ErrorPayload
		if err := decode(env, &p); err != nil {
			return err
		}
		s.mu.Lock()
		s.lastErr = &p
		s.mu.Unlock()
	}
	return nil
}

func decode(env event.Envelope, v any) error {
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w", env.Event, err)
	}
	return nil
}

// conversation 返回会话视图，不存在时创建占位；调用方需持有写锁。
func (s *State) conversation(id string) *Conversation {
	c, ok := s.conversations[id]
	if !ok {
		c = &Conversation{ID: id}
		s.conversations[id] = c
	}
	return c
}

func (s *State) addMessage(m models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.upsert(m, false) {
		return
	}
	c := s.conversation(m.ConversationID)
	if !m.CreatedAt.Before(c.LastMessageAt) {
		last := m.Snapshot()
		c.LastMessage = &last
		c.LastMessageAt = m.CreatedAt
	}
	if m.SenderID == s.self {
		c.UnreadCount = 0
	}
	// 发送者的新消息意味着其输入已结束
	if set := s.typing[m.ConversationID]; set != nil {
		delete(set, m.SenderID)
	}
}

// react 以替换语义更新本地消息的表情。
func (s *State) react(p event.ReactionPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	convID, ok := s.owner[p.MessageID]
	if !ok {
		return
	}
	list := s.messages[convID]
	for i := range list {
		if list[i].ID != p.MessageID {
			continue
		}
		kept := make([]models.Reaction, 0, len(list[i].Reactions)+1)
		for _, r := range list[i].Reactions {
			if r.UserID != p.UserID {
				kept = append(kept, r)
			}
		}
		list[i].Reactions = append(kept, models.Reaction{UserID: p.UserID, Reaction: p.Reaction, CreatedAt: s.now().UTC()})
		return
	}
}

func (s *State) setTyping(p event.TypingPayload, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.typing[p.ConversationID]
	if !on {
		if set != nil {
			delete(set, p.UserID)
			if len(set) == 0 {
				delete(s.typing, p.ConversationID)
			}
		}
		return
	}
	if set == nil {
		set = make(map[string]time.Time)
		s.typing[p.ConversationID] = set
	}
	set[p.UserID] = s.now()
}

// Messages 返回会话内按时间正序的消息副本。
func (s *State) Messages(conversationID string) []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.messages[conversationID]
	out := make([]models.Message, len(list))
	copy(out, list)
	return out
}

// Conversations 返回全局会话在前、其余按最近活动倒序的会话列表。
func (s *State) Conversations() []Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, *c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].IsGlobal != out[j].IsGlobal {
			return out[i].IsGlobal
		}
		ai, aj := out[i].activity(), out[j].activity()
		if !ai.Equal(aj) {
			return ai.After(aj)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *State) Unread(conversationID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.conversations[conversationID]; ok {
		return c.UnreadCount
	}
	return 0
}

func (s *State) Online(userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.online[userID]
}

// Typing 返回仍在窗口期内的输入用户，按 id 排序。
func (s *State) Typing(conversationID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cutoff := s.now().Add(-TypingWindow)
	var out []string
	for user, at := range s.typing[conversationID] {
		if at.After(cutoff) {
			out = append(out, user)
		}
	}
	sort.Strings(out)
	return out
}

func (s *State) Notifications() []event.NotificationPayload {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]event.NotificationPayload, len(s.notifications))
	copy(out, s.notifications)
	return out
}

// LastError 返回服务端最近一次下发的 error 事件。
func (s *State) LastError() *event.ErrorPayload {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}
