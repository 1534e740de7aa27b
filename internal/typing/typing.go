// Package typing relays typing signals between members of a conversation
// room and expires entries whose owner stopped refreshing them.
package typing

import (
	"sort"
	"sync"
	"time"

	"chatsync/internal/event"
	"chatsync/internal/metrics"

	"github.com/rs/zerolog/log"
)

const DefaultTTL = 5 * time.Second

type entry struct {
	connID string
	at     time.Time
}

// Broker 维护每个会话正在输入的用户集合。每次 start/stop 都会转发给房间内其他连接，
// 超过 TTL 未刷新的条目由后台清理并补发 typing:stop。
type Broker struct {
	mu    sync.Mutex
	convs map[string]map[string]entry
	bus   event.Broadcaster
	ttl   time.Duration
	now   func() time.Time
	stop  chan struct{}
	once  sync.Once
}

func NewBroker(bus event.Broadcaster, ttl time.Duration) *Broker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Broker{
		convs: make(map[string]map[string]entry),
		bus:   bus,
		ttl:   ttl,
		now:   time.Now,
		stop:  make(chan struct{}),
	}
}

// Start 记录或刷新输入状态，并转发给房间内除发送连接外的所有人。
func (b *Broker) Start(conversationID, userID, connID string) {
	b.mu.Lock()
	set, ok := b.convs[conversationID]
	if !ok {
		set = make(map[string]entry)
		b.convs[conversationID] = set
	}
	set[userID] = entry{connID: connID, at: b.now()}
	b.mu.Unlock()
	b.bus.ToConversationExcept(conversationID, connID, event.TypingStart, event.TypingPayload{UserID: userID, ConversationID: conversationID})
}

// Relay 处理客户端显式发送的 typing:stop：无论服务端是否记录过都转发。
func (b *Broker) Relay(conversationID, userID, connID string) {
	b.remove(conversationID, userID, "")
	b.bus.ToConversationExcept(conversationID, connID, event.TypingStop, event.TypingPayload{UserID: userID, ConversationID: conversationID})
}

// Stop 清除用户在会话中的输入状态；仅当确有记录时广播 typing:stop。
func (b *Broker) Stop(conversationID, userID string) {
	if e, ok := b.remove(conversationID, userID, ""); ok {
		b.bus.ToConversationExcept(conversationID, e.connID, event.TypingStop, event.TypingPayload{UserID: userID, ConversationID: conversationID})
	}
}

// StopConn 与 Stop 相同，但只清除由 connID 这条连接记录的条目，
// 同一用户其他连接上的输入状态保持不变。
func (b *Broker) StopConn(conversationID, userID, connID string) {
	if e, ok := b.remove(conversationID, userID, connID); ok {
		b.bus.ToConversationExcept(conversationID, e.connID, event.TypingStop, event.TypingPayload{UserID: userID, ConversationID: conversationID})
	}
}

// remove 删除条目；connID 非空时仅当条目属于该连接才删除。
func (b *Broker) remove(conversationID, userID, connID string) (entry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.convs[conversationID]
	if !ok {
		return entry{}, false
	}
	e, ok := set[userID]
	if !ok || (connID != "" && e.connID != connID) {
		return entry{}, false
	}
	delete(set, userID)
	if len(set) == 0 {
		delete(b.convs, conversationID)
	}
	return e, true
}

// StopConnection 在连接断开时清除该连接发起的所有输入状态。
func (b *Broker) StopConnection(connID string) {
	type key struct{ conv, user string }
	var stopped []key
	b.mu.Lock()
	for conv, set := range b.convs {
		for user, e := range set {
			if e.connID == connID {
				delete(set, user)
				stopped = append(stopped, key{conv, user})
			}
		}
		if len(set) == 0 {
			delete(b.convs, conv)
		}
	}
	b.mu.Unlock()
	for _, k := range stopped {
		b.bus.ToConversationExcept(k.conv, connID, event.TypingStop, event.TypingPayload{UserID: k.user, ConversationID: k.conv})
	}
}

// Typing 返回会话中正在输入的用户，按 id 排序。
func (b *Broker) Typing(conversationID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.convs[conversationID]
	out := make([]string, 0, len(set))
	for user := range set {
		out = append(out, user)
	}
	sort.Strings(out)
	return out
}

// Sweep 清除超过 TTL 的条目，返回清除数量。
func (b *Broker) Sweep() int {
	type expired struct {
		conv, user string
		e          entry
	}
	var out []expired
	cutoff := b.now().Add(-b.ttl)
	b.mu.Lock()
	for conv, set := range b.convs {
		for user, e := range set {
			if e.at.Before(cutoff) {
				delete(set, user)
				out = append(out, expired{conv, user, e})
			}
		}
		if len(set) == 0 {
			delete(b.convs, conv)
		}
	}
	b.mu.Unlock()
	for _, x := range out {
		b.bus.ToConversationExcept(x.conv, x.e.connID, event.TypingStop, event.TypingPayload{UserID: x.user, ConversationID: x.conv})
	}
	if len(out) > 0 {
		metrics.TypingExpiredTotal.Add(float64(len(out)))
		log.Debug().Int("expired", len(out)).Msg("typing sweep")
	}
	return len(out)
}

// Run 周期性执行 Sweep，直到 Close 被调用。
func (b *Broker) Run() {
	ticker := time.NewTicker(b.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.Sweep()
		}
	}
}

// Close 停止后台清理，可重复调用。
func (b *Broker) Close() {
	b.once.Do(func() { close(b.stop) })
}
