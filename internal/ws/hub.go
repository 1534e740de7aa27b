package ws

import (
	"sync"
	"sync/atomic"

	"chatsync/internal/event"
	"chatsync/internal/metrics"

	"github.com/rs/zerolog/log"
)

// 房间键：会话房间、个人房间，以及承载全员广播（在线状态）的大厅。
const LobbyRoom = "lobby"

func ConversationRoom(conversationID string) string { return "conv:" + conversationID }

func UserRoom(userID string) string { return "user:" + userID }

// Hub 管理房间级别的子 Hub，实现延迟创建与并发安全，同时实现 event.Broadcaster。
type Hub struct {
	mu      sync.RWMutex
	rooms   map[string]*RoomHub
	clients map[*Client]struct{}
	quit    chan struct{}
	once    sync.Once
}

var _ event.Broadcaster = (*Hub)(nil)

func NewHub() *Hub {
	return &Hub{
		rooms:   make(map[string]*RoomHub),
		clients: make(map[*Client]struct{}),
		quit:    make(chan struct{}),
	}
}

// GetRoom 若房间未初始化则懒加载一个 RoomHub。
func (h *Hub) GetRoom(key string) *RoomHub {
	h.mu.RLock()
	room := h.rooms[key]
	h.mu.RUnlock()
	if room != nil {
		return room
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	room = h.rooms[key]
	if room != nil {
		return room
	}
	room = NewRoomHub(key, h.quit)
	if key != LobbyRoom {
		room.onEmpty = h.reap
	}
	h.rooms[key] = room
	go room.run()
	return room
}

// join 把客户端加入 key 对应的房间。房间在交接时已被回收则换新房间重试；
// Hub 已停止时返回 nil。
func (h *Hub) join(key string, c *Client) *RoomHub {
	for {
		room := h.GetRoom(key)
		if room.join(c) {
			return room
		}
		select {
		case <-h.quit:
			return nil
		default:
		}
	}
}

// reap 在房间变空时由其 run 循环调用，把它从索引中移除。
// 移除后 GetRoom 只会返回新房间，仍持有旧引用的 join 会看到 closed 并重试。
func (h *Hub) reap(room *RoomHub) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[room.key] == room {
		delete(h.rooms, room.key)
	}
}

// Rooms 返回当前存活的房间数。
func (h *Hub) Rooms() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

func (h *Hub) lookup(key string) *RoomHub {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rooms[key]
}

// Online 返回房间内的连接数。
func (h *Hub) Online(key string) int {
	room := h.lookup(key)
	if room == nil {
		return 0
	}
	return room.Online()
}

// Connections 返回当前全部连接数。
func (h *Hub) Connections() int { return h.Online(LobbyRoom) }

func (h *Hub) track(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) untrack(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// Stop 停止所有房间循环并关闭现有连接，用于优雅停服。
func (h *Hub) Stop() {
	h.once.Do(func() {
		close(h.quit)
		h.mu.RLock()
		defer h.mu.RUnlock()
		for c := range h.clients {
			_ = c.conn.Close()
		}
	})
}

func (h *Hub) ToConversation(conversationID, name string, data any) {
	h.publish(ConversationRoom(conversationID), "", name, data)
}

func (h *Hub) ToConversationExcept(conversationID, exceptConnID, name string, data any) {
	h.publish(ConversationRoom(conversationID), exceptConnID, name, data)
}

func (h *Hub) ToUser(userID, name string, data any) {
	h.publish(UserRoom(userID), "", name, data)
}

func (h *Hub) ToAll(name string, data any) {
	h.publish(LobbyRoom, "", name, data)
}

// publish 只投递给已存在的房间；没人监听的房间不会被创建。
func (h *Hub) publish(key, except, name string, data any) {
	room := h.lookup(key)
	if room == nil {
		return
	}
	b, err := event.Encode(name, data)
	if err != nil {
		log.Error().Err(err).Str("event", name).Msg("encode event")
		return
	}
	room.publish(outbound{data: b, except: except})
}

type outbound struct {
	data   []byte
	except string
}

type RoomHub struct {
	key        string
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan outbound
	quit       <-chan struct{}
	closed     chan struct{}
	onEmpty    func(*RoomHub)
	online     int32
}

func NewRoomHub(key string, quit <-chan struct{}) *RoomHub {
	return &RoomHub{
		key:        key,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan outbound, 256),
		quit:       quit,
		closed:     make(chan struct{}),
	}
}

func (rh *RoomHub) run() {
	for {
		select {
		case <-rh.quit:
			return
		case c := <-rh.register:
			rh.clients[c] = true
			atomic.StoreInt32(&rh.online, int32(len(rh.clients)))
		case c := <-rh.unregister:
			if _, ok := rh.clients[c]; ok {
				delete(rh.clients, c)
				atomic.StoreInt32(&rh.online, int32(len(rh.clients)))
			}
			if len(rh.clients) == 0 && rh.onEmpty != nil {
				rh.onEmpty(rh)
				close(rh.closed)
				return
			}
		case msg := <-rh.broadcast:
			for c := range rh.clients {
				if msg.except != "" && c.id == msg.except {
					continue
				}
				// 缓冲区满的连接直接丢弃本条事件，不阻塞房间也不踢掉连接。
				select {
				case c.send <- msg.data:
				default:
					metrics.EventsDroppedTotal.WithLabelValues("client").Inc()
				}
			}
		}
	}
}

// join 把客户端加入房间；Hub 已停止或房间已回收时返回 false。
func (rh *RoomHub) join(c *Client) bool {
	select {
	case rh.register <- c:
		return true
	case <-rh.quit:
		return false
	case <-rh.closed:
		return false
	}
}

// leave 返回后房间不会再向该客户端投递。
func (rh *RoomHub) leave(c *Client) {
	select {
	case rh.unregister <- c:
	case <-rh.quit:
	case <-rh.closed:
	}
}

func (rh *RoomHub) publish(msg outbound) {
	select {
	case rh.broadcast <- msg:
	default:
		metrics.EventsDroppedTotal.WithLabelValues("room").Inc()
	}
}

// Online 返回房间在线客户端数量。
func (rh *RoomHub) Online() int { return int(atomic.LoadInt32(&rh.online)) }
