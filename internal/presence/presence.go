package presence

import (
	"sort"
	"sync"
	"time"

	"chatsync/internal/metrics"
)

// Entry 是某个用户的在线状态快照。
type Entry struct {
	UserID      string    `json:"userId"`
	Online      bool      `json:"online"`
	Connections int       `json:"connections"`
	LastSeen    time.Time `json:"lastSeen"`
}

type state struct {
	conns    map[string]struct{}
	lastSeen time.Time
}

// Tracker 按用户记录活跃连接集合：集合非空即在线，清空时才算离线。
type Tracker struct {
	mu    sync.Mutex
	users map[string]*state
	now   func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{users: make(map[string]*state), now: time.Now}
}

// Connect 记录一条新连接，返回该用户是否由离线变为在线。
func (t *Tracker) Connect(userID, connID string) (bool, time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.users[userID]
	if !ok {
		st = &state{conns: make(map[string]struct{})}
		t.users[userID] = st
	}
	_, dup := st.conns[connID]
	st.conns[connID] = struct{}{}
	st.lastSeen = t.now().UTC()
	cameOnline := !dup && len(st.conns) == 1
	if cameOnline {
		metrics.OnlineUsers.Inc()
	}
	return cameOnline, st.lastSeen
}

// Disconnect 移除一条连接，返回该用户是否由在线变为离线。未知连接不产生变化。
func (t *Tracker) Disconnect(userID, connID string) (bool, time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.users[userID]
	if !ok {
		return false, time.Time{}
	}
	if _, ok := st.conns[connID]; !ok {
		return false, st.lastSeen
	}
	delete(st.conns, connID)
	st.lastSeen = t.now().UTC()
	wentOffline := len(st.conns) == 0
	if wentOffline {
		metrics.OnlineUsers.Dec()
	}
	return wentOffline, st.lastSeen
}

func (t *Tracker) IsOnline(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.users[userID]
	return ok && len(st.conns) > 0
}

// Snapshot 返回所有见过的用户（含已离线者），按用户 id 排序。
func (t *Tracker) Snapshot() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, 0, len(t.users))
	for id, st := range t.users {
		out = append(out, Entry{UserID: id, Online: len(st.conns) > 0, Connections: len(st.conns), LastSeen: st.lastSeen})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// OnlineCount 返回当前在线用户数。
func (t *Tracker) OnlineCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, st := range t.users {
		if len(st.conns) > 0 {
			n++
		}
	}
	return n
}
