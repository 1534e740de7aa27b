package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"chatsync/internal/db"
	"chatsync/internal/models"
	"chatsync/internal/store"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	gdb, err := db.OpenSQLite(fmt.Sprintf("file:svc_%s?mode=memory&cache=shared&_busy_timeout=5000", name))
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gdb))
	st := db.NewStore(gdb)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// sent 是 recorder 记录的一次广播。
type sent struct {
	Target string
	Except string
	Name   string
	Data   any
}

type recorder struct {
	mu     sync.Mutex
	events []sent
}

func (r *recorder) add(s sent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, s)
}

func (r *recorder) ToConversation(conversationID, name string, data any) {
	r.add(sent{Target: "conv:" + conversationID, Name: name, Data: data})
}

func (r *recorder) ToConversationExcept(conversationID, exceptConnID, name string, data any) {
	r.add(sent{Target: "conv:" + conversationID, Except: exceptConnID, Name: name, Data: data})
}

func (r *recorder) ToUser(userID, name string, data any) {
	r.add(sent{Target: "user:" + userID, Name: name, Data: data})
}

func (r *recorder) ToAll(name string, data any) {
	r.add(sent{Target: "all", Name: name, Data: data})
}

func (r *recorder) named(name string) []sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []sent
	for _, s := range r.events {
		if s.Name == name {
			out = append(out, s)
		}
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

type typingStops struct {
	mu    sync.Mutex
	calls []string
}

func (f *typingStops) Stop(conversationID, userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, conversationID+"/"+userID)
}

type onlineSet map[string]bool

func (o onlineSet) IsOnline(userID string) bool { return o[userID] }

// flakyStore 让投影更新先失败若干次。
type flakyStore struct {
	store.Store
	mu       sync.Mutex
	failures int
	calls    int
	ids      []string
}

var errFlaky = errors.New("connection reset")

func (f *flakyStore) ApplyMessageProjection(ctx context.Context, p store.Projection) (models.UnreadCounts, error) {
	f.mu.Lock()
	f.calls++
	f.ids = append(f.ids, p.MessageID)
	fail := f.calls <= f.failures
	f.mu.Unlock()
	if fail {
		return nil, errFlaky
	}
	return f.Store.ApplyMessageProjection(ctx, p)
}

type fixture struct {
	store  store.Store
	guard  *Guard
	bus    *recorder
	typing *typingStops
	msgs   *MessageService
	convs  *ConversationService
}

func newFixture(t *testing.T, st store.Store) *fixture {
	t.Helper()
	if st == nil {
		st = newTestStore(t)
	}
	guard := NewGuard(st)
	bus := &recorder{}
	typing := &typingStops{}
	msgs := NewMessageService(st, guard, bus, typing)
	msgs.retry = RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	msgs.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Second)
		return clock
	}
	return &fixture{
		store:  st,
		guard:  guard,
		bus:    bus,
		typing: typing,
		msgs:   msgs,
		convs:  NewConversationService(st, guard),
	}
}

func (f *fixture) direct(t *testing.T, a, b string) *models.Conversation {
	t.Helper()
	conv, _, err := f.store.EnsureDirectConversation(context.Background(), a, b)
	require.NoError(t, err)
	return conv
}

func (f *fixture) send(t *testing.T, conv, sender, text string) *models.Message {
	t.Helper()
	msg, err := f.msgs.Send(context.Background(), SendInput{ConversationID: conv, SenderID: sender, Text: text})
	require.NoError(t, err)
	return msg
}

func (f *fixture) unread(t *testing.T, conv, user string) int {
	t.Helper()
	c, err := f.store.GetConversation(context.Background(), conv)
	require.NoError(t, err)
	return c.UnreadCounts.Get(user)
}
