package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"chatsync/internal/auth"
	"chatsync/internal/config"
	"chatsync/internal/db"
	"chatsync/internal/presence"
	"chatsync/internal/service"
	"chatsync/internal/typing"
	"chatsync/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	gdb, err := db.OpenSQLite(fmt.Sprintf("file:srv_%s?mode=memory&cache=shared&_busy_timeout=5000", name))
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gdb))
	st := db.NewStore(gdb)

	hub := ws.NewHub()
	tracker := presence.NewTracker()
	broker := typing.NewBroker(hub, 0)
	guard := service.NewGuard(st)
	t.Cleanup(func() {
		hub.Stop()
		broker.Close()
		_ = st.Close()
	})

	cfg := config.Config{
		Env:                   "test",
		JWTSecret:             "router-secret",
		AccessTokenTTLMinutes: 15,
		TrustUserHeader:       true,
		UploadDir:             t.TempDir(),
		UploadMaxBytes:        1 << 20,
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return SetupRouter(ctx, cfg, Deps{
		Conversations: service.NewConversationService(st, guard),
		Messages:      service.NewMessageService(st, guard, hub, broker),
		Users:         service.NewUserService(st, tracker),
		Guard:         guard,
		Hub:           hub,
		Presence:      tracker,
		Typing:        broker,
	})
}

func do(t *testing.T, r *gin.Engine, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set(auth.UserHeader, userID)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHealthz(t *testing.T) {
	r := newTestRouter(t)
	w := do(t, r, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","connections":0,"online":0}`, w.Body.String())
}

func TestAPIRequiresCredentials(t *testing.T) {
	r := newTestRouter(t)
	w := do(t, r, http.MethodGet, "/api/v1/conversations", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/conversations", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBearerToken(t *testing.T) {
	r := newTestRouter(t)
	tok, err := auth.GenerateAccessToken("alice", "router-secret", 5)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/conversations", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	out := decode[struct {
		Conversations []service.ConversationSummary `json:"conversations"`
	}](t, w)
	require.Len(t, out.Conversations, 1)
	assert.True(t, out.Conversations[0].IsGlobal)
}

type conversationResp struct {
	Conversation service.ConversationSummary `json:"conversation"`
}

func TestSendAndHistoryFlow(t *testing.T) {
	r := newTestRouter(t)

	w := do(t, r, http.MethodPost, "/api/v1/conversations", "alice", gin.H{"targetUserId": "bob"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	conv := decode[conversationResp](t, w).Conversation

	w = do(t, r, http.MethodPost, "/api/v1/conversations", "bob", gin.H{"targetUserId": "alice"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, conv.ID, decode[conversationResp](t, w).Conversation.ID)

	w = do(t, r, http.MethodPost, "/api/v1/messages", "alice", gin.H{"conversationId": conv.ID, "text": "hi"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(t, r, http.MethodGet, "/api/v1/conversations/"+conv.ID, "bob", nil)
	require.Equal(t, http.StatusOK, w.Code)
	detail := decode[conversationResp](t, w).Conversation
	assert.Equal(t, 1, detail.UnreadCount)
	assert.Equal(t, "hi", detail.LastMessage.Text)

	w = do(t, r, http.MethodGet, "/api/v1/messages/"+conv.ID+"?limit=10", "bob", nil)
	require.Equal(t, http.StatusOK, w.Code)
	page := decode[service.HistoryPage](t, w)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "seen", string(page.Messages[0].Status))
	assert.Equal(t, 10, page.Pagination.Limit)

	w = do(t, r, http.MethodGet, "/api/v1/conversations/"+conv.ID, "bob", nil)
	assert.Equal(t, 0, decode[conversationResp](t, w).Conversation.UnreadCount)

	msgID := page.Messages[0].ID
	w = do(t, r, http.MethodPost, "/api/v1/messages/"+msgID+"/reaction", "bob", gin.H{"reaction": "👍"})
	require.Equal(t, http.StatusOK, w.Code)
	w = do(t, r, http.MethodPost, "/api/v1/messages/"+msgID+"/reaction", "bob", gin.H{"reaction": "❤️"})
	require.Equal(t, http.StatusOK, w.Code)
	reacted := decode[struct {
		Message struct {
			Reactions []struct {
				UserID   string `json:"userId"`
				Reaction string `json:"reaction"`
			} `json:"reactions"`
		} `json:"message"`
	}](t, w)
	require.Len(t, reacted.Message.Reactions, 1)
	assert.Equal(t, "❤️", reacted.Message.Reactions[0].Reaction)
}

func TestNonMemberGetsNotFound(t *testing.T) {
	r := newTestRouter(t)
	w := do(t, r, http.MethodPost, "/api/v1/conversations", "alice", gin.H{"targetUserId": "bob"})
	require.Equal(t, http.StatusCreated, w.Code)
	conv := decode[conversationResp](t, w).Conversation

	for _, path := range []string{"/api/v1/conversations/" + conv.ID, "/api/v1/messages/" + conv.ID} {
		w := do(t, r, http.MethodGet, path, "mallory", nil)
		assert.Equal(t, http.StatusNotFound, w.Code, path)
	}
	w = do(t, r, http.MethodPost, "/api/v1/messages", "mallory", gin.H{"conversationId": conv.ID, "text": "hi"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, r, http.MethodGet, "/api/v1/conversations/does-not-exist", "alice", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestValidationErrors(t *testing.T) {
	r := newTestRouter(t)

	w := do(t, r, http.MethodPost, "/api/v1/messages", "alice", gin.H{"conversationId": "x", "text": "  "})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "text", decode[gin.H](t, w)["field"])

	w = do(t, r, http.MethodPost, "/api/v1/conversations", "alice", gin.H{"targetUserId": "alice"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, http.MethodPost, "/api/v1/conversations/group", "alice", gin.H{"name": "", "memberIds": []string{"bob"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/messages", strings.NewReader("{"))
	req.Header.Set(auth.UserHeader, "alice")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGroupAndDirectory(t *testing.T) {
	r := newTestRouter(t)
	for id, name := range map[string]string{"alice": "Alice", "bob": "Bob"} {
		w := do(t, r, http.MethodPost, "/api/v1/users/sync", id, gin.H{"displayName": name})
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := do(t, r, http.MethodPost, "/api/v1/conversations/group", "alice", gin.H{"name": "team", "memberIds": []string{"bob", "carol"}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	group := decode[conversationResp](t, w).Conversation
	assert.Equal(t, "team", group.Name)
	assert.Len(t, group.Members, 3)

	w = do(t, r, http.MethodGet, "/api/v1/users", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	users := decode[struct {
		Users []service.DirectoryEntry `json:"users"`
	}](t, w).Users
	require.Len(t, users, 1)
	assert.Equal(t, "bob", users[0].UserID)
	assert.False(t, users[0].Online)

	w = do(t, r, http.MethodGet, "/api/v1/presence", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"users":[]}`, w.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	r := newTestRouter(t)
	do(t, r, http.MethodGet, "/healthz", "", nil)
	w := do(t, r, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "http_requests_total")
}
