package event

import (
	"encoding/json"
	"testing"
	"time"

	"chatsync/internal/models"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// TestWireFormat pins the JSON that clients parse for every server event.
func TestWireFormat(t *testing.T) {
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)

	cases := []struct {
		golden string
		name   string
		data   any
	}{
		{"message_new", MessageNew, MessageNewPayload{
			ConversationID: "c1",
			Message: &models.Message{
				ID:             "m1",
				ConversationID: "c1",
				SenderID:       "u1",
				SenderName:     "Ana",
				Type:           models.MessageText,
				Text:           "hi",
				Status:         models.StatusSent,
				ReadBy:         []string{"u1"},
				Reactions:      []models.Reaction{},
				CreatedAt:      fixedTime,
				UpdatedAt:      fixedTime,
			},
		}},
		{"conversation_update", ConversationUpdate, ConversationUpdatePayload{ConversationID: "c1", UnreadCount: 2}},
		{"notification_new", NotificationNew, NotificationPayload{
			Type:           "new_message",
			ConversationID: "c1",
			Message:        NotificationPreview{Text: "Sent a image", SenderName: "Ana"},
		}},
		{"message_react", MessageReact, ReactionPayload{MessageID: "m1", UserID: "u2", Reaction: "👍", ConversationID: "c1"}},
		{"typing_start", TypingStart, TypingPayload{UserID: "u2", ConversationID: "c1"}},
		{"user_status", UserStatus, UserStatusPayload{UserID: "u2", Status: StatusOffline, LastSeen: fixedTime}},
		{"error", Error, ErrorPayload{Code: "not_found", Message: "conversation not found"}},
	}

	for _, tc := range cases {
		t.Run(tc.golden, func(t *testing.T) {
			b, err := Encode(tc.name, tc.data)
			require.NoError(t, err)
			g.Assert(t, tc.golden, append(b, '\n'))
		})
	}
}

func TestDecode(t *testing.T) {
	env, err := Decode([]byte(`{"event":"typing:stop","data":{"conversationId":"c9"}}`))
	require.NoError(t, err)
	assert.Equal(t, TypingStop, env.Event)

	var req TypingRequest
	require.NoError(t, json.Unmarshal(env.Data, &req))
	assert.Equal(t, "c9", req.ConversationID)

	env, err = Decode([]byte(`{"event":"conversation:join","data":"c1"}`))
	require.NoError(t, err)
	assert.Equal(t, `"c1"`, string(env.Data))

	_, err = Decode([]byte(`not json`))
	assert.Error(t, err)
}
