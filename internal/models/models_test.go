package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroupReactions(t *testing.T) {
	got := GroupReactions([]Reaction{
		{UserID: "a", Reaction: "👍"},
		{UserID: "b", Reaction: "❤️"},
		{UserID: "c", Reaction: "👍"},
	})
	assert.Equal(t, []ReactionCount{
		{Reaction: "👍", Count: 2, UserIDs: []string{"a", "c"}},
		{Reaction: "❤️", Count: 1, UserIDs: []string{"b"}},
	}, got)
	assert.Empty(t, GroupReactions(nil))
}

func TestPreviewAndSnapshot(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	text := &Message{SenderID: "a", SenderName: "Ana", Type: MessageText, Text: "hi", CreatedAt: at}
	assert.Equal(t, "hi", text.Preview())

	img := &Message{SenderID: "a", Type: MessageImage, FileURL: "/uploads/x.png", CreatedAt: at}
	assert.Equal(t, "Sent a image", img.Preview())

	snap := text.Snapshot()
	assert.Equal(t, LastMessage{Text: "hi", SenderID: "a", SenderName: "Ana", Type: MessageText, CreatedAt: at}, snap)
}

func TestMessageType_Valid(t *testing.T) {
	for _, mt := range []MessageType{MessageText, MessageImage, MessageFile} {
		assert.True(t, mt.Valid(), mt)
	}
	assert.False(t, MessageType("video").Valid())
	assert.False(t, MessageType("").Valid())
}

func TestUnreadCounts(t *testing.T) {
	var nilCounts UnreadCounts
	assert.Equal(t, 0, nilCounts.Get("a"))

	u := UnreadCounts{"b": 2, "a": 0}
	assert.Equal(t, 2, u.Get("b"))
	assert.Equal(t, []string{"a", "b"}, u.Keys())

	b, err := json.Marshal(u)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":0,"b":2}`, string(b))
}

func TestConversationHelpers(t *testing.T) {
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	c := &Conversation{Members: []string{"a", "b"}, CreatedAt: created}
	assert.True(t, c.HasMember("a"))
	assert.False(t, c.HasMember("z"))
	assert.Equal(t, created, c.ActivityAt())

	last := created.Add(time.Hour)
	c.LastMessageAt = &last
	assert.Equal(t, last, c.ActivityAt())

	m := &Message{ReadBy: []string{"a"}}
	assert.True(t, m.ReadByUser("a"))
	assert.False(t, m.ReadByUser("b"))
}
