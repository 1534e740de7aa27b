package service

import (
	"context"
	"testing"

	"chatsync/internal/models"
	"chatsync/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestList_GlobalFirstThenActivity(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	older := f.direct(t, "x", "y")
	newer := f.direct(t, "x", "z")
	f.send(t, older.ID, "y", "first")
	f.send(t, newer.ID, "z", "second")

	list, err := f.convs.List(ctx, "x")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.True(t, list[0].IsGlobal)
	assert.Equal(t, store.GlobalConversationName, list[0].Name)
	assert.Equal(t, newer.ID, list[1].ID)
	assert.Equal(t, older.ID, list[2].ID)
	assert.Equal(t, 1, list[1].UnreadCount)

	f.send(t, older.ID, "y", "third")
	list, err = f.convs.List(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, older.ID, list[1].ID)
	assert.Equal(t, "third", list[1].LastMessage.Text)
	assert.Equal(t, 2, list[1].UnreadCount)
}

func TestList_JoinsGlobal(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	list, err := f.convs.List(ctx, "newcomer")
	require.NoError(t, err)
	require.Len(t, list, 1)

	global, err := f.store.EnsureGlobalConversation(ctx)
	require.NoError(t, err)
	assert.True(t, global.HasMember("newcomer"))
	assert.Equal(t, 0, global.UnreadCounts.Get("newcomer"))
}

func TestEnsureDirect(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.store.UpsertProfile(ctx, models.UserProfile{UserID: "y", DisplayName: "Yara", AvatarURL: "y.png"}))

	conv, created, err := f.convs.EnsureDirect(ctx, "x", "y")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "Yara", conv.Name)
	assert.Equal(t, "y.png", conv.Avatar)
	assert.False(t, conv.IsGroup)

	again, created, err := f.convs.EnsureDirect(ctx, "y", "x")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, conv.ID, again.ID)
	// y 看到的是 x 的占位名
	assert.Equal(t, "User x", again.Name)

	_, _, err = f.convs.EnsureDirect(ctx, "x", "x")
	assert.ErrorIs(t, err, ErrValidation)
	_, _, err = f.convs.EnsureDirect(ctx, "x", " ")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestDetail(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	conv := f.direct(t, "x", "y")

	d, err := f.convs.Detail(ctx, "x", conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, d.ID)
	assert.Len(t, d.Members, 2)

	_, err = f.convs.Detail(ctx, "z", conv.ID)
	assert.ErrorIs(t, err, ErrAccessDenied)
	_, err = f.convs.Detail(ctx, "x", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestDetail_GlobalJoinIsIdempotent 首次访问全局会话时入会，再次访问不改变成员。
func TestDetail_GlobalJoinIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	global, err := f.store.EnsureGlobalConversation(ctx)
	require.NoError(t, err)

	d, err := f.convs.Detail(ctx, "z", global.ID)
	require.NoError(t, err)
	require.Len(t, d.Members, 1)
	assert.Equal(t, "z", d.Members[0].UserID)

	d, err = f.convs.Detail(ctx, "z", global.ID)
	require.NoError(t, err)
	assert.Len(t, d.Members, 1)

	stored, err := f.store.GetConversation(ctx, global.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"z"}, stored.Members)
}

func TestCreateGroup(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	g, err := f.convs.CreateGroup(ctx, "x", "  Team  ", []string{"y", "z", "y", "x", ""})
	require.NoError(t, err)
	assert.Equal(t, "Team", g.Name)
	assert.True(t, g.IsGroup)
	assert.Equal(t, "x", g.AdminID)
	assert.Len(t, g.Members, 3)
	assert.Empty(t, g.Avatar)

	tests := []struct {
		name    string
		group   string
		members []string
	}{
		{"blank name", " ", []string{"y"}},
		{"no other member", "solo", []string{"x"}},
		{"name too long", string(make([]rune, maxGroupNameLength+1)), []string{"y"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.convs.CreateGroup(ctx, "x", tt.group, tt.members)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestPlaceholderName(t *testing.T) {
	assert.Equal(t, "User 1234", placeholderName("user-001234"))
	assert.Equal(t, "User ab", placeholderName("ab"))
}
