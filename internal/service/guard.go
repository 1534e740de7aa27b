package service

import (
	"context"
	"errors"

	"chatsync/internal/models"
	"chatsync/internal/store"

	"github.com/rs/zerolog/log"
)

// Guard 判定用户能否访问会话；全局会话对所有人开放，首次访问时自动入会。
type Guard struct {
	store store.Store
}

func NewGuard(st store.Store) *Guard {
	return &Guard{store: st}
}

// Authorize 返回用户有权访问的会话。非法或不存在的 id 返回 ErrNotFound，
// 非成员访问非全局会话返回 ErrAccessDenied。
func (g *Guard) Authorize(ctx context.Context, conversationID, userID string) (*models.Conversation, error) {
	conv, err := g.store.GetConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, upstream("load conversation", err)
	}
	if conv.HasMember(userID) {
		return conv, nil
	}
	if !conv.IsGlobal {
		log.Debug().Str("conversation_id", conv.ID).Str("user_id", userID).Msg("access denied")
		return nil, ErrAccessDenied
	}
	return g.join(ctx, conv, userID)
}

// JoinGlobal 确保全局会话存在并把用户加入其中。
func (g *Guard) JoinGlobal(ctx context.Context, userID string) (*models.Conversation, error) {
	conv, err := g.store.EnsureGlobalConversation(ctx)
	if err != nil {
		return nil, upstream("ensure global conversation", err)
	}
	if conv.HasMember(userID) {
		return conv, nil
	}
	return g.join(ctx, conv, userID)
}

func (g *Guard) join(ctx context.Context, conv *models.Conversation, userID string) (*models.Conversation, error) {
	if err := g.store.AddMember(ctx, conv.ID, userID); err != nil {
		return nil, upstream("join global conversation", err)
	}
	log.Info().Str("conversation_id", conv.ID).Str("user_id", userID).Msg("joined global conversation")
	fresh, err := g.store.GetConversation(ctx, conv.ID)
	if err != nil {
		return nil, upstream("reload conversation", err)
	}
	return fresh, nil
}
