package service

import (
	"context"
	"sort"
	"strings"
	"time"

	"chatsync/internal/models"
	"chatsync/internal/store"

	"golang.org/x/text/unicode/norm"
)

const maxGroupNameLength = 128

// ConversationService 封装会话列表、一对一会话、详情与建群。
type ConversationService struct {
	store store.Store
	guard *Guard
}

func NewConversationService(st store.Store, guard *Guard) *ConversationService {
	return &ConversationService{store: st, guard: guard}
}

// MemberProfile 是会话摘要中的成员资料，资料缺失时使用占位名。
type MemberProfile struct {
	UserID      string     `json:"userId"`
	DisplayName string     `json:"displayName"`
	AvatarURL   string     `json:"avatarUrl"`
	LastSeenAt  *time.Time `json:"lastSeenAt"`
}

// ConversationSummary 是对外输出的会话数据，unreadCount 为请求者自己的未读数。
type ConversationSummary struct {
	ID            string              `json:"id"`
	Name          string              `json:"name"`
	IsGroup       bool                `json:"isGroup"`
	IsGlobal      bool                `json:"isGlobal"`
	Avatar        string              `json:"avatar"`
	Members       []MemberProfile     `json:"members"`
	UnreadCount   int                 `json:"unreadCount"`
	LastMessage   *models.LastMessage `json:"lastMessage"`
	LastMessageAt time.Time           `json:"lastMessageAt"`
	CreatedAt     time.Time           `json:"createdAt"`
	AdminID       string              `json:"adminId,omitempty"`
}

// List 返回用户的会话，全局会话排第一，其余按最近消息时间倒序。
func (s *ConversationService) List(ctx context.Context, userID string) ([]ConversationSummary, error) {
	global, err := s.guard.JoinGlobal(ctx, userID)
	if err != nil {
		return nil, err
	}
	convs, err := s.store.ListConversationsForUser(ctx, userID)
	if err != nil {
		return nil, upstream("list conversations", err)
	}
	personal := make([]models.Conversation, 0, len(convs))
	for _, c := range convs {
		if !c.IsGlobal {
			personal = append(personal, c)
		}
	}
	sort.SliceStable(personal, func(i, j int) bool {
		return personal[i].ActivityAt().After(personal[j].ActivityAt())
	})
	all := append([]models.Conversation{*global}, personal...)
	return s.summarize(ctx, userID, all...)
}

// EnsureDirect 返回与目标用户的一对一会话，不存在时创建。created 表示本次是否新建。
func (s *ConversationService) EnsureDirect(ctx context.Context, userID, targetID string) (*ConversationSummary, bool, error) {
	targetID = strings.TrimSpace(targetID)
	if targetID == "" {
		return nil, false, invalid("targetUserId", "is required")
	}
	if targetID == userID {
		return nil, false, invalid("targetUserId", "cannot start a conversation with yourself")
	}
	conv, created, err := s.store.EnsureDirectConversation(ctx, userID, targetID)
	if err != nil {
		return nil, false, upstream("ensure direct conversation", err)
	}
	out, err := s.summarize(ctx, userID, *conv)
	if err != nil {
		return nil, false, err
	}
	return &out[0], created, nil
}

// Detail 经访问控制后返回会话摘要；访问全局会话会顺带入会。
func (s *ConversationService) Detail(ctx context.Context, userID, conversationID string) (*ConversationSummary, error) {
	conv, err := s.guard.Authorize(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	out, err := s.summarize(ctx, userID, *conv)
	if err != nil {
		return nil, err
	}
	return &out[0], nil
}

// CreateGroup 创建群聊，创建者为管理员并自动成为成员。
func (s *ConversationService) CreateGroup(ctx context.Context, userID, name string, memberIDs []string) (*ConversationSummary, error) {
	name = norm.NFC.String(strings.TrimSpace(name))
	if name == "" {
		return nil, invalid("name", "is required")
	}
	if len([]rune(name)) > maxGroupNameLength {
		return nil, invalid("name", "is too long")
	}
	members := dedupe(append([]string{userID}, memberIDs...))
	if len(members) < 2 {
		return nil, invalid("memberIds", "at least one other member is required")
	}
	conv, err := s.store.CreateConversation(ctx, store.NewConversation{
		Members: members,
		IsGroup: true,
		AdminID: userID,
		Name:    name,
	})
	if err != nil {
		return nil, upstream("create group", err)
	}
	out, err := s.summarize(ctx, userID, *conv)
	if err != nil {
		return nil, err
	}
	return &out[0], nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func (s *ConversationService) summarize(ctx context.Context, userID string, convs ...models.Conversation) ([]ConversationSummary, error) {
	var ids []string
	for _, c := range convs {
		ids = append(ids, c.Members...)
	}
	profiles, err := s.store.GetProfiles(ctx, dedupe(ids))
	if err != nil {
		return nil, upstream("load profiles", err)
	}
	out := make([]ConversationSummary, 0, len(convs))
	for i := range convs {
		out = append(out, formatConversation(&convs[i], profiles, userID))
	}
	return out, nil
}

func formatConversation(c *models.Conversation, profiles map[string]models.UserProfile, userID string) ConversationSummary {
	members := make([]MemberProfile, 0, len(c.Members))
	var primary *MemberProfile
	for _, id := range c.Members {
		members = append(members, memberProfile(profiles, id))
	}
	for i := range members {
		if members[i].UserID != userID {
			primary = &members[i]
			break
		}
	}
	if primary == nil && len(members) > 0 {
		primary = &members[0]
	}

	var title string
	switch {
	case c.IsGlobal:
		title = store.GlobalConversationName
	case c.Name != "":
		title = c.Name
	case c.IsGroup:
		title = "Group chat"
	case primary != nil:
		title = primary.DisplayName
	default:
		title = "Conversation"
	}
	avatar := ""
	if !c.IsGroup && primary != nil {
		avatar = primary.AvatarURL
	}
	lastAt := c.UpdatedAt
	if c.LastMessageAt != nil {
		lastAt = *c.LastMessageAt
	}
	return ConversationSummary{
		ID:            c.ID,
		Name:          title,
		IsGroup:       c.IsGroup,
		IsGlobal:      c.IsGlobal,
		Avatar:        avatar,
		Members:       members,
		UnreadCount:   c.UnreadCounts.Get(userID),
		LastMessage:   c.LastMessage,
		LastMessageAt: lastAt,
		CreatedAt:     c.CreatedAt,
		AdminID:       c.AdminID,
	}
}

func memberProfile(profiles map[string]models.UserProfile, id string) MemberProfile {
	p, ok := profiles[id]
	if !ok || p.DisplayName == "" {
		return MemberProfile{UserID: id, DisplayName: placeholderName(id), AvatarURL: p.AvatarURL, LastSeenAt: p.LastSeenAt}
	}
	return MemberProfile{UserID: id, DisplayName: p.DisplayName, AvatarURL: p.AvatarURL, LastSeenAt: p.LastSeenAt}
}

// placeholderName 取 id 末四位生成 "User xxxx"。
func placeholderName(id string) string {
	r := []rune(id)
	if len(r) > 4 {
		r = r[len(r)-4:]
	}
	return "User " + string(r)
}
