package service

import (
	"context"
	"strings"
	"time"

	"chatsync/internal/models"
	"chatsync/internal/store"

	"golang.org/x/text/unicode/norm"
)

const maxDisplayNameLength = 64

// OnlineChecker 由在线状态追踪器实现。
type OnlineChecker interface {
	IsOnline(userID string) bool
}

// UserService 封装资料同步与用户目录。身份由外部认证提供，这里只保存展示资料。
type UserService struct {
	store    store.Store
	presence OnlineChecker
}

func NewUserService(st store.Store, presence OnlineChecker) *UserService {
	return &UserService{store: st, presence: presence}
}

// ProfileInput 是资料同步的请求体。
type ProfileInput struct {
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl"`
	Email       string `json:"email"`
}

// DirectoryEntry 是用户目录中的一项。
type DirectoryEntry struct {
	models.UserProfile
	Online bool `json:"online"`
}

// SyncProfile 写入调用者的展示资料并返回最新值。
func (s *UserService) SyncProfile(ctx context.Context, userID string, in ProfileInput) (*models.UserProfile, error) {
	name := norm.NFC.String(strings.TrimSpace(in.DisplayName))
	if name == "" {
		return nil, invalid("displayName", "is required")
	}
	if len([]rune(name)) > maxDisplayNameLength {
		return nil, invalid("displayName", "is too long")
	}
	p := models.UserProfile{
		UserID:      userID,
		DisplayName: name,
		AvatarURL:   strings.TrimSpace(in.AvatarURL),
		Email:       strings.TrimSpace(in.Email),
	}
	if err := s.store.UpsertProfile(ctx, p); err != nil {
		return nil, upstream("upsert profile", err)
	}
	profiles, err := s.store.GetProfiles(ctx, []string{userID})
	if err != nil {
		return nil, upstream("load profile", err)
	}
	out := profiles[userID]
	return &out, nil
}

// Directory 列出除调用者外的所有用户及其在线状态。
func (s *UserService) Directory(ctx context.Context, userID string) ([]DirectoryEntry, error) {
	profiles, err := s.store.ListProfiles(ctx)
	if err != nil {
		return nil, upstream("list profiles", err)
	}
	out := make([]DirectoryEntry, 0, len(profiles))
	for _, p := range profiles {
		if p.UserID == userID {
			continue
		}
		out = append(out, DirectoryEntry{UserProfile: p, Online: s.presence.IsOnline(p.UserID)})
	}
	return out, nil
}

// MarkSeen 记录用户最后在线时间，资料不存在时忽略。
func (s *UserService) MarkSeen(ctx context.Context, userID string, at time.Time) error {
	if err := s.store.TouchLastSeen(ctx, userID, store.Timestamp(at)); err != nil {
		return upstream("touch last seen", err)
	}
	return nil
}
