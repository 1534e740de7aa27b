package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"chatsync/internal/event"
	"chatsync/internal/metrics"
	"chatsync/internal/models"
	"chatsync/internal/store"

	"github.com/rs/zerolog/log"
	"golang.org/x/text/unicode/norm"
)

const (
	DefaultPageSize  = 50
	MaxPageSize      = 200
	MaxReactionBytes = 32

	// 发送者资料缺失时的快照兜底值
	fallbackSenderName = "You"

	projectionTimeout = 10 * time.Second
)

// TypingTracker 在消息发出后清除发送者的输入状态。
type TypingTracker interface {
	Stop(conversationID, userID string)
}

// MessageService 封装消息发送、历史拉取（含已读回执）与表情回应。
type MessageService struct {
	store  store.Store
	guard  *Guard
	bus    event.Broadcaster
	typing TypingTracker
	retry  RetryPolicy
	now    func() time.Time
}

func NewMessageService(st store.Store, guard *Guard, bus event.Broadcaster, typing TypingTracker) *MessageService {
	return &MessageService{store: st, guard: guard, bus: bus, typing: typing, retry: DefaultRetry, now: time.Now}
}

// SendInput 是发送消息的请求体。
type SendInput struct {
	ConversationID string             `json:"conversationId"`
	SenderID       string             `json:"-"`
	Type           models.MessageType `json:"type"`
	Text           string             `json:"text"`
	FileURL        string             `json:"fileUrl"`
	FileName       string             `json:"fileName"`
	FileSize       int64              `json:"fileSize"`
}

// normalize 在任何写操作之前完成校验。
func (in *SendInput) normalize() error {
	in.ConversationID = strings.TrimSpace(in.ConversationID)
	if in.ConversationID == "" {
		return invalid("conversationId", "is required")
	}
	if in.Type == "" {
		in.Type = models.MessageText
	}
	if !in.Type.Valid() {
		return invalid("type", "must be one of text, image, file")
	}
	in.Text = strings.TrimSpace(in.Text)
	in.FileURL = strings.TrimSpace(in.FileURL)
	switch in.Type {
	case models.MessageText:
		if in.Text == "" {
			return invalid("text", "is required for text messages")
		}
	default:
		if in.FileURL == "" {
			return invalid("fileUrl", "is required for file messages")
		}
	}
	if in.FileSize < 0 {
		return invalid("fileSize", "must not be negative")
	}
	return nil
}

// Send 校验、鉴权、持久化消息，随即更新会话投影并广播。
func (s *MessageService) Send(ctx context.Context, in SendInput) (*models.Message, error) {
	if err := in.normalize(); err != nil {
		return nil, err
	}
	conv, err := s.guard.Authorize(ctx, in.ConversationID, in.SenderID)
	if err != nil {
		return nil, err
	}
	name, avatar := s.senderSnapshot(ctx, in.SenderID)
	ts := store.Timestamp(s.now())
	msg := &models.Message{
		ConversationID: conv.ID,
		SenderID:       in.SenderID,
		SenderName:     name,
		SenderAvatar:   avatar,
		Type:           in.Type,
		Text:           in.Text,
		FileURL:        in.FileURL,
		FileName:       in.FileName,
		FileSize:       in.FileSize,
		Status:         models.StatusSent,
		ReadBy:         []string{in.SenderID},
		Reactions:      []models.Reaction{},
		CreatedAt:      ts,
		UpdatedAt:      ts,
	}
	if err := s.store.CreateMessage(ctx, msg); err != nil {
		return nil, upstream("create message", err)
	}
	metrics.MessagesSentTotal.Inc()

	counts := s.project(ctx, msg)
	s.typing.Stop(conv.ID, in.SenderID)
	s.fanOut(conv, msg, counts)
	return msg, nil
}

func (s *MessageService) senderSnapshot(ctx context.Context, userID string) (string, string) {
	profiles, err := s.store.GetProfiles(ctx, []string{userID})
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("sender profile lookup")
		return fallbackSenderName, ""
	}
	p, ok := profiles[userID]
	if !ok || p.DisplayName == "" {
		return fallbackSenderName, ""
	}
	return p.DisplayName, p.AvatarURL
}

// project 在消息写入后立即更新计数与 lastMessage。消息已经落库，
// 因此不受请求取消影响，并做有限次重试；最终失败只记录日志，消息仍视为已发送。
func (s *MessageService) project(ctx context.Context, msg *models.Message) models.UnreadCounts {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), projectionTimeout)
	defer cancel()
	p := store.Projection{ConversationID: msg.ConversationID, MessageID: msg.ID, SenderID: msg.SenderID, Last: msg.Snapshot()}
	var counts models.UnreadCounts
	attempts, err := s.retry.do(pctx, func() error {
		var err error
		counts, err = s.store.ApplyMessageProjection(pctx, p)
		return err
	})
	if attempts > 1 {
		metrics.ProjectionRetriesTotal.Add(float64(attempts - 1))
	}
	if err != nil {
		metrics.ProjectionFailuresTotal.Inc()
		log.Error().Err(err).
			Str("conversation_id", msg.ConversationID).
			Str("message_id", msg.ID).
			Int("attempts", attempts).
			Msg("apply message projection")
		return nil
	}
	return counts
}

func (s *MessageService) fanOut(conv *models.Conversation, msg *models.Message, counts models.UnreadCounts) {
	s.bus.ToConversation(conv.ID, event.MessageNew, event.MessageNewPayload{ConversationID: conv.ID, Message: msg})
	note := event.NotificationPayload{
		Type:           "new_message",
		ConversationID: conv.ID,
		Message:        event.NotificationPreview{Text: msg.Preview(), SenderName: msg.SenderName},
	}
	for _, member := range conv.Members {
		if member == msg.SenderID {
			continue
		}
		if counts != nil {
			s.bus.ToUser(member, event.ConversationUpdate, event.ConversationUpdatePayload{
				ConversationID: conv.ID,
				UnreadCount:    counts.Get(member),
			})
		}
		s.bus.ToUser(member, event.NotificationNew, note)
	}
}

type Pagination struct {
	Page    int  `json:"page"`
	Limit   int  `json:"limit"`
	HasMore bool `json:"hasMore"`
}

type HistoryPage struct {
	Messages   []models.Message `json:"messages"`
	Pagination Pagination       `json:"pagination"`
}

// History 分页拉取消息（内部按新到旧，返回旧到新），并把返回的他人消息标记为已读、
// 将读者的未读数清零。
func (s *MessageService) History(ctx context.Context, conversationID, userID string, page, limit int) (*HistoryPage, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 || limit > MaxPageSize {
		limit = DefaultPageSize
	}
	conv, err := s.guard.Authorize(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	msgs, err := s.store.ListMessages(ctx, conv.ID, (page-1)*limit, limit)
	if err != nil {
		return nil, upstream("list messages", err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	unread := make([]string, 0, len(msgs))
	for i := range msgs {
		if msgs[i].SenderID != userID && !msgs[i].ReadByUser(userID) {
			unread = append(unread, msgs[i].ID)
		}
	}
	if err := s.store.MarkRead(ctx, conv.ID, userID, unread); err != nil {
		return nil, upstream("mark read", err)
	}
	for i := range msgs {
		if msgs[i].SenderID == userID || msgs[i].ReadByUser(userID) {
			continue
		}
		msgs[i].ReadBy = append(msgs[i].ReadBy, userID)
		msgs[i].Status = models.StatusSeen
	}
	return &HistoryPage{
		Messages:   msgs,
		Pagination: Pagination{Page: page, Limit: limit, HasMore: len(msgs) == limit},
	}, nil
}

// React 以替换语义设置用户在消息上的表情，并广播到会话房间。
func (s *MessageService) React(ctx context.Context, messageID, userID, reaction string) (*models.Message, error) {
	reaction = norm.NFC.String(strings.TrimSpace(reaction))
	if reaction == "" {
		return nil, invalid("reaction", "is required")
	}
	if len(reaction) > MaxReactionBytes {
		return nil, invalid("reaction", "is too long")
	}
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, upstream("load message", err)
	}
	if _, err := s.guard.Authorize(ctx, msg.ConversationID, userID); err != nil {
		return nil, err
	}
	r := models.Reaction{UserID: userID, Reaction: reaction, CreatedAt: store.Timestamp(s.now())}
	updated, err := s.store.SetReaction(ctx, msg.ID, r)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, upstream("set reaction", err)
	}
	s.bus.ToConversation(msg.ConversationID, event.MessageReact, event.ReactionPayload{
		MessageID:      msg.ID,
		UserID:         userID,
		Reaction:       reaction,
		ConversationID: msg.ConversationID,
	})
	return updated, nil
}
