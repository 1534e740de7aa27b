package db

import (
	"time"

	"chatsync/internal/models"
)

type lastMessageCols struct {
	Text         string `gorm:"type:text"`
	SenderID     string `gorm:"size:128"`
	SenderName   string `gorm:"size:128"`
	SenderAvatar string `gorm:"size:512"`
	Type         string `gorm:"size:16"`
}

type conversationRow struct {
	ID            string          `gorm:"primaryKey;size:36"`
	IsGroup       bool            `gorm:"not null"`
	IsGlobal      bool            `gorm:"not null;index"`
	DirectKey     *string         `gorm:"uniqueIndex;size:300"`
	AdminID       string          `gorm:"size:128"`
	Name          string          `gorm:"size:128"`
	LastMessage   lastMessageCols `gorm:"embedded;embeddedPrefix:last_message_"`
	LastMessageAt *time.Time      `gorm:"index"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (conversationRow) TableName() string { return "conversations" }

// memberRow 以 (conversation_id, user_id) 为复合主键，重复加入在插入时被忽略。
type memberRow struct {
	ConversationID string    `gorm:"primaryKey;size:36"`
	UserID         string    `gorm:"primaryKey;size:128;index"`
	JoinedAt       time.Time `gorm:"not null"`
}

func (memberRow) TableName() string { return "conversation_members" }

type counterRow struct {
	ConversationID string `gorm:"primaryKey;size:36"`
	UserID         string `gorm:"primaryKey;size:128"`
	Unread         int    `gorm:"not null"`
}

func (counterRow) TableName() string { return "unread_counters" }

type messageRow struct {
	ID             string    `gorm:"primaryKey;size:36"`
	ConversationID string    `gorm:"size:36;not null;index:idx_msg_conv_created,priority:1"`
	SenderID       string    `gorm:"size:128;not null"`
	SenderName     string    `gorm:"size:128"`
	SenderAvatar   string    `gorm:"size:512"`
	Type           string    `gorm:"size:16;not null"`
	Text           string    `gorm:"type:text"`
	FileURL        string    `gorm:"size:1024"`
	FileName       string    `gorm:"size:255"`
	FileSize       int64     `gorm:"not null"`
	Status         string    `gorm:"size:16;not null"`
	CreatedAt      time.Time `gorm:"index:idx_msg_conv_created,priority:2"`
	UpdatedAt      time.Time
}

func (messageRow) TableName() string { return "messages" }

type readRow struct {
	MessageID string    `gorm:"primaryKey;size:36"`
	UserID    string    `gorm:"primaryKey;size:128"`
	ReadAt    time.Time `gorm:"not null"`
}

func (readRow) TableName() string { return "message_reads" }

// reactionRow 的复合主键保证每个用户在一条消息上至多一个表情。
type reactionRow struct {
	MessageID string `gorm:"primaryKey;size:36"`
	UserID    string `gorm:"primaryKey;size:128"`
	Reaction  string `gorm:"size:64;not null"`
	CreatedAt time.Time
}

func (reactionRow) TableName() string { return "message_reactions" }

type profileRow struct {
	UserID      string `gorm:"primaryKey;size:128"`
	DisplayName string `gorm:"size:128"`
	AvatarURL   string `gorm:"size:512"`
	Email       string `gorm:"size:255"`
	LastSeenAt  *time.Time
	UpdatedAt   time.Time
}

func (profileRow) TableName() string { return "user_profiles" }

func (r *conversationRow) toModel() models.Conversation {
	c := models.Conversation{
		ID:            r.ID,
		Members:       []string{},
		IsGroup:       r.IsGroup,
		IsGlobal:      r.IsGlobal,
		AdminID:       r.AdminID,
		Name:          r.Name,
		LastMessageAt: r.LastMessageAt,
		UnreadCounts:  models.UnreadCounts{},
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if r.LastMessageAt != nil {
		c.LastMessage = &models.LastMessage{
			Text:         r.LastMessage.Text,
			SenderID:     r.LastMessage.SenderID,
			SenderName:   r.LastMessage.SenderName,
			SenderAvatar: r.LastMessage.SenderAvatar,
			Type:         models.MessageType(r.LastMessage.Type),
			CreatedAt:    *r.LastMessageAt,
		}
	}
	return c
}

func newMessageRow(m *models.Message) messageRow {
	return messageRow{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		SenderName:     m.SenderName,
		SenderAvatar:   m.SenderAvatar,
		Type:           string(m.Type),
		Text:           m.Text,
		FileURL:        m.FileURL,
		FileName:       m.FileName,
		FileSize:       m.FileSize,
		Status:         string(m.Status),
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

func (r *messageRow) toModel() models.Message {
	return models.Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		SenderID:       r.SenderID,
		SenderName:     r.SenderName,
		SenderAvatar:   r.SenderAvatar,
		Type:           models.MessageType(r.Type),
		Text:           r.Text,
		FileURL:        r.FileURL,
		FileName:       r.FileName,
		FileSize:       r.FileSize,
		Status:         models.MessageStatus(r.Status),
		ReadBy:         []string{},
		Reactions:      []models.Reaction{},
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

func (r *profileRow) toModel() models.UserProfile {
	return models.UserProfile{
		UserID:      r.UserID,
		DisplayName: r.DisplayName,
		AvatarURL:   r.AvatarURL,
		Email:       r.Email,
		LastSeenAt:  r.LastSeenAt,
		UpdatedAt:   r.UpdatedAt,
	}
}
