package mongodb

import (
	"time"

	"chatsync/internal/models"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type lastMessageDoc struct {
	Text         string    `bson:"text"`
	SenderID     string    `bson:"sender_id"`
	SenderName   string    `bson:"sender_name"`
	SenderAvatar string    `bson:"sender_avatar"`
	Type         string    `bson:"type"`
	CreatedAt    time.Time `bson:"created_at"`
}

// counterDoc keeps unread counters as an array so user ids never become
// field names and per-member updates can use array filters.
type counterDoc struct {
	UserID string `bson:"user_id"`
	Count  int    `bson:"count"`
}

type conversationDoc struct {
	ID            primitive.ObjectID `bson:"_id,omitempty"`
	Members       []string           `bson:"members"`
	IsGroup       bool               `bson:"is_group"`
	IsGlobal      bool               `bson:"is_global"`
	DirectKey     string             `bson:"direct_key,omitempty"`
	AdminID       string             `bson:"admin_id,omitempty"`
	Name          string             `bson:"name,omitempty"`
	LastMessage   *lastMessageDoc    `bson:"last_message,omitempty"`
	LastMessageAt *time.Time         `bson:"last_message_at,omitempty"`
	Unread        []counterDoc       `bson:"unread"`
	CreatedAt     time.Time          `bson:"created_at"`
	UpdatedAt     time.Time          `bson:"updated_at"`
}

type reactionDoc struct {
	UserID    string    `bson:"user_id"`
	Reaction  string    `bson:"reaction"`
	CreatedAt time.Time `bson:"created_at"`
}

type messageDoc struct {
	ID             primitive.ObjectID `bson:"_id,omitempty"`
	ConversationID primitive.ObjectID `bson:"conversation_id"`
	SenderID       string             `bson:"sender_id"`
	SenderName     string             `bson:"sender_name"`
	SenderAvatar   string             `bson:"sender_avatar"`
	Type           string             `bson:"type"`
	Text           string             `bson:"text"`
	FileURL        string             `bson:"file_url"`
	FileName       string             `bson:"file_name"`
	FileSize       int64              `bson:"file_size"`
	Status         string             `bson:"status"`
	ReadBy         []string           `bson:"read_by"`
	Reactions      []reactionDoc      `bson:"reactions"`
	CreatedAt      time.Time          `bson:"created_at"`
	UpdatedAt      time.Time          `bson:"updated_at"`
}

type profileDoc struct {
	UserID      string     `bson:"_id"`
	DisplayName string     `bson:"display_name"`
	AvatarURL   string     `bson:"avatar_url"`
	Email       string     `bson:"email,omitempty"`
	LastSeenAt  *time.Time `bson:"last_seen_at,omitempty"`
	UpdatedAt   time.Time  `bson:"updated_at"`
}

func seedCounters(userIDs []string) []counterDoc {
	out := make([]counterDoc, 0, len(userIDs))
	for _, uid := range userIDs {
		out = append(out, counterDoc{UserID: uid})
	}
	return out
}

func (d *conversationDoc) toModel() models.Conversation {
	c := models.Conversation{
		ID:            d.ID.Hex(),
		Members:       append([]string{}, d.Members...),
		IsGroup:       d.IsGroup,
		IsGlobal:      d.IsGlobal,
		AdminID:       d.AdminID,
		Name:          d.Name,
		LastMessageAt: utcPtr(d.LastMessageAt),
		UnreadCounts:  countsOf(d.Unread),
		CreatedAt:     d.CreatedAt.UTC(),
		UpdatedAt:     d.UpdatedAt.UTC(),
	}
	if d.LastMessage != nil {
		c.LastMessage = &models.LastMessage{
			Text:         d.LastMessage.Text,
			SenderID:     d.LastMessage.SenderID,
			SenderName:   d.LastMessage.SenderName,
			SenderAvatar: d.LastMessage.SenderAvatar,
			Type:         models.MessageType(d.LastMessage.Type),
			CreatedAt:    d.LastMessage.CreatedAt.UTC(),
		}
	}
	return c
}

func countsOf(docs []counterDoc) models.UnreadCounts {
	out := make(models.UnreadCounts, len(docs))
	for _, c := range docs {
		out[c.UserID] = c.Count
	}
	return out
}

func newMessageDoc(m *models.Message, convID primitive.ObjectID) messageDoc {
	readBy := m.ReadBy
	if readBy == nil {
		readBy = []string{}
	}
	reactions := make([]reactionDoc, 0, len(m.Reactions))
	for _, r := range m.Reactions {
		reactions = append(reactions, reactionDoc{UserID: r.UserID, Reaction: r.Reaction, CreatedAt: r.CreatedAt})
	}
	return messageDoc{
		ID:             primitive.NewObjectID(),
		ConversationID: convID,
		SenderID:       m.SenderID,
		SenderName:     m.SenderName,
		SenderAvatar:   m.SenderAvatar,
		Type:           string(m.Type),
		Text:           m.Text,
		FileURL:        m.FileURL,
		FileName:       m.FileName,
		FileSize:       m.FileSize,
		Status:         string(m.Status),
		ReadBy:         readBy,
		Reactions:      reactions,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

func (d *messageDoc) toModel() models.Message {
	m := models.Message{
		ID:             d.ID.Hex(),
		ConversationID: d.ConversationID.Hex(),
		SenderID:       d.SenderID,
		SenderName:     d.SenderName,
		SenderAvatar:   d.SenderAvatar,
		Type:           models.MessageType(d.Type),
		Text:           d.Text,
		FileURL:        d.FileURL,
		FileName:       d.FileName,
		FileSize:       d.FileSize,
		Status:         models.MessageStatus(d.Status),
		ReadBy:         append([]string{}, d.ReadBy...),
		Reactions:      make([]models.Reaction, 0, len(d.Reactions)),
		CreatedAt:      d.CreatedAt.UTC(),
		UpdatedAt:      d.UpdatedAt.UTC(),
	}
	for _, r := range d.Reactions {
		m.Reactions = append(m.Reactions, models.Reaction{UserID: r.UserID, Reaction: r.Reaction, CreatedAt: r.CreatedAt.UTC()})
	}
	return m
}

func (d *profileDoc) toModel() models.UserProfile {
	return models.UserProfile{
		UserID:      d.UserID,
		DisplayName: d.DisplayName,
		AvatarURL:   d.AvatarURL,
		Email:       d.Email,
		LastSeenAt:  utcPtr(d.LastSeenAt),
		UpdatedAt:   d.UpdatedAt.UTC(),
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
