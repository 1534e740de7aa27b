// Package store defines the persistence boundary shared by the SQL and
// document gateways. Every mutation of shared conversation state goes through
// a single atomic store operation so concurrent writers never lose updates.
package store

import (
	"context"
	"errors"
	"time"

	"chatsync/internal/models"
)

// ErrNotFound is returned for unknown records and for identifiers the backend
// cannot parse.
var ErrNotFound = errors.New("record not found")

// GlobalConversationName is the display name of the singleton global room.
const GlobalConversationName = "Global Chat"

// Projection is the conversation-side effect of one ingested message.
// MessageID lets a backend recognise a retried projection it already applied.
type Projection struct {
	ConversationID string
	MessageID      string
	SenderID       string
	Last           models.LastMessage
}

// NewConversation carries the fields a caller chooses when creating a room.
type NewConversation struct {
	Members []string
	IsGroup bool
	AdminID string
	Name    string
}

type Store interface {
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	// EnsureGlobalConversation creates the global room on first call and
	// returns the existing one afterwards.
	EnsureGlobalConversation(ctx context.Context) (*models.Conversation, error)
	// AddMember appends the user to the member set and seeds a zero counter.
	// Adding an existing member is a no-op.
	AddMember(ctx context.Context, conversationID, userID string) error
	ListConversationsForUser(ctx context.Context, userID string) ([]models.Conversation, error)
	// EnsureDirectConversation returns the two-member conversation between a
	// and b, creating it when absent. created reports whether this call made it.
	EnsureDirectConversation(ctx context.Context, a, b string) (conv *models.Conversation, created bool, err error)
	CreateConversation(ctx context.Context, in NewConversation) (*models.Conversation, error)

	CreateMessage(ctx context.Context, m *models.Message) error
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	// ListMessages returns a page newest first, ties broken by id.
	ListMessages(ctx context.Context, conversationID string, offset, limit int) ([]models.Message, error)

	// ApplyMessageProjection increments every member's counter except the
	// sender's, resets the sender's to zero and advances lastMessage when the
	// new message is not older than the stored one. It returns the counters
	// after the update.
	ApplyMessageProjection(ctx context.Context, p Projection) (models.UnreadCounts, error)
	// MarkRead adds the reader to readBy and marks seen every listed message
	// not authored by the reader, then zeroes the reader's counter.
	MarkRead(ctx context.Context, conversationID, readerID string, messageIDs []string) error
	// SetReaction replaces the user's reaction on the message.
	SetReaction(ctx context.Context, messageID string, r models.Reaction) (*models.Message, error)

	GetProfiles(ctx context.Context, userIDs []string) (map[string]models.UserProfile, error)
	ListProfiles(ctx context.Context) ([]models.UserProfile, error)
	UpsertProfile(ctx context.Context, p models.UserProfile) error
	TouchLastSeen(ctx context.Context, userID string, at time.Time) error

	Close() error
}

// DirectKey is the order-independent key of the direct conversation between
// two users.
func DirectKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}

// Timestamp truncates t to the precision every backend can round-trip.
func Timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}
