// Package mongodb implements store.Store on MongoDB. Counter and membership
// changes are single-document updates ($inc, $addToSet, array filters), so
// concurrent senders never overwrite each other's increments.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chatsync/internal/models"
	"chatsync/internal/store"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	defaultWriteTimeout = 5 * time.Second
	defaultReadTimeout  = 10 * time.Second
)

type Store struct {
	client        *mongo.Client
	conversations *mongo.Collection
	messages      *mongo.Collection
	profiles      *mongo.Collection
}

var _ store.Store = (*Store)(nil)

// Open connects, pings and makes sure the indexes the store relies on exist.
func Open(ctx context.Context, uri, database string) (*Store, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	db := client.Database(database)
	s := &Store{
		client:        client,
		conversations: db.Collection("conversations"),
		messages:      db.Collection("messages"),
		profiles:      db.Collection("user_profiles"),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.conversations.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "members", Value: 1}}},
		{
			Keys: bson.D{{Key: "direct_key", Value: 1}},
			Options: options.Index().SetUnique(true).
				SetPartialFilterExpression(bson.M{"direct_key": bson.M{"$exists": true}}),
		},
		{
			Keys: bson.D{{Key: "is_global", Value: 1}},
			Options: options.Index().SetUnique(true).
				SetPartialFilterExpression(bson.M{"is_global": true}),
		},
	})
	if err != nil {
		return fmt.Errorf("conversation indexes: %w", err)
	}
	_, err = s.messages.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "created_at", Value: -1}, {Key: "_id", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("message indexes: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultWriteTimeout)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func ensureTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if _, hadDeadline := ctx.Deadline(); hadDeadline {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func objectID(id string) (primitive.ObjectID, bool) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return primitive.NilObjectID, false
	}
	return oid, true
}

func notFound(err error, what string) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return store.ErrNotFound
	}
	return fmt.Errorf("%s: %w", what, err)
}

func now() time.Time { return store.Timestamp(time.Now()) }

func (s *Store) findConversation(ctx context.Context, filter bson.M) (*models.Conversation, error) {
	var doc conversationDoc
	if err := s.conversations.FindOne(ctx, filter).Decode(&doc); err != nil {
		return nil, notFound(err, "find conversation")
	}
	c := doc.toModel()
	return &c, nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	oid, ok := objectID(id)
	if !ok {
		return nil, store.ErrNotFound
	}
	ctx, cancel := ensureTimeout(ctx, defaultReadTimeout)
	defer cancel()
	return s.findConversation(ctx, bson.M{"_id": oid})
}

func (s *Store) EnsureGlobalConversation(ctx context.Context) (*models.Conversation, error) {
	ctx, cancel := ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()
	ts := now()
	update := bson.M{"$setOnInsert": bson.M{
		"members":    []string{},
		"is_group":   true,
		"name":       store.GlobalConversationName,
		"unread":     []counterDoc{},
		"created_at": ts,
		"updated_at": ts,
	}}
	_, err := s.conversations.UpdateOne(ctx, bson.M{"is_global": true}, update, options.Update().SetUpsert(true))
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return nil, fmt.Errorf("upsert global conversation: %w", err)
	}
	return s.findConversation(ctx, bson.M{"is_global": true})
}

func (s *Store) AddMember(ctx context.Context, conversationID, userID string) error {
	oid, ok := objectID(conversationID)
	if !ok {
		return store.ErrNotFound
	}
	ctx, cancel := ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()
	res, err := s.conversations.UpdateOne(ctx, bson.M{"_id": oid}, bson.M{
		"$addToSet": bson.M{"members": userID},
		"$set":      bson.M{"updated_at": now()},
	})
	if err != nil {
		return fmt.Errorf("add member: %w", err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return s.seedCounter(ctx, oid, userID)
}

// seedCounter pushes a zero counter for the user unless one exists.
func (s *Store) seedCounter(ctx context.Context, oid primitive.ObjectID, userID string) error {
	_, err := s.conversations.UpdateOne(ctx,
		bson.M{"_id": oid, "unread.user_id": bson.M{"$ne": userID}},
		bson.M{"$push": bson.M{"unread": counterDoc{UserID: userID}}},
	)
	if err != nil {
		return fmt.Errorf("seed counter: %w", err)
	}
	return nil
}

func (s *Store) ListConversationsForUser(ctx context.Context, userID string) ([]models.Conversation, error) {
	ctx, cancel := ensureTimeout(ctx, defaultReadTimeout)
	defer cancel()
	cursor, err := s.conversations.Find(ctx, bson.M{"members": userID})
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer cursor.Close(ctx)
	var docs []conversationDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode conversations: %w", err)
	}
	out := make([]models.Conversation, 0, len(docs))
	for i := range docs {
		out = append(out, docs[i].toModel())
	}
	return out, nil
}

func (s *Store) EnsureDirectConversation(ctx context.Context, a, b string) (*models.Conversation, bool, error) {
	ctx, cancel := ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()
	key := store.DirectKey(a, b)
	ts := now()
	update := bson.M{"$setOnInsert": bson.M{
		"members":    []string{a, b},
		"is_group":   false,
		"is_global":  false,
		"unread":     seedCounters([]string{a, b}),
		"created_at": ts,
		"updated_at": ts,
	}}
	res, err := s.conversations.UpdateOne(ctx, bson.M{"direct_key": key}, update, options.Update().SetUpsert(true))
	created := err == nil && res.UpsertedCount == 1
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return nil, false, fmt.Errorf("upsert direct conversation: %w", err)
	}
	conv, err := s.findConversation(ctx, bson.M{"direct_key": key})
	return conv, created, err
}

func (s *Store) CreateConversation(ctx context.Context, in store.NewConversation) (*models.Conversation, error) {
	ctx, cancel := ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()
	ts := now()
	doc := conversationDoc{
		ID:        primitive.NewObjectID(),
		Members:   append([]string{}, in.Members...),
		IsGroup:   in.IsGroup,
		AdminID:   in.AdminID,
		Name:      in.Name,
		Unread:    seedCounters(in.Members),
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	if _, err := s.conversations.InsertOne(ctx, doc); err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}
	c := doc.toModel()
	return &c, nil
}

func (s *Store) CreateMessage(ctx context.Context, m *models.Message) error {
	convID, ok := objectID(m.ConversationID)
	if !ok {
		return store.ErrNotFound
	}
	ctx, cancel := ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = m.CreatedAt
	}
	doc := newMessageDoc(m, convID)
	if _, err := s.messages.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	m.ID = doc.ID.Hex()
	return nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	oid, ok := objectID(id)
	if !ok {
		return nil, store.ErrNotFound
	}
	ctx, cancel := ensureTimeout(ctx, defaultReadTimeout)
	defer cancel()
	var doc messageDoc
	if err := s.messages.FindOne(ctx, bson.M{"_id": oid}).Decode(&doc); err != nil {
		return nil, notFound(err, "find message")
	}
	m := doc.toModel()
	return &m, nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID string, offset, limit int) ([]models.Message, error) {
	convID, ok := objectID(conversationID)
	if !ok {
		return nil, store.ErrNotFound
	}
	ctx, cancel := ensureTimeout(ctx, defaultReadTimeout)
	defer cancel()
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetSkip(int64(offset)).
		SetLimit(int64(limit))
	cursor, err := s.messages.Find(ctx, bson.M{"conversation_id": convID}, opts)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer cursor.Close(ctx)
	var docs []messageDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	out := make([]models.Message, 0, len(docs))
	for i := range docs {
		out = append(out, docs[i].toModel())
	}
	return out, nil
}

// recentProjections bounds the per-conversation list of applied message ids.
const recentProjections = 64

// ApplyMessageProjection folds the sender's counter seed, every counter
// change and the lastMessage replacement into one pipeline update on the
// conversation document, so an attempt applies fully or not at all. A message
// id already in the recent list makes the update a no-op, which keeps a retry
// after a lost acknowledgement from counting twice.
func (s *Store) ApplyMessageProjection(ctx context.Context, p store.Projection) (models.UnreadCounts, error) {
	oid, ok := objectID(p.ConversationID)
	if !ok {
		return nil, store.ErrNotFound
	}
	ctx, cancel := ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	sender := bson.M{"$literal": p.SenderID}
	at := p.Last.CreatedAt
	counters := bson.M{"$ifNull": bson.A{"$unread", bson.A{}}}
	seeded := bson.M{"$cond": bson.A{
		bson.M{"$in": bson.A{sender, bson.M{"$map": bson.M{"input": counters, "in": "$$this.user_id"}}}},
		counters,
		bson.M{"$concatArrays": bson.A{counters, bson.A{bson.M{"user_id": sender, "count": 0}}}},
	}}
	bumped := bson.M{"$map": bson.M{"input": seeded, "in": bson.M{
		"user_id": "$$this.user_id",
		"count": bson.M{"$cond": bson.A{
			bson.M{"$eq": bson.A{"$$this.user_id", sender}},
			0,
			bson.M{"$add": bson.A{bson.M{"$ifNull": bson.A{"$$this.count", 0}}, 1}},
		}},
	}}}
	newer := bson.M{"$or": bson.A{
		bson.M{"$eq": bson.A{bson.M{"$ifNull": bson.A{"$last_message_at", nil}}, nil}},
		bson.M{"$lte": bson.A{"$last_message_at", at}},
	}}
	last := lastMessageDoc{
		Text:         p.Last.Text,
		SenderID:     p.Last.SenderID,
		SenderName:   p.Last.SenderName,
		SenderAvatar: p.Last.SenderAvatar,
		Type:         string(p.Last.Type),
		CreatedAt:    at,
	}
	recent := bson.M{"$ifNull": bson.A{"$projected", bson.A{}}}
	var apply any = bson.M{"$literal": true}
	if p.MessageID != "" {
		apply = bson.M{"$not": bson.A{bson.M{"$in": bson.A{bson.M{"$literal": p.MessageID}, recent}}}}
	}
	pipeline := mongo.Pipeline{
		{{Key: "$set", Value: bson.M{"_apply": apply}}},
		{{Key: "$set", Value: bson.M{
			"unread":          bson.M{"$cond": bson.A{"$_apply", bumped, "$unread"}},
			"last_message":    bson.M{"$cond": bson.A{bson.M{"$and": bson.A{"$_apply", newer}}, bson.M{"$literal": last}, "$last_message"}},
			"last_message_at": bson.M{"$cond": bson.A{bson.M{"$and": bson.A{"$_apply", newer}}, at, "$last_message_at"}},
			"updated_at":      bson.M{"$cond": bson.A{"$_apply", now(), "$updated_at"}},
		}}},
		{{Key: "$unset", Value: "_apply"}},
	}
	if p.MessageID != "" {
		mid := bson.M{"$literal": p.MessageID}
		others := bson.M{"$filter": bson.M{"input": recent, "cond": bson.M{"$ne": bson.A{"$$this", mid}}}}
		pipeline = append(pipeline, bson.D{{Key: "$set", Value: bson.M{
			"projected": bson.M{"$slice": bson.A{bson.M{"$concatArrays": bson.A{others, bson.A{mid}}}, -recentProjections}},
		}}})
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var doc conversationDoc
	if err := s.conversations.FindOneAndUpdate(ctx, bson.M{"_id": oid}, pipeline, opts).Decode(&doc); err != nil {
		return nil, notFound(err, "apply projection")
	}
	return countsOf(doc.Unread), nil
}

func (s *Store) MarkRead(ctx context.Context, conversationID, readerID string, messageIDs []string) error {
	convID, ok := objectID(conversationID)
	if !ok {
		return store.ErrNotFound
	}
	ctx, cancel := ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()
	ids := make([]primitive.ObjectID, 0, len(messageIDs))
	for _, id := range messageIDs {
		if oid, ok := objectID(id); ok {
			ids = append(ids, oid)
		}
	}
	if len(ids) > 0 {
		filter := bson.M{
			"_id":             bson.M{"$in": ids},
			"conversation_id": convID,
			"sender_id":       bson.M{"$ne": readerID},
			"read_by":         bson.M{"$ne": readerID},
		}
		update := bson.M{
			"$addToSet": bson.M{"read_by": readerID},
			"$set":      bson.M{"status": string(models.StatusSeen), "updated_at": now()},
		}
		if _, err := s.messages.UpdateMany(ctx, filter, update); err != nil {
			return fmt.Errorf("mark read: %w", err)
		}
	}
	res, err := s.conversations.UpdateOne(ctx,
		bson.M{"_id": convID, "unread.user_id": readerID},
		bson.M{"$set": bson.M{"unread.$.count": 0}},
	)
	if err != nil {
		return fmt.Errorf("reset counter: %w", err)
	}
	if res.MatchedCount == 0 {
		return s.seedCounter(ctx, convID, readerID)
	}
	return nil
}

func (s *Store) SetReaction(ctx context.Context, messageID string, r models.Reaction) (*models.Message, error) {
	oid, ok := objectID(messageID)
	if !ok {
		return nil, store.ErrNotFound
	}
	ctx, cancel := ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()
	// one pipeline update drops the user's previous entry and appends the new one
	kept := bson.M{"$filter": bson.M{
		"input": bson.M{"$ifNull": bson.A{"$reactions", bson.A{}}},
		"cond":  bson.M{"$ne": bson.A{"$$this.user_id", bson.M{"$literal": r.UserID}}},
	}}
	entry := bson.M{
		"user_id":    bson.M{"$literal": r.UserID},
		"reaction":   bson.M{"$literal": r.Reaction},
		"created_at": r.CreatedAt,
	}
	pipeline := mongo.Pipeline{{{Key: "$set", Value: bson.M{
		"reactions":  bson.M{"$concatArrays": bson.A{kept, bson.A{entry}}},
		"updated_at": r.CreatedAt,
	}}}}
	var doc messageDoc
	err := s.messages.FindOneAndUpdate(ctx, bson.M{"_id": oid}, pipeline,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&doc)
	if err != nil {
		return nil, notFound(err, "set reaction")
	}
	m := doc.toModel()
	return &m, nil
}

func (s *Store) GetProfiles(ctx context.Context, userIDs []string) (map[string]models.UserProfile, error) {
	out := make(map[string]models.UserProfile, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	docs, err := s.findProfiles(ctx, bson.M{"_id": bson.M{"$in": userIDs}}, nil)
	if err != nil {
		return nil, err
	}
	for _, p := range docs {
		out[p.UserID] = p
	}
	return out, nil
}

func (s *Store) ListProfiles(ctx context.Context) ([]models.UserProfile, error) {
	return s.findProfiles(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "display_name", Value: 1}, {Key: "_id", Value: 1}}))
}

func (s *Store) findProfiles(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]models.UserProfile, error) {
	ctx, cancel := ensureTimeout(ctx, defaultReadTimeout)
	defer cancel()
	if opts == nil {
		opts = options.Find()
	}
	cursor, err := s.profiles.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find profiles: %w", err)
	}
	defer cursor.Close(ctx)
	var docs []profileDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode profiles: %w", err)
	}
	out := make([]models.UserProfile, 0, len(docs))
	for i := range docs {
		out = append(out, docs[i].toModel())
	}
	return out, nil
}

func (s *Store) UpsertProfile(ctx context.Context, p models.UserProfile) error {
	ctx, cancel := ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()
	update := bson.M{"$set": bson.M{
		"display_name": p.DisplayName,
		"avatar_url":   p.AvatarURL,
		"email":        p.Email,
		"updated_at":   now(),
	}}
	if _, err := s.profiles.UpdateOne(ctx, bson.M{"_id": p.UserID}, update, options.Update().SetUpsert(true)); err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

func (s *Store) TouchLastSeen(ctx context.Context, userID string, at time.Time) error {
	ctx, cancel := ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()
	if _, err := s.profiles.UpdateOne(ctx, bson.M{"_id": userID}, bson.M{"$set": bson.M{"last_seen_at": at}}); err != nil {
		return fmt.Errorf("touch last seen: %w", err)
	}
	return nil
}
