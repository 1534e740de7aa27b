package db

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"chatsync/internal/models"
	"chatsync/internal/store"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// globalConversationID 是全局会话的固定 id，并发初始化时依靠主键冲突保证单例。
var globalConversationID = uuid.NewSHA1(uuid.NameSpaceOID, []byte("chatsync/global-conversation")).String()

// Store 是基于 gorm 的 store.Store 实现。
type Store struct {
	db *gorm.DB
}

var _ store.Store = (*Store)(nil)

func NewStore(gdb *gorm.DB) *Store {
	return &Store{db: gdb}
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// parseID 规范化 uuid，非法 id 统一视为不存在。
func parseID(id string) (string, bool) {
	u, err := uuid.Parse(id)
	if err != nil {
		return "", false
	}
	return u.String(), true
}

func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.ErrNotFound
	}
	return fmt.Errorf("%s: %w", what, err)
}

func (s *Store) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	cid, ok := parseID(id)
	if !ok {
		return nil, store.ErrNotFound
	}
	return loadConversation(s.db.WithContext(ctx), "id = ?", cid)
}

func (s *Store) EnsureGlobalConversation(ctx context.Context) (*models.Conversation, error) {
	tx := s.db.WithContext(ctx)
	row := conversationRow{ID: globalConversationID, IsGroup: true, IsGlobal: true, Name: store.GlobalConversationName}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		return nil, fmt.Errorf("create global conversation: %w", err)
	}
	return loadConversation(tx, "id = ?", globalConversationID)
}

func (s *Store) AddMember(ctx context.Context, conversationID, userID string) error {
	cid, ok := parseID(conversationID)
	if !ok {
		return store.ErrNotFound
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return addMembers(tx, cid, []string{userID})
	})
}

// addMembers 幂等地追加成员，并为其补齐 0 计数，保证计数键集合覆盖成员集合。
func addMembers(tx *gorm.DB, cid string, userIDs []string) error {
	now := time.Now().UTC()
	members := make([]memberRow, 0, len(userIDs))
	counters := make([]counterRow, 0, len(userIDs))
	for i, uid := range userIDs {
		members = append(members, memberRow{ConversationID: cid, UserID: uid, JoinedAt: now.Add(time.Duration(i) * time.Microsecond)})
		counters = append(counters, counterRow{ConversationID: cid, UserID: uid})
	}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&members).Error; err != nil {
		return fmt.Errorf("add members: %w", err)
	}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&counters).Error; err != nil {
		return fmt.Errorf("seed counters: %w", err)
	}
	return nil
}

func (s *Store) ListConversationsForUser(ctx context.Context, userID string) ([]models.Conversation, error) {
	tx := s.db.WithContext(ctx)
	sub := tx.Model(&memberRow{}).Select("conversation_id").Where("user_id = ?", userID)
	var rows []conversationRow
	if err := tx.Where("id IN (?)", sub).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return hydrate(tx, rows)
}

func (s *Store) EnsureDirectConversation(ctx context.Context, a, b string) (*models.Conversation, bool, error) {
	key := store.DirectKey(a, b)
	created := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := conversationRow{ID: uuid.NewString(), DirectKey: &key}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
		if res.Error != nil {
			return fmt.Errorf("create direct conversation: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}
		created = true
		return addMembers(tx, row.ID, []string{a, b})
	})
	if err != nil {
		return nil, false, err
	}
	conv, err := loadConversation(s.db.WithContext(ctx), "direct_key = ?", key)
	return conv, created, err
}

func (s *Store) CreateConversation(ctx context.Context, in store.NewConversation) (*models.Conversation, error) {
	row := conversationRow{ID: uuid.NewString(), IsGroup: in.IsGroup, AdminID: in.AdminID, Name: in.Name}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("create conversation: %w", err)
		}
		return addMembers(tx, row.ID, in.Members)
	})
	if err != nil {
		return nil, err
	}
	return loadConversation(s.db.WithContext(ctx), "id = ?", row.ID)
}

func loadConversation(tx *gorm.DB, query string, arg any) (*models.Conversation, error) {
	var row conversationRow
	if err := tx.Where(query, arg).First(&row).Error; err != nil {
		return nil, notFound(err, "load conversation")
	}
	convs, err := hydrate(tx, []conversationRow{row})
	if err != nil {
		return nil, err
	}
	return &convs[0], nil
}

// hydrate 批量加载成员与未读计数。
func hydrate(tx *gorm.DB, rows []conversationRow) ([]models.Conversation, error) {
	out := make([]models.Conversation, 0, len(rows))
	if len(rows) == 0 {
		return out, nil
	}
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.ID)
	}
	var members []memberRow
	if err := tx.Where("conversation_id IN ?", ids).Order("joined_at, user_id").Find(&members).Error; err != nil {
		return nil, fmt.Errorf("load members: %w", err)
	}
	var counters []counterRow
	if err := tx.Where("conversation_id IN ?", ids).Find(&counters).Error; err != nil {
		return nil, fmt.Errorf("load counters: %w", err)
	}
	byID := make(map[string]int, len(rows))
	for i := range rows {
		byID[rows[i].ID] = i
		out = append(out, rows[i].toModel())
	}
	for _, m := range members {
		c := &out[byID[m.ConversationID]]
		c.Members = append(c.Members, m.UserID)
	}
	for _, ct := range counters {
		out[byID[ct.ConversationID]].UnreadCounts[ct.UserID] = ct.Unread
	}
	return out, nil
}

func (s *Store) CreateMessage(ctx context.Context, m *models.Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	row := newMessageRow(m)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("create message: %w", err)
		}
		m.UpdatedAt = row.UpdatedAt
		if len(m.ReadBy) == 0 {
			return nil
		}
		reads := make([]readRow, 0, len(m.ReadBy))
		for _, uid := range m.ReadBy {
			reads = append(reads, readRow{MessageID: m.ID, UserID: uid, ReadAt: m.CreatedAt})
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&reads).Error; err != nil {
			return fmt.Errorf("create read receipts: %w", err)
		}
		return nil
	})
}

func (s *Store) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	mid, ok := parseID(id)
	if !ok {
		return nil, store.ErrNotFound
	}
	return loadMessage(s.db.WithContext(ctx), mid)
}

func loadMessage(tx *gorm.DB, id string) (*models.Message, error) {
	var row messageRow
	if err := tx.First(&row, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "load message")
	}
	msgs, err := attachExtras(tx, []messageRow{row})
	if err != nil {
		return nil, err
	}
	return &msgs[0], nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID string, offset, limit int) ([]models.Message, error) {
	cid, ok := parseID(conversationID)
	if !ok {
		return nil, store.ErrNotFound
	}
	tx := s.db.WithContext(ctx)
	var rows []messageRow
	err := tx.Where("conversation_id = ?", cid).
		Order("created_at desc, id desc").
		Offset(offset).Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return attachExtras(tx, rows)
}

// attachExtras 批量补齐 readBy 与 reactions。
func attachExtras(tx *gorm.DB, rows []messageRow) ([]models.Message, error) {
	out := make([]models.Message, 0, len(rows))
	if len(rows) == 0 {
		return out, nil
	}
	ids := make([]string, 0, len(rows))
	byID := make(map[string]int, len(rows))
	for i := range rows {
		ids = append(ids, rows[i].ID)
		byID[rows[i].ID] = i
		out = append(out, rows[i].toModel())
	}
	var reads []readRow
	if err := tx.Where("message_id IN ?", ids).Order("read_at, user_id").Find(&reads).Error; err != nil {
		return nil, fmt.Errorf("load read receipts: %w", err)
	}
	for _, r := range reads {
		m := &out[byID[r.MessageID]]
		m.ReadBy = append(m.ReadBy, r.UserID)
	}
	var reactions []reactionRow
	if err := tx.Where("message_id IN ?", ids).Order("created_at, user_id").Find(&reactions).Error; err != nil {
		return nil, fmt.Errorf("load reactions: %w", err)
	}
	for _, r := range reactions {
		m := &out[byID[r.MessageID]]
		m.Reactions = append(m.Reactions, models.Reaction{UserID: r.UserID, Reaction: r.Reaction, CreatedAt: r.CreatedAt})
	}
	return out, nil
}

// ApplyMessageProjection 在一个事务里完成计数与 lastMessage 的更新，
// 计数使用 unread = unread + 1 的原子写法，不做读改写。
// 整个事务要么全部提交要么全部回滚，重试不会重复计数。
func (s *Store) ApplyMessageProjection(ctx context.Context, p store.Projection) (models.UnreadCounts, error) {
	cid, ok := parseID(p.ConversationID)
	if !ok {
		return nil, store.ErrNotFound
	}
	counts := models.UnreadCounts{}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var conv conversationRow
		if err := tx.Select("id").First(&conv, "id = ?", cid).Error; err != nil {
			return notFound(err, "load conversation")
		}
		var members []string
		if err := tx.Model(&memberRow{}).Where("conversation_id = ?", cid).Pluck("user_id", &members).Error; err != nil {
			return fmt.Errorf("load members: %w", err)
		}
		// 按 user_id 排序插入，并发事务以相同顺序加锁
		ids := append([]string{p.SenderID}, members...)
		sort.Strings(ids)
		seed := make([]counterRow, 0, len(ids))
		for i, uid := range ids {
			if i > 0 && uid == ids[i-1] {
				continue
			}
			seed = append(seed, counterRow{ConversationID: cid, UserID: uid})
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
			return fmt.Errorf("seed counters: %w", err)
		}
		// 单条语句完成递增与发送者清零
		err := tx.Model(&counterRow{}).
			Where("conversation_id = ? AND user_id IN ?", cid, ids).
			UpdateColumn("unread", gorm.Expr("CASE WHEN user_id = ? THEN 0 ELSE unread + 1 END", p.SenderID)).Error
		if err != nil {
			return fmt.Errorf("update counters: %w", err)
		}
		at := p.Last.CreatedAt
		err = tx.Model(&conversationRow{}).
			Where("id = ? AND (last_message_at IS NULL OR last_message_at <= ?)", cid, at).
			Updates(map[string]any{
				"last_message_text":          p.Last.Text,
				"last_message_sender_id":     p.Last.SenderID,
				"last_message_sender_name":   p.Last.SenderName,
				"last_message_sender_avatar": p.Last.SenderAvatar,
				"last_message_type":          string(p.Last.Type),
				"last_message_at":            at,
			}).Error
		if err != nil {
			return fmt.Errorf("update last message: %w", err)
		}
		var rows []counterRow
		if err := tx.Where("conversation_id = ?", cid).Find(&rows).Error; err != nil {
			return fmt.Errorf("load counters: %w", err)
		}
		for _, r := range rows {
			counts[r.UserID] = r.Unread
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

func (s *Store) MarkRead(ctx context.Context, conversationID, readerID string, messageIDs []string) error {
	cid, ok := parseID(conversationID)
	if !ok {
		return store.ErrNotFound
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(messageIDs) > 0 {
			already := tx.Model(&readRow{}).Select("message_id").Where("user_id = ?", readerID)
			var targets []string
			err := tx.Model(&messageRow{}).
				Where("conversation_id = ? AND id IN ? AND sender_id <> ?", cid, messageIDs, readerID).
				Where("id NOT IN (?)", already).
				Pluck("id", &targets).Error
			if err != nil {
				return fmt.Errorf("select unread messages: %w", err)
			}
			if len(targets) > 0 {
				now := time.Now().UTC()
				reads := make([]readRow, 0, len(targets))
				for _, id := range targets {
					reads = append(reads, readRow{MessageID: id, UserID: readerID, ReadAt: now})
				}
				if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&reads).Error; err != nil {
					return fmt.Errorf("create read receipts: %w", err)
				}
				err = tx.Model(&messageRow{}).Where("id IN ?", targets).
					Update("status", string(models.StatusSeen)).Error
				if err != nil {
					return fmt.Errorf("mark seen: %w", err)
				}
			}
		}
		reset := counterRow{ConversationID: cid, UserID: readerID}
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "conversation_id"}, {Name: "user_id"}},
			DoUpdates: clause.Assignments(map[string]any{"unread": 0}),
		}).Create(&reset).Error
		if err != nil {
			return fmt.Errorf("reset counter: %w", err)
		}
		return nil
	})
}

func (s *Store) SetReaction(ctx context.Context, messageID string, r models.Reaction) (*models.Message, error) {
	mid, ok := parseID(messageID)
	if !ok {
		return nil, store.ErrNotFound
	}
	var out *models.Message
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row messageRow
		if err := tx.Select("id").First(&row, "id = ?", mid).Error; err != nil {
			return notFound(err, "load message")
		}
		rr := reactionRow{MessageID: mid, UserID: r.UserID, Reaction: r.Reaction, CreatedAt: r.CreatedAt}
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "message_id"}, {Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"reaction", "created_at"}),
		}).Create(&rr).Error
		if err != nil {
			return fmt.Errorf("upsert reaction: %w", err)
		}
		if err := tx.Model(&messageRow{}).Where("id = ?", mid).Update("updated_at", r.CreatedAt).Error; err != nil {
			return fmt.Errorf("touch message: %w", err)
		}
		out, err = loadMessage(tx, mid)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) GetProfiles(ctx context.Context, userIDs []string) (map[string]models.UserProfile, error) {
	out := make(map[string]models.UserProfile, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	var rows []profileRow
	if err := s.db.WithContext(ctx).Where("user_id IN ?", userIDs).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load profiles: %w", err)
	}
	for i := range rows {
		out[rows[i].UserID] = rows[i].toModel()
	}
	return out, nil
}

func (s *Store) ListProfiles(ctx context.Context) ([]models.UserProfile, error) {
	var rows []profileRow
	if err := s.db.WithContext(ctx).Order("display_name, user_id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	out := make([]models.UserProfile, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}

func (s *Store) UpsertProfile(ctx context.Context, p models.UserProfile) error {
	row := profileRow{UserID: p.UserID, DisplayName: p.DisplayName, AvatarURL: p.AvatarURL, Email: p.Email}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"display_name", "avatar_url", "email", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

func (s *Store) TouchLastSeen(ctx context.Context, userID string, at time.Time) error {
	err := s.db.WithContext(ctx).Model(&profileRow{}).Where("user_id = ?", userID).
		Update("last_seen_at", at).Error
	if err != nil {
		return fmt.Errorf("touch last seen: %w", err)
	}
	return nil
}
