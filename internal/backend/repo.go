package backend

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

// Users

func (r *Repo) CreateUser(ctx context.Context, u *User) error {
	return r.db.WithContext(ctx).Create(u).Error
}

func (r *Repo) GetUserByID(ctx context.Context, id uint64) (*User, error) {
	var u User
	if err := r.db.WithContext(ctx).First(&u, id).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *Repo) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	var u User
	if err := r.db.WithContext(ctx).Where("email = ?", email).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// ListUsers returns users other than except, ordered by username.
func (r *Repo) ListUsers(ctx context.Context, except uint64, limit int) ([]User, error) {
	var users []User
	if err := r.db.WithContext(ctx).
		Where("id <> ?", except).
		Order("username ASC").
		Limit(limit).
		Find(&users).Error; err != nil {
		return nil, err
	}
	return users, nil
}

// Conversations

func (r *Repo) withParticipants(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).Preload("Participants.User")
}

func (r *Repo) GetConversation(ctx context.Context, id uint64) (*Conversation, error) {
	var c Conversation
	if err := r.withParticipants(ctx).First(&c, id).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *Repo) GetConversationByPairKey(ctx context.Context, key string) (*Conversation, error) {
	var c Conversation
	if err := r.withParticipants(ctx).Where("pair_key = ?", key).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// CreateConversationOrGetExisting creates the conversation for pairKey with
// the given members, or returns the one that already exists.
func (r *Repo) CreateConversationOrGetExisting(ctx context.Context, pairKey string, members ...uint64) (*Conversation, bool, error) {
	existing, err := r.GetConversationByPairKey(ctx, pairKey)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}

	var id uint64
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		c := Conversation{PairKey: pairKey}
		if err := tx.Create(&c).Error; err != nil {
			return err
		}
		for _, uid := range members {
			if err := tx.Create(&Participant{ConversationID: c.ID, UserID: uid}).Error; err != nil {
				return err
			}
		}
		id = c.ID
		return nil
	})
	if err != nil {
		// lost a race on the unique pair key
		existing, getErr := r.GetConversationByPairKey(ctx, pairKey)
		if getErr == nil {
			return existing, false, nil
		}
		return nil, false, err
	}

	c, err := r.GetConversation(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return c, true, nil
}

// ListConversationsForUser returns userID's conversations, most recently
// active first.
func (r *Repo) ListConversationsForUser(ctx context.Context, userID uint64) ([]Conversation, error) {
	sub := r.db.Model(&Participant{}).Select("conversation_id").Where("user_id = ?", userID)
	var convs []Conversation
	if err := r.withParticipants(ctx).
		Where("id IN (?)", sub).
		Order("last_time DESC").
		Order("id DESC").
		Find(&convs).Error; err != nil {
		return nil, err
	}
	return convs, nil
}

func (r *Repo) GetParticipant(ctx context.Context, conversationID, userID uint64) (*Participant, error) {
	var p Participant
	if err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// TouchConversation records the newest message preview. Older messages
// arriving late do not overwrite a newer preview.
func (r *Repo) TouchConversation(ctx context.Context, conversationID uint64, preview string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&Conversation{}).
		Where("id = ? AND (last_time IS NULL OR last_time <= ?)", conversationID, at).
		Updates(map[string]any{
			"last_message": preview,
			"last_time":    at,
		}).Error
}

// Messages

// InsertMessageOrGetExisting stores m, unless the author already stored a
// message with the same ClientMsgID, in which case that one is returned.
func (r *Repo) InsertMessageOrGetExisting(ctx context.Context, m *Message) (*Message, bool, error) {
	if m.ClientMsgID == nil || *m.ClientMsgID == "" {
		m.ClientMsgID = nil
		if err := r.db.WithContext(ctx).Create(m).Error; err != nil {
			return nil, false, err
		}
		return m, true, nil
	}

	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(m)
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected == 1 {
		return m, true, nil
	}

	var existing Message
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND client_msg_id = ?", m.UserID, *m.ClientMsgID).
		First(&existing).Error; err != nil {
		return nil, false, err
	}
	return &existing, false, nil
}

// ListMessages returns messages in DESC id order (newest -> oldest).
func (r *Repo) ListMessages(ctx context.Context, conversationID uint64, limit int, beforeID uint64) ([]Message, error) {
	q := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("id DESC").
		Limit(limit)

	if beforeID > 0 {
		q = q.Where("id < ?", beforeID)
	}

	var msgs []Message
	if err := q.Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

// Unread counters

// IncrementUnread bumps the counter of every participant except the author,
// at most once per message id.
func (r *Repo) IncrementUnread(ctx context.Context, conversationID, authorID, messageID uint64) (int64, error) {
	res := r.db.WithContext(ctx).Model(&Participant{}).
		Where("conversation_id = ? AND user_id <> ? AND last_counted_id < ?", conversationID, authorID, messageID).
		Updates(map[string]any{
			"unread_count":    gorm.Expr("unread_count + 1"),
			"last_counted_id": messageID,
		})
	return res.RowsAffected, res.Error
}

func (r *Repo) ResetUnread(ctx context.Context, conversationID, userID uint64) error {
	return r.db.WithContext(ctx).Model(&Participant{}).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Update("unread_count", 0).Error
}
