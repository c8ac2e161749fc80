package backend

import (
	"time"

	"gorm.io/gorm"

	"github.com/bookverse/chat/internal/chat"
)

type User struct {
	ID           uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	Username     string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"username"`
	Email        string    `gorm:"type:varchar(191);uniqueIndex;not null" json:"-"`
	PasswordHash string    `gorm:"type:varchar(100);not null" json:"-"`
	ProfilePhoto string    `gorm:"type:varchar(255)" json:"profile_photo,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"-"`
}

func (User) TableName() string { return "users" }

func (u User) Participant() chat.Participant {
	return chat.Participant{ID: chat.UserID(u.ID), Username: u.Username, ProfilePhoto: u.ProfilePhoto}
}

// Conversation is a one-to-one chat. PairKey ("low:high" user ids) makes
// starting a conversation idempotent.
type Conversation struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement"`
	PairKey     string `gorm:"type:varchar(64);uniqueIndex;not null"`
	LastMessage string `gorm:"type:text"`
	LastTime    *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time

	Participants []Participant `gorm:"foreignKey:ConversationID"`
}

func (Conversation) TableName() string { return "conversations" }

type Participant struct {
	ConversationID uint64 `gorm:"primaryKey;autoIncrement:false"`
	UserID         uint64 `gorm:"primaryKey;autoIncrement:false;index"`
	UnreadCount    int    `gorm:"not null;default:0"`
	// LastCountedID is the newest message id already added to UnreadCount.
	LastCountedID uint64 `gorm:"not null;default:0"`
	CreatedAt     time.Time

	User User `gorm:"foreignKey:UserID"`
}

func (Participant) TableName() string { return "conversation_participants" }

type Message struct {
	ID             uint64  `gorm:"primaryKey;autoIncrement"`
	ConversationID uint64  `gorm:"not null;index:idx_msg_conv_id"`
	UserID         uint64  `gorm:"not null;index:uniq_msg_client,unique,priority:1"`
	Body           *string `gorm:"type:text"`
	Image          *string `gorm:"type:varchar(512)"`
	Video          *string `gorm:"type:varchar(512)"`
	Audio          *string `gorm:"type:varchar(512)"`
	File           *string `gorm:"type:varchar(512)"`
	BookLink       *string `gorm:"type:varchar(1024)"`
	AttachmentName string  `gorm:"type:varchar(255)"`
	AttachmentType string  `gorm:"type:varchar(127)"`
	ClientMsgID    *string `gorm:"type:varchar(64);index:uniq_msg_client,unique,priority:2"`
	CreatedAt      time.Time
}

func (Message) TableName() string { return "chat_messages" }

// Wire renders the message the way clients decode it.
func (m Message) Wire() chat.WireMessage {
	w := chat.WireMessage{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		UserID:         m.UserID,
		Body:           m.Body,
		Image:          m.Image,
		Video:          m.Video,
		Audio:          m.Audio,
		File:           m.File,
		BookLink:       m.BookLink,
		AttachmentName: m.AttachmentName,
		AttachmentType: m.AttachmentType,
		CreatedAt:      m.CreatedAt,
	}
	if m.ClientMsgID != nil {
		w.ClientMsgID = *m.ClientMsgID
	}
	return w
}

func (m Message) attachmentKind() chat.AttachmentKind {
	switch {
	case m.Image != nil:
		return chat.KindImage
	case m.Video != nil:
		return chat.KindVideo
	case m.Audio != nil:
		return chat.KindAudio
	case m.File != nil:
		return chat.KindFile
	case m.BookLink != nil:
		return chat.KindBookLink
	}
	return ""
}

// preview is the conversation-list text for m.
func (m Message) preview() string {
	if m.Body != nil && *m.Body != "" {
		return *m.Body
	}
	if k := m.attachmentKind(); k != "" {
		return "[" + string(k) + "]"
	}
	return ""
}

// MessageEvent is queued for every stored message; the worker turns it into
// unread counts.
type MessageEvent struct {
	MessageID      uint64    `json:"message_id"`
	ConversationID uint64    `json:"conversation_id"`
	AuthorID       uint64    `json:"author_id"`
	CreatedAt      time.Time `json:"created_at"`
}

func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&User{}, &Conversation{}, &Participant{}, &Message{})
}
