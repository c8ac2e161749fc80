package chat

import (
	"errors"
	"strings"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

type AttachmentKind string

const (
	KindImage    AttachmentKind = "image"
	KindVideo    AttachmentKind = "video"
	KindAudio    AttachmentKind = "audio"
	KindFile     AttachmentKind = "file"
	KindBookLink AttachmentKind = "book_link"
)

// Attachment is what a file picker hands over: {uri, name, mimeType}. For
// KindBookLink, URI holds the link text.
type Attachment struct {
	Kind     AttachmentKind `json:"kind"`
	URI      string         `json:"uri"`
	Name     string         `json:"name,omitempty"`
	MIMEType string         `json:"mime_type,omitempty"`
}

type Message struct {
	ID             MessageID
	ConversationID ConversationID
	AuthorID       UserID
	Body           string
	Attachment     *Attachment
	CreatedAt      time.Time
	Status         Status
	// ClientMsgID is the LocalID the message was submitted under, when known.
	ClientMsgID LocalID
}

func (m Message) hasContent() bool {
	return strings.TrimSpace(m.Body) != "" || m.Attachment != nil
}

func (m Message) attachmentKind() AttachmentKind {
	if m.Attachment == nil {
		return ""
	}
	return m.Attachment.Kind
}

type Participant struct {
	ID           UserID `json:"id"`
	Username     string `json:"username"`
	ProfilePhoto string `json:"profile_photo,omitempty"`
}

type Conversation struct {
	ID          ConversationID `json:"id"`
	Users       []Participant  `json:"users"`
	LastMessage string         `json:"last_message,omitempty"`
	LastTime    *time.Time     `json:"last_time,omitempty"`
	UnreadCount int            `json:"unread_count"`
}

// Other returns the first participant that is not me.
func (c Conversation) Other(me UserID) (Participant, bool) {
	for _, u := range c.Users {
		if u.ID != me {
			return u, true
		}
	}
	return Participant{}, false
}

// WireMessage is the JSON shape of a message as the backend returns it, both
// in HTTP responses and in message.sent event payloads.
type WireMessage struct {
	ID             uint64    `json:"id"`
	ConversationID uint64    `json:"conversation_id"`
	UserID         uint64    `json:"user_id"`
	Body           *string   `json:"body"`
	Image          *string   `json:"image"`
	Video          *string   `json:"video"`
	Audio          *string   `json:"audio"`
	File           *string   `json:"file"`
	BookLink       *string   `json:"book_link"`
	AttachmentName string    `json:"attachment_name,omitempty"`
	AttachmentType string    `json:"attachment_type,omitempty"`
	ClientMsgID    string    `json:"client_msg_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

var errMalformedMessage = errors.New("malformed message")

// ToMessage converts a server record into a confirmed Message.
func (w WireMessage) ToMessage() (Message, error) {
	if w.ID == 0 {
		return Message{}, errMalformedMessage
	}
	m := Message{
		ID:             ServerMessageID(ServerID(w.ID)),
		ConversationID: ConversationID(w.ConversationID),
		AuthorID:       UserID(w.UserID),
		CreatedAt:      w.CreatedAt,
		Status:         StatusConfirmed,
	}
	if w.Body != nil {
		m.Body = *w.Body
	}
	if IsLocalID(w.ClientMsgID) {
		m.ClientMsgID = LocalID(w.ClientMsgID)
	}
	for _, f := range []struct {
		kind AttachmentKind
		val  *string
	}{
		{KindImage, w.Image},
		{KindVideo, w.Video},
		{KindAudio, w.Audio},
		{KindFile, w.File},
		{KindBookLink, w.BookLink},
	} {
		if f.val == nil || *f.val == "" {
			continue
		}
		if m.Attachment != nil {
			return Message{}, errMalformedMessage
		}
		a := &Attachment{Kind: f.kind, URI: *f.val}
		if f.kind != KindBookLink {
			a.Name = w.AttachmentName
			a.MIMEType = w.AttachmentType
		}
		m.Attachment = a
	}
	if !m.hasContent() {
		return Message{}, errMalformedMessage
	}
	return m, nil
}
