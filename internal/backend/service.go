package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"gorm.io/gorm"

	"github.com/bookverse/chat/internal/auth"
	"github.com/bookverse/chat/internal/chat"
	"github.com/bookverse/chat/internal/logger"
	"github.com/bookverse/chat/internal/metrics"
	"github.com/bookverse/chat/internal/realtime"
)

var (
	ErrSelfConversation = errors.New("cannot start a conversation with yourself")
	ErrInvalidMessage   = errors.New("message needs a body or exactly one attachment")
	ErrBadCredentials   = errors.New("invalid email or password")
	ErrInvalidSignup    = errors.New("username, email and password required")
)

// Broadcaster pushes a live event to every subscriber of a channel.
type Broadcaster interface {
	Publish(ctx context.Context, channel, event string, payload []byte) error
}

// EventPublisher queues message events for the worker.
type EventPublisher interface {
	Publish(ctx context.Context, v any) error
}

type Service struct {
	repo      *Repo
	broadcast Broadcaster
	events    EventPublisher
	log       *slog.Logger
}

// NewService wires the chat backend. A nil events publisher means unread
// counters are updated inline.
func NewService(repo *Repo, b Broadcaster, events EventPublisher, log *slog.Logger) *Service {
	return &Service{repo: repo, broadcast: b, events: events, log: logger.Or(log)}
}

// Accounts

func (s *Service) Register(ctx context.Context, username, email, password string) (*User, error) {
	username = strings.TrimSpace(username)
	email = strings.ToLower(strings.TrimSpace(email))
	if username == "" || email == "" || password == "" {
		return nil, ErrInvalidSignup
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, err
	}
	u := &User{Username: username, Email: email, PasswordHash: hash}
	if err := s.repo.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

func (s *Service) Authenticate(ctx context.Context, email, password string) (*User, error) {
	u, err := s.repo.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBadCredentials
		}
		return nil, err
	}
	if !auth.CheckPassword(u.PasswordHash, password) {
		return nil, ErrBadCredentials
	}
	return u, nil
}

func (s *Service) GetUser(ctx context.Context, id uint64) (*User, error) {
	return s.repo.GetUserByID(ctx, id)
}

func (s *Service) ListUsers(ctx context.Context, me uint64, limit int) ([]chat.Participant, error) {
	if limit <= 0 || limit > 200 {
		limit = 100
	}
	users, err := s.repo.ListUsers(ctx, me, limit)
	if err != nil {
		return nil, err
	}
	out := make([]chat.Participant, 0, len(users))
	for _, u := range users {
		out = append(out, u.Participant())
	}
	return out, nil
}

// Conversations

func pairKey(a, b uint64) string {
	if a > b {
		a, b = b, a
	}
	return strconv.FormatUint(a, 10) + ":" + strconv.FormatUint(b, 10)
}

// summary renders c as seen by me.
func summary(c Conversation, me uint64) chat.Conversation {
	out := chat.Conversation{
		ID:          chat.ConversationID(c.ID),
		LastMessage: c.LastMessage,
		LastTime:    c.LastTime,
		Users:       make([]chat.Participant, 0, len(c.Participants)),
	}
	for _, p := range c.Participants {
		out.Users = append(out.Users, p.User.Participant())
		if p.UserID == me {
			out.UnreadCount = p.UnreadCount
		}
	}
	return out
}

// StartConversation returns the conversation between me and other, creating
// it on first use.
func (s *Service) StartConversation(ctx context.Context, me, other uint64) (*chat.Conversation, bool, error) {
	if me == other {
		return nil, false, ErrSelfConversation
	}
	if _, err := s.repo.GetUserByID(ctx, other); err != nil {
		return nil, false, err
	}
	c, created, err := s.repo.CreateConversationOrGetExisting(ctx, pairKey(me, other), me, other)
	if err != nil {
		return nil, false, err
	}
	sum := summary(*c, me)
	return &sum, created, nil
}

func (s *Service) ListConversations(ctx context.Context, me uint64) ([]chat.Conversation, error) {
	convs, err := s.repo.ListConversationsForUser(ctx, me)
	if err != nil {
		return nil, err
	}
	out := make([]chat.Conversation, 0, len(convs))
	for _, c := range convs {
		out = append(out, summary(c, me))
	}
	return out, nil
}

// IsParticipant hides conversations the user is not part of behind
// gorm.ErrRecordNotFound.
func (s *Service) IsParticipant(ctx context.Context, conversationID, userID uint64) error {
	_, err := s.repo.GetParticipant(ctx, conversationID, userID)
	return err
}

// CanJoin reports whether userID may subscribe to the given wire channel.
func (s *Service) CanJoin(ctx context.Context, userID uint64, channel string) (bool, error) {
	if !realtime.IsPrivate(channel) {
		return false, nil
	}
	idStr, ok := strings.CutPrefix(realtime.LogicalChannel(channel), "chat.")
	if !ok {
		return false, nil
	}
	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		return false, nil
	}
	err = s.IsParticipant(ctx, id, userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Messages

// ListMessages returns up to limit messages in chronological order. Reading
// the newest page clears the reader's unread count.
func (s *Service) ListMessages(ctx context.Context, me, conversationID uint64, limit int, beforeID uint64) ([]Message, error) {
	if err := s.IsParticipant(ctx, conversationID, me); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 100
	}
	desc, err := s.repo.ListMessages(ctx, conversationID, limit, beforeID)
	if err != nil {
		return nil, err
	}
	// reverse to ASC (oldest -> newest)
	msgs := make([]Message, 0, len(desc))
	for i := len(desc) - 1; i >= 0; i-- {
		msgs = append(msgs, desc[i])
	}
	if beforeID == 0 {
		if err := s.repo.ResetUnread(ctx, conversationID, me); err != nil {
			s.log.Warn("reset unread failed", "conversation_id", conversationID, "user_id", me, "err", err)
		}
	}
	return msgs, nil
}

// NewMessage is one submission. Attachment holds the stored URL, or the link
// text for a book link.
type NewMessage struct {
	Body           string
	Kind           chat.AttachmentKind
	Attachment     string
	AttachmentName string
	AttachmentType string
	ClientMsgID    string
}

func (in NewMessage) toMessage(conversationID, userID uint64) (*Message, error) {
	m := &Message{
		ConversationID: conversationID,
		UserID:         userID,
		AttachmentName: in.AttachmentName,
		AttachmentType: in.AttachmentType,
	}
	if strings.TrimSpace(in.Body) != "" {
		body := in.Body
		m.Body = &body
	}
	if in.Kind != "" {
		att := strings.TrimSpace(in.Attachment)
		if att == "" {
			return nil, ErrInvalidMessage
		}
		switch in.Kind {
		case chat.KindImage:
			m.Image = &att
		case chat.KindVideo:
			m.Video = &att
		case chat.KindAudio:
			m.Audio = &att
		case chat.KindFile:
			m.File = &att
		case chat.KindBookLink:
			m.BookLink = &att
			m.AttachmentName, m.AttachmentType = "", ""
		default:
			return nil, ErrInvalidMessage
		}
	}
	if m.Body == nil && in.Kind == "" {
		return nil, ErrInvalidMessage
	}
	if id := strings.TrimSpace(in.ClientMsgID); id != "" {
		if len(id) > 64 {
			return nil, ErrInvalidMessage
		}
		m.ClientMsgID = &id
	}
	return m, nil
}

// SendMessage stores a message and fans it out. A repeated client_msg_id
// returns the stored message with created=false and no new events.
func (s *Service) SendMessage(ctx context.Context, me, conversationID uint64, in NewMessage) (*Message, bool, error) {
	if err := s.IsParticipant(ctx, conversationID, me); err != nil {
		return nil, false, err
	}
	m, err := in.toMessage(conversationID, me)
	if err != nil {
		return nil, false, err
	}
	stored, created, err := s.repo.InsertMessageOrGetExisting(ctx, m)
	if err != nil {
		return nil, false, err
	}
	if !created {
		metrics.MessagesDeduplicated.Inc()
		return stored, false, nil
	}

	kind := string(stored.attachmentKind())
	if kind == "" {
		kind = "text"
	}
	metrics.MessagesStored.WithLabelValues(kind).Inc()

	if err := s.repo.TouchConversation(ctx, conversationID, stored.preview(), stored.CreatedAt); err != nil {
		s.log.Warn("touch conversation failed", "conversation_id", conversationID, "err", err)
	}
	s.notify(ctx, stored)
	return stored, true, nil
}

func (s *Service) notify(ctx context.Context, m *Message) {
	ev := MessageEvent{
		MessageID:      m.ID,
		ConversationID: m.ConversationID,
		AuthorID:       m.UserID,
		CreatedAt:      m.CreatedAt,
	}
	if s.events == nil {
		if err := s.ApplyMessageEvent(ctx, ev); err != nil {
			s.log.Warn("unread update failed", "message_id", m.ID, "err", err)
		}
	} else if err := s.events.Publish(ctx, ev); err != nil {
		s.log.Warn("publish message event failed, applying inline", "message_id", m.ID, "err", err)
		if err := s.ApplyMessageEvent(ctx, ev); err != nil {
			s.log.Warn("unread update failed", "message_id", m.ID, "err", err)
		}
	}

	if s.broadcast == nil {
		return
	}
	payload, err := json.Marshal(map[string]chat.WireMessage{"message": m.Wire()})
	if err != nil {
		s.log.Error("encode message.sent failed", "message_id", m.ID, "err", err)
		return
	}
	channel := realtime.PrivatePrefix + chat.ChannelName(chat.ConversationID(m.ConversationID))
	if err := s.broadcast.Publish(ctx, channel, chat.EventMessageSent, payload); err != nil {
		s.log.Warn("broadcast failed", "channel", channel, "message_id", m.ID, "err", err)
	}
}

// ApplyMessageEvent adds the message to the unread count of every
// participant except its author. Redelivered events are not counted twice.
func (s *Service) ApplyMessageEvent(ctx context.Context, ev MessageEvent) error {
	if ev.MessageID == 0 || ev.ConversationID == 0 {
		metrics.UnreadUpdates.WithLabelValues("invalid").Inc()
		return fmt.Errorf("invalid message event %+v", ev)
	}
	n, err := s.repo.IncrementUnread(ctx, ev.ConversationID, ev.AuthorID, ev.MessageID)
	if err != nil {
		metrics.UnreadUpdates.WithLabelValues("error").Inc()
		return err
	}
	if n == 0 {
		metrics.UnreadUpdates.WithLabelValues("noop").Inc()
	} else {
		metrics.UnreadUpdates.WithLabelValues("applied").Inc()
	}
	return nil
}
