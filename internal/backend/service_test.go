package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/bookverse/chat/internal/chat"
	"github.com/bookverse/chat/internal/logger"
)

type published struct {
	channel string
	event   string
	payload []byte
}

type recordingBroadcaster struct {
	mu   sync.Mutex
	sent []published
}

func (b *recordingBroadcaster) Publish(ctx context.Context, channel, event string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, published{channel, event, payload})
	return nil
}

type failingPublisher struct{ calls int }

func (p *failingPublisher) Publish(ctx context.Context, v any) error {
	p.calls++
	return errors.New("broker down")
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func newTestService(t *testing.T) (*Service, *recordingBroadcaster) {
	t.Helper()
	b := &recordingBroadcaster{}
	return NewService(NewRepo(openTestDB(t)), b, nil, logger.Discard()), b
}

func mustRegister(t *testing.T, svc *Service, name string) *User {
	t.Helper()
	u, err := svc.Register(context.Background(), name, name+"@example.com", "pw-"+name)
	if err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
	return u
}

func TestAuthenticate(t *testing.T) {
	svc, _ := newTestService(t)
	ana := mustRegister(t, svc, "ana")

	u, err := svc.Authenticate(context.Background(), "  ANA@example.com", "pw-ana")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if u.ID != ana.ID {
		t.Fatalf("expected user %d, got %d", ana.ID, u.ID)
	}
	if _, err := svc.Authenticate(context.Background(), "ana@example.com", "nope"); !errors.Is(err, ErrBadCredentials) {
		t.Fatalf("expected ErrBadCredentials, got %v", err)
	}
	if _, err := svc.Authenticate(context.Background(), "ghost@example.com", "x"); !errors.Is(err, ErrBadCredentials) {
		t.Fatalf("expected ErrBadCredentials for unknown email, got %v", err)
	}
	if _, err := svc.Register(context.Background(), "ana2", "ana@example.com", "x"); err == nil {
		t.Fatalf("expected duplicate email to fail")
	}
}

func TestStartConversation_Idempotent(t *testing.T) {
	svc, _ := newTestService(t)
	ana := mustRegister(t, svc, "ana")
	bo := mustRegister(t, svc, "bo")
	ctx := context.Background()

	c1, created, err := svc.StartConversation(ctx, ana.ID, bo.ID)
	if err != nil || !created {
		t.Fatalf("start: created=%v err=%v", created, err)
	}
	c2, created, err := svc.StartConversation(ctx, bo.ID, ana.ID)
	if err != nil || created {
		t.Fatalf("restart: created=%v err=%v", created, err)
	}
	if c1.ID != c2.ID {
		t.Fatalf("expected same conversation, got %d and %d", c1.ID, c2.ID)
	}
	other, ok := c2.Other(chat.UserID(bo.ID))
	if !ok || other.Username != "ana" {
		t.Fatalf("unexpected participants: %+v", c2.Users)
	}

	if _, _, err := svc.StartConversation(ctx, ana.ID, ana.ID); !errors.Is(err, ErrSelfConversation) {
		t.Fatalf("expected ErrSelfConversation, got %v", err)
	}
	if _, _, err := svc.StartConversation(ctx, ana.ID, 999); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("expected not found for unknown user, got %v", err)
	}
}

func TestSendMessage_StoresBroadcastsAndCountsUnread(t *testing.T) {
	svc, b := newTestService(t)
	ana := mustRegister(t, svc, "ana")
	bo := mustRegister(t, svc, "bo")
	ctx := context.Background()
	conv, _, err := svc.StartConversation(ctx, ana.ID, bo.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	cid := uint64(conv.ID)

	m, created, err := svc.SendMessage(ctx, ana.ID, cid, NewMessage{Body: "hi bo", ClientMsgID: "local-01"})
	if err != nil || !created {
		t.Fatalf("send: created=%v err=%v", created, err)
	}
	if _, _, err := svc.SendMessage(ctx, ana.ID, cid, NewMessage{Kind: chat.KindBookLink, Attachment: "https://books/9"}); err != nil {
		t.Fatalf("send link: %v", err)
	}

	if len(b.sent) != 2 {
		t.Fatalf("expected 2 broadcasts, got %d", len(b.sent))
	}
	first := b.sent[0]
	if first.channel != fmt.Sprintf("private-chat.%d", cid) || first.event != chat.EventMessageSent {
		t.Fatalf("unexpected broadcast target %s/%s", first.channel, first.event)
	}
	var payload struct {
		Message chat.WireMessage `json:"message"`
	}
	if err := json.Unmarshal(first.payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Message.ID != m.ID || payload.Message.ClientMsgID != "local-01" {
		t.Fatalf("unexpected payload %+v", payload.Message)
	}

	convs, err := svc.ListConversations(ctx, bo.ID)
	if err != nil || len(convs) != 1 {
		t.Fatalf("list: %v (%d)", err, len(convs))
	}
	if convs[0].UnreadCount != 2 {
		t.Fatalf("expected 2 unread for bo, got %d", convs[0].UnreadCount)
	}
	if convs[0].LastMessage != "[book_link]" {
		t.Fatalf("unexpected last message %q", convs[0].LastMessage)
	}
	mine, _ := svc.ListConversations(ctx, ana.ID)
	if mine[0].UnreadCount != 0 {
		t.Fatalf("author should have no unread, got %d", mine[0].UnreadCount)
	}

	msgs, err := svc.ListMessages(ctx, bo.ID, cid, 0, 0)
	if err != nil || len(msgs) != 2 {
		t.Fatalf("history: %v (%d)", err, len(msgs))
	}
	if msgs[0].ID != m.ID {
		t.Fatalf("history not chronological")
	}
	convs, _ = svc.ListConversations(ctx, bo.ID)
	if convs[0].UnreadCount != 0 {
		t.Fatalf("expected unread reset after reading, got %d", convs[0].UnreadCount)
	}
}

func TestSendMessage_ClientMsgIDDeduplicates(t *testing.T) {
	svc, b := newTestService(t)
	ana := mustRegister(t, svc, "ana")
	bo := mustRegister(t, svc, "bo")
	ctx := context.Background()
	conv, _, _ := svc.StartConversation(ctx, ana.ID, bo.ID)
	cid := uint64(conv.ID)

	in := NewMessage{Body: "once", ClientMsgID: "local-abc"}
	m1, created, err := svc.SendMessage(ctx, ana.ID, cid, in)
	if err != nil || !created {
		t.Fatalf("first send: %v", err)
	}
	m2, created, err := svc.SendMessage(ctx, ana.ID, cid, in)
	if err != nil {
		t.Fatalf("second send: %v", err)
	}
	if created || m2.ID != m1.ID {
		t.Fatalf("expected existing message %d, got %d created=%v", m1.ID, m2.ID, created)
	}
	if len(b.sent) != 1 {
		t.Fatalf("duplicate must not be broadcast again, got %d", len(b.sent))
	}

	// same client id from another author is a different message
	if _, created, err := svc.SendMessage(ctx, bo.ID, cid, in); err != nil || !created {
		t.Fatalf("other author: created=%v err=%v", created, err)
	}
}

func TestSendMessage_Validation(t *testing.T) {
	svc, _ := newTestService(t)
	ana := mustRegister(t, svc, "ana")
	bo := mustRegister(t, svc, "bo")
	cy := mustRegister(t, svc, "cy")
	ctx := context.Background()
	conv, _, _ := svc.StartConversation(ctx, ana.ID, bo.ID)
	cid := uint64(conv.ID)

	cases := []NewMessage{
		{Body: "   "},
		{Kind: chat.KindImage},
		{Kind: "sticker", Attachment: "x"},
		{Body: "x", ClientMsgID: strings.Repeat("a", 65)},
	}
	for i, in := range cases {
		if _, _, err := svc.SendMessage(ctx, ana.ID, cid, in); !errors.Is(err, ErrInvalidMessage) {
			t.Fatalf("case %d: expected ErrInvalidMessage, got %v", i, err)
		}
	}
	if _, _, err := svc.SendMessage(ctx, cy.ID, cid, NewMessage{Body: "let me in"}); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("outsider send: expected not found, got %v", err)
	}
	if _, err := svc.ListMessages(ctx, cy.ID, cid, 0, 0); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("outsider history: expected not found, got %v", err)
	}
}

func TestApplyMessageEvent_Idempotent(t *testing.T) {
	failing := &failingPublisher{}
	svc := NewService(NewRepo(openTestDB(t)), nil, failing, logger.Discard())
	ana := mustRegister(t, svc, "ana")
	bo := mustRegister(t, svc, "bo")
	ctx := context.Background()
	conv, _, _ := svc.StartConversation(ctx, ana.ID, bo.ID)
	cid := uint64(conv.ID)

	// publisher failure falls back to inline counting
	m, _, err := svc.SendMessage(ctx, ana.ID, cid, NewMessage{Body: "hi"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if failing.calls != 1 {
		t.Fatalf("expected one publish attempt, got %d", failing.calls)
	}

	ev := MessageEvent{MessageID: m.ID, ConversationID: cid, AuthorID: ana.ID}
	if err := svc.ApplyMessageEvent(ctx, ev); err != nil {
		t.Fatalf("redeliver: %v", err)
	}
	convs, _ := svc.ListConversations(ctx, bo.ID)
	if convs[0].UnreadCount != 1 {
		t.Fatalf("redelivery counted twice: %d", convs[0].UnreadCount)
	}
	if err := svc.ApplyMessageEvent(ctx, MessageEvent{}); err == nil {
		t.Fatalf("expected invalid event error")
	}
}

func TestCanJoin(t *testing.T) {
	svc, _ := newTestService(t)
	ana := mustRegister(t, svc, "ana")
	bo := mustRegister(t, svc, "bo")
	cy := mustRegister(t, svc, "cy")
	ctx := context.Background()
	conv, _, _ := svc.StartConversation(ctx, ana.ID, bo.ID)

	ch := fmt.Sprintf("private-chat.%d", conv.ID)
	for _, tc := range []struct {
		user    uint64
		channel string
		want    bool
	}{
		{ana.ID, ch, true},
		{bo.ID, ch, true},
		{cy.ID, ch, false},
		{ana.ID, fmt.Sprintf("chat.%d", conv.ID), false},
		{ana.ID, "private-chat.abc", false},
		{ana.ID, "private-orders.1", false},
	} {
		got, err := svc.CanJoin(ctx, tc.user, tc.channel)
		if err != nil {
			t.Fatalf("can join %s: %v", tc.channel, err)
		}
		if got != tc.want {
			t.Fatalf("user %d channel %s: got %v want %v", tc.user, tc.channel, got, tc.want)
		}
	}
}

func TestListUsersExcludesMe(t *testing.T) {
	svc, _ := newTestService(t)
	ana := mustRegister(t, svc, "ana")
	mustRegister(t, svc, "bo")
	mustRegister(t, svc, "cy")

	users, err := svc.ListUsers(context.Background(), ana.ID, 0)
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	if len(users) != 2 || users[0].Username != "bo" {
		t.Fatalf("unexpected users %+v", users)
	}
}
