package chat

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/bookverse/chat/internal/logger"
	"github.com/stretchr/testify/require"
)

const (
	userA UserID = 1
	userB UserID = 2
)

type fakeBackend struct {
	mu       sync.Mutex
	convs    []Conversation
	history  map[ConversationID][]Message
	submits  []Submission
	listErr  error
	submitFn func(ctx context.Context, id ConversationID, sub Submission) (*Message, error)
	nextID   ServerID
	// afterFetch runs once the history snapshot is taken, before it is returned.
	afterFetch func()
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{history: make(map[ConversationID][]Message), nextID: 1000}
}

func (b *fakeBackend) ListConversations(ctx context.Context) ([]Conversation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listErr != nil {
		return nil, b.listErr
	}
	return append([]Conversation(nil), b.convs...), nil
}

func (b *fakeBackend) StartConversation(ctx context.Context, participant UserID) (*Conversation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.convs {
		if other, ok := c.Other(userA); ok && other.ID == participant {
			cc := c
			return &cc, nil
		}
	}
	c := Conversation{ID: ConversationID(len(b.convs) + 1), Users: []Participant{{ID: userA}, {ID: participant}}}
	b.convs = append(b.convs, c)
	return &c, nil
}

func (b *fakeBackend) FetchMessages(ctx context.Context, id ConversationID) ([]Message, error) {
	b.mu.Lock()
	if b.listErr != nil {
		b.mu.Unlock()
		return nil, b.listErr
	}
	snapshot := append([]Message(nil), b.history[id]...)
	hook := b.afterFetch
	b.mu.Unlock()
	if hook != nil {
		hook()
	}
	return snapshot, nil
}

func (b *fakeBackend) SubmitMessage(ctx context.Context, id ConversationID, sub Submission) (*Message, error) {
	b.mu.Lock()
	b.submits = append(b.submits, sub)
	fn := b.submitFn
	b.mu.Unlock()
	if fn != nil {
		return fn(ctx, id, sub)
	}
	return b.confirm(id, userA, sub), nil
}

// confirm mimics the server storing a submission.
func (b *fakeBackend) confirm(id ConversationID, author UserID, sub Submission) *Message {
	b.mu.Lock()
	b.nextID++
	sid := b.nextID
	b.mu.Unlock()
	body, _ := sub.Text("body")
	cmid, _ := sub.Text("client_msg_id")
	m := &Message{
		ID:             ServerMessageID(sid),
		ConversationID: id,
		AuthorID:       author,
		Body:           body,
		CreatedAt:      time.Now(),
		Status:         StatusConfirmed,
		ClientMsgID:    LocalID(cmid),
	}
	for _, f := range sub.Fields {
		if f.File != nil {
			m.Attachment = &Attachment{Kind: AttachmentKind(f.Name), URI: "chat/" + f.File.Name, Name: f.File.Name, MIMEType: f.File.ContentType}
		}
		if f.Name == string(KindBookLink) {
			m.Attachment = &Attachment{Kind: KindBookLink, URI: f.Text}
		}
	}
	return m
}

func (b *fakeBackend) submitCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.submits)
}

type fakeEvents struct {
	mu        sync.Mutex
	handlers  map[string]func([]byte)
	listenErr error
	listens   int
}

func newFakeEvents() *fakeEvents {
	return &fakeEvents{handlers: make(map[string]func([]byte))}
}

func (e *fakeEvents) Listen(channel, event string, handle func([]byte)) (func(), error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listenErr != nil {
		return nil, e.listenErr
	}
	e.listens++
	key := channel + "|" + event
	e.handlers[key] = handle
	return func() {
		e.mu.Lock()
		delete(e.handlers, key)
		e.mu.Unlock()
	}, nil
}

func (e *fakeEvents) deliver(channel string, data []byte) bool {
	e.mu.Lock()
	h, ok := e.handlers[channel+"|"+EventMessageSent]
	e.mu.Unlock()
	if ok {
		h(data)
	}
	return ok
}

func (e *fakeEvents) open() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.handlers)
}

func eventPayload(t *testing.T, m Message) []byte {
	t.Helper()
	sid, ok := m.ID.Server()
	require.True(t, ok, "event message needs a server id")
	w := WireMessage{
		ID:             uint64(sid),
		ConversationID: uint64(m.ConversationID),
		UserID:         uint64(m.AuthorID),
		ClientMsgID:    string(m.ClientMsgID),
		CreatedAt:      m.CreatedAt,
	}
	if m.Body != "" {
		body := m.Body
		w.Body = &body
	}
	if m.Attachment != nil {
		uri := m.Attachment.URI
		switch m.Attachment.Kind {
		case KindImage:
			w.Image = &uri
		case KindVideo:
			w.Video = &uri
		case KindAudio:
			w.Audio = &uri
		case KindFile:
			w.File = &uri
		case KindBookLink:
			w.BookLink = &uri
		}
	}
	data, err := json.Marshal(map[string]any{"message": w})
	require.NoError(t, err)
	return data
}

func newTestService(b *fakeBackend, e *fakeEvents) *Service {
	return NewService(b, e, Session{User: userA, Token: "t"}, Options{
		SendTimeout: time.Second,
		Logger:      logger.Discard(),
	})
}
