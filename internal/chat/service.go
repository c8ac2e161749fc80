package chat

import (
	"context"
	"log/slog"
	"time"

	"github.com/bookverse/chat/internal/logger"
)

// Options tune a Service; zero values pick the defaults.
type Options struct {
	SendTimeout   time.Duration
	EchoTolerance time.Duration
	Logger        *slog.Logger
}

// Service is what chat screens talk to. It owns the store, the send pipeline
// and the live subscriptions of one signed-in session.
type Service struct {
	store      *Store
	sender     *Sender
	subscriber *Subscriber
	backend    Backend
	auth       Auth
	log        *slog.Logger
}

func NewService(backend Backend, events EventSource, auth Auth, opts Options) *Service {
	log := logger.Or(opts.Logger)
	store := NewStore(backend, auth, opts.EchoTolerance, log)
	return &Service{
		store:      store,
		sender:     NewSender(store, backend, auth, opts.SendTimeout, log),
		subscriber: NewSubscriber(events, store, log),
		backend:    backend,
		auth:       auth,
		log:        log,
	}
}

func (s *Service) Store() *Store { return s.store }

func (s *Service) Me() UserID { return s.auth.UserID() }

func (s *Service) Conversations(ctx context.Context) ([]Conversation, error) {
	return s.store.ListConversations(ctx)
}

// StartConversation returns the conversation with participant, creating it on
// the server if needed.
func (s *Service) StartConversation(ctx context.Context, participant UserID) (*Conversation, error) {
	c, err := s.backend.StartConversation(ctx, participant)
	if err != nil {
		return nil, err
	}
	s.store.putConversation(*c)
	return c, nil
}

// OpenConversation subscribes to live events first, so nothing sent while the
// history is in flight is lost, then loads the history.
func (s *Service) OpenConversation(ctx context.Context, id ConversationID) (*Subscription, []Message, error) {
	sub, err := s.subscriber.Open(id)
	if err != nil {
		return nil, nil, err
	}
	msgs, err := s.store.LoadHistory(ctx, id)
	if err != nil {
		sub.Unsubscribe()
		return nil, nil, err
	}
	return sub, msgs, nil
}

func (s *Service) Messages(id ConversationID) []Message {
	return s.store.Messages(id)
}

func (s *Service) Send(ctx context.Context, id ConversationID, body string, att *Attachment) (*Message, error) {
	return s.sender.Send(ctx, id, body, att)
}

func (s *Service) Retry(ctx context.Context, id ConversationID, localID LocalID) (*Message, error) {
	return s.sender.Retry(ctx, id, localID)
}

func (s *Service) Discard(id ConversationID, localID LocalID) bool {
	return s.store.Discard(id, localID)
}

// OnChange registers fn to run after any transcript mutation.
func (s *Service) OnChange(fn func(ConversationID)) {
	s.store.SetChangeHandler(fn)
}

// Close ends the session: all subscriptions are closed and the store emptied.
func (s *Service) Close() {
	s.subscriber.CloseAll()
	s.store.Reset()
	s.log.Debug("chat session closed", "user_id", s.auth.UserID())
}
