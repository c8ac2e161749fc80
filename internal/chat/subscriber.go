package chat

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/bookverse/chat/internal/logger"
)

// EventMessageSent is the live event carrying a newly stored message.
const EventMessageSent = "message.sent"

type messageSentPayload struct {
	Message *WireMessage `json:"message"`
}

// Subscriber keeps at most one live subscription per conversation and merges
// pushed messages into the store.
type Subscriber struct {
	events EventSource
	store  *Store
	log    *slog.Logger

	mu   sync.Mutex
	subs map[ConversationID]*Subscription
}

func NewSubscriber(events EventSource, store *Store, log *slog.Logger) *Subscriber {
	return &Subscriber{
		events: events,
		store:  store,
		log:    logger.Or(log),
		subs:   make(map[ConversationID]*Subscription),
	}
}

// Subscription is the handle for one open conversation channel.
type Subscription struct {
	id     ConversationID
	owner  *Subscriber
	once   sync.Once
	cancel func()
}

func (s *Subscription) ConversationID() ConversationID { return s.id }

// Unsubscribe closes the channel. Calling it again does nothing.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.owner.mu.Lock()
		if s.owner.subs[s.id] == s {
			delete(s.owner.subs, s.id)
		}
		s.owner.mu.Unlock()
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// Open subscribes to the conversation's channel. A conversation that is
// already open yields ErrAlreadySubscribed.
func (s *Subscriber) Open(id ConversationID) (*Subscription, error) {
	s.mu.Lock()
	if _, ok := s.subs[id]; ok {
		s.mu.Unlock()
		return nil, ErrAlreadySubscribed
	}
	sub := &Subscription{id: id, owner: s}
	s.subs[id] = sub
	s.mu.Unlock()

	cancel, err := s.events.Listen(ChannelName(id), EventMessageSent, func(data []byte) {
		s.handle(id, data)
	})
	if err != nil {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
		return nil, err
	}
	sub.cancel = cancel
	return sub, nil
}

// Active reports whether id currently has an open subscription.
func (s *Subscriber) Active(id ConversationID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subs[id]
	return ok
}

// CloseAll unsubscribes every open conversation.
func (s *Subscriber) CloseAll() {
	s.mu.Lock()
	subs := make([]*Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

func (s *Subscriber) handle(id ConversationID, data []byte) {
	var p messageSentPayload
	if err := json.Unmarshal(data, &p); err != nil || p.Message == nil {
		s.log.Warn("dropping malformed message.sent payload", "conversation_id", id, "err", err)
		return
	}
	m, err := p.Message.ToMessage()
	if err != nil {
		s.log.Warn("dropping malformed message.sent payload", "conversation_id", id, "err", err)
		return
	}
	if m.ConversationID != 0 && m.ConversationID != id {
		s.log.Warn("dropping message for another conversation", "channel_conversation_id", id, "message_conversation_id", m.ConversationID)
		return
	}
	s.store.Merge(id, m)
}
