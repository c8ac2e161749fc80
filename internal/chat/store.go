package chat

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/bookverse/chat/internal/logger"
)

const DefaultEchoTolerance = 10 * time.Second

// Store holds the conversation list and the per-conversation transcripts for
// one signed-in session. Network calls never run under the lock.
type Store struct {
	backend       Backend
	auth          Auth
	echoTolerance time.Duration
	log           *slog.Logger

	mu            sync.Mutex
	conversations []Conversation
	transcripts   map[ConversationID][]Message
	onChange      func(ConversationID)
}

func NewStore(backend Backend, auth Auth, echoTolerance time.Duration, log *slog.Logger) *Store {
	if echoTolerance <= 0 {
		echoTolerance = DefaultEchoTolerance
	}
	return &Store{
		backend:       backend,
		auth:          auth,
		echoTolerance: echoTolerance,
		log:           logger.Or(log),
		transcripts:   make(map[ConversationID][]Message),
	}
}

// SetChangeHandler registers fn to be called, outside the lock, after every
// mutation of a conversation's transcript.
func (s *Store) SetChangeHandler(fn func(ConversationID)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

func (s *Store) notify(id ConversationID) {
	s.mu.Lock()
	fn := s.onChange
	s.mu.Unlock()
	if fn != nil {
		fn(id)
	}
}

// ListConversations fetches the conversation list and caches it.
func (s *Store) ListConversations(ctx context.Context) ([]Conversation, error) {
	convs, err := s.backend.ListConversations(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.conversations = append([]Conversation(nil), convs...)
	s.mu.Unlock()
	return convs, nil
}

// Conversations returns the cached list from the last ListConversations.
func (s *Store) Conversations() []Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Conversation(nil), s.conversations...)
}

func (s *Store) putConversation(c Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.conversations {
		if s.conversations[i].ID == c.ID {
			s.conversations[i] = c
			return
		}
	}
	s.conversations = append([]Conversation{c}, s.conversations...)
}

// LoadHistory fetches the full history of a conversation, oldest first, and
// replaces the confirmed part of the transcript with it. Confirmed messages
// that arrived while the fetch was in flight are kept after the fetched ones,
// in server id order. Local entries the server does not know about yet stay
// at the tail.
func (s *Store) LoadHistory(ctx context.Context, id ConversationID) ([]Message, error) {
	fetched, err := s.backend.FetchMessages(ctx, id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	next := make([]Message, 0, len(fetched))
	seen := make(map[ServerID]bool, len(fetched))
	for _, m := range fetched {
		sid, ok := m.ID.Server()
		if !ok || seen[sid] {
			continue
		}
		seen[sid] = true
		m.ConversationID = id
		m.Status = StatusConfirmed
		next = append(next, m)
	}
	var late []Message
	for _, m := range s.transcripts[id] {
		if sid, ok := m.ID.Server(); ok && m.Status == StatusConfirmed && !seen[sid] {
			seen[sid] = true
			late = append(late, m)
		}
	}
	slices.SortStableFunc(late, func(a, b Message) int {
		x, _ := a.ID.Server()
		y, _ := b.ID.Server()
		return cmp.Compare(x, y)
	})
	next = append(next, late...)

	for _, local := range s.transcripts[id] {
		if local.Status == StatusConfirmed {
			continue
		}
		represented := false
		for _, m := range next {
			if s.isEcho(local, m) {
				represented = true
				break
			}
		}
		if !represented {
			next = append(next, local)
		}
	}
	s.transcripts[id] = next
	out := append([]Message(nil), next...)
	s.mu.Unlock()

	s.notify(id)
	return out, nil
}

// Messages returns a copy of the in-memory transcript.
func (s *Store) Messages(id ConversationID) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.transcripts[id]...)
}

// AppendLocal adds a client-created message at the tail with status pending.
func (s *Store) AppendLocal(id ConversationID, m Message) error {
	if !m.ID.IsLocal() {
		return errors.New("chat: AppendLocal needs a local message id")
	}
	if !m.hasContent() {
		return ErrEmptyMessage
	}
	m.ConversationID = id
	m.Status = StatusPending

	s.mu.Lock()
	s.transcripts[id] = append(s.transcripts[id], m)
	s.mu.Unlock()

	s.notify(id)
	return nil
}

// Reconcile replaces the local entry localID with its confirmed server
// record. It reports false, and changes nothing, when no such local entry
// exists. When the server record is already present (the push event won the
// race) the local entry is dropped instead.
func (s *Store) Reconcile(id ConversationID, localID LocalID, server Message) bool {
	s.mu.Lock()
	tr := s.transcripts[id]
	idx := indexOf(tr, LocalMessageID(localID))
	if idx < 0 {
		s.mu.Unlock()
		s.log.Debug("reconcile skipped", "conversation_id", id, "local_id", localID, "err", ErrReconciliationMiss)
		return false
	}

	if indexOf(tr, server.ID) >= 0 {
		s.transcripts[id] = append(tr[:idx:idx], tr[idx+1:]...)
	} else {
		server.ConversationID = id
		server.Status = StatusConfirmed
		if server.ClientMsgID == "" {
			server.ClientMsgID = localID
		}
		tr[idx] = server
		s.touchSummary(id, server)
	}
	s.mu.Unlock()

	s.notify(id)
	return true
}

// Merge applies a confirmed message pushed by the server. It is a no-op when
// the transcript already holds that message; when the message is the echo of
// one of our own local entries, that entry is confirmed in place. It reports
// whether the transcript changed.
func (s *Store) Merge(id ConversationID, m Message) bool {
	if _, ok := m.ID.Server(); !ok {
		s.log.Warn("merge ignored message without server id", "conversation_id", id)
		return false
	}
	m.ConversationID = id
	m.Status = StatusConfirmed

	s.mu.Lock()
	tr := s.transcripts[id]
	if indexOf(tr, m.ID) >= 0 {
		s.mu.Unlock()
		return false
	}
	if idx := s.findEcho(tr, m); idx >= 0 {
		if m.ClientMsgID == "" {
			m.ClientMsgID, _ = tr[idx].ID.Local()
		}
		tr[idx] = m
	} else {
		s.transcripts[id] = append(tr, m)
	}
	s.touchSummary(id, m)
	s.mu.Unlock()

	s.notify(id)
	return true
}

// MarkFailed moves a pending local entry to failed. The entry stays in the
// transcript.
func (s *Store) MarkFailed(id ConversationID, localID LocalID) bool {
	return s.transition(id, localID, StatusPending, StatusFailed)
}

func (s *Store) markPending(id ConversationID, localID LocalID) bool {
	return s.transition(id, localID, StatusFailed, StatusPending)
}

func (s *Store) transition(id ConversationID, localID LocalID, from, to Status) bool {
	s.mu.Lock()
	tr := s.transcripts[id]
	idx := indexOf(tr, LocalMessageID(localID))
	if idx < 0 || tr[idx].Status != from {
		s.mu.Unlock()
		return false
	}
	tr[idx].Status = to
	s.mu.Unlock()

	s.notify(id)
	return true
}

// Discard removes a failed local entry.
func (s *Store) Discard(id ConversationID, localID LocalID) bool {
	s.mu.Lock()
	tr := s.transcripts[id]
	idx := indexOf(tr, LocalMessageID(localID))
	if idx < 0 || tr[idx].Status != StatusFailed {
		s.mu.Unlock()
		return false
	}
	s.transcripts[id] = append(tr[:idx:idx], tr[idx+1:]...)
	s.mu.Unlock()

	s.notify(id)
	return true
}

func (s *Store) local(id ConversationID, localID LocalID) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr := s.transcripts[id]
	idx := indexOf(tr, LocalMessageID(localID))
	if idx < 0 {
		return Message{}, false
	}
	return tr[idx], true
}

// Reset drops everything; used on sign-out.
func (s *Store) Reset() {
	s.mu.Lock()
	s.conversations = nil
	s.transcripts = make(map[ConversationID][]Message)
	s.mu.Unlock()
}

func indexOf(tr []Message, id MessageID) int {
	for i := range tr {
		if tr[i].ID == id {
			return i
		}
	}
	return -1
}

// findEcho returns the oldest local entry that m confirms, or -1.
func (s *Store) findEcho(tr []Message, m Message) int {
	for i := range tr {
		if s.isEcho(tr[i], m) {
			return i
		}
	}
	return -1
}

// isEcho reports whether server message m is the confirmed copy of local.
// A client_msg_id carried by m is authoritative. Without one, only our own
// pending messages match, on author, body, attachment kind and a creation
// time within echoTolerance.
func (s *Store) isEcho(local, m Message) bool {
	lid, ok := local.ID.Local()
	if !ok || local.Status == StatusConfirmed {
		return false
	}
	if m.ClientMsgID != "" {
		return m.ClientMsgID == lid
	}
	if local.Status != StatusPending {
		return false
	}
	me := s.auth.UserID()
	if m.AuthorID != me || local.AuthorID != me {
		return false
	}
	if m.Body != local.Body || m.attachmentKind() != local.attachmentKind() {
		return false
	}
	d := m.CreatedAt.Sub(local.CreatedAt)
	if d < 0 {
		d = -d
	}
	return d <= s.echoTolerance
}

// touchSummary keeps the cached conversation row in step with the newest
// confirmed message. Callers hold s.mu.
func (s *Store) touchSummary(id ConversationID, m Message) {
	for i := range s.conversations {
		c := &s.conversations[i]
		if c.ID != id {
			continue
		}
		if c.LastTime != nil && m.CreatedAt.Before(*c.LastTime) {
			return
		}
		t := m.CreatedAt
		c.LastTime = &t
		c.LastMessage = previewText(m)
		return
	}
}

func previewText(m Message) string {
	if m.Body != "" {
		return m.Body
	}
	if m.Attachment != nil {
		return "[" + string(m.Attachment.Kind) + "]"
	}
	return ""
}
