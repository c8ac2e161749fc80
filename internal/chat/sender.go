package chat

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bookverse/chat/internal/logger"
)

const DefaultSendTimeout = 30 * time.Second

// Sender runs the optimistic send pipeline:
// composing -> pending -> confirmed | failed.
type Sender struct {
	store   *Store
	backend Backend
	auth    Auth
	timeout time.Duration
	now     func() time.Time
	log     *slog.Logger
}

func NewSender(store *Store, backend Backend, auth Auth, timeout time.Duration, log *slog.Logger) *Sender {
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	return &Sender{
		store:   store,
		backend: backend,
		auth:    auth,
		timeout: timeout,
		now:     time.Now,
		log:     logger.Or(log),
	}
}

// Send shows the message locally right away, submits it once and reconciles
// the result. On failure the local entry is marked failed and returned along
// with the error; nothing is retried automatically.
func (s *Sender) Send(ctx context.Context, id ConversationID, body string, att *Attachment) (*Message, error) {
	// 1) validate and encode before anything becomes visible
	localID, err := NewLocalID()
	if err != nil {
		return nil, fmt.Errorf("new local id: %w", err)
	}
	sub, err := BuildSubmission(body, att, localID)
	if err != nil {
		return nil, err
	}

	// 2) optimistic insert, strictly before the network call
	local := Message{
		ID:          LocalMessageID(localID),
		AuthorID:    s.auth.UserID(),
		Body:        body,
		CreatedAt:   s.now(),
		ClientMsgID: localID,
	}
	if att != nil {
		a := *att
		local.Attachment = &a
	}
	if err := s.store.AppendLocal(id, local); err != nil {
		return nil, err
	}

	// 3) single submission
	return s.submit(ctx, id, localID, sub)
}

// Retry re-submits a failed local message once.
func (s *Sender) Retry(ctx context.Context, id ConversationID, localID LocalID) (*Message, error) {
	m, ok := s.store.local(id, localID)
	if !ok || m.Status != StatusFailed {
		return nil, ErrNotFailed
	}
	sub, err := BuildSubmission(m.Body, m.Attachment, localID)
	if err != nil {
		return nil, err
	}
	if !s.store.markPending(id, localID) {
		return nil, ErrNotFailed
	}
	return s.submit(ctx, id, localID, sub)
}

func (s *Sender) submit(ctx context.Context, id ConversationID, localID LocalID, sub Submission) (*Message, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	confirmed, err := s.backend.SubmitMessage(cctx, id, sub)
	if err == nil && confirmed == nil {
		err = &NetworkError{Op: "submit message", Err: errMalformedMessage}
	}
	if err == nil {
		if _, ok := confirmed.ID.Server(); !ok {
			err = &NetworkError{Op: "submit message", Err: errMalformedMessage}
		}
	}
	if err != nil {
		s.store.MarkFailed(id, localID)
		s.log.Warn("send failed", "conversation_id", id, "local_id", localID, "cost", time.Since(start), "err", err)
		failed, ok := s.store.local(id, localID)
		if !ok {
			return nil, err
		}
		return &failed, err
	}

	if confirmed.ClientMsgID == "" {
		confirmed.ClientMsgID = localID
	}
	s.store.Reconcile(id, localID, *confirmed)
	confirmed.ConversationID = id
	confirmed.Status = StatusConfirmed
	return confirmed, nil
}
