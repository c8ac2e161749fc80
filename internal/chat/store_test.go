package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bookverse/chat/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(b Backend) *Store {
	return NewStore(b, Session{User: userA}, time.Second, logger.Discard())
}

func localMsg(t *testing.T, body string) (Message, LocalID) {
	t.Helper()
	id, err := NewLocalID()
	require.NoError(t, err)
	return Message{ID: LocalMessageID(id), AuthorID: userA, Body: body, CreatedAt: time.Now()}, id
}

func serverMsg(id ServerID, author UserID, body string) Message {
	return Message{ID: ServerMessageID(id), AuthorID: author, Body: body, CreatedAt: time.Now(), Status: StatusConfirmed}
}

func TestMessageIDSpacesNeverCollide(t *testing.T) {
	local := LocalMessageID("1001")
	server := ServerMessageID(1001)
	assert.NotEqual(t, local, server)
	assert.Equal(t, local.String(), server.String())

	lid, err := NewLocalID()
	require.NoError(t, err)
	assert.True(t, IsLocalID(string(lid)))
	assert.False(t, IsLocalID("1001"))
}

func TestStore_AppendThenReconcileKeepsLength(t *testing.T) {
	s := newTestStore(newFakeBackend())
	m, lid := localMsg(t, "hello")
	require.NoError(t, s.AppendLocal(42, m))

	msgs := s.Messages(42)
	require.Len(t, msgs, 1)
	assert.Equal(t, StatusPending, msgs[0].Status)

	ok := s.Reconcile(42, lid, serverMsg(1001, userA, "hello"))
	require.True(t, ok)

	msgs = s.Messages(42)
	require.Len(t, msgs, 1)
	assert.Equal(t, StatusConfirmed, msgs[0].Status)
	assert.Equal(t, ServerMessageID(1001), msgs[0].ID)
	assert.Equal(t, lid, msgs[0].ClientMsgID)
}

func TestStore_ReconcileUnknownIsNoop(t *testing.T) {
	s := newTestStore(newFakeBackend())
	m, _ := localMsg(t, "hello")
	require.NoError(t, s.AppendLocal(42, m))
	before := s.Messages(42)

	other, err := NewLocalID()
	require.NoError(t, err)
	assert.False(t, s.Reconcile(42, other, serverMsg(1001, userA, "hello")))
	assert.False(t, s.Reconcile(7, other, serverMsg(1001, userA, "hello")))
	assert.Equal(t, before, s.Messages(42))
}

func TestStore_ReconcileTwiceIsNoop(t *testing.T) {
	s := newTestStore(newFakeBackend())
	m, lid := localMsg(t, "hello")
	require.NoError(t, s.AppendLocal(42, m))
	require.True(t, s.Reconcile(42, lid, serverMsg(1001, userA, "hello")))
	assert.False(t, s.Reconcile(42, lid, serverMsg(1001, userA, "hello")))
	assert.Len(t, s.Messages(42), 1)
}

func TestStore_MergeIsIdempotent(t *testing.T) {
	s := newTestStore(newFakeBackend())
	m := serverMsg(1002, userB, "hi")
	assert.True(t, s.Merge(42, m))
	assert.False(t, s.Merge(42, m))
	msgs := s.Messages(42)
	require.Len(t, msgs, 1)
	assert.Equal(t, StatusConfirmed, msgs[0].Status)
}

func TestStore_MergeRejectsLocalIDs(t *testing.T) {
	s := newTestStore(newFakeBackend())
	m, _ := localMsg(t, "x")
	assert.False(t, s.Merge(42, m))
	assert.Empty(t, s.Messages(42))
}

func TestStore_EchoConvergesInEitherOrder(t *testing.T) {
	cases := []struct {
		name       string
		withClient bool
		mergeFirst bool
	}{
		{"client id, merge first", true, true},
		{"client id, reconcile first", true, false},
		{"heuristic, merge first", false, true},
		{"heuristic, reconcile first", false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestStore(newFakeBackend())
			m, lid := localMsg(t, "hello")
			require.NoError(t, s.AppendLocal(42, m))

			confirmed := serverMsg(1001, userA, "hello")
			pushed := confirmed
			if tc.withClient {
				pushed.ClientMsgID = lid
			}

			if tc.mergeFirst {
				s.Merge(42, pushed)
				s.Reconcile(42, lid, confirmed)
			} else {
				s.Reconcile(42, lid, confirmed)
				s.Merge(42, pushed)
			}

			msgs := s.Messages(42)
			require.Len(t, msgs, 1)
			assert.Equal(t, ServerMessageID(1001), msgs[0].ID)
			assert.Equal(t, StatusConfirmed, msgs[0].Status)
		})
	}
}

func TestStore_ReconcileDropsLocalWhenPushAlreadyInserted(t *testing.T) {
	s := newTestStore(newFakeBackend())
	m, lid := localMsg(t, "hello")
	m.CreatedAt = time.Now().Add(-time.Hour) // outside the echo window
	require.NoError(t, s.AppendLocal(42, m))

	confirmed := serverMsg(1001, userA, "hello")
	require.True(t, s.Merge(42, confirmed))
	require.Len(t, s.Messages(42), 2)

	require.True(t, s.Reconcile(42, lid, confirmed))
	msgs := s.Messages(42)
	require.Len(t, msgs, 1)
	assert.Equal(t, ServerMessageID(1001), msgs[0].ID)
}

func TestStore_HeuristicIgnoresPeerMessages(t *testing.T) {
	s := newTestStore(newFakeBackend())
	m, _ := localMsg(t, "hello")
	require.NoError(t, s.AppendLocal(42, m))

	require.True(t, s.Merge(42, serverMsg(1002, userB, "hello")))
	msgs := s.Messages(42)
	require.Len(t, msgs, 2)
	assert.Equal(t, StatusPending, msgs[0].Status)
	assert.Equal(t, userB, msgs[1].AuthorID)
}

func TestStore_MarkFailedRetainsEntry(t *testing.T) {
	s := newTestStore(newFakeBackend())
	m, lid := localMsg(t, "hello")
	require.NoError(t, s.AppendLocal(42, m))

	require.True(t, s.MarkFailed(42, lid))
	assert.False(t, s.MarkFailed(42, lid))
	msgs := s.Messages(42)
	require.Len(t, msgs, 1)
	assert.Equal(t, StatusFailed, msgs[0].Status)

	require.True(t, s.Discard(42, lid))
	assert.Empty(t, s.Messages(42))
}

func TestStore_AppendLocalValidates(t *testing.T) {
	s := newTestStore(newFakeBackend())
	assert.Error(t, s.AppendLocal(42, serverMsg(1, userA, "x")))

	m, _ := localMsg(t, "   ")
	assert.ErrorIs(t, s.AppendLocal(42, m), ErrEmptyMessage)
}

func TestStore_LoadHistoryKeepsUnsentLocals(t *testing.T) {
	b := newFakeBackend()
	b.history[42] = []Message{serverMsg(1, userB, "one"), serverMsg(2, userA, "two"), serverMsg(2, userA, "two")}
	s := newTestStore(b)

	pending, _ := localMsg(t, "still sending")
	pending.CreatedAt = time.Now().Add(-time.Hour)
	require.NoError(t, s.AppendLocal(42, pending))

	msgs, err := s.LoadHistory(context.Background(), 42)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, ServerMessageID(1), msgs[0].ID)
	assert.Equal(t, ServerMessageID(2), msgs[1].ID)
	assert.Equal(t, pending.ID, msgs[2].ID)
	assert.Equal(t, StatusPending, msgs[2].Status)
}

func TestStore_LoadHistoryAbsorbsEchoedLocal(t *testing.T) {
	b := newFakeBackend()
	s := newTestStore(b)
	m, lid := localMsg(t, "hello")
	require.NoError(t, s.AppendLocal(42, m))

	echo := serverMsg(9, userA, "hello")
	echo.ClientMsgID = lid
	b.history[42] = []Message{echo}

	msgs, err := s.LoadHistory(context.Background(), 42)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, ServerMessageID(9), msgs[0].ID)
}

func TestStore_LoadHistoryKeepsMessagesArrivingMidFetch(t *testing.T) {
	b := newFakeBackend()
	b.history[42] = []Message{serverMsg(1001, userB, "old")}
	s := newTestStore(b)

	mine, lid := localMsg(t, "sent during fetch")
	require.NoError(t, s.AppendLocal(42, mine))
	b.afterFetch = func() {
		assert.True(t, s.Merge(42, serverMsg(1003, userB, "pushed")))
		assert.True(t, s.Merge(42, serverMsg(1002, userB, "pushed earlier")))
		confirmed := serverMsg(1004, userA, "sent during fetch")
		confirmed.ClientMsgID = lid
		assert.True(t, s.Reconcile(42, lid, confirmed))
	}

	msgs, err := s.LoadHistory(context.Background(), 42)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	for i, want := range []ServerID{1001, 1002, 1003, 1004} {
		assert.Equal(t, ServerMessageID(want), msgs[i].ID)
		assert.Equal(t, StatusConfirmed, msgs[i].Status)
	}
	assert.Equal(t, msgs, s.Messages(42))
}

func TestStore_TransportErrorsPropagate(t *testing.T) {
	b := newFakeBackend()
	b.listErr = &NetworkError{Op: "list conversations", StatusCode: 500, Err: errors.New("boom")}
	s := newTestStore(b)

	_, err := s.ListConversations(context.Background())
	var ne *NetworkError
	require.ErrorAs(t, err, &ne)
	assert.Equal(t, 500, ne.StatusCode)

	_, err = s.LoadHistory(context.Background(), 42)
	require.ErrorAs(t, err, &ne)
}

func TestStore_MergeUpdatesConversationSummary(t *testing.T) {
	b := newFakeBackend()
	b.convs = []Conversation{{ID: 42, Users: []Participant{{ID: userA}, {ID: userB}}}}
	s := newTestStore(b)
	_, err := s.ListConversations(context.Background())
	require.NoError(t, err)

	img := serverMsg(7, userB, "")
	img.Attachment = &Attachment{Kind: KindImage, URI: "chat/x.jpg"}
	require.True(t, s.Merge(42, img))

	convs := s.Conversations()
	require.Len(t, convs, 1)
	assert.Equal(t, "[image]", convs[0].LastMessage)
	require.NotNil(t, convs[0].LastTime)
}

func TestStore_ChangeHandlerRunsOutsideLock(t *testing.T) {
	s := newTestStore(newFakeBackend())
	var seen []ConversationID
	s.SetChangeHandler(func(id ConversationID) {
		// re-entering the store must not deadlock
		_ = s.Messages(id)
		seen = append(seen, id)
	})
	require.True(t, s.Merge(42, serverMsg(1, userB, "x")))
	assert.Equal(t, []ConversationID{42}, seen)
}
