package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bookverse/chat/internal/chat"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/api", chat.Session{User: 1, Token: "tok"}, 2*time.Second)
}

func TestClient_BearerAndEnvelope(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "/api/conversations", r.URL.Path)
		writeJSON(w, 200, map[string]any{
			"code": 0, "message": "ok",
			"data": []map[string]any{{
				"id":           7,
				"users":        []map[string]any{{"id": 1, "username": "ana"}, {"id": 2, "username": "bo"}},
				"last_message": "hi",
				"unread_count": 3,
			}},
		})
	})
	convs, err := c.ListConversations(context.Background())
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, chat.ConversationID(7), convs[0].ID)
	assert.Equal(t, 3, convs[0].UnreadCount)
	other, ok := convs[0].Other(1)
	require.True(t, ok)
	assert.Equal(t, "bo", other.Username)
}

func TestClient_BareJSON(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, []map[string]any{
			{"id": 1, "conversation_id": 7, "user_id": 2, "body": "one", "created_at": time.Now()},
			{"id": 2, "user_id": 1, "book_link": "https://books/9", "created_at": time.Now()},
		})
	})
	msgs, err := c.FetchMessages(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "one", msgs[0].Body)
	assert.Equal(t, chat.ConversationID(7), msgs[1].ConversationID)
	require.NotNil(t, msgs[1].Attachment)
	assert.Equal(t, chat.KindBookLink, msgs[1].Attachment.Kind)
}

func TestClient_FetchMessagesWalksAllPages(t *testing.T) {
	const total = 250
	var requests atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		require.Equal(t, HistoryPageSize, limit)
		before := total + 1
		if s := r.URL.Query().Get("before_id"); s != "" {
			before, _ = strconv.Atoi(s)
		}
		// newest page first, each page oldest first
		lo := max(1, before-limit)
		page := []map[string]any{}
		for id := lo; id < before; id++ {
			page = append(page, map[string]any{"id": id, "user_id": 2, "body": fmt.Sprintf("m%d", id), "created_at": time.Now()})
		}
		writeJSON(w, 200, map[string]any{"code": 0, "data": page})
	})

	msgs, err := c.FetchMessages(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, msgs, total)
	assert.Equal(t, int32(3), requests.Load())
	for i, m := range msgs {
		require.Equal(t, chat.ServerMessageID(chat.ServerID(i+1)), m.ID)
	}
	assert.Equal(t, "m1", msgs[0].Body)
	assert.Equal(t, "m250", msgs[total-1].Body)
}

func TestClient_ErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   any
		check  func(t *testing.T, err error)
	}{
		{"unauthorized", 401, map[string]any{"code": 40101, "message": "token expired"}, func(t *testing.T, err error) {
			var ae *chat.AuthError
			require.ErrorAs(t, err, &ae)
			assert.Equal(t, "token expired", ae.Message)
		}},
		{"server error", 500, map[string]any{"message": "boom"}, func(t *testing.T, err error) {
			var ne *chat.NetworkError
			require.ErrorAs(t, err, &ne)
			assert.Equal(t, 500, ne.StatusCode)
			assert.Contains(t, ne.Error(), "boom")
		}},
		{"bad json", 200, "not a list", func(t *testing.T, err error) {
			var ne *chat.NetworkError
			require.ErrorAs(t, err, &ne)
			assert.Contains(t, ne.Error(), "decode response")
		}},
		{"malformed message", 200, []map[string]any{{"id": 0, "body": "x"}}, func(t *testing.T, err error) {
			var ne *chat.NetworkError
			require.ErrorAs(t, err, &ne)
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tc.status, tc.body)
			})
			_, err := c.FetchMessages(context.Background(), 7)
			tc.check(t, err)
		})
	}
}

func TestClient_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	c := NewClient(srv.URL, nil, time.Second)
	_, err := c.ListConversations(context.Background())
	var ne *chat.NetworkError
	require.ErrorAs(t, err, &ne)
	assert.Zero(t, ne.StatusCode)
}

func TestClient_SubmitMultipart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cover.jpg")
	require.NoError(t, os.WriteFile(path, []byte("jpegbytes"), 0o644))

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/conversations/42/messages", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "look", r.FormValue("body"))
		assert.True(t, strings.HasPrefix(r.FormValue("client_msg_id"), "local-"))

		f, hdr, err := r.FormFile("image")
		require.NoError(t, err)
		defer f.Close()
		b, _ := io.ReadAll(f)
		assert.Equal(t, "jpegbytes", string(b))
		assert.Equal(t, "photo.jpg", hdr.Filename)
		assert.Equal(t, "image/jpeg", hdr.Header.Get("Content-Type"))

		img := "/storage/1.jpg"
		writeJSON(w, 201, map[string]any{"code": 0, "data": map[string]any{
			"id": 900, "conversation_id": 42, "user_id": 1, "body": "look", "image": img,
			"client_msg_id": r.FormValue("client_msg_id"), "created_at": time.Now(),
		}})
	})

	local, err := chat.NewLocalID()
	require.NoError(t, err)
	sub, err := chat.BuildSubmission("look", &chat.Attachment{Kind: chat.KindImage, URI: "file://" + path}, local)
	require.NoError(t, err)
	m, err := c.SubmitMessage(context.Background(), 42, sub)
	require.NoError(t, err)
	assert.Equal(t, chat.ServerMessageID(900), m.ID)
	assert.Equal(t, local, m.ClientMsgID)
	require.NotNil(t, m.Attachment)
	assert.Equal(t, "/storage/1.jpg", m.Attachment.URI)
}

func TestClient_SubmitUnreadableAttachment(t *testing.T) {
	var hits int
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) { hits++ })
	c.Open = func(string) (io.ReadCloser, error) { return nil, errors.New("gone") }

	local, err := chat.NewLocalID()
	require.NoError(t, err)
	sub, err := chat.BuildSubmission("", &chat.Attachment{Kind: chat.KindAudio, URI: "content://x"}, local)
	require.NoError(t, err)
	_, err = c.SubmitMessage(context.Background(), 42, sub)
	var ne *chat.NetworkError
	require.ErrorAs(t, err, &ne)
	assert.Zero(t, hits)
}

func TestClient_Authorize(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/broadcasting/auth", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "123.456", r.PostForm.Get("socket_id"))
		assert.Equal(t, "private-chat.42", r.PostForm.Get("channel_name"))
		writeJSON(w, 200, map[string]string{"auth": "key:sig"})
	})
	sig, err := c.Authorize(context.Background(), "123.456", "private-chat.42")
	require.NoError(t, err)
	assert.Equal(t, "key:sig", sig)
}

func TestClient_SignInSession(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var in map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		if in["password"] != "secret" {
			writeJSON(w, 401, map[string]any{"code": 40100, "message": "invalid credentials"})
			return
		}
		writeJSON(w, 200, map[string]any{"code": 0, "data": map[string]any{
			"token": "jwt", "user": map[string]any{"id": 5, "username": "ana"},
		}})
	})

	_, err := c.SignIn(context.Background(), "a@b.c", "nope")
	assert.True(t, chat.IsAuth(err))

	res, err := c.SignIn(context.Background(), "a@b.c", "secret")
	require.NoError(t, err)
	s := res.Session()
	assert.Equal(t, chat.UserID(5), s.UserID())
	assert.Equal(t, "jwt", c.WithAuth(s).Auth.BearerToken())
	assert.Equal(t, "tok", c.Auth.BearerToken())
}
