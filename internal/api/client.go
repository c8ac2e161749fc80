// Package api is the HTTP side of the chat backend: conversations, messages,
// sign-in and private-channel authorization.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bookverse/chat/internal/chat"
)

const maxResponseBytes = 8 << 20

// HistoryPageSize is the page size FetchMessages asks the server for.
const HistoryPageSize = 100

// Client talks to the chat REST API. It implements chat.Backend.
type Client struct {
	BaseURL string
	Auth    chat.Auth
	HTTP    *http.Client
	// Open resolves attachment URIs to their bytes.
	Open Opener
}

func NewClient(baseURL string, auth chat.Auth, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = chat.DefaultSendTimeout
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Auth:    auth,
		HTTP:    &http.Client{Timeout: timeout},
		Open:    OpenLocal,
	}
}

// WithAuth returns a copy of c that signs requests as a.
func (c *Client) WithAuth(a chat.Auth) *Client {
	cp := *c
	cp.Auth = a
	return &cp
}

type envelope struct {
	Code    *int            `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.Auth != nil {
		if tok := c.Auth.BearerToken(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}
	return req, nil
}

func (c *Client) doJSON(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return &chat.NetworkError{Op: op, Err: err}
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(op, req, out)
}

func (c *Client) do(op string, req *http.Request, out any) error {
	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return &chat.NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &chat.NetworkError{Op: op, StatusCode: resp.StatusCode, Err: err}
	}
	data, msg := unwrap(raw)

	if resp.StatusCode == http.StatusUnauthorized {
		return &chat.AuthError{StatusCode: resp.StatusCode, Message: msg}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		if len(msg) > 512 {
			msg = msg[:512]
		}
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &chat.NetworkError{Op: op, StatusCode: resp.StatusCode, Err: errors.New(msg)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &chat.NetworkError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// unwrap strips the {code, message, data} envelope when present; bare JSON
// bodies are returned as they are.
func unwrap(raw []byte) (json.RawMessage, string) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err == nil && env.Code != nil {
		return env.Data, env.Message
	}
	var e struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(raw, &e); err == nil {
		if e.Message != "" {
			return raw, e.Message
		}
		return raw, e.Error
	}
	return raw, ""
}

func (c *Client) ListConversations(ctx context.Context) ([]chat.Conversation, error) {
	var out []chat.Conversation
	if err := c.doJSON(ctx, "list conversations", http.MethodGet, "/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) StartConversation(ctx context.Context, participant chat.UserID) (*chat.Conversation, error) {
	in := map[string]uint64{"participant_id": uint64(participant)}
	var out chat.Conversation
	if err := c.doJSON(ctx, "start conversation", http.MethodPost, "/conversations", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FetchMessages returns the whole history, oldest first. The server pages
// newest first, so pages are walked back with before_id until a short page.
func (c *Client) FetchMessages(ctx context.Context, id chat.ConversationID) ([]chat.Message, error) {
	var pages [][]chat.WireMessage
	var beforeID uint64
	total := 0
	for {
		q := url.Values{"limit": {strconv.Itoa(HistoryPageSize)}}
		if beforeID != 0 {
			q.Set("before_id", strconv.FormatUint(beforeID, 10))
		}
		var page []chat.WireMessage
		path := fmt.Sprintf("/conversations/%d/messages?%s", id, q.Encode())
		if err := c.doJSON(ctx, "fetch messages", http.MethodGet, path, nil, &page); err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		pages = append(pages, page)
		total += len(page)

		// each page is oldest first
		oldest := page[0].ID
		if len(page) < HistoryPageSize || oldest == 0 || (beforeID != 0 && oldest >= beforeID) {
			break
		}
		beforeID = oldest
	}

	out := make([]chat.Message, 0, total)
	seen := make(map[uint64]bool, total)
	for i := len(pages) - 1; i >= 0; i-- {
		for _, w := range pages[i] {
			if seen[w.ID] {
				continue
			}
			seen[w.ID] = true
			m, err := w.ToMessage()
			if err != nil {
				return nil, &chat.NetworkError{Op: "fetch messages", Err: fmt.Errorf("message %d: %w", w.ID, err)}
			}
			if m.ConversationID == 0 {
				m.ConversationID = id
			}
			out = append(out, m)
		}
	}
	return out, nil
}

// SubmitMessage posts one message as multipart/form-data.
func (c *Client) SubmitMessage(ctx context.Context, id chat.ConversationID, sub chat.Submission) (*chat.Message, error) {
	const op = "submit message"
	body, contentType, err := c.encodeMultipart(sub)
	if err != nil {
		return nil, &chat.NetworkError{Op: op, Err: err}
	}
	req, err := c.newRequest(ctx, http.MethodPost, fmt.Sprintf("/conversations/%d/messages", id), body)
	if err != nil {
		return nil, &chat.NetworkError{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", contentType)

	var w chat.WireMessage
	if err := c.do(op, req, &w); err != nil {
		return nil, err
	}
	m, err := w.ToMessage()
	if err != nil {
		return nil, &chat.NetworkError{Op: op, Err: err}
	}
	if m.ConversationID == 0 {
		m.ConversationID = id
	}
	return &m, nil
}

type AuthResult struct {
	Token string           `json:"token"`
	User  chat.Participant `json:"user"`
}

// Session turns a sign-in result into the chat.Auth the rest of the client uses.
func (r AuthResult) Session() chat.Session {
	return chat.Session{User: r.User.ID, Token: r.Token}
}

func (c *Client) SignUp(ctx context.Context, username, email, password string) (*AuthResult, error) {
	in := map[string]string{"username": username, "email": email, "password": password}
	var out AuthResult
	if err := c.doJSON(ctx, "sign up", http.MethodPost, "/signup", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SignIn(ctx context.Context, email, password string) (*AuthResult, error) {
	in := map[string]string{"email": email, "password": password}
	var out AuthResult
	if err := c.doJSON(ctx, "sign in", http.MethodPost, "/signin", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SignOut revokes the current token. A 401 means it is already gone.
func (c *Client) SignOut(ctx context.Context) error {
	err := c.doJSON(ctx, "sign out", http.MethodPost, "/signout", nil, nil)
	if chat.IsAuth(err) {
		return nil
	}
	return err
}

func (c *Client) ListUsers(ctx context.Context) ([]chat.Participant, error) {
	var out []chat.Participant
	if err := c.doJSON(ctx, "list users", http.MethodGet, "/users", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Authorize asks the backend to sign a private-channel subscription for
// socketID. It satisfies realtime.Authorizer.
func (c *Client) Authorize(ctx context.Context, socketID, channel string) (string, error) {
	form := url.Values{"socket_id": {socketID}, "channel_name": {channel}}
	req, err := c.newRequest(ctx, http.MethodPost, "/broadcasting/auth", strings.NewReader(form.Encode()))
	if err != nil {
		return "", &chat.NetworkError{Op: "broadcast auth", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	var out struct {
		Auth string `json:"auth"`
	}
	if err := c.do("broadcast auth", req, &out); err != nil {
		return "", err
	}
	if out.Auth == "" {
		return "", &chat.NetworkError{Op: "broadcast auth", Err: errors.New("empty auth signature")}
	}
	return out.Auth, nil
}
