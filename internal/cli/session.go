package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bookverse/chat/internal/api"
	"github.com/bookverse/chat/internal/chat"
)

var errSignedOut = errors.New("not signed in; run chatcli login")

type savedSession struct {
	Token    string      `json:"token"`
	UserID   chat.UserID `json:"user_id"`
	Username string      `json:"username"`
}

func defaultSessionPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".chatcli-session.json"
	}
	return filepath.Join(dir, "bookverse", "chat-session.json")
}

func saveSession(res *api.AuthResult) error {
	b, err := json.MarshalIndent(savedSession{Token: res.Token, UserID: res.User.ID, Username: res.User.Username}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(sessionPath), 0o700); err != nil {
		return err
	}
	return os.WriteFile(sessionPath, b, 0o600)
}

// loadSession prefers CHAT_TOKEN and CHAT_USER_ID over the session file.
func loadSession() (chat.Session, error) {
	if cfg.Token != "" && cfg.UserID != 0 {
		return chat.Session{User: chat.UserID(cfg.UserID), Token: cfg.Token}, nil
	}
	b, err := os.ReadFile(sessionPath)
	if errors.Is(err, os.ErrNotExist) {
		return chat.Session{}, errSignedOut
	}
	if err != nil {
		return chat.Session{}, err
	}
	var s savedSession
	if err := json.Unmarshal(b, &s); err != nil {
		return chat.Session{}, fmt.Errorf("read %s: %w", sessionPath, err)
	}
	if s.Token == "" || s.UserID == 0 {
		return chat.Session{}, errSignedOut
	}
	return chat.Session{User: s.UserID, Token: s.Token}, nil
}

func clearSession() error {
	err := os.Remove(sessionPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// apiClient returns a REST client signed in from the saved session.
func apiClient() (*api.Client, chat.Session, error) {
	sess, err := loadSession()
	if err != nil {
		return nil, chat.Session{}, err
	}
	return api.NewClient(cfg.APIBaseURL, sess, cfg.HTTPTimeout), sess, nil
}
