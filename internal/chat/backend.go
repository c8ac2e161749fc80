package chat

import "context"

// Backend is the HTTP side of the chat API.
type Backend interface {
	ListConversations(ctx context.Context) ([]Conversation, error)
	StartConversation(ctx context.Context, participant UserID) (*Conversation, error)
	FetchMessages(ctx context.Context, id ConversationID) ([]Message, error)
	SubmitMessage(ctx context.Context, id ConversationID, sub Submission) (*Message, error)
}

// EventSource delivers pushed events for a channel. The returned cancel func
// removes the handler and is safe to call more than once. Registering the same
// (channel, event) twice replaces the earlier handler.
type EventSource interface {
	Listen(channel, event string, handle func(data []byte)) (func(), error)
}

// Auth supplies the signed-in user and their bearer credential.
type Auth interface {
	UserID() UserID
	BearerToken() string
}

// Session is a fixed Auth value, typically built right after sign-in.
type Session struct {
	User  UserID
	Token string
}

func (s Session) UserID() UserID      { return s.User }
func (s Session) BearerToken() string { return s.Token }
