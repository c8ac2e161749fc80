package chat

import (
	"crypto/rand"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

type (
	ConversationID uint64
	UserID         uint64
	ServerID       uint64
)

// LocalID identifies a message created on this client before the server has
// confirmed it.
type LocalID string

const localPrefix = "local-"

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewLocalID returns a fresh, monotonically increasing client-local id.
func NewLocalID() (LocalID, error) {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), entropy)
	if err != nil {
		return "", err
	}
	return LocalID(localPrefix + id.String()), nil
}

// IsLocalID reports whether s looks like an id minted by NewLocalID.
func IsLocalID(s string) bool {
	return strings.HasPrefix(s, localPrefix) && len(s) == len(localPrefix)+ulid.EncodedSize
}

type idSpace uint8

const (
	spaceNone idSpace = iota
	spaceLocal
	spaceServer
)

// MessageID is either a LocalID or a ServerID, never both. Two MessageIDs from
// different spaces never compare equal.
type MessageID struct {
	space  idSpace
	local  LocalID
	server ServerID
}

func LocalMessageID(id LocalID) MessageID {
	return MessageID{space: spaceLocal, local: id}
}

func ServerMessageID(id ServerID) MessageID {
	return MessageID{space: spaceServer, server: id}
}

func (id MessageID) IsZero() bool { return id.space == spaceNone }

func (id MessageID) IsLocal() bool { return id.space == spaceLocal }

func (id MessageID) Local() (LocalID, bool) {
	return id.local, id.space == spaceLocal
}

func (id MessageID) Server() (ServerID, bool) {
	return id.server, id.space == spaceServer
}

func (id MessageID) String() string {
	switch id.space {
	case spaceLocal:
		return string(id.local)
	case spaceServer:
		return strconv.FormatUint(uint64(id.server), 10)
	default:
		return ""
	}
}

// ChannelName is the logical live-event channel for a conversation.
func ChannelName(id ConversationID) string {
	return fmt.Sprintf("chat.%d", id)
}
