// Package broadcast is the server end of the live-event websocket. It admits
// only subscriptions carrying a valid signature and relays published events
// to subscribers.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/bookverse/chat/internal/logger"
	"github.com/bookverse/chat/internal/metrics"
	"github.com/bookverse/chat/internal/realtime"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4096

	activityTimeout = 120
)

var ErrHubClosed = errors.New("broadcast: hub closed")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Fanout relays published events between hub instances. Subscribe must also
// deliver the instance's own publications.
type Fanout interface {
	Publish(ctx context.Context, b []byte) error
	Subscribe(ctx context.Context) (<-chan []byte, error)
}

type envelope struct {
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data"`
}

type Hub struct {
	key    string
	secret string
	fanout Fanout
	log    *slog.Logger

	unregister chan *client
	deliver    chan envelope
	done       chan struct{}
	closeOnce  sync.Once

	mu       sync.RWMutex
	clients  map[*client]bool
	channels map[string]map[*client]bool
}

// NewHub creates a hub for one app key. fanout may be nil for a single
// instance.
func NewHub(key, secret string, fanout Fanout, log *slog.Logger) *Hub {
	return &Hub{
		key:        key,
		secret:     secret,
		fanout:     fanout,
		log:        logger.Or(log),
		unregister: make(chan *client),
		deliver:    make(chan envelope, 64),
		done:       make(chan struct{}),
		clients:    make(map[*client]bool),
		channels:   make(map[string]map[*client]bool),
	}
}

func (h *Hub) Key() string { return h.key }

// Sign authorizes socketID to join channel.
func (h *Hub) Sign(socketID, channel string) string {
	return realtime.Sign(h.key, h.secret, socketID, channel)
}

// Run delivers published events and retires disconnected clients until ctx
// is done.
func (h *Hub) Run(ctx context.Context) error {
	defer h.shutdown()

	var remote <-chan []byte
	if h.fanout != nil {
		ch, err := h.fanout.Subscribe(ctx)
		if err != nil {
			return err
		}
		remote = ch
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case c := <-h.unregister:
			h.drop(c)
		case env := <-h.deliver:
			h.broadcast(env)
		case b, ok := <-remote:
			if !ok {
				h.log.Warn("broadcast fanout closed")
				remote = nil
				continue
			}
			var env envelope
			if err := json.Unmarshal(b, &env); err != nil {
				h.log.Warn("bad fanout payload", "err", err)
				continue
			}
			h.broadcast(env)
		}
	}
}

func (h *Hub) shutdown() {
	h.closeOnce.Do(func() {
		close(h.done)
		h.mu.Lock()
		defer h.mu.Unlock()
		for c := range h.clients {
			h.dropLocked(c)
		}
	})
}

func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.done:
		return false
	default:
	}
	h.clients[c] = true
	metrics.WSConnections.Inc()
	return true
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(c)
}

func (h *Hub) dropLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	for ch := range c.channels {
		if subs, ok := h.channels[ch]; ok {
			delete(subs, c)
			if len(subs) == 0 {
				delete(h.channels, ch)
			}
		}
	}
	metrics.WSConnections.Dec()
}

func (h *Hub) broadcast(env envelope) {
	f, err := realtime.NewEventFrame(env.Event, env.Channel, env.Data)
	if err != nil {
		return
	}
	data, err := f.Encode()
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.channels[env.Channel] {
		select {
		case c.send <- data:
			metrics.EventsBroadcast.WithLabelValues(env.Event).Inc()
		default:
			// too slow; the write pump closes the socket
			h.dropLocked(c)
		}
	}
}

// Publish sends an event to every subscriber of channel, on every instance
// when a fanout is configured.
func (h *Hub) Publish(ctx context.Context, channel, event string, payload []byte) error {
	env := envelope{Channel: channel, Event: event, Data: payload}
	if h.fanout != nil {
		b, err := json.Marshal(env)
		if err != nil {
			return err
		}
		return h.fanout.Publish(ctx, b)
	}
	select {
	case h.deliver <- env:
		return nil
	case <-h.done:
		return ErrHubClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribers reports how many sockets are subscribed to channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}

func (h *Hub) subscribe(c *client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	if h.channels[channel] == nil {
		h.channels[channel] = make(map[*client]bool)
	}
	h.channels[channel][c] = true
	c.channels[channel] = true
}

func (h *Hub) unsubscribe(c *client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.channels[channel]; ok {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.channels, channel)
		}
	}
	delete(c.channels, channel)
}

// ServeWS upgrades the request and speaks the channel protocol on it.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("ws upgrade failed", "err", err)
		return
	}
	c := &client{
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, 256),
		socketID: uuid.NewString(),
		channels: make(map[string]bool),
	}
	hello, _ := json.Marshal(realtime.ConnectionEstablished{SocketID: c.socketID, ActivityTimeout: activityTimeout})
	f, _ := realtime.NewEventFrame(realtime.EventConnectionEstablished, "", hello)
	if b, err := f.Encode(); err == nil {
		c.send <- b
	}

	if !h.add(c) {
		conn.Close()
		return
	}

	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	go c.writePump()
	go c.readPump()
}
