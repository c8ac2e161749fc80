package broadcast

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bookverse/chat/internal/realtime"
)

type client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	socketID string
	// guarded by hub.mu
	channels map[string]bool
}

// sendFrame queues f unless the client is gone or its buffer is full.
func (c *client) sendFrame(f realtime.Frame) {
	data, err := f.Encode()
	if err != nil {
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.clients[c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *client) sendError(code int, msg string) {
	f, _ := realtime.NewFrame(realtime.EventError, "", realtime.ErrorData{Message: msg, Code: code})
	c.sendFrame(f)
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.hub.log.Debug("ws read failed", "socket_id", c.socketID, "err", err)
			}
			break
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		f, err := realtime.ParseFrame(message)
		if err != nil {
			c.sendError(4200, "malformed frame")
			continue
		}
		c.handleFrame(f)
	}
}

func (c *client) handleFrame(f realtime.Frame) {
	switch f.Event {
	case realtime.EventPing:
		pong, _ := realtime.NewFrame(realtime.EventPong, "", nil)
		c.sendFrame(pong)

	case realtime.EventSubscribe:
		var d realtime.SubscribeData
		if p, err := f.Payload(); err != nil || json.Unmarshal(p, &d) != nil || d.Channel == "" {
			c.sendError(4200, "malformed subscribe")
			return
		}
		if !realtime.IsPrivate(d.Channel) {
			c.sendError(4009, "only private channels are available")
			return
		}
		if !realtime.Verify(c.hub.key, c.hub.secret, c.socketID, d.Channel, d.Auth) {
			c.hub.log.Info("subscription refused", "socket_id", c.socketID, "channel", d.Channel)
			c.sendError(4009, "invalid signature for "+d.Channel)
			return
		}
		c.hub.subscribe(c, d.Channel)
		ok, _ := realtime.NewEventFrame(realtime.EventSubscriptionSucceeded, d.Channel, []byte("{}"))
		c.sendFrame(ok)

	case realtime.EventUnsubscribe:
		var d realtime.SubscribeData
		if p, err := f.Payload(); err == nil && json.Unmarshal(p, &d) == nil && d.Channel != "" {
			c.hub.unsubscribe(c, d.Channel)
		}

	case realtime.EventPong:
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
