package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/bookverse/chat/internal/logger"
)

const (
	// Time allowed to write a frame to the server.
	writeWait = 10 * time.Second

	// Time allowed to read the next frame or pong from the server.
	pongWait = 60 * time.Second

	// Send pings with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	handshakeWait = 10 * time.Second
	authTimeout   = 30 * time.Second
	maxFrameSize  = 1 << 20
)

var (
	ErrClosed        = errors.New("realtime: client closed")
	errSessionClosed = errors.New("realtime: connection closed")
)

// Authorizer signs private-channel subscriptions.
type Authorizer interface {
	Authorize(ctx context.Context, socketID, channel string) (string, error)
}

type Options struct {
	// Authorizer, when set, makes every channel private.
	Authorizer Authorizer
	Header     http.Header
	Dialer     *websocket.Dialer
	Logger     *slog.Logger

	// ReconnectEvery and ReconnectBurst bound how often a dropped connection
	// is redialed.
	ReconnectEvery time.Duration
	ReconnectBurst int
}

type handlerKey struct {
	channel string
	event   string
}

type handler struct {
	id uint64
	fn func([]byte)
}

// Client keeps one websocket open to the event server and re-subscribes its
// channels whenever the connection is re-established. It implements
// chat.EventSource.
type Client struct {
	url     string
	opts    Options
	dialer  *websocket.Dialer
	limiter *rate.Limiter
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sess     *session
	handlers map[handlerKey]handler
	channels map[string]int
	nextID   uint64
	closed   bool
}

func NewClient(rawURL string, opts Options) *Client {
	every := opts.ReconnectEvery
	if every <= 0 {
		every = 2 * time.Second
	}
	burst := opts.ReconnectBurst
	if burst <= 0 {
		burst = 3
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: handshakeWait}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		url:      withProtocolParams(rawURL),
		opts:     opts,
		dialer:   dialer,
		limiter:  rate.NewLimiter(rate.Every(every), burst),
		log:      logger.Or(opts.Logger),
		ctx:      ctx,
		cancel:   cancel,
		handlers: make(map[handlerKey]handler),
		channels: make(map[string]int),
	}
}

func withProtocolParams(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	if q.Get("protocol") == "" {
		q.Set("protocol", "7")
		q.Set("client", "go")
		q.Set("version", "1.0")
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Connect dials the server and keeps the connection alive until Close.
func (c *Client) Connect(ctx context.Context) error {
	s, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.wg.Add(1)
	go c.maintain(s)
	return nil
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess != nil
}

func (c *Client) SocketID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return ""
	}
	return c.sess.socketID
}

// Listen registers handle for event on channel. When connected, the channel
// is subscribed before Listen returns; otherwise on the next connect.
func (c *Client) Listen(channel, event string, handle func(data []byte)) (func(), error) {
	k := handlerKey{channel: channel, event: event}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.nextID++
	id := c.nextID
	_, replaced := c.handlers[k]
	c.handlers[k] = handler{id: id, fn: handle}
	if !replaced {
		c.channels[channel]++
	}
	first := !replaced && c.channels[channel] == 1
	s := c.sess
	c.mu.Unlock()

	if first && s != nil {
		if err := c.subscribe(s, channel); err != nil {
			c.remove(k, id)
			return nil, err
		}
	}

	var once sync.Once
	return func() { once.Do(func() { c.remove(k, id) }) }, nil
}

func (c *Client) remove(k handlerKey, id uint64) {
	c.mu.Lock()
	h, ok := c.handlers[k]
	if !ok || h.id != id {
		c.mu.Unlock()
		return
	}
	delete(c.handlers, k)
	c.channels[k.channel]--
	last := c.channels[k.channel] <= 0
	if last {
		delete(c.channels, k.channel)
	}
	s := c.sess
	c.mu.Unlock()

	if last && s != nil {
		f, _ := NewFrame(EventUnsubscribe, "", SubscribeData{Channel: c.wireName(k.channel)})
		if err := s.enqueue(f); err != nil {
			c.log.Debug("realtime: unsubscribe not sent", "channel", k.channel, "err", err)
		}
	}
}

func (c *Client) wireName(channel string) string {
	if c.opts.Authorizer != nil {
		return PrivatePrefix + channel
	}
	return channel
}

func (c *Client) subscribe(s *session, channel string) error {
	data := SubscribeData{Channel: c.wireName(channel)}
	if c.opts.Authorizer != nil {
		ctx, cancel := context.WithTimeout(c.ctx, authTimeout)
		defer cancel()
		sig, err := c.opts.Authorizer.Authorize(ctx, s.socketID, data.Channel)
		if err != nil {
			return fmt.Errorf("authorize %s: %w", data.Channel, err)
		}
		data.Auth = sig
	}
	f, err := NewFrame(EventSubscribe, "", data)
	if err != nil {
		return err
	}
	return s.enqueue(f)
}

// Close drops the connection and stops reconnecting. Registered handlers are
// forgotten.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	s := c.sess
	c.sess = nil
	c.handlers = make(map[handlerKey]handler)
	c.channels = make(map[string]int)
	c.mu.Unlock()

	c.cancel()
	if s != nil {
		s.close()
	}
	c.wg.Wait()
}

func (c *Client) dial(ctx context.Context) (*session, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.url, c.opts.Header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.url, err)
	}
	conn.SetReadLimit(maxFrameSize)
	conn.SetReadDeadline(time.Now().Add(handshakeWait))

	est, err := readEstablished(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake: %w", err)
	}
	s := newSession(conn, est.SocketID)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return nil, ErrClosed
	}
	c.sess = s
	channels := make([]string, 0, len(c.channels))
	for ch := range c.channels {
		channels = append(channels, ch)
	}
	c.mu.Unlock()

	go c.writePump(s)
	go c.readPump(s)

	for _, ch := range channels {
		if err := c.subscribe(s, ch); err != nil {
			c.log.Warn("realtime: resubscribe failed", "channel", ch, "err", err)
		}
	}
	c.log.Debug("realtime: connected", "socket_id", s.socketID, "channels", len(channels))
	return s, nil
}

func readEstablished(conn *websocket.Conn) (ConnectionEstablished, error) {
	var est ConnectionEstablished
	_, b, err := conn.ReadMessage()
	if err != nil {
		return est, err
	}
	f, err := ParseFrame(b)
	if err != nil {
		return est, err
	}
	p, err := f.Payload()
	if err != nil {
		return est, err
	}
	if f.Event == EventError {
		var e ErrorData
		_ = json.Unmarshal(p, &e)
		return est, fmt.Errorf("server error %d: %s", e.Code, e.Message)
	}
	if f.Event != EventConnectionEstablished {
		return est, fmt.Errorf("unexpected frame %q", f.Event)
	}
	if err := json.Unmarshal(p, &est); err != nil {
		return est, err
	}
	if est.SocketID == "" {
		return est, errors.New("missing socket id")
	}
	return est, nil
}

// maintain redials after the connection drops, throttled by the limiter.
func (c *Client) maintain(s *session) {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			s.close()
			return
		case <-s.done:
		}
		c.log.Warn("realtime: connection lost", "socket_id", s.socketID)

		for {
			if err := c.limiter.Wait(c.ctx); err != nil {
				return
			}
			ns, err := c.dial(c.ctx)
			if err == nil {
				s = ns
				c.log.Info("realtime: reconnected", "socket_id", s.socketID)
				break
			}
			if errors.Is(err, ErrClosed) || c.ctx.Err() != nil {
				return
			}
			c.log.Warn("realtime: reconnect failed", "err", err)
		}
	}
}

func (c *Client) drop(s *session) {
	c.mu.Lock()
	if c.sess == s {
		c.sess = nil
	}
	c.mu.Unlock()
	s.close()
}

func (c *Client) readPump(s *session) {
	defer c.drop(s)

	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, b, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && !s.isClosed() {
				c.log.Debug("realtime: read failed", "err", err)
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(pongWait))

		f, err := ParseFrame(b)
		if err != nil {
			c.log.Warn("realtime: bad frame", "err", err)
			continue
		}
		c.dispatch(s, f)
	}
}

func (c *Client) dispatch(s *session, f Frame) {
	switch f.Event {
	case EventPing:
		pong, _ := NewFrame(EventPong, "", nil)
		_ = s.enqueue(pong)
	case EventPong:
	case EventSubscriptionSucceeded:
		c.log.Debug("realtime: subscribed", "channel", f.Channel)
	case EventError:
		var e ErrorData
		if p, err := f.Payload(); err == nil {
			_ = json.Unmarshal(p, &e)
		}
		c.log.Warn("realtime: server error", "code", e.Code, "message", e.Message)
	default:
		if f.Channel == "" {
			return
		}
		k := handlerKey{channel: LogicalChannel(f.Channel), event: f.Event}
		c.mu.Lock()
		h, ok := c.handlers[k]
		c.mu.Unlock()
		if !ok {
			return
		}
		p, err := f.Payload()
		if err != nil {
			c.log.Warn("realtime: bad event data", "event", f.Event, "channel", f.Channel, "err", err)
			return
		}
		h.fn(p)
	}
}

func (c *Client) writePump(s *session) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case b := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				c.drop(s)
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.drop(s)
				return
			}
		case <-s.done:
			return
		}
	}
}

// session is one websocket connection.
type session struct {
	conn     *websocket.Conn
	socketID string
	send     chan []byte
	done     chan struct{}
	once     sync.Once
}

func newSession(conn *websocket.Conn, socketID string) *session {
	return &session{
		conn:     conn,
		socketID: socketID,
		send:     make(chan []byte, 64),
		done:     make(chan struct{}),
	}
}

func (s *session) enqueue(f Frame) error {
	b, err := f.Encode()
	if err != nil {
		return err
	}
	select {
	case s.send <- b:
		return nil
	case <-s.done:
		return errSessionClosed
	}
}

func (s *session) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		s.conn.Close()
	})
}
