package relay

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait          = 10 * time.Second
	sendBuffer         = 256
	DefaultMaxMessage  = 64 * 1024
	pongWaitMultiplier = 3
)

// Conn is the subset of *websocket.Conn used by Client.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

type ClientOptions struct {
	MaxMessage   int64
	PingInterval time.Duration
}

// Client adapts a websocket connection to Peer. Reads happen on the goroutine
// calling Run; writes are serialised through a buffered queue.
type Client struct {
	id       string
	conn     Conn
	send     chan []byte
	closed   chan struct{}
	open     atomic.Bool
	once     sync.Once
	maxMsg   int64
	pongWait time.Duration
	log      zerolog.Logger
}

func NewClient(conn Conn, opts ClientOptions, logger zerolog.Logger) *Client {
	if opts.MaxMessage <= 0 {
		opts.MaxMessage = DefaultMaxMessage
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	id := uuid.NewString()
	c := &Client{
		id:       id,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		closed:   make(chan struct{}),
		maxMsg:   opts.MaxMessage,
		pongWait: opts.PingInterval * pongWaitMultiplier,
		log:      logger.With().Str("component", "relay.client").Str("peer", id).Logger(),
	}
	c.open.Store(true)
	return c
}

func (c *Client) ID() string {
	return c.id
}

func (c *Client) Open() bool {
	return c.open.Load()
}

func (c *Client) Send(data []byte) bool {
	if !c.open.Load() {
		return false
	}
	select {
	case <-c.closed:
		return false
	case c.send <- data:
		return true
	default:
		c.log.Debug().Msg("send buffer full, dropping message")
		return false
	}
}

func (c *Client) Ping() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// Close sends a close frame with code and reason and tears the connection down.
// Only the first call has any effect.
func (c *Client) Close(code int, reason string) {
	c.once.Do(func() {
		c.open.Store(false)
		close(c.closed)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = c.conn.Close()
	})
}

// Run pumps inbound messages to onMessage until the connection fails or is
// closed. It returns once the peer is gone.
func (c *Client) Run(onMessage func([]byte)) {
	go c.writePump()
	c.readPump(onMessage)
	c.Close(websocket.CloseNormalClosure, "")
}

func (c *Client) readPump(onMessage func([]byte)) {
	c.conn.SetReadLimit(c.maxMsg)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	})
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.log.Debug().Err(err).Msg("unexpected close")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		onMessage(data)
	}
}

func (c *Client) writePump() {
	for {
		select {
		case <-c.closed:
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Debug().Err(err).Msg("write failed")
				c.Close(websocket.CloseInternalServerErr, "write failed")
				return
			}
		}
	}
}
