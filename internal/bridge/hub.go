package bridge

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

const (
	clientQueue  = 64
	writeTimeout = 5 * time.Second
)

type wsClient struct {
	id   int64
	conn *websocket.Conn
	send chan []byte
}

// Hub is the websocket adapter frontends connect to.
type Hub struct {
	hello   func() Hello
	origins []string
	handler Handler

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	nextID  atomic.Int64

	logger *zap.Logger
}

// NewHub creates a hub. hello builds the greeting sent on every connect.
// origins are the host patterns cross-origin pages may connect from.
func NewHub(hello func() Hello, origins []string, logger *zap.Logger) *Hub {
	return &Hub{
		hello:   hello,
		origins: origins,
		clients: make(map[*wsClient]struct{}),
		logger:  logger,
	}
}

func (h *Hub) Name() string                    { return "websocket" }
func (h *Hub) Connect(_ context.Context) error { return nil }
func (h *Hub) OnMessage(handler Handler)       { h.handler = handler }

// Clients reports the number of connected frontends.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and serves the client until it leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.origins,
	})
	if err != nil {
		h.logger.Warn("websocket accept error", zap.Error(err))
		return
	}
	conn.SetReadLimit(8 << 20) // rendered panels arrive as base64 PNG

	c := &wsClient{
		id:   h.nextID.Add(1),
		conn: conn,
		send: make(chan []byte, clientQueue),
	}
	if data, err := Encode(h.hello()); err == nil {
		c.send <- data
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Info("websocket client connected", zap.Int64("client", c.id))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	written := make(chan struct{})
	go func() {
		defer close(written)
		h.writeLoop(ctx, c)
	}()

	h.readLoop(ctx, c)
	h.drop(c)
	<-written
	h.logger.Info("websocket client disconnected", zap.Int64("client", c.id))
}

func (h *Hub) readLoop(ctx context.Context, c *wsClient) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		msg, err := DecodeInbound(data)
		if err != nil {
			if errors.Is(err, ErrUnknownMessage) {
				h.logger.Warn("dropping unknown message", zap.Error(err))
			} else {
				h.logger.Warn("bad websocket frame", zap.Error(err))
			}
			continue
		}
		if ping, ok := msg.(Ping); ok {
			h.reply(c, Pong{Nonce: ping.Nonce})
			continue
		}
		if h.handler != nil && !h.handler(msg) {
			h.reply(c, BusyReply(msg))
		}
	}
}

func (h *Hub) writeLoop(ctx context.Context, c *wsClient) {
	defer c.conn.CloseNow()
	for data := range c.send {
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := c.conn.Write(wctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			h.drop(c)
			// Keep draining so the channel can be closed cleanly.
			for range c.send {
			}
			return
		}
	}
	c.conn.Close(websocket.StatusNormalClosure, "")
}

func (h *Hub) reply(c *wsClient, msg Outbound) {
	data, err := Encode(msg)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// drop removes c and closes its queue. Safe to call more than once.
func (h *Hub) drop(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(c)
}

func (h *Hub) dropLocked(c *wsClient) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
}

// Deliver queues the frame for every client. Clients whose queue is full
// are disconnected.
func (h *Hub) Deliver(_ context.Context, env Envelope) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- env.Data:
		default:
			h.logger.Warn("dropping slow websocket client", zap.Int64("client", c.id))
			h.dropLocked(c)
		}
	}
	return nil
}

// Close disconnects every client.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		h.dropLocked(c)
	}
	return nil
}
