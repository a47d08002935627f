package api

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kataras/iris/v12"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/clalos/stream-zone-monitor/internal/pipeline"
)

const (
	clientBuffer = 64
	writeWait    = 5 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type wsClient struct {
	conn     *websocket.Conn
	send     chan []byte
	streamID string
	binary   bool
	once     sync.Once
}

func (c *wsClient) close() {
	c.once.Do(func() { close(c.send) })
}

// Hub fans results out to websocket subscribers. It is a pipeline sink:
// slow clients lose messages instead of holding up the workers.
type Hub struct {
	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	closed  bool

	dropped atomic.Int64
	logger  *slog.Logger
}

// NewHub returns an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{clients: make(map[*wsClient]struct{}), logger: logger}
}

// Publish sends r to every subscriber of its stream. Encoding happens at most
// once per format.
func (h *Hub) Publish(r pipeline.Result) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.clients) == 0 {
		return
	}

	var text, bin []byte
	for c := range h.clients {
		if c.streamID != "" && c.streamID != r.StreamID {
			continue
		}
		var msg []byte
		if c.binary {
			if bin == nil {
				b, err := encodeMsgpack(r)
				if err != nil {
					h.logger.Warn("Failed to encode result for websocket", "stream_id", r.StreamID, "error", err)
					return
				}
				bin = b
			}
			msg = bin
		} else {
			if text == nil {
				b, err := json.Marshal(r)
				if err != nil {
					h.logger.Warn("Failed to encode result for websocket", "stream_id", r.StreamID, "error", err)
					return
				}
				text = b
			}
			msg = text
		}

		select {
		case c.send <- msg:
		default:
			h.dropped.Add(1)
		}
	}
}

// Clients returns the number of connected subscribers.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns the number of messages discarded for slow subscribers.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Close disconnects every subscriber and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		c.close()
		delete(h.clients, c)
	}
}

// ServeWS upgrades the request and streams results until the client goes
// away. ?stream_id= limits the feed to one stream; ?format=msgpack switches
// to binary frames.
func (h *Hub) ServeWS(ctx iris.Context) {
	conn, err := upgrader.Upgrade(ctx.ResponseWriter(), ctx.Request(), nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", "remote_addr", ctx.RemoteAddr(), "error", err)
		return
	}

	c := &wsClient{
		conn:     conn,
		send:     make(chan []byte, clientBuffer),
		streamID: ctx.URLParam("stream_id"),
		binary:   ctx.URLParam("format") == "msgpack",
	}
	if !h.register(c) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(writeWait))
		conn.Close()
		return
	}
	h.logger.Debug("Websocket client connected", "remote_addr", ctx.RemoteAddr(), "stream_id", c.streamID)

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) register(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.close()
	}
	h.mu.Unlock()
}

// readPump discards client messages and notices disconnects.
func (h *Hub) readPump(c *wsClient) {
	defer h.unregister(c)
	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug("Websocket client error", "error", err)
			}
			return
		}
	}
}

func (h *Hub) writePump(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	kind := websocket.TextMessage
	if c.binary {
		kind = websocket.BinaryMessage
	}
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(kind, msg); err != nil {
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

// encodeMsgpack encodes r with the same field names as its JSON form.
func encodeMsgpack(r pipeline.Result) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
