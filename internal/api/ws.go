package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/xtrntr/spotexchange/internal/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 16
)

// BookSource returns the current order book of a pair
type BookSource func(ctx context.Context, pair models.Pair) (models.OrderBook, error)

type bookMessage struct {
	Pair models.Pair `json:"pair"`
	models.OrderBook
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *wsClient) close() {
	c.once.Do(func() { close(c.send) })
}

// Hub pushes order book snapshots to websocket subscribers of each pair
type Hub struct {
	books    BookSource
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	subs  map[models.Pair]map[*wsClient]struct{}
	feeds map[models.Pair]*sync.Mutex
}

// NewHub creates a hub reading snapshots from books
func NewHub(books BookSource, log *slog.Logger) *Hub {
	return &Hub{
		books: books,
		log:   log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		subs:  make(map[models.Pair]map[*wsClient]struct{}),
		feeds: make(map[models.Pair]*sync.Mutex),
	}
}

// Subscribers returns the number of clients watching pair
func (h *Hub) Subscribers(pair models.Pair) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[pair])
}

func (h *Hub) snapshot(ctx context.Context, pair models.Pair) ([]byte, error) {
	book, err := h.books(ctx, pair)
	if err != nil {
		return nil, err
	}
	return json.Marshal(bookMessage{Pair: pair, OrderBook: book})
}

// feed returns the lock that orders snapshots of pair with subscriber
// changes. A snapshot taken under it reaches every client registered
// before it was taken.
func (h *Hub) feed(pair models.Pair) *sync.Mutex {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.feeds[pair]
	if !ok {
		m = &sync.Mutex{}
		h.feeds[pair] = m
	}
	return m
}

// Notify sends the current book of pair to its subscribers. Clients whose
// buffer is full are dropped.
func (h *Hub) Notify(pair models.Pair) {
	m := h.feed(pair)
	m.Lock()
	defer m.Unlock()

	if h.Subscribers(pair) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	data, err := h.snapshot(ctx, pair)
	if err != nil {
		h.log.Error("failed to load order book for broadcast", "pair", pair.String(), "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.subs[pair] {
		select {
		case c.send <- data:
		default:
			h.log.Warn("dropping slow websocket client", "pair", pair.String())
			delete(h.subs[pair], c)
			c.close()
		}
	}
}

func (h *Hub) register(pair models.Pair, c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[pair] == nil {
		h.subs[pair] = make(map[*wsClient]struct{})
	}
	h.subs[pair][c] = struct{}{}
}

func (h *Hub) unregister(pair models.Pair, c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[pair][c]; ok {
		delete(h.subs[pair], c)
		c.close()
	}
	if len(h.subs[pair]) == 0 {
		delete(h.subs, pair)
	}
}

// Close disconnects every subscriber
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for pair, clients := range h.subs {
		for c := range clients {
			c.close()
		}
		delete(h.subs, pair)
	}
}

// Serve upgrades the request and streams books of pair until the client
// goes away. The first message is the current book.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, pair models.Pair) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := &wsClient{conn: conn, send: make(chan []byte, sendBuffer)}

	// Register and enqueue the first book under the feed lock so a change
	// landing meanwhile is sent after it
	m := h.feed(pair)
	m.Lock()
	initial, err := h.snapshot(r.Context(), pair)
	if err != nil {
		m.Unlock()
		h.log.Error("failed to load order book for subscriber", "pair", pair.String(), "error", err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "order book unavailable"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}
	c.send <- initial
	h.register(pair, c)
	m.Unlock()

	go c.writeLoop()
	c.readLoop()
	h.unregister(pair, c)
}

// readLoop discards client messages and returns when the connection fails
func (c *wsClient) readLoop() {
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsClient) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
