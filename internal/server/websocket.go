package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/appsim/simulate/internal/logging"
	"github.com/appsim/simulate/internal/telemetry"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Send pings to the peer with this period.
	pingPeriod = 54 * time.Second

	// Maximum message size allowed from the peer.
	maxMessageSize = 512
)

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *hub
}

// hub tracks connected live-reload clients and fans broadcast messages out
// to them.
type hub struct {
	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	clients    map[string]*client
	logger     logging.Logger
	metrics    *telemetry.Recorder

	mu   sync.Mutex
	done chan struct{}
}

func newHub(logger logging.Logger, metrics *telemetry.Recorder) *hub {
	return &hub{
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, 16),
		clients:    make(map[string]*client),
		logger:     logger.WithComponent("websocket"),
		metrics:    metrics,
	}
}

func (h *hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The simulator binds to localhost; same-host pages are the only
		// expected origins.
		InsecureSkipVerify: false,
	})
	if err != nil {
		h.logger.Warn(r.Context(), err, "websocket upgrade failed")
		return
	}

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, 256),
		hub:  h,
	}

	go c.writePump()
	go c.readPump()

	// An upgrade can complete while the hub is shutting down; never block
	// on a run loop that has already exited.
	select {
	case h.register <- c:
	case <-h.stopped():
		conn.Close(websocket.StatusGoingAway, "server stopping")
	}
}

// stopped returns a channel that is closed once the hub's run loop has
// exited, or immediately if the loop was never started.
func (h *hub) stopped() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return h.done
}

func (h *hub) run(ctx context.Context) {
	h.mu.Lock()
	h.done = make(chan struct{})
	done := h.done
	h.mu.Unlock()
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			for _, c := range h.clients {
				close(c.send)
				c.conn.Close(websocket.StatusGoingAway, "server stopping")
			}
			h.clients = make(map[string]*client)
			h.metrics.SetConnectedClients(0)
			return

		case c := <-h.register:
			h.clients[c.id] = c
			h.metrics.SetConnectedClients(len(h.clients))
			h.logger.Debug(ctx, "client connected", "id", c.id, "total", len(h.clients))

		case c := <-h.unregister:
			if _, ok := h.clients[c.id]; ok {
				delete(h.clients, c.id)
				close(c.send)
				c.conn.Close(websocket.StatusNormalClosure, "")
			}
			h.metrics.SetConnectedClients(len(h.clients))
			h.logger.Debug(ctx, "client disconnected", "id", c.id, "total", len(h.clients))

		case message := <-h.broadcast:
			for id, c := range h.clients {
				select {
				case c.send <- message:
				default:
					// Send buffer full: drop the slow client.
					delete(h.clients, id)
					close(c.send)
					c.conn.Close(websocket.StatusNormalClosure, "")
				}
			}
			h.metrics.SetConnectedClients(len(h.clients))
		}
	}
}

// readPump drains inbound frames so pings are answered and closure is
// detected.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.stopped():
		}
	}()

	c.conn.SetReadLimit(maxMessageSize)
	ctx := context.Background()

	for {
		if _, _, err := c.conn.Read(ctx); err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure &&
				websocket.CloseStatus(err) != websocket.StatusGoingAway {
				c.hub.logger.Debug(ctx, "websocket read ended", "id", c.id, "reason", err.Error())
			}
			return
		}
	}
}

// writePump pumps queued messages to the websocket connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	ctx := context.Background()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeWait)
			err := c.conn.Write(writeCtx, websocket.MessageText, message)
			cancel()
			if err != nil {
				return
			}

		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, writeWait)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
