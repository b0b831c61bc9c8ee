// Package diagnostics pushes tracker.Miss events and publisher-discovery
// events to connected dashboard clients over a websocket, for
// operators who want to watch gap-fill activity live. Modelled on the
// Broker.serveWS / writer-goroutine pattern in main.go: an upgrader, a
// buffered per-client send channel, a ping ticker keeping the connection
// alive, and a reader goroutine solely to detect client-initiated close.
package diagnostics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meshwave/advsub/internal/logging"
	"github.com/meshwave/advsub/internal/tracker"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 20 * time.Second
	pongWait     = 2 * pingInterval
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Event is the wire shape pushed to every connected dashboard client.
type Event struct {
	Type      string `json:"type"`
	SourceID  string `json:"source_id,omitempty"`
	NodeID    string `json:"node_id,omitempty"`
	Count     uint64 `json:"count,omitempty"`
	Timestamp int64  `json:"timestamp_ms"`
}

// Hub fans miss notifications and publisher-discovery events out to every
// connected dashboard client. It sends no tracker state snapshots.
type Hub struct {
	log     *logging.Logger
	nowFunc func() time.Time

	mu      sync.Mutex
	clients map[*client]struct{}
}

// New constructs a Hub. nowFunc defaults to time.Now and exists so tests
// can supply a deterministic clock.
func New(log *logging.Logger, nowFunc func() time.Time) *Hub {
	if log == nil {
		log = logging.L()
	}
	if nowFunc == nil {
		nowFunc = time.Now
	}
	return &Hub{log: log, nowFunc: nowFunc, clients: make(map[*client]struct{})}
}

// OnMiss adapts a tracker.Miss into an Event and pushes it to every
// connected client; suitable as a miss.Registry background listener.
func (h *Hub) OnMiss(m tracker.Miss) {
	h.broadcast(Event{
		Type:      "miss",
		SourceID:  m.SourceID,
		NodeID:    m.NodeID,
		Count:     m.Count,
		Timestamp: h.nowFunc().UnixMilli(),
	})
}

// PublisherDetected pushes a liveliness-discovery event to every
// connected client.
func (h *Hub) PublisherDetected(tokenKE string) {
	h.broadcast(Event{Type: "publisher_detected", SourceID: tokenKE, Timestamp: h.nowFunc().UnixMilli()})
}

func (h *Hub) broadcast(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.log.Error("failed to marshal diagnostics event", logging.Error(err))
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
			h.log.Warn("dropping diagnostics client: send buffer full", logging.String("client_id", c.id))
			go h.deregister(c)
		}
	}
}

// ServeHTTP upgrades the request to a websocket and registers the client
// for event delivery until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("diagnostics websocket upgrade failed", logging.Error(err))
		return
	}
	c := &client{conn: conn, send: make(chan []byte, 64), id: r.RemoteAddr}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writePump(c)
	go h.readPump(c)
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	id   string
}

func (h *Hub) deregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// readPump exists only to observe client-initiated close frames and
// enforce the read deadline extended by pong handling; dashboard clients
// never send application messages.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.deregister(c)
		_ = c.conn.Close()
	}()
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

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				h.deregister(c)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.deregister(c)
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeWait)); err != nil {
				h.deregister(c)
				return
			}
		}
	}
}
