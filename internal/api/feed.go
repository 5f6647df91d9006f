package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/ctrlai/auditchain/internal/chain"
)

// Feed broadcasts every persisted link to the connected WebSocket clients.
//
// A single hub goroutine owns the client set; registration, removal and
// broadcast all go through channels, so the set needs no lock.
type Feed struct {
	clients map[*feedClient]bool

	broadcastCh  chan []byte
	registerCh   chan *feedClient
	unregisterCh chan *feedClient
	done         chan struct{}
	closeOnce    sync.Once
}

type feedClient struct {
	conn *websocket.Conn
	send chan []byte
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// NewFeed starts a feed hub. Call Close to stop it.
func NewFeed() *Feed {
	f := &Feed{
		clients:      make(map[*feedClient]bool),
		broadcastCh:  make(chan []byte, 256),
		registerCh:   make(chan *feedClient),
		unregisterCh: make(chan *feedClient),
		done:         make(chan struct{}),
	}
	go f.run()
	return f
}

func (f *Feed) run() {
	for {
		select {
		case c := <-f.registerCh:
			f.clients[c] = true
			slog.Debug("feed client connected", "total", len(f.clients))

		case c := <-f.unregisterCh:
			if f.clients[c] {
				delete(f.clients, c)
				close(c.send)
				slog.Debug("feed client disconnected", "total", len(f.clients))
			}

		case msg := <-f.broadcastCh:
			for c := range f.clients {
				select {
				case c.send <- msg:
				default:
					// Slow client; drop it rather than stall everyone.
					delete(f.clients, c)
					close(c.send)
				}
			}

		case <-f.done:
			for c := range f.clients {
				delete(f.clients, c)
				close(c.send)
			}
			return
		}
	}
}

// Publish queues rec for every client. It never blocks; when the queue is
// full the message is dropped. Suitable as a chain.Options.OnLink hook.
func (f *Feed) Publish(rec chain.Record) {
	data, err := json.Marshal(newLinkView(rec))
	if err != nil {
		slog.Error("failed to marshal link for feed", "audit_id", rec.AuditID, "error", err)
		return
	}
	select {
	case f.broadcastCh <- data:
	default:
	}
}

// Close stops the hub and disconnects every client.
func (f *Feed) Close() {
	f.closeOnce.Do(func() { close(f.done) })
}

// ServeHTTP upgrades the request to a WebSocket and subscribes it.
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &feedClient{conn: conn, send: make(chan []byte, 64)}
	select {
	case f.registerCh <- c:
	case <-f.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump(f)
}

func (c *feedClient) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// readPump only watches for the client going away; the feed is one-way.
func (c *feedClient) readPump(f *Feed) {
	defer c.conn.Close()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
	select {
	case f.unregisterCh <- c:
	case <-f.done:
	}
}
