package hub

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeTimeout = 10 * time.Second

// Client wraps one websocket connection as a hub Subscriber.
type Client struct {
	conn   *websocket.Conn
	logger *log.Logger

	mu     sync.Mutex
	closed bool
}

// NewClient constructs a client wrapper.
func NewClient(conn *websocket.Conn, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.Default()
	}
	return &Client{conn: conn, logger: logger}
}

// Send writes a message to the websocket connection.
func (c *Client) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return websocket.ErrCloseSent
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.logger.Printf("fleetdeckd: websocket send failed: %v", err)
		c.closeLocked()
		return err
	}
	return nil
}

// Close terminates the connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Client) closeLocked() {
	if !c.closed {
		c.closed = true
		_ = c.conn.Close()
	}
}

// Handler upgrades HTTP requests to websocket subscriptions on the hub. The
// connection is read-only from the client's side; inbound messages are
// drained and discarded until the peer disconnects.
func Handler(h *Hub, logger *log.Logger) http.Handler {
	if logger == nil {
		logger = log.Default()
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		// The control surface is a local unix socket; the dashboard proxies
		// through it, so origin checks carry no signal here.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Printf("fleetdeckd: websocket upgrade failed: %v", err)
			return
		}
		client := NewClient(conn, logger)
		h.Register(client)
		go func() {
			defer h.Unregister(client)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	})
}
