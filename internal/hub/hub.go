// Package hub fans daemon events out to live websocket subscribers. The
// dashboard keeps one connection open and receives every audit event as it
// is recorded, so list views update without polling.
package hub

import "sync"

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub manages the set of connected subscribers and serializes all
// registration and broadcast traffic through one goroutine.
type Hub struct {
	mu        sync.Mutex
	closed    bool
	register  chan Subscriber
	unreg     chan Subscriber
	broadcast chan []byte
	done      chan struct{}
}

// NewHub creates a running Hub.
func NewHub() *Hub {
	h := &Hub{
		register:  make(chan Subscriber),
		unreg:     make(chan Subscriber),
		broadcast: make(chan []byte, 64),
		done:      make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	clients := make(map[Subscriber]struct{})
	for {
		select {
		case client := <-h.register:
			clients[client] = struct{}{}
		case client := <-h.unreg:
			if _, ok := clients[client]; ok {
				delete(clients, client)
				client.Close()
			}
		case payload := <-h.broadcast:
			for client := range clients {
				if err := client.Send(payload); err != nil {
					client.Close()
					delete(clients, client)
				}
			}
		case <-h.done:
			for client := range clients {
				client.Close()
			}
			return
		}
	}
}

// Register adds a subscriber to the stream.
func (h *Hub) Register(client Subscriber) {
	if h == nil || client == nil {
		return
	}
	select {
	case h.register <- client:
	case <-h.done:
		client.Close()
	}
}

// Unregister removes and closes a subscriber.
func (h *Hub) Unregister(client Subscriber) {
	if h == nil || client == nil {
		return
	}
	select {
	case h.unreg <- client:
	case <-h.done:
	}
}

// Broadcast sends payload to every connected subscriber. A full buffer
// drops the payload rather than blocking the caller; clients reconcile
// through the events endpoint.
func (h *Hub) Broadcast(payload []byte) {
	if h == nil {
		return
	}
	select {
	case h.broadcast <- payload:
	case <-h.done:
	default:
	}
}

// Close shuts the hub down and disconnects all subscribers.
func (h *Hub) Close() {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.closed {
		h.closed = true
		close(h.done)
	}
}
