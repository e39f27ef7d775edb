// Package push fans compiled payloads out to connected add-in
// listeners. Delivery is at-most-once with no buffering: a listener
// that is absent or slow at send time simply misses the message, and
// durable delivery goes through the queue transport instead.
package push

import (
	"context"
	"sync"
)

const sendBuffer = 16

// Client is one connected listener.
type Client struct {
	Group string
	Send  chan []byte
}

func NewClient(group string) *Client {
	return &Client{Group: group, Send: make(chan []byte, sendBuffer)}
}

// Hub tracks listeners per group.
type Hub struct {
	Register   chan *Client
	Unregister chan *Client

	mu     sync.RWMutex
	groups map[string]map[*Client]bool
}

func NewHub() *Hub {
	return &Hub{
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		groups:     map[string]map[*Client]bool{},
	}
}

// Run processes membership changes until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case c := <-h.Register:
			h.add(c)
		case c := <-h.Unregister:
			h.remove(c)
		case <-ctx.Done():
			return
		}
	}
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients, ok := h.groups[c.Group]
	if !ok {
		clients = map[*Client]bool{}
		h.groups[c.Group] = clients
	}
	clients[c] = true
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients, ok := h.groups[c.Group]
	if !ok {
		return
	}
	if clients[c] {
		delete(clients, c)
		close(c.Send)
	}
	if len(clients) == 0 {
		delete(h.groups, c.Group)
	}
}

// Send delivers msg to every listener in group and returns how many
// received it. A listener with a full buffer is dropped rather than
// blocked on.
func (h *Hub) Send(group string, msg []byte) int {
	h.mu.RLock()
	var slow []*Client
	sent := 0
	for c := range h.groups[group] {
		select {
		case c.Send <- msg:
			sent++
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.remove(c)
	}
	return sent
}

// Listeners reports the current size of a group.
func (h *Hub) Listeners(group string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[group])
}
