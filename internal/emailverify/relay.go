package emailverify

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/fission-codes/account-service/internal/blog"
)

// Hub is a process-wide, topic-keyed pub/sub fan-out: any number of
// websocket clients can subscribe to a topic string, and any publisher
// can push a message to every subscriber currently listening on it.
// Verification-code delivery in development environments is its first
// consumer, but the fan-out itself knows nothing about email -- a
// topic is just a string.
type Hub struct {
	upgrader websocket.Upgrader
	log      blog.Logger

	mu   sync.Mutex
	subs map[string]map[chan []byte]bool
}

// NewHub returns an empty Hub.
func NewHub(log blog.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
		log:      log,
		subs:     make(map[string]map[chan []byte]bool),
	}
}

// Subscribe registers a new listener on topic and returns a channel
// that receives every message Publish sends to that topic from this
// point on, plus an unsubscribe func the caller must invoke when done.
func (h *Hub) Subscribe(topic string) (<-chan []byte, func()) {
	ch := make(chan []byte, 8)

	h.mu.Lock()
	if h.subs[topic] == nil {
		h.subs[topic] = make(map[chan []byte]bool)
	}
	h.subs[topic][ch] = true
	h.mu.Unlock()

	unsubscribe := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs[topic], ch)
		if len(h.subs[topic]) == 0 {
			delete(h.subs, topic)
		}
		close(ch)
	}
	return ch, unsubscribe
}

// Publish pushes msg to every subscriber currently listening on topic.
// A subscriber whose channel is full is skipped rather than blocked on,
// since a slow websocket reader must never stall the publisher (the
// verification-code request path in particular).
func (h *Hub) Publish(topic string, msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[topic] {
		select {
		case ch <- msg:
		default:
		}
	}
}

// ServeHTTP upgrades the request to a websocket and relays every
// message published to the path's {topic} segment until the client
// disconnects. It never reads from the client; this is a one-way
// fan-out, not a chat channel.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request, topic string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warning("emailverify: websocket upgrade failed: " + err.Error())
		return
	}
	defer conn.Close()

	msgs, unsubscribe := h.Subscribe(topic)
	defer unsubscribe()

	for msg := range msgs {
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}
