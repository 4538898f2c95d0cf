// Package pubsub implements the topic-addressed fan-out hub. Producers
// publish onto topics ("price:SYM", "orderbook:SYM", "trades:SYM",
// "candles:SYM:INT", "user:ADDR"); each connection drains its own bounded
// outbound queue, and a consumer that falls behind is disconnected rather
// than back-pressuring the engine.
package pubsub

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultQueueSize bounds each connection's outbound queue.
const DefaultQueueSize = 256

// Envelope is the wire form of every published event.
type Envelope struct {
	Type  string      `json:"type"`
	Topic string      `json:"topic"`
	Data  interface{} `json:"data"`
}

// Hub routes published events to subscribed connections.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[*Conn]struct{}
	conns  map[*Conn]struct{}
	log    *zap.SugaredLogger
}

// NewHub creates an empty hub.
func NewHub(log *zap.SugaredLogger) *Hub {
	return &Hub{
		topics: make(map[string]map[*Conn]struct{}),
		conns:  make(map[*Conn]struct{}),
		log:    log,
	}
}

// Conn is one consumer's registration with the hub.
type Conn struct {
	id     string
	hub    *Hub
	send   chan []byte
	topics map[string]struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

// Register creates a connection with the default queue bound.
func (h *Hub) Register() *Conn {
	return h.RegisterWithQueue(DefaultQueueSize)
}

// RegisterWithQueue creates a connection with a caller-chosen queue bound.
func (h *Hub) RegisterWithQueue(size int) *Conn {
	c := &Conn{
		id:     uuid.NewString(),
		hub:    h,
		send:   make(chan []byte, size),
		topics: make(map[string]struct{}),
		closed: make(chan struct{}),
	}
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	h.log.Debugw("pubsub_conn_registered", "conn", c.id)
	return c
}

// Publish marshals the envelope once and enqueues it to every subscriber of
// topic. Best-effort: a full queue disconnects that subscriber.
func (h *Hub) Publish(topic, eventType string, data interface{}) {
	payload, err := json.Marshal(Envelope{Type: eventType, Topic: topic, Data: data})
	if err != nil {
		h.log.Errorw("pubsub_marshal_failed", "topic", topic, "err", err)
		return
	}

	h.mu.RLock()
	subs := make([]*Conn, 0, len(h.topics[topic]))
	for c := range h.topics[topic] {
		subs = append(subs, c)
	}
	h.mu.RUnlock()

	for _, c := range subs {
		if !c.enqueue(payload) {
			h.log.Warnw("pubsub_slow_consumer_dropped", "conn", c.id, "topic", topic)
			c.Close()
		}
	}
}

// SubscriberCount returns the number of connections on topic.
func (h *Hub) SubscriberCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// ConnCount returns the number of registered connections.
func (h *Hub) ConnCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// ID returns the connection's identifier.
func (c *Conn) ID() string { return c.id }

// C is the channel the consumer's writer pump drains.
func (c *Conn) C() <-chan []byte { return c.send }

// Closed is closed when the connection is released.
func (c *Conn) Closed() <-chan struct{} { return c.closed }

// Subscribe adds the connection to topic. Idempotent.
func (c *Conn) Subscribe(topic string) {
	h := c.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c]; !ok {
		return
	}
	set, ok := h.topics[topic]
	if !ok {
		set = make(map[*Conn]struct{})
		h.topics[topic] = set
	}
	set[c] = struct{}{}
	c.topics[topic] = struct{}{}
}

// Unsubscribe removes the connection from topic. Idempotent.
func (c *Conn) Unsubscribe(topic string) {
	h := c.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	c.dropTopicLocked(topic)
}

// IsSubscribed reports whether the connection is on topic.
func (c *Conn) IsSubscribed(topic string) bool {
	h := c.hub
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := c.topics[topic]
	return ok
}

// Send enqueues a payload directly to this connection (snapshots on
// subscribe). Returns false if the queue is full or the conn is closed.
func (c *Conn) Send(eventType, topic string, data interface{}) bool {
	payload, err := json.Marshal(Envelope{Type: eventType, Topic: topic, Data: data})
	if err != nil {
		return false
	}
	return c.enqueue(payload)
}

// Close releases all subscriptions and the queue. Idempotent.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		h := c.hub
		h.mu.Lock()
		for topic := range c.topics {
			c.dropTopicLocked(topic)
		}
		delete(h.conns, c)
		h.mu.Unlock()
		close(c.closed)
		h.log.Debugw("pubsub_conn_closed", "conn", c.id)
	})
}

func (c *Conn) dropTopicLocked(topic string) {
	if set, ok := c.hub.topics[topic]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(c.hub.topics, topic)
		}
	}
	delete(c.topics, topic)
}

func (c *Conn) enqueue(payload []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}
