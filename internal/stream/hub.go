// Package stream fans out object events to channel subscribers through
// bounded, drop-new queues.
package stream

import (
	"fmt"
	"sync"

	"github.com/HyphaGroup/remora/internal/metrics"
)

// Event types published by the remote executor server.
const (
	TypeEnsure  = "ensure"
	TypeDelete  = "delete"
	TypeExecute = "execute"
	TypeData    = "data"
)

// Event is one published update.
type Event struct {
	Data    any
	Type    string
	Hash    string
	Channel string
}

// ChannelKey returns the dotted channel naming exactly one object and
// event type.
func ChannelKey(hash, typ string) string {
	return fmt.Sprintf("%s.%s", hash, typ)
}

// Keys returns the subscription keys an event of typ for hash is
// delivered to: "hash.type", "type", "hash" and "" (everything).
func Keys(hash, typ string) []string {
	return []string{ChannelKey(hash, typ), typ, hash, ""}
}

// Hub routes published events to subscriber queues.
type Hub struct {
	maxSize int

	mu     sync.RWMutex
	subs   map[string]map[uint64]*Queue[Event]
	nextID uint64
}

// NewHub creates a hub whose subscriber queues hold maxSize weight.
func NewHub(maxSize int) *Hub {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Hub{
		maxSize: maxSize,
		subs:    make(map[string]map[uint64]*Queue[Event]),
	}
}

// Subscription is one consumer's view of a channel.
type Subscription struct {
	*Queue[Event]
	hub     *Hub
	channel string
	id      uint64
	once    sync.Once
}

// Channel returns the subscription key.
func (s *Subscription) Channel() string {
	return s.channel
}

// Close unregisters the subscription and closes its queue.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.unsubscribe(s.channel, s.id)
		s.Queue.Close()
	})
}

// Subscribe registers a new queue on channel. channel follows the grammar
// "" | hash | type | "hash.type".
func (h *Hub) Subscribe(channel string) *Subscription {
	q := NewQueue[Event](h.maxSize)
	q.OnDrop = func() { metrics.RecordStreamDrop(channel) }

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	set := h.subs[channel]
	if set == nil {
		set = make(map[uint64]*Queue[Event])
		h.subs[channel] = set
	}
	set[id] = q
	h.mu.Unlock()

	metrics.RecordSubscribe(channel, 1)
	return &Subscription{Queue: q, hub: h, channel: channel, id: id}
}

func (h *Hub) unsubscribe(channel string, id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subs[channel]
	if _, ok := set[id]; !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(h.subs, channel)
	}
	metrics.RecordSubscribe(channel, -1)
}

// Publish delivers data to every queue subscribed under one of the event's
// keys. Each queue receives the event with weight 1; full queues drop it.
// It returns how many queues accepted the event.
func (h *Hub) Publish(data any, typ, hash string) int {
	ev := Event{Data: data, Type: typ, Hash: hash, Channel: ChannelKey(hash, typ)}

	h.mu.RLock()
	var targets []*Queue[Event]
	for _, key := range Keys(hash, typ) {
		for _, q := range h.subs[key] {
			targets = append(targets, q)
		}
	}
	h.mu.RUnlock()

	accepted := 0
	for _, q := range targets {
		if q.Add(ev, 1, false) {
			accepted++
		}
	}
	return accepted
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.subs {
		n += len(set)
	}
	return n
}

// Close closes every subscriber queue, releasing their consumers.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[string]map[uint64]*Queue[Event])
	h.mu.Unlock()

	for channel, set := range subs {
		for _, q := range set {
			q.Close()
		}
		metrics.RecordSubscribe(channel, -float64(len(set)))
	}
}
