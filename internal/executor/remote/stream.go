package remote

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/HyphaGroup/remora/internal/object"
	"github.com/HyphaGroup/remora/internal/stream"
)

// StreamEvent is one event received on a subscribed channel.
type StreamEvent struct {
	Data    any
	Packet  uint64
	Type    string
	Hash    string
	Channel string
}

// Stream delivers the events of one channel subscription.
type Stream interface {
	Next(ctx context.Context) (StreamEvent, error)
	Close() error
}

// PacketCheck enforces strict packet contiguity on a network stream.
type PacketCheck struct {
	last uint64
	seen bool
}

// Check accepts packet if it directly follows the previous one.
func (p *PacketCheck) Check(packet uint64) error {
	if p.seen && packet != p.last+1 {
		return fmt.Errorf("%w: %d -> %d", ErrPacketGap, p.last, packet)
	}
	p.last, p.seen = packet, true
	return nil
}

// PacketOf reads a packet number from a decoded message field.
func PacketOf(v any) (uint64, bool) {
	switch n := v.(type) {
	case int64:
		return uint64(n), n >= 0
	case uint64:
		return n, true
	case int:
		return uint64(n), n >= 0
	case float64:
		return uint64(n), n >= 0 && n == math.Trunc(n)
	}
	return 0, false
}

// HubStream adapts a hub subscription to Stream. In-process gaps are
// passed through unchecked.
type HubStream struct {
	sub *stream.Subscription
}

func NewHubStream(sub *stream.Subscription) *HubStream {
	return &HubStream{sub: sub}
}

func (s *HubStream) Next(ctx context.Context) (StreamEvent, error) {
	e, err := s.sub.Next(ctx)
	if err != nil {
		return StreamEvent{}, err
	}
	return StreamEvent{
		Data:    e.Payload.Data,
		Packet:  e.Packet,
		Type:    e.Payload.Type,
		Hash:    e.Payload.Hash,
		Channel: e.Payload.Channel,
	}, nil
}

func (s *HubStream) Close() error {
	s.sub.Close()
	return nil
}

// LogItem builds the payload of a data event.
func LogItem(obj object.Referenceable, items map[string]any, triggerName string, triggerValue any) map[string]any {
	return map[string]any{
		"logged_trigger_name":  triggerName,
		"logged_trigger_value": triggerValue,
		"logged_items":         orEmpty(items),
		"hash_val":             obj.HashVal(),
	}
}

type watch struct {
	name string
	id   uint64
}

// StreamLogger publishes a data event on the hub whenever a logged
// attribute of a watched object changes or a logged event fires.
type StreamLogger struct {
	hub *stream.Hub

	mu      sync.Mutex
	watches map[string][]watch
}

func NewStreamLogger(hub *stream.Hub) *StreamLogger {
	return &StreamLogger{hub: hub, watches: make(map[string][]watch)}
}

// Add starts watching obj's logged names. Adding an object twice is a
// no-op.
func (l *StreamLogger) Add(obj object.Referenceable) {
	hash := obj.HashVal()
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.watches[hash]; ok {
		return
	}
	var ws []watch
	for _, name := range obj.Class().AllLoggedNames() {
		id := obj.Subscribe(name, l.observe)
		ws = append(ws, watch{name: name, id: id})
	}
	l.watches[hash] = ws
}

// Remove stops watching obj.
func (l *StreamLogger) Remove(obj object.Referenceable) {
	hash := obj.HashVal()
	l.mu.Lock()
	ws := l.watches[hash]
	delete(l.watches, hash)
	l.mu.Unlock()

	for _, w := range ws {
		obj.Unsubscribe(w.name, w.id)
	}
}

func (l *StreamLogger) observe(obj object.Referenceable, name string, value any) {
	var data map[string]any
	if object.IsEvent(name) {
		data = LogItem(obj, nil, name, value)
	} else {
		data = LogItem(obj, map[string]any{name: value}, "", nil)
	}
	l.hub.Publish(data, stream.TypeData, obj.HashVal())
}
