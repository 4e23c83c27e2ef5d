// Package notify fans out ticket, message and contact mutations to
// tenant-scoped real-time subscribers.
package notify

import (
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/h1v3-io/inbox/pkg/protocol"
)

// Notifier is the contract every engine component publishes through.
type Notifier interface {
	Notify(tenantID string, kind protocol.NotificationKind, n protocol.Notification)
}

// Nop discards notifications.
type Nop struct{}

func (Nop) Notify(string, protocol.NotificationKind, protocol.Notification) {}

// Event is one delivered notification.
type Event struct {
	Topic   string                    `json:"topic"`
	Kind    protocol.NotificationKind `json:"kind"`
	Payload protocol.Notification     `json:"payload"`
}

// Hub is an in-memory publish/subscribe broker. Delivery is at-most-once:
// a subscriber whose buffer is full misses the event.
type Hub struct {
	logger *slog.Logger
	buffer int

	mu   sync.RWMutex
	subs map[string]map[*Subscriber]struct{} // full topic -> subscribers

	dropped atomic.Int64
}

var _ Notifier = (*Hub)(nil)

// NewHub creates a hub whose subscribers buffer up to buffer events.
func NewHub(buffer int, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{
		logger: logger.With("component", "notify"),
		buffer: buffer,
		subs:   make(map[string]map[*Subscriber]struct{}),
	}
}

// Topic returns the tenant-scoped name of a topic.
func Topic(tenantID, name string) string {
	return tenantID + ":" + name
}

// TicketTopic is the per-ticket room that receives the ticket's message events.
func TicketTopic(ticketID string) string {
	return "ticket:" + ticketID
}

// Notify publishes n to the tenant topic for kind. Message events are also
// published to the ticket's own room.
func (h *Hub) Notify(tenantID string, kind protocol.NotificationKind, n protocol.Notification) {
	h.publish(Topic(tenantID, string(kind)), kind, n)
	if kind == protocol.NotifyMessage && n.Message != nil {
		h.publish(Topic(tenantID, TicketTopic(n.Message.TicketID)), kind, n)
	}
}

func (h *Hub) publish(topic string, kind protocol.NotificationKind, n protocol.Notification) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ev := Event{Topic: topic, Kind: kind, Payload: n}
	for s := range h.subs[topic] {
		select {
		case s.ch <- ev:
		default:
			h.dropped.Add(1)
			h.logger.Debug("subscriber slow, event dropped", "topic", topic)
		}
	}
}

// Dropped returns the number of events lost to slow subscribers.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Subscribers returns the number of subscriptions on a full topic name.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[topic])
}

// Subscribe registers for the named topics of one tenant. Names are
// "ticket", "appMessage", "contact" or a TicketTopic.
func (h *Hub) Subscribe(tenantID string, names ...string) *Subscriber {
	s := &Subscriber{hub: h, ch: make(chan Event, h.buffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		topic := Topic(tenantID, name)
		if h.subs[topic] == nil {
			h.subs[topic] = make(map[*Subscriber]struct{})
		}
		h.subs[topic][s] = struct{}{}
		s.topics = append(s.topics, topic)
	}
	return s
}

// Subscriber receives events for its topics until closed.
type Subscriber struct {
	hub    *Hub
	ch     chan Event
	topics []string
	once   sync.Once
}

// C returns the event channel. It is closed by Close.
func (s *Subscriber) C() <-chan Event {
	return s.ch
}

// Close unregisters the subscriber.
func (s *Subscriber) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		for _, topic := range s.topics {
			delete(s.hub.subs[topic], s)
			if len(s.hub.subs[topic]) == 0 {
				delete(s.hub.subs, topic)
			}
		}
		s.hub.mu.Unlock()
		close(s.ch)
	})
}
