package broadcast

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultBufferSize = 32

// Event types carried on the wire.
const (
	EventRoomState        = "room_state"
	EventCodeUpdate       = "code_update"
	EventPermissionChange = "permission_change"
	EventRoomClosed       = "room_closed"
)

// Event is one message fanned out to the subscribers of a topic.
type Event struct {
	Topic     string
	Type      string
	Payload   any
	Timestamp time.Time
}

// RoomSystemTopic carries room-state snapshots and room lifecycle events.
func RoomSystemTopic(roomID string) string {
	return fmt.Sprintf("room/%s/system", roomID)
}

// RoomPermissionTopic carries permission-change events of every session in a room.
func RoomPermissionTopic(roomID string) string {
	return fmt.Sprintf("room/%s/permission", roomID)
}

// SessionCodeTopic carries code updates of one session.
func SessionCodeTopic(roomID, sessionID string) string {
	return fmt.Sprintf("room/%s/session/%s/code", roomID, sessionID)
}

// HubConfig configures a Hub.
type HubConfig struct {
	BufferSize int
	Logger     *zap.Logger
}

// Hub is an in-process topic fan-out. Each subscriber owns a buffered channel;
// publishing never blocks and evicts the oldest buffered event of a full
// subscriber.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int
	logger      *zap.Logger
}

type subscriber struct {
	id     int64
	stream chan Event
}

// NewHub constructs an empty Hub.
func NewHub(cfg HubConfig) *Hub {
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  bufferSize,
		logger:      logger,
	}
}

// Subscribe registers one stream for all given topics. The subscription ends
// when ctx is cancelled or the returned cleanup is called; cleanup is safe to
// call more than once.
func (h *Hub) Subscribe(ctx context.Context, topics ...string) (<-chan Event, func()) {
	if len(topics) == 0 {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	sub := &subscriber{
		id:     h.nextSequence(),
		stream: make(chan Event, h.bufferSize),
	}
	h.register(topics, sub)

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			h.unregister(topics, sub.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// Publish delivers event to every current subscriber of event.Topic.
func (h *Hub) Publish(event Event) {
	if event.Topic == "" || event.Type == "" {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	h.mu.RLock()
	targets := h.subscribers[event.Topic]
	if len(targets) == 0 {
		h.mu.RUnlock()
		return
	}
	copies := make([]*subscriber, 0, len(targets))
	for _, sub := range targets {
		copies = append(copies, sub)
	}
	h.mu.RUnlock()
	for _, sub := range copies {
		h.deliver(sub, event)
	}
}

// deliver never blocks. A full buffer gives up its oldest event so the newest
// state always reaches slow subscribers.
func (h *Hub) deliver(sub *subscriber, event Event) {
	select {
	case sub.stream <- event:
		return
	default:
	}
	select {
	case evicted := <-sub.stream:
		h.logger.Debug("evicted event for slow subscriber",
			zap.String("topic", evicted.Topic),
			zap.String("event_type", evicted.Type),
			zap.Int64("subscriber_id", sub.id))
	default:
	}
	select {
	case sub.stream <- event:
	default:
		h.logger.Debug("dropped event for slow subscriber",
			zap.String("topic", event.Topic),
			zap.String("event_type", event.Type),
			zap.Int64("subscriber_id", sub.id))
	}
}

// SubscriberCount reports how many streams listen on topic.
func (h *Hub) SubscriberCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[topic])
}

func (h *Hub) nextSequence() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	return h.nextID
}

func (h *Hub) register(topics []string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, topic := range topics {
		if _, ok := h.subscribers[topic]; !ok {
			h.subscribers[topic] = make(map[int64]*subscriber)
		}
		h.subscribers[topic][sub.id] = sub
	}
}

func (h *Hub) unregister(topics []string, subscriberID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, topic := range topics {
		targets := h.subscribers[topic]
		if targets == nil {
			continue
		}
		delete(targets, subscriberID)
		if len(targets) == 0 {
			delete(h.subscribers, topic)
		}
	}
}
