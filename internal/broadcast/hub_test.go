package broadcast

import (
	"context"
	"testing"
	"time"
)

func TestHubPublishesToSubscriber(t *testing.T) {
	hub := NewHub(HubConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := hub.Subscribe(ctx, RoomSystemTopic("room-1"))
	defer cleanup()

	hub.Publish(Event{
		Topic:   RoomSystemTopic("room-1"),
		Type:    EventRoomClosed,
		Payload: RoomClosed{RoomID: "room-1"},
	})

	select {
	case received := <-stream:
		if received.Type != EventRoomClosed {
			t.Fatalf("expected event type %s, got %s", EventRoomClosed, received.Type)
		}
		if received.Timestamp.IsZero() {
			t.Fatalf("expected publish to stamp the event")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected event within deadline")
	}
}

func TestHubIsolatesTopics(t *testing.T) {
	hub := NewHub(HubConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sessionStream, cleanup := hub.Subscribe(ctx, SessionCodeTopic("room-1", "session-a"))
	defer cleanup()
	otherStream, otherCleanup := hub.Subscribe(ctx, SessionCodeTopic("room-1", "session-b"))
	defer otherCleanup()

	hub.Publish(Event{Topic: SessionCodeTopic("room-1", "session-b"), Type: EventCodeUpdate})

	select {
	case <-sessionStream:
		t.Fatal("did not expect an event for an unrelated session")
	case <-time.After(200 * time.Millisecond):
	}

	select {
	case event := <-otherStream:
		if event.Topic != SessionCodeTopic("room-1", "session-b") {
			t.Fatalf("unexpected topic %s", event.Topic)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected event for subscribed session")
	}
}

func TestHubMultiTopicSubscription(t *testing.T) {
	hub := NewHub(HubConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := hub.Subscribe(ctx, RoomSystemTopic("room-1"), RoomPermissionTopic("room-1"))
	defer cleanup()

	hub.Publish(Event{Topic: RoomSystemTopic("room-1"), Type: EventRoomState})
	hub.Publish(Event{Topic: RoomPermissionTopic("room-1"), Type: EventPermissionChange})

	received := map[string]bool{}
	for len(received) < 2 {
		select {
		case event := <-stream:
			received[event.Type] = true
		case <-time.After(500 * time.Millisecond):
			t.Fatalf("expected both events, received %v", received)
		}
	}
}

func TestHubKeepsNewestEventWhenBufferFull(t *testing.T) {
	hub := NewHub(HubConfig{BufferSize: 2})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := hub.Subscribe(ctx, RoomSystemTopic("room-1"))
	defer cleanup()

	for version := 1; version <= 5; version++ {
		hub.Publish(Event{Topic: RoomSystemTopic("room-1"), Type: EventRoomState, Payload: version})
	}

	first := <-stream
	second := <-stream
	if first.Payload != 4 || second.Payload != 5 {
		t.Fatalf("expected the two newest events, got %v and %v", first.Payload, second.Payload)
	}
	select {
	case extra := <-stream:
		t.Fatalf("expected evicted events to be gone, got %v", extra.Payload)
	default:
	}
}

func TestHubUnsubscribesOnContextCancel(t *testing.T) {
	hub := NewHub(HubConfig{})
	ctx, cancel := context.WithCancel(context.Background())

	topic := RoomSystemTopic("room-1")
	_, cleanup := hub.Subscribe(ctx, topic)
	defer cleanup()
	if hub.SubscriberCount(topic) != 1 {
		t.Fatalf("expected one subscriber")
	}

	cancel()
	deadline := time.Now().Add(time.Second)
	for hub.SubscriberCount(topic) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected subscriber to be removed after cancel")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cleanup()
}

func TestHubSubscribeWithoutTopicsReturnsClosedStream(t *testing.T) {
	hub := NewHub(HubConfig{})
	stream, cleanup := hub.Subscribe(context.Background())
	defer cleanup()
	if _, open := <-stream; open {
		t.Fatalf("expected closed stream")
	}
}
