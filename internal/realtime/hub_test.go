package realtime

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/appforge-backend/internal/platform/logger"
)

func recvMessage(t *testing.T, ch <-chan Message, timeout time.Duration) Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for push message")
	}
	return Message{}
}

func TestHubOrderingAndReconnect(t *testing.T) {
	hub := NewHub(logger.Nop(), 8)
	channel := uuid.New().String()

	a := hub.NewClient(uuid.New())
	hub.Subscribe(a, channel)
	hub.Broadcast(Message{Channel: channel, Event: EventSessionEvent, Seq: 1})
	hub.Broadcast(Message{Channel: channel, Event: EventSessionEvent, Seq: 2})

	if got := recvMessage(t, a.Outbound, time.Second); got.Seq != 1 {
		t.Fatalf("first: want=1 got=%d", got.Seq)
	}
	if got := recvMessage(t, a.Outbound, time.Second); got.Seq != 2 {
		t.Fatalf("second: want=2 got=%d", got.Seq)
	}

	hub.Close(a)
	hub.Close(a)
	if _, ok := <-a.Outbound; ok {
		t.Fatalf("outbound should be closed after Close")
	}
	if n := hub.Subscribers(channel); n != 0 {
		t.Fatalf("subscribers after close: want=0 got=%d", n)
	}

	b := hub.NewClient(uuid.New())
	hub.Subscribe(b, channel)
	hub.Broadcast(Message{Channel: channel, Event: EventSessionEvent, Seq: 3})
	if got := recvMessage(t, b.Outbound, time.Second); got.Seq != 3 {
		t.Fatalf("reconnect: want=3 got=%d", got.Seq)
	}
}

func TestHubDropsWhenBufferFull(t *testing.T) {
	hub := NewHub(logger.Nop(), 1)
	channel := "s"
	c := hub.NewClient(uuid.New())
	hub.Subscribe(c, channel)
	hub.Broadcast(Message{Channel: channel, Seq: 1})
	hub.Broadcast(Message{Channel: channel, Seq: 2})
	if got := recvMessage(t, c.Outbound, time.Second); got.Seq != 1 {
		t.Fatalf("want=1 got=%d", got.Seq)
	}
	select {
	case m := <-c.Outbound:
		t.Fatalf("expected drop, got seq=%d", m.Seq)
	default:
	}
}

func TestHubIgnoresOtherChannels(t *testing.T) {
	hub := NewHub(logger.Nop(), 4)
	c := hub.NewClient(uuid.New())
	hub.Subscribe(c, "a")
	hub.Broadcast(Message{Channel: "b", Seq: 1})
	select {
	case m := <-c.Outbound:
		t.Fatalf("unexpected message on foreign channel: %+v", m)
	case <-time.After(20 * time.Millisecond):
	}
}
