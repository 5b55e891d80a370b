package events

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	bus := NewBus(4)
	ch := bus.Subscribe("test")
	defer bus.Unsubscribe("test")

	bus.Publish(Event{Type: AuditSinkFailure, Target: "192.168.1.1", Summary: "sqlite busy"})

	select {
	case evt := <-ch:
		if evt.Type != AuditSinkFailure {
			t.Errorf("expected audit.sink_failure, got %s", evt.Type)
		}
		if evt.Timestamp.IsZero() {
			t.Error("timestamp should be stamped on publish")
		}
	case <-time.After(time.Second):
		t.Fatal("event never delivered")
	}
}

func TestSlowSubscriberDropsNotBlocks(t *testing.T) {
	bus := NewBus(1)
	bus.Subscribe("slow")
	defer bus.Unsubscribe("slow")

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(Event{Type: CommandCompleted, Summary: "x"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(1)
	ch := bus.Subscribe("a")
	bus.Unsubscribe("a")
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after unsubscribe")
	}
	if bus.SubscriberCount() != 0 {
		t.Errorf("expected 0 subscribers, got %d", bus.SubscriberCount())
	}
}
