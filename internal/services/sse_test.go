package services

import (
	"testing"
	"time"
)

func TestSSEHub_SubscribeUnsubscribe(t *testing.T) {
	hub := NewSSEHub()
	if hub.ClientCount() != 0 {
		t.Errorf("new hub should have 0 clients, got %d", hub.ClientCount())
	}

	hub.Subscribe("dashboard-1")
	hub.Subscribe("dashboard-2")
	if hub.ClientCount() != 2 {
		t.Errorf("expected 2 clients, got %d", hub.ClientCount())
	}

	hub.Unsubscribe("dashboard-1")
	hub.Unsubscribe("nonexistent")
	if hub.ClientCount() != 1 {
		t.Errorf("expected 1 client after unsubscribe, got %d", hub.ClientCount())
	}
}

func TestSSEHub_PublishMultipleClients(t *testing.T) {
	hub := NewSSEHub()

	ch1 := hub.Subscribe("client1")
	ch2 := hub.Subscribe("client2")

	hub.Publish(QCEvent{Type: EventRemainderDecided, BatchID: 3, Decision: "auto_approve"})

	for i, ch := range []<-chan QCEvent{ch1, ch2} {
		select {
		case received := <-ch:
			if received.BatchID != 3 {
				t.Errorf("client%d: BatchID = %d, expected 3", i+1, received.BatchID)
			}
			if received.Decision != "auto_approve" {
				t.Errorf("client%d: Decision = %q, expected auto_approve", i+1, received.Decision)
			}
		case <-time.After(100 * time.Millisecond):
			t.Errorf("client%d: timed out waiting for event", i+1)
		}
	}
}

func TestSSEHub_NonBlockingPublish(t *testing.T) {
	hub := NewSSEHub()
	hub.Subscribe("slow_client")

	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			hub.Publish(QCEvent{Type: EventResponseVerified, ResponseID: uint(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full client buffer")
	}
}

func TestPublishQCEvent_StampsTime(t *testing.T) {
	hub := GetSSEHub()
	ch := hub.Subscribe("stamp-test")
	defer hub.Unsubscribe("stamp-test")

	PublishQCEvent(QCEvent{Type: EventBatchClosed, BatchID: 9})

	select {
	case ev := <-ch:
		if ev.At.IsZero() {
			t.Error("event time should be stamped")
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("timed out waiting for event")
	}
}
