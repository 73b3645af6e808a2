package eventbus

import (
	"testing"
	"time"
)

func TestBroadcast_DeliversToSubscriber(t *testing.T) {
	b := New()
	sub, unsubscribe := b.Subscribe()
	defer unsubscribe()

	evt, err := NewEvent(EventPipelineRunStatus, time.Unix(0, 0), map[string]string{"id": "run1"})
	if err != nil {
		t.Fatal(err)
	}
	b.Broadcast(evt)

	select {
	case got := <-sub.Events:
		if got.Type != EventPipelineRunStatus {
			t.Fatalf("unexpected event type %v", got.Type)
		}
	default:
		t.Fatal("expected event to be delivered")
	}
}

func TestBroadcast_DropsOldestWhenFull(t *testing.T) {
	b := New()
	sub, unsubscribe := b.Subscribe()
	defer unsubscribe()

	for i := 0; i < subscriberBuffer+10; i++ {
		evt, _ := NewEvent(EventStepRunStatus, time.Unix(0, 0), i)
		b.Broadcast(evt)
	}

	select {
	case <-sub.Lagged():
	default:
		t.Fatal("expected subscriber to be marked lagged after overflow")
	}

	if len(sub.Events) != subscriberBuffer {
		t.Fatalf("expected buffer to remain at capacity %d, got %d", subscriberBuffer, len(sub.Events))
	}
}

func TestUnsubscribe_StopsDelivery(t *testing.T) {
	b := New()
	sub, unsubscribe := b.Subscribe()
	unsubscribe()

	evt, _ := NewEvent(EventRunnerStatus, time.Unix(0, 0), nil)
	b.Broadcast(evt)

	if _, ok := <-sub.Events; ok {
		t.Fatal("expected channel to be closed after unsubscribe")
	}
}
