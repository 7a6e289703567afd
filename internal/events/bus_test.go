package events

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := NewBus()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	b.Publish("m1", KindStatusChanged, map[string]any{"from": "pending", "to": "running"})

	select {
	case n := <-ch:
		if n.MissionID != "m1" || n.Kind != KindStatusChanged {
			t.Fatalf("notification = %+v", n)
		}
		if n.Payload["to"] != "running" {
			t.Fatalf("payload = %v", n.Payload)
		}
		if n.TS.IsZero() {
			t.Fatal("zero timestamp")
		}
	case <-time.After(time.Second):
		t.Fatal("no notification")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBus()
	ch := b.Subscribe()
	b.Unsubscribe(ch)

	b.Publish("m1", KindMissionSubmitted, nil)
	select {
	case n := <-ch:
		t.Fatalf("unexpected notification %+v", n)
	default:
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	b := NewBus()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer+10; i++ {
			b.Publish("m1", KindStepAppended, nil)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on full subscriber")
	}
	if len(ch) != subscriberBuffer {
		t.Fatalf("buffered = %d, want %d", len(ch), subscriberBuffer)
	}
}

func TestOnMissionEvent(t *testing.T) {
	b := NewBus()
	var calls int64
	got := make(chan string, 1)
	stop := b.OnMissionEvent(func(missionID, kind string, payload map[string]any) {
		atomic.AddInt64(&calls, 1)
		select {
		case got <- kind:
		default:
		}
	})

	b.Publish("m1", KindJobSettled, nil)
	select {
	case k := <-got:
		if k != KindJobSettled {
			t.Fatalf("kind = %s", k)
		}
	case <-time.After(time.Second):
		t.Fatal("callback not invoked")
	}

	stop()
	before := atomic.LoadInt64(&calls)
	b.Publish("m1", KindJobSettled, nil)
	time.Sleep(20 * time.Millisecond)
	if after := atomic.LoadInt64(&calls); after != before {
		t.Fatalf("callback invoked after stop: %d -> %d", before, after)
	}
}
