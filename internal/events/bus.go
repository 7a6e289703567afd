package events

import (
	"sync"
	"time"
)

// Event kinds published on the in-process bus.
const (
	KindMissionSubmitted = "mission.submitted"
	KindStepAppended     = "mission.step.appended"
	KindStatusChanged    = "mission.status.changed"
	KindJobSettled       = "mission.job.settled"
)

// Notification is one mission event as seen by in-process subscribers.
type Notification struct {
	MissionID string         `json:"mission_id"`
	Kind      string         `json:"kind"`
	Payload   map[string]any `json:"payload,omitempty"`
	TS        time.Time      `json:"ts"`
}

// subscriberBuffer is the channel buffer per subscriber; a slow consumer
// drops notifications rather than stalling the publisher.
const subscriberBuffer = 100

// Bus fans mission events out to in-process subscribers. Transports
// (websocket, polling bridges) subscribe here; the core publishes and has
// no knowledge of how notifications reach clients.
type Bus struct {
	mu          sync.Mutex
	subscribers []chan Notification
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe returns a buffered channel of notifications. Callers must
// Unsubscribe when done; the bus never closes the channel.
func (b *Bus) Subscribe() chan Notification {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Notification, subscriberBuffer)
	b.subscribers = append(b.subscribers, ch)
	return ch
}

func (b *Bus) Unsubscribe(ch chan Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subscribers {
		if sub == ch {
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			return
		}
	}
}

// Publish delivers a notification to every subscriber without blocking.
// Full subscriber buffers are skipped.
func (b *Bus) Publish(missionID, kind string, payload map[string]any) {
	n := Notification{
		MissionID: missionID,
		Kind:      kind,
		Payload:   payload,
		TS:        time.Now().UTC(),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- n:
		default:
		}
	}
}

// OnMissionEvent registers a callback invoked for every published event.
// The returned stop function cancels the subscription.
func (b *Bus) OnMissionEvent(fn func(missionID, kind string, payload map[string]any)) (stop func()) {
	ch := b.Subscribe()
	done := make(chan struct{})
	go func() {
		for {
			select {
			case n := <-ch:
				fn(n.MissionID, n.Kind, n.Payload)
			case <-done:
				return
			}
		}
	}()
	return func() {
		close(done)
		b.Unsubscribe(ch)
	}
}
