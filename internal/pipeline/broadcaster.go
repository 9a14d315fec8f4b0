// Package pipeline runs the per-channel counting loop: frames in from a
// capture source, detections through the tracker and counter, results out
// to the event sink, the live state the API serves, and any tail
// subscribers. One worker owns one channel; the broadcaster and state are
// the only pieces shared across channels.
package pipeline

import (
	crand "crypto/rand"
	"encoding/hex"
	"sync"

	"github.com/banshee-data/footfall.report/internal/zone"
)

// subscriberBuffer absorbs event bursts per subscriber. A subscriber that
// stays this far behind starts losing events rather than stalling workers.
const subscriberBuffer = 64

// Broadcaster fans counted events out to subscribers. Sends never block:
// a full subscriber channel drops the event for that subscriber only.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[string]chan zone.Event
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[string]chan zone.Event)}
}

func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe registers a new subscriber and returns its id and channel.
// The caller must Unsubscribe when done.
func (b *Broadcaster) Subscribe() (string, chan zone.Event) {
	id := randomID()
	ch := make(chan zone.Event, subscriberBuffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		close(ch)
		delete(b.subs, id)
	}
}

// Publish delivers events to every subscriber that has room for them.
func (b *Broadcaster) Publish(events ...zone.Event) {
	if len(events) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ev := range events {
		for _, ch := range b.subs {
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

// Subscribers returns the current subscriber count.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
