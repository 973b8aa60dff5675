// Package status publishes scheduler state changes and worker events
// to external listeners. Delivery is best effort: slow listeners see
// the most recent state, not every intermediate one.
package status

import (
	"sync"

	"github.com/google/uuid"

	"github.com/saiigo/xhs-data-helper-sub000/internal/db"
	"github.com/saiigo/xhs-data-helper-sub000/internal/worker"
)

// Update is the state snapshot published after every state-changing
// operation
type Update struct {
	Status      string        `json:"status"`
	CurrentItem *db.QueueItem `json:"current_item,omitempty"`
	Stats       db.QueueStats `json:"stats"`
}

// Subscriber receives broker output on its channels until Unsubscribe
type Subscriber struct {
	ID      string
	Updates chan Update
	Events  chan worker.Event
	Done    chan struct{}
}

// Broker fans out updates and events to all subscribers
type Broker struct {
	mu     sync.RWMutex
	subs   map[string]*Subscriber
	latest *Update
}

// NewBroker creates an empty broker
func NewBroker() *Broker {
	return &Broker{
		subs: make(map[string]*Subscriber),
	}
}

// Subscribe registers a listener. The current state snapshot, if any,
// is delivered immediately.
func (b *Broker) Subscribe() *Subscriber {
	sub := &Subscriber{
		ID:      uuid.NewString(),
		Updates: make(chan Update, 1),
		Events:  make(chan worker.Event, 100),
		Done:    make(chan struct{}),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.latest != nil {
		sub.Updates <- *b.latest
	}
	b.subs[sub.ID] = sub
	return sub
}

// Unsubscribe removes a listener and closes its Done channel
func (b *Broker) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subs[id]; ok {
		close(sub.Done)
		delete(b.subs, id)
	}
}

// PublishUpdate delivers a state snapshot to every subscriber,
// replacing an undelivered older one
func (b *Broker) PublishUpdate(u Update) {
	b.mu.Lock()
	b.latest = &u
	subs := b.snapshot()
	b.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.Updates <- u:
		default:
			// Drop the stale snapshot, then retry once.
			select {
			case <-sub.Updates:
			default:
			}
			select {
			case sub.Updates <- u:
			default:
			}
		}
	}
}

// PublishEvent forwards one worker event to every subscriber
func (b *Broker) PublishEvent(ev worker.Event) {
	b.mu.RLock()
	subs := b.snapshot()
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.Events <- ev:
		default:
			// Subscriber is not keeping up, skip
		}
	}
}

// Latest returns the most recently published snapshot
func (b *Broker) Latest() *Update {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.latest
}

func (b *Broker) snapshot() []*Subscriber {
	subs := make([]*Subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	return subs
}
