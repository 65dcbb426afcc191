// Package bus fans runtime lifecycle notifications out to observers such as
// the dashboard feed. Publishing never blocks the publisher.
package bus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// SubscriberBuffer is the per-subscriber queue depth. Events beyond it are
// dropped for that subscriber and counted.
const SubscriberBuffer = 64

// Event is one published notification. At is stamped by Publish.
type Event struct {
	Topic   string
	Payload any
	At      time.Time
}

// Subscription receives events whose topic starts with one of its prefixes.
type Subscription struct {
	id       uint64
	prefixes []string
	ch       chan Event
	dropped  atomic.Uint64
}

func (s *Subscription) Ch() <-chan Event { return s.ch }

// Dropped reports how many events were discarded because the buffer was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

func (s *Subscription) matches(topic string) bool {
	if len(s.prefixes) == 0 {
		return true
	}
	for _, p := range s.prefixes {
		if p == "" || strings.HasPrefix(topic, p) {
			return true
		}
	}
	return false
}

type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	now    func() time.Time
}

func New() *Bus {
	return &Bus{subs: make(map[uint64]*Subscription), now: time.Now}
}

// Subscribe registers for the given topic prefixes. No prefix, or an empty
// one, matches every topic.
func (b *Bus) Subscribe(prefixes ...string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{
		id:       b.nextID,
		prefixes: append([]string(nil), prefixes...),
		ch:       make(chan Event, SubscriberBuffer),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe detaches sub and closes its channel. Repeated calls are no-ops.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if b == nil || sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; !ok {
		return
	}
	delete(b.subs, sub.id)
	close(sub.ch)
}

// Publish delivers payload to every matching subscriber. A nil bus discards
// it, so optional wiring needs no guards at call sites.
func (b *Bus) Publish(topic string, payload any) {
	if b == nil {
		return
	}
	ev := Event{Topic: topic, Payload: payload, At: b.now().UTC()}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.matches(topic) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
		}
	}
}

func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
