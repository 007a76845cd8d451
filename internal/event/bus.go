package event

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Wildcard subscribes to every key within a family.
const Wildcard = "*"

// DefaultBufferSize is the per-subscriber channel capacity.
const DefaultBufferSize = 64

// Bus is an in-process publish/subscribe fan-out. Each family is deliverable
// both on a per-key channel and on a wildcard channel; a per-key subscriber
// receives strictly a subset, in the same relative order, of what a wildcard
// subscriber receives.
//
// Delivery is synchronous into bounded per-subscriber buffers. A slow
// subscriber never stalls the producer: when its buffer is full the event is
// dropped for that subscriber only and its drop counter is incremented.
type Bus struct {
	mu      sync.RWMutex
	subs    map[Family]map[string][]*Subscription
	bufSize int
	closed  bool
}

// NewBus creates a bus with the given per-subscriber buffer size.
// Sizes <= 0 fall back to DefaultBufferSize.
func NewBus(bufSize int) *Bus {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	return &Bus{
		subs:    make(map[Family]map[string][]*Subscription),
		bufSize: bufSize,
	}
}

// Subscription is one subscriber's bounded view of a bus channel.
type Subscription struct {
	C chan Event

	bus     *Bus
	family  Family
	key     string
	once    sync.Once
	dropped atomic.Uint64
}

// Dropped returns how many events were discarded because this subscriber's
// buffer was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Cancel removes the subscription and closes its channel. Safe to call more
// than once.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.bus.remove(s)
		close(s.C)
	})
}

// Subscribe registers a subscriber for one family and key. Use Wildcard as
// the key to receive every event of the family.
func (b *Bus) Subscribe(family Family, key string) *Subscription {
	sub := &Subscription{
		C:      make(chan Event, b.bufSize),
		bus:    b,
		family: family,
		key:    key,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.C)
		return sub
	}
	byKey, ok := b.subs[family]
	if !ok {
		byKey = make(map[string][]*Subscription)
		b.subs[family] = byKey
	}
	byKey[key] = append(byKey[key], sub)
	return sub
}

// Publish fans an event out to the matching per-key subscribers and to the
// family's wildcard subscribers. Never blocks.
func (b *Bus) Publish(ev Event) {
	family := ev.GetType().Family()

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	byKey, ok := b.subs[family]
	if !ok {
		return
	}
	for _, sub := range byKey[ev.Key()] {
		sub.deliver(ev)
	}
	for _, sub := range byKey[Wildcard] {
		sub.deliver(ev)
	}
}

// Close cancels every subscription and rejects further publishes.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var all []*Subscription
	for _, byKey := range b.subs {
		for _, list := range byKey {
			all = append(all, list...)
		}
	}
	b.subs = make(map[Family]map[string][]*Subscription)
	b.mu.Unlock()

	for _, sub := range all {
		sub.once.Do(func() { close(sub.C) })
	}
}

func (s *Subscription) deliver(ev Event) {
	select {
	case s.C <- ev:
	default:
		n := s.dropped.Add(1)
		if n == 1 || n%100 == 0 {
			slog.Warn("event bus: slow subscriber, dropping",
				slog.Int("family", int(s.family)),
				slog.String("key", s.key),
				slog.Uint64("dropped", n))
		}
	}
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	byKey, ok := b.subs[s.family]
	if !ok {
		return
	}
	list := byKey[s.key]
	for i, cur := range list {
		if cur == s {
			byKey[s.key] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(byKey[s.key]) == 0 {
		delete(byKey, s.key)
	}
}
