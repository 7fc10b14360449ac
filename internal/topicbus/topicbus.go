// Package topicbus provides named-topic pub/sub for the realtime delivery
// fabric: subscribe/unsubscribe/publish/send_to, with per-subscriber
// bounded buffers and drop-oldest-non-critical overflow (spec.md §4.1).
//
// Architecture:
//   - Bus: owns the topic → subscriber-set index and fans out publishes.
//   - Subscriber: a per-connection bounded event queue with a wake
//     channel; a caller-owned pump goroutine drains it onto the wire.
//   - Relay: optional cross-node fan-out so a publish on one API replica
//     reaches subscribers connected to another (see relay.go).
//
// Concurrency: Bus.mu guards the topic index; each Subscriber has its own
// mutex guarding its queue, so publishing to N subscribers never
// contends on a single lock beyond the topic index lookup.
package topicbus

import (
	"sync"

	"github.com/umbra-msg/umbra-core/internal/logger"
)

// DefaultBufferCapacity is the per-subscriber bounded buffer size
// (spec.md §4.1: "≥1000 events").
const DefaultBufferCapacity = 1000

// Event is a single topic message. Critical events are never dropped by
// the overflow policy; everything else may be.
type Event struct {
	Topic    string
	Type     string
	Payload  []byte
	Critical bool
}

// Subscriber is a bounded, FIFO, single-consumer event queue bound to one
// connection. Events() signals when new events are available; Drain()
// returns them in publisher order.
type Subscriber struct {
	ID string

	mu       sync.Mutex
	buf      []Event
	capacity int
	notify   chan struct{}
	dropped  uint64
}

// NewSubscriber creates a subscriber with the default buffer capacity.
func NewSubscriber(id string) *Subscriber {
	return &Subscriber{
		ID:       id,
		capacity: DefaultBufferCapacity,
		notify:   make(chan struct{}, 1),
	}
}

// Events returns the wake channel: a pump goroutine should select on it
// and call Drain whenever it fires.
func (s *Subscriber) Events() <-chan struct{} {
	return s.notify
}

// Drain returns and clears all buffered events, oldest first.
func (s *Subscriber) Drain() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.buf
	s.buf = nil
	return out
}

// DroppedCount reports how many events this subscriber has lost to
// overflow, for metrics.
func (s *Subscriber) DroppedCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// push enqueues an event, evicting the oldest non-critical event if the
// buffer is full. If the buffer is full of critical events, the new
// event is itself dropped (even if critical) rather than growing
// unbounded (spec.md §4.1 overflow policy).
func (s *Subscriber) push(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.buf) >= s.capacity {
		evicted := false
		for i, existing := range s.buf {
			if !existing.Critical {
				s.buf = append(s.buf[:i], s.buf[i+1:]...)
				evicted = true
				break
			}
		}
		if !evicted {
			s.dropped++
			return
		}
		s.dropped++
	}

	s.buf = append(s.buf, e)
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Bus is the in-process topic index. One Bus per API node; Relay extends
// publish to other nodes (spec.md §4.1 cross-node delivery).
type Bus struct {
	mu     sync.RWMutex
	topics map[string]map[*Subscriber]struct{}
	relay  Relay
}

// Relay forwards a locally-published event to other nodes and delivers
// remotely-published events back into this node's local fan-out. A nil
// Relay (the zero value returned by NewBus with no relay configured)
// makes the Bus single-node only.
type Relay interface {
	Forward(e Event) error
}

// NewBus creates an empty topic bus. Pass a non-nil Relay to enable
// cross-node delivery.
func NewBus(relay Relay) *Bus {
	return &Bus{
		topics: make(map[string]map[*Subscriber]struct{}),
		relay:  relay,
	}
}

// SetRelay attaches a Relay after construction, for the case where the
// Relay implementation itself needs a live *Bus to deliver into before it
// can be built (NewNATSRelay takes the Bus it forwards remote events to).
func (b *Bus) SetRelay(relay Relay) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.relay = relay
}

// Subscribe adds sub to topic. Idempotent (spec.md §4.1).
func (b *Bus) Subscribe(topic string, sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.topics[topic]
	if !ok {
		set = make(map[*Subscriber]struct{})
		b.topics[topic] = set
	}
	set[sub] = struct{}{}
}

// Unsubscribe removes sub from topic.
func (b *Bus) Unsubscribe(topic string, sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.topics[topic]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.topics, topic)
		}
	}
}

// UnsubscribeAll removes sub from every topic it belongs to, used on
// disconnect (spec.md §4.2).
func (b *Bus) UnsubscribeAll(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for topic, set := range b.topics {
		if _, ok := set[sub]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(b.topics, topic)
			}
		}
	}
}

// Publish fans an event out to every live local subscriber of topic, then
// forwards it to the relay for cross-node delivery. Best-effort: a full
// subscriber buffer drops per the overflow policy but never blocks the
// publisher (spec.md §4.1).
func (b *Bus) Publish(e Event) {
	b.publishLocal(e)
	if b.relay != nil {
		if err := b.relay.Forward(e); err != nil {
			logger.Topic().Error().Err(err).Str("topic", e.Topic).Msg("relay forward failed")
		}
	}
}

// publishLocal delivers only to this node's subscribers — the entry
// point a Relay implementation calls when it receives a remote event, to
// avoid re-forwarding it across the cluster again.
func (b *Bus) publishLocal(e Event) {
	b.mu.RLock()
	set := b.topics[e.Topic]
	subs := make([]*Subscriber, 0, len(set))
	for sub := range set {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		sub.push(e)
	}
}

// DeliverRemote is called by a Relay implementation when an event arrives
// from another node, to fan it out to this node's local subscribers only.
func (b *Bus) DeliverRemote(e Event) {
	b.publishLocal(e)
}

// SendTo delivers an event directly to one subscriber, bypassing topic
// membership (spec.md §4.1 send_to).
func (b *Bus) SendTo(sub *Subscriber, e Event) {
	sub.push(e)
}

// TopicCount returns how many distinct topics currently have subscribers,
// for metrics/capacity checks.
func (b *Bus) TopicCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics)
}

// SubscriberCount returns how many subscribers a topic currently has.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}
