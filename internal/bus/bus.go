package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Topic names a class of live updates.
type Topic string

const (
	TopicTask    Topic = "task-update"
	TopicThread  Topic = "thread-update"
	TopicSession Topic = "session-update"
)

const defaultBuffer = 32

// Event is one update delivered to subscribers.
type Event struct {
	Topic      Topic     `json:"topic"`
	UserID     string    `json:"userId"`
	TaskID     string    `json:"taskId,omitempty"`
	ExternalID string    `json:"externalId,omitempty"`
	Payload    any       `json:"payload"`
	OccurredAt time.Time `json:"occurredAt"`
	// Origin identifies the instance that first published the event.
	Origin string `json:"origin,omitempty"`
}

// Filter selects the events a subscription receives. TaskID matches either
// the internal or the provider id of an event; empty matches every task of
// the user.
type Filter struct {
	UserID string
	TaskID string
}

func (f Filter) match(ev Event) bool {
	if f.UserID != "" && f.UserID != ev.UserID {
		return false
	}
	return f.TaskID == "" || f.TaskID == ev.TaskID || f.TaskID == ev.ExternalID
}

// Subscription receives matching events on its own bounded channel.
type Subscription struct {
	id     string
	topic  Topic
	filter Filter
	ch     chan Event
	bus    *Bus
	once   sync.Once
}

// C returns the delivery channel. It is closed on Unsubscribe.
func (s *Subscription) C() <-chan Event { return s.ch }

// Unsubscribe detaches the subscription; safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() { s.bus.remove(s) })
}

// Forwarder receives every locally published event, for relaying to other
// instances.
type Forwarder interface {
	Forward(ev Event)
}

// DropFunc is called when an event could not be delivered to a subscriber.
type DropFunc func(sub Filter, ev Event)

// Bus fans events out to subscribers without ever blocking publishers.
// Delivery is at most once and there is no replay for late subscribers.
type Bus struct {
	instance string

	mu        sync.RWMutex
	subs      map[Topic]map[string]*Subscription
	closed    bool
	forwarder Forwarder
	onDrop    DropFunc

	dropped atomic.Int64
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		instance: uuid.NewString(),
		subs:     make(map[Topic]map[string]*Subscription),
	}
}

// Instance is the origin tag stamped on events published here.
func (b *Bus) Instance() string { return b.instance }

// SetForwarder wires a relay for locally originated events.
func (b *Bus) SetForwarder(f Forwarder) {
	b.mu.Lock()
	b.forwarder = f
	b.mu.Unlock()
}

// OnDrop registers a callback for dropped deliveries.
func (b *Bus) OnDrop(fn DropFunc) {
	b.mu.Lock()
	b.onDrop = fn
	b.mu.Unlock()
}

// Subscribe registers interest in topic. buffer <= 0 selects the default.
func (b *Bus) Subscribe(topic Topic, f Filter, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	sub := &Subscription{
		id:     uuid.NewString(),
		topic:  topic,
		filter: f,
		ch:     make(chan Event, buffer),
		bus:    b,
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[string]*Subscription)
	}
	b.subs[topic][sub.id] = sub
	return sub
}

// Publish delivers ev to every matching subscriber. A subscriber whose
// buffer is full misses the event; others are unaffected.
func (b *Bus) Publish(ev Event) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	local := ev.Origin == ""
	if local {
		ev.Origin = b.instance
	}
	b.deliver(ev)
	if local {
		b.mu.RLock()
		f := b.forwarder
		b.mu.RUnlock()
		if f != nil {
			f.Forward(ev)
		}
	}
}

// Inject delivers an event received from another instance. Events that
// originated here are ignored.
func (b *Bus) Inject(ev Event) {
	if ev.Origin == "" || ev.Origin == b.instance {
		return
	}
	b.deliver(ev)
}

func (b *Bus) deliver(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs[ev.Topic] {
		if !sub.filter.match(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
			if b.onDrop != nil {
				b.onDrop(sub.filter, ev)
			}
		}
	}
}

// Count returns the number of live subscriptions.
func (b *Bus) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, m := range b.subs {
		n += len(m)
	}
	return n
}

// Dropped returns the number of deliveries lost to full buffers.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Close detaches every subscriber and closes their channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, m := range b.subs {
		for _, sub := range m {
			sub.once.Do(func() {})
			close(sub.ch)
		}
	}
	b.subs = make(map[Topic]map[string]*Subscription)
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if m := b.subs[s.topic]; m != nil {
		if _, ok := m[s.id]; ok {
			delete(m, s.id)
			close(s.ch)
		}
	}
}
