package events

import (
	"sync"
	"time"
)

const defaultBufferSize = 16

// Publisher is the write side of the broadcaster.
type Publisher interface {
	Publish(topic string, e Event)
}

// Bus is the in-process broadcaster. Publish never blocks: subscribers
// whose buffers are full miss the event.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]map[int]chan Event
	nextID int

	bufferSize int
	mirror     Publisher // optional external fan-out, fire-and-forget

	debugFunc func(format string, args ...any)
}

// Option configures a Bus.
type Option func(*Bus)

// WithBufferSize sets the per-subscriber channel buffer.
func WithBufferSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.bufferSize = n
		}
	}
}

// WithMirror adds an external publisher every event is copied to.
func WithMirror(m Publisher) Option {
	return func(b *Bus) { b.mirror = m }
}

// WithDebug sets a debug logging callback.
func WithDebug(f func(format string, args ...any)) Option {
	return func(b *Bus) { b.debugFunc = f }
}

// NewBus creates an event bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		subs:       make(map[string]map[int]chan Event),
		bufferSize: defaultBufferSize,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe returns a channel of events for topic and a cancel function.
// The channel is closed on cancel.
func (b *Bus) Subscribe(topic string) (<-chan Event, func()) {
	ch := make(chan Event, b.bufferSize)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]chan Event)
	}
	b.subs[topic][id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[topic], id)
			if len(b.subs[topic]) == 0 {
				delete(b.subs, topic)
			}
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers e to every subscriber of topic, dropping it for any
// subscriber whose buffer is full, then copies it to the mirror.
func (b *Bus) Publish(topic string, e Event) {
	e.Topic = topic
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	for _, ch := range b.subs[topic] {
		select {
		case ch <- e:
		default:
			if b.debugFunc != nil {
				b.debugFunc("events: dropped %s event for slow subscriber on %s", e.Type, topic)
			}
		}
	}
	b.mu.RUnlock()

	if b.mirror != nil {
		b.mirror.Publish(topic, e)
	}
}

// SubscriberCount returns the number of subscribers on topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}
