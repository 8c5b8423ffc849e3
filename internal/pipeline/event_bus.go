package pipeline

import (
	"sync"
	"sync/atomic"
)

// EventBus fans analysed frames out to consumers. Handlers are called on
// the publishing session's goroutine, so one stream's results arrive in
// order; they must not block.
type EventBus struct {
	mu     sync.Mutex
	subs   []*subscriber // replaced on every change, read without the lock
	view   atomic.Pointer[[]*subscriber]
	nextID uint64
	closed bool

	dropped atomic.Uint64
}

type subscriber struct {
	id      uint64
	stream  string // empty receives every stream
	deliver func(*Result)
	done    func()
}

// NewEventBus creates an empty bus
func NewEventBus() *EventBus {
	b := &EventBus{}
	b.view.Store(&[]*subscriber{})
	return b
}

// Subscribe registers a handler for every stream and returns its
// unsubscribe function
func (b *EventBus) Subscribe(handler ResultHandler) func() {
	return b.SubscribeStream("", handler)
}

// SubscribeStream registers a handler for one stream
func (b *EventBus) SubscribeStream(streamID string, handler ResultHandler) func() {
	return b.add(&subscriber{stream: streamID, deliver: handler.OnResult})
}

// SubscribeStreamChannel delivers one stream's results on a buffered
// channel. Results that find the buffer full are dropped and counted. The
// channel is closed on unsubscribe or Close.
func (b *EventBus) SubscribeStreamChannel(streamID string, buffer int) (<-chan *Result, func()) {
	if buffer <= 0 {
		buffer = 10
	}
	ch := make(chan *Result, buffer)
	// a publisher holding an older view may still deliver after removal
	var (
		mu     sync.Mutex
		closed bool
	)
	unsubscribe := b.add(&subscriber{
		stream: streamID,
		deliver: func(r *Result) {
			mu.Lock()
			defer mu.Unlock()
			if closed {
				return
			}
			select {
			case ch <- r:
			default:
				b.dropped.Add(1)
			}
		},
		done: func() {
			mu.Lock()
			closed = true
			close(ch)
			mu.Unlock()
		},
	})
	return ch, unsubscribe
}

func (b *EventBus) add(sub *subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		if sub.done != nil {
			sub.done()
		}
		return func() {}
	}
	b.nextID++
	sub.id = b.nextID
	b.subs = append(append([]*subscriber(nil), b.subs...), sub)
	b.publishView()

	var once sync.Once
	return func() { once.Do(func() { b.remove(sub.id) }) }
}

func (b *EventBus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := make([]*subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.id != id {
			kept = append(kept, sub)
			continue
		}
		if sub.done != nil {
			sub.done()
		}
	}
	b.subs = kept
	b.publishView()
}

// publishView must be called with mu held
func (b *EventBus) publishView() {
	view := b.subs
	b.view.Store(&view)
}

// Publish delivers result to every matching subscriber
func (b *EventBus) Publish(result *Result) {
	if result == nil {
		return
	}
	for _, sub := range *b.view.Load() {
		if sub.stream == "" || sub.stream == result.StreamID {
			sub.deliver(result)
		}
	}
}

// SubscriberCount returns the number of registered subscribers
func (b *EventBus) SubscriberCount() int {
	return len(*b.view.Load())
}

// Dropped returns how many results channel subscribers missed
func (b *EventBus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close removes every subscriber and closes subscriber channels. Later
// subscriptions are closed immediately.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		if sub.done != nil {
			sub.done()
		}
	}
	b.subs = nil
	b.publishView()
}
