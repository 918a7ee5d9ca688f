package privaxy

import "sync"

// DefaultSubscriberBuffer is the per-subscriber queue depth used by
// NewBroadcaster.
const DefaultSubscriberBuffer = 16

// Broadcaster is an in-process fan-out bus for one telemetry topic. Every
// message passed to Publish is delivered to all subscribers present at
// publish time; there is no replay and no retained history.
//
// Each subscriber owns a bounded queue. The slow-consumer policy is
// drop-oldest: when a subscriber's queue is full, its oldest unread message
// is discarded to make room for the new one. A lagging subscriber therefore
// sees a gap, never a stall, and never affects delivery to other
// subscribers. Publish itself never blocks.
type Broadcaster[T any] struct {
	mu     sync.Mutex
	subs   map[*Subscription[T]]struct{}
	buffer int
}

// NewBroadcaster creates a Broadcaster with the default per-subscriber
// buffer size.
func NewBroadcaster[T any]() *Broadcaster[T] {
	return NewBroadcasterBuffer[T](DefaultSubscriberBuffer)
}

// NewBroadcasterBuffer creates a Broadcaster whose subscribers each buffer
// up to size unread messages. Size must be at least 1.
func NewBroadcasterBuffer[T any](size int) *Broadcaster[T] {
	if size < 1 {
		size = 1
	}
	return &Broadcaster[T]{
		subs:   make(map[*Subscription[T]]struct{}),
		buffer: size,
	}
}

// Subscribe registers a new subscriber. It receives only messages published
// after this call. The caller must Close the subscription when done;
// abandoning it leaks a slot.
func (b *Broadcaster[T]) Subscribe() *Subscription[T] {
	sub := &Subscription[T]{
		ch: make(chan T, b.buffer),
		b:  b,
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	return sub
}

// Publish delivers msg to every current subscriber. With zero subscribers
// it is a no-op. It never blocks: a full subscriber queue drops that
// subscriber's oldest unread message.
func (b *Broadcaster[T]) Publish(msg T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs {
		select {
		case sub.ch <- msg:
		default:
			// Queue full: evict the oldest entry. The receiver may have
			// drained concurrently, so the retry send is also best-effort.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- msg:
			default:
			}
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broadcaster[T]) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Subscription is one subscriber's view of a Broadcaster topic.
type Subscription[T any] struct {
	ch   chan T
	b    *Broadcaster[T]
	once sync.Once
}

// C returns the receive channel. It is closed by Close.
func (s *Subscription[T]) C() <-chan T {
	return s.ch
}

// Close removes the subscriber from the topic and closes its channel. The
// slot is reclaimed synchronously; a concurrent Publish either completes
// before removal or skips this subscriber. Close is idempotent.
func (s *Subscription[T]) Close() {
	s.once.Do(func() {
		s.b.mu.Lock()
		delete(s.b.subs, s)
		// Closing under the broadcaster lock guarantees no in-flight
		// Publish can send on a closed channel.
		close(s.ch)
		s.b.mu.Unlock()
	})
}
