package ringbuf

import "sync"

// broadcastCap bounds each subscriber's channel. A slow subscriber loses
// messages rather than blocking the producer (see the system's backpressure
// policy for the output broadcast: bounded, moderate capacity, lossy).
const broadcastCap = 1000

// Broadcaster fans PTY output out to every subscribed reader. Publish never
// blocks: a subscriber whose channel is full has messages dropped and its
// Lagged counter incremented instead.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

// NewBroadcaster returns an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[*Subscription]struct{})}
}

// Subscription is one subscriber's view of the broadcast.
type Subscription struct {
	ch     chan []byte
	b      *Broadcaster
	mu     sync.Mutex
	lagged uint64
}

// Subscribe registers a new subscriber and returns it. Callers should read
// from C() and check TakeLagged() after each receive (or periodically) to
// detect drops.
func (b *Broadcaster) Subscribe() *Subscription {
	s := &Subscription{ch: make(chan []byte, broadcastCap), b: b}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Unsubscribe removes a subscription. Safe to call more than once.
func (b *Broadcaster) Unsubscribe(s *Subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

// Publish sends data to every current subscriber, dropping it for any
// subscriber whose channel is currently full.
func (b *Broadcaster) Publish(data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		select {
		case s.ch <- data:
		default:
			s.mu.Lock()
			s.lagged++
			s.mu.Unlock()
		}
	}
}

// SubscriberCount reports how many subscriptions are currently active.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// C returns the channel to receive broadcast chunks on.
func (s *Subscription) C() <-chan []byte { return s.ch }

// TakeLagged returns the number of chunks dropped for this subscriber since
// the last call and resets the counter to zero.
func (s *Subscription) TakeLagged() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.lagged
	s.lagged = 0
	return n
}

// Close unsubscribes this subscription from its broadcaster.
func (s *Subscription) Close() {
	s.b.Unsubscribe(s)
}
