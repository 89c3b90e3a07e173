package storage

import "sync"

const subscriberBuffer = 64

// notifier fans record-change events out to subscribers. Sends never block a
// writer: a subscriber whose buffer is full misses events and is expected to
// re-query the store.
type notifier struct {
	mu     sync.Mutex
	subs   map[chan Change]struct{}
	closed bool
}

func newNotifier() *notifier {
	return &notifier{subs: make(map[chan Change]struct{})}
}

// Subscribe registers a change listener. The returned channel is closed when
// the store shuts down.
func (s *Store) Subscribe() <-chan Change {
	return s.notifier.subscribe()
}

// Unsubscribe removes a listener previously returned by Subscribe.
func (s *Store) Unsubscribe(ch <-chan Change) {
	s.notifier.unsubscribe(ch)
}

func (n *notifier) subscribe() <-chan Change {
	n.mu.Lock()
	defer n.mu.Unlock()

	ch := make(chan Change, subscriberBuffer)
	if n.closed {
		close(ch)
		return ch
	}
	n.subs[ch] = struct{}{}
	return ch
}

func (n *notifier) unsubscribe(ch <-chan Change) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for sub := range n.subs {
		if sub == ch {
			delete(n.subs, sub)
			close(sub)
			return
		}
	}
}

func (n *notifier) publish(change Change) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return
	}
	for sub := range n.subs {
		select {
		case sub <- change:
		default:
		}
	}
}

func (n *notifier) close() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return
	}
	n.closed = true
	for sub := range n.subs {
		close(sub)
		delete(n.subs, sub)
	}
}
