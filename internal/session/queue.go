package session

import (
	"sync"

	"github.com/eapache/queue"

	"github.com/nfrund/topichub/internal/envelope"
)

// outbox is a bounded FIFO of envelopes awaiting the write loop. When full,
// push evicts the oldest entry. It never blocks.
type outbox struct {
	mu       sync.Mutex
	items    *queue.Queue
	capacity int
	sealed   bool
	dropped  uint64

	// ready holds a token while items may be non-empty.
	ready chan struct{}
}

func newOutbox(capacity int) *outbox {
	if capacity < 1 {
		capacity = 1
	}
	return &outbox{
		items:    queue.New(),
		capacity: capacity,
		ready:    make(chan struct{}, 1),
	}
}

// push appends env. It returns the evicted envelope, if any, and false when
// the outbox is sealed.
func (o *outbox) push(env envelope.Envelope) (evicted *envelope.Envelope, ok bool) {
	o.mu.Lock()
	if o.sealed {
		o.mu.Unlock()
		return nil, false
	}
	if o.items.Length() >= o.capacity {
		old := o.items.Remove().(envelope.Envelope)
		evicted = &old
		o.dropped++
	}
	o.items.Add(env)
	o.mu.Unlock()

	select {
	case o.ready <- struct{}{}:
	default:
	}
	return evicted, true
}

func (o *outbox) pop() (envelope.Envelope, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.items.Length() == 0 {
		return envelope.Envelope{}, false
	}
	return o.items.Remove().(envelope.Envelope), true
}

// seal rejects every later push. Entries already queued stay poppable.
func (o *outbox) seal() {
	o.mu.Lock()
	o.sealed = true
	o.mu.Unlock()
}

// discard empties the outbox and returns how many entries were thrown away.
func (o *outbox) discard() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := o.items.Length()
	for o.items.Length() > 0 {
		o.items.Remove()
	}
	return n
}

func (o *outbox) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.items.Length()
}

func (o *outbox) droppedCount() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped
}
