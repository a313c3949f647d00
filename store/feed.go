package store

import "sync"

// Queue is a Feed backed by an unbounded FIFO. Push never blocks, so a
// writer publishing a change can never stall behind a slow consumer.
type Queue struct {
	ids map[string]struct{} // nil follows every document

	mu     sync.Mutex
	queue  []Change
	notify chan struct{}

	out      chan Change
	done     chan struct{}
	once     sync.Once
	onCancel func()
}

// NewQueue creates a running Queue that accepts changes for ids.
// onCancel, if set, runs once when the queue is cancelled.
func NewQueue(ids []string, onCancel func()) *Queue {
	q := &Queue{
		notify:   make(chan struct{}, 1),
		out:      make(chan Change),
		done:     make(chan struct{}),
		onCancel: onCancel,
	}
	if len(ids) > 0 {
		q.ids = make(map[string]struct{}, len(ids))
		for _, id := range ids {
			q.ids[id] = struct{}{}
		}
	}
	go q.pump()
	return q
}

// Follows reports whether the queue accepts changes for id.
func (q *Queue) Follows(id string) bool {
	if q.ids == nil {
		return true
	}
	_, ok := q.ids[id]
	return ok
}

// Push enqueues c. Returns false if c is filtered out or the queue is cancelled.
func (q *Queue) Push(c Change) bool {
	if !q.Follows(c.ID) {
		return false
	}
	select {
	case <-q.done:
		return false
	default:
	}

	q.mu.Lock()
	q.queue = append(q.queue, c)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// Events implements Feed.
func (q *Queue) Events() <-chan Change {
	return q.out
}

// Cancel implements Feed.
func (q *Queue) Cancel() {
	q.once.Do(func() {
		close(q.done)
		if q.onCancel != nil {
			q.onCancel()
		}
	})
}

// Done is closed once the queue is cancelled.
func (q *Queue) Done() <-chan struct{} {
	return q.done
}

func (q *Queue) pump() {
	defer close(q.out)
	for {
		q.mu.Lock()
		if len(q.queue) == 0 {
			q.mu.Unlock()
			select {
			case <-q.notify:
				continue
			case <-q.done:
				return
			}
		}
		c := q.queue[0]
		q.queue[0] = Change{}
		q.queue = q.queue[1:]
		q.mu.Unlock()

		select {
		case q.out <- c:
		case <-q.done:
			return
		}
	}
}

// Broadcaster fans changes out to every open Queue. Drivers without a
// native push feed publish their own writes through it.
type Broadcaster struct {
	mu     sync.RWMutex
	queues map[*Queue]struct{}
	closed bool
}

// NewBroadcaster creates an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{queues: make(map[*Queue]struct{})}
}

// Subscribe opens a feed for ids. Returns ErrClosed after Close.
func (b *Broadcaster) Subscribe(ids []string) (Feed, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	var q *Queue
	q = NewQueue(ids, func() { b.remove(q) })
	b.queues[q] = struct{}{}
	return q, nil
}

// Publish delivers c to every queue following c.ID.
func (b *Broadcaster) Publish(c Change) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for q := range b.queues {
		q.Push(c)
	}
}

// Close cancels every open feed.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	queues := b.queues
	b.queues = make(map[*Queue]struct{})
	b.closed = true
	b.mu.Unlock()

	for q := range queues {
		q.Cancel()
	}
}

func (b *Broadcaster) remove(q *Queue) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.queues, q)
}
