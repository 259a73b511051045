package dispatch

import "sync"

// WorkQueue is an unbounded FIFO of request ids with a producer count.
// Consume blocks while the queue is empty and at least one producer remains;
// once the last producer leaves, consumers drain whatever is left and then
// get ok=false. The high-water mark is enforced by the poller, not here:
// the queue itself never refuses an item.
type WorkQueue struct {
	mu        sync.Mutex
	cond      *sync.Cond
	items     []int64
	producers int
}

func NewWorkQueue() *WorkQueue {
	q := &WorkQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// AddProducer registers a producer. Consume will not report closure while
// any producer is registered.
func (q *WorkQueue) AddProducer() {
	q.mu.Lock()
	q.producers++
	q.mu.Unlock()
}

// RemoveProducer deregisters a producer, waking consumers so they can notice
// closure once the queue drains.
func (q *WorkQueue) RemoveProducer() {
	q.mu.Lock()
	q.producers--
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Produce appends an id and wakes one consumer.
func (q *WorkQueue) Produce(id int64) {
	q.mu.Lock()
	q.items = append(q.items, id)
	q.mu.Unlock()
	q.cond.Signal()
}

// Consume removes and returns the oldest id, blocking while the queue is
// empty with live producers. ok is false when the queue is drained and no
// producer remains.
func (q *WorkQueue) Consume() (id int64, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 {
		if q.producers <= 0 {
			return 0, false
		}
		q.cond.Wait()
	}
	id = q.items[0]
	q.items = q.items[1:]
	return id, true
}

// Len returns the current queue depth.
func (q *WorkQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Drained reports whether the queue is empty with no producers left.
func (q *WorkQueue) Drained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) == 0 && q.producers <= 0
}

// PendingSet tracks request ids that are queued or in flight so repeated poll
// cycles do not enqueue the same row twice. It is a same-process optimization
// only; cross-instance exclusion comes from the store's row lock.
type PendingSet struct {
	mu  sync.Mutex
	ids map[int64]struct{}
}

// NewPendingSet sizes the set for the expected concurrent depth.
func NewPendingSet(capacity int) *PendingSet {
	if capacity < 1 {
		capacity = 1
	}
	return &PendingSet{ids: make(map[int64]struct{}, capacity)}
}

// Add inserts id, reporting false if it was already present.
func (s *PendingSet) Add(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.ids[id]; exists {
		return false
	}
	s.ids[id] = struct{}{}
	return true
}

// Remove drops id from the set; workers call this after finishing an attempt,
// whatever its outcome.
func (s *PendingSet) Remove(id int64) {
	s.mu.Lock()
	delete(s.ids, id)
	s.mu.Unlock()
}

// Len returns the number of pending ids.
func (s *PendingSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}
