package pool

import "sync"

// Request is one user turn waiting for a process slot.
type Request struct {
	TopicID       int64
	UserID        int64
	ChatID        int64
	Text          string
	Files         []string
	WorkspacePath string
}

// RequestQueue holds turns that arrived while every usable slot was busy.
// It is keyed by topic: a newer message from the same topic replaces the
// queued one (the user changed their mind) but keeps its FIFO position.
type RequestQueue struct {
	mu      sync.Mutex
	byTopic map[int64]*Request
	order   []int64
}

func NewRequestQueue() *RequestQueue {
	return &RequestQueue{byTopic: make(map[int64]*Request)}
}

// Enqueue adds a request. If the topic already has one queued, the value is
// replaced and the original position kept. Reports whether a replacement
// happened.
func (q *RequestQueue) Enqueue(req *Request) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, exists := q.byTopic[req.TopicID]
	q.byTopic[req.TopicID] = req
	if !exists {
		q.order = append(q.order, req.TopicID)
	}
	return exists
}

// Dequeue removes and returns the oldest request, or nil if empty.
func (q *RequestQueue) Dequeue() *Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.order) == 0 {
		return nil
	}
	topicID := q.order[0]
	q.order = q.order[1:]
	req := q.byTopic[topicID]
	delete(q.byTopic, topicID)
	return req
}

// DequeueTopic removes and returns the request for a specific topic, or nil.
func (q *RequestQueue) DequeueTopic(topicID int64) *Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	req, ok := q.byTopic[topicID]
	if !ok {
		return nil
	}
	delete(q.byTopic, topicID)
	for i, id := range q.order {
		if id == topicID {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	return req
}

// Get returns the queued request for a topic without removing it, or nil.
func (q *RequestQueue) Get(topicID int64) *Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.byTopic[topicID]
}

// Topics returns the queued topic ids in FIFO order.
func (q *RequestQueue) Topics() []int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]int64, len(q.order))
	copy(out, q.order)
	return out
}

// Len returns the number of queued requests.
func (q *RequestQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// CancelSignal is a set-once flag a turn handler polls between stream
// events, and can also select on.
type CancelSignal struct {
	ch   chan struct{}
	once sync.Once
}

func NewCancelSignal() *CancelSignal {
	return &CancelSignal{ch: make(chan struct{})}
}

// Set marks the signal. Safe to call more than once.
func (s *CancelSignal) Set() {
	s.once.Do(func() { close(s.ch) })
}

// IsSet reports whether the signal has been set.
func (s *CancelSignal) IsSet() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

// Done returns a channel closed when the signal is set.
func (s *CancelSignal) Done() <-chan struct{} {
	return s.ch
}

type inFlight struct {
	slotID int
	cancel *CancelSignal
}

// InFlightTracker records which topic is actively streaming on which slot,
// so a newer message (or /cancel) can interrupt the running turn.
type InFlightTracker struct {
	mu     sync.Mutex
	active map[int64]*inFlight
}

func NewInFlightTracker() *InFlightTracker {
	return &InFlightTracker{active: make(map[int64]*inFlight)}
}

// Track starts tracking a turn for the topic, replacing any previous entry,
// and returns the cancel signal the handler should watch.
func (t *InFlightTracker) Track(topicID int64, slotID int) *CancelSignal {
	t.mu.Lock()
	defer t.mu.Unlock()
	sig := NewCancelSignal()
	t.active[topicID] = &inFlight{slotID: slotID, cancel: sig}
	return sig
}

// Cancel sets the cancel signal for the topic's active turn. No-op if the
// topic has no turn in flight.
func (t *InFlightTracker) Cancel(topicID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if req, ok := t.active[topicID]; ok {
		req.cancel.Set()
	}
}

// Untrack stops tracking the topic's turn. Called on release.
func (t *InFlightTracker) Untrack(topicID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.active, topicID)
}

// SlotFor returns the slot id serving the topic's active turn, if any.
func (t *InFlightTracker) SlotFor(topicID int64) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	req, ok := t.active[topicID]
	if !ok {
		return 0, false
	}
	return req.slotID, true
}
