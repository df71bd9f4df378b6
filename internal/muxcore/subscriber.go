package muxcore

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultQueueCap is Q_CAP: the default number of chunks a Subscriber's
// queue holds before the fanout starts dropping.
const DefaultQueueCap = 256

// DefaultEvictThreshold is EVICT_THRESH: cumulative dropped bytes after
// which a Subscriber is marked for eviction.
const DefaultEvictThreshold = 1 << 20 // 1 MiB

// ChunkKind distinguishes an ordinary byte chunk from a control event
// delivered through the same Sink, per spec §6.
type ChunkKind int

const (
	ChunkBytes ChunkKind = iota
	ChunkWindowExited
	ChunkSlowConsumerEvicted
)

// Chunk is one unit of delivery to a Subscriber's Sink.
type Chunk struct {
	Kind         ChunkKind
	Bytes        []byte // valid when Kind == ChunkBytes
	ExitCode     int    // valid when Kind == ChunkWindowExited
	ExitSignal   string // valid when Kind == ChunkWindowExited
	DroppedBytes int64  // valid when Kind == ChunkSlowConsumerEvicted
}

// Sink delivers a Chunk to the transport. May block; may fail, in which
// case the Subscriber is removed.
type Sink func(Chunk) error

// Subscriber is one attached client's read side on a Window. Its
// back-reference to the Window is by ID only (a "weak handle": (winID,
// generation) conceptually) so the Window remains the sole owner and no
// reference cycle forms, per the design notes' ownership graph.
type Subscriber struct {
	SubID     string
	WindowID  string
	CreatedAt time.Time

	sink Sink

	queueMu sync.Mutex
	queue   [][]byte
	cap     int

	dropped      atomic.Int64
	evictThresh  int64
	closed       atomic.Bool
	wake         chan struct{}
}

// NewSubscriber constructs a Subscriber with the given queue capacity
// and eviction threshold (non-positive values fall back to the defaults).
func NewSubscriber(subID, windowID string, sink Sink, queueCap int, evictThresh int64, now time.Time) *Subscriber {
	if queueCap <= 0 {
		queueCap = DefaultQueueCap
	}
	if evictThresh <= 0 {
		evictThresh = DefaultEvictThreshold
	}
	return &Subscriber{
		SubID:       subID,
		WindowID:    windowID,
		CreatedAt:   now,
		sink:        sink,
		cap:         queueCap,
		evictThresh: evictThresh,
		wake:        make(chan struct{}, 1),
	}
}

// TryEnqueue attempts a non-blocking push of chunk onto the queue. If
// the queue is full it records the drop and returns false; the caller
// (the fanout reader task) must never block here.
func (s *Subscriber) TryEnqueue(chunk []byte) (accepted bool) {
	if s.closed.Load() {
		return false
	}

	s.queueMu.Lock()
	if len(s.queue) >= s.cap {
		s.queueMu.Unlock()
		s.dropped.Add(int64(len(chunk)))
		return false
	}
	s.queue = append(s.queue, chunk)
	s.queueMu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// Dequeue pops the oldest queued chunk, or (nil, false) if empty. Called
// only by the subscriber's own sender task in package fanout.
func (s *Subscriber) Dequeue() ([]byte, bool) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()

	if len(s.queue) == 0 {
		return nil, false
	}
	chunk := s.queue[0]
	s.queue = s.queue[1:]
	return chunk, true
}

// QueueLen returns the number of chunks currently queued.
func (s *Subscriber) QueueLen() int {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	return len(s.queue)
}

// DroppedBytes returns the cumulative bytes dropped for this subscriber.
func (s *Subscriber) DroppedBytes() int64 { return s.dropped.Load() }

// ShouldEvict reports whether DroppedBytes has crossed EVICT_THRESH.
func (s *Subscriber) ShouldEvict() bool { return s.dropped.Load() > s.evictThresh }

// Closed reports whether Close has already run.
func (s *Subscriber) Closed() bool { return s.closed.Load() }

// Close marks the subscriber closed; further TryEnqueue calls are no-ops.
// Idempotent per spec §8's Detach round-trip law.
func (s *Subscriber) Close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.wake)
	}
}

// Wake returns the channel the sender task selects on to notice new
// queue entries without polling.
func (s *Subscriber) Wake() <-chan struct{} { return s.wake }

// Deliver calls the sink directly, bypassing the queue. Used for the
// initial scrollback replay chunk and for final control events, both of
// which must reach the sink deterministically rather than racing the
// sender task's queue drain.
func (s *Subscriber) Deliver(c Chunk) error {
	return s.sink(c)
}
