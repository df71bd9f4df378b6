// Package fanout implements the per-window Output Fanout (C4): one
// reader task per window that appends Host output to a bounded
// scrollback ring and broadcasts it to every attached Subscriber with
// per-subscriber backpressure and slow-consumer eviction.
//
// Grounded in the teacher's terminal/session.go InMemoryHistory (ring
// truncation) and broadcastLoop (send-or-drop to clients), generalized
// from one shared rate limiter to per-subscriber bounded queues, per
// spec §4.4.
package fanout

import (
	"log"
	"sync"

	"github.com/mobileforge/termbroker/internal/muxcore"
)

// EvictFunc is invoked once a subscriber has crossed EVICT_THRESH. The
// caller (the coordinator) is responsible for removing the subscriber
// and delivering the final SlowConsumerEvicted control chunk.
type EvictFunc func(subID string, droppedBytes int64)

// Fanout owns one Window's reader task, scrollback, and subscriber set.
type Fanout struct {
	windowID   string
	scrollback *muxcore.Scrollback
	onEvict    EvictFunc

	mu   sync.RWMutex
	subs map[string]*muxcore.Subscriber

	stopped chan struct{}
	once    sync.Once
}

// New constructs a Fanout for windowID with the given scrollback
// capacity. It does not start reading until Bind is called with a Host.
func New(windowID string, scrollbackCap int, onEvict EvictFunc) *Fanout {
	return &Fanout{
		windowID:   windowID,
		scrollback: muxcore.NewScrollback(scrollbackCap),
		onEvict:    onEvict,
		subs:       make(map[string]*muxcore.Subscriber),
		stopped:    make(chan struct{}),
	}
}

// Bind registers this Fanout's onChunk as the Host's byte callback. The
// reader task referenced in spec §5 is the Host's own goroutine; Bind
// just wires the callback it drives.
func (f *Fanout) Bind(host muxcore.Host) {
	host.OnBytes(f.onChunk)
}

// onChunk is called from the Host's dedicated reader task. It must never
// block: scrollback append and subscriber snapshot both happen under
// short locks, TryEnqueue is always non-blocking, and the eviction
// callback runs on its own goroutine, per spec §4.4 step 2's "do not
// block the reader".
func (f *Fanout) onChunk(chunk []byte) {
	f.scrollback.Append(chunk)

	f.mu.RLock()
	snapshot := make([]*muxcore.Subscriber, 0, len(f.subs))
	for _, s := range f.subs {
		snapshot = append(snapshot, s)
	}
	f.mu.RUnlock()

	for _, s := range snapshot {
		if s.Closed() {
			continue
		}
		wasOver := s.ShouldEvict()
		if s.TryEnqueue(chunk) {
			continue
		}
		// Drop recorded by TryEnqueue; reader never blocks. Eviction fires
		// once, on the drop that crosses the threshold.
		if !wasOver && s.ShouldEvict() {
			dropped := s.DroppedBytes()
			log.Printf("fanout %s: subscriber %s exceeded drop threshold (%d bytes), evicting", f.windowID, s.SubID, dropped)
			if f.onEvict != nil {
				go f.onEvict(s.SubID, dropped)
			}
		}
	}
}

// Attach adds a new Subscriber. Replay of the current scrollback
// contents happens synchronously, as a single Deliver call, before the
// subscriber is made visible to onChunk — so no live chunk can be
// enqueued before replay and none can be missed, satisfying the
// atomicity requirement in spec §4.4.
func (f *Fanout) Attach(s *muxcore.Subscriber) error {
	replay := f.scrollback.Snapshot()

	f.mu.Lock()
	f.subs[s.SubID] = s
	f.mu.Unlock()

	if len(replay) > 0 {
		if err := s.Deliver(muxcore.Chunk{Kind: muxcore.ChunkBytes, Bytes: replay}); err != nil {
			f.Detach(s.SubID)
			return err
		}
	}
	go f.sendLoop(s)
	return nil
}

// sendLoop is the one sender task per Subscriber (spec §5): it drains
// the queue and calls the sink. A sink error removes only this
// subscriber, never the window, per spec §7's propagation policy.
func (f *Fanout) sendLoop(s *muxcore.Subscriber) {
	for {
		for {
			chunk, ok := s.Dequeue()
			if !ok {
				break
			}
			if err := s.Deliver(muxcore.Chunk{Kind: muxcore.ChunkBytes, Bytes: chunk}); err != nil {
				f.Detach(s.SubID)
				return
			}
		}

		select {
		case _, open := <-s.Wake():
			if !open {
				return
			}
		case <-f.stopped:
			return
		}
	}
}

// Detach removes a subscriber. Idempotent.
func (f *Fanout) Detach(subID string) {
	f.mu.Lock()
	s, ok := f.subs[subID]
	if ok {
		delete(f.subs, subID)
	}
	f.mu.Unlock()

	if ok {
		s.Close()
	}
}

// BroadcastControl delivers a control chunk (WindowExited or
// SlowConsumerEvicted) directly to one subscriber's sink, bypassing the
// queue so it is never dropped for backpressure.
func (f *Fanout) BroadcastControl(subID string, c muxcore.Chunk) error {
	f.mu.RLock()
	s, ok := f.subs[subID]
	f.mu.RUnlock()
	if !ok {
		return nil
	}
	return s.Deliver(c)
}

// Subscribers returns a snapshot of currently attached subscriber IDs.
func (f *Fanout) Subscribers() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	ids := make([]string, 0, len(f.subs))
	for id := range f.subs {
		ids = append(ids, id)
	}
	return ids
}

// Scrollback exposes the ring buffer, e.g. so the coordinator can report
// its size for diagnostics.
func (f *Fanout) Scrollback() *muxcore.Scrollback { return f.scrollback }

// Stop halts all sender tasks and detaches every subscriber. Called by
// the coordinator once the window transitions to Terminal.
func (f *Fanout) Stop() {
	f.once.Do(func() { close(f.stopped) })

	f.mu.Lock()
	subs := make([]*muxcore.Subscriber, 0, len(f.subs))
	for _, s := range f.subs {
		subs = append(subs, s)
	}
	f.subs = make(map[string]*muxcore.Subscriber)
	f.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
}
