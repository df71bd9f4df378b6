package muxcore

import (
	"errors"
	"testing"
	"time"
)

func TestSubscriberTryEnqueueAndDequeue(t *testing.T) {
	s := NewSubscriber("sub-1", "pty-1", func(Chunk) error { return nil }, 2, 0, time.Unix(0, 0))

	if !s.TryEnqueue([]byte("a")) {
		t.Fatalf("expected first enqueue to succeed")
	}
	if !s.TryEnqueue([]byte("b")) {
		t.Fatalf("expected second enqueue to succeed")
	}
	if s.TryEnqueue([]byte("c")) {
		t.Fatalf("expected third enqueue to be dropped, queue cap is 2")
	}
	if s.DroppedBytes() != 1 {
		t.Fatalf("expected 1 dropped byte, got %d", s.DroppedBytes())
	}

	chunk, ok := s.Dequeue()
	if !ok || string(chunk) != "a" {
		t.Fatalf("expected to dequeue %q, got %q ok=%v", "a", chunk, ok)
	}
	chunk, ok = s.Dequeue()
	if !ok || string(chunk) != "b" {
		t.Fatalf("expected to dequeue %q, got %q ok=%v", "b", chunk, ok)
	}
	if _, ok := s.Dequeue(); ok {
		t.Fatalf("expected empty queue to report ok=false")
	}
}

func TestSubscriberShouldEvictCrossesThreshold(t *testing.T) {
	s := NewSubscriber("sub-1", "pty-1", func(Chunk) error { return nil }, 1, 10, time.Unix(0, 0))
	s.TryEnqueue([]byte("x")) // fills the single slot

	if s.ShouldEvict() {
		t.Fatalf("should not evict before any drop")
	}
	s.TryEnqueue(make([]byte, 11)) // dropped, exceeds threshold of 10
	if !s.ShouldEvict() {
		t.Fatalf("expected ShouldEvict once dropped bytes exceed the threshold")
	}
}

func TestSubscriberCloseIsIdempotentAndStopsEnqueue(t *testing.T) {
	s := NewSubscriber("sub-1", "pty-1", func(Chunk) error { return nil }, 4, 0, time.Unix(0, 0))
	s.Close()
	s.Close() // must not panic (closing the wake channel twice)

	if s.TryEnqueue([]byte("x")) {
		t.Fatalf("expected TryEnqueue to reject after Close")
	}
	if !s.Closed() {
		t.Fatalf("expected Closed() true")
	}
}

func TestSubscriberDeliverCallsSinkDirectly(t *testing.T) {
	var got Chunk
	sentinel := errors.New("sink error")
	s := NewSubscriber("sub-1", "pty-1", func(c Chunk) error {
		got = c
		return sentinel
	}, 4, 0, time.Unix(0, 0))

	err := s.Deliver(Chunk{Kind: ChunkWindowExited, ExitCode: 7})
	if err != sentinel {
		t.Fatalf("expected the sink's error to propagate, got %v", err)
	}
	if got.Kind != ChunkWindowExited || got.ExitCode != 7 {
		t.Fatalf("unexpected chunk delivered: %+v", got)
	}
}

func TestNewSubscriberDefaultsNonPositiveValues(t *testing.T) {
	s := NewSubscriber("sub-1", "pty-1", func(Chunk) error { return nil }, 0, 0, time.Unix(0, 0))
	if s.cap != DefaultQueueCap {
		t.Fatalf("expected default queue cap, got %d", s.cap)
	}
	if s.evictThresh != DefaultEvictThreshold {
		t.Fatalf("expected default evict threshold, got %d", s.evictThresh)
	}
}
