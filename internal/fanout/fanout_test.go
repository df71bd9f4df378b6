package fanout

import (
	"testing"
	"time"

	"github.com/mobileforge/termbroker/internal/muxcore"
)

const testTimeout = 2 * time.Second

func recvChunk(t *testing.T, ch <-chan muxcore.Chunk) muxcore.Chunk {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for a delivered chunk")
		return muxcore.Chunk{}
	}
}

func newCollectingSink() (muxcore.Sink, <-chan muxcore.Chunk) {
	ch := make(chan muxcore.Chunk, 64)
	return func(c muxcore.Chunk) error {
		ch <- c
		return nil
	}, ch
}

// fakeHost is a minimal muxcore.Host for fanout tests: onChunk is invoked
// directly by the test rather than by a real PTY reader loop.
type fakeHost struct {
	onBytes func([]byte)
}

func (h *fakeHost) Write(p []byte) (int, error) { return len(p), nil }
func (h *fakeHost) Resize(cols, rows int) error { return nil }
func (h *fakeHost) Kill() error                 { return nil }
func (h *fakeHost) OnBytes(cb func([]byte))     { h.onBytes = cb }
func (h *fakeHost) OnExit(cb func(int, string)) {}

func TestFanoutDeliversLiveChunksToAttachedSubscriber(t *testing.T) {
	f := New("pty-1", 1024, nil)
	host := &fakeHost{}
	f.Bind(host)

	sink, ch := newCollectingSink()
	sub := muxcore.NewSubscriber("sub-1", "pty-1", sink, 16, 0, time.Unix(0, 0))
	if err := f.Attach(sub); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	host.onBytes([]byte("hello"))

	got := recvChunk(t, ch)
	if got.Kind != muxcore.ChunkBytes || string(got.Bytes) != "hello" {
		t.Fatalf("unexpected chunk: %+v", got)
	}
}

func TestFanoutAttachReplaysScrollbackBeforeLiveBytes(t *testing.T) {
	f := New("pty-1", 1024, nil)
	host := &fakeHost{}
	f.Bind(host)

	host.onBytes([]byte("backlog"))

	sink, ch := newCollectingSink()
	sub := muxcore.NewSubscriber("sub-1", "pty-1", sink, 16, 0, time.Unix(0, 0))
	if err := f.Attach(sub); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	host.onBytes([]byte("live"))

	first := recvChunk(t, ch)
	if string(first.Bytes) != "backlog" {
		t.Fatalf("expected replay first, got %q", first.Bytes)
	}
	second := recvChunk(t, ch)
	if string(second.Bytes) != "live" {
		t.Fatalf("expected live bytes second, got %q", second.Bytes)
	}
}

func TestFanoutDetachIsIdempotent(t *testing.T) {
	f := New("pty-1", 1024, nil)
	host := &fakeHost{}
	f.Bind(host)

	sink, _ := newCollectingSink()
	sub := muxcore.NewSubscriber("sub-1", "pty-1", sink, 16, 0, time.Unix(0, 0))
	_ = f.Attach(sub)

	f.Detach("sub-1")
	f.Detach("sub-1") // must not panic
	f.Detach("never-attached")

	if len(f.Subscribers()) != 0 {
		t.Fatalf("expected no subscribers after detach")
	}
}

func TestFanoutEvictsSlowConsumerAndNotifiesCoordinator(t *testing.T) {
	evicted := make(chan string, 1)
	f := New("pty-1", 1024, func(subID string, dropped int64) {
		evicted <- subID
	})
	host := &fakeHost{}
	f.Bind(host)

	// A sink that never drains, combined with a tiny queue cap and a low
	// evict threshold, forces TryEnqueue to start dropping immediately.
	block := make(chan struct{})
	sink := func(muxcore.Chunk) error {
		<-block
		return nil
	}
	sub := muxcore.NewSubscriber("sub-1", "pty-1", sink, 1, 1, time.Unix(0, 0))
	if err := f.Attach(sub); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	// The first chunk fills the one-slot queue (consumed by sendLoop's
	// Deliver call, which blocks on `block`); subsequent chunks are
	// dropped until the threshold is crossed.
	host.onBytes([]byte("a"))
	host.onBytes([]byte("bb"))
	host.onBytes([]byte("cc"))

	select {
	case subID := <-evicted:
		if subID != "sub-1" {
			t.Fatalf("expected sub-1 evicted, got %s", subID)
		}
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for eviction callback")
	}
	close(block)
}

func TestFanoutBroadcastControlBypassesQueue(t *testing.T) {
	f := New("pty-1", 1024, nil)
	host := &fakeHost{}
	f.Bind(host)

	sink, ch := newCollectingSink()
	sub := muxcore.NewSubscriber("sub-1", "pty-1", sink, 16, 0, time.Unix(0, 0))
	_ = f.Attach(sub)

	if err := f.BroadcastControl("sub-1", muxcore.Chunk{Kind: muxcore.ChunkWindowExited, ExitCode: 1}); err != nil {
		t.Fatalf("BroadcastControl: %v", err)
	}

	got := recvChunk(t, ch)
	if got.Kind != muxcore.ChunkWindowExited || got.ExitCode != 1 {
		t.Fatalf("unexpected control chunk: %+v", got)
	}
}
