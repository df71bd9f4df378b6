package muxcore

import "sync"

// DefaultScrollbackCap is the default SB_CAP: 64 KiB, matching the
// teacher's hard-coded history size, now configurable per spec §9.
const DefaultScrollbackCap = 64 * 1024

// Scrollback is a bounded ring buffer of raw output chunks. Unlike the
// teacher's InMemoryHistory, which trims at arbitrary byte boundaries,
// Append discards whole chunks from the front on overflow so a replay
// never starts mid-escape-sequence.
type Scrollback struct {
	mu     sync.RWMutex
	cap    int
	chunks [][]byte
	size   int
}

// NewScrollback creates a Scrollback with the given capacity in bytes.
// A non-positive capacity falls back to DefaultScrollbackCap.
func NewScrollback(capBytes int) *Scrollback {
	if capBytes <= 0 {
		capBytes = DefaultScrollbackCap
	}
	return &Scrollback{cap: capBytes}
}

// Append stores a copy of chunk, evicting the oldest whole chunks until
// the buffer fits within capacity. A single chunk larger than the
// capacity is kept in full (capacity is a soft target for oversize
// chunks, never a reason to split one).
func (s *Scrollback) Append(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.chunks = append(s.chunks, cp)
	s.size += len(cp)

	for s.size > s.cap && len(s.chunks) > 1 {
		oldest := s.chunks[0]
		s.chunks = s.chunks[1:]
		s.size -= len(oldest)
	}
}

// Snapshot returns the current scrollback contents as one contiguous
// byte slice, safe to hand to a new subscriber as its replay chunk.
func (s *Scrollback) Snapshot() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.size == 0 {
		return nil
	}
	out := make([]byte, 0, s.size)
	for _, c := range s.chunks {
		out = append(out, c...)
	}
	return out
}

// Len returns the current byte size, never exceeding the configured cap
// except to accommodate one oversize single chunk.
func (s *Scrollback) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}
