// Package muxcore holds the data model, error kinds, and window registry
// shared by the PTY host, the external session adapter, the output
// fanout, and the attachment coordinator.
package muxcore

import "errors"

// Sentinel error kinds, one per semantic kind in the error handling design.
// Wrap with fmt.Errorf("...: %w", ErrX) to attach a cause; callers use
// errors.Is to classify.
var (
	// ErrSpawn means the child process could not be started: missing
	// executable, bad cwd, or the PTY could not be allocated.
	ErrSpawn = errors.New("muxcore: spawn failed")

	// ErrNotFound means a window or subscriber ID is unknown to the registry.
	ErrNotFound = errors.New("muxcore: not found")

	// ErrTerminal means the window has already exited or been killed.
	ErrTerminal = errors.New("muxcore: window is terminal")

	// ErrClosed means the host's file descriptor was closed between a
	// liveness check and use.
	ErrClosed = errors.New("muxcore: host closed")

	// ErrGone means the external multiplexer's backing window vanished
	// between enumeration and attach.
	ErrGone = errors.New("muxcore: external window gone")

	// ErrSlowConsumer names the slow-consumer eviction kind. An evicted
	// subscriber's sink receives it as a ChunkSlowConsumerEvicted control
	// chunk, not as this error value; no operation returns it.
	ErrSlowConsumer = errors.New("muxcore: slow consumer evicted")

	// ErrInvalid means malformed input: zero dimensions, an empty command,
	// or an ID that fails the grammar in ParseID.
	ErrInvalid = errors.New("muxcore: invalid input")

	// ErrTimeout means a synchronous operation exceeded its deadline.
	ErrTimeout = errors.New("muxcore: operation timed out")
)
