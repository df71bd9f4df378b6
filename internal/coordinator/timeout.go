package coordinator

import (
	"time"

	"github.com/mobileforge/termbroker/internal/muxcore"
)

// withTimeout runs fn on its own goroutine and returns muxcore.ErrTimeout
// if it does not complete within d. Per spec §4.5, the operation is
// abandoned, not cancelled — fn may still complete and mutate state
// after the timeout fires, which is deliberate: cancelling mid-PTY
// syscall risks corruption.
func withTimeout[T any](d time.Duration, clock muxcore.Clock, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()

	timer := clock.NewTimer(d)
	defer timer.Stop()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-timer.C():
		var zero T
		return zero, muxcore.ErrTimeout
	}
}
