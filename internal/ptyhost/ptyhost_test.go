package ptyhost_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/mobileforge/termbroker/internal/muxcore"
	"github.com/mobileforge/termbroker/internal/ptyhost"
)

var _ = Describe("Host", func() {
	var h *ptyhost.Host

	AfterEach(func() {
		if h != nil {
			_ = h.Kill()
		}
	})

	It("rejects an empty command", func() {
		_, err := ptyhost.Spawn(ptyhost.SpawnConfig{Command: "", Cols: 80, Rows: 24})
		Expect(err).To(MatchError(muxcore.ErrInvalid))
	})

	It("rejects a zero-size viewport", func() {
		_, err := ptyhost.Spawn(ptyhost.SpawnConfig{Command: "cat", Cols: 0, Rows: 24})
		Expect(err).To(MatchError(muxcore.ErrInvalid))
	})

	It("wraps a missing executable as ErrSpawn", func() {
		_, err := ptyhost.Spawn(ptyhost.SpawnConfig{Command: "definitely-not-a-real-binary-xyz", Cols: 80, Rows: 24})
		Expect(err).To(MatchError(muxcore.ErrSpawn))
	})

	It("echoes input back through OnBytes", func() {
		var err error
		h, err = ptyhost.Spawn(ptyhost.SpawnConfig{Command: "cat", Cols: 80, Rows: 24})
		Expect(err).NotTo(HaveOccurred())

		received := make(chan []byte, 8)
		h.OnBytes(func(b []byte) { received <- append([]byte(nil), b...) })

		_, err = h.Write([]byte("hello\n"))
		Expect(err).NotTo(HaveOccurred())

		Eventually(received, time.Second).Should(Receive(ContainSubstring("hello")))
	})

	It("fires OnExit exactly once when the child exits on its own", func() {
		var err error
		h, err = ptyhost.Spawn(ptyhost.SpawnConfig{Command: "sh", Args: []string{"-c", "exit 3"}, Cols: 80, Rows: 24})
		Expect(err).NotTo(HaveOccurred())

		exitCh := make(chan int, 4)
		h.OnExit(func(code int, signal string) { exitCh <- code })
		h.OnBytes(func([]byte) {})

		Eventually(exitCh, 2*time.Second).Should(Receive())
		Consistently(exitCh, 200*time.Millisecond).ShouldNot(Receive())
	})

	It("returns ErrClosed from Write after the host has exited", func() {
		var err error
		h, err = ptyhost.Spawn(ptyhost.SpawnConfig{Command: "sh", Args: []string{"-c", "exit 0"}, Cols: 80, Rows: 24})
		Expect(err).NotTo(HaveOccurred())

		done := make(chan struct{})
		h.OnExit(func(int, string) { close(done) })
		h.OnBytes(func([]byte) {})

		Eventually(done, 2*time.Second).Should(BeClosed())
		_, err = h.Write([]byte("x"))
		Expect(err).To(MatchError(muxcore.ErrClosed))
	})

	It("escalates to SIGKILL when the process ignores SIGTERM past the grace period", func() {
		var err error
		h, err = ptyhost.Spawn(ptyhost.SpawnConfig{
			Command:   "sh",
			Args:      []string{"-c", "trap '' TERM; sleep 30"},
			Cols:      80,
			Rows:      24,
			KillGrace: 100 * time.Millisecond,
		})
		Expect(err).NotTo(HaveOccurred())
		h.OnBytes(func([]byte) {})

		done := make(chan struct{})
		go func() {
			defer close(done)
			Expect(h.Kill()).To(Succeed())
		}()

		Eventually(done, 2*time.Second).Should(BeClosed())
	})
})
