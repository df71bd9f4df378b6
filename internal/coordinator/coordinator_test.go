package coordinator_test

import (
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/mobileforge/termbroker/internal/coordinator"
	"github.com/mobileforge/termbroker/internal/muxcore"
)

func collectingSink() (muxcore.Sink, func() []muxcore.Chunk) {
	var mu sync.Mutex
	var chunks []muxcore.Chunk
	sink := func(c muxcore.Chunk) error {
		mu.Lock()
		defer mu.Unlock()
		chunks = append(chunks, c)
		return nil
	}
	snapshot := func() []muxcore.Chunk {
		mu.Lock()
		defer mu.Unlock()
		out := make([]muxcore.Chunk, len(chunks))
		copy(out, chunks)
		return out
	}
	return sink, snapshot
}

var _ = Describe("Coordinator", func() {
	var coord *coordinator.Coordinator

	BeforeEach(func() {
		coord = coordinator.New(coordinator.Config{
			OpTimeout:  2 * time.Second,
			DrainGrace: 20 * time.Millisecond,
		})
	})

	AfterEach(func() {
		coord.Shutdown()
	})

	It("creates a direct-PTY window and lists it", func() {
		id, err := coord.Create(muxcore.WindowSpec{
			ProjectPath: "/proj",
			Cmd:         []string{"cat"},
			Cols:        80,
			Rows:        24,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(id).To(HavePrefix("pty-"))

		summaries := coord.List(muxcore.Filter{})
		Expect(summaries).To(HaveLen(1))
		Expect(summaries[0].ID).To(Equal(id))
		Expect(summaries[0].Source).To(Equal(muxcore.SourceDirectPTY))
	})

	It("rejects Create with an empty command", func() {
		_, err := coord.Create(muxcore.WindowSpec{Cols: 80, Rows: 24})
		Expect(err).To(MatchError(muxcore.ErrInvalid))
	})

	It("round-trips bytes written to an attached subscriber", func() {
		id, err := coord.Create(muxcore.WindowSpec{Cmd: []string{"cat"}, Cols: 80, Rows: 24})
		Expect(err).NotTo(HaveOccurred())

		sink, snapshot := collectingSink()
		subID, err := coord.Attach(id, sink, 80, 24)
		Expect(err).NotTo(HaveOccurred())
		Expect(subID).NotTo(BeEmpty())

		_, err = coord.Write(id, []byte("ping\n"))
		Expect(err).NotTo(HaveOccurred())

		Eventually(func() string {
			var out []byte
			for _, c := range snapshot() {
				if c.Kind == muxcore.ChunkBytes {
					out = append(out, c.Bytes...)
				}
			}
			return string(out)
		}, time.Second).Should(ContainSubstring("ping"))
	})

	It("replays scrollback to a second subscriber before live bytes", func() {
		id, err := coord.Create(muxcore.WindowSpec{Cmd: []string{"cat"}, Cols: 80, Rows: 24})
		Expect(err).NotTo(HaveOccurred())

		sink1, _ := collectingSink()
		_, err = coord.Attach(id, sink1, 80, 24)
		Expect(err).NotTo(HaveOccurred())

		_, err = coord.Write(id, []byte("backlog\n"))
		Expect(err).NotTo(HaveOccurred())
		time.Sleep(100 * time.Millisecond) // let the echo land in scrollback

		sink2, snapshot2 := collectingSink()
		_, err = coord.Attach(id, sink2, 80, 24)
		Expect(err).NotTo(HaveOccurred())

		Eventually(func() bool {
			chunks := snapshot2()
			return len(chunks) > 0 && chunks[0].Kind == muxcore.ChunkBytes
		}, time.Second).Should(BeTrue())
	})

	It("returns ErrNotFound for operations on an unknown window", func() {
		_, err := coord.Attach("pty-does-not-exist", func(muxcore.Chunk) error { return nil }, 80, 24)
		Expect(err).To(MatchError(muxcore.ErrNotFound))

		_, err = coord.Write("pty-does-not-exist", []byte("x"))
		Expect(err).To(MatchError(muxcore.ErrNotFound))

		Expect(coord.Resize("pty-does-not-exist", 80, 24)).To(MatchError(muxcore.ErrNotFound))
	})

	It("drains subscribers with a WindowExited control chunk on Kill", func() {
		id, err := coord.Create(muxcore.WindowSpec{Cmd: []string{"cat"}, Cols: 80, Rows: 24})
		Expect(err).NotTo(HaveOccurred())

		sink, snapshot := collectingSink()
		_, err = coord.Attach(id, sink, 80, 24)
		Expect(err).NotTo(HaveOccurred())

		Expect(coord.Kill(id)).To(Succeed())

		Eventually(func() bool {
			for _, c := range snapshot() {
				if c.Kind == muxcore.ChunkWindowExited {
					return true
				}
			}
			return false
		}, time.Second).Should(BeTrue())

		Eventually(func() []muxcore.WindowSummary {
			return coord.List(muxcore.Filter{})
		}, time.Second).Should(BeEmpty())
	})

	It("treats Kill as idempotent", func() {
		id, err := coord.Create(muxcore.WindowSpec{Cmd: []string{"cat"}, Cols: 80, Rows: 24})
		Expect(err).NotTo(HaveOccurred())

		Expect(coord.Kill(id)).To(Succeed())
		Expect(coord.Kill(id)).To(Succeed())
		Expect(coord.Kill("pty-never-existed")).To(Succeed())
	})

	It("applies last-resize-wins and rejects a zero viewport", func() {
		id, err := coord.Create(muxcore.WindowSpec{Cmd: []string{"cat"}, Cols: 80, Rows: 24})
		Expect(err).NotTo(HaveOccurred())

		Expect(coord.Resize(id, 100, 40)).To(Succeed())
		Expect(coord.Resize(id, 0, 40)).To(MatchError(muxcore.ErrInvalid))

		summaries := coord.List(muxcore.Filter{})
		Expect(summaries[0].Cols).To(Equal(100))
		Expect(summaries[0].Rows).To(Equal(40))
	})

	It("reports a fallback reason when multiplexing was requested but unavailable", func() {
		id, err := coord.Create(muxcore.WindowSpec{
			Cmd:               []string{"cat"},
			Cols:              80,
			Rows:              24,
			PreferMultiplexed: true,
		})
		Expect(err).NotTo(HaveOccurred())

		summaries := coord.List(muxcore.Filter{})
		Expect(summaries[0].FallbackReason).To(Equal("tmux_not_found"))
		Expect(summaries[0].Source).To(Equal(muxcore.SourceDirectPTY))
	})
})
