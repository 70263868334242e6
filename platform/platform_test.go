package platform_test

import (
	"context"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/rs/zerolog"

	"github.com/sarchlab/telerouter/comm"
	"github.com/sarchlab/telerouter/config"
	"github.com/sarchlab/telerouter/platform"
	"github.com/sarchlab/telerouter/recording"
	"github.com/sarchlab/telerouter/transport"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Cores = 3
	cfg.TickPeriod = time.Millisecond
	cfg.RegistrationInterval = time.Millisecond
	cfg.HeartbeatPeriod = 0

	return cfg
}

var _ = Describe("Platform", func() {
	var (
		p      *platform.Platform
		ctx    context.Context
		cancel context.CancelFunc
		done   chan error
	)

	start := func(cfg config.Config) {
		var err error
		p, err = platform.New(cfg, zerolog.Nop())
		Expect(err).NotTo(HaveOccurred())

		ctx, cancel = context.WithCancel(context.Background())
		done = make(chan error, 1)

		go func() { done <- p.Run(ctx) }()

		waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
		defer waitCancel()
		Expect(p.WaitRegistered(waitCtx)).To(Succeed())
	}

	AfterEach(func() {
		if cancel == nil {
			return
		}

		cancel()
		Eventually(done, 5*time.Second).Should(Receive(BeNil()))
		cancel = nil
	})

	It("should reject an invalid configuration", func() {
		cfg := testConfig()
		cfg.Master = 7

		_, err := platform.New(cfg, zerolog.Nop())
		Expect(err).To(HaveOccurred())
	})

	It("should pick the configured master", func() {
		cfg := testConfig()
		cfg.Master = 2
		start(cfg)

		Expect(p.Master().ID()).To(Equal(comm.ProcessorID(2)))
		Expect(p.Cores()).To(HaveLen(3))
		Expect(p.Master().Table().IDs()).To(ConsistOf(
			comm.ProcessorID(0), comm.ProcessorID(1)))
	})

	It("should echo a broadcast from every core", func() {
		start(testConfig())

		Expect(p.Host().Inject(comm.Header{
			Kind:    comm.KindEvent,
			Dst:     comm.Broadcast,
			Service: platform.EchoService,
		}, []byte("ping"))).To(Succeed())

		srcs := map[comm.ProcessorID]bool{}
		for range 3 {
			var f transport.Frame
			Eventually(p.Host().Outbound()).Should(Receive(&f))
			Expect(f.Payload).To(Equal([]byte("ping")))
			Expect(f.Header.Service).To(Equal(platform.EchoService))
			srcs[f.Header.Src] = true
		}

		Expect(srcs).To(HaveLen(3))
	})

	It("should report a slave heartbeat on request", func() {
		start(testConfig())

		core, ok := p.Core(1)
		Expect(ok).To(BeTrue())
		Eventually(core.Router.MasterRunning).Should(BeTrue())
		Expect(core.Router.RequestEnergy(platform.HeartbeatService)).To(Succeed())

		var f transport.Frame
		Eventually(p.Host().Outbound()).Should(Receive(&f))

		beat, err := platform.DecodeBeat(f.Payload)
		Expect(err).NotTo(HaveOccurred())
		Expect(beat).To(Equal(platform.Beat{Core: 1, Seq: 1, Energy: true}))
		Expect(f.Header.Src).To(Equal(comm.ProcessorID(1)))
	})

	It("should record traffic into SQLite", func() {
		cfg := testConfig()
		cfg.RecordBackend = "sqlite"
		cfg.RecordPath = filepath.Join(GinkgoT().TempDir(), "traffic")
		start(cfg)

		Expect(p.Host().Inject(comm.Header{
			Kind:    comm.KindEvent,
			Dst:     comm.Broadcast,
			Service: platform.EchoService,
		}, []byte("rec"))).To(Succeed())

		for range 3 {
			Eventually(p.Host().Outbound()).Should(Receive())
		}

		cancel()
		Eventually(done, 5*time.Second).Should(Receive(BeNil()))
		cancel = nil

		summary, err := recording.Summarize(cfg.RecordPath + ".sqlite3")
		Expect(err).NotTo(HaveOccurred())
		Expect(summary.Total).To(BeNumerically(">", 0))
	})

	It("should refuse to run twice", func() {
		start(testConfig())

		Expect(p.Run(ctx)).To(MatchError(platform.ErrAlreadyRunning))
	})
})

var _ = Describe("Beat", func() {
	It("should round-trip through a buffer", func() {
		b := platform.Beat{Core: 3, Seq: 42, Energy: true}
		buf := make([]byte, 16)

		got, err := platform.DecodeBeat(b.Encode(buf))
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal(b))
	})

	It("should reject a short payload", func() {
		_, err := platform.DecodeBeat([]byte{1, 2})
		Expect(err).To(MatchError(platform.ErrShortBeat))
	})
})
