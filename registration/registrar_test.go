package registration

import (
	"context"
	"math/rand"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/telerouter/bufpool"
	"github.com/sarchlab/telerouter/comm"
	"github.com/sarchlab/telerouter/dispatch"
)

// lateMaster fails the first n opens, simulating a master that has not
// started yet.
type lateMaster struct {
	sync.Mutex
	fabric   *comm.Fabric
	failures int
	calls    int
}

func (o *lateMaster) Open(name string) (*comm.Queue, error) {
	o.Lock()
	defer o.Unlock()

	o.calls++
	if o.calls <= o.failures {
		return nil, comm.ErrQueueNotFound
	}

	return o.fabric.Open(name)
}

var _ = Describe("Registrar", func() {
	var (
		fabric     *comm.Fabric
		masterQ    *comm.Queue
		pool       *bufpool.Pool
		opener     *lateMaster
		registered chan *comm.Queue
		cfg        Config
	)

	BeforeEach(func() {
		fabric = comm.NewFabric()
		masterQ, _ = fabric.Create("router.core0", 8)
		pool = bufpool.MustPrime("Core1.Control", 64, 2)
		opener = &lateMaster{fabric: fabric}
		registered = make(chan *comm.Queue, 4)
		cfg = Config{
			Self:         1,
			Master:       0,
			MasterQueue:  "router.core0",
			ReplyQueue:   "router.core1",
			Opener:       opener,
			Pool:         pool,
			Backoff:      Backoff{Interval: time.Millisecond},
			OnRegistered: func(q *comm.Queue) { registered <- q },
		}
	})

	It("should require its collaborators", func() {
		_, err := New(Config{})

		Expect(err).To(HaveOccurred())
	})

	It("should retry until the master appears and then register", func() {
		opener.failures = 2
		r, err := New(cfg)
		Expect(err).ToNot(HaveOccurred())

		Expect(r.Run(context.Background())).To(Succeed())

		Expect(r.Attempts()).To(Equal(int64(3)))
		Expect(r.State()).To(Equal(StateRegistered))
		Expect(registered).To(Receive(BeIdenticalTo(masterQ)))

		m := masterQ.Pop()
		Expect(m).ToNot(BeNil())
		Expect(m.Action).To(Equal(comm.ActionRegister))
		Expect(m.Kind).To(Equal(comm.KindControl))
		Expect(m.Src).To(Equal(comm.ProcessorID(1)))
		name, err := dispatch.DecodeRegistration(m.Payload())
		Expect(err).ToNot(HaveOccurred())
		Expect(name).To(Equal("router.core1"))
		Expect(m.ReplyTarget).To(BeIdenticalTo(pool.Queue()))
	})

	It("should give up after MaxAttempts", func() {
		opener.failures = 10
		cfg.MaxAttempts = 3
		r, _ := New(cfg)

		err := r.Run(context.Background())

		Expect(err).To(MatchError(ErrMasterNotFound))
		Expect(r.State()).To(Equal(StateUnregistered))
		Expect(pool.Free()).To(Equal(2))
	})

	It("should stop waiting when the context ends", func() {
		opener.failures = 1 << 30
		cfg.Backoff = Backoff{Interval: time.Hour}
		r, _ := New(cfg)
		ctx, cancel := context.WithCancel(context.Background())

		go func() {
			time.Sleep(10 * time.Millisecond)
			cancel()
		}()

		Expect(r.Run(ctx)).To(MatchError(context.Canceled))
		Expect(r.State()).To(Equal(StateUnregistered))
	})

	It("should retry when no control buffer is free", func() {
		held1, _ := pool.Acquire(bufpool.Forever)
		held2, _ := pool.Acquire(bufpool.Forever)
		cfg.AcquireTimeout = time.Millisecond
		cfg.MaxAttempts = 2
		r, _ := New(cfg)

		err := r.Run(context.Background())

		Expect(err).To(MatchError(bufpool.ErrBufferExhausted))
		Expect(bufpool.Release(held1)).To(Succeed())
		Expect(bufpool.Release(held2)).To(Succeed())
	})

	It("should restart in the background", func() {
		r, _ := New(cfg)

		Expect(r.Restart(context.Background())).To(BeTrue())

		Eventually(registered).Should(Receive())
		Eventually(r.Running).Should(BeFalse())
		Expect(r.State()).To(Equal(StateRegistered))

		r.MarkUnregistered()
		Expect(r.State()).To(Equal(StateUnregistered))
	})
})

var _ = Describe("Backoff", func() {
	It("should use a fixed interval by default", func() {
		b := Backoff{Interval: 100 * time.Millisecond}

		Expect(b.Delay(1, nil)).To(Equal(100 * time.Millisecond))
		Expect(b.Delay(5, nil)).To(Equal(100 * time.Millisecond))
	})

	It("should grow up to the maximum", func() {
		b := Backoff{
			Interval:    10 * time.Millisecond,
			Multiplier:  2,
			MaxInterval: 50 * time.Millisecond,
		}

		Expect(b.Delay(2, nil)).To(Equal(20 * time.Millisecond))
		Expect(b.Delay(3, nil)).To(Equal(40 * time.Millisecond))
		Expect(b.Delay(4, nil)).To(Equal(50 * time.Millisecond))
	})

	It("should keep jitter within half to one and a half times", func() {
		b := Backoff{Interval: 100 * time.Millisecond, Jitter: true}
		rng := rand.New(rand.NewSource(1))

		for i := 0; i < 20; i++ {
			d := b.Delay(1, rng)
			Expect(d).To(BeNumerically(">=", 50*time.Millisecond))
			Expect(d).To(BeNumerically("<", 150*time.Millisecond))
		}
	})
})
