package services

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/telerouter/comm"
)

var _ = Describe("Registry", func() {
	const tick = 10 * time.Millisecond

	var reg *Registry

	advance := func(n int) {
		for i := 0; i < n; i++ {
			reg.Advance()
		}
	}

	BeforeEach(func() {
		reg = NewRegistry(tick)
		Expect(reg.Add(1, Funcs{})).To(Succeed())
		Expect(reg.Add(2, Funcs{})).To(Succeed())
	})

	It("should refuse duplicated ids", func() {
		Expect(reg.Add(1, Funcs{})).To(MatchError(ErrDuplicateService))
	})

	It("should refuse unknown ids", func() {
		Expect(reg.SetPeriod(9, tick)).To(MatchError(ErrUnknownService))
		Expect(reg.RequestEnergy(9)).To(MatchError(ErrUnknownService))
	})

	Context("when normalizing periods", func() {
		It("should disable on zero", func() {
			Expect(reg.SetPeriod(1, 0)).To(Succeed())

			d, _ := reg.Descriptor(1)
			Expect(d.PeriodTicks).To(BeZero())
		})

		It("should round short periods up to one router tick", func() {
			advance(5)

			Expect(reg.SetPeriod(1, 3*time.Millisecond)).To(Succeed())

			d, _ := reg.Descriptor(1)
			gap := time.Duration(d.NextScheduledTick-reg.Now()) * tick
			Expect(gap).To(Equal(tick))
		})

		It("should floor other periods to a multiple of the tick", func() {
			Expect(reg.SetPeriod(1, 35*time.Millisecond)).To(Succeed())

			d, _ := reg.Descriptor(1)
			Expect(d.PeriodTicks).To(Equal(uint64(3)))
			Expect(d.NextScheduledTick).To(Equal(uint64(3)))
		})
	})

	It("should report services once their period elapses", func() {
		Expect(reg.SetPeriod(1, 2*tick)).To(Succeed())
		Expect(reg.SetPeriod(2, 3*tick)).To(Succeed())

		var fired [][]comm.ServiceID
		for i := 0; i < 6; i++ {
			reg.Advance()
			fired = append(fired, reg.AppendDue(nil, true))
		}

		Expect(fired).To(Equal([][]comm.ServiceID{
			nil,
			{1},
			{2},
			{1},
			nil,
			{1, 2},
		}))
	})

	It("should skip without advancing while the master is down", func() {
		Expect(reg.SetPeriod(1, tick)).To(Succeed())
		advance(1)

		Expect(reg.AppendDue(nil, false)).To(BeEmpty())
		advance(4)
		Expect(reg.AppendDue(nil, false)).To(BeEmpty())

		d, _ := reg.Descriptor(1)
		Expect(d.NextScheduledTick).To(Equal(uint64(1)))
		Expect(d.SkippedTicks).To(Equal(uint64(2)))
	})

	It("should not replay missed periods after reconnection", func() {
		Expect(reg.SetPeriod(1, tick)).To(Succeed())
		advance(10)

		Expect(reg.AppendDue(nil, true)).To(Equal([]comm.ServiceID{1}))
		Expect(reg.AppendDue(nil, true)).To(BeEmpty())

		d, _ := reg.Descriptor(1)
		Expect(d.NextScheduledTick).To(Equal(uint64(11)))
	})

	It("should clear energy requests exactly once", func() {
		Expect(reg.RequestEnergy(2)).To(Succeed())
		Expect(reg.RequestEnergy(2)).To(Succeed())

		Eventually(reg.Wake()).Should(Receive())
		Expect(reg.AppendEnergyRequests(nil)).To(Equal([]comm.ServiceID{2}))
		Expect(reg.AppendEnergyRequests(nil)).To(BeEmpty())
	})

	It("should accept period updates from many goroutines", func() {
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_ = reg.SetPeriod(1, time.Duration(i+1)*tick)
				reg.AppendDue(nil, true)
			}(i)
		}
		wg.Wait()

		d, _ := reg.Descriptor(1)
		Expect(d.PeriodTicks).To(BeNumerically(">=", 1))
		Expect(d.NextScheduledTick - reg.Now()).To(Equal(d.PeriodTicks))
	})

	It("should adapt closures to the service interface", func() {
		called := 0
		svc := Funcs{Periodic: func(context.Context, comm.ServiceID) {
			called++
		}}

		svc.OnPeriodic(context.Background(), 1)
		svc.OnEnergyRequested(context.Background(), 1)
		svc.OnInboundMessage(context.Background(), 1, nil)

		Expect(called).To(Equal(1))
	})
})
