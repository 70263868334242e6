package comm

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/telerouter/hooking"
)

type posRecorder struct {
	positions []*hooking.HookPos
	items     []any
}

func (r *posRecorder) Func(ctx hooking.HookCtx) {
	r.positions = append(r.positions, ctx.Pos)
	r.items = append(r.items, ctx.Item)
}

var _ = Describe("Queue", func() {
	var q *Queue

	BeforeEach(func() {
		q = NewQueue("Q", 2)
	})

	It("should keep FIFO order", func() {
		m1 := NewMessage(8)
		m2 := NewMessage(8)

		Expect(q.Push(m1)).To(Succeed())
		Expect(q.Push(m2)).To(Succeed())

		Expect(q.Size()).To(Equal(2))
		Expect(q.Pop()).To(BeIdenticalTo(m1))
		Expect(q.Pop()).To(BeIdenticalTo(m2))
		Expect(q.Pop()).To(BeNil())
	})

	It("should reject pushes when full", func() {
		Expect(q.Push(NewMessage(8))).To(Succeed())
		Expect(q.Push(NewMessage(8))).To(Succeed())

		err := q.Push(NewMessage(8))

		Expect(err).To(MatchError(ErrQueueFull))
	})

	It("should track which queue holds a message", func() {
		m := NewMessage(8)

		Expect(q.Push(m)).To(Succeed())
		Expect(m.HeldBy()).To(Equal("Q"))

		q.Pop()
		Expect(m.HeldBy()).To(BeEmpty())
	})

	It("should panic when a held message is pushed again", func() {
		other := NewQueue("Other", 2)
		m := NewMessage(8)
		Expect(q.Push(m)).To(Succeed())

		Expect(func() { _ = other.Push(m) }).To(Panic())
		Expect(func() { _ = q.Push(m) }).To(Panic())
		Expect(other.Size()).To(Equal(0))
		Expect(q.Size()).To(Equal(1))
	})

	It("should time out on an empty queue", func() {
		start := time.Now()

		m, err := q.PopTimeout(20 * time.Millisecond)

		Expect(m).To(BeNil())
		Expect(err).To(MatchError(ErrTimeout))
		Expect(time.Since(start)).To(BeNumerically("<", time.Second))
	})

	It("should poll with a zero timeout", func() {
		_, err := q.PopTimeout(0)

		Expect(err).To(MatchError(ErrTimeout))
	})

	It("should wake a blocked pop when a message arrives", func() {
		m := NewMessage(8)
		go func() {
			time.Sleep(10 * time.Millisecond)
			_ = q.Push(m)
		}()

		got, err := q.PopTimeout(Forever)

		Expect(err).ToNot(HaveOccurred())
		Expect(got).To(BeIdenticalTo(m))
	})

	It("should stop waiting when the context is cancelled", func() {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := q.PopContext(ctx)

		Expect(err).To(MatchError(context.Canceled))
	})

	It("should reject pushes after close", func() {
		q.Close()

		Expect(q.Push(NewMessage(8))).To(MatchError(ErrQueueClosed))
	})

	It("should invoke hooks on push and pop", func() {
		rec := &posRecorder{}
		q.AcceptHook(rec)

		Expect(q.Push(NewMessage(8))).To(Succeed())
		q.Pop()

		Expect(rec.positions).To(Equal(
			[]*hooking.HookPos{HookPosQueuePush, HookPosQueuePop}))
	})

	It("should hand push hooks a snapshot taken before the push", func() {
		rec := &posRecorder{}
		q.AcceptHook(rec)

		m := NewMessage(8)
		m.Reset()
		m.Dst = 3
		m.Service = 9
		id := m.ID

		Expect(q.Push(m)).To(Succeed())
		Expect(q.Pop()).To(BeIdenticalTo(m))
		m.Reset()

		Expect(rec.items[0]).To(Equal(Trace{
			ID:     id,
			Header: Header{Kind: KindEvent, Dst: 3, Service: 9},
		}))
	})
})

var _ = Describe("Fabric", func() {
	var f *Fabric

	BeforeEach(func() {
		f = NewFabric()
	})

	It("should fail to open a queue nobody created", func() {
		_, err := f.Open("master")

		Expect(err).To(MatchError(ErrQueueNotFound))
	})

	It("should open a created queue", func() {
		q, err := f.Create("master", 4)
		Expect(err).ToNot(HaveOccurred())

		opened, err := f.Open("master")

		Expect(err).ToNot(HaveOccurred())
		Expect(opened).To(BeIdenticalTo(q))
		Expect(f.Names()).To(Equal([]string{"master"}))
	})

	It("should refuse duplicated names", func() {
		_, err := f.Create("master", 4)
		Expect(err).ToNot(HaveOccurred())

		_, err = f.Create("master", 4)
		Expect(err).To(MatchError(ErrQueueExists))
		Expect(f.Publish(NewQueue("master", 1))).To(MatchError(ErrQueueExists))
	})

	It("should withdraw a name on close", func() {
		q, _ := f.Create("master", 4)

		Expect(f.Close("master")).To(Succeed())

		_, err := f.Open("master")
		Expect(err).To(MatchError(ErrQueueNotFound))
		Expect(q.Push(NewMessage(1))).To(Succeed())
		Expect(f.Close("master")).To(MatchError(ErrQueueNotFound))
	})
})
