package dispatch

import (
	"strings"

	"github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/telerouter/comm"
)

var _ = ginkgo.Describe("Registration payload", func() {
	ginkgo.It("should round trip a queue name", func() {
		p, err := EncodeRegistration("router.core3")
		Expect(err).ToNot(HaveOccurred())

		name, err := DecodeRegistration(p)

		Expect(err).ToNot(HaveOccurred())
		Expect(name).To(Equal("router.core3"))
	})

	ginkgo.It("should reject garbage", func() {
		_, err := DecodeRegistration([]byte{'X', 1, 'a'})
		Expect(err).To(MatchError(ErrBadPayload))

		_, err = DecodeRegistration([]byte{'R', 5, 'a'})
		Expect(err).To(MatchError(ErrBadPayload))

		_, err = EncodeRegistration(strings.Repeat("q", 300))
		Expect(err).To(MatchError(ErrBadPayload))
	})
})

var _ = ginkgo.Describe("Table", func() {
	var (
		table  *Table
		fabric *comm.Fabric
	)

	ginkgo.BeforeEach(func() {
		table = NewTable()
		fabric = comm.NewFabric()
	})

	ginkgo.It("should register the queue announced in the payload", func() {
		q, _ := fabric.Create("router.core1", 4)
		p, _ := EncodeRegistration("router.core1")

		got, err := table.Register(1, p, fabric)

		Expect(err).ToNot(HaveOccurred())
		Expect(got).To(BeIdenticalTo(q))
		found, ok := table.Lookup(1)
		Expect(ok).To(BeTrue())
		Expect(found).To(BeIdenticalTo(q))
	})

	ginkgo.It("should fail when the announced queue does not exist", func() {
		p, _ := EncodeRegistration("router.core9")

		_, err := table.Register(9, p, fabric)

		Expect(err).To(MatchError(comm.ErrQueueNotFound))
		Expect(table.Len()).To(Equal(0))
	})

	ginkgo.It("should keep one entry per processor, last write wins", func() {
		first, _ := fabric.Create("router.core1", 4)
		second, _ := fabric.Create("router.core1.restarted", 4)

		Expect(table.Set(1, first)).To(BeFalse())
		Expect(table.Set(1, second)).To(BeTrue())

		Expect(table.Len()).To(Equal(1))
		q, _ := table.Lookup(1)
		Expect(q).To(BeIdenticalTo(second))
	})

	ginkgo.It("should list ids in order", func() {
		for _, id := range []comm.ProcessorID{3, 1, 2} {
			table.Set(id, comm.NewQueue(id.String(), 1))
		}

		Expect(table.IDs()).To(Equal([]comm.ProcessorID{1, 2, 3}))
		Expect(table.Snapshot()[0]).To(Equal(Entry{Processor: 1, Queue: "core1"}))

		table.Remove(2)
		Expect(table.IDs()).To(Equal([]comm.ProcessorID{1, 3}))
	})
})
