package transport

import (
	"fmt"
	"sync"

	"github.com/sarchlab/telerouter/comm"
)

// Frame is a packet as seen by the host.
type Frame struct {
	Header  comm.Header
	Payload []byte
}

// Loopback is an in-memory host link. The host side injects frames with
// Inject and reads what the router sent from Outbound.
type Loopback struct {
	lock         sync.Mutex
	handles      map[Handle]comm.Kind
	nextHandle   Handle
	starts       int
	stops        int
	failReceives int
	failSends    int

	inbound   chan Frame
	outbound  chan Frame
	done      chan struct{}
	closeOnce sync.Once
}

var _ Transport = (*Loopback)(nil)

// NewLoopback creates a loopback transport that buffers up to depth frames in
// each direction.
func NewLoopback(depth int) *Loopback {
	return &Loopback{
		handles:  make(map[Handle]comm.Kind),
		inbound:  make(chan Frame, depth),
		outbound: make(chan Frame, depth),
		done:     make(chan struct{}),
	}
}

// Start implements Transport.
func (l *Loopback) Start(kind comm.Kind) (Handle, error) {
	select {
	case <-l.done:
		return 0, ErrStopped
	default:
	}

	l.lock.Lock()
	defer l.lock.Unlock()

	l.nextHandle++
	l.handles[l.nextHandle] = kind
	l.starts++

	return l.nextHandle, nil
}

// Stop implements Transport.
func (l *Loopback) Stop(h Handle) error {
	l.lock.Lock()
	defer l.lock.Unlock()

	if _, found := l.handles[h]; !found {
		return fmt.Errorf("%w: handle %d", ErrStopped, h)
	}

	delete(l.handles, h)
	l.stops++

	return nil
}

// Send implements Transport. The payload is copied, so the router may
// recycle m as soon as Send returns.
func (l *Loopback) Send(kind comm.Kind, m *comm.Message) error {
	l.lock.Lock()
	if !l.startedLocked(kind) {
		l.lock.Unlock()
		return fmt.Errorf("%w: %s stream not started", ErrStopped, kind)
	}

	if l.failSends > 0 {
		l.failSends--
		l.lock.Unlock()

		return ErrInjectedFailure
	}
	l.lock.Unlock()

	f := Frame{
		Header:  m.Header(),
		Payload: append([]byte(nil), m.Payload()...),
	}

	select {
	case l.outbound <- f:
		return nil
	default:
		return ErrHostBusy
	}
}

// Receive implements Transport.
func (l *Loopback) Receive(m *comm.Message) (int, error) {
	l.lock.Lock()
	if l.failReceives > 0 {
		l.failReceives--
		l.lock.Unlock()

		return 0, ErrInjectedFailure
	}
	l.lock.Unlock()

	select {
	case f := <-l.inbound:
		if len(f.Payload) > m.Capacity() {
			return 0, fmt.Errorf("%w: %d > %d",
				ErrFrameTooLarge, len(f.Payload), m.Capacity())
		}

		n := copy(m.Buffer(), f.Payload)
		_ = m.SetLength(n)
		m.ApplyHeader(f.Header)

		return n, nil
	case <-l.done:
		return 0, ErrStopped
	}
}

// Inject queues a frame from the host.
func (l *Loopback) Inject(h comm.Header, payload []byte) error {
	f := Frame{Header: h, Payload: append([]byte(nil), payload...)}

	select {
	case l.inbound <- f:
		return nil
	default:
		return ErrHostBusy
	}
}

// Outbound delivers the frames the router sent to the host.
func (l *Loopback) Outbound() <-chan Frame {
	return l.outbound
}

// FailReceives makes the next n receives fail.
func (l *Loopback) FailReceives(n int) {
	l.lock.Lock()
	defer l.lock.Unlock()

	l.failReceives = n
}

// FailSends makes the next n sends fail.
func (l *Loopback) FailSends(n int) {
	l.lock.Lock()
	defer l.lock.Unlock()

	l.failSends = n
}

// Restarts reports how many times streams were started and stopped.
func (l *Loopback) Restarts() (starts, stops int) {
	l.lock.Lock()
	defer l.lock.Unlock()

	return l.starts, l.stops
}

// Close unblocks pending receives and refuses new starts.
func (l *Loopback) Close() {
	l.closeOnce.Do(func() { close(l.done) })
}

func (l *Loopback) startedLocked(kind comm.Kind) bool {
	for _, k := range l.handles {
		if k == kind {
			return true
		}
	}

	return false
}
