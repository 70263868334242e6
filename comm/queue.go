package comm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sarchlab/telerouter/hooking"
)

// HookPosQueuePush marks when a message is pushed into a queue.
var HookPosQueuePush = &hooking.HookPos{Name: "Queue Push"}

// HookPosQueuePop marks when a message is popped from a queue.
var HookPosQueuePop = &hooking.HookPos{Name: "Queue Pop"}

// Forever makes PopTimeout wait without a deadline.
const Forever time.Duration = -1

var (
	// ErrTimeout is returned when a blocking pop times out.
	ErrTimeout = errors.New("comm: timed out")

	// ErrQueueFull is returned when pushing into a full queue.
	ErrQueueFull = errors.New("comm: queue full")

	// ErrQueueClosed is returned when pushing into a closed queue.
	ErrQueueClosed = errors.New("comm: queue closed")
)

// Queue is a bounded FIFO of messages. Pushing a message claims it for the
// queue; popping releases the claim to the caller. A message can be held by
// at most one queue at a time.
type Queue struct {
	*hooking.HookableBase

	name     string
	capacity int

	lock   sync.Mutex
	ring   []*Message
	head   int
	size   int
	closed bool
	signal chan struct{}
}

// NewQueue creates a queue. Its storage is allocated once, here.
func NewQueue(name string, capacity int) *Queue {
	if capacity <= 0 {
		panic("queue capacity must be positive")
	}

	return &Queue{
		HookableBase: hooking.NewHookableBase(),
		name:         name,
		capacity:     capacity,
		ring:         make([]*Message, capacity),
		signal:       make(chan struct{}, 1),
	}
}

// Name returns the name of the queue.
func (q *Queue) Name() string {
	return q.name
}

// Capacity returns the maximum number of messages the queue holds.
func (q *Queue) Capacity() int {
	return q.capacity
}

// Size returns the number of messages currently queued.
func (q *Queue) Size() int {
	q.lock.Lock()
	defer q.lock.Unlock()

	return q.size
}

// Signal returns a channel that receives a value whenever a message arrives.
// A receive does not guarantee a message is still there.
func (q *Queue) Signal() <-chan struct{} {
	return q.signal
}

// Push appends m. It never blocks.
func (q *Queue) Push(m *Message) error {
	if m == nil {
		panic("pushing nil message")
	}

	if holder := m.HeldBy(); holder != "" {
		panic(fmt.Sprintf("%s pushed to %s while held by %s", m, q.name, holder))
	}

	var trace Trace
	if q.NumHooks() > 0 {
		trace = m.Trace()
	}

	q.lock.Lock()

	if q.closed {
		q.lock.Unlock()
		return fmt.Errorf("%w: %s", ErrQueueClosed, q.name)
	}

	if q.size == q.capacity {
		q.lock.Unlock()
		return fmt.Errorf("%w: %s", ErrQueueFull, q.name)
	}

	if !m.holder.CompareAndSwap(nil, q) {
		q.lock.Unlock()
		panic(fmt.Sprintf("%s pushed to %s while held by %s",
			m, q.name, m.HeldBy()))
	}

	q.ring[(q.head+q.size)%q.capacity] = m
	q.size++
	q.lock.Unlock()

	q.notify()

	if q.NumHooks() > 0 {
		q.InvokeHook(hooking.HookCtx{
			Domain: q,
			Pos:    HookPosQueuePush,
			Item:   trace,
		})
	}

	return nil
}

// Pop removes the head message, returning nil if the queue is empty.
func (q *Queue) Pop() *Message {
	q.lock.Lock()

	if q.size == 0 {
		q.lock.Unlock()
		return nil
	}

	m := q.ring[q.head]
	q.ring[q.head] = nil
	q.head = (q.head + 1) % q.capacity
	q.size--
	remaining := q.size
	m.holder.Store(nil)
	q.lock.Unlock()

	if remaining > 0 {
		q.notify()
	}

	if q.NumHooks() > 0 {
		q.InvokeHook(hooking.HookCtx{
			Domain: q,
			Pos:    HookPosQueuePop,
			Item:   m,
		})
	}

	return m
}

// PopTimeout waits up to timeout for a message. A zero timeout polls once;
// Forever waits indefinitely.
func (q *Queue) PopTimeout(timeout time.Duration) (*Message, error) {
	if m := q.Pop(); m != nil {
		return m, nil
	}

	if timeout == 0 {
		return nil, fmt.Errorf("%w: %s", ErrTimeout, q.name)
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		select {
		case <-q.signal:
			if m := q.Pop(); m != nil {
				return m, nil
			}
		case <-deadline:
			if m := q.Pop(); m != nil {
				return m, nil
			}

			return nil, fmt.Errorf("%w: %s", ErrTimeout, q.name)
		}
	}
}

// PopContext waits for a message until ctx is done.
func (q *Queue) PopContext(ctx context.Context) (*Message, error) {
	for {
		if m := q.Pop(); m != nil {
			return m, nil
		}

		select {
		case <-q.signal:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close makes further pushes fail. Queued messages can still be popped.
func (q *Queue) Close() {
	q.lock.Lock()
	q.closed = true
	q.lock.Unlock()
}

func (q *Queue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
