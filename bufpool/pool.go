// Package bufpool provides fixed-size pools of pre-allocated message
// buffers. A pool is primed once; afterwards buffers only circulate between
// queues and are never allocated or freed.
package bufpool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sarchlab/telerouter/comm"
	"github.com/sarchlab/telerouter/hooking"
)

// Forever makes Acquire wait until a buffer is available.
const Forever = comm.Forever

// HookPosAcquire marks when a buffer leaves the pool.
var HookPosAcquire = &hooking.HookPos{Name: "Pool Acquire"}

// HookPosRelease marks when a buffer is handed back to its reply target.
var HookPosRelease = &hooking.HookPos{Name: "Pool Release"}

// HookPosExhausted marks when an acquire gives up on an empty pool.
var HookPosExhausted = &hooking.HookPos{Name: "Pool Exhausted"}

var (
	// ErrBufferExhausted is returned when no buffer became free in time.
	ErrBufferExhausted = errors.New("bufpool: buffer exhausted")

	// ErrPrimeFailed is returned when a pool cannot be primed.
	ErrPrimeFailed = errors.New("bufpool: prime failed")
)

// Pool is a fixed set of equally sized buffers kept on a free queue.
type Pool struct {
	*hooking.HookableBase

	name       string
	bufferSize int
	free       *comm.Queue
}

// Prime allocates count buffers of bufferSize bytes and puts them on the
// free queue. This is the only allocation a pool ever performs.
func Prime(name string, bufferSize, count int) (*Pool, error) {
	if bufferSize <= 0 || count <= 0 {
		return nil, fmt.Errorf("%w: %s size=%d count=%d",
			ErrPrimeFailed, name, bufferSize, count)
	}

	p := &Pool{
		HookableBase: hooking.NewHookableBase(),
		name:         name,
		bufferSize:   bufferSize,
		free:         comm.NewQueue(name+".Free", count),
	}

	for i := 0; i < count; i++ {
		m := comm.NewMessage(bufferSize)
		m.ReplyTarget = p.free

		if err := p.free.Push(m); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrPrimeFailed, name, err)
		}
	}

	return p, nil
}

// MustPrime is Prime for start-up code where failing to prime is fatal.
func MustPrime(name string, bufferSize, count int) *Pool {
	p, err := Prime(name, bufferSize, count)
	if err != nil {
		panic(err)
	}

	return p
}

// Name returns the name of the pool.
func (p *Pool) Name() string {
	return p.name
}

// BufferSize returns the payload capacity of each buffer.
func (p *Pool) BufferSize() int {
	return p.bufferSize
}

// Capacity returns the number of buffers primed.
func (p *Pool) Capacity() int {
	return p.free.Capacity()
}

// Free returns the number of buffers currently in the pool.
func (p *Pool) Free() int {
	return p.free.Size()
}

// Queue returns the free queue, which is the reply target of every buffer
// of this pool.
func (p *Pool) Queue() *comm.Queue {
	return p.free
}

// Acquire takes a buffer, waiting up to timeout. A zero timeout polls once.
// Running out of buffers is reported as ErrBufferExhausted and leaves the
// pool untouched.
func (p *Pool) Acquire(timeout time.Duration) (*comm.Message, error) {
	m, err := p.free.PopTimeout(timeout)
	if err != nil {
		p.hook(HookPosExhausted, nil)
		return nil, fmt.Errorf("%w: %s: %w", ErrBufferExhausted, p.name, err)
	}

	p.prepare(m)

	return m, nil
}

// AcquireContext takes a buffer, waiting until one is free or ctx is done.
func (p *Pool) AcquireContext(ctx context.Context) (*comm.Message, error) {
	m, err := p.free.PopContext(ctx)
	if err != nil {
		return nil, err
	}

	p.prepare(m)

	return m, nil
}

// Release hands m back to the queue named by its reply target, which may
// belong to a pool on another core.
func (p *Pool) Release(m *comm.Message) error {
	p.hook(HookPosRelease, m)
	return Release(m)
}

// Release hands m back to its reply target.
func Release(m *comm.Message) error {
	if m.ReplyTarget == nil {
		panic(fmt.Sprintf("%s has no reply target", m))
	}

	return m.ReplyTarget.Push(m)
}

func (p *Pool) prepare(m *comm.Message) {
	m.Reset()
	m.ReplyTarget = p.free

	p.hook(HookPosAcquire, m)
}

func (p *Pool) hook(pos *hooking.HookPos, item any) {
	if p.NumHooks() == 0 {
		return
	}

	p.InvokeHook(hooking.HookCtx{
		Domain: p,
		Pos:    pos,
		Item:   item,
	})
}
