package router

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sarchlab/telerouter/bufpool"
	"github.com/sarchlab/telerouter/comm"
	"github.com/sarchlab/telerouter/dispatch"
	"github.com/sarchlab/telerouter/hooking"
	"github.com/sarchlab/telerouter/registration"
	"github.com/sarchlab/telerouter/services"
	"github.com/sarchlab/telerouter/transport"
)

// PoolSpec sizes one buffer pool.
type PoolSpec struct {
	BufferSize int
	Count      int
}

// Builder can build routers.
type Builder struct {
	processor        comm.ProcessorID
	master           comm.ProcessorID
	tickPeriod       time.Duration
	fabric           *comm.Fabric
	opener           comm.Opener
	transport        transport.Transport
	inboundDepth     int
	eventPool        PoolSpec
	controlPool      PoolSpec
	inboundPool      PoolSpec
	broadcastPolicy  BroadcastPolicy
	broadcastTimeout time.Duration
	backoff          registration.Backoff
	logger           zerolog.Logger
	ticker           Ticker
}

// MakeBuilder returns a Builder with default parameters.
func MakeBuilder() Builder {
	return Builder{
		tickPeriod:       10 * time.Millisecond,
		inboundDepth:     256,
		eventPool:        PoolSpec{BufferSize: 256, Count: 32},
		controlPool:      PoolSpec{BufferSize: 64, Count: 8},
		inboundPool:      PoolSpec{BufferSize: 256, Count: 32},
		broadcastPolicy:  BestEffort,
		broadcastTimeout: 0,
		backoff:          registration.Backoff{Interval: 50 * time.Millisecond},
		logger:           zerolog.Nop(),
	}
}

// WithProcessor sets the id of the core the router runs on.
func (b Builder) WithProcessor(id comm.ProcessorID) Builder {
	b.processor = id
	return b
}

// WithMaster sets the id of the core that owns the host link.
func (b Builder) WithMaster(id comm.ProcessorID) Builder {
	b.master = id
	return b
}

// WithTickPeriod sets the base timer period.
func (b Builder) WithTickPeriod(period time.Duration) Builder {
	b.tickPeriod = period
	return b
}

// WithFabric sets the fabric inbound queues are published in.
func (b Builder) WithFabric(f *comm.Fabric) Builder {
	b.fabric = f
	return b
}

// WithOpener sets how a slave looks up the master's queue. It defaults to
// the fabric.
func (b Builder) WithOpener(o comm.Opener) Builder {
	b.opener = o
	return b
}

// WithTransport sets the host transport. Only the master uses it.
func (b Builder) WithTransport(t transport.Transport) Builder {
	b.transport = t
	return b
}

// WithInboundDepth sets the capacity of the inbound queue.
func (b Builder) WithInboundDepth(depth int) Builder {
	b.inboundDepth = depth
	return b
}

// WithEventPool sizes the pool services send events from.
func (b Builder) WithEventPool(spec PoolSpec) Builder {
	b.eventPool = spec
	return b
}

// WithControlPool sizes the pool control messages come from.
func (b Builder) WithControlPool(spec PoolSpec) Builder {
	b.controlPool = spec
	return b
}

// WithInboundPool sizes the pool host packets and broadcast copies use.
func (b Builder) WithInboundPool(spec PoolSpec) Builder {
	b.inboundPool = spec
	return b
}

// WithBroadcastPolicy sets how broadcasts behave under buffer shortage.
func (b Builder) WithBroadcastPolicy(p BroadcastPolicy) Builder {
	b.broadcastPolicy = p
	return b
}

// WithBroadcastTimeout bounds the wait for each broadcast copy buffer.
func (b Builder) WithBroadcastTimeout(timeout time.Duration) Builder {
	b.broadcastTimeout = timeout
	return b
}

// WithRegistrationBackoff sets the retry schedule for slave registration.
func (b Builder) WithRegistrationBackoff(backoff registration.Backoff) Builder {
	b.backoff = backoff
	return b
}

// WithLogger sets the logger.
func (b Builder) WithLogger(logger zerolog.Logger) Builder {
	b.logger = logger
	return b
}

// WithTicker replaces the wall-clock ticker Run uses.
func (b Builder) WithTicker(t Ticker) Builder {
	b.ticker = t
	return b
}

// Build creates a router. Failing to prime a pool aborts the build.
func (b Builder) Build(name string) (*Router, error) {
	if b.fabric == nil {
		return nil, errors.New("router: fabric is required")
	}

	isMaster := b.processor == b.master
	if isMaster && b.transport == nil {
		return nil, errors.New("router: master requires a transport")
	}

	if b.inboundDepth <= 0 {
		return nil, fmt.Errorf("router: invalid inbound depth %d", b.inboundDepth)
	}

	r := &Router{
		HookableBase:     hooking.NewHookableBase(),
		name:             name,
		self:             b.processor,
		master:           b.master,
		isMaster:         isMaster,
		fabric:           b.fabric,
		transport:        b.transport,
		handles:          make(map[comm.Kind]transport.Handle),
		services:         services.NewRegistry(b.tickPeriod),
		table:            dispatch.NewTable(),
		broadcastPolicy:  b.broadcastPolicy,
		broadcastTimeout: b.broadcastTimeout,
		ticker:           b.ticker,
		log: b.logger.With().
			Str("component", name).
			Stringer("core", b.processor).
			Logger(),
	}

	r.inbound = comm.NewQueue(InboundQueueName(b.processor), b.inboundDepth)

	if err := b.primePools(r); err != nil {
		return nil, err
	}

	opener := b.opener
	if opener == nil {
		opener = b.fabric
	}

	if !isMaster {
		reg, err := registration.New(registration.Config{
			Self:        b.processor,
			Master:      b.master,
			MasterQueue: InboundQueueName(b.master),
			ReplyQueue:  r.inbound.Name(),
			Opener:      opener,
			Pool:        r.controlPool,
			Backoff:     b.backoff,
			OnRegistered: func(master *comm.Queue) {
				r.masterQueue.Store(master)
				r.masterRunning.Store(true)
			},
			Logger: r.log,
		})
		if err != nil {
			return nil, err
		}

		r.registrar = reg
	}

	return r, nil
}

func (b Builder) primePools(r *Router) error {
	var err error

	r.eventPool, err = bufpool.Prime(
		r.name+".EventPool", b.eventPool.BufferSize, b.eventPool.Count)
	if err != nil {
		return err
	}

	r.controlPool, err = bufpool.Prime(
		r.name+".ControlPool", b.controlPool.BufferSize, b.controlPool.Count)
	if err != nil {
		return err
	}

	r.inboundPool, err = bufpool.Prime(
		r.name+".InboundPool", b.inboundPool.BufferSize, b.inboundPool.Count)
	if err != nil {
		return err
	}

	return nil
}
