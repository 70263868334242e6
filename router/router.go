// Package router implements the per-core transfer agent that moves packets
// between services, peer cores and the host.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
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

var (
	// HookPosRouted fires after a message leaves the router's hands, either to
	// the host, a peer core or a local service.
	HookPosRouted = &hooking.HookPos{Name: "Router Routed"}

	// HookPosNack fires when a NACK is generated.
	HookPosNack = &hooking.HookPos{Name: "Router Nack"}

	// HookPosUnsent fires when a send is dropped.
	HookPosUnsent = &hooking.HookPos{Name: "Router Unsent"}

	// HookPosRegistered fires when the master records a slave.
	HookPosRegistered = &hooking.HookPos{Name: "Router Registered"}
)

var (
	// ErrMasterUnavailable is reported through hooks and logs when the master
	// cannot accept host-bound traffic.
	ErrMasterUnavailable = errors.New("router: master unavailable")

	// ErrNotMaster is returned by operations only the master can perform.
	ErrNotMaster = errors.New("router: not the master")
)

// Status tells a sender what happened to the message it handed over.
type Status int

// Send outcomes.
const (
	StatusSent Status = iota
	StatusQueued
	StatusUnsent
)

func (s Status) String() string {
	switch s {
	case StatusSent:
		return "sent"
	case StatusQueued:
		return "queued"
	case StatusUnsent:
		return "unsent"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// BroadcastPolicy decides how a broadcast behaves when not every copy can get
// a buffer.
type BroadcastPolicy int

// Broadcast policies.
const (
	// BestEffort copies to every peer a buffer can be found for and skips
	// the rest.
	BestEffort BroadcastPolicy = iota

	// AllOrNothing reserves every copy first. On shortage no peer receives
	// the broadcast and the host is NACKed.
	AllOrNothing
)

func (p BroadcastPolicy) String() string {
	switch p {
	case BestEffort:
		return "best_effort"
	case AllOrNothing:
		return "all_or_nothing"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParseBroadcastPolicy converts a policy name back to its value.
func ParseBroadcastPolicy(s string) (BroadcastPolicy, error) {
	switch s {
	case "best_effort", "":
		return BestEffort, nil
	case "all_or_nothing":
		return AllOrNothing, nil
	default:
		return 0, fmt.Errorf("router: unknown broadcast policy %q", s)
	}
}

// Ticker delivers the router's base timer.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type wallTicker struct {
	*time.Ticker
}

func (t wallTicker) C() <-chan time.Time {
	return t.Ticker.C
}

// InboundQueueName is the fabric name of a core's inbound queue. The master's
// name is the well-known handle slaves wait for.
func InboundQueueName(id comm.ProcessorID) string {
	return fmt.Sprintf("router.core%d", int32(id))
}

type taskKey struct{}

// A Router is the transfer agent of one core.
type Router struct {
	*hooking.HookableBase

	name     string
	self     comm.ProcessorID
	master   comm.ProcessorID
	isMaster bool

	masterRunning atomic.Bool
	masterQueue   atomic.Pointer[comm.Queue]
	started       atomic.Bool

	inbound *comm.Queue
	fabric  *comm.Fabric

	transport     transport.Transport
	transportLock sync.Mutex
	handles       map[comm.Kind]transport.Handle

	eventPool   *bufpool.Pool
	controlPool *bufpool.Pool
	inboundPool *bufpool.Pool

	services  *services.Registry
	table     *dispatch.Table
	registrar *registration.Registrar

	broadcastPolicy  BroadcastPolicy
	broadcastTimeout time.Duration
	ticker           Ticker

	log   zerolog.Logger
	stats Stats

	// Scratch space owned by the router task.
	dueIDs    []comm.ServiceID
	energyIDs []comm.ServiceID
	peerIDs   []comm.ProcessorID
	copies    []*comm.Message
}

// Name returns the name of the router.
func (r *Router) Name() string {
	return r.name
}

// ID returns the core the router runs on.
func (r *Router) ID() comm.ProcessorID {
	return r.self
}

// IsMaster reports whether this router owns the host link.
func (r *Router) IsMaster() bool {
	return r.isMaster
}

// MasterRunning reports whether host-bound traffic is currently accepted.
func (r *Router) MasterRunning() bool {
	return r.masterRunning.Load()
}

// Inbound returns the router's inbound queue.
func (r *Router) Inbound() *comm.Queue {
	return r.inbound
}

// Services returns the service registry.
func (r *Router) Services() *services.Registry {
	return r.services
}

// Table returns the dispatch table. Only the master fills it.
func (r *Router) Table() *dispatch.Table {
	return r.table
}

// Pools returns the event, control and inbound pools.
func (r *Router) Pools() []*bufpool.Pool {
	return []*bufpool.Pool{r.eventPool, r.controlPool, r.inboundPool}
}

// InboundPool returns the pool host packets are received into.
func (r *Router) InboundPool() *bufpool.Pool {
	return r.inboundPool
}

// Stats returns a snapshot of the router counters.
func (r *Router) Stats() StatsSnapshot {
	return r.stats.Snapshot()
}

// RegistrationState returns where a slave is in registration. The master
// always reports Registered.
func (r *Router) RegistrationState() registration.State {
	if r.registrar == nil {
		return registration.StateRegistered
	}

	return r.registrar.State()
}

// Registrar returns the slave registrar, or nil on the master.
func (r *Router) Registrar() *registration.Registrar {
	return r.registrar
}

// Start publishes the inbound queue and, on the master, opens the host
// streams. Publishing the master's queue is what tells slaves the master is
// ready. Start is idempotent.
func (r *Router) Start() error {
	if !r.started.CompareAndSwap(false, true) {
		return nil
	}

	if r.isMaster {
		if err := r.startTransport(); err != nil {
			r.started.Store(false)
			return err
		}

		r.masterQueue.Store(r.inbound)
		r.masterRunning.Store(true)
	}

	if err := r.fabric.Publish(r.inbound); err != nil {
		r.started.Store(false)
		return err
	}

	r.log.Info().Bool("master", r.isMaster).Msg("router started")

	return nil
}

// Register runs slave registration in the calling goroutine.
func (r *Router) Register(ctx context.Context) error {
	if r.registrar == nil {
		return nil
	}

	return r.registrar.Run(ctx)
}

// Run is the router task. It returns when ctx is done.
func (r *Router) Run(ctx context.Context) error {
	if err := r.Start(); err != nil {
		return err
	}

	if r.registrar != nil && r.registrar.State() != registration.StateRegistered {
		r.registrar.Restart(ctx)
	}

	ticker := r.ticker
	if ticker == nil {
		ticker = wallTicker{time.NewTicker(r.services.TickPeriod())}
	}
	defer ticker.Stop()

	ctx = r.taskContext(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			r.Tick(ctx)
		case <-r.inbound.Signal():
			r.Drain(ctx)
		case <-r.services.Wake():
			r.Energize(ctx)
		}
	}
}

// Tick advances the service clock and runs periodic callbacks that are due.
// Tick, Drain and Energize must be called from a single task.
func (r *Router) Tick(ctx context.Context) {
	ctx = r.taskContext(ctx)

	r.services.Advance()
	r.dueIDs = r.services.AppendDue(r.dueIDs[:0], r.masterRunning.Load())

	for _, id := range r.dueIDs {
		if svc, ok := r.services.Service(id); ok {
			svc.OnPeriodic(ctx, id)
		}
	}
}

// Energize runs the energy callbacks of services that requested it.
func (r *Router) Energize(ctx context.Context) {
	ctx = r.taskContext(ctx)

	r.energyIDs = r.services.AppendEnergyRequests(r.energyIDs[:0])

	for _, id := range r.energyIDs {
		if svc, ok := r.services.Service(id); ok {
			svc.OnEnergyRequested(ctx, id)
		}
	}
}

// Drain routes every message waiting in the inbound queue.
func (r *Router) Drain(ctx context.Context) {
	ctx = r.taskContext(ctx)

	for {
		m := r.inbound.Pop()
		if m == nil {
			return
		}

		r.handle(ctx, m)
	}
}

// Send hands m over for delivery to the host. The caller loses ownership of
// m whatever the outcome. An error is only returned when the master's queue
// rejected the message.
func (r *Router) Send(ctx context.Context, m *comm.Message) (Status, error) {
	m.Src = r.self
	m.Dst = comm.Host
	m.Action = comm.ActionToHost

	if !r.masterRunning.Load() {
		return r.drop(m, ErrMasterUnavailable), nil
	}

	if r.isMaster && r.onTask(ctx) {
		return r.transmit(m), nil
	}

	target := r.masterQueue.Load()
	if target == nil {
		return r.drop(m, ErrMasterUnavailable), nil
	}

	if err := target.Push(m); err != nil {
		return r.drop(m, err), err
	}

	r.stats.queued.Add(1)

	return StatusQueued, nil
}

// Acquire takes a buffer from the event or control pool.
func (r *Router) Acquire(kind comm.Kind, timeout time.Duration) (*comm.Message, error) {
	pool := r.eventPool
	if kind == comm.KindControl {
		pool = r.controlPool
	}

	m, err := pool.Acquire(timeout)
	if err != nil {
		return nil, err
	}

	m.Kind = kind

	return m, nil
}

// Inject queues a packet received from the host. Anything but a Stop
// request is tagged as host traffic to route.
func (r *Router) Inject(m *comm.Message) error {
	if m.Action != comm.ActionStop {
		m.Action = comm.ActionFromHost
	}

	return r.inbound.Push(m)
}

// AddService registers a service on this core.
func (r *Router) AddService(id comm.ServiceID, svc services.Service) error {
	return r.services.Add(id, svc)
}

// SetPeriod changes how often a service's periodic callback runs.
func (r *Router) SetPeriod(id comm.ServiceID, period time.Duration) error {
	return r.services.SetPeriod(id, period)
}

// RequestEnergy asks the router task to run the service's energy callback.
func (r *Router) RequestEnergy(id comm.ServiceID) error {
	return r.services.RequestEnergy(id)
}

// Shutdown stops the master. Slaves are told to stop and the master's
// well-known queue is withdrawn so they wait for a new master.
func (r *Router) Shutdown() error {
	if !r.isMaster {
		return ErrNotMaster
	}

	if err := r.withdraw(); err != nil {
		return err
	}

	r.log.Info().Msg("master shut down")

	return nil
}

// withdraw takes the master out of service: host-bound traffic stops, the
// well-known queue disappears so re-registering slaves wait in
// AwaitingMaster, and every registered slave is told to stop.
func (r *Router) withdraw() error {
	r.masterRunning.Store(false)

	err := r.fabric.Close(r.inbound.Name())
	if err != nil && !errors.Is(err, comm.ErrQueueNotFound) {
		return err
	}

	r.stopSlaves()

	return nil
}

// Resume lets the master accept host-bound traffic again, republishing its
// queue if it was withdrawn.
func (r *Router) Resume() error {
	if !r.isMaster {
		return ErrNotMaster
	}

	err := r.fabric.Publish(r.inbound)
	if err != nil && !errors.Is(err, comm.ErrQueueExists) {
		return err
	}

	r.masterRunning.Store(true)
	r.log.Info().Msg("master resumed")

	return nil
}

func (r *Router) taskContext(ctx context.Context) context.Context {
	if r.onTask(ctx) {
		return ctx
	}

	return context.WithValue(ctx, taskKey{}, r)
}

func (r *Router) onTask(ctx context.Context) bool {
	owner, _ := ctx.Value(taskKey{}).(*Router)
	return owner == r
}

// hook reports a message by Trace, so observers never read a buffer the
// router has already handed on.
func (r *Router) hook(pos *hooking.HookPos, t comm.Trace, detail any) {
	if r.NumHooks() == 0 {
		return
	}

	r.InvokeHook(hooking.HookCtx{
		Domain: r,
		Pos:    pos,
		Item:   t,
		Detail: detail,
	})
}

func (r *Router) release(m *comm.Message) {
	if err := bufpool.Release(m); err != nil {
		r.log.Error().Err(err).Stringer("msg", m).Msg("release failed")
	}
}

func (r *Router) drop(m *comm.Message, reason error) Status {
	r.stats.unsent.Add(1)
	r.hook(HookPosUnsent, m.Trace(), reason)
	r.release(m)

	return StatusUnsent
}
