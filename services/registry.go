package services

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sarchlab/telerouter/comm"
)

var (
	// ErrUnknownService is returned for ids that were never added.
	ErrUnknownService = errors.New("services: unknown service")

	// ErrDuplicateService is returned when an id is added twice.
	ErrDuplicateService = errors.New("services: duplicate service")
)

// Descriptor is the scheduling state of one service. Times are in router
// ticks.
type Descriptor struct {
	ID                   comm.ServiceID
	PeriodTicks          uint64
	NextScheduledTick    uint64
	PendingEnergyRequest bool
	Emissions            uint64
	SkippedTicks         uint64
}

type entry struct {
	Descriptor

	svc Service
}

// Registry holds the descriptors of the services on one core. Every method
// is safe to call from any goroutine; the lock is never held across a
// callback.
type Registry struct {
	lock       sync.Mutex
	tickPeriod time.Duration
	now        uint64
	order      []*entry
	byID       map[comm.ServiceID]*entry
	wake       chan struct{}
}

// NewRegistry creates a registry for a router ticking every tickPeriod.
func NewRegistry(tickPeriod time.Duration) *Registry {
	if tickPeriod <= 0 {
		panic("tick period must be positive")
	}

	return &Registry{
		tickPeriod: tickPeriod,
		byID:       make(map[comm.ServiceID]*entry),
		wake:       make(chan struct{}, 1),
	}
}

// TickPeriod returns the router tick period.
func (r *Registry) TickPeriod() time.Duration {
	return r.tickPeriod
}

// Add hosts svc under id. The service starts disabled.
func (r *Registry) Add(id comm.ServiceID, svc Service) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if _, found := r.byID[id]; found {
		return fmt.Errorf("%w: %d", ErrDuplicateService, id)
	}

	e := &entry{Descriptor: Descriptor{ID: id}, svc: svc}
	r.order = append(r.order, e)
	r.byID[id] = e

	return nil
}

// Service returns the callbacks registered under id.
func (r *Registry) Service(id comm.ServiceID) (Service, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()

	e, found := r.byID[id]
	if !found {
		return nil, false
	}

	return e.svc, true
}

// NormalizePeriod converts a period into router ticks. Zero disables the
// service, anything shorter than a tick becomes one tick, and longer periods
// are floored to a whole number of ticks.
func (r *Registry) NormalizePeriod(period time.Duration) uint64 {
	if period <= 0 {
		return 0
	}

	if period < r.tickPeriod {
		return 1
	}

	return uint64(period / r.tickPeriod)
}

// SetPeriod changes how often id emits and schedules its next emission one
// period from now.
func (r *Registry) SetPeriod(id comm.ServiceID, period time.Duration) error {
	ticks := r.NormalizePeriod(period)

	r.lock.Lock()
	defer r.lock.Unlock()

	e, found := r.byID[id]
	if !found {
		return fmt.Errorf("%w: %d", ErrUnknownService, id)
	}

	e.PeriodTicks = ticks
	e.NextScheduledTick = r.now + ticks

	return nil
}

// RequestEnergy asks id to emit as soon as possible and wakes the router.
func (r *Registry) RequestEnergy(id comm.ServiceID) error {
	r.lock.Lock()

	e, found := r.byID[id]
	if !found {
		r.lock.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownService, id)
	}

	e.PendingEnergyRequest = true
	r.lock.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}

	return nil
}

// Wake receives a value whenever an energy request is pending.
func (r *Registry) Wake() <-chan struct{} {
	return r.wake
}

// Now returns the current router tick.
func (r *Registry) Now() uint64 {
	r.lock.Lock()
	defer r.lock.Unlock()

	return r.now
}

// Advance moves the clock one tick forward and returns the new tick.
func (r *Registry) Advance() uint64 {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.now++

	return r.now
}

// AppendDue appends to dst the services whose next tick has elapsed.
//
// When running is false the due services are skipped and their schedule is
// left alone. When a service is more than one period behind, its schedule is
// rebased on the current tick, so missed emissions are dropped rather than
// replayed.
func (r *Registry) AppendDue(dst []comm.ServiceID, running bool) []comm.ServiceID {
	r.lock.Lock()
	defer r.lock.Unlock()

	for _, e := range r.order {
		if e.PeriodTicks == 0 || r.now < e.NextScheduledTick {
			continue
		}

		if !running {
			e.SkippedTicks++
			continue
		}

		e.NextScheduledTick += e.PeriodTicks
		if e.NextScheduledTick <= r.now {
			e.NextScheduledTick = r.now + e.PeriodTicks
		}

		e.Emissions++
		dst = append(dst, e.ID)
	}

	return dst
}

// AppendEnergyRequests clears every pending energy request and appends the
// ids that had one to dst.
func (r *Registry) AppendEnergyRequests(dst []comm.ServiceID) []comm.ServiceID {
	r.lock.Lock()
	defer r.lock.Unlock()

	for _, e := range r.order {
		if !e.PendingEnergyRequest {
			continue
		}

		e.PendingEnergyRequest = false
		dst = append(dst, e.ID)
	}

	return dst
}

// Snapshot copies every descriptor, in registration order.
func (r *Registry) Snapshot() []Descriptor {
	r.lock.Lock()
	defer r.lock.Unlock()

	out := make([]Descriptor, 0, len(r.order))
	for _, e := range r.order {
		out = append(out, e.Descriptor)
	}

	return out
}

// Descriptor returns a copy of the descriptor of id.
func (r *Registry) Descriptor(id comm.ServiceID) (Descriptor, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	e, found := r.byID[id]
	if !found {
		return Descriptor{}, fmt.Errorf("%w: %d", ErrUnknownService, id)
	}

	return e.Descriptor, nil
}
