// Package services keeps the schedule of the services hosted on a core and
// defines the callbacks the router drives them through.
package services

import (
	"context"

	"github.com/sarchlab/telerouter/comm"
)

// A Service produces diagnostic payloads. All callbacks run synchronously on
// the router task and must not block indefinitely.
type Service interface {
	// OnPeriodic is called when the service's period elapses.
	OnPeriodic(ctx context.Context, id comm.ServiceID)

	// OnEnergyRequested is called once per energy request.
	OnEnergyRequested(ctx context.Context, id comm.ServiceID)

	// OnInboundMessage is called with a host packet addressed to the
	// service. The router releases m after the callback returns, so the
	// callback must copy anything it wants to keep.
	OnInboundMessage(ctx context.Context, id comm.ServiceID, m *comm.Message)
}

// Funcs adapts optional closures to the Service interface. Nil fields are
// ignored.
type Funcs struct {
	Periodic func(ctx context.Context, id comm.ServiceID)
	Energy   func(ctx context.Context, id comm.ServiceID)
	Inbound  func(ctx context.Context, id comm.ServiceID, m *comm.Message)
}

// OnPeriodic implements Service.
func (f Funcs) OnPeriodic(ctx context.Context, id comm.ServiceID) {
	if f.Periodic != nil {
		f.Periodic(ctx, id)
	}
}

// OnEnergyRequested implements Service.
func (f Funcs) OnEnergyRequested(ctx context.Context, id comm.ServiceID) {
	if f.Energy != nil {
		f.Energy(ctx, id)
	}
}

// OnInboundMessage implements Service.
func (f Funcs) OnInboundMessage(
	ctx context.Context,
	id comm.ServiceID,
	m *comm.Message,
) {
	if f.Inbound != nil {
		f.Inbound(ctx, id, m)
	}
}
