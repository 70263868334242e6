// Package transport defines the link between the master core and the host.
package transport

import (
	"errors"

	"github.com/sarchlab/telerouter/comm"
)

var (
	// ErrStopped is returned when the transport has no started handle or has
	// been closed.
	ErrStopped = errors.New("transport: stopped")

	// ErrHostBusy is returned when the host side cannot take more frames.
	ErrHostBusy = errors.New("transport: host busy")

	// ErrFrameTooLarge is returned when a received frame does not fit the
	// receiving buffer.
	ErrFrameTooLarge = errors.New("transport: frame too large")

	// ErrInjectedFailure is returned by fault injection.
	ErrInjectedFailure = errors.New("transport: injected failure")
)

// Handle identifies a started packet stream.
type Handle uint64

// Transport moves packets between the master core and the host. The router
// only reads the routing header; payload bytes are opaque.
type Transport interface {
	// Start opens the stream for a packet kind.
	Start(kind comm.Kind) (Handle, error)

	// Stop closes a stream opened by Start.
	Stop(h Handle) error

	// Send transmits m to the host. The caller keeps ownership of m.
	Send(kind comm.Kind, m *comm.Message) error

	// Receive blocks until a host packet arrives and fills m with it,
	// returning the payload length.
	Receive(m *comm.Message) (int, error)
}
