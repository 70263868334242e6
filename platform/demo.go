package platform

import (
	"context"
	"encoding/binary"
	"errors"
	"sync/atomic"
	"time"

	"github.com/sarchlab/telerouter/bufpool"
	"github.com/sarchlab/telerouter/comm"
	"github.com/sarchlab/telerouter/router"
)

// Services every core of the platform hosts.
const (
	HeartbeatService comm.ServiceID = 1
	EchoService      comm.ServiceID = 2
)

// ErrShortBeat is returned when decoding a truncated heartbeat.
var ErrShortBeat = errors.New("platform: short heartbeat payload")

const beatSize = 9

// Endpoint is what a demo service needs from its router.
type Endpoint interface {
	ID() comm.ProcessorID
	Acquire(kind comm.Kind, timeout time.Duration) (*comm.Message, error)
	Send(ctx context.Context, m *comm.Message) (router.Status, error)
}

// Beat is the payload of a heartbeat.
type Beat struct {
	Core   comm.ProcessorID
	Seq    uint32
	Energy bool
}

// Encode writes the beat into p, which must hold at least 9 bytes.
func (b Beat) Encode(p []byte) []byte {
	binary.LittleEndian.PutUint32(p[0:4], uint32(b.Core))
	binary.LittleEndian.PutUint32(p[4:8], b.Seq)

	p[8] = 0
	if b.Energy {
		p[8] = 1
	}

	return p[:beatSize]
}

// DecodeBeat parses a heartbeat payload.
func DecodeBeat(p []byte) (Beat, error) {
	if len(p) < beatSize {
		return Beat{}, ErrShortBeat
	}

	return Beat{
		Core:   comm.ProcessorID(int32(binary.LittleEndian.Uint32(p[0:4]))),
		Seq:    binary.LittleEndian.Uint32(p[4:8]),
		Energy: p[8] == 1,
	}, nil
}

// ServiceStats counts what a demo service did with its sends.
type ServiceStats struct {
	Sent    uint64 `json:"sent"`
	Queued  uint64 `json:"queued"`
	Unsent  uint64 `json:"unsent"`
	Starved uint64 `json:"starved"`
}

type sendCounters struct {
	sent    atomic.Uint64
	queued  atomic.Uint64
	unsent  atomic.Uint64
	starved atomic.Uint64
}

func (c *sendCounters) count(s router.Status) {
	switch s {
	case router.StatusSent:
		c.sent.Add(1)
	case router.StatusQueued:
		c.queued.Add(1)
	default:
		c.unsent.Add(1)
	}
}

func (c *sendCounters) snapshot() ServiceStats {
	return ServiceStats{
		Sent:    c.sent.Load(),
		Queued:  c.queued.Load(),
		Unsent:  c.unsent.Load(),
		Starved: c.starved.Load(),
	}
}

// Heartbeat reports its core and a sequence number every period and
// whenever energy is requested.
type Heartbeat struct {
	out      Endpoint
	seq      atomic.Uint32
	counters sendCounters
}

// NewHeartbeat creates a heartbeat service sending through out.
func NewHeartbeat(out Endpoint) *Heartbeat {
	return &Heartbeat{out: out}
}

// Stats returns the send counters.
func (h *Heartbeat) Stats() ServiceStats {
	return h.counters.snapshot()
}

// OnPeriodic implements services.Service.
func (h *Heartbeat) OnPeriodic(ctx context.Context, id comm.ServiceID) {
	h.beat(ctx, id, false)
}

// OnEnergyRequested implements services.Service.
func (h *Heartbeat) OnEnergyRequested(ctx context.Context, id comm.ServiceID) {
	h.beat(ctx, id, true)
}

// OnInboundMessage restarts the sequence.
func (h *Heartbeat) OnInboundMessage(
	_ context.Context,
	_ comm.ServiceID,
	_ *comm.Message,
) {
	h.seq.Store(0)
}

func (h *Heartbeat) beat(ctx context.Context, id comm.ServiceID, energy bool) {
	m, err := h.out.Acquire(comm.KindEvent, 0)
	if err != nil {
		h.counters.starved.Add(1)
		return
	}

	b := Beat{Core: h.out.ID(), Seq: h.seq.Add(1), Energy: energy}
	_ = m.SetLength(len(b.Encode(m.Buffer())))
	m.Service = id

	status, _ := h.out.Send(ctx, m)
	h.counters.count(status)
}

// Echo sends every host packet it receives back to the host.
type Echo struct {
	out      Endpoint
	counters sendCounters
}

// NewEcho creates an echo service sending through out.
func NewEcho(out Endpoint) *Echo {
	return &Echo{out: out}
}

// Stats returns the send counters.
func (e *Echo) Stats() ServiceStats {
	return e.counters.snapshot()
}

// OnPeriodic implements services.Service.
func (e *Echo) OnPeriodic(context.Context, comm.ServiceID) {}

// OnEnergyRequested implements services.Service.
func (e *Echo) OnEnergyRequested(context.Context, comm.ServiceID) {}

// OnInboundMessage copies m into a fresh event buffer and sends it.
func (e *Echo) OnInboundMessage(
	ctx context.Context,
	id comm.ServiceID,
	m *comm.Message,
) {
	r, err := e.out.Acquire(comm.KindEvent, 0)
	if err != nil {
		e.counters.starved.Add(1)
		return
	}

	if err := r.SetPayload(m.Payload()); err != nil {
		e.counters.starved.Add(1)
		_ = bufpool.Release(r)

		return
	}

	r.Service = id

	status, _ := e.out.Send(ctx, r)
	e.counters.count(status)
}
