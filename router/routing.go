package router

import (
	"context"
	"encoding/binary"

	"github.com/sarchlab/telerouter/comm"
)

var streamKinds = [...]comm.Kind{comm.KindEvent, comm.KindControl}

func (r *Router) handle(ctx context.Context, m *comm.Message) {
	switch m.Action {
	case comm.ActionToHost:
		r.forwardToHost(ctx, m)
	case comm.ActionFromHost:
		r.routeFromHost(ctx, m)
	case comm.ActionRegister:
		r.handleRegister(m)
	case comm.ActionStop:
		r.handleStop(ctx, m)
	case comm.ActionStopAck:
		r.stats.stopAcks.Add(1)
		r.log.Info().Stringer("from", m.Src).Msg("stop acknowledged")
		r.release(m)
	case comm.ActionNone:
		r.stats.dropped.Add(1)
		r.release(m)
	default:
		r.stats.dropped.Add(1)
		r.log.Warn().Stringer("msg", m).Msg("unknown action")
		r.release(m)
	}
}

// forwardToHost handles host-bound messages queued by slaves or by senders
// running outside the master's task.
func (r *Router) forwardToHost(ctx context.Context, m *comm.Message) {
	if !r.isMaster {
		src := m.Src
		status, _ := r.Send(ctx, m)
		r.log.Debug().Stringer("src", src).Stringer("status", status).
			Msg("relayed host-bound message")

		return
	}

	if !r.masterRunning.Load() {
		r.drop(m, ErrMasterUnavailable)
		return
	}

	r.transmit(m)
}

// transmit writes m to the host and releases it.
func (r *Router) transmit(m *comm.Message) Status {
	err := r.transport.Send(m.Kind, m)
	if err != nil {
		r.log.Warn().Err(err).Stringer("kind", m.Kind).Msg("host send failed")
		r.restartTransport(m.Kind)

		return r.drop(m, err)
	}

	r.stats.sent.Add(1)
	r.hook(HookPosRouted, m.Trace(), comm.Host)
	r.release(m)

	return StatusSent
}

func (r *Router) routeFromHost(ctx context.Context, m *comm.Message) {
	dst := m.Dst
	if dst == comm.Broadcast {
		if r.isMaster {
			r.fanOut(ctx, m)
		}

		dst = r.self
	}

	if dst == r.self {
		r.deliverLocal(ctx, m)
		return
	}

	q, found := r.table.Lookup(dst)
	if !found {
		r.nack(ctx, m, comm.CodeBadEndpointAddress)
		return
	}

	trace := m.Trace()
	if err := q.Push(m); err != nil {
		r.log.Warn().Err(err).Stringer("dst", dst).Msg("peer queue rejected")
		r.nack(ctx, m, comm.CodeBufferExhausted)

		return
	}

	r.stats.forwarded.Add(1)
	r.hook(HookPosRouted, trace, dst)
}

func (r *Router) deliverLocal(ctx context.Context, m *comm.Message) {
	svc, found := r.services.Service(m.Service)
	if !found {
		r.nack(ctx, m, comm.CodeUnknownService)
		return
	}

	svc.OnInboundMessage(ctx, m.Service, m)

	r.stats.delivered.Add(1)
	r.hook(HookPosRouted, m.Trace(), r.self)
	r.release(m)
}

func (r *Router) fanOut(ctx context.Context, m *comm.Message) {
	r.peerIDs = r.table.AppendIDs(r.peerIDs[:0])
	if len(r.peerIDs) == 0 {
		return
	}

	switch r.broadcastPolicy {
	case AllOrNothing:
		r.fanOutAllOrNothing(ctx, m)
	default:
		r.fanOutBestEffort(m)
	}
}

func (r *Router) fanOutBestEffort(m *comm.Message) {
	for _, id := range r.peerIDs {
		c, err := r.inboundPool.Acquire(r.broadcastTimeout)
		if err != nil {
			r.stats.broadcastSkipped.Add(1)
			r.log.Debug().Err(err).Stringer("dst", id).Msg("broadcast copy skipped")

			continue
		}

		r.pushCopy(id, c, m)
	}
}

func (r *Router) fanOutAllOrNothing(ctx context.Context, m *comm.Message) {
	r.copies = r.copies[:0]

	for range r.peerIDs {
		c, err := r.inboundPool.Acquire(r.broadcastTimeout)
		if err != nil {
			for _, c := range r.copies {
				r.release(c)
			}

			r.copies = r.copies[:0]
			r.stats.broadcastSkipped.Add(uint64(len(r.peerIDs)))
			r.log.Warn().Err(err).Int("peers", len(r.peerIDs)).
				Msg("broadcast abandoned")
			r.report(ctx, m, comm.CodeBufferExhausted)

			return
		}

		r.copies = append(r.copies, c)
	}

	for i, id := range r.peerIDs {
		r.pushCopy(id, r.copies[i], m)
	}

	r.copies = r.copies[:0]
}

func (r *Router) pushCopy(id comm.ProcessorID, c, m *comm.Message) {
	q, found := r.table.Lookup(id)
	if !found {
		r.stats.broadcastSkipped.Add(1)
		r.release(c)

		return
	}

	if err := c.CopyFrom(m); err != nil {
		r.stats.broadcastSkipped.Add(1)
		r.release(c)

		return
	}

	trace := c.Trace()
	if err := q.Push(c); err != nil {
		r.stats.broadcastSkipped.Add(1)
		r.release(c)

		return
	}

	r.stats.broadcastCopies.Add(1)
	r.hook(HookPosRouted, trace, id)
}

// nack turns m into a NACK for the host and sends it. The payload carries
// the destination that could not be served.
func (r *Router) nack(ctx context.Context, m *comm.Message, code comm.ErrorCode) {
	var payload [4]byte

	binary.LittleEndian.PutUint32(payload[:], uint32(m.Dst))
	_ = m.SetPayload(payload[:])

	m.Kind = comm.KindControl
	m.Code = code

	r.stats.nacked.Add(1)
	r.hook(HookPosNack, m.Trace(), code)
	r.log.Debug().Stringer("code", code).Stringer("msg", m).Msg("nack")

	_, _ = r.Send(ctx, m)
}

// report NACKs the host about m while m itself stays with the caller.
func (r *Router) report(ctx context.Context, m *comm.Message, code comm.ErrorCode) {
	n, err := r.controlPool.Acquire(0)
	if err != nil {
		r.log.Warn().Stringer("code", code).Msg("no buffer for nack")
		return
	}

	n.Service = m.Service
	n.Dst = m.Dst

	r.nack(ctx, n, code)
}

func (r *Router) handleRegister(m *comm.Message) {
	defer r.release(m)

	if !r.isMaster {
		r.log.Warn().Stringer("from", m.Src).Msg("register sent to a slave")
		return
	}

	q, err := r.table.Register(m.Src, m.Payload(), r.fabric)
	if err != nil {
		r.log.Warn().Err(err).Stringer("from", m.Src).Msg("registration rejected")
		return
	}

	r.stats.registrations.Add(1)
	r.hook(HookPosRegistered, m.Trace(), q.Name())
	r.log.Info().Stringer("slave", m.Src).Str("queue", q.Name()).
		Msg("slave registered")
}

func (r *Router) handleStop(ctx context.Context, m *comm.Message) {
	r.masterRunning.Store(false)

	if r.isMaster {
		r.log.Info().Msg("stop requested by host")

		if err := r.withdraw(); err != nil {
			r.log.Error().Err(err).Msg("cannot withdraw master queue")
		}

		m.Kind = comm.KindControl
		m.Action = comm.ActionStopAck
		m.Src = r.self
		m.Dst = comm.Host
		r.transmit(m)

		return
	}

	r.log.Info().Stringer("from", m.Src).Msg("master stopped")

	master := r.masterQueue.Swap(nil)

	m.Kind = comm.KindControl
	m.Action = comm.ActionStopAck
	m.Dst = m.Src
	m.Src = r.self

	if master == nil {
		r.release(m)
	} else if err := master.Push(m); err != nil {
		r.log.Warn().Err(err).Msg("stop ack not delivered")
		r.release(m)
	}

	r.registrar.Restart(ctx)
}

// stopSlaves sends Stop to every registered slave. It may run outside the
// router task, so it does not touch the task's scratch space.
func (r *Router) stopSlaves() {
	for _, id := range r.table.IDs() {
		q, found := r.table.Lookup(id)
		if !found {
			continue
		}

		m, err := r.controlPool.Acquire(r.broadcastTimeout)
		if err != nil {
			r.log.Warn().Err(err).Stringer("slave", id).Msg("cannot stop slave")
			continue
		}

		m.Kind = comm.KindControl
		m.Action = comm.ActionStop
		m.Src = r.self
		m.Dst = id

		if err := q.Push(m); err != nil {
			r.log.Warn().Err(err).Stringer("slave", id).Msg("cannot stop slave")
			r.release(m)
		}
	}
}

func (r *Router) startTransport() error {
	r.transportLock.Lock()
	defer r.transportLock.Unlock()

	for _, kind := range streamKinds {
		h, err := r.transport.Start(kind)
		if err != nil {
			return err
		}

		r.handles[kind] = h
	}

	return nil
}

// RestartStreams stops and restarts every host stream.
func (r *Router) RestartStreams() {
	for _, kind := range streamKinds {
		r.restartTransport(kind)
	}
}

func (r *Router) restartTransport(kind comm.Kind) {
	r.transportLock.Lock()
	defer r.transportLock.Unlock()

	r.stats.transportResets.Add(1)

	if h, ok := r.handles[kind]; ok {
		if err := r.transport.Stop(h); err != nil {
			r.log.Warn().Err(err).Stringer("kind", kind).Msg("stream stop failed")
		}

		delete(r.handles, kind)
	}

	h, err := r.transport.Start(kind)
	if err != nil {
		r.log.Error().Err(err).Stringer("kind", kind).Msg("stream restart failed")
		return
	}

	r.handles[kind] = h
	r.log.Info().Stringer("kind", kind).Msg("stream restarted")
}
