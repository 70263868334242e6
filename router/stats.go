package router

import "sync/atomic"

// Stats counts what a router did with the messages it handled.
type Stats struct {
	sent             atomic.Uint64
	queued           atomic.Uint64
	unsent           atomic.Uint64
	forwarded        atomic.Uint64
	delivered        atomic.Uint64
	nacked           atomic.Uint64
	broadcastCopies  atomic.Uint64
	broadcastSkipped atomic.Uint64
	dropped          atomic.Uint64
	registrations    atomic.Uint64
	stopAcks         atomic.Uint64
	transportResets  atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Sent             uint64 `json:"sent"`
	Queued           uint64 `json:"queued"`
	Unsent           uint64 `json:"unsent"`
	Forwarded        uint64 `json:"forwarded"`
	Delivered        uint64 `json:"delivered"`
	Nacked           uint64 `json:"nacked"`
	BroadcastCopies  uint64 `json:"broadcast_copies"`
	BroadcastSkipped uint64 `json:"broadcast_skipped"`
	Dropped          uint64 `json:"dropped"`
	Registrations    uint64 `json:"registrations"`
	StopAcks         uint64 `json:"stop_acks"`
	TransportResets  uint64 `json:"transport_resets"`
}

// Snapshot reads all the counters.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Sent:             s.sent.Load(),
		Queued:           s.queued.Load(),
		Unsent:           s.unsent.Load(),
		Forwarded:        s.forwarded.Load(),
		Delivered:        s.delivered.Load(),
		Nacked:           s.nacked.Load(),
		BroadcastCopies:  s.broadcastCopies.Load(),
		BroadcastSkipped: s.broadcastSkipped.Load(),
		Dropped:          s.dropped.Load(),
		Registrations:    s.registrations.Load(),
		StopAcks:         s.stopAcks.Load(),
		TransportResets:  s.transportResets.Load(),
	}
}
