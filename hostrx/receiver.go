// Package hostrx pulls host packets from the transport into the master
// router.
package hostrx

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sarchlab/telerouter/bufpool"
	"github.com/sarchlab/telerouter/comm"
	"github.com/sarchlab/telerouter/transport"
)

// Router is the part of the master router the receiver feeds.
type Router interface {
	InboundPool() *bufpool.Pool
	Inject(m *comm.Message) error
	RestartStreams()
}

// Stats counts receiver activity.
type Stats struct {
	Received uint64 `json:"received"`
	Failures uint64 `json:"failures"`
	Restarts uint64 `json:"restarts"`
	Rejected uint64 `json:"rejected"`
}

// Builder can build receivers.
type Builder struct {
	router     Router
	transport  transport.Transport
	retryDelay time.Duration
	logger     zerolog.Logger
}

// MakeBuilder returns a Builder with default parameters.
func MakeBuilder() Builder {
	return Builder{
		retryDelay: 10 * time.Millisecond,
		logger:     zerolog.Nop(),
	}
}

// WithRouter sets the router host packets are injected into.
func (b Builder) WithRouter(r Router) Builder {
	b.router = r
	return b
}

// WithTransport sets the transport packets are received from.
func (b Builder) WithTransport(t transport.Transport) Builder {
	b.transport = t
	return b
}

// WithRetryDelay sets the pause after a failed receive.
func (b Builder) WithRetryDelay(d time.Duration) Builder {
	b.retryDelay = d
	return b
}

// WithLogger sets the logger.
func (b Builder) WithLogger(logger zerolog.Logger) Builder {
	b.logger = logger
	return b
}

// Build creates a receiver.
func (b Builder) Build(name string) *Receiver {
	if b.router == nil || b.transport == nil {
		panic("hostrx: router and transport are required")
	}

	return &Receiver{
		name:       name,
		router:     b.router,
		transport:  b.transport,
		retryDelay: b.retryDelay,
		log:        b.logger.With().Str("component", name).Logger(),
	}
}

// A Receiver is the host receive task of the master core.
type Receiver struct {
	name       string
	router     Router
	transport  transport.Transport
	retryDelay time.Duration
	log        zerolog.Logger

	received atomic.Uint64
	failures atomic.Uint64
	restarts atomic.Uint64
	rejected atomic.Uint64
}

// Name returns the name of the receiver.
func (r *Receiver) Name() string {
	return r.name
}

// Stats returns a snapshot of the counters.
func (r *Receiver) Stats() Stats {
	return Stats{
		Received: r.received.Load(),
		Failures: r.failures.Load(),
		Restarts: r.restarts.Load(),
		Rejected: r.rejected.Load(),
	}
}

// Run receives until ctx is done or the transport is closed for good.
func (r *Receiver) Run(ctx context.Context) error {
	pool := r.router.InboundPool()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		m, err := pool.AcquireContext(ctx)
		if err != nil {
			return err
		}

		if _, err := r.transport.Receive(m); err != nil {
			r.release(m)

			if errors.Is(err, transport.ErrStopped) {
				return err
			}

			if err := r.recover(ctx, err); err != nil {
				return err
			}

			continue
		}

		if err := r.router.Inject(m); err != nil {
			r.rejected.Add(1)
			r.log.Warn().Err(err).Stringer("msg", m).Msg("host packet rejected")
			r.release(m)

			continue
		}

		r.received.Add(1)
	}
}

func (r *Receiver) recover(ctx context.Context, cause error) error {
	r.failures.Add(1)
	r.log.Warn().Err(cause).Msg("host receive failed, restarting streams")

	r.router.RestartStreams()
	r.restarts.Add(1)

	if r.retryDelay <= 0 {
		return nil
	}

	timer := time.NewTimer(r.retryDelay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Receiver) release(m *comm.Message) {
	if err := bufpool.Release(m); err != nil {
		r.log.Error().Err(err).Msg("release failed")
	}
}
