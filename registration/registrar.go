// Package registration implements the slave side of the handshake that makes
// a core known to the master.
package registration

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/sarchlab/telerouter/bufpool"
	"github.com/sarchlab/telerouter/comm"
	"github.com/sarchlab/telerouter/dispatch"
)

// State is the registration state of a slave.
type State int32

// Registration states.
const (
	StateUnregistered State = iota
	StateAwaitingMaster
	StateRegistered
)

func (s State) String() string {
	switch s {
	case StateUnregistered:
		return "unregistered"
	case StateAwaitingMaster:
		return "awaiting_master"
	case StateRegistered:
		return "registered"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var (
	// ErrAlreadyRunning is returned when Run is called while a previous
	// run has not finished.
	ErrAlreadyRunning = errors.New("registration: already running")

	// ErrMasterNotFound is returned when MaxAttempts is exhausted.
	ErrMasterNotFound = errors.New("registration: master not found")
)

// Config wires a Registrar to its core.
type Config struct {
	Self   comm.ProcessorID
	Master comm.ProcessorID

	// MasterQueue is the well-known name the master publishes once it is
	// ready.
	MasterQueue string

	// ReplyQueue is the name of this core's inbound queue, announced in the
	// Register payload.
	ReplyQueue string

	Opener comm.Opener
	Pool   *bufpool.Pool

	AcquireTimeout time.Duration
	Backoff        Backoff

	// MaxAttempts bounds the attempts of one run. Zero retries forever,
	// since the master is expected to come up eventually.
	MaxAttempts int

	// OnRegistered is called once the Register message is queued to the
	// master.
	OnRegistered func(master *comm.Queue)

	Logger zerolog.Logger
}

// Registrar runs the slave registration state machine:
// Unregistered, AwaitingMaster, Registered, and back on Stop.
type Registrar struct {
	cfg Config

	state    atomic.Int32
	attempts atomic.Int64
	running  atomic.Bool

	rngLock sync.Mutex
	rng     *rand.Rand
}

// New validates cfg and creates a Registrar.
func New(cfg Config) (*Registrar, error) {
	switch {
	case cfg.Opener == nil:
		return nil, errors.New("registration: opener is required")
	case cfg.Pool == nil:
		return nil, errors.New("registration: control pool is required")
	case cfg.MasterQueue == "" || cfg.ReplyQueue == "":
		return nil, errors.New("registration: queue names are required")
	}

	if cfg.OnRegistered == nil {
		cfg.OnRegistered = func(*comm.Queue) {}
	}

	if cfg.AcquireTimeout == 0 {
		cfg.AcquireTimeout = bufpool.Forever
	}

	return &Registrar{
		cfg: cfg,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// State returns the current registration state.
func (r *Registrar) State() State {
	return State(r.state.Load())
}

// Attempts returns how many times the master handle was tried since the
// registrar was created.
func (r *Registrar) Attempts() int64 {
	return r.attempts.Load()
}

// Running reports whether a run is in progress.
func (r *Registrar) Running() bool {
	return r.running.Load()
}

// MarkUnregistered records that the master went away.
func (r *Registrar) MarkUnregistered() {
	r.state.Store(int32(StateUnregistered))
}

// Run waits for the master and registers with it. It returns nil once the
// Register message has been queued to the master.
func (r *Registrar) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer r.running.Store(false)

	r.state.Store(int32(StateAwaitingMaster))

	for attempt := 1; ; attempt++ {
		err := r.try(attempt)
		if err == nil {
			return nil
		}

		if r.cfg.MaxAttempts > 0 && attempt >= r.cfg.MaxAttempts {
			r.state.Store(int32(StateUnregistered))
			return fmt.Errorf("%w after %d attempts: %w",
				ErrMasterNotFound, attempt, err)
		}

		r.cfg.Logger.Debug().
			Int("attempt", attempt).
			Err(err).
			Msg("master not reachable")

		if err := r.sleep(ctx, attempt); err != nil {
			r.state.Store(int32(StateUnregistered))
			return err
		}
	}
}

// Restart starts a run in the background unless one is already going. It
// reports whether a run was started.
func (r *Registrar) Restart(ctx context.Context) bool {
	if r.Running() {
		return false
	}

	r.MarkUnregistered()

	go func() {
		err := r.Run(ctx)
		if err != nil && !errors.Is(err, ErrAlreadyRunning) {
			r.cfg.Logger.Warn().Err(err).Msg("registration abandoned")
		}
	}()

	return true
}

func (r *Registrar) try(attempt int) error {
	r.attempts.Add(1)

	master, err := r.cfg.Opener.Open(r.cfg.MasterQueue)
	if err != nil {
		return err
	}

	m, err := r.cfg.Pool.Acquire(r.cfg.AcquireTimeout)
	if err != nil {
		return err
	}

	payload, err := dispatch.EncodeRegistration(r.cfg.ReplyQueue)
	if err == nil {
		err = m.SetPayload(payload)
	}

	if err != nil {
		_ = bufpool.Release(m)
		return err
	}

	m.Kind = comm.KindControl
	m.Action = comm.ActionRegister
	m.Src = r.cfg.Self
	m.Dst = r.cfg.Master

	if err := master.Push(m); err != nil {
		_ = bufpool.Release(m)
		return err
	}

	r.state.Store(int32(StateRegistered))
	r.cfg.Logger.Info().
		Int("attempt", attempt).
		Str("master_queue", master.Name()).
		Msg("registered with master")
	r.cfg.OnRegistered(master)

	return nil
}

func (r *Registrar) sleep(ctx context.Context, attempt int) error {
	r.rngLock.Lock()
	d := r.cfg.Backoff.Delay(attempt, r.rng)
	r.rngLock.Unlock()

	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
