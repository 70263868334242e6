// Package platform assembles a master core and its slaves in one process,
// linked to an in-memory host.
package platform

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sarchlab/telerouter/comm"
	"github.com/sarchlab/telerouter/config"
	"github.com/sarchlab/telerouter/hooking"
	"github.com/sarchlab/telerouter/hostrx"
	"github.com/sarchlab/telerouter/recording"
	"github.com/sarchlab/telerouter/registration"
	"github.com/sarchlab/telerouter/router"
	"github.com/sarchlab/telerouter/transport"
)

// ErrAlreadyRunning is returned by a second call to Run.
var ErrAlreadyRunning = errors.New("platform: already running")

// Core is one router with the demo services it hosts.
type Core struct {
	Router    *router.Router
	Heartbeat *Heartbeat
	Echo      *Echo
}

// A Platform runs every core of a configuration.
type Platform struct {
	cfg      config.Config
	fabric   *comm.Fabric
	host     *transport.Loopback
	cores    []Core
	master   *router.Router
	receiver *hostrx.Receiver
	recorder *recording.Recorder
	log      zerolog.Logger

	running atomic.Bool
}

// New builds the cores described by cfg. Nothing runs until Run.
func New(cfg config.Config, logger zerolog.Logger) (*Platform, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	policy, err := router.ParseBroadcastPolicy(cfg.BroadcastPolicy)
	if err != nil {
		return nil, err
	}

	p := &Platform{
		cfg:    cfg,
		fabric: comm.NewFabric(),
		host:   transport.NewLoopback(cfg.HostDepth),
		log:    logger.With().Str("component", "platform").Logger(),
	}

	builder := router.MakeBuilder().
		WithMaster(comm.ProcessorID(cfg.Master)).
		WithTickPeriod(cfg.TickPeriod).
		WithFabric(p.fabric).
		WithTransport(p.host).
		WithInboundDepth(cfg.InboundDepth).
		WithEventPool(router.PoolSpec{BufferSize: cfg.BufferSize, Count: cfg.EventBuffers}).
		WithControlPool(router.PoolSpec{BufferSize: cfg.BufferSize, Count: cfg.ControlBuffers}).
		WithInboundPool(router.PoolSpec{BufferSize: cfg.BufferSize, Count: cfg.InboundBuffers}).
		WithBroadcastPolicy(policy).
		WithBroadcastTimeout(cfg.BroadcastTimeout).
		WithRegistrationBackoff(registration.Backoff{
			Interval:    cfg.RegistrationInterval,
			Multiplier:  2,
			MaxInterval: cfg.RegistrationMaxDelay,
			Jitter:      true,
		}).
		WithLogger(logger)

	for i := 0; i < cfg.Cores; i++ {
		core, err := buildCore(builder, comm.ProcessorID(i), cfg.HeartbeatPeriod)
		if err != nil {
			return nil, err
		}

		p.cores = append(p.cores, core)

		if core.Router.IsMaster() {
			p.master = core.Router
		}
	}

	p.receiver = hostrx.MakeBuilder().
		WithRouter(p.master).
		WithTransport(p.host).
		WithLogger(logger).
		Build("HostRx")

	if err := p.openRecorder(logger); err != nil {
		return nil, err
	}

	return p, nil
}

func buildCore(
	builder router.Builder,
	id comm.ProcessorID,
	heartbeatPeriod time.Duration,
) (Core, error) {
	r, err := builder.WithProcessor(id).Build(fmt.Sprintf("Core%d", id))
	if err != nil {
		return Core{}, err
	}

	core := Core{Router: r, Heartbeat: NewHeartbeat(r), Echo: NewEcho(r)}

	if err := r.AddService(HeartbeatService, core.Heartbeat); err != nil {
		return Core{}, err
	}

	if err := r.AddService(EchoService, core.Echo); err != nil {
		return Core{}, err
	}

	if err := r.SetPeriod(HeartbeatService, heartbeatPeriod); err != nil {
		return Core{}, err
	}

	return core, nil
}

func (p *Platform) openRecorder(logger zerolog.Logger) error {
	if p.cfg.RecordBackend == "none" {
		return nil
	}

	w, err := recording.OpenWriter(p.cfg.RecordBackend, p.cfg.RecordPath,
		recording.ClickHouseOptions{
			Addr:     p.cfg.ClickHouseAddr,
			Database: p.cfg.ClickHouseDatabase,
			Username: p.cfg.ClickHouseUser,
			Password: p.cfg.ClickHousePassword,
		})
	if err != nil {
		return err
	}

	p.recorder = recording.NewRecorder(w, 0, logger)
	p.AcceptHook(p.recorder)

	p.log.Info().
		Str("backend", p.cfg.RecordBackend).
		Str("run", p.recorder.Run()).
		Msg("recording traffic")

	return nil
}

// AcceptHook attaches h to every router and buffer pool. Hooks must be
// attached before Run.
func (p *Platform) AcceptHook(h hooking.Hook) {
	for _, c := range p.cores {
		c.Router.AcceptHook(h)

		for _, pool := range c.Router.Pools() {
			pool.AcceptHook(h)
		}
	}
}

// Config returns the configuration the platform was built from.
func (p *Platform) Config() config.Config {
	return p.cfg
}

// Fabric returns the fabric the cores publish their queues in.
func (p *Platform) Fabric() *comm.Fabric {
	return p.fabric
}

// Host returns the host side of the transport.
func (p *Platform) Host() *transport.Loopback {
	return p.host
}

// Master returns the master router.
func (p *Platform) Master() *router.Router {
	return p.master
}

// Cores returns every core, master included, ordered by id.
func (p *Platform) Cores() []Core {
	return p.cores
}

// Core returns the core with the given id.
func (p *Platform) Core(id comm.ProcessorID) (Core, bool) {
	if id < 0 || int(id) >= len(p.cores) {
		return Core{}, false
	}

	return p.cores[id], true
}

// Receiver returns the host receive task.
func (p *Platform) Receiver() *hostrx.Receiver {
	return p.receiver
}

// Recorder returns the traffic recorder, or nil when recording is off.
func (p *Platform) Recorder() *recording.Recorder {
	return p.recorder
}

// Run starts every core and the host receiver, and blocks until ctx is done
// or one of them fails.
func (p *Platform) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg   sync.WaitGroup
		lock sync.Mutex
		errs []error
	)

	run := func(name string, f func(context.Context) error) {
		wg.Add(1)

		go func() {
			defer wg.Done()

			err := f(ctx)
			if err == nil || ctx.Err() != nil || errors.Is(err, transport.ErrStopped) {
				return
			}

			lock.Lock()
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			lock.Unlock()

			cancel()
		}()
	}

	if err := p.master.Start(); err != nil {
		return err
	}

	for _, c := range p.cores {
		run(c.Router.Name(), c.Router.Run)
	}

	run(p.receiver.Name(), p.receiver.Run)

	p.log.Info().Int("cores", len(p.cores)).Msg("platform running")

	<-ctx.Done()
	p.host.Close()
	wg.Wait()

	if p.recorder != nil {
		if err := p.recorder.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	p.log.Info().Msg("platform stopped")

	return errors.Join(errs...)
}

// WaitRegistered blocks until every slave is in the master's dispatch
// table.
func (p *Platform) WaitRegistered(ctx context.Context) error {
	want := len(p.cores) - 1

	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	for p.master.Table().Len() < want {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}

	return nil
}
